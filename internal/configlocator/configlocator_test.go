package configlocator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

const userConfigTemplate = `<?xml version="1.0"?>
<configuration>
  <userSettings>
    <Canoe123.Properties.Settings>
      <setting name="CurrentEventFile" serializeAs="String">
        <value>%s</value>
      </setting>
      <setting name="AutoCopyFolder" serializeAs="String">
        <value>%s</value>
      </setting>
    </Canoe123.Properties.Settings>
  </userSettings>
</configuration>`

func writeUserConfig(t *testing.T, dir, currentEventFile, autoCopyFolder string) {
	t.Helper()
	content := []byte(fmt.Sprintf(userConfigTemplate, currentEventFile, autoCopyFolder))
	if err := os.WriteFile(filepath.Join(dir, "user.config"), content, 0o644); err != nil {
		t.Fatalf("write user.config: %v", err)
	}
}

func TestLocatePicksNewestSiblingSettingsDirectory(t *testing.T) {
	root := t.TempDir()

	older := filepath.Join(root, "Canoe123.exe_Url_abc")
	newer := filepath.Join(root, "Canoe123.exe_Url_def")
	if err := os.MkdirAll(older, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(newer, 0o755); err != nil {
		t.Fatal(err)
	}

	eventDir := t.TempDir()
	autoCopyDir := t.TempDir()
	mainPath := filepath.Join(eventDir, "event.xml")
	offlinePath := filepath.Join(autoCopyDir, "event.xml")
	if err := os.WriteFile(mainPath, []byte("<Canoe123Data/>"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(offlinePath, []byte("<Canoe123Data/>"), 0o644); err != nil {
		t.Fatal(err)
	}

	writeUserConfig(t, older, mainPath, autoCopyDir)

	time.Sleep(10 * time.Millisecond)
	writeUserConfig(t, newer, mainPath, autoCopyDir)

	l := New(root, "Canoe123", ModeAutoOffline, "", nil)
	result := l.Locate()

	if !result.Found {
		t.Fatalf("expected a found result, got %+v", result)
	}
	if result.Resolved != offlinePath {
		t.Fatalf("resolved = %q, want offline path %q", result.Resolved, offlinePath)
	}
}

func TestLocateAutoOfflineFallsBackToMainWhenOfflineMissing(t *testing.T) {
	root := t.TempDir()
	settingsDir := filepath.Join(root, "Canoe123.exe_Url_xyz")
	if err := os.MkdirAll(settingsDir, 0o755); err != nil {
		t.Fatal(err)
	}

	eventDir := t.TempDir()
	mainPath := filepath.Join(eventDir, "event.xml")
	if err := os.WriteFile(mainPath, []byte("<Canoe123Data/>"), 0o644); err != nil {
		t.Fatal(err)
	}

	missingAutoCopyDir := filepath.Join(root, "does-not-exist")
	writeUserConfig(t, settingsDir, mainPath, missingAutoCopyDir)

	l := New(root, "Canoe123", ModeAutoOffline, "", nil)
	result := l.Locate()

	if !result.Found {
		t.Fatalf("expected found via main fallback, got %+v", result)
	}
	if result.Resolved != mainPath {
		t.Fatalf("resolved = %q, want main path %q", result.Resolved, mainPath)
	}
	if result.Offline.Exists {
		t.Fatal("offline candidate should not exist")
	}
}

func TestLocateMissingSettingsTreeReportsNotFound(t *testing.T) {
	l := New(t.TempDir(), "Canoe123", ModeAutoOffline, "", nil)
	result := l.Locate()
	if result.Found {
		t.Fatalf("expected not-found result, got %+v", result)
	}
}

func TestLocateManualModeUsesSuppliedPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "event.xml")
	if err := os.WriteFile(path, []byte("<Canoe123Data/>"), 0o644); err != nil {
		t.Fatal(err)
	}

	l := New("", "", ModeManual, path, nil)
	result := l.Locate()
	if !result.Found || result.Resolved != path {
		t.Fatalf("got %+v, want found resolved to %q", result, path)
	}
}

func TestMonitorEmitsOnlyWhenResolvedPathChanges(t *testing.T) {
	root := t.TempDir()
	settingsDir := filepath.Join(root, "Canoe123.exe_Url_abc")
	if err := os.MkdirAll(settingsDir, 0o755); err != nil {
		t.Fatal(err)
	}

	dirA := t.TempDir()
	dirB := t.TempDir()
	pathA := filepath.Join(dirA, "event.xml")
	pathB := filepath.Join(dirB, "event.xml")
	if err := os.WriteFile(pathA, []byte("<Canoe123Data/>"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(pathB, []byte("<Canoe123Data/>"), 0o644); err != nil {
		t.Fatal(err)
	}

	writeUserConfig(t, settingsDir, pathA, filepath.Join(root, "no-such-autocopy"))

	l := New(root, "Canoe123", ModeAutoMain, "", nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes := l.Monitor(ctx, 10*time.Millisecond)

	first := <-changes
	if first.Resolved != pathA {
		t.Fatalf("first resolved = %q, want %q", first.Resolved, pathA)
	}

	writeUserConfig(t, settingsDir, pathB, filepath.Join(root, "no-such-autocopy"))

	select {
	case second := <-changes:
		if second.Resolved != pathB {
			t.Fatalf("second resolved = %q, want %q", second.Resolved, pathB)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for monitor to report the path change")
	}
}
