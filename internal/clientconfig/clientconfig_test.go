package clientconfig

import "testing"

func TestMergeSetsThenClearsField(t *testing.T) {
	cfg := Config{}

	title := `"Finals"`
	cfg, err := Merge(cfg, Patch{"customTitle": []byte(title)})
	if err != nil {
		t.Fatalf("merge set: %v", err)
	}
	if cfg.CustomTitle == nil || *cfg.CustomTitle != "Finals" {
		t.Fatalf("customTitle = %v, want Finals", cfg.CustomTitle)
	}

	cfg, err = Merge(cfg, Patch{"customTitle": []byte("null")})
	if err != nil {
		t.Fatalf("merge clear: %v", err)
	}
	if cfg.CustomTitle != nil {
		t.Fatalf("expected customTitle cleared, got %v", *cfg.CustomTitle)
	}
}

func TestMergeLeavesAbsentFieldsUntouched(t *testing.T) {
	rows := 10
	cfg := Config{DisplayRows: &rows}

	cfg, err := Merge(cfg, Patch{"label": []byte(`"court-1"`)})
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if cfg.DisplayRows == nil || *cfg.DisplayRows != 10 {
		t.Fatalf("displayRows was clobbered: %v", cfg.DisplayRows)
	}
	if cfg.Label == nil || *cfg.Label != "court-1" {
		t.Fatalf("label = %v, want court-1", cfg.Label)
	}
}

func TestMergeCustomParamsBySubKey(t *testing.T) {
	cfg := Config{CustomParams: map[string]interface{}{"a": "1", "b": "2"}}

	cfg, err := Merge(cfg, Patch{"customParams": []byte(`{"b": null, "c": 3}`)})
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if _, ok := cfg.CustomParams["a"]; !ok {
		t.Fatal("expected key a to survive untouched")
	}
	if _, ok := cfg.CustomParams["b"]; ok {
		t.Fatal("expected key b cleared by explicit null")
	}
	if v, ok := cfg.CustomParams["c"]; !ok || v != float64(3) {
		t.Fatalf("expected key c = 3, got %v", v)
	}
}

func TestToPushDataOnlyIncludesNonNilFields(t *testing.T) {
	rows := 10
	layout := LayoutLedwall
	cfg := Config{DisplayRows: &rows, LayoutType: &layout}

	data := ToPushData(cfg)
	if len(data) != 2 {
		t.Fatalf("got %d keys, want 2: %+v", len(data), data)
	}
	if data["displayRows"] != 10 {
		t.Fatalf("displayRows = %v, want 10", data["displayRows"])
	}
	if data["layoutType"] != LayoutLedwall {
		t.Fatalf("layoutType = %v, want ledwall", data["layoutType"])
	}
}

func TestIsEmptyOnZeroValueConfig(t *testing.T) {
	if !IsEmpty(Config{}) {
		t.Fatal("expected zero-value config to be empty")
	}
}
