// Package registry persists the admin settings document — the
// durable-key-to-ClientConfig mapping plus the handful of other
// operator-set values that share its on-disk file — and notifies the
// subscriber hub whenever a client's configuration changes.
package registry

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"racecaster/internal/clientconfig"
	"racecaster/internal/logging"
)

// CustomParamDefinition describes one operator-defined scoreboard
// custom parameter available for clients to set.
type CustomParamDefinition struct {
	Key   string `json:"key"`
	Label string `json:"label"`
	Type  string `json:"type"`
}

// Document is the full shape of the persisted settings file.
type Document struct {
	XmlSourceMode          string                         `json:"xmlSourceMode"`
	XmlPath                *string                        `json:"xmlPath,omitempty"`
	EventNameOverride      *string                        `json:"eventNameOverride,omitempty"`
	ClientConfigs          map[string]clientconfig.Config `json:"clientConfigs"`
	CustomParamDefinitions []CustomParamDefinition        `json:"customParamDefinitions"`
	DefaultAssets          clientconfig.Assets            `json:"defaultAssets"`
}

func emptyDocument() Document {
	return Document{ClientConfigs: make(map[string]clientconfig.Config)}
}

// Broadcaster is the subset of the subscriber hub's behavior the
// registry needs; satisfied by *hub.Hub without importing it.
type Broadcaster interface {
	PushConfig(key string, cfg clientconfig.Config) int
}

// Store is the persistent, mutex-guarded settings document.
type Store struct {
	path   string
	logger logging.Logger

	mu  sync.Mutex
	doc Document

	broadcastMu sync.RWMutex
	broadcaster Broadcaster
}

// Open loads the document at path, creating an empty one in memory if
// the file does not yet exist (it is created on first Save).
func Open(path string, logger logging.Logger) (*Store, error) {
	s := &Store{path: path, logger: logger, doc: emptyDocument()}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, err
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	if doc.ClientConfigs == nil {
		doc.ClientConfigs = make(map[string]clientconfig.Config)
	}
	s.doc = doc
	return s, nil
}

// SetBroadcaster wires the subscriber hub in after both are
// constructed, breaking the registry/hub initialization cycle.
func (s *Store) SetBroadcaster(b Broadcaster) {
	s.broadcastMu.Lock()
	s.broadcaster = b
	s.broadcastMu.Unlock()
}

// Get returns the ClientConfig for key, if any.
func (s *Store) Get(key string) (clientconfig.Config, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, ok := s.doc.ClientConfigs[key]
	return cfg, ok
}

// Enumerate returns every known client configuration, keyed by durable
// key. The returned map is a copy.
func (s *Store) Enumerate() map[string]clientconfig.Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]clientconfig.Config, len(s.doc.ClientConfigs))
	for k, v := range s.doc.ClientConfigs {
		out[k] = v
	}
	return out
}

// Upsert merges patch into key's existing configuration (or a zero
// value if key is new), persists the document, and — if a broadcaster
// is wired — pushes the merged config to every matching session.
// Returns the number of sessions notified.
func (s *Store) Upsert(key string, patch clientconfig.Patch) (clientconfig.Config, int, error) {
	s.mu.Lock()
	existing := s.doc.ClientConfigs[key]
	merged, err := clientconfig.Merge(existing, patch)
	if err != nil {
		s.mu.Unlock()
		return clientconfig.Config{}, 0, err
	}
	s.doc.ClientConfigs[key] = merged
	saveErr := s.saveLocked()
	s.mu.Unlock()

	if saveErr != nil {
		if s.logger != nil {
			s.logger.WithError(saveErr).Error("failed to persist client registry")
		}
	}

	notified := s.pushConfig(key, merged)
	return merged, notified, saveErr
}

// SetLabel sets a client's admin-facing label.
func (s *Store) SetLabel(key, label string) error {
	_, _, err := s.Upsert(key, clientconfig.Patch{"label": mustMarshal(label)})
	return err
}

// TouchLastSeen updates a client's lastSeen timestamp without
// triggering a config push (it is not a user-visible change).
func (s *Store) TouchLastSeen(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.doc.ClientConfigs[key]
	if !ok {
		existing = clientconfig.Config{}
	}
	now := time.Now().UTC()
	existing.LastSeen = &now
	s.doc.ClientConfigs[key] = existing
	if err := s.saveLocked(); err != nil && s.logger != nil {
		s.logger.WithError(err).Warn("failed to persist lastSeen update")
	}
}

// Delete removes a client's configuration entirely.
func (s *Store) Delete(key string) error {
	s.mu.Lock()
	delete(s.doc.ClientConfigs, key)
	err := s.saveLocked()
	s.mu.Unlock()
	return err
}

func (s *Store) pushConfig(key string, cfg clientconfig.Config) int {
	s.broadcastMu.RLock()
	b := s.broadcaster
	s.broadcastMu.RUnlock()
	if b == nil {
		return 0
	}
	return b.PushConfig(key, cfg)
}

// XmlSourceMode returns the persisted ConfigLocator mode knob.
func (s *Store) XmlSourceMode() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.XmlSourceMode
}

// SetXmlSourceMode persists a new ConfigLocator mode knob.
func (s *Store) SetXmlSourceMode(mode string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.XmlSourceMode = mode
	return s.saveLocked()
}

// XmlPath returns the manually configured XML path, if any.
func (s *Store) XmlPath() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.doc.XmlPath == nil {
		return "", false
	}
	return *s.doc.XmlPath, true
}

// SetXmlPath persists a manually configured XML path.
func (s *Store) SetXmlPath(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.XmlPath = &path
	return s.saveLocked()
}

// EventNameOverride returns the operator-set event name, if any.
func (s *Store) EventNameOverride() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.doc.EventNameOverride == nil {
		return "", false
	}
	return *s.doc.EventNameOverride, true
}

// SetEventNameOverride persists an operator-set event name; an empty
// string clears the override.
func (s *Store) SetEventNameOverride(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if name == "" {
		s.doc.EventNameOverride = nil
	} else {
		s.doc.EventNameOverride = &name
	}
	return s.saveLocked()
}

// saveLocked writes the document to disk via temp-file-then-rename.
// Callers must hold s.mu.
func (s *Store) saveLocked() error {
	data, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".settings-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}

	return os.Rename(tmpPath, s.path)
}

func mustMarshal(v interface{}) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("null")
	}
	return raw
}
