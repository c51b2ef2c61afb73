package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/micro-nova/planetradio-go/internal/models"
)

const (
	configFileName = "settings.json"
	debounceDelay  = 500 * time.Millisecond
)

// ErrCorrupt is returned by LoadStrict for a settings file that does not parse.
var ErrCorrupt = errors.New("corrupt settings file")

// JSONStore is an atomic JSON file store with debounced writes.
type JSONStore struct {
	mu      sync.Mutex
	path    string
	timer   *time.Timer
	pending *models.Settings
}

// NewJSONStore creates a new JSON store in the given config directory.
func NewJSONStore(configDir string) *JSONStore {
	return &JSONStore{
		path: filepath.Join(configDir, configFileName),
	}
}

// Path returns the file path used by this store.
func (s *JSONStore) Path() string { return s.path }

// Load returns the settings most recently saved, even when the debounced
// write has not reached disk yet. Otherwise it reads the file, returning
// DefaultSettings on ENOENT or parse errors.
func (s *JSONStore) Load() (*models.Settings, error) {
	s.mu.Lock()
	if s.pending != nil {
		cp := *s.pending
		s.mu.Unlock()
		return &cp, nil
	}
	s.mu.Unlock()

	settings, err := s.LoadStrict()
	if errors.Is(err, ErrCorrupt) {
		slog.Warn("config: corrupt settings file, using defaults", "path", s.path, "err", err)
		def := models.DefaultSettings()
		return &def, nil
	}
	return settings, err
}

// LoadStrict is Load without the fallback for unparseable files; the watcher
// uses it so a half-written file is skipped instead of read as defaults.
func (s *JSONStore) LoadStrict() (*models.Settings, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			def := models.DefaultSettings()
			return &def, nil
		}
		return nil, err
	}

	var settings models.Settings
	if err := json.Unmarshal(data, &settings); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, s.path, err)
	}

	migrateSettings(&settings)
	return &settings, nil
}

// Save schedules a debounced write of the settings to disk.
// The actual write happens after 500ms of no further Save calls.
func (s *JSONStore) Save(settings *models.Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *settings
	s.pending = &cp

	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(debounceDelay, func() {
		s.mu.Lock()
		st := s.pending
		s.pending = nil
		s.mu.Unlock()
		if st != nil {
			if err := s.writeAtomic(st); err != nil {
				slog.Error("config: failed to write settings", "path", s.path, "err", err)
			}
		}
	})
	return nil
}

// Flush forces an immediate write of any pending settings.
func (s *JSONStore) Flush() error {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	st := s.pending
	s.pending = nil
	s.mu.Unlock()
	if st == nil {
		return nil
	}
	return s.writeAtomic(st)
}

func (s *JSONStore) writeAtomic(settings *models.Settings) error {
	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return err
	}

	// Write to temp file, then rename (atomic on Linux). The file holds the
	// account password, so keep it private.
	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmpPath, s.path)
}
