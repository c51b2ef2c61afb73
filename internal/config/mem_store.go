package config

import (
	"sync"

	"github.com/micro-nova/planetradio-go/internal/models"
)

// MemStore is an in-memory Store for tests that never writes to disk.
type MemStore struct {
	mu       sync.Mutex
	settings *models.Settings
	saves    int
}

// NewMemStore returns a new in-memory store with nil settings (defaults to
// DefaultSettings on Load).
func NewMemStore() *MemStore {
	return &MemStore{}
}

// Load returns a copy of the stored settings, or DefaultSettings if none have
// been saved yet.
func (m *MemStore) Load() (*models.Settings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.settings == nil {
		def := models.DefaultSettings()
		return &def, nil
	}
	cp := *m.settings
	return &cp, nil
}

// Save stores a copy of the given settings in memory.
func (m *MemStore) Save(settings *models.Settings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *settings
	m.settings = &cp
	m.saves++
	return nil
}

// Saves returns how many times Save has been called.
func (m *MemStore) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

// Path returns ":memory:" to indicate this is an in-memory store.
func (m *MemStore) Path() string { return ":memory:" }

// Flush is a no-op for in-memory stores.
func (m *MemStore) Flush() error { return nil }

// Ensure MemStore implements config.Store
var _ Store = (*MemStore)(nil)
