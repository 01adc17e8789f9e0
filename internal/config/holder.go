// ABOUTME: Atomic holder for the live configuration snapshot.
// ABOUTME: Readers always see a complete Config; reloads and updates swap the pointer.

package config

import (
	"sync"
	"sync/atomic"
)

// Holder publishes immutable Config snapshots. Callers must treat the
// *Config returned by Get as read-only.
type Holder struct {
	path string
	cur  atomic.Pointer[Config]
	mu   sync.Mutex // serializes writers
}

// NewHolder creates a Holder serving cfg, reloadable from path.
func NewHolder(path string, cfg *Config) *Holder {
	h := &Holder{path: path}
	h.cur.Store(cfg)
	return h
}

// Get returns the current snapshot.
func (h *Holder) Get() *Config {
	return h.cur.Load()
}

// Path returns the file the holder reloads from.
func (h *Holder) Path() string {
	return h.path
}

// Reload re-reads the config file and publishes it. On error the current
// snapshot is kept.
func (h *Holder) Reload() (*Config, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	cfg, err := Load(h.path)
	if err != nil {
		return nil, err
	}
	h.cur.Store(cfg)
	return cfg, nil
}

// Update publishes a modified copy of the current snapshot.
func (h *Holder) Update(fn func(*Config)) *Config {
	h.mu.Lock()
	defer h.mu.Unlock()

	next := *h.cur.Load()
	fn(&next)
	h.cur.Store(&next)
	return &next
}
