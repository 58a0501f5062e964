package handoff

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
)

// Fixed key under which the current handoff is mirrored in the outcome
// store.
const (
	StateNamespace = "handoff"
	StateKey       = "next"
)

// StateStore mirrors the handoff into durable engine state. Satisfied
// by *outcome.Store; its writes are fail-soft.
type StateStore interface {
	SetState(namespace, key string, v any)
}

// Manager saves and loads the handoff. The file is the source of truth
// across restarts; the store copy is for inspection and history.
type Manager struct {
	path   string
	store  StateStore
	logger *slog.Logger
}

// NewManager returns a manager persisting to path. store may be nil.
func NewManager(path string, store StateStore, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{path: path, store: store, logger: logger}
}

// Path returns the handoff file location.
func (m *Manager) Path() string { return m.path }

// Save replaces the stored handoff with h. Both writes are best-effort;
// failures are logged.
func (m *Manager) Save(h Handoff) {
	if err := writeAtomic(m.path, h); err != nil {
		m.logger.Warn("handoff file write failed", "path", m.path, "error", err)
	}
	if m.store != nil {
		m.store.SetState(StateNamespace, StateKey, h)
	}
	m.logger.Debug("handoff saved",
		"from_cycle", h.FromCycle,
		"source", h.Source,
		"next_task", h.NextTask,
		"suggested_action", h.SuggestedAction,
	)
}

// Load reads the handoff file. A missing or corrupt file yields nil.
func (m *Manager) Load() *Handoff {
	data, err := os.ReadFile(m.path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			m.logger.Warn("handoff file unreadable", "path", m.path, "error", err)
		}
		return nil
	}
	var h Handoff
	if err := json.Unmarshal(data, &h); err != nil {
		m.logger.Warn("handoff file corrupt", "path", m.path, "error", err)
		return nil
	}
	return &h
}

// Clear removes the handoff file so the next cycle starts without one.
func (m *Manager) Clear() error {
	if err := os.Remove(m.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove handoff: %w", err)
	}
	return nil
}

// writeAtomic writes v as indented JSON via a temp file and rename so
// readers never see a partial document.
func writeAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".handoff-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
