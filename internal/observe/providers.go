package observe

import (
	"context"
	"log/slog"
	"math"
	"os"
	"strconv"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// MapProvider serves fixed values. Safe for concurrent use; Set lets
// tests move a dimension between observations.
type MapProvider struct {
	mu     sync.RWMutex
	values map[Dimension]float64
}

// NewMapProvider copies values into a new provider.
func NewMapProvider(values map[Dimension]float64) *MapProvider {
	m := &MapProvider{values: make(map[Dimension]float64, len(values))}
	for k, v := range values {
		m.values[k] = v
	}
	return m
}

// Read implements [DataProvider].
func (m *MapProvider) Read(_ context.Context, dim Dimension) (float64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[dim]
	return v, ok
}

// Set stores a value.
func (m *MapProvider) Set(dim Dimension, v float64) {
	m.mu.Lock()
	m.values[dim] = v
	m.mu.Unlock()
}

// Delete removes a value so the dimension reads as absent.
func (m *MapProvider) Delete(dim Dimension) {
	m.mu.Lock()
	delete(m.values, dim)
	m.mu.Unlock()
}

// Chain consults providers in order; the first to report a value wins.
type Chain []DataProvider

// Read implements [DataProvider].
func (c Chain) Read(ctx context.Context, dim Dimension) (float64, bool) {
	for _, p := range c {
		if p == nil {
			continue
		}
		if v, ok := p.Read(ctx, dim); ok {
			return v, true
		}
	}
	return 0, false
}

// FileProvider reads a YAML (or JSON) document mapping dimension names
// to numbers, for example:
//
//	finance: 152300.50
//	health: 71
//
// The file is re-parsed only when its modification time changes. A
// missing or malformed file reads as "every dimension absent".
type FileProvider struct {
	path   string
	logger *slog.Logger

	mu      sync.Mutex
	modTime time.Time
	values  map[Dimension]float64
}

// NewFileProvider creates a provider for the document at path.
func NewFileProvider(path string, logger *slog.Logger) *FileProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileProvider{path: path, logger: logger}
}

// Read implements [DataProvider].
func (f *FileProvider) Read(_ context.Context, dim Dimension) (float64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.refresh()
	v, ok := f.values[dim]
	return v, ok
}

// refresh reloads the document if it changed. Caller holds f.mu.
func (f *FileProvider) refresh() {
	info, err := os.Stat(f.path)
	if err != nil {
		if f.values != nil {
			f.logger.Warn("metrics file unavailable", "path", f.path, "error", err)
		}
		f.values = nil
		f.modTime = time.Time{}
		return
	}
	if f.values != nil && info.ModTime().Equal(f.modTime) {
		return
	}

	data, err := os.ReadFile(f.path)
	if err != nil {
		f.logger.Warn("read metrics file", "path", f.path, "error", err)
		f.values = nil
		return
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		f.logger.Warn("parse metrics file", "path", f.path, "error", err)
		f.values = map[Dimension]float64{}
		f.modTime = info.ModTime()
		return
	}

	values := make(map[Dimension]float64, len(raw))
	for k, v := range raw {
		if n, ok := toFloat(v); ok {
			values[Dimension(k)] = n
		}
	}
	f.values = values
	f.modTime = info.ModTime()
}

// toFloat accepts finite YAML numbers and numeric strings.
func toFloat(v any) (float64, bool) {
	f, ok := rawFloat(v)
	if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func rawFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
