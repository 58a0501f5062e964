// Package observe reads the engine's outcome dimensions into immutable
// snapshots. A dimension that no provider can report is simply absent
// from the snapshot; absence means "unknown", never zero.
package observe

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"sort"
	"time"
)

// Dimension is a named numeric outcome axis.
type Dimension string

// Known dimensions. Deployments may observe a subset.
const (
	Finance   Dimension = "finance"
	Health    Dimension = "health"
	Goals     Dimension = "goals"
	Career    Dimension = "career"
	Learning  Dimension = "learning"
	Awareness Dimension = "awareness"
	Safety    Dimension = "safety"
	System    Dimension = "system"
)

// AllDimensions returns the known dimensions in a stable order.
func AllDimensions() []Dimension {
	return []Dimension{Finance, Health, Goals, Career, Learning, Awareness, Safety, System}
}

// DataProvider reads the current value of one dimension. Implementations
// must report a missing metric as ok=false rather than an error.
type DataProvider interface {
	Read(ctx context.Context, dim Dimension) (value float64, ok bool)
}

// Snapshot is a point-in-time set of dimension values. It is immutable:
// constructors and accessors copy.
type Snapshot struct {
	values     map[Dimension]float64
	capturedAt time.Time
}

// NewSnapshot builds a snapshot from values captured at the given time.
func NewSnapshot(values map[Dimension]float64, at time.Time) Snapshot {
	cp := make(map[Dimension]float64, len(values))
	for k, v := range values {
		cp[k] = v
	}
	return Snapshot{values: cp, capturedAt: at}
}

// Get returns the value of dim and whether it was observed.
func (s Snapshot) Get(dim Dimension) (float64, bool) {
	v, ok := s.values[dim]
	return v, ok
}

// Values returns a copy of the observed values.
func (s Snapshot) Values() map[Dimension]float64 {
	cp := make(map[Dimension]float64, len(s.values))
	for k, v := range s.values {
		cp[k] = v
	}
	return cp
}

// Dimensions returns the observed dimensions sorted by name.
func (s Snapshot) Dimensions() []Dimension {
	dims := make([]Dimension, 0, len(s.values))
	for d := range s.values {
		dims = append(dims, d)
	}
	sort.Slice(dims, func(i, j int) bool { return dims[i] < dims[j] })
	return dims
}

// Len returns the number of observed dimensions.
func (s Snapshot) Len() int { return len(s.values) }

// CapturedAt returns when the snapshot was taken.
func (s Snapshot) CapturedAt() time.Time { return s.capturedAt }

type snapshotJSON struct {
	Values     map[Dimension]float64 `json:"values"`
	CapturedAt time.Time             `json:"captured_at"`
}

// MarshalJSON encodes the snapshot for storage and the status API.
func (s Snapshot) MarshalJSON() ([]byte, error) {
	values := s.values
	if values == nil {
		values = map[Dimension]float64{}
	}
	return json.Marshal(snapshotJSON{Values: values, CapturedAt: s.capturedAt})
}

// UnmarshalJSON decodes a snapshot written by MarshalJSON.
func (s *Snapshot) UnmarshalJSON(data []byte) error {
	var raw snapshotJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*s = NewSnapshot(raw.Values, raw.CapturedAt)
	return nil
}

// Observer captures snapshots of a fixed dimension set.
type Observer struct {
	provider    DataProvider
	dimensions  []Dimension
	readTimeout time.Duration
	now         func() time.Time
	logger      *slog.Logger
}

// ObserverConfig configures an [Observer].
type ObserverConfig struct {
	Provider    DataProvider
	Dimensions  []Dimension   // nil means AllDimensions
	ReadTimeout time.Duration // per-dimension deadline; zero means 2s
	Now         func() time.Time
	Logger      *slog.Logger
}

// NewObserver creates an observer over the given provider.
func NewObserver(cfg ObserverConfig) *Observer {
	if cfg.Dimensions == nil {
		cfg.Dimensions = AllDimensions()
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 2 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Observer{
		provider:    cfg.Provider,
		dimensions:  cfg.Dimensions,
		readTimeout: cfg.ReadTimeout,
		now:         cfg.Now,
		logger:      cfg.Logger,
	}
}

// Observe reads every configured dimension. It has no side effects and
// never fails; unreadable dimensions are omitted.
func (o *Observer) Observe(ctx context.Context) Snapshot {
	values := make(map[Dimension]float64, len(o.dimensions))
	for _, dim := range o.dimensions {
		readCtx, cancel := context.WithTimeout(ctx, o.readTimeout)
		v, ok := o.provider.Read(readCtx, dim)
		cancel()
		if !ok {
			continue
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			o.logger.Warn("dropping non-finite dimension value", "dimension", dim, "value", v)
			continue
		}
		values[dim] = v
	}
	o.logger.Debug("state observed", "dimensions", len(values))
	return NewSnapshot(values, o.now())
}
