package homeassistant

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"

	"github.com/nugget/kaizen/internal/observe"
)

// Source names the entity (and optionally an attribute) a dimension is
// read from.
type Source struct {
	Entity    string `yaml:"entity"`
	Attribute string `yaml:"attribute,omitempty"`
}

// StateGetter is satisfied by [Client].
type StateGetter interface {
	GetState(ctx context.Context, entityID string) (*State, error)
}

// Provider is an [observe.DataProvider] that reads each dimension from a
// Home Assistant entity.
type Provider struct {
	client  StateGetter
	sources map[observe.Dimension]Source
	logger  *slog.Logger
}

// NewProvider returns a provider reading the mapped dimensions through
// client. Dimensions without a mapping are absent.
func NewProvider(client StateGetter, sources map[observe.Dimension]Source, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	m := make(map[observe.Dimension]Source, len(sources))
	for d, s := range sources {
		if s.Entity != "" {
			m[d] = s
		}
	}
	return &Provider{client: client, sources: m, logger: logger}
}

// Read implements [observe.DataProvider]. Unreachable servers, unknown
// or unavailable states and non-numeric values are reported as absent.
func (p *Provider) Read(ctx context.Context, dim observe.Dimension) (float64, bool) {
	src, ok := p.sources[dim]
	if !ok {
		return 0, false
	}
	st, err := p.client.GetState(ctx, src.Entity)
	if err != nil {
		p.logger.Debug("home assistant read failed", "dimension", dim, "entity", src.Entity, "error", err)
		return 0, false
	}

	var raw any = st.State
	if src.Attribute != "" {
		raw = st.Attributes[src.Attribute]
	}
	v, ok := numeric(raw)
	if !ok {
		p.logger.Debug("home assistant value not numeric", "dimension", dim, "entity", src.Entity, "value", fmt.Sprint(raw))
	}
	return v, ok
}

// numeric reads a finite number from a state or attribute value.
func numeric(raw any) (float64, bool) {
	var f float64
	switch v := raw.(type) {
	case float64:
		f = v
	case string:
		switch strings.ToLower(v) {
		case "", "unknown", "unavailable", "none":
			return 0, false
		}
		var err error
		if f, err = strconv.ParseFloat(strings.TrimSpace(v), 64); err != nil {
			return 0, false
		}
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// ParseSource parses "entity" or "entity#attribute".
func ParseSource(s string) Source {
	entity, attr, _ := strings.Cut(strings.TrimSpace(s), "#")
	return Source{Entity: entity, Attribute: attr}
}
