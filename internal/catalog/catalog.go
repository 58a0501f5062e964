// Package catalog holds the fixed registry of action types the engine can
// choose from, and the ordered keyword table used to infer an action from
// free-text handoff directives.
package catalog

import (
	"errors"
	"fmt"
	"strings"

	"github.com/nugget/kaizen/internal/observe"
)

// ActionType is one selectable unit of work, tagged with the single
// dimension it is expected to move.
type ActionType struct {
	ID        string            `json:"id"`
	Dimension observe.Dimension `json:"dimension"`
	Label     string            `json:"label"`
}

// Keyword maps a phrase found in a handoff's next task to an action type.
type Keyword struct {
	Phrase string `json:"phrase"`
	Action string `json:"action"`
}

// Catalog is an immutable, ordered set of action types with unique ids.
type Catalog struct {
	types    []ActionType
	byID     map[string]ActionType
	keywords []Keyword
}

// ErrEmpty is returned by [New] when no action types are supplied.
var ErrEmpty = errors.New("catalog has no action types")

// New validates types and keywords and builds a catalog. Keywords must
// reference a type in the catalog; a nil keyword slice uses
// [DefaultKeywords] filtered to the supplied types.
func New(types []ActionType, keywords []Keyword) (*Catalog, error) {
	if len(types) == 0 {
		return nil, ErrEmpty
	}

	c := &Catalog{
		types: make([]ActionType, 0, len(types)),
		byID:  make(map[string]ActionType, len(types)),
	}
	for _, t := range types {
		if t.ID == "" {
			return nil, errors.New("action type with empty id")
		}
		if t.Dimension == "" {
			return nil, fmt.Errorf("action type %q has no dimension", t.ID)
		}
		if _, dup := c.byID[t.ID]; dup {
			return nil, fmt.Errorf("duplicate action type %q", t.ID)
		}
		if t.Label == "" {
			t.Label = t.ID
		}
		c.types = append(c.types, t)
		c.byID[t.ID] = t
	}

	if keywords == nil {
		for _, kw := range DefaultKeywords() {
			if c.Has(kw.Action) {
				c.keywords = append(c.keywords, kw)
			}
		}
		return c, nil
	}

	for _, kw := range keywords {
		if strings.TrimSpace(kw.Phrase) == "" {
			return nil, fmt.Errorf("keyword for %q has empty phrase", kw.Action)
		}
		if !c.Has(kw.Action) {
			return nil, fmt.Errorf("keyword %q references unknown action %q", kw.Phrase, kw.Action)
		}
		c.keywords = append(c.keywords, Keyword{
			Phrase: strings.ToLower(kw.Phrase),
			Action: kw.Action,
		})
	}
	return c, nil
}

// Default returns the built-in catalog.
func Default() *Catalog {
	c, err := New(DefaultTypes(), nil)
	if err != nil {
		panic("catalog: invalid default catalog: " + err.Error())
	}
	return c
}

// Get returns the action type with the given id.
func (c *Catalog) Get(id string) (ActionType, bool) {
	t, ok := c.byID[id]
	return t, ok
}

// Has reports whether id is a known action type.
func (c *Catalog) Has(id string) bool {
	_, ok := c.byID[id]
	return ok
}

// Types returns a copy of all action types in registration order.
func (c *Catalog) Types() []ActionType {
	out := make([]ActionType, len(c.types))
	copy(out, c.types)
	return out
}

// Len returns the number of action types.
func (c *Catalog) Len() int { return len(c.types) }

// ByDimension returns the action types whose primary dimension is dim.
func (c *Catalog) ByDimension(dim observe.Dimension) []ActionType {
	var out []ActionType
	for _, t := range c.types {
		if t.Dimension == dim {
			out = append(out, t)
		}
	}
	return out
}

// Keywords returns a copy of the keyword table in match order.
func (c *Catalog) Keywords() []Keyword {
	out := make([]Keyword, len(c.keywords))
	copy(out, c.keywords)
	return out
}

// Infer matches text against the keyword table, case-insensitively.
// The first keyword whose phrase occurs in text wins.
func (c *Catalog) Infer(text string) (ActionType, bool) {
	lower := strings.ToLower(text)
	if strings.TrimSpace(lower) == "" {
		return ActionType{}, false
	}
	for _, kw := range c.keywords {
		if strings.Contains(lower, kw.Phrase) {
			return c.byID[kw.Action], true
		}
	}
	return ActionType{}, false
}
