// Package reward turns a before/after pair of state snapshots into a
// bounded scalar reward.
package reward

import (
	"math"

	"github.com/nugget/kaizen/internal/observe"
)

// Delta is the per-dimension change between two snapshots.
type Delta map[observe.Dimension]float64

// Weights scales each dimension's delta into reward units. Dimensions
// without a weight contribute nothing.
type Weights map[observe.Dimension]float64

// DefaultWeights returns the built-in weight table. Finance moves in
// currency units, so its weight is far smaller than the score-like
// dimensions.
func DefaultWeights() Weights {
	return Weights{
		observe.Finance:   0.001,
		observe.Health:    0.01,
		observe.Goals:     0.02,
		observe.Career:    0.02,
		observe.Learning:  0.02,
		observe.Awareness: 0.01,
		observe.Safety:    0.05,
		observe.System:    0.01,
	}
}

// Computer computes deltas and rewards with a fixed weight table.
type Computer struct {
	weights Weights
}

// NewComputer returns a computer using w. A nil w uses [DefaultWeights].
func NewComputer(w Weights) *Computer {
	if w == nil {
		w = DefaultWeights()
	}
	cp := make(Weights, len(w))
	for k, v := range w {
		cp[k] = v
	}
	return &Computer{weights: cp}
}

// Weights returns a copy of the weight table.
func (c *Computer) Weights() Weights {
	cp := make(Weights, len(c.weights))
	for k, v := range c.weights {
		cp[k] = v
	}
	return cp
}

// Diff returns after-before for every dimension present in either
// snapshot; a side missing the dimension counts as 0. Dimensions absent
// from both are omitted.
func Diff(before, after observe.Snapshot) Delta {
	d := make(Delta)
	for _, dim := range before.Dimensions() {
		b, _ := before.Get(dim)
		a, _ := after.Get(dim)
		d[dim] = a - b
	}
	for _, dim := range after.Dimensions() {
		if _, seen := d[dim]; seen {
			continue
		}
		a, _ := after.Get(dim)
		d[dim] = a
	}
	return d
}

// Delta is a convenience wrapper around [Diff].
func (c *Computer) Delta(before, after observe.Snapshot) Delta {
	return Diff(before, after)
}

// Reward returns the weighted sum of d clamped to [-1, 1]. A non-finite
// sum yields 0.
func (c *Computer) Reward(d Delta) float64 {
	var sum float64
	for dim, v := range d {
		sum += v * c.weights[dim]
	}
	return Clamp(sum)
}

// Clamp bounds r to [-1, 1]. NaN becomes 0.
func Clamp(r float64) float64 {
	switch {
	case math.IsNaN(r):
		return 0
	case r > 1:
		return 1
	case r < -1:
		return -1
	default:
		return r
	}
}
