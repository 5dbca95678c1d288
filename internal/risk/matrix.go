// Package risk implements the pairwise risk matrix used to discount
// cross-asset collateral.
//
// A risk weight expresses how much of one asset's value counts as collateral
// against a loan in another asset. Weights are symmetric: the pair (a, b)
// and (b, a) denote the same relationship. Only the normalized direction
// (lower id first) is stored, so symmetry holds by construction rather than
// being re-derived at read time. Unlisted pairs weigh zero.
package risk

import (
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/atmx/lending-engine/internal/model"
)

// MaxWeight is a weight of 1.0 expressed in basis points.
const MaxWeight Weight = 10_000

var (
	// ErrInvalidWeight is returned when a weight is outside [0, 1] or is
	// finer than one basis point.
	ErrInvalidWeight = errors.New("risk: weight must be within [0, 1] in whole basis points")

	// ErrSelfPair is returned when both sides of a pair are the same asset.
	ErrSelfPair = errors.New("risk: an asset cannot be paired with itself")
)

// Weight is a risk weight in basis points (parts per ten thousand).
type Weight uint16

// ParseWeight converts a fractional weight in [0, 1] into basis points.
func ParseWeight(w decimal.Decimal) (Weight, error) {
	if w.IsNegative() || w.GreaterThan(decimal.NewFromInt(1)) {
		return 0, fmt.Errorf("%w: %s", ErrInvalidWeight, w)
	}
	bps := w.Shift(4)
	if !bps.Equal(bps.Truncate(0)) {
		return 0, fmt.Errorf("%w: %s", ErrInvalidWeight, w)
	}
	return Weight(bps.IntPart()), nil
}

// Validate checks that a raw basis-point value is within range.
func (w Weight) Validate() error {
	if w > MaxWeight {
		return fmt.Errorf("%w: %d bps", ErrInvalidWeight, w)
	}
	return nil
}

// Decimal returns the weight as a fraction in [0, 1].
func (w Weight) Decimal() decimal.Decimal {
	return decimal.New(int64(w), -4)
}

// Pair is a normalized, unordered asset pair (A < B).
type Pair struct {
	A uint8
	B uint8
}

// NewPair normalizes the ordering of a and b.
func NewPair(a, b uint8) (Pair, error) {
	if a == b {
		return Pair{}, fmt.Errorf("%w: %d", ErrSelfPair, a)
	}
	if a > b {
		a, b = b, a
	}
	return Pair{A: a, B: b}, nil
}

// Matrix is a sparse symmetric weight table. The zero value is not usable;
// call NewMatrix. A Matrix is not safe for concurrent mutation; readers
// share immutable copies (see Clone).
type Matrix struct {
	weights map[Pair]Weight
}

// NewMatrix creates an empty matrix.
func NewMatrix() *Matrix {
	return &Matrix{weights: make(map[Pair]Weight)}
}

// FromRecords builds a matrix from persisted records.
func FromRecords(records []model.RiskWeight) (*Matrix, error) {
	m := NewMatrix()
	for _, r := range records {
		if err := m.Set(r.AssetA, r.AssetB, Weight(r.WeightBps)); err != nil {
			return nil, fmt.Errorf("risk pair %d-%d: %w", r.AssetA, r.AssetB, err)
		}
	}
	return m, nil
}

// Set writes the weight for the unordered pair {a, b}.
func (m *Matrix) Set(a, b uint8, w Weight) error {
	p, err := NewPair(a, b)
	if err != nil {
		return err
	}
	if err := w.Validate(); err != nil {
		return err
	}
	m.weights[p] = w
	return nil
}

// Weight returns the weight between a and b. Unlisted pairs and self pairs
// return 0: absence means no collateral credit.
func (m *Matrix) Weight(a, b uint8) Weight {
	p, err := NewPair(a, b)
	if err != nil {
		return 0
	}
	return m.weights[p]
}

// Lookup is Weight with an explicit presence flag.
func (m *Matrix) Lookup(a, b uint8) (Weight, bool) {
	p, err := NewPair(a, b)
	if err != nil {
		return 0, false
	}
	w, ok := m.weights[p]
	return w, ok
}

// RemoveAsset drops every pair that involves id.
func (m *Matrix) RemoveAsset(id uint8) {
	for p := range m.weights {
		if p.A == id || p.B == id {
			delete(m.weights, p)
		}
	}
}

// Len returns the number of stored pairs.
func (m *Matrix) Len() int {
	return len(m.weights)
}

// Clone returns an independent copy.
func (m *Matrix) Clone() *Matrix {
	c := &Matrix{weights: make(map[Pair]Weight, len(m.weights))}
	for p, w := range m.weights {
		c.weights[p] = w
	}
	return c
}

// Records returns the stored pairs ordered by (A, B).
func (m *Matrix) Records() []model.RiskWeight {
	out := make([]model.RiskWeight, 0, len(m.weights))
	for p, w := range m.weights {
		out = append(out, model.RiskWeight{AssetA: p.A, AssetB: p.B, WeightBps: uint16(w)})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AssetA != out[j].AssetA {
			return out[i].AssetA < out[j].AssetA
		}
		return out[i].AssetB < out[j].AssetB
	})
	return out
}
