// Package allocation splits a package payment across the commission buckets.
package allocation

import (
	"errors"
	"fmt"
	"sort"
)

// TotalBasisPoints is 100.00%.
const TotalBasisPoints int64 = 10000

var (
	ErrInvalidWeights = errors.New("allocation weights must be non-negative and sum to 10000")
	ErrUnknownTier    = errors.New("unknown package tier")
	ErrInvalidPrice   = errors.New("tier price must be positive")
	ErrNegativeAmount = errors.New("amount cannot be negative")
)

// Weights are basis points per bucket for one tier.
type Weights struct {
	Sponsor    int64 `json:"sponsor"`
	Level      int64 `json:"level"`
	Upline     int64 `json:"upline"`
	LeaderPool int64 `json:"leader_pool"`
	HelpPool   int64 `json:"help_pool"`
}

func (w Weights) Sum() int64 {
	return w.Sponsor + w.Level + w.Upline + w.LeaderPool + w.HelpPool
}

// Validate fails closed: any negative weight or a sum other than 10000 is rejected.
func (w Weights) Validate() error {
	for _, v := range []int64{w.Sponsor, w.Level, w.Upline, w.LeaderPool, w.HelpPool} {
		if v < 0 {
			return fmt.Errorf("%w: negative weight %d", ErrInvalidWeights, v)
		}
	}
	if sum := w.Sum(); sum != TotalBasisPoints {
		return fmt.Errorf("%w: got %d", ErrInvalidWeights, sum)
	}
	return nil
}

// Split is the result of dividing one payment. Residual is the rounding
// leftover already folded into HelpPool.
type Split struct {
	Sponsor    int64 `json:"sponsor"`
	Level      int64 `json:"level"`
	Upline     int64 `json:"upline"`
	LeaderPool int64 `json:"leader_pool"`
	HelpPool   int64 `json:"help_pool"`
	Residual   int64 `json:"residual"`
}

func (s Split) Total() int64 {
	return s.Sponsor + s.Level + s.Upline + s.LeaderPool + s.HelpPool
}

// Split floors every bucket and moves the residual into the help pool, so the
// buckets always add up to amount.
func (w Weights) Split(amount int64) (Split, error) {
	if err := w.Validate(); err != nil {
		return Split{}, err
	}
	if amount < 0 {
		return Split{}, ErrNegativeAmount
	}
	s := Split{
		Sponsor:    ApplyBps(amount, w.Sponsor),
		Level:      ApplyBps(amount, w.Level),
		Upline:     ApplyBps(amount, w.Upline),
		LeaderPool: ApplyBps(amount, w.LeaderPool),
		HelpPool:   ApplyBps(amount, w.HelpPool),
	}
	s.Residual = amount - s.Total()
	s.HelpPool += s.Residual
	return s, nil
}

// ApplyBps returns floor(amount × bps / 10000).
func ApplyBps(amount, bps int64) int64 {
	return amount * bps / TotalBasisPoints
}

// Tier is a purchasable package level.
type Tier struct {
	Level   int     `json:"level"`
	Price   int64   `json:"price"`
	Weights Weights `json:"weights"`
}

// Table holds tiers 1..N. It is read-only during normal operation; Set is the
// only mutation and re-validates the weights.
type Table struct {
	tiers map[int]Tier
}

func NewTable(tiers []Tier) (*Table, error) {
	t := &Table{tiers: make(map[int]Tier, len(tiers))}
	for _, tier := range tiers {
		if tier.Price <= 0 {
			return nil, fmt.Errorf("tier %d: %w", tier.Level, ErrInvalidPrice)
		}
		if err := tier.Weights.Validate(); err != nil {
			return nil, fmt.Errorf("tier %d: %w", tier.Level, err)
		}
		t.tiers[tier.Level] = tier
	}
	for level := 1; level <= len(tiers); level++ {
		if _, ok := t.tiers[level]; !ok {
			return nil, fmt.Errorf("tiers must be numbered 1..%d, missing %d", len(tiers), level)
		}
	}
	return t, nil
}

func (t *Table) Tier(level int) (Tier, error) {
	tier, ok := t.tiers[level]
	if !ok {
		return Tier{}, fmt.Errorf("%w: %d", ErrUnknownTier, level)
	}
	return tier, nil
}

func (t *Table) Len() int { return len(t.tiers) }

// Set replaces the weights of an existing tier.
func (t *Table) Set(level int, w Weights) error {
	tier, ok := t.tiers[level]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownTier, level)
	}
	if err := w.Validate(); err != nil {
		return err
	}
	tier.Weights = w
	t.tiers[level] = tier
	return nil
}

func (t *Table) Clone() *Table {
	cp := &Table{tiers: make(map[int]Tier, len(t.tiers))}
	for level, tier := range t.tiers {
		cp.tiers[level] = tier
	}
	return cp
}

// Tiers returns the tiers ordered by level.
func (t *Table) Tiers() []Tier {
	out := make([]Tier, 0, len(t.tiers))
	for _, tier := range t.tiers {
		out = append(out, tier)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Level < out[j].Level })
	return out
}
