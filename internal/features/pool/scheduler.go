// Package pool tracks the time-gated bonus pools and computes their payouts.
package pool

import (
	"errors"
	"fmt"
	"time"
)

type ID string

const (
	GlobalHelp  ID = "global_help"
	LeaderBonus ID = "leader_bonus"
	Club        ID = "club"
)

// IDs lists every pool the engine runs.
var IDs = []ID{GlobalHelp, LeaderBonus, Club}

var (
	ErrTooEarly       = errors.New("pool distribution is not due yet")
	ErrUnknownPool    = errors.New("unknown pool")
	ErrInvalidDeposit = errors.New("pool deposit must be positive")
	ErrInvalidPool    = errors.New("invalid pool configuration")
)

// ParseID accepts the pool names used on the wire.
func ParseID(s string) (ID, error) {
	switch id := ID(s); id {
	case GlobalHelp, LeaderBonus, Club:
		return id, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownPool, s)
}

type Pool struct {
	ID               ID            `json:"id"`
	Balance          int64         `json:"balance"`
	LastDistribution time.Time     `json:"last_distribution"`
	Interval         time.Duration `json:"interval"`
	TotalDeposited   int64         `json:"total_deposited"`
	TotalDistributed int64         `json:"total_distributed"`
	Distributions    int64         `json:"distributions"`
}

func (p Pool) IsDue(now time.Time) bool {
	return !now.Before(p.NextDue())
}

func (p Pool) NextDue() time.Time {
	return p.LastDistribution.Add(p.Interval)
}

// Recipient is an eligible user and its relative share weight.
type Recipient struct {
	User   string
	Weight int64
}

// CreditFunc credits up to amount to user and reports how much was accepted.
type CreditFunc func(user string, amount int64) (credited int64, err error)

type Share struct {
	User     string `json:"user"`
	Amount   int64  `json:"amount"`
	Credited int64  `json:"credited"`
}

// Distribution reports one payout round. Credited + CarriedOver == Balance.
type Distribution struct {
	Pool        ID        `json:"pool"`
	Balance     int64     `json:"balance"`
	Credited    int64     `json:"credited"`
	CarriedOver int64     `json:"carried_over"`
	Shares      []Share   `json:"shares,omitempty"`
	Forced      bool      `json:"forced"`
	At          time.Time `json:"at"`
}

// Scheduler is not safe for concurrent use; the engine serialises access.
type Scheduler struct {
	pools    map[ID]*Pool
	priority []ID
}

// NewScheduler registers the pools in priority order. A pool without a last
// distribution time starts its first interval at start.
func NewScheduler(pools []Pool, start time.Time) (*Scheduler, error) {
	s := &Scheduler{pools: make(map[ID]*Pool, len(pools))}
	for _, p := range pools {
		if _, err := ParseID(string(p.ID)); err != nil {
			return nil, err
		}
		if _, dup := s.pools[p.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate pool %s", ErrInvalidPool, p.ID)
		}
		if p.Interval <= 0 {
			return nil, fmt.Errorf("%w: %s interval must be positive", ErrInvalidPool, p.ID)
		}
		if p.LastDistribution.IsZero() {
			p.LastDistribution = start
		}
		cp := p
		s.pools[p.ID] = &cp
		s.priority = append(s.priority, p.ID)
	}
	return s, nil
}

func (s *Scheduler) lookup(id ID) (*Pool, error) {
	p, ok := s.pools[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPool, id)
	}
	return p, nil
}

func (s *Scheduler) Get(id ID) (Pool, error) {
	p, err := s.lookup(id)
	if err != nil {
		return Pool{}, err
	}
	return *p, nil
}

// Pools returns copies of every pool in priority order.
func (s *Scheduler) Pools() []Pool {
	out := make([]Pool, 0, len(s.priority))
	for _, id := range s.priority {
		out = append(out, *s.pools[id])
	}
	return out
}

func (s *Scheduler) Deposit(id ID, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidDeposit, amount)
	}
	p, err := s.lookup(id)
	if err != nil {
		return err
	}
	p.Balance += amount
	p.TotalDeposited += amount
	return nil
}

func (s *Scheduler) IsDue(id ID, now time.Time) (bool, error) {
	p, err := s.lookup(id)
	if err != nil {
		return false, err
	}
	return p.IsDue(now), nil
}

// CheckUpkeep reports the first due pool in priority order. It does not mutate.
func (s *Scheduler) CheckUpkeep(now time.Time) (bool, ID) {
	for _, id := range s.priority {
		if s.pools[id].IsDue(now) {
			return true, id
		}
	}
	return false, ""
}

// Distribute pays the pool balance out to recipients in proportion to their
// weights. Shares are floored; the rounding remainder and whatever credit
// rejects stay in the pool. The clock advances even when nobody is eligible.
// force skips the time gate.
func (s *Scheduler) Distribute(id ID, recipients []Recipient, credit CreditFunc, now time.Time, force bool) (Distribution, error) {
	p, err := s.lookup(id)
	if err != nil {
		return Distribution{}, err
	}
	if !force && !p.IsDue(now) {
		return Distribution{}, fmt.Errorf("%w: %s next due at %s", ErrTooEarly, id, p.NextDue().Format(time.RFC3339))
	}

	d := Distribution{Pool: id, Balance: p.Balance, Forced: force, At: now}
	shares := computeShares(p.Balance, recipients)
	for _, sh := range shares {
		credited, err := credit(sh.User, sh.Amount)
		if err != nil {
			return Distribution{}, fmt.Errorf("credit %s from %s: %w", sh.User, id, err)
		}
		sh.Credited = credited
		d.Credited += credited
		d.Shares = append(d.Shares, sh)
	}
	d.CarriedOver = d.Balance - d.Credited

	p.Balance = d.CarriedOver
	p.LastDistribution = now
	p.TotalDistributed += d.Credited
	p.Distributions++
	return d, nil
}

func computeShares(balance int64, recipients []Recipient) []Share {
	var total int64
	for _, r := range recipients {
		if r.Weight > 0 {
			total += r.Weight
		}
	}
	if balance <= 0 || total == 0 {
		return nil
	}
	shares := make([]Share, 0, len(recipients))
	for _, r := range recipients {
		if r.Weight <= 0 {
			continue
		}
		amount := balance * r.Weight / total
		if amount == 0 {
			continue
		}
		shares = append(shares, Share{User: r.User, Amount: amount})
	}
	return shares
}

// Restore overwrites the mutable fields of known pools. Intervals keep their
// configured values.
func (s *Scheduler) Restore(pools []Pool) error {
	for _, saved := range pools {
		p, err := s.lookup(saved.ID)
		if err != nil {
			return err
		}
		p.Balance = saved.Balance
		p.LastDistribution = saved.LastDistribution
		p.TotalDeposited = saved.TotalDeposited
		p.TotalDistributed = saved.TotalDistributed
		p.Distributions = saved.Distributions
	}
	return nil
}
