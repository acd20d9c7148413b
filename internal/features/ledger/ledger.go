// Package ledger keeps per-user account state: investment, earnings against
// the cap, withdrawable balance, referral counts and rank.
package ledger

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"matrix-ledger-backend/internal/features/allocation"
)

var (
	ErrAlreadyRegistered   = errors.New("user already registered")
	ErrInvalidSponsor      = errors.New("invalid sponsor")
	ErrInvalidTier         = errors.New("invalid package tier")
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrUserNotFound        = errors.New("user not found")
	ErrBlacklisted         = errors.New("user is blacklisted")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrBelowMinimum        = errors.New("amount below minimum withdrawal")
	ErrTxInProgress        = errors.New("ledger transaction already open")
)

// Config holds the compensation plan knobs the ledger enforces.
type Config struct {
	TierCount       int
	CapMultiplier   int64
	WithdrawalRates []RateStep
	AdminFeeBps     int64
	MinWithdrawal   int64
	Ranks           []RankRule
}

func (c Config) Validate() error {
	if c.TierCount < 1 {
		return fmt.Errorf("tier count must be at least 1")
	}
	if c.CapMultiplier < 1 {
		return fmt.Errorf("cap multiplier must be at least 1")
	}
	if len(c.WithdrawalRates) == 0 {
		return fmt.Errorf("withdrawal rate schedule is empty")
	}
	for _, step := range c.WithdrawalRates {
		if step.RateBps < 0 || step.RateBps > allocation.TotalBasisPoints {
			return fmt.Errorf("withdrawal rate %d out of range", step.RateBps)
		}
	}
	if c.AdminFeeBps < 0 || c.AdminFeeBps > allocation.TotalBasisPoints {
		return fmt.Errorf("admin fee %d out of range", c.AdminFeeBps)
	}
	if c.MinWithdrawal < 0 {
		return fmt.Errorf("minimum withdrawal cannot be negative")
	}
	return nil
}

// Ledger is not safe for concurrent use; the engine serialises access.
type Ledger struct {
	cfg      Config
	accounts map[string]*Account
	order    []string
	seq      int64
	journal  *journal
}

// journal remembers the pre-transaction copy of every account touched, or
// nil for accounts created inside the transaction.
type journal struct {
	before    map[string]*Account
	orderMark int
	seqMark   int64
}

func New(cfg Config) (*Ledger, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	rates := append([]RateStep(nil), cfg.WithdrawalRates...)
	sort.Slice(rates, func(i, j int) bool { return rates[i].MinDirects < rates[j].MinDirects })
	cfg.WithdrawalRates = rates
	return &Ledger{cfg: cfg, accounts: make(map[string]*Account)}, nil
}

func (l *Ledger) Config() Config { return l.cfg }

func (l *Ledger) Len() int { return len(l.accounts) }

// Begin opens a transaction. Every mutation until Commit or Rollback is journaled.
func (l *Ledger) Begin() error {
	if l.journal != nil {
		return ErrTxInProgress
	}
	l.journal = &journal{before: make(map[string]*Account), orderMark: len(l.order), seqMark: l.seq}
	return nil
}

// Pending returns copies of the accounts changed so far in the open
// transaction, ordered by registration.
func (l *Ledger) Pending() []Account {
	if l.journal == nil {
		return nil
	}
	changed := make([]Account, 0, len(l.journal.before))
	for user := range l.journal.before {
		changed = append(changed, *l.accounts[user].clone())
	}
	sort.Slice(changed, func(i, j int) bool { return changed[i].Seq < changed[j].Seq })
	return changed
}

// Commit closes the transaction and returns copies of the changed accounts.
func (l *Ledger) Commit() []Account {
	changed := l.Pending()
	l.journal = nil
	return changed
}

// Rollback restores every account to its state at Begin.
func (l *Ledger) Rollback() {
	if l.journal == nil {
		return
	}
	for user, before := range l.journal.before {
		if before == nil {
			delete(l.accounts, user)
			continue
		}
		l.accounts[user] = before
	}
	l.order = l.order[:l.journal.orderMark]
	l.seq = l.journal.seqMark
	l.journal = nil
}

func (l *Ledger) touch(user string) *Account {
	acc := l.accounts[user]
	if l.journal != nil && acc != nil {
		if _, seen := l.journal.before[user]; !seen {
			l.journal.before[user] = acc.clone()
		}
	}
	return acc
}

// Register creates the ledger entry for a paying user and walks the sponsor
// chain to update referral and team counters. The first account may be created
// without a sponsor; every later one needs an existing, non-blacklisted sponsor.
func (l *Ledger) Register(user, sponsor string, tier int, payment int64, now time.Time) (Account, error) {
	if user == "" {
		return Account{}, fmt.Errorf("%w: empty user", ErrInvalidSponsor)
	}
	if _, ok := l.accounts[user]; ok {
		return Account{}, ErrAlreadyRegistered
	}
	if sponsor == "" {
		if len(l.accounts) > 0 {
			return Account{}, fmt.Errorf("%w: sponsor required", ErrInvalidSponsor)
		}
	} else {
		sp, ok := l.accounts[sponsor]
		if !ok || sp.IsBlacklisted || sponsor == user {
			return Account{}, fmt.Errorf("%w: %s", ErrInvalidSponsor, sponsor)
		}
	}
	if tier < 1 || tier > l.cfg.TierCount {
		return Account{}, fmt.Errorf("%w: %d", ErrInvalidTier, tier)
	}
	if payment <= 0 {
		return Account{}, fmt.Errorf("%w: %d", ErrInvalidAmount, payment)
	}

	l.seq++
	acc := &Account{
		User:          user,
		Sponsor:       sponsor,
		Seq:           l.seq,
		PackageTier:   tier,
		TotalInvested: payment,
		EarningsCap:   payment * l.cfg.CapMultiplier,
		IsActive:      true,
		RegisteredAt:  now,
		UpdatedAt:     now,
	}
	l.accounts[user] = acc
	l.order = append(l.order, user)
	if l.journal != nil {
		l.journal.before[user] = nil
	}

	if sponsor != "" {
		sp := l.touch(sponsor)
		sp.DirectReferralCount++
		sp.UpdatedAt = now
	}
	l.walkSponsors(user, func(a *Account) {
		a.TeamSize++
		a.TeamVolume += payment
		a.UpdatedAt = now
	})
	return *acc.clone(), nil
}

// Upgrade raises the package tier and adds the payment to the investment.
func (l *Ledger) Upgrade(user string, tier int, payment int64, now time.Time) (Account, error) {
	if _, ok := l.accounts[user]; !ok {
		return Account{}, ErrUserNotFound
	}
	acc := l.accounts[user]
	if acc.IsBlacklisted {
		return Account{}, ErrBlacklisted
	}
	if tier <= acc.PackageTier || tier > l.cfg.TierCount {
		return Account{}, fmt.Errorf("%w: %d (current %d)", ErrInvalidTier, tier, acc.PackageTier)
	}
	if payment <= 0 {
		return Account{}, fmt.Errorf("%w: %d", ErrInvalidAmount, payment)
	}

	acc = l.touch(user)
	acc.PackageTier = tier
	acc.TotalInvested += payment
	l.recomputeCap(acc)
	acc.UpdatedAt = now
	l.walkSponsors(user, func(a *Account) {
		a.TeamVolume += payment
		a.UpdatedAt = now
	})
	return *acc.clone(), nil
}

func (l *Ledger) walkSponsors(user string, fn func(*Account)) {
	seen := map[string]bool{user: true}
	for next := l.accounts[user].Sponsor; next != "" && !seen[next]; {
		seen[next] = true
		a := l.touch(next)
		if a == nil {
			return
		}
		fn(a)
		a.Rank = l.rankFor(a)
		next = a.Sponsor
	}
}

func (l *Ledger) rankFor(a *Account) int {
	rank := 0
	for i, rule := range l.cfg.Ranks {
		if a.TeamSize >= rule.MinTeamSize && a.TeamVolume >= rule.MinTeamVolume {
			rank = i + 1
		}
	}
	return rank
}

// RankWeight returns the distribution weight of a rank; 0 for unranked.
func (l *Ledger) RankWeight(rank int) int64 {
	if rank < 1 || rank > len(l.cfg.Ranks) {
		return 0
	}
	return l.cfg.Ranks[rank-1].Weight
}

func (l *Ledger) RankName(rank int) string {
	if rank < 1 || rank > len(l.cfg.Ranks) {
		return ""
	}
	return l.cfg.Ranks[rank-1].Name
}

func (l *Ledger) recomputeCap(a *Account) {
	a.EarningsCap = a.TotalInvested * l.cfg.CapMultiplier
	// Capped stays set until new investment opens room again.
	if a.IsCapped && a.TotalEarnings < a.EarningsCap {
		a.IsCapped = false
	}
}

// Credit adds up to amount to the user's earnings without crossing the cap.
// Whatever cannot be credited is returned as forfeited for the caller to
// redirect. Inactive and blacklisted users forfeit everything.
func (l *Ledger) Credit(user string, amount int64, category Category) (credited, forfeited int64, err error) {
	if amount < 0 {
		return 0, 0, fmt.Errorf("%w: %d", ErrInvalidAmount, amount)
	}
	if _, ok := l.accounts[user]; !ok {
		return 0, 0, fmt.Errorf("%w: %s", ErrUserNotFound, user)
	}
	if amount == 0 {
		return 0, 0, nil
	}
	acc := l.touch(user)
	if acc.IsBlacklisted || !acc.IsActive {
		return 0, amount, nil
	}

	credited = min(amount, acc.Room())
	forfeited = amount - credited
	acc.TotalEarnings += credited
	acc.Balance += credited
	if credited > 0 {
		if acc.EarningsByCategory == nil {
			acc.EarningsByCategory = make(map[Category]int64)
		}
		acc.EarningsByCategory[category] += credited
	}
	if acc.TotalEarnings >= acc.EarningsCap {
		acc.IsCapped = true
	}
	return credited, forfeited, nil
}

// WithdrawalRate is the paid-out share in basis points for the user's
// direct referral count.
func (l *Ledger) WithdrawalRate(user string) (int64, error) {
	acc, ok := l.accounts[user]
	if !ok {
		return 0, ErrUserNotFound
	}
	return l.rateFor(acc.DirectReferralCount), nil
}

func (l *Ledger) rateFor(directs int) int64 {
	rate := l.cfg.WithdrawalRates[0].RateBps
	for _, step := range l.cfg.WithdrawalRates {
		if directs >= step.MinDirects {
			rate = step.RateBps
		}
	}
	return rate
}

// Withdraw debits requested from the balance, pays out the rate share minus
// the admin fee and reinvests the rest, raising the cap.
func (l *Ledger) Withdraw(user string, requested int64, now time.Time) (Withdrawal, error) {
	acc, ok := l.accounts[user]
	if !ok {
		return Withdrawal{}, ErrUserNotFound
	}
	if acc.IsBlacklisted {
		return Withdrawal{}, ErrBlacklisted
	}
	if requested <= 0 {
		return Withdrawal{}, fmt.Errorf("%w: %d", ErrInvalidAmount, requested)
	}
	if requested < l.cfg.MinWithdrawal {
		return Withdrawal{}, fmt.Errorf("%w: %d < %d", ErrBelowMinimum, requested, l.cfg.MinWithdrawal)
	}
	if requested > acc.Balance {
		return Withdrawal{}, fmt.Errorf("%w: %d > %d", ErrInsufficientBalance, requested, acc.Balance)
	}

	rate := l.rateFor(acc.DirectReferralCount)
	gross := allocation.ApplyBps(requested, rate)
	fee := allocation.ApplyBps(gross, l.cfg.AdminFeeBps)
	w := Withdrawal{
		User:       user,
		Requested:  requested,
		RateBps:    rate,
		Gross:      gross,
		Fee:        fee,
		PaidOut:    gross - fee,
		Reinvested: requested - gross,
	}

	acc = l.touch(user)
	acc.Balance -= requested
	acc.TotalWithdrawn += requested
	acc.TotalPaidOut += w.PaidOut
	acc.TotalFees += w.Fee
	acc.TotalReinvested += w.Reinvested
	acc.TotalInvested += w.Reinvested
	l.recomputeCap(acc)
	acc.UpdatedAt = now
	return w, nil
}

// ReverseWithdrawal undoes w after its payout failed: the requested amount
// returns to the balance and the reinvested share leaves the investment.
func (l *Ledger) ReverseWithdrawal(w Withdrawal, now time.Time) error {
	if _, ok := l.accounts[w.User]; !ok {
		return ErrUserNotFound
	}
	acc := l.touch(w.User)
	acc.Balance += w.Requested
	acc.TotalWithdrawn -= w.Requested
	acc.TotalPaidOut -= w.PaidOut
	acc.TotalFees -= w.Fee
	acc.TotalReinvested -= w.Reinvested
	acc.TotalInvested -= w.Reinvested
	l.recomputeCap(acc)
	if acc.TotalEarnings >= acc.EarningsCap {
		acc.IsCapped = true
	}
	acc.UpdatedAt = now
	return nil
}

func (l *Ledger) SetBlacklisted(user string, blacklisted bool, now time.Time) error {
	if _, ok := l.accounts[user]; !ok {
		return ErrUserNotFound
	}
	acc := l.touch(user)
	acc.IsBlacklisted = blacklisted
	acc.UpdatedAt = now
	return nil
}

// SponsorOf returns the user's sponsor without copying the account.
func (l *Ledger) SponsorOf(user string) (string, bool) {
	acc, ok := l.accounts[user]
	if !ok {
		return "", false
	}
	return acc.Sponsor, true
}

func (l *Ledger) Get(user string) (Account, bool) {
	acc, ok := l.accounts[user]
	if !ok {
		return Account{}, false
	}
	return *acc.clone(), true
}

func (l *Ledger) CapStatus(user string) (CapStatus, bool) {
	acc, ok := l.accounts[user]
	if !ok {
		return CapStatus{}, false
	}
	st := CapStatus{
		User:          acc.User,
		TotalInvested: acc.TotalInvested,
		TotalEarnings: acc.TotalEarnings,
		EarningsCap:   acc.EarningsCap,
		Remaining:     acc.Room(),
		IsCapped:      acc.IsCapped,
	}
	if acc.EarningsCap > 0 {
		st.UsedBps = acc.TotalEarnings * allocation.TotalBasisPoints / acc.EarningsCap
	}
	return st, true
}

// Select returns copies of matching accounts in registration order.
func (l *Ledger) Select(match func(*Account) bool) []Account {
	var out []Account
	for _, user := range l.order {
		acc := l.accounts[user]
		if match == nil || match(acc) {
			out = append(out, *acc.clone())
		}
	}
	return out
}

// Restore loads persisted accounts into an empty ledger.
func (l *Ledger) Restore(accounts []Account) error {
	if len(l.accounts) > 0 {
		return fmt.Errorf("restore into non-empty ledger")
	}
	sorted := append([]Account(nil), accounts...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Seq < sorted[j].Seq })
	for i := range sorted {
		acc := sorted[i].clone()
		l.accounts[acc.User] = acc
		l.order = append(l.order, acc.User)
		if acc.Seq > l.seq {
			l.seq = acc.Seq
		}
	}
	return nil
}
