package ledger

import "time"

// Category labels where a credit came from.
type Category string

const (
	CategorySponsor     Category = "sponsor"
	CategoryLevel       Category = "level"
	CategoryUpline      Category = "upline"
	CategoryGlobalHelp  Category = "global_help"
	CategoryLeaderBonus Category = "leader_bonus"
	CategoryClub        Category = "club"
)

// Account is the per-user ledger entry. Amounts are in minor units of the
// ledger asset.
type Account struct {
	User                string             `json:"user"`
	Sponsor             string             `json:"sponsor,omitempty"`
	Seq                 int64              `json:"seq"`
	PackageTier         int                `json:"package_tier"`
	TotalInvested       int64              `json:"total_invested"`
	TotalEarnings       int64              `json:"total_earnings"`
	EarningsCap         int64              `json:"earnings_cap"`
	Balance             int64              `json:"balance"`
	TotalWithdrawn      int64              `json:"total_withdrawn"`
	TotalPaidOut        int64              `json:"total_paid_out"`
	TotalFees           int64              `json:"total_fees"`
	TotalReinvested     int64              `json:"total_reinvested"`
	DirectReferralCount int                `json:"direct_referral_count"`
	TeamSize            int                `json:"team_size"`
	TeamVolume          int64              `json:"team_volume"`
	Rank                int                `json:"rank"`
	IsActive            bool               `json:"is_active"`
	IsBlacklisted       bool               `json:"is_blacklisted"`
	IsCapped            bool               `json:"is_capped"`
	EarningsByCategory  map[Category]int64 `json:"earnings_by_category,omitempty"`
	RegisteredAt        time.Time          `json:"registered_at"`
	UpdatedAt           time.Time          `json:"updated_at"`
}

func (a *Account) clone() *Account {
	cp := *a
	if a.EarningsByCategory != nil {
		cp.EarningsByCategory = make(map[Category]int64, len(a.EarningsByCategory))
		for k, v := range a.EarningsByCategory {
			cp.EarningsByCategory[k] = v
		}
	}
	return &cp
}

// Room is how much the account may still earn before hitting its cap.
func (a *Account) Room() int64 {
	if room := a.EarningsCap - a.TotalEarnings; room > 0 {
		return room
	}
	return 0
}

// CapStatus is the read view of an account's earnings cap.
type CapStatus struct {
	User          string `json:"user"`
	TotalInvested int64  `json:"total_invested"`
	TotalEarnings int64  `json:"total_earnings"`
	EarningsCap   int64  `json:"earnings_cap"`
	Remaining     int64  `json:"remaining"`
	UsedBps       int64  `json:"used_bps"`
	IsCapped      bool   `json:"is_capped"`
}

// Withdrawal is the audited outcome of one withdrawal request.
// PaidOut + Fee + Reinvested always equals Requested.
type Withdrawal struct {
	User       string `json:"user"`
	Requested  int64  `json:"requested"`
	RateBps    int64  `json:"rate_bps"`
	Gross      int64  `json:"gross"`
	Fee        int64  `json:"fee"`
	PaidOut    int64  `json:"paid_out"`
	Reinvested int64  `json:"reinvested"`
}

// RateStep grants RateBps once a user has MinDirects direct referrals.
type RateStep struct {
	MinDirects int   `json:"min_directs"`
	RateBps    int64 `json:"rate_bps"`
}

// RankRule is one rung of the rank ladder. Rank n (1-based) is held by users
// meeting Ranks[n-1]; rank 0 means unranked.
type RankRule struct {
	Name          string `json:"name"`
	MinTeamSize   int    `json:"min_team_size"`
	MinTeamVolume int64  `json:"min_team_volume"`
	Weight        int64  `json:"weight"`
}
