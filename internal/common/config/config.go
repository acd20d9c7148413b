package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"

	"matrix-ledger-backend/internal/features/allocation"
	"matrix-ledger-backend/internal/features/commission/service"
	"matrix-ledger-backend/internal/features/ledger"
	"matrix-ledger-backend/internal/features/pool"
)

type Config struct {
	Debug   bool `env:"DEBUG" envDefault:"false"`
	LogJSON bool `env:"LOG_JSON" envDefault:"false"`

	Server struct {
		Port   int    `env:"PORT" envDefault:"8080"`
		Origin string `env:"ORIGIN" envDefault:"http://localhost:3000"`
	}

	Redis struct {
		Host     string `env:"REDIS_HOST" envDefault:"localhost"`
		Port     int    `env:"REDIS_PORT" envDefault:"6379"`
		Password string `env:"REDIS_PASSWORD" envDefault:""`
		DB       int    `env:"REDIS_DB" envDefault:"0"`
		// KeyPrefix namespaces the ledger keys, e.g. "staging".
		KeyPrefix string `env:"REDIS_KEY_PREFIX" envDefault:""`
	}

	Telegram struct {
		BotToken string  `env:"BOT_TOKEN,required,notEmpty"`
		AdminIDs []int64 `env:"ADMIN_IDS" envSeparator:","`
		// InitDataTTL bounds the age of init data; 0 disables the check.
		InitDataTTL time.Duration `env:"INIT_DATA_TTL" envDefault:"24h"`
	}

	Ton struct {
		Enabled       bool   `env:"TON_ENABLED" envDefault:"false"`
		LiteConfigURL string `env:"TON_LITE_CONFIG_URL" envDefault:"https://ton.org/global.config.json"`
		WalletSeed    string `env:"TON_WALLET_SEED"`
		// NanoPerUnit converts one ledger minor unit into nanoTON.
		NanoPerUnit   uint64 `env:"TON_NANO_PER_UNIT" envDefault:"1000000"`
		PayoutComment string `env:"TON_PAYOUT_COMMENT" envDefault:"matrix payout"`
		// ScanDepth bounds how far back payment verification looks in the
		// service wallet's history.
		ScanDepth      int           `env:"TON_SCAN_DEPTH" envDefault:"200"`
		ConfirmTimeout time.Duration `env:"TON_CONFIRM_TIMEOUT" envDefault:"60s"`
	}

	Plan struct {
		TierPrices           []int64       `env:"PLAN_TIER_PRICES" envSeparator:"," envDefault:"3000,6000,12000,24000"`
		Allocation           []string      `env:"PLAN_ALLOCATION" envSeparator:"," envDefault:"4000:2000:2000:1000:1000"`
		CapMultiplier        int64         `env:"PLAN_CAP_MULTIPLIER" envDefault:"4"`
		LevelWeights         []int64       `env:"PLAN_LEVEL_WEIGHTS" envSeparator:"," envDefault:"2500,1500,1000,1000,800,800,700,600,600,500"`
		UplineDepth          int           `env:"PLAN_UPLINE_DEPTH" envDefault:"30"`
		WithdrawalRates      []string      `env:"PLAN_WITHDRAWAL_RATES" envSeparator:"," envDefault:"0:7000,5:7500,10:8000"`
		AdminFeeBps          int64         `env:"PLAN_ADMIN_FEE_BPS" envDefault:"500"`
		MinWithdrawal        int64         `env:"PLAN_MIN_WITHDRAWAL" envDefault:"1000"`
		DailyWithdrawalLimit int64         `env:"PLAN_DAILY_WITHDRAWAL_LIMIT" envDefault:"0"`
		GlobalHelpInterval   time.Duration `env:"PLAN_GLOBAL_HELP_INTERVAL" envDefault:"168h"`
		LeaderBonusInterval  time.Duration `env:"PLAN_LEADER_BONUS_INTERVAL" envDefault:"336h"`
		ClubInterval         time.Duration `env:"PLAN_CLUB_INTERVAL" envDefault:"720h"`
		UpkeepPriority       []string      `env:"PLAN_UPKEEP_PRIORITY" envSeparator:"," envDefault:"global_help,leader_bonus,club"`
		FailureThreshold     int           `env:"PLAN_FAILURE_THRESHOLD" envDefault:"3"`
		Ranks                []string      `env:"PLAN_RANKS" envSeparator:"," envDefault:"bronze:3:9000:1,silver:10:36000:2,gold:30:120000:3"`
		LeaderMinRank        int           `env:"PLAN_LEADER_MIN_RANK" envDefault:"1"`
		ClubMinRank          int           `env:"PLAN_CLUB_MIN_RANK" envDefault:"3"`
	}

	Workers struct {
		UpkeepEnabled       bool          `env:"UPKEEP_ENABLED" envDefault:"true"`
		UpkeepInterval      time.Duration `env:"UPKEEP_INTERVAL" envDefault:"1m"`
		UpkeepRatePerMinute int           `env:"UPKEEP_RATE_PER_MINUTE" envDefault:"30"`
		// WithdrawRatePerMinute is each Telegram caller's withdrawal budget.
		WithdrawRatePerMinute int           `env:"WITHDRAW_RATE_PER_MINUTE" envDefault:"3"`
		PaymentStream         string        `env:"PAYMENT_STREAM" envDefault:"ledger:payments"`
		PaymentGroup          string        `env:"PAYMENT_GROUP" envDefault:"ledger-engine"`
		PaymentConsumer       string        `env:"PAYMENT_CONSUMER" envDefault:"engine-1"`
		PaymentRetryInterval  time.Duration `env:"PAYMENT_RETRY_INTERVAL" envDefault:"30s"`
		PaymentClaimIdle      time.Duration `env:"PAYMENT_CLAIM_IDLE" envDefault:"5m"`
	}
}

// RedisAddr is host:port of the ledger store.
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

// RedisKeyPrefix is KeyPrefix with its separator, or empty.
func (c *Config) RedisKeyPrefix() string {
	if c.Redis.KeyPrefix == "" {
		return ""
	}
	return strings.TrimSuffix(c.Redis.KeyPrefix, ":") + ":"
}

func Load() (*Config, error) {
	// A missing .env is fine; production sets the environment directly.
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// AdminList renders the admin Telegram ids the way the engine compares them.
func (c *Config) AdminList() []string {
	out := make([]string, 0, len(c.Telegram.AdminIDs))
	for _, id := range c.Telegram.AdminIDs {
		out = append(out, strconv.FormatInt(id, 10))
	}
	return out
}

// EngineConfig decodes the plan section into engine settings.
func (c *Config) EngineConfig() (service.Config, error) {
	p := c.Plan
	out := service.Config{
		CapMultiplier:        p.CapMultiplier,
		AdminFeeBps:          p.AdminFeeBps,
		MinWithdrawal:        p.MinWithdrawal,
		LevelWeights:         p.LevelWeights,
		UplineDepth:          p.UplineDepth,
		FailureThreshold:     p.FailureThreshold,
		DailyWithdrawalLimit: p.DailyWithdrawalLimit,
		LeaderMinRank:        p.LeaderMinRank,
		ClubMinRank:          p.ClubMinRank,
	}

	weights, err := parseAllocation(p.Allocation, len(p.TierPrices))
	if err != nil {
		return service.Config{}, err
	}
	for i, price := range p.TierPrices {
		out.Tiers = append(out.Tiers, allocation.Tier{Level: i + 1, Price: price, Weights: weights[i]})
	}

	for _, s := range p.WithdrawalRates {
		f, err := fields(s, 2, "PLAN_WITHDRAWAL_RATES")
		if err != nil {
			return service.Config{}, err
		}
		out.WithdrawalRates = append(out.WithdrawalRates, ledger.RateStep{MinDirects: int(f[0]), RateBps: f[1]})
	}

	for _, s := range p.Ranks {
		parts := strings.Split(strings.TrimSpace(s), ":")
		if len(parts) != 4 {
			return service.Config{}, fmt.Errorf("PLAN_RANKS: %q is not name:team:volume:weight", s)
		}
		f, err := fields(strings.Join(parts[1:], ":"), 3, "PLAN_RANKS")
		if err != nil {
			return service.Config{}, err
		}
		out.Ranks = append(out.Ranks, ledger.RankRule{Name: parts[0], MinTeamSize: int(f[0]), MinTeamVolume: f[1], Weight: f[2]})
	}

	intervals := map[pool.ID]time.Duration{
		pool.GlobalHelp:  p.GlobalHelpInterval,
		pool.LeaderBonus: p.LeaderBonusInterval,
		pool.Club:        p.ClubInterval,
	}
	for _, name := range p.UpkeepPriority {
		id, err := pool.ParseID(strings.TrimSpace(name))
		if err != nil {
			return service.Config{}, fmt.Errorf("PLAN_UPKEEP_PRIORITY: %w", err)
		}
		d, ok := intervals[id]
		if !ok {
			return service.Config{}, fmt.Errorf("PLAN_UPKEEP_PRIORITY: %s listed twice", id)
		}
		delete(intervals, id)
		out.Pools = append(out.Pools, pool.Pool{ID: id, Interval: d})
	}

	if err := out.Validate(); err != nil {
		return service.Config{}, fmt.Errorf("plan: %w", err)
	}
	return out, nil
}

// parseAllocation reads sponsor:level:upline:leader:help weights. A single
// entry applies to every tier.
func parseAllocation(entries []string, tiers int) ([]allocation.Weights, error) {
	if len(entries) != 1 && len(entries) != tiers {
		return nil, fmt.Errorf("PLAN_ALLOCATION: want 1 or %d entries, got %d", tiers, len(entries))
	}
	out := make([]allocation.Weights, tiers)
	for i := range out {
		s := entries[0]
		if len(entries) > 1 {
			s = entries[i]
		}
		f, err := fields(s, 5, "PLAN_ALLOCATION")
		if err != nil {
			return nil, err
		}
		out[i] = allocation.Weights{Sponsor: f[0], Level: f[1], Upline: f[2], LeaderPool: f[3], HelpPool: f[4]}
		if err := out[i].Validate(); err != nil {
			return nil, fmt.Errorf("PLAN_ALLOCATION: tier %d: %w", i+1, err)
		}
	}
	return out, nil
}

func fields(s string, n int, name string) ([]int64, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != n {
		return nil, fmt.Errorf("%s: %q needs %d colon separated numbers", name, s, n)
	}
	out := make([]int64, n)
	for i, p := range parts {
		v, err := strconv.ParseInt(strings.TrimSpace(p), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%s: %q: %w", name, s, err)
		}
		out[i] = v
	}
	return out, nil
}
