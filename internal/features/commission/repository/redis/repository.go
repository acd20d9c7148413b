package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"matrix-ledger-backend/internal/features/commission/models"
	"matrix-ledger-backend/internal/features/commission/repository"
	"matrix-ledger-backend/internal/features/ledger"
	"matrix-ledger-backend/internal/features/matrix"
	"matrix-ledger-backend/internal/features/pool"
	"matrix-ledger-backend/internal/features/safety"

	"github.com/redis/go-redis/v9"
)

const (
	keyAccounts   = "ledger:accounts"
	keyPlacements = "ledger:placements"
	keyPayments   = "ledger:booked_payments"
	keyPayouts    = "ledger:pending_payouts"
	keyPools      = "ledger:pools"
	keySafety     = "ledger:safety"
	keySettings   = "ledger:settings"
	keyReceipts   = "ledger:receipts"

	// approximate cap on the receipts stream
	receiptsMaxLen = 100000
)

type redisRepository struct {
	client *redis.Client
	prefix string
}

// NewRedisLedgerRepository stores the engine state under prefix (may be empty).
func NewRedisLedgerRepository(client *redis.Client, prefix string) repository.LedgerRepository {
	return &redisRepository{client: client, prefix: prefix}
}

func (r *redisRepository) key(k string) string {
	return r.prefix + k
}

// Save writes the whole commit in one MULTI/EXEC.
func (r *redisRepository) Save(ctx context.Context, c repository.Commit) error {
	accounts := make([]interface{}, 0, 2*len(c.Accounts))
	for _, acc := range c.Accounts {
		data, err := json.Marshal(acc)
		if err != nil {
			return fmt.Errorf("failed to marshal account %s: %w", acc.User, err)
		}
		accounts = append(accounts, acc.User, data)
	}
	pools, err := json.Marshal(c.Pools)
	if err != nil {
		return fmt.Errorf("failed to marshal pools: %w", err)
	}
	safetyState, err := json.Marshal(c.Safety)
	if err != nil {
		return fmt.Errorf("failed to marshal safety state: %w", err)
	}
	settings, err := json.Marshal(c.Settings)
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}
	var placement, payout, receipt []byte
	if c.Payout != nil {
		if payout, err = json.Marshal(c.Payout); err != nil {
			return fmt.Errorf("failed to marshal payout: %w", err)
		}
	}
	if c.Placement != nil {
		if placement, err = json.Marshal(c.Placement); err != nil {
			return fmt.Errorf("failed to marshal placement: %w", err)
		}
	}
	if c.Receipt != nil {
		if receipt, err = json.Marshal(c.Receipt); err != nil {
			return fmt.Errorf("failed to marshal receipt: %w", err)
		}
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if len(accounts) > 0 {
			pipe.HSet(ctx, r.key(keyAccounts), accounts...)
		}
		if placement != nil {
			pipe.RPush(ctx, r.key(keyPlacements), placement)
		}
		if c.PaymentRef != "" {
			pipe.SAdd(ctx, r.key(keyPayments), c.PaymentRef)
		}
		if payout != nil {
			pipe.HSet(ctx, r.key(keyPayouts), c.Payout.ID, payout)
		}
		if c.SettledPayout != "" {
			pipe.HDel(ctx, r.key(keyPayouts), c.SettledPayout)
		}
		pipe.Set(ctx, r.key(keyPools), pools, 0)
		pipe.Set(ctx, r.key(keySafety), safetyState, 0)
		pipe.Set(ctx, r.key(keySettings), settings, 0)
		if receipt != nil {
			pipe.XAdd(ctx, &redis.XAddArgs{
				Stream: r.key(keyReceipts),
				MaxLen: receiptsMaxLen,
				Approx: true,
				Values: map[string]interface{}{
					"id":      c.Receipt.ID,
					"kind":    string(c.Receipt.Kind),
					"receipt": receipt,
				},
			})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to commit ledger state: %w", err)
	}
	return nil
}

func (r *redisRepository) Load(ctx context.Context) (*repository.Snapshot, error) {
	pipe := r.client.Pipeline()
	accountsCmd := pipe.HGetAll(ctx, r.key(keyAccounts))
	placementsCmd := pipe.LRange(ctx, r.key(keyPlacements), 0, -1)
	paymentsCmd := pipe.SMembers(ctx, r.key(keyPayments))
	payoutsCmd := pipe.HGetAll(ctx, r.key(keyPayouts))
	poolsCmd := pipe.Get(ctx, r.key(keyPools))
	safetyCmd := pipe.Get(ctx, r.key(keySafety))
	settingsCmd := pipe.Get(ctx, r.key(keySettings))
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("failed to load ledger state: %w", err)
	}

	snap := &repository.Snapshot{}
	for user, raw := range accountsCmd.Val() {
		var acc ledger.Account
		if err := json.Unmarshal([]byte(raw), &acc); err != nil {
			return nil, fmt.Errorf("failed to unmarshal account %s: %w", user, err)
		}
		snap.Accounts = append(snap.Accounts, acc)
	}
	for i, raw := range placementsCmd.Val() {
		var p matrix.Placement
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return nil, fmt.Errorf("failed to unmarshal placement %d: %w", i, err)
		}
		snap.Placements = append(snap.Placements, p)
	}
	snap.PaymentRefs = paymentsCmd.Val()
	for id, raw := range payoutsCmd.Val() {
		var p models.PendingPayout
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return nil, fmt.Errorf("failed to unmarshal payout %s: %w", id, err)
		}
		snap.Payouts = append(snap.Payouts, p)
	}

	if data, err := poolsCmd.Bytes(); err == nil {
		var pools []pool.Pool
		if err := json.Unmarshal(data, &pools); err != nil {
			return nil, fmt.Errorf("failed to unmarshal pools: %w", err)
		}
		snap.Pools = pools
	} else if err != redis.Nil {
		return nil, err
	}
	if data, err := safetyCmd.Bytes(); err == nil {
		var st safety.State
		if err := json.Unmarshal(data, &st); err != nil {
			return nil, fmt.Errorf("failed to unmarshal safety state: %w", err)
		}
		snap.Safety = &st
	} else if err != redis.Nil {
		return nil, err
	}
	if data, err := settingsCmd.Bytes(); err == nil {
		var s models.Settings
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, fmt.Errorf("failed to unmarshal settings: %w", err)
		}
		snap.Settings = &s
	} else if err != redis.Nil {
		return nil, err
	}
	return snap, nil
}

func (r *redisRepository) RecentReceipts(ctx context.Context, count int64) ([]models.Receipt, error) {
	msgs, err := r.client.XRevRangeN(ctx, r.key(keyReceipts), "+", "-", count).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read receipts: %w", err)
	}
	out := make([]models.Receipt, 0, len(msgs))
	for _, msg := range msgs {
		raw, ok := msg.Values["receipt"].(string)
		if !ok {
			continue
		}
		var rec models.Receipt
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("failed to unmarshal receipt %s: %w", msg.ID, err)
		}
		out = append(out, rec)
	}
	return out, nil
}
