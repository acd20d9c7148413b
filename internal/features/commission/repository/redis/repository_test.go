package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"matrix-ledger-backend/internal/features/allocation"
	"matrix-ledger-backend/internal/features/commission/models"
	"matrix-ledger-backend/internal/features/commission/repository"
	"matrix-ledger-backend/internal/features/ledger"
	"matrix-ledger-backend/internal/features/matrix"
	"matrix-ledger-backend/internal/features/pool"
	"matrix-ledger-backend/internal/features/safety"
)

// newTestRepository needs a live redis at TEST_REDIS_ADDR; keys get a
// random prefix and are removed afterwards.
func newTestRepository(t *testing.T) repository.LedgerRepository {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	require.NoError(t, client.Ping(context.Background()).Err())

	prefix := "test:" + uuid.New().String() + ":"
	t.Cleanup(func() {
		ctx := context.Background()
		keys, _ := client.Keys(ctx, prefix+"*").Result()
		if len(keys) > 0 {
			client.Del(ctx, keys...)
		}
		_ = client.Close()
	})
	return NewRedisLedgerRepository(client, prefix)
}

func TestLoadEmpty(t *testing.T) {
	repo := newTestRepository(t)
	snap, err := repo.Load(context.Background())
	require.NoError(t, err)
	assert.Empty(t, snap.Accounts)
	assert.Empty(t, snap.Placements)
	assert.Nil(t, snap.Safety)
	assert.Nil(t, snap.Settings)
}

func TestSaveAndLoad(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	root := ledger.Account{User: "0:aa", Seq: 1, PackageTier: 1, TotalInvested: 3000, EarningsCap: 12000, IsActive: true, RegisteredAt: now}
	pools := []pool.Pool{{ID: pool.GlobalHelp, Balance: 2700, Interval: time.Hour, LastDistribution: now}}
	st := safety.State{AutomationEnabled: true, FailureThreshold: 3, ConsecutiveFailures: 1}
	settings := models.Settings{Tiers: []allocation.Tier{{Level: 1, Price: 3000, Weights: allocation.Weights{Sponsor: 10000}}}}

	require.NoError(t, repo.Save(ctx, repository.Commit{
		Accounts:  []ledger.Account{root},
		Placement: &matrix.Placement{User: "0:aa", Side: matrix.SideRoot},
		Pools:     pools,
		Safety:    st,
		Settings:  settings,
		Receipt:   &models.Receipt{ID: "r1", Kind: models.KindRegister, User: "0:aa", Amount: 3000, CreatedAt: now},
	}))

	child := ledger.Account{User: "0:bb", Sponsor: "0:aa", Seq: 2, PackageTier: 1, TotalInvested: 3000, EarningsCap: 12000, IsActive: true, RegisteredAt: now}
	root.Balance, root.TotalEarnings = 1820, 1820
	require.NoError(t, repo.Save(ctx, repository.Commit{
		Accounts:  []ledger.Account{root, child},
		Placement: &matrix.Placement{User: "0:bb", Parent: "0:aa", Side: matrix.SideLeft, Depth: 1},
		Pools:     pools,
		Safety:    st,
		Settings:  settings,
		Receipt:   &models.Receipt{ID: "r2", Kind: models.KindRegister, User: "0:bb", Amount: 3000, CreatedAt: now},
	}))

	// a safety-only commit
	st.ConsecutiveFailures = 2
	require.NoError(t, repo.Save(ctx, repository.Commit{Pools: pools, Safety: st, Settings: settings}))

	snap, err := repo.Load(ctx)
	require.NoError(t, err)
	assert.Len(t, snap.Accounts, 2)
	byUser := map[string]ledger.Account{}
	for _, a := range snap.Accounts {
		byUser[a.User] = a
	}
	assert.Equal(t, int64(1820), byUser["0:aa"].Balance)
	assert.Equal(t, "0:aa", byUser["0:bb"].Sponsor)
	require.Len(t, snap.Placements, 2)
	assert.Equal(t, "0:aa", snap.Placements[0].User)
	assert.Equal(t, matrix.SideLeft, snap.Placements[1].Side)
	require.Len(t, snap.Pools, 1)
	assert.Equal(t, int64(2700), snap.Pools[0].Balance)
	assert.True(t, snap.Pools[0].LastDistribution.Equal(now))
	require.NotNil(t, snap.Safety)
	assert.Equal(t, 2, snap.Safety.ConsecutiveFailures)
	require.NotNil(t, snap.Settings)
	assert.Equal(t, settings, *snap.Settings)

	receipts, err := repo.RecentReceipts(ctx, 10)
	require.NoError(t, err)
	require.Len(t, receipts, 2)
	assert.Equal(t, "r2", receipts[0].ID)
	assert.Equal(t, "r1", receipts[1].ID)

	receipts, err = repo.RecentReceipts(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, receipts, 1)
}

func TestPaymentRefsAndPayouts(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	st := safety.State{AutomationEnabled: true}

	require.NoError(t, repo.Save(ctx, repository.Commit{Safety: st, PaymentRef: "aa11"}))
	require.NoError(t, repo.Save(ctx, repository.Commit{Safety: st, PaymentRef: "bb22"}))

	p1 := models.PendingPayout{
		ID:         "p1",
		Withdrawal: ledger.Withdrawal{User: "0:aa", Requested: 1000, RateBps: 7000, Gross: 700, Fee: 35, PaidOut: 665, Reinvested: 300},
		DayID:      safety.DayID(now),
		CreatedAt:  now,
	}
	p2 := p1
	p2.ID = "p2"
	require.NoError(t, repo.Save(ctx, repository.Commit{Safety: st, Payout: &p1}))
	require.NoError(t, repo.Save(ctx, repository.Commit{Safety: st, Payout: &p2}))
	require.NoError(t, repo.Save(ctx, repository.Commit{Safety: st, SettledPayout: "p1"}))

	snap, err := repo.Load(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"aa11", "bb22"}, snap.PaymentRefs)
	require.Len(t, snap.Payouts, 1)
	got := snap.Payouts[0]
	assert.Equal(t, "p2", got.ID)
	assert.Equal(t, p1.Withdrawal, got.Withdrawal)
	assert.Equal(t, p1.DayID, got.DayID)
	assert.True(t, got.CreatedAt.Equal(now))
}
