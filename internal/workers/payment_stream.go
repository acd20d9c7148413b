package workers

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	apperrors "matrix-ledger-backend/internal/common/errors"
	"matrix-ledger-backend/internal/common/logger"
	"matrix-ledger-backend/internal/common/validation"
	"matrix-ledger-backend/internal/features/commission/models"
)

const (
	EventRegister = "register"
	EventUpgrade  = "upgrade"
)

// Payments books confirmed on-chain payments into the ledger.
type Payments interface {
	Register(ctx context.Context, user, sponsor string, tier int, amount int64, txHash string) (*models.Receipt, error)
	Upgrade(ctx context.Context, user string, tier int, amount int64, txHash string) (*models.Receipt, error)
}

const (
	defaultRetryInterval = 30 * time.Second
	maxRetryInterval     = 10 * time.Minute
	defaultClaimIdle     = 5 * time.Minute
	readBlock            = 5 * time.Second
	readCount            = 10
)

type StreamOptions struct {
	Stream   string
	Group    string
	Consumer string
	// RetryInterval is the pause between passes over unacknowledged
	// entries. It doubles, up to ten minutes, while passes book nothing.
	RetryInterval time.Duration
	// ClaimIdle is how long another consumer may hold an entry before this
	// one takes it over.
	ClaimIdle time.Duration
}

// PaymentEvent is one entry of the payment stream, written by the chain
// watcher once a payment is final.
type PaymentEvent struct {
	ID      string
	Type    string
	User    string
	Sponsor string
	Tier    int
	Amount  int64
	TxHash  string
}

// PaymentStreamWorker consumes the payment stream with a consumer group.
// Entries the ledger rejects are acknowledged; storage failures leave the
// entry pending so it is delivered again on the next retry pass.
type PaymentStreamWorker struct {
	rdb      *redis.Client
	payments Payments
	opts     StreamOptions
	log      zerolog.Logger
}

func NewPaymentStreamWorker(rdb *redis.Client, payments Payments, opts StreamOptions) *PaymentStreamWorker {
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = defaultRetryInterval
	}
	if opts.ClaimIdle <= 0 {
		opts.ClaimIdle = defaultClaimIdle
	}
	return &PaymentStreamWorker{
		rdb:      rdb,
		payments: payments,
		opts:     opts,
		log:      logger.Component("payment_stream"),
	}
}

// Start blocks until ctx is cancelled.
func (w *PaymentStreamWorker) Start(ctx context.Context) {
	err := w.rdb.XGroupCreateMkStream(ctx, w.opts.Stream, w.opts.Group, "$").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		w.log.Error().Err(err).Str("stream", w.opts.Stream).Msg("Failed to create consumer group")
	}

	w.log.Info().Str("stream", w.opts.Stream).Str("group", w.opts.Group).Msg("Starting payment stream worker")
	backoff := w.opts.RetryInterval
	// pending entries first, then new ones
	var nextRetry time.Time
	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("Stopping payment stream worker")
			return
		default:
		}

		if !time.Now().Before(nextRetry) {
			if settled, left := w.retryPending(ctx); left > 0 && settled == 0 {
				backoff = min(2*backoff, maxRetryInterval)
				w.log.Warn().Int("pending", left).Dur("next_retry", backoff).Msg("Pending payments still failing")
			} else {
				backoff = w.opts.RetryInterval
			}
			nextRetry = time.Now().Add(backoff)
		}

		block := min(readBlock, time.Until(nextRetry))
		if block < time.Millisecond {
			continue
		}
		if err := w.readNew(ctx, block); err != nil {
			w.log.Error().Err(err).Msg("Failed to read payment stream")
			sleep(ctx, time.Second)
		}
	}
}

// readNew handles entries never delivered to the group. Failures stay in
// this consumer's pending list for the next retry pass.
func (w *PaymentStreamWorker) readNew(ctx context.Context, block time.Duration) error {
	entries, err := w.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    w.opts.Group,
		Consumer: w.opts.Consumer,
		Streams:  []string{w.opts.Stream, ">"},
		Count:    readCount,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) || ctx.Err() != nil {
		return nil
	}
	if err != nil {
		return err
	}
	for _, stream := range entries {
		for _, msg := range stream.Messages {
			w.process(ctx, msg)
		}
	}
	return nil
}

// retryPending takes over entries abandoned by other consumers, then walks
// this consumer's pending list once. It reports how many entries were
// settled and how many are still pending.
func (w *PaymentStreamWorker) retryPending(ctx context.Context) (settled, left int) {
	w.claimAbandoned(ctx)

	after := "0"
	for ctx.Err() == nil {
		entries, err := w.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    w.opts.Group,
			Consumer: w.opts.Consumer,
			Streams:  []string{w.opts.Stream, after},
			Count:    readCount,
			Block:    -1,
		}).Result()
		if err != nil {
			if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
				w.log.Error().Err(err).Msg("Failed to read pending payments")
			}
			return settled, left
		}
		read := 0
		for _, stream := range entries {
			for _, msg := range stream.Messages {
				read++
				after = msg.ID
				if w.process(ctx, msg) {
					settled++
				} else {
					left++
				}
			}
		}
		if read == 0 {
			break
		}
	}
	return settled, left
}

func (w *PaymentStreamWorker) claimAbandoned(ctx context.Context) {
	start := "0-0"
	for ctx.Err() == nil {
		msgs, next, err := w.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   w.opts.Stream,
			Group:    w.opts.Group,
			Consumer: w.opts.Consumer,
			MinIdle:  w.opts.ClaimIdle,
			Start:    start,
			Count:    readCount,
		}).Result()
		if err != nil {
			if !errors.Is(err, redis.Nil) {
				w.log.Error().Err(err).Msg("Failed to claim abandoned payments")
			}
			return
		}
		if len(msgs) > 0 {
			w.log.Info().Int("entries", len(msgs)).Msg("Claimed abandoned payments")
		}
		if next == "0-0" || next == "" {
			return
		}
		start = next
	}
}

// process handles and acknowledges one entry, reporting whether it left the
// pending list.
func (w *PaymentStreamWorker) process(ctx context.Context, msg redis.XMessage) bool {
	if !w.Handle(ctx, msg.ID, msg.Values) {
		return false
	}
	if err := w.rdb.XAck(ctx, w.opts.Stream, w.opts.Group, msg.ID).Err(); err != nil {
		w.log.Error().Err(err).Str("entry", msg.ID).Msg("Failed to ack payment")
		return false
	}
	return true
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// Handle books one entry and reports whether it may be acknowledged.
func (w *PaymentStreamWorker) Handle(ctx context.Context, id string, values map[string]interface{}) bool {
	ev, err := ParsePaymentEvent(id, values)
	if err != nil {
		w.log.Warn().Err(err).Str("entry", id).Msg("Dropping malformed payment event")
		return true
	}

	var r *models.Receipt
	switch ev.Type {
	case EventRegister:
		r, err = w.payments.Register(ctx, ev.User, ev.Sponsor, ev.Tier, ev.Amount, ev.TxHash)
	case EventUpgrade:
		r, err = w.payments.Upgrade(ctx, ev.User, ev.Tier, ev.Amount, ev.TxHash)
	}
	if err != nil {
		if appErr, ok := apperrors.AsAppError(err); ok && (appErr.IsInternal() || appErr.Code == apperrors.ErrCodeSystemPaused) {
			w.log.Error().Err(err).Str("entry", id).Str("tx_hash", ev.TxHash).Msg("Payment not booked, will retry")
			return false
		}
		w.log.Warn().Err(err).Str("entry", id).Str("tx_hash", ev.TxHash).Str("user", ev.User).
			Msg("Payment rejected by ledger")
		return true
	}
	w.log.Info().
		Str("entry", id).
		Str("type", ev.Type).
		Str("user", ev.User).
		Str("tx_hash", ev.TxHash).
		Str("receipt_id", r.ID).
		Msg("Payment booked")
	return true
}

func ParsePaymentEvent(id string, values map[string]interface{}) (PaymentEvent, error) {
	get := func(k string) string {
		s, _ := values[k].(string)
		return strings.TrimSpace(s)
	}
	ev := PaymentEvent{ID: id, Type: get("type")}
	if ev.Type != EventRegister && ev.Type != EventUpgrade {
		return ev, fmt.Errorf("unknown event type %q", ev.Type)
	}

	var err error
	if ev.TxHash, err = validation.NormalizeTxHash(get("tx_hash")); err != nil {
		return ev, err
	}
	if ev.User, err = validation.NormalizeAddress(get("user")); err != nil {
		return ev, fmt.Errorf("user: %w", err)
	}
	if s := get("sponsor"); s != "" && ev.Type == EventRegister {
		if ev.Sponsor, err = validation.NormalizeAddress(s); err != nil {
			return ev, fmt.Errorf("sponsor: %w", err)
		}
	}
	if ev.Tier, err = strconv.Atoi(get("tier")); err != nil {
		return ev, fmt.Errorf("tier: %w", err)
	}
	if err := validation.ValidateTier(ev.Tier); err != nil {
		return ev, err
	}
	if ev.Amount, err = strconv.ParseInt(get("amount"), 10, 64); err != nil {
		return ev, fmt.Errorf("amount: %w", err)
	}
	if err := validation.ValidatePositiveInt(ev.Amount, "amount"); err != nil {
		return ev, err
	}
	return ev, nil
}
