package workers

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	apperrors "matrix-ledger-backend/internal/common/errors"
	"matrix-ledger-backend/internal/common/logger"
	"matrix-ledger-backend/internal/features/commission/models"
	"matrix-ledger-backend/internal/features/pool"
)

const upkeepTimeout = 30 * time.Second

// Keeper is the automation surface of the ledger engine.
type Keeper interface {
	CheckUpkeep() models.UpkeepCheck
	PerformUpkeep(ctx context.Context, id pool.ID) (*models.Receipt, error)
}

// UpkeepWorker is the in-process keeper: on every tick it asks the engine
// whether a pool is due and distributes it. External keepers may race it
// through the HTTP endpoint; the loser gets TOO_EARLY.
type UpkeepWorker struct {
	keeper   Keeper
	interval time.Duration
	log      zerolog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewUpkeepWorker(keeper Keeper, interval time.Duration) *UpkeepWorker {
	if interval <= 0 {
		interval = time.Minute
	}
	return &UpkeepWorker{
		keeper:   keeper,
		interval: interval,
		log:      logger.Component("upkeep"),
	}
}

func (w *UpkeepWorker) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.log.Info().Dur("interval", w.interval).Msg("Starting upkeep worker")

		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				w.log.Info().Msg("Stopping upkeep worker")
				return
			case <-ticker.C:
				w.RunOnce(ctx)
			}
		}
	}()
}

// Stop cancels the loop and waits for an in-flight upkeep to finish.
func (w *UpkeepWorker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
}

// RunOnce drains every pool that is due right now and reports how many were
// distributed.
func (w *UpkeepWorker) RunOnce(ctx context.Context) int {
	done := 0
	for range len(pool.IDs) {
		check := w.keeper.CheckUpkeep()
		if !check.Needed {
			break
		}
		runCtx, cancel := context.WithTimeout(ctx, upkeepTimeout)
		r, err := w.keeper.PerformUpkeep(runCtx, check.Pool)
		cancel()
		if err != nil {
			w.logFailure(check.Pool, err)
			break
		}
		done++
		w.log.Info().
			Str("pool", string(check.Pool)).
			Str("receipt_id", r.ID).
			Int64("credited", r.TotalCredited()).
			Msg("Pool distributed")
	}
	return done
}

func (w *UpkeepWorker) logFailure(id pool.ID, err error) {
	ev := w.log.Error()
	if appErr, ok := apperrors.AsAppError(err); ok {
		switch appErr.Code {
		case apperrors.ErrCodeTooEarly:
			// another keeper got there first
			ev = w.log.Debug()
		case apperrors.ErrCodeSystemPaused, apperrors.ErrCodeAutomationDisabled, apperrors.ErrCodeCircuitBreakerOpen:
			ev = w.log.Warn()
		}
		ev = ev.Str("error_code", string(appErr.Code))
	}
	ev.Err(err).Str("pool", string(id)).Msg("Upkeep skipped")
}
