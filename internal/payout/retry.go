package payout

import (
	"context"
	"log/slog"
	"time"
)

// RetrySweeper re-drives items parked in retrying. Re-submission is plain
// re-entry into ProcessItem; the claim and the provider idempotency key carry
// all the duplicate protection.
type RetrySweeper struct {
	store    Store
	executor *Executor
	logger   *slog.Logger
	interval time.Duration
	maxAge   time.Duration
	limit    int
}

// NewRetrySweeper constructs a retry sweeper.
func NewRetrySweeper(store Store, executor *Executor, logger *slog.Logger, interval, maxAge time.Duration, limit int) *RetrySweeper {
	if limit <= 0 {
		limit = 100
	}
	if maxAge <= 0 {
		maxAge = 7 * 24 * time.Hour
	}
	return &RetrySweeper{
		store:    store,
		executor: executor,
		logger:   logger,
		interval: interval,
		maxAge:   maxAge,
		limit:    limit,
	}
}

// Sweep processes one bounded pass of retryable items and returns how many it
// re-submitted.
func (r *RetrySweeper) Sweep(ctx context.Context) (int, error) {
	notBefore := time.Now().UTC().Add(-r.maxAge)
	items, err := r.store.ListRetryable(ctx, notBefore, r.limit)
	if err != nil {
		return 0, err
	}

	processed := 0
	touched := make(map[string]struct{})
	for _, item := range items {
		if ctx.Err() != nil {
			return processed, ctx.Err()
		}
		if _, err := r.executor.ProcessItem(ctx, item); err != nil {
			r.logger.Error("retry payout item", "item_id", item.ID, "error", err)
			continue
		}
		processed++
		touched[item.BatchID] = struct{}{}
	}

	// A successful retry may have been the batch's last open item.
	for batchID := range touched {
		if _, err := r.store.TryCompleteBatch(ctx, batchID); err != nil {
			r.logger.Error("complete batch after retry", "batch_id", batchID, "error", err)
		}
	}

	return processed, nil
}

// Run executes Sweep on a fixed cadence until the context is cancelled.
func (r *RetrySweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n, err := r.Sweep(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				r.logger.Error("retry sweep", "error", err)
				continue
			}
			if n > 0 {
				r.logger.Info("retry sweep", "resubmitted", n)
			}
		}
	}
}
