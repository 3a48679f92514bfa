package call

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/fanbeam/fanbeam/internal/notification"
)

// Engine bills active calls in fixed time blocks. Each call's charge is
// independent; a failure on one call never aborts the tick.
type Engine struct {
	repo         Repository
	notifier     notification.Notifier
	logger       *slog.Logger
	blockSeconds int64
	interval     time.Duration
	batchLimit   int
}

// NewEngine constructs the metering engine.
func NewEngine(repo Repository, notifier notification.Notifier, logger *slog.Logger, blockSeconds int64, interval time.Duration, batchLimit int) *Engine {
	if batchLimit <= 0 {
		batchLimit = 500
	}
	return &Engine{
		repo:         repo,
		notifier:     notifier,
		logger:       logger,
		blockSeconds: blockSeconds,
		interval:     interval,
		batchLimit:   batchLimit,
	}
}

// TickStats aggregates the outcomes of one metering pass.
type TickStats struct {
	Charged int
	Ended   int
	Skipped int
	Failed  int
}

// Tick charges every call that is due for a block. Calls are processed
// sequentially; ordering across calls carries no guarantee and needs none.
func (e *Engine) Tick(ctx context.Context) (TickStats, error) {
	var stats TickStats

	due, err := e.repo.ListChargeable(ctx, time.Now().UTC(), e.blockSeconds, e.batchLimit)
	if err != nil {
		return stats, err
	}

	for _, c := range due {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}

		cost := BlockCost(c.RateTokensPerMin, e.blockSeconds)
		outcome, err := e.repo.ChargeBlock(ctx, c.ID, e.blockSeconds, cost)
		if err != nil {
			stats.Failed++
			e.logger.Error("charge block", "call_id", c.ID, "error", err)
			continue
		}

		switch {
		case outcome.Charged:
			stats.Charged++
		case outcome.Ended:
			stats.Ended++
			e.logger.Info("call ended on insufficient funds",
				"call_id", c.ID, "fan_id", c.FanID, "balance", outcome.FanBalance, "block_cost", cost)
			if e.notifier != nil {
				_ = e.notifier.Publish(ctx, notification.Event{
					Kind:    notification.KindCallEnded,
					Subject: c.ID,
					UserID:  c.FanID,
					Reason:  EndReasonInsufficientFunds,
					Detail: map[string]string{
						"creator_id": c.CreatorID,
						"block_cost": strconv.FormatInt(cost, 10),
					},
				})
			}
		case outcome.Skipped:
			stats.Skipped++
		}
	}

	return stats, nil
}

// Run executes Tick on a fixed cadence until the context is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			stats, err := e.Tick(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				e.logger.Error("metering tick", "error", err)
				continue
			}
			if stats.Charged > 0 || stats.Ended > 0 || stats.Failed > 0 {
				e.logger.Info("metering tick",
					"charged", stats.Charged, "ended", stats.Ended,
					"skipped", stats.Skipped, "failed", stats.Failed)
			}
		}
	}
}
