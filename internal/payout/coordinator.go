package payout

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// CoordinatorConfig carries the payout cycle tunables.
type CoordinatorConfig struct {
	MinTokens  int64
	TokenCents int64
	MaxRetries int
}

// Coordinator materializes a payout cycle: an idempotent batch, one item per
// eligible creator, and a chunked handoff to the scheduler.
type Coordinator struct {
	store       Store
	eligibility EligibilitySource
	scheduler   *ChunkScheduler
	logger      *slog.Logger
	cfg         CoordinatorConfig
}

// NewCoordinator constructs a batch coordinator.
func NewCoordinator(store Store, eligibility EligibilitySource, scheduler *ChunkScheduler, logger *slog.Logger, cfg CoordinatorConfig) *Coordinator {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.TokenCents <= 0 {
		cfg.TokenCents = 1
	}
	return &Coordinator{
		store:       store,
		eligibility: eligibility,
		scheduler:   scheduler,
		logger:      logger,
		cfg:         cfg,
	}
}

// CreateBatch computes the cycle's eligible creators and materializes the
// batch plus its items. Re-invocation for the same cycle returns the existing
// batch: the hash dedupes the batch, the idempotency key dedupes items.
func (c *Coordinator) CreateBatch(ctx context.Context, cutoffAt time.Time, scheduleType string) (Batch, error) {
	batch := Batch{
		ID:           uuid.NewString(),
		BatchHash:    BatchHashFor(cutoffAt, scheduleType),
		ScheduleType: scheduleType,
		CutoffAt:     cutoffAt.UTC(),
	}

	stored, created, err := c.store.CreateBatch(ctx, batch)
	if err != nil {
		return Batch{}, fmt.Errorf("create batch: %w", err)
	}
	if !created && stored.Status != BatchQueued {
		// Already materialized by an earlier trigger; nothing to add.
		return stored, nil
	}

	creators, err := c.eligibility.EligibleCreators(ctx, cutoffAt, c.cfg.MinTokens)
	if err != nil {
		// Failing before item creation aborts the whole cycle; the outer
		// trigger retries it.
		return Batch{}, fmt.Errorf("eligible creators: %w", err)
	}

	for _, ec := range creators {
		item := Item{
			ID:             uuid.NewString(),
			BatchID:        stored.ID,
			CreatorID:      ec.CreatorID,
			AmountTokens:   ec.AmountTokens,
			AmountUSDCents: ec.AmountTokens * c.cfg.TokenCents,
			IdempotencyKey: ItemIdempotencyKey(stored.ID, ec.CreatorID),
			Status:         ItemPending,
			MaxRetries:     c.cfg.MaxRetries,
		}
		if _, err := c.store.CreateItem(ctx, item); err != nil {
			// A single creator's failure never aborts the batch.
			c.logger.Warn("create payout item", "batch_id", stored.ID, "creator_id", ec.CreatorID, "error", err)
		}
	}

	// Count from the store, not the loop: a prior partial materialization
	// may have contributed items this invocation deduped.
	total, err := c.store.CountItems(ctx, stored.ID)
	if err != nil {
		return Batch{}, fmt.Errorf("count items: %w", err)
	}
	if err := c.store.MarkBatchProcessing(ctx, stored.ID, total); err != nil {
		return Batch{}, fmt.Errorf("mark batch processing: %w", err)
	}

	c.logger.Info("payout batch materialized",
		"batch_id", stored.ID, "schedule", scheduleType,
		"cutoff_at", cutoffAt.UTC(), "total_items", total)

	return c.store.GetBatch(ctx, stored.ID)
}

// Run materializes the cycle and drains it through the chunk scheduler.
func (c *Coordinator) Run(ctx context.Context, cutoffAt time.Time, scheduleType string) (Batch, error) {
	batch, err := c.CreateBatch(ctx, cutoffAt, scheduleType)
	if err != nil {
		return Batch{}, err
	}
	if batch.Status == BatchCompleted {
		return batch, nil
	}

	if err := c.scheduler.ProcessBatch(ctx, batch); err != nil {
		return Batch{}, err
	}
	return c.store.GetBatch(ctx, batch.ID)
}
