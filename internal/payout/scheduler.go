package payout

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// ChunkScheduler partitions a batch's items into bounded-size chunks and
// drains them with a global concurrency ceiling per batch, keeping pressure
// on the transfer provider's rate limits predictable.
type ChunkScheduler struct {
	store         Store
	executor      *Executor
	logger        *slog.Logger
	chunkSize     int
	maxConcurrent int
}

// NewChunkScheduler constructs a chunk scheduler.
func NewChunkScheduler(store Store, executor *Executor, logger *slog.Logger, chunkSize, maxConcurrent int) *ChunkScheduler {
	if chunkSize <= 0 {
		chunkSize = 25
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	return &ChunkScheduler{
		store:         store,
		executor:      executor,
		logger:        logger,
		chunkSize:     chunkSize,
		maxConcurrent: maxConcurrent,
	}
}

// ChunkCount returns how many chunk units a batch needs.
func (s *ChunkScheduler) ChunkCount(totalItems int) int {
	if totalItems <= 0 {
		return 0
	}
	return (totalItems + s.chunkSize - 1) / s.chunkSize
}

// ProcessBatch dispatches every chunk of the batch and waits for them.
func (s *ChunkScheduler) ProcessBatch(ctx context.Context, batch Batch) error {
	chunks := s.ChunkCount(batch.TotalItems)
	if chunks == 0 {
		// Nothing eligible this cycle; the batch is trivially complete.
		_, err := s.store.TryCompleteBatch(ctx, batch.ID)
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.maxConcurrent)
	for i := 0; i < chunks; i++ {
		chunkIndex := i
		g.Go(func() error {
			return s.processChunk(gctx, batch.ID, chunkIndex)
		})
	}
	return g.Wait()
}

// processChunk drains one window of the batch's items, then checks whether
// the batch is done. The last chunk to finish flips it; the check verifies
// the counters rather than assuming it ran last.
func (s *ChunkScheduler) processChunk(ctx context.Context, batchID string, chunkIndex int) error {
	items, err := s.store.ListChunk(ctx, batchID, chunkIndex*s.chunkSize, s.chunkSize)
	if err != nil {
		return err
	}

	for _, item := range items {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, err := s.executor.ProcessItem(ctx, item); err != nil {
			// Infrastructure failure on one item does not abort the chunk.
			s.logger.Error("process payout item", "item_id", item.ID, "batch_id", batchID, "error", err)
		}
	}

	done, err := s.store.TryCompleteBatch(ctx, batchID)
	if err != nil {
		return err
	}
	if done {
		s.logger.Info("payout batch completed", "batch_id", batchID)
	}
	return nil
}
