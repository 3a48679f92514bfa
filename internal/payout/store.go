package payout

import (
	"context"
	"errors"
	"time"
)

// ErrBatchNotFound indicates the referenced batch does not exist.
var ErrBatchNotFound = errors.New("payout batch not found")

// ErrItemNotFound indicates the referenced item does not exist.
var ErrItemNotFound = errors.New("payout item not found")

// BatchTotals aggregates item counts for the status surface.
type BatchTotals struct {
	TotalPayouts      int
	PaidCount         int
	FailedCount       int
	ProcessingCount   int
	TotalAmountTokens int64
}

// Store persists payout batches and items. Item state transitions are
// status-guarded so concurrent workers cannot double-claim or double-settle;
// CompleteItem writes the item update, the withdrawal ledger entry, and the
// batch counters in one transaction.
type Store interface {
	// CreateBatch inserts the batch or fetches the existing one for its
	// hash. The boolean reports whether a new batch was created.
	CreateBatch(ctx context.Context, b Batch) (Batch, bool, error)
	GetBatch(ctx context.Context, id string) (Batch, error)
	MarkBatchProcessing(ctx context.Context, batchID string, totalItems int) error
	// TryCompleteBatch flips the batch to completed only when every item
	// reached a terminal state. Safe under concurrent chunk completions: the
	// guard re-verifies the counters instead of assuming exclusivity.
	TryCompleteBatch(ctx context.Context, batchID string) (bool, error)

	// CreateItem inserts the item unless its idempotency key already exists.
	// The boolean reports whether a row was inserted.
	CreateItem(ctx context.Context, item Item) (bool, error)
	GetItem(ctx context.Context, id string) (Item, error)
	CountItems(ctx context.Context, batchID string) (int, error)
	ListChunk(ctx context.Context, batchID string, offset, limit int) ([]Item, error)

	// ClaimItem moves a pending or retrying item to processing. False means
	// another worker holds the claim.
	ClaimItem(ctx context.Context, itemID string) (bool, error)
	CompleteItem(ctx context.Context, item Item, providerPayoutID string) error
	// FailItem records a failure. Terminal failures (and exhausted retries)
	// land in failed; otherwise the item parks in retrying.
	FailItem(ctx context.Context, itemID, errCode, errMsg string, terminal bool) (Item, error)
	ListRetryable(ctx context.Context, notBefore time.Time, limit int) ([]Item, error)

	BatchTotals(ctx context.Context, batchID string) (BatchTotals, error)
	RecentBatches(ctx context.Context, limit int) ([]Batch, error)
	StuckBatches(ctx context.Context, olderThan time.Time) ([]Batch, error)
	FailedItemCount(ctx context.Context, since time.Time) (int, error)
}
