package call

import (
	"context"
	"errors"
	"time"
)

// ErrCallNotFound indicates the referenced call does not exist.
var ErrCallNotFound = errors.New("call not found")

// ChargeOutcome reports what a single block charge did. Exactly one of the
// three flags is set.
type ChargeOutcome struct {
	// Charged means the block was billed and the call accumulators advanced.
	Charged bool
	// Skipped means the call was no longer active when the row lock was
	// acquired. A race, not an error.
	Skipped bool
	// Ended means the fan could not cover the block; the call was terminated
	// and no charge was written.
	Ended bool

	FanBalance int64
	Call       Call
}

// Repository persists calls and performs the atomic block charge. ChargeBlock
// runs the whole lock-check-transfer-accumulate sequence in one transaction;
// any failure rolls the entire block back.
type Repository interface {
	Create(ctx context.Context, c Call) error
	Get(ctx context.Context, id string) (Call, error)
	ListChargeable(ctx context.Context, asOf time.Time, blockSeconds int64, limit int) ([]Call, error)
	ChargeBlock(ctx context.Context, callID string, blockSeconds, blockCost int64) (ChargeOutcome, error)
	Pause(ctx context.Context, id string) error
	Resume(ctx context.Context, id string) error
	End(ctx context.Context, id, reason string) error
}
