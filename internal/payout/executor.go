package payout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fanbeam/fanbeam/internal/notification"
)

// Item-level error codes surfaced to operators.
const (
	ErrCodeNoDestination = "no_payout_destination"
	ErrCodeProvider      = "provider_error"
	ErrCodeSettlement    = "settlement_error"
	ErrCodePayeeLookup   = "payee_lookup_error"
)

// ProcessResult reports what processing one item did.
type ProcessResult struct {
	// Skipped means another worker already claimed the item. Success.
	Skipped   bool
	Completed bool
	Status    ItemStatus
}

// Executor processes one payout item end to end. Items are independent units:
// no cross-item locking, so chunks can drain them in parallel.
type Executor struct {
	store           Store
	provider        TransferProvider
	payees          PayeeResolver
	notifier        notification.Notifier
	logger          *slog.Logger
	providerTimeout time.Duration
}

// NewExecutor constructs a payout executor.
func NewExecutor(store Store, provider TransferProvider, payees PayeeResolver, notifier notification.Notifier, logger *slog.Logger, providerTimeout time.Duration) *Executor {
	if providerTimeout <= 0 {
		providerTimeout = 30 * time.Second
	}
	return &Executor{
		store:           store,
		provider:        provider,
		payees:          payees,
		notifier:        notifier,
		logger:          logger,
		providerTimeout: providerTimeout,
	}
}

// ProcessItem claims the item, submits the external transfer under the item's
// idempotency key, and settles it. Business failures are recorded on the item
// and never returned as errors; only infrastructure failures propagate.
func (e *Executor) ProcessItem(ctx context.Context, item Item) (ProcessResult, error) {
	claimed, err := e.store.ClaimItem(ctx, item.ID)
	if err != nil {
		return ProcessResult{}, err
	}
	if !claimed {
		return ProcessResult{Skipped: true}, nil
	}

	destination, err := e.payees.Resolve(ctx, item.CreatorID)
	if err != nil {
		if errors.Is(err, ErrNoPayoutDestination) {
			return e.fail(ctx, item, ErrCodeNoDestination, err.Error(), true)
		}
		return e.fail(ctx, item, ErrCodePayeeLookup, err.Error(), false)
	}

	pctx, cancel := context.WithTimeout(ctx, e.providerTimeout)
	transferID, err := e.provider.CreateTransfer(pctx, TransferRequest{
		AmountCents:    item.AmountUSDCents,
		Destination:    destination,
		IdempotencyKey: item.IdempotencyKey,
		Description:    fmt.Sprintf("creator payout, batch %s", item.BatchID),
	})
	cancel()
	if err != nil {
		code := ErrCodeProvider
		var pe *ProviderError
		if errors.As(err, &pe) && pe.Code != "" {
			code = pe.Code
		}
		// A timeout is a transient failure, never a success.
		return e.fail(ctx, item, code, err.Error(), !IsTransientError(err))
	}

	if err := e.store.CompleteItem(ctx, item, transferID); err != nil {
		// The transfer exists at the provider; park the item so the retry
		// sweep re-drives settlement under the same idempotency key.
		return e.fail(ctx, item, ErrCodeSettlement, err.Error(), false)
	}

	if e.notifier != nil {
		_ = e.notifier.Publish(ctx, notification.Event{
			Kind:    notification.KindPayoutCompleted,
			Subject: item.ID,
			UserID:  item.CreatorID,
			Detail:  map[string]string{"batch_id": item.BatchID, "provider_payout_id": transferID},
		})
	}

	return ProcessResult{Completed: true, Status: ItemCompleted}, nil
}

func (e *Executor) fail(ctx context.Context, item Item, code, message string, terminal bool) (ProcessResult, error) {
	updated, err := e.store.FailItem(ctx, item.ID, code, message, terminal)
	if err != nil {
		return ProcessResult{}, err
	}

	e.logger.Warn("payout item failed",
		"item_id", item.ID, "creator_id", item.CreatorID,
		"code", code, "status", string(updated.Status), "retry_count", updated.RetryCount)

	if updated.Status == ItemFailed && e.notifier != nil {
		_ = e.notifier.Publish(ctx, notification.Event{
			Kind:    notification.KindPayoutFailed,
			Subject: item.ID,
			UserID:  item.CreatorID,
			Reason:  code,
			Detail:  map[string]string{"batch_id": item.BatchID},
		})
	}

	return ProcessResult{Status: updated.Status}, nil
}
