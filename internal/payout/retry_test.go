package payout

import (
	"context"
	"testing"
	"time"

	"github.com/fanbeam/fanbeam/internal/ledger"
	"github.com/fanbeam/fanbeam/internal/logging"
)

func TestSweep_RedrivesRetryingToCompletion(t *testing.T) {
	ctx := context.Background()
	led := ledger.NewInMemory()
	store := NewMemoryStore(led)
	provider := &failingProvider{
		err:          &ProviderError{Code: "unavailable", Message: "down", Transient: true},
		succeedAfter: 1,
	}
	payees := NewStaticPayeeResolver()
	executor := NewExecutor(store, provider, payees, nil, logging.Discard(), time.Second)
	sweeper := NewRetrySweeper(store, executor, logging.Discard(), time.Minute, 7*24*time.Hour, 100)

	item := seedItem(t, store, led, 3_000, 3)
	payees.Register(item.CreatorID, "acct_1")

	// First attempt fails transiently and parks the item.
	if _, err := executor.ProcessItem(ctx, item); err != nil {
		t.Fatalf("process item: %v", err)
	}
	got, _ := store.GetItem(ctx, item.ID)
	if got.Status != ItemRetrying {
		t.Fatalf("expected retrying, got %s", got.Status)
	}

	// The sweep re-drives it; the provider has recovered.
	n, err := sweeper.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 resubmission, got %d", n)
	}

	got, _ = store.GetItem(ctx, item.ID)
	if got.Status != ItemCompleted {
		t.Fatalf("expected completed after sweep, got %s", got.Status)
	}
	if got.ProviderPayoutID != "po_recovered" {
		t.Fatalf("unexpected provider id %q", got.ProviderPayoutID)
	}

	// The sweep also closes the batch.
	b, _ := store.GetBatch(ctx, item.BatchID)
	if b.Status != BatchCompleted {
		t.Fatalf("expected completed batch, got %s", b.Status)
	}

	// Nothing left to sweep.
	n, err = sweeper.Sweep(ctx)
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected idle sweep, got %d", n)
	}
}

func TestSweep_SkipsItemsOlderThanWindow(t *testing.T) {
	ctx := context.Background()
	led := ledger.NewInMemory()
	store := NewMemoryStore(led)
	provider := &failingProvider{err: &ProviderError{Code: "unavailable", Message: "down", Transient: true}}
	payees := NewStaticPayeeResolver()
	executor := NewExecutor(store, provider, payees, nil, logging.Discard(), time.Second)
	sweeper := NewRetrySweeper(store, executor, logging.Discard(), time.Minute, 5*time.Millisecond, 100)

	item := seedItem(t, store, led, 3_000, 3)
	payees.Register(item.CreatorID, "acct_1")
	if _, err := executor.ProcessItem(ctx, item); err != nil {
		t.Fatalf("process item: %v", err)
	}

	// Let the item age out of the sweep window.
	time.Sleep(50 * time.Millisecond)

	n, err := sweeper.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 0 {
		t.Fatalf("aged-out item must be skipped, resubmitted %d", n)
	}
	got, _ := store.GetItem(ctx, item.ID)
	if got.Status != ItemRetrying {
		t.Fatalf("item must stay parked, got %s", got.Status)
	}
}

func TestSweep_HonorsLimit(t *testing.T) {
	ctx := context.Background()
	led := ledger.NewInMemory()
	store := NewMemoryStore(led)
	provider := &failingProvider{err: &ProviderError{Code: "unavailable", Message: "down", Transient: true}}
	payees := NewStaticPayeeResolver()
	executor := NewExecutor(store, provider, payees, nil, logging.Discard(), time.Second)
	sweeper := NewRetrySweeper(store, executor, logging.Discard(), time.Minute, 7*24*time.Hour, 1)

	for i := 0; i < 3; i++ {
		item := seedItem(t, store, led, 3_000, 5)
		payees.Register(item.CreatorID, "acct_1")
		if _, err := executor.ProcessItem(ctx, item); err != nil {
			t.Fatalf("process item: %v", err)
		}
	}

	n, err := sweeper.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("limit 1 must bound the pass, resubmitted %d", n)
	}
}
