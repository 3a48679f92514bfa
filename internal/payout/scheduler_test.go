package payout

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/fanbeam/fanbeam/internal/ledger"
	"github.com/fanbeam/fanbeam/internal/logging"
)

func TestChunkCount(t *testing.T) {
	s := NewChunkScheduler(nil, nil, logging.Discard(), 25, 4)
	cases := []struct {
		total int
		want  int
	}{
		{0, 0},
		{1, 1},
		{25, 1},
		{26, 2},
		{47, 2},
		{50, 2},
		{51, 3},
	}
	for _, tc := range cases {
		if got := s.ChunkCount(tc.total); got != tc.want {
			t.Errorf("ChunkCount(%d) = %d, want %d", tc.total, got, tc.want)
		}
	}
}

func TestProcessBatch_MultipleChunks(t *testing.T) {
	ctx := context.Background()
	creators := someCreators(47, 3_000)
	fx := newCycleFixture(t, creators)

	batch, err := fx.coordinator.Run(ctx, time.Now().UTC(), ScheduleSemiMonthly)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if batch.Status != BatchCompleted {
		t.Fatalf("expected completed batch, got %s", batch.Status)
	}
	if batch.TotalItems != 47 || batch.ProcessedItems != 47 || batch.SuccessfulItems != 47 {
		t.Fatalf("unexpected counters: %+v", batch)
	}
	if fx.provider.TransferCount() != 47 {
		t.Fatalf("expected 47 transfers, got %d", fx.provider.TransferCount())
	}
}

func TestProcessBatch_MixedOutcomesStillCompletes(t *testing.T) {
	ctx := context.Background()
	creators := someCreators(5, 3_000)
	fx := newCycleFixture(t, creators)

	// One creator with no registered destination fails terminally; the batch
	// still drains.
	orphan := EligibleCreator{CreatorID: uuid.NewString(), AmountTokens: 3_000}
	if err := fx.ledger.EnsureWallet(ctx, orphan.CreatorID); err != nil {
		t.Fatalf("ensure wallet: %v", err)
	}
	ledger.SeedBalance(fx.ledger, orphan.CreatorID, orphan.AmountTokens)

	all := append(creators, orphan)
	executor := NewExecutor(fx.store, fx.provider, fx.payees, nil, logging.Discard(), time.Second)
	scheduler := NewChunkScheduler(fx.store, executor, logging.Discard(), 2, 3)
	coordinator := NewCoordinator(fx.store, StaticEligibility{Creators: all}, scheduler, logging.Discard(), CoordinatorConfig{
		MinTokens:  2_000,
		TokenCents: 5,
		MaxRetries: 3,
	})

	batch, err := coordinator.Run(ctx, time.Now().UTC(), ScheduleSemiMonthly)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if batch.Status != BatchCompleted {
		t.Fatalf("expected completed batch, got %s", batch.Status)
	}
	if batch.SuccessfulItems != 5 || batch.FailedItems != 1 {
		t.Fatalf("unexpected counters: %+v", batch)
	}

	// The failed creator's tokens stay in their wallet.
	w, _ := fx.ledger.Wallet(ctx, orphan.CreatorID)
	if w.Balance != orphan.AmountTokens {
		t.Fatalf("failed payout must not debit, balance %d", w.Balance)
	}
}

func TestProcessBatch_RetryingItemsLeaveBatchOpen(t *testing.T) {
	ctx := context.Background()

	led := ledger.NewInMemory()
	store := NewMemoryStore(led)
	provider := &failingProvider{err: &ProviderError{Code: "unavailable", Message: "down", Transient: true}}
	payees := NewStaticPayeeResolver()

	creators := someCreators(3, 3_000)
	for _, ec := range creators {
		if err := led.EnsureWallet(ctx, ec.CreatorID); err != nil {
			t.Fatalf("ensure wallet: %v", err)
		}
		ledger.SeedBalance(led, ec.CreatorID, ec.AmountTokens)
		payees.Register(ec.CreatorID, "acct_"+ec.CreatorID)
	}

	executor := NewExecutor(store, provider, payees, nil, logging.Discard(), time.Second)
	scheduler := NewChunkScheduler(store, executor, logging.Discard(), 25, 4)
	coordinator := NewCoordinator(store, StaticEligibility{Creators: creators}, scheduler, logging.Discard(), CoordinatorConfig{
		MinTokens:  2_000,
		TokenCents: 5,
		MaxRetries: 3,
	})

	batch, err := coordinator.Run(ctx, time.Now().UTC(), ScheduleSemiMonthly)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if batch.Status != BatchProcessing {
		t.Fatalf("retrying items must keep the batch open, got %s", batch.Status)
	}
	if batch.ProcessedItems != 0 {
		t.Fatalf("retrying items do not count as processed, got %d", batch.ProcessedItems)
	}

	totals, err := store.BatchTotals(ctx, batch.ID)
	if err != nil {
		t.Fatalf("batch totals: %v", err)
	}
	if totals.ProcessingCount != 3 {
		t.Fatalf("expected 3 in-flight items, got %+v", totals)
	}
}
