package payout

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/fanbeam/fanbeam/internal/ledger"
	"github.com/fanbeam/fanbeam/internal/logging"
)

type failingProvider struct {
	mu    sync.Mutex
	err   error
	calls int
	// succeedAfter > 0 makes the provider recover once that many calls failed.
	succeedAfter int
}

func (p *failingProvider) CreateTransfer(_ context.Context, _ TransferRequest) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.succeedAfter > 0 && p.calls > p.succeedAfter {
		return "po_recovered", nil
	}
	return "", p.err
}

// seedItem materializes a processing batch with a single pending item whose
// creator holds a funded wallet.
func seedItem(t *testing.T, store Store, led ledger.Ledger, tokens int64, maxRetries int) Item {
	t.Helper()
	ctx := context.Background()

	creatorID := uuid.NewString()
	if err := led.EnsureWallet(ctx, creatorID); err != nil {
		t.Fatalf("ensure wallet: %v", err)
	}
	ledger.SeedBalance(led, creatorID, tokens)

	batch := Batch{
		ID:           uuid.NewString(),
		BatchHash:    BatchHashFor(time.Now().UTC(), ScheduleSemiMonthly+"-"+uuid.NewString()),
		ScheduleType: ScheduleSemiMonthly,
		CutoffAt:     time.Now().UTC(),
	}
	stored, _, err := store.CreateBatch(ctx, batch)
	if err != nil {
		t.Fatalf("create batch: %v", err)
	}

	item := Item{
		ID:             uuid.NewString(),
		BatchID:        stored.ID,
		CreatorID:      creatorID,
		AmountTokens:   tokens,
		AmountUSDCents: tokens * 5,
		IdempotencyKey: ItemIdempotencyKey(stored.ID, creatorID),
		Status:         ItemPending,
		MaxRetries:     maxRetries,
	}
	if _, err := store.CreateItem(ctx, item); err != nil {
		t.Fatalf("create item: %v", err)
	}
	if err := store.MarkBatchProcessing(ctx, stored.ID, 1); err != nil {
		t.Fatalf("mark processing: %v", err)
	}
	return item
}

func TestProcessItem_Success(t *testing.T) {
	ctx := context.Background()
	led := ledger.NewInMemory()
	store := NewMemoryStore(led)
	provider := NewStaticProvider()
	payees := NewStaticPayeeResolver()
	executor := NewExecutor(store, provider, payees, nil, logging.Discard(), time.Second)

	item := seedItem(t, store, led, 3_000, 3)
	payees.Register(item.CreatorID, "acct_1")

	res, err := executor.ProcessItem(ctx, item)
	if err != nil {
		t.Fatalf("process item: %v", err)
	}
	if !res.Completed {
		t.Fatalf("expected completion, got %+v", res)
	}

	got, err := store.GetItem(ctx, item.ID)
	if err != nil {
		t.Fatalf("get item: %v", err)
	}
	if got.Status != ItemCompleted {
		t.Fatalf("expected completed, got %s", got.Status)
	}
	if got.ProviderPayoutID == "" {
		t.Fatal("provider payout id not recorded")
	}

	// One single-sided withdrawal entry debits the creator.
	entries := ledger.EntriesBySubject(led, item.ID)
	if len(entries) != 1 {
		t.Fatalf("expected 1 ledger entry, got %d", len(entries))
	}
	if entries[0].DeltaTokens != -3_000 {
		t.Fatalf("expected delta -3000, got %d", entries[0].DeltaTokens)
	}
	if entries[0].Reason != ledger.ReasonWithdrawalCompleted {
		t.Fatalf("unexpected reason %q", entries[0].Reason)
	}

	w, _ := led.Wallet(ctx, item.CreatorID)
	if w.Balance != 0 {
		t.Fatalf("expected drained wallet, got %d", w.Balance)
	}
}

func TestProcessItem_ConcurrentClaim(t *testing.T) {
	ctx := context.Background()
	led := ledger.NewInMemory()
	store := NewMemoryStore(led)
	provider := NewStaticProvider()
	payees := NewStaticPayeeResolver()
	executor := NewExecutor(store, provider, payees, nil, logging.Discard(), time.Second)

	item := seedItem(t, store, led, 2_500, 3)
	payees.Register(item.CreatorID, "acct_1")

	const workers = 8
	results := make([]ProcessResult, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := executor.ProcessItem(ctx, item)
			if err != nil {
				t.Errorf("worker %d: %v", i, err)
				return
			}
			results[i] = res
		}(i)
	}
	wg.Wait()

	completed, skipped := 0, 0
	for _, res := range results {
		if res.Completed {
			completed++
		}
		if res.Skipped {
			skipped++
		}
	}
	if completed != 1 {
		t.Fatalf("expected exactly 1 completion, got %d", completed)
	}
	if skipped != workers-1 {
		t.Fatalf("expected %d skips, got %d", workers-1, skipped)
	}

	if provider.TransferCount() != 1 {
		t.Fatalf("expected 1 external transfer, got %d", provider.TransferCount())
	}
	if provider.CallCount() != 1 {
		t.Fatalf("expected 1 provider call, got %d", provider.CallCount())
	}
	if entries := ledger.EntriesBySubject(led, item.ID); len(entries) != 1 {
		t.Fatalf("expected 1 ledger entry, got %d", len(entries))
	}
}

func TestProcessItem_NoDestinationIsTerminal(t *testing.T) {
	ctx := context.Background()
	led := ledger.NewInMemory()
	store := NewMemoryStore(led)
	executor := NewExecutor(store, NewStaticProvider(), NewStaticPayeeResolver(), nil, logging.Discard(), time.Second)

	item := seedItem(t, store, led, 2_000, 3)

	res, err := executor.ProcessItem(ctx, item)
	if err != nil {
		t.Fatalf("process item: %v", err)
	}
	if res.Status != ItemFailed {
		t.Fatalf("expected failed, got %s", res.Status)
	}

	got, _ := store.GetItem(ctx, item.ID)
	if got.Status != ItemFailed {
		t.Fatalf("missing destination must not park in retrying, got %s", got.Status)
	}
	if got.ErrorCode != ErrCodeNoDestination {
		t.Fatalf("unexpected error code %q", got.ErrorCode)
	}

	// No money moved.
	if entries := ledger.EntriesBySubject(led, item.ID); len(entries) != 0 {
		t.Fatalf("expected no ledger entries, got %d", len(entries))
	}
}

func TestProcessItem_TransientFailureParksRetrying(t *testing.T) {
	ctx := context.Background()
	led := ledger.NewInMemory()
	store := NewMemoryStore(led)
	provider := &failingProvider{err: &ProviderError{Code: "rate_limited", Message: "slow down", Transient: true}}
	payees := NewStaticPayeeResolver()
	executor := NewExecutor(store, provider, payees, nil, logging.Discard(), time.Second)

	item := seedItem(t, store, led, 2_000, 3)
	payees.Register(item.CreatorID, "acct_1")

	if _, err := executor.ProcessItem(ctx, item); err != nil {
		t.Fatalf("process item: %v", err)
	}

	got, _ := store.GetItem(ctx, item.ID)
	if got.Status != ItemRetrying {
		t.Fatalf("expected retrying, got %s", got.Status)
	}
	if got.RetryCount != 1 {
		t.Fatalf("expected retry_count 1, got %d", got.RetryCount)
	}
	if got.ErrorCode != "rate_limited" {
		t.Fatalf("unexpected error code %q", got.ErrorCode)
	}
}

func TestProcessItem_RetryBound(t *testing.T) {
	ctx := context.Background()
	led := ledger.NewInMemory()
	store := NewMemoryStore(led)
	provider := &failingProvider{err: &ProviderError{Code: "unavailable", Message: "down", Transient: true}}
	payees := NewStaticPayeeResolver()
	executor := NewExecutor(store, provider, payees, nil, logging.Discard(), time.Second)

	item := seedItem(t, store, led, 2_000, 3)
	payees.Register(item.CreatorID, "acct_1")

	for attempt := 1; attempt <= 3; attempt++ {
		if _, err := executor.ProcessItem(ctx, item); err != nil {
			t.Fatalf("attempt %d: %v", attempt, err)
		}
		got, _ := store.GetItem(ctx, item.ID)
		if attempt < 3 {
			if got.Status != ItemRetrying {
				t.Fatalf("attempt %d: expected retrying, got %s", attempt, got.Status)
			}
		} else if got.Status != ItemFailed {
			t.Fatalf("3rd failure must land in failed, got %s", got.Status)
		}
		if got.RetryCount != attempt {
			t.Fatalf("expected retry_count %d, got %d", attempt, got.RetryCount)
		}
	}

	// Exhausted items are no longer claimable.
	res, err := executor.ProcessItem(ctx, item)
	if err != nil {
		t.Fatalf("process failed item: %v", err)
	}
	if !res.Skipped {
		t.Fatalf("expected skip on failed item, got %+v", res)
	}

	b, _ := store.GetBatch(ctx, item.BatchID)
	if b.FailedItems != 1 || b.ProcessedItems != 1 {
		t.Fatalf("batch counters wrong: %+v", b)
	}
}

func TestProcessItem_PermanentProviderError(t *testing.T) {
	ctx := context.Background()
	led := ledger.NewInMemory()
	store := NewMemoryStore(led)
	provider := &failingProvider{err: &ProviderError{Code: "account_closed", Message: "destination closed", Transient: false}}
	payees := NewStaticPayeeResolver()
	executor := NewExecutor(store, provider, payees, nil, logging.Discard(), time.Second)

	item := seedItem(t, store, led, 2_000, 3)
	payees.Register(item.CreatorID, "acct_1")

	if _, err := executor.ProcessItem(ctx, item); err != nil {
		t.Fatalf("process item: %v", err)
	}
	got, _ := store.GetItem(ctx, item.ID)
	if got.Status != ItemFailed {
		t.Fatalf("permanent provider error must fail immediately, got %s", got.Status)
	}
	if got.ErrorCode != "account_closed" {
		t.Fatalf("unexpected error code %q", got.ErrorCode)
	}
}
