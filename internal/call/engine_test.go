package call

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/fanbeam/fanbeam/internal/ledger"
	"github.com/fanbeam/fanbeam/internal/logging"
	"github.com/fanbeam/fanbeam/internal/notification"
)

type capturedEvents struct {
	mu     sync.Mutex
	events []notification.Event
}

func (c *capturedEvents) Publish(_ context.Context, event notification.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return nil
}

func (c *capturedEvents) all() []notification.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]notification.Event(nil), c.events...)
}

func newTestCall(t *testing.T, repo Repository, led ledger.Ledger, rate, fanBalance int64) Call {
	t.Helper()
	ctx := context.Background()

	c := Call{
		ID:               uuid.NewString(),
		CreatorID:        uuid.NewString(),
		FanID:            uuid.NewString(),
		RateTokensPerMin: rate,
		Status:           StatusActive,
		StartedAt:        time.Now().UTC().Add(-time.Minute),
	}
	if err := led.EnsureWallet(ctx, c.FanID); err != nil {
		t.Fatalf("ensure fan wallet: %v", err)
	}
	if err := led.EnsureWallet(ctx, c.CreatorID); err != nil {
		t.Fatalf("ensure creator wallet: %v", err)
	}
	ledger.SeedBalance(led, c.FanID, fanBalance)
	if err := repo.Create(ctx, c); err != nil {
		t.Fatalf("create call: %v", err)
	}
	return c
}

func TestBlockCost(t *testing.T) {
	cases := []struct {
		rate, blockSeconds, want int64
	}{
		{60, 30, 30},
		{120, 30, 60},
		{61, 30, 31},
		{1, 30, 1},
		{100, 60, 100},
	}
	for _, tc := range cases {
		if got := BlockCost(tc.rate, tc.blockSeconds); got != tc.want {
			t.Fatalf("BlockCost(%d, %d) = %d, want %d", tc.rate, tc.blockSeconds, got, tc.want)
		}
	}
}

func TestChargeBlock_FourBlockScenario(t *testing.T) {
	ctx := context.Background()
	led := ledger.NewInMemory()
	repo := NewMemoryRepository(led)
	c := newTestCall(t, repo, led, 60, 1_000)

	for i := 0; i < 4; i++ {
		outcome, err := repo.ChargeBlock(ctx, c.ID, 30, BlockCost(60, 30))
		if err != nil {
			t.Fatalf("charge block %d: %v", i, err)
		}
		if !outcome.Charged {
			t.Fatalf("block %d not charged: %+v", i, outcome)
		}
	}

	got, err := repo.Get(ctx, c.ID)
	if err != nil {
		t.Fatalf("get call: %v", err)
	}
	if got.BilledSeconds != 120 {
		t.Fatalf("expected billed_seconds 120, got %d", got.BilledSeconds)
	}
	if got.TotalCostTokens != 120 {
		t.Fatalf("expected total_cost_tokens 120, got %d", got.TotalCostTokens)
	}

	fan, _ := led.Wallet(ctx, c.FanID)
	creator, _ := led.Wallet(ctx, c.CreatorID)
	if fan.Balance != 880 {
		t.Fatalf("expected fan balance 880, got %d", fan.Balance)
	}
	if creator.Balance != 120 {
		t.Fatalf("expected creator balance 120, got %d", creator.Balance)
	}

	// Every block posted a balanced pair.
	var sum int64
	for _, e := range ledger.EntriesBySubject(led, c.ID) {
		sum += e.DeltaTokens
	}
	if sum != 0 {
		t.Fatalf("call entries not balanced, sum=%d", sum)
	}
}

func TestChargeBlock_MonotonicBilledSeconds(t *testing.T) {
	ctx := context.Background()
	led := ledger.NewInMemory()
	repo := NewMemoryRepository(led)
	c := newTestCall(t, repo, led, 60, 10_000)

	var prev int64
	for i := 0; i < 3; i++ {
		outcome, err := repo.ChargeBlock(ctx, c.ID, 30, 30)
		if err != nil {
			t.Fatalf("charge block: %v", err)
		}
		if outcome.Call.BilledSeconds != prev+30 {
			t.Fatalf("billed_seconds moved from %d to %d", prev, outcome.Call.BilledSeconds)
		}
		prev = outcome.Call.BilledSeconds
	}
}

func TestEngineTick_InsufficientFundsEndsCall(t *testing.T) {
	ctx := context.Background()
	led := ledger.NewInMemory()
	repo := NewMemoryRepository(led)
	events := &capturedEvents{}
	engine := NewEngine(repo, events, logging.Discard(), 30, time.Second, 0)

	// Rate 120/min at a 30s block costs 60 tokens; the fan holds only 50.
	c := newTestCall(t, repo, led, 120, 50)

	stats, err := engine.Tick(ctx)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if stats.Ended != 1 || stats.Charged != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	got, _ := repo.Get(ctx, c.ID)
	if got.Status != StatusEnded {
		t.Fatalf("expected call ended, got %s", got.Status)
	}
	if got.EndReason != EndReasonInsufficientFunds {
		t.Fatalf("unexpected end reason %q", got.EndReason)
	}
	if got.BilledSeconds != 0 || got.TotalCostTokens != 0 {
		t.Fatalf("partial charge observed: %+v", got)
	}

	// The wallet must be untouched.
	fan, _ := led.Wallet(ctx, c.FanID)
	if fan.Balance != 50 {
		t.Fatalf("expected fan balance 50, got %d", fan.Balance)
	}

	evts := events.all()
	if len(evts) != 1 {
		t.Fatalf("expected 1 event, got %d", len(evts))
	}
	if evts[0].Kind != notification.KindCallEnded || evts[0].Reason != EndReasonInsufficientFunds {
		t.Fatalf("unexpected event: %+v", evts[0])
	}
}

func TestEngineTick_ChargesDueCalls(t *testing.T) {
	ctx := context.Background()
	led := ledger.NewInMemory()
	repo := NewMemoryRepository(led)
	engine := NewEngine(repo, nil, logging.Discard(), 30, time.Second, 0)

	c := newTestCall(t, repo, led, 60, 1_000)

	stats, err := engine.Tick(ctx)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if stats.Charged != 1 {
		t.Fatalf("expected 1 charged, got %+v", stats)
	}

	// A freshly charged call is not due again on the next tick.
	stats, err = engine.Tick(ctx)
	if err != nil {
		t.Fatalf("second tick: %v", err)
	}
	if stats.Charged != 0 {
		t.Fatalf("expected no charges, got %+v", stats)
	}

	got, _ := repo.Get(ctx, c.ID)
	if got.BilledSeconds != 30 {
		t.Fatalf("expected billed_seconds 30, got %d", got.BilledSeconds)
	}
}

func TestEngineTick_SkipsInactiveCalls(t *testing.T) {
	ctx := context.Background()
	led := ledger.NewInMemory()
	repo := NewMemoryRepository(led)
	engine := NewEngine(repo, nil, logging.Discard(), 30, time.Second, 0)

	c := newTestCall(t, repo, led, 60, 1_000)
	if err := repo.Pause(ctx, c.ID); err != nil {
		t.Fatalf("pause: %v", err)
	}

	stats, err := engine.Tick(ctx)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if stats.Charged != 0 || stats.Ended != 0 {
		t.Fatalf("paused call was billed: %+v", stats)
	}

	// Racing a pause after the list is a skip outcome, never an error.
	outcome, err := repo.ChargeBlock(ctx, c.ID, 30, 30)
	if err != nil {
		t.Fatalf("charge paused call: %v", err)
	}
	if !outcome.Skipped {
		t.Fatalf("expected skip, got %+v", outcome)
	}

	if err := repo.Resume(ctx, c.ID); err != nil {
		t.Fatalf("resume: %v", err)
	}
	outcome, err = repo.ChargeBlock(ctx, c.ID, 30, 30)
	if err != nil {
		t.Fatalf("charge resumed call: %v", err)
	}
	if !outcome.Charged {
		t.Fatalf("expected charge after resume, got %+v", outcome)
	}
}
