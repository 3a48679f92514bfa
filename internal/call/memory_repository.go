package call

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/fanbeam/fanbeam/internal/ledger"
)

type memoryRepository struct {
	mu     sync.Mutex
	calls  map[string]*Call
	ledger ledger.Ledger
}

// NewMemoryRepository constructs an in-memory repository for tests. Charges
// settle against the provided ledger with the same observable semantics as
// the Postgres transaction.
func NewMemoryRepository(led ledger.Ledger) Repository {
	return &memoryRepository{calls: make(map[string]*Call), ledger: led}
}

func (r *memoryRepository) Create(_ context.Context, c Call) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.calls[c.ID]; exists {
		return errors.New("call exists")
	}
	stored := c
	r.calls[c.ID] = &stored
	return nil
}

func (r *memoryRepository) Get(_ context.Context, id string) (Call, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.calls[id]
	if !ok {
		return Call{}, ErrCallNotFound
	}
	return *c, nil
}

func (r *memoryRepository) ListChargeable(_ context.Context, asOf time.Time, blockSeconds int64, limit int) ([]Call, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	threshold := asOf.UTC().Add(-time.Duration(blockSeconds) * time.Second)
	var out []Call
	for _, c := range r.calls {
		if c.Status != StatusActive {
			continue
		}
		last := c.LastChargedAt
		if last.IsZero() {
			last = c.StartedAt
		}
		if !last.After(threshold) {
			out = append(out, *c)
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (r *memoryRepository) ChargeBlock(ctx context.Context, callID string, blockSeconds, blockCost int64) (ChargeOutcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.calls[callID]
	if !ok {
		return ChargeOutcome{}, ErrCallNotFound
	}
	if c.Status != StatusActive {
		return ChargeOutcome{Skipped: true, Call: *c}, nil
	}

	meta := ledger.PPMMeta{CallID: callID, BlockSeconds: blockSeconds}
	res, err := r.ledger.ApplyTransfer(ctx, c.FanID, c.CreatorID, blockCost, ledger.SubjectCall, callID, meta)
	if err != nil {
		if errors.Is(err, ledger.ErrInsufficientFunds) {
			c.Status = StatusEnded
			c.EndReason = EndReasonInsufficientFunds
			c.EndedAt = time.Now().UTC()
			w, werr := r.ledger.Wallet(ctx, c.FanID)
			if werr != nil {
				return ChargeOutcome{}, werr
			}
			return ChargeOutcome{Ended: true, FanBalance: w.Balance, Call: *c}, nil
		}
		return ChargeOutcome{}, err
	}

	c.BilledSeconds += blockSeconds
	c.TotalCostTokens += blockCost
	c.LastChargedAt = time.Now().UTC()
	return ChargeOutcome{Charged: true, FanBalance: res.FromBalance, Call: *c}, nil
}

func (r *memoryRepository) Pause(_ context.Context, id string) error {
	return r.transition(id, StatusPaused, StatusActive)
}

func (r *memoryRepository) Resume(_ context.Context, id string) error {
	return r.transition(id, StatusActive, StatusPaused)
}

func (r *memoryRepository) End(_ context.Context, id, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.calls[id]
	if !ok {
		return ErrCallNotFound
	}
	if c.Status == StatusEnded {
		return nil
	}
	c.Status = StatusEnded
	c.EndReason = reason
	c.EndedAt = time.Now().UTC()
	return nil
}

func (r *memoryRepository) transition(id string, to, from Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.calls[id]
	if !ok {
		return ErrCallNotFound
	}
	if c.Status == from {
		c.Status = to
	}
	return nil
}
