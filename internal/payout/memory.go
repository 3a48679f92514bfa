package payout

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/fanbeam/fanbeam/internal/ledger"
)

type memoryStore struct {
	mu         sync.Mutex
	ledger     ledger.Ledger
	batches    map[string]*Batch
	byHash     map[string]string
	items      map[string]*Item
	batchItems map[string][]string // item IDs in creation order
	seenKeys   map[string]bool
	seq        int64
}

// NewMemoryStore constructs an in-memory store for tests. Settlements debit
// the provided ledger with the same observable semantics as the Postgres
// transaction.
func NewMemoryStore(led ledger.Ledger) Store {
	return &memoryStore{
		ledger:     led,
		batches:    make(map[string]*Batch),
		byHash:     make(map[string]string),
		items:      make(map[string]*Item),
		batchItems: make(map[string][]string),
		seenKeys:   make(map[string]bool),
	}
}

// now returns strictly increasing timestamps so creation order survives sort.
func (s *memoryStore) now() time.Time {
	s.seq++
	return time.Now().UTC().Add(time.Duration(s.seq) * time.Microsecond)
}

func (s *memoryStore) CreateBatch(_ context.Context, b Batch) (Batch, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existingID, ok := s.byHash[b.BatchHash]; ok {
		return *s.batches[existingID], false, nil
	}
	stored := b
	stored.Status = BatchQueued
	stored.CreatedAt = s.now()
	s.batches[stored.ID] = &stored
	s.byHash[stored.BatchHash] = stored.ID
	return stored, true, nil
}

func (s *memoryStore) GetBatch(_ context.Context, id string) (Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[id]
	if !ok {
		return Batch{}, ErrBatchNotFound
	}
	return *b, nil
}

func (s *memoryStore) MarkBatchProcessing(_ context.Context, batchID string, totalItems int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[batchID]
	if !ok {
		return ErrBatchNotFound
	}
	if b.Status != BatchCompleted {
		b.TotalItems = totalItems
		b.Status = BatchProcessing
	}
	return nil
}

func (s *memoryStore) TryCompleteBatch(_ context.Context, batchID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[batchID]
	if !ok {
		return false, ErrBatchNotFound
	}
	if b.Status == BatchProcessing && b.ProcessedItems >= b.TotalItems {
		b.Status = BatchCompleted
		return true, nil
	}
	return false, nil
}

func (s *memoryStore) CreateItem(_ context.Context, item Item) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seenKeys[item.IdempotencyKey] {
		return false, nil
	}
	stored := item
	stored.Status = ItemPending
	stored.CreatedAt = s.now()
	stored.UpdatedAt = stored.CreatedAt
	s.items[stored.ID] = &stored
	s.batchItems[stored.BatchID] = append(s.batchItems[stored.BatchID], stored.ID)
	s.seenKeys[stored.IdempotencyKey] = true
	return true, nil
}

func (s *memoryStore) GetItem(_ context.Context, id string) (Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[id]
	if !ok {
		return Item{}, ErrItemNotFound
	}
	return *item, nil
}

func (s *memoryStore) CountItems(_ context.Context, batchID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.batchItems[batchID]), nil
}

func (s *memoryStore) ListChunk(_ context.Context, batchID string, offset, limit int) ([]Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.batchItems[batchID]
	if offset >= len(ids) {
		return nil, nil
	}
	end := offset + limit
	if end > len(ids) {
		end = len(ids)
	}
	out := make([]Item, 0, end-offset)
	for _, id := range ids[offset:end] {
		out = append(out, *s.items[id])
	}
	return out, nil
}

func (s *memoryStore) ClaimItem(_ context.Context, itemID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[itemID]
	if !ok {
		return false, ErrItemNotFound
	}
	if item.Status != ItemPending && item.Status != ItemRetrying {
		return false, nil
	}
	item.Status = ItemProcessing
	item.UpdatedAt = s.now()
	return true, nil
}

func (s *memoryStore) CompleteItem(ctx context.Context, item Item, providerPayoutID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.items[item.ID]
	if !ok {
		return ErrItemNotFound
	}
	if stored.Status != ItemProcessing {
		return ErrItemNotFound
	}

	meta := ledger.WithdrawalMeta{
		BatchID:          stored.BatchID,
		ItemID:           stored.ID,
		ProviderPayoutID: providerPayoutID,
		AmountUSDCents:   stored.AmountUSDCents,
	}
	if _, err := s.ledger.ApplyDebit(ctx, stored.CreatorID, stored.AmountTokens, ledger.SubjectPayout, stored.ID, meta); err != nil {
		return err
	}

	stored.Status = ItemCompleted
	stored.ProviderPayoutID = providerPayoutID
	stored.UpdatedAt = s.now()

	if b, ok := s.batches[stored.BatchID]; ok {
		b.ProcessedItems++
		b.SuccessfulItems++
	}
	return nil
}

func (s *memoryStore) FailItem(_ context.Context, itemID, errCode, errMsg string, terminal bool) (Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[itemID]
	if !ok {
		return Item{}, ErrItemNotFound
	}
	if item.Status != ItemProcessing {
		return Item{}, ErrItemNotFound
	}

	item.RetryCount++
	item.ErrorCode = errCode
	item.ErrorMessage = errMsg
	item.UpdatedAt = s.now()
	if terminal || item.RetryCount >= item.MaxRetries {
		item.Status = ItemFailed
		if b, ok := s.batches[item.BatchID]; ok {
			b.ProcessedItems++
			b.FailedItems++
		}
	} else {
		item.Status = ItemRetrying
	}
	return *item, nil
}

func (s *memoryStore) ListRetryable(_ context.Context, notBefore time.Time, limit int) ([]Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Item
	for _, item := range s.items {
		if item.Status != ItemRetrying {
			continue
		}
		if item.CreatedAt.Before(notBefore) {
			continue
		}
		if item.RetryCount >= item.MaxRetries {
			continue
		}
		out = append(out, *item)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memoryStore) BatchTotals(_ context.Context, batchID string) (BatchTotals, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.batches[batchID]; !ok {
		return BatchTotals{}, ErrBatchNotFound
	}
	var t BatchTotals
	for _, id := range s.batchItems[batchID] {
		item := s.items[id]
		t.TotalPayouts++
		t.TotalAmountTokens += item.AmountTokens
		switch item.Status {
		case ItemCompleted:
			t.PaidCount++
		case ItemFailed:
			t.FailedCount++
		default:
			t.ProcessingCount++
		}
	}
	return t, nil
}

func (s *memoryStore) RecentBatches(_ context.Context, limit int) ([]Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Batch
	for _, b := range s.batches {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memoryStore) StuckBatches(_ context.Context, olderThan time.Time) ([]Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Batch
	for _, b := range s.batches {
		if b.Status == BatchProcessing && b.CreatedAt.Before(olderThan) {
			out = append(out, *b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *memoryStore) FailedItemCount(_ context.Context, since time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, item := range s.items {
		if item.Status == ItemFailed && !item.UpdatedAt.Before(since) {
			count++
		}
	}
	return count, nil
}
