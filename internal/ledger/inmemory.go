package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type inMemoryLedger struct {
	mu      sync.Mutex
	wallets map[string]*Wallet
	entries []Entry
}

// NewInMemory creates a concurrency-safe in-memory ledger useful for unit
// tests. A single mutex stands in for the database's row locks, so every
// operation observes the same all-or-nothing semantics as the Postgres
// backend.
func NewInMemory() Ledger {
	return &inMemoryLedger{wallets: make(map[string]*Wallet)}
}

func (l *inMemoryLedger) EnsureWallet(_ context.Context, userID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.wallets[userID]; !exists {
		l.wallets[userID] = &Wallet{UserID: userID, UpdatedAt: time.Now().UTC()}
	}
	return nil
}

func (l *inMemoryLedger) Wallet(_ context.Context, userID string) (Wallet, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	w, ok := l.wallets[userID]
	if !ok {
		return Wallet{}, ErrWalletNotFound
	}
	return *w, nil
}

func (l *inMemoryLedger) ApplyTransfer(_ context.Context, fromUserID, toUserID string, amount int64, subjectType, subjectID string, meta Metadata) (TransferResult, error) {
	if amount <= 0 {
		return TransferResult{}, ErrInsufficientFunds
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	from, ok := l.wallets[fromUserID]
	if !ok {
		return TransferResult{}, ErrWalletNotFound
	}
	to, ok := l.wallets[toUserID]
	if !ok {
		return TransferResult{}, ErrWalletNotFound
	}

	if from.Balance < amount {
		return TransferResult{}, ErrInsufficientFunds
	}

	from.Balance -= amount
	from.LifetimeSpent += amount
	to.Balance += amount
	to.LifetimeEarned += amount
	from.UpdatedAt = time.Now().UTC()
	to.UpdatedAt = from.UpdatedAt

	l.appendEntry(subjectType, subjectID, fromUserID, -amount, meta)
	l.appendEntry(subjectType, subjectID, toUserID, amount, meta)

	return TransferResult{FromBalance: from.Balance, ToBalance: to.Balance}, nil
}

func (l *inMemoryLedger) ApplyCredit(_ context.Context, userID string, amount int64, subjectType, subjectID string, meta Metadata) (int64, error) {
	if amount <= 0 {
		return 0, ErrInsufficientFunds
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.wallets[userID]
	if !ok {
		return 0, ErrWalletNotFound
	}

	w.Balance += amount
	w.UpdatedAt = time.Now().UTC()
	l.appendEntry(subjectType, subjectID, userID, amount, meta)
	return w.Balance, nil
}

func (l *inMemoryLedger) ApplyDebit(_ context.Context, userID string, amount int64, subjectType, subjectID string, meta Metadata) (int64, error) {
	if amount <= 0 {
		return 0, ErrInsufficientFunds
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.wallets[userID]
	if !ok {
		return 0, ErrWalletNotFound
	}
	if w.Balance < amount {
		return 0, ErrInsufficientFunds
	}

	w.Balance -= amount
	w.UpdatedAt = time.Now().UTC()
	l.appendEntry(subjectType, subjectID, userID, -amount, meta)
	return w.Balance, nil
}

func (l *inMemoryLedger) appendEntry(subjectType, subjectID, userID string, delta int64, meta Metadata) {
	var reason Reason
	if meta != nil {
		reason = meta.LedgerReason()
	}
	payload, _ := EncodeMetadata(meta)
	l.entries = append(l.entries, Entry{
		ID:          uuid.NewString(),
		SubjectType: subjectType,
		SubjectID:   subjectID,
		UserID:      userID,
		DeltaTokens: delta,
		Reason:      reason,
		Metadata:    payload,
		CreatedAt:   time.Now().UTC(),
	})
}
