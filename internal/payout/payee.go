package payout

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNoPayoutDestination indicates the creator has no verified payee account.
// Terminal for the item; resolving it requires creator action, not a retry.
var ErrNoPayoutDestination = errors.New("no payout destination")

// PayeeResolver maps a creator to their external payee account.
type PayeeResolver interface {
	Resolve(ctx context.Context, creatorID string) (string, error)
}

// PostgresPayeeResolver reads verified payee accounts from PostgreSQL.
type PostgresPayeeResolver struct {
	db *pgxpool.Pool
}

// NewPostgresPayeeResolver builds a resolver backed by PostgreSQL.
func NewPostgresPayeeResolver(db *pgxpool.Pool) *PostgresPayeeResolver {
	return &PostgresPayeeResolver{db: db}
}

// Resolve returns the creator's verified provider account.
func (r *PostgresPayeeResolver) Resolve(ctx context.Context, creatorID string) (string, error) {
	uid, err := uuid.Parse(creatorID)
	if err != nil {
		return "", fmt.Errorf("parse creator id: %w", err)
	}
	var account string
	err = r.db.QueryRow(ctx, `SELECT provider_account_id FROM payout_accounts
        WHERE user_id = $1 AND status = 'verified'`, uid).Scan(&account)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrNoPayoutDestination
		}
		return "", err
	}
	return account, nil
}

// StaticPayeeResolver is an in-memory resolver for tests.
type StaticPayeeResolver struct {
	mu       sync.Mutex
	accounts map[string]string
}

// NewStaticPayeeResolver constructs an empty in-memory resolver.
func NewStaticPayeeResolver() *StaticPayeeResolver {
	return &StaticPayeeResolver{accounts: make(map[string]string)}
}

// Register associates a creator with a payee account.
func (r *StaticPayeeResolver) Register(creatorID, account string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.accounts[creatorID] = account
}

// Resolve returns the registered account or ErrNoPayoutDestination.
func (r *StaticPayeeResolver) Resolve(_ context.Context, creatorID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	account, ok := r.accounts[creatorID]
	if !ok {
		return "", ErrNoPayoutDestination
	}
	return account, nil
}
