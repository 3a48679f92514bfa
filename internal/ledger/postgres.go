package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresLedger persists wallets and billing events in PostgreSQL.
type PostgresLedger struct {
	db *pgxpool.Pool
}

// NewPostgresLedger constructs a Postgres-backed ledger implementation.
func NewPostgresLedger(db *pgxpool.Pool) *PostgresLedger {
	return &PostgresLedger{db: db}
}

// EnsureWallet guarantees a wallet row exists for the provided user.
func (l *PostgresLedger) EnsureWallet(ctx context.Context, userID string) error {
	uid, err := uuid.Parse(userID)
	if err != nil {
		return fmt.Errorf("parse user id: %w", err)
	}
	_, err = l.db.Exec(ctx, `INSERT INTO wallets (user_id, balance, lifetime_earned, lifetime_spent)
        VALUES ($1, 0, 0, 0) ON CONFLICT (user_id) DO NOTHING`, uid)
	return err
}

// Wallet returns the balance aggregate for the user.
func (l *PostgresLedger) Wallet(ctx context.Context, userID string) (Wallet, error) {
	uid, err := uuid.Parse(userID)
	if err != nil {
		return Wallet{}, fmt.Errorf("parse user id: %w", err)
	}
	const query = `SELECT balance, lifetime_earned, lifetime_spent, updated_at
        FROM wallets WHERE user_id = $1`
	var w Wallet
	w.UserID = userID
	if err := l.db.QueryRow(ctx, query, uid).Scan(&w.Balance, &w.LifetimeEarned, &w.LifetimeSpent, &w.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Wallet{}, ErrWalletNotFound
		}
		return Wallet{}, err
	}
	return w, nil
}

// ApplyTransfer moves tokens between two wallets and appends the balanced
// entry pair, all inside one transaction.
func (l *PostgresLedger) ApplyTransfer(ctx context.Context, fromUserID, toUserID string, amount int64, subjectType, subjectID string, meta Metadata) (TransferResult, error) {
	tx, err := l.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return TransferResult{}, err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	res, err := TransferTx(ctx, tx, fromUserID, toUserID, amount, subjectType, subjectID, meta)
	if err != nil {
		return TransferResult{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return TransferResult{}, err
	}
	return res, nil
}

// ApplyCredit adds tokens to a wallet with a single-sided entry.
func (l *PostgresLedger) ApplyCredit(ctx context.Context, userID string, amount int64, subjectType, subjectID string, meta Metadata) (int64, error) {
	tx, err := l.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	balance, err := CreditTx(ctx, tx, userID, amount, subjectType, subjectID, meta)
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return balance, nil
}

// ApplyDebit removes tokens from a wallet with a single-sided entry.
func (l *PostgresLedger) ApplyDebit(ctx context.Context, userID string, amount int64, subjectType, subjectID string, meta Metadata) (int64, error) {
	tx, err := l.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	balance, err := DebitTx(ctx, tx, userID, amount, subjectType, subjectID, meta)
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return balance, nil
}

// TransferTx performs the lock-then-mutate-then-append transfer inside an
// existing transaction. Wallets are locked in from-then-to order; every call
// site charges fan-then-creator, which keeps the global lock order fixed.
func TransferTx(ctx context.Context, tx pgx.Tx, fromUserID, toUserID string, amount int64, subjectType, subjectID string, meta Metadata) (TransferResult, error) {
	if amount <= 0 {
		return TransferResult{}, fmt.Errorf("amount must be positive")
	}

	fromBalance, err := lockWallet(ctx, tx, fromUserID)
	if err != nil {
		return TransferResult{}, err
	}
	toBalance, err := lockWallet(ctx, tx, toUserID)
	if err != nil {
		return TransferResult{}, err
	}

	if fromBalance < amount {
		return TransferResult{}, ErrInsufficientFunds
	}

	if err := updateWallet(ctx, tx, fromUserID, -amount, 0, amount); err != nil {
		return TransferResult{}, err
	}
	if err := updateWallet(ctx, tx, toUserID, amount, amount, 0); err != nil {
		return TransferResult{}, err
	}

	if err := insertEntry(ctx, tx, subjectType, subjectID, fromUserID, -amount, meta); err != nil {
		return TransferResult{}, err
	}
	if err := insertEntry(ctx, tx, subjectType, subjectID, toUserID, amount, meta); err != nil {
		return TransferResult{}, err
	}

	return TransferResult{FromBalance: fromBalance - amount, ToBalance: toBalance + amount}, nil
}

// CreditTx adds tokens to a wallet inside an existing transaction.
func CreditTx(ctx context.Context, tx pgx.Tx, userID string, amount int64, subjectType, subjectID string, meta Metadata) (int64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("amount must be positive")
	}

	balance, err := lockWallet(ctx, tx, userID)
	if err != nil {
		return 0, err
	}
	if err := updateWallet(ctx, tx, userID, amount, 0, 0); err != nil {
		return 0, err
	}
	if err := insertEntry(ctx, tx, subjectType, subjectID, userID, amount, meta); err != nil {
		return 0, err
	}
	return balance + amount, nil
}

// DebitTx removes tokens from a wallet inside an existing transaction.
func DebitTx(ctx context.Context, tx pgx.Tx, userID string, amount int64, subjectType, subjectID string, meta Metadata) (int64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("amount must be positive")
	}

	balance, err := lockWallet(ctx, tx, userID)
	if err != nil {
		return 0, err
	}
	if balance < amount {
		return 0, ErrInsufficientFunds
	}
	if err := updateWallet(ctx, tx, userID, -amount, 0, 0); err != nil {
		return 0, err
	}
	if err := insertEntry(ctx, tx, subjectType, subjectID, userID, -amount, meta); err != nil {
		return 0, err
	}
	return balance - amount, nil
}

func lockWallet(ctx context.Context, tx pgx.Tx, userID string) (int64, error) {
	uid, err := uuid.Parse(userID)
	if err != nil {
		return 0, fmt.Errorf("parse user id: %w", err)
	}
	const query = `SELECT balance FROM wallets WHERE user_id = $1 FOR UPDATE`
	var balance int64
	if err := tx.QueryRow(ctx, query, uid).Scan(&balance); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("wallet for user %s: %w", userID, ErrWalletNotFound)
		}
		return 0, err
	}
	return balance, nil
}

func updateWallet(ctx context.Context, tx pgx.Tx, userID string, deltaBalance, deltaEarned, deltaSpent int64) error {
	uid, err := uuid.Parse(userID)
	if err != nil {
		return fmt.Errorf("parse user id: %w", err)
	}
	_, err = tx.Exec(ctx, `UPDATE wallets
        SET balance = balance + $2,
            lifetime_earned = lifetime_earned + $3,
            lifetime_spent = lifetime_spent + $4,
            updated_at = now()
        WHERE user_id = $1`, uid, deltaBalance, deltaEarned, deltaSpent)
	return err
}

func insertEntry(ctx context.Context, tx pgx.Tx, subjectType, subjectID, userID string, delta int64, meta Metadata) error {
	uid, err := uuid.Parse(userID)
	if err != nil {
		return fmt.Errorf("parse user id: %w", err)
	}
	var reason Reason
	if meta != nil {
		reason = meta.LedgerReason()
	}
	payload, err := EncodeMetadata(meta)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	_, err = tx.Exec(ctx, `INSERT INTO ledger_entries
        (id, subject_type, subject_id, user_id, delta_tokens, reason, metadata)
        VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		uuid.New(), subjectType, subjectID, uid, delta, string(reason), payload)
	return err
}
