package call

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fanbeam/fanbeam/internal/ledger"
)

// PostgresRepository stores calls in PostgreSQL and settles block charges
// against the wallet ledger inside a single transaction.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository builds a repository backed by PostgreSQL.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Create inserts a call record.
func (r *PostgresRepository) Create(ctx context.Context, c Call) error {
	id, err := uuid.Parse(c.ID)
	if err != nil {
		return fmt.Errorf("parse call id: %w", err)
	}
	creatorID, err := uuid.Parse(c.CreatorID)
	if err != nil {
		return fmt.Errorf("parse creator id: %w", err)
	}
	fanID, err := uuid.Parse(c.FanID)
	if err != nil {
		return fmt.Errorf("parse fan id: %w", err)
	}
	_, err = r.db.Exec(ctx, `INSERT INTO calls
        (id, creator_id, fan_id, rate_tokens_per_min, billed_seconds, total_cost_tokens, status, started_at)
        VALUES ($1, $2, $3, $4, 0, 0, $5, $6)`,
		id, creatorID, fanID, c.RateTokensPerMin, string(c.Status), c.StartedAt.UTC())
	return err
}

// Get fetches a call by identifier.
func (r *PostgresRepository) Get(ctx context.Context, id string) (Call, error) {
	callID, err := uuid.Parse(id)
	if err != nil {
		return Call{}, fmt.Errorf("parse call id: %w", err)
	}
	row := r.db.QueryRow(ctx, `SELECT id, creator_id, fan_id, rate_tokens_per_min, billed_seconds,
        total_cost_tokens, status, started_at, last_charged_at, ended_at, end_reason
        FROM calls WHERE id = $1`, callID)
	c, err := scanCall(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Call{}, ErrCallNotFound
		}
		return Call{}, err
	}
	return c, nil
}

// ListChargeable returns active calls whose last charge (or start) is at
// least one block old, oldest first.
func (r *PostgresRepository) ListChargeable(ctx context.Context, asOf time.Time, blockSeconds int64, limit int) ([]Call, error) {
	threshold := asOf.UTC().Add(-time.Duration(blockSeconds) * time.Second)
	rows, err := r.db.Query(ctx, `SELECT id, creator_id, fan_id, rate_tokens_per_min, billed_seconds,
        total_cost_tokens, status, started_at, last_charged_at, ended_at, end_reason
        FROM calls
        WHERE status = 'active' AND COALESCE(last_charged_at, started_at) <= $1
        ORDER BY COALESCE(last_charged_at, started_at)
        LIMIT $2`, threshold, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Call
	for rows.Next() {
		c, err := scanCall(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ChargeBlock bills one block of the call. The call row is locked first, then
// the wallets, keeping the global lock order fixed. Insufficient funds ends
// the call and commits only the status flip.
func (r *PostgresRepository) ChargeBlock(ctx context.Context, callID string, blockSeconds, blockCost int64) (ChargeOutcome, error) {
	id, err := uuid.Parse(callID)
	if err != nil {
		return ChargeOutcome{}, fmt.Errorf("parse call id: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return ChargeOutcome{}, err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	row := tx.QueryRow(ctx, `SELECT id, creator_id, fan_id, rate_tokens_per_min, billed_seconds,
        total_cost_tokens, status, started_at, last_charged_at, ended_at, end_reason
        FROM calls WHERE id = $1 FOR UPDATE`, id)
	c, err := scanCall(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ChargeOutcome{}, ErrCallNotFound
		}
		return ChargeOutcome{}, err
	}

	if c.Status != StatusActive {
		return ChargeOutcome{Skipped: true, Call: c}, nil
	}

	meta := ledger.PPMMeta{CallID: callID, BlockSeconds: blockSeconds}
	res, err := ledger.TransferTx(ctx, tx, c.FanID, c.CreatorID, blockCost, ledger.SubjectCall, callID, meta)
	if err != nil {
		if errors.Is(err, ledger.ErrInsufficientFunds) {
			now := time.Now().UTC()
			if _, err := tx.Exec(ctx, `UPDATE calls SET status = 'ended', end_reason = $2, ended_at = $3
                WHERE id = $1`, id, EndReasonInsufficientFunds, now); err != nil {
				return ChargeOutcome{}, err
			}

			var fanBalance int64
			fanID, _ := uuid.Parse(c.FanID)
			if err := tx.QueryRow(ctx, `SELECT balance FROM wallets WHERE user_id = $1`, fanID).Scan(&fanBalance); err != nil {
				return ChargeOutcome{}, err
			}

			if err := tx.Commit(ctx); err != nil {
				return ChargeOutcome{}, err
			}

			c.Status = StatusEnded
			c.EndReason = EndReasonInsufficientFunds
			c.EndedAt = now
			return ChargeOutcome{Ended: true, FanBalance: fanBalance, Call: c}, nil
		}
		return ChargeOutcome{}, err
	}

	now := time.Now().UTC()
	if _, err := tx.Exec(ctx, `UPDATE calls
        SET billed_seconds = billed_seconds + $2,
            total_cost_tokens = total_cost_tokens + $3,
            last_charged_at = $4
        WHERE id = $1`, id, blockSeconds, blockCost, now); err != nil {
		return ChargeOutcome{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return ChargeOutcome{}, err
	}

	c.BilledSeconds += blockSeconds
	c.TotalCostTokens += blockCost
	c.LastChargedAt = now
	return ChargeOutcome{Charged: true, FanBalance: res.FromBalance, Call: c}, nil
}

// Pause moves an active call to paused. Racing an end or an earlier pause is
// a no-op.
func (r *PostgresRepository) Pause(ctx context.Context, id string) error {
	return r.setStatus(ctx, id, StatusPaused, StatusActive)
}

// Resume moves a paused call back to active.
func (r *PostgresRepository) Resume(ctx context.Context, id string) error {
	return r.setStatus(ctx, id, StatusActive, StatusPaused)
}

// End terminates a call with the given reason. Idempotent.
func (r *PostgresRepository) End(ctx context.Context, id, reason string) error {
	callID, err := uuid.Parse(id)
	if err != nil {
		return fmt.Errorf("parse call id: %w", err)
	}
	_, err = r.db.Exec(ctx, `UPDATE calls SET status = 'ended', end_reason = $2, ended_at = now()
        WHERE id = $1 AND status <> 'ended'`, callID, reason)
	return err
}

func (r *PostgresRepository) setStatus(ctx context.Context, id string, to, from Status) error {
	callID, err := uuid.Parse(id)
	if err != nil {
		return fmt.Errorf("parse call id: %w", err)
	}
	_, err = r.db.Exec(ctx, `UPDATE calls SET status = $2 WHERE id = $1 AND status = $3`,
		callID, string(to), string(from))
	return err
}

func scanCall(row pgx.Row) (Call, error) {
	var c Call
	var id, creatorID, fanID uuid.UUID
	var status string
	var lastCharged, endedAt *time.Time
	var endReason *string
	if err := row.Scan(&id, &creatorID, &fanID, &c.RateTokensPerMin, &c.BilledSeconds,
		&c.TotalCostTokens, &status, &c.StartedAt, &lastCharged, &endedAt, &endReason); err != nil {
		return Call{}, err
	}
	c.ID = id.String()
	c.CreatorID = creatorID.String()
	c.FanID = fanID.String()
	c.Status = Status(status)
	if lastCharged != nil {
		c.LastChargedAt = lastCharged.UTC()
	}
	if endedAt != nil {
		c.EndedAt = endedAt.UTC()
	}
	if endReason != nil {
		c.EndReason = *endReason
	}
	return c, nil
}
