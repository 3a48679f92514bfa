package payout

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// EligibleCreator is one creator payable in a cycle.
type EligibleCreator struct {
	CreatorID    string
	AmountTokens int64
}

// EligibilitySource computes which creators are payable as of a cutoff. The
// exact formula (aggregation window, hold interaction) is this port's
// contract; the settlement core only consumes the result.
type EligibilitySource interface {
	EligibleCreators(ctx context.Context, cutoffAt time.Time, minTokens int64) ([]EligibleCreator, error)
}

// PostgresEligibility derives payable balances from wallets, excluding tokens
// earned inside the chargeback hold window.
type PostgresEligibility struct {
	db         *pgxpool.Pool
	holdWindow time.Duration
}

// NewPostgresEligibility builds the eligibility query with the given hold window.
func NewPostgresEligibility(db *pgxpool.Pool, holdWindow time.Duration) *PostgresEligibility {
	return &PostgresEligibility{db: db, holdWindow: holdWindow}
}

// EligibleCreators returns creators whose available balance meets the minimum.
func (e *PostgresEligibility) EligibleCreators(ctx context.Context, cutoffAt time.Time, minTokens int64) ([]EligibleCreator, error) {
	holdStart := cutoffAt.UTC().Add(-e.holdWindow)
	const query = `SELECT w.user_id, w.balance - COALESCE(h.held, 0) AS available
        FROM wallets w
        LEFT JOIN (
            SELECT user_id, SUM(delta_tokens) AS held
            FROM ledger_entries
            WHERE delta_tokens > 0 AND created_at > $1
            GROUP BY user_id
        ) h ON h.user_id = w.user_id
        WHERE w.balance - COALESCE(h.held, 0) >= $2
        ORDER BY w.user_id`
	rows, err := e.db.Query(ctx, query, holdStart, minTokens)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EligibleCreator
	for rows.Next() {
		var ec EligibleCreator
		if err := rows.Scan(&ec.CreatorID, &ec.AmountTokens); err != nil {
			return nil, err
		}
		out = append(out, ec)
	}
	return out, rows.Err()
}

// StaticEligibility returns a fixed creator list. Useful for tests.
type StaticEligibility struct {
	Creators []EligibleCreator
}

// EligibleCreators returns the fixed list, applying the minimum threshold.
func (s StaticEligibility) EligibleCreators(_ context.Context, _ time.Time, minTokens int64) ([]EligibleCreator, error) {
	var out []EligibleCreator
	for _, ec := range s.Creators {
		if ec.AmountTokens >= minTokens {
			out = append(out, ec)
		}
	}
	return out, nil
}
