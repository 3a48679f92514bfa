package payout

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

// PostgresStore persists payout batches and items in PostgreSQL.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore builds a store backed by PostgreSQL.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

const batchColumns = `id, batch_hash, schedule_type, cutoff_at, status,
    total_items, processed_items, successful_items, failed_items, created_at`

const itemColumns = `id, batch_id, creator_id, amount_tokens, amount_usd_cents,
    idempotency_key, status, retry_count, max_retries, provider_payout_id,
    error_code, error_message, created_at, updated_at`

// CreateBatch inserts the batch or fetches the existing one for its hash.
func (s *PostgresStore) CreateBatch(ctx context.Context, b Batch) (Batch, bool, error) {
	id, err := uuid.Parse(b.ID)
	if err != nil {
		return Batch{}, false, fmt.Errorf("parse batch id: %w", err)
	}

	tag, err := s.db.Exec(ctx, `INSERT INTO payout_batches
        (id, batch_hash, schedule_type, cutoff_at, status, total_items, processed_items, successful_items, failed_items)
        VALUES ($1, $2, $3, $4, $5, 0, 0, 0, 0)
        ON CONFLICT (batch_hash) DO NOTHING`,
		id, b.BatchHash, b.ScheduleType, b.CutoffAt.UTC(), string(BatchQueued))
	if err != nil {
		return Batch{}, false, err
	}

	row := s.db.QueryRow(ctx, `SELECT `+batchColumns+` FROM payout_batches WHERE batch_hash = $1`, b.BatchHash)
	stored, err := scanBatch(row)
	if err != nil {
		return Batch{}, false, err
	}
	return stored, tag.RowsAffected() > 0, nil
}

// GetBatch fetches a batch by identifier.
func (s *PostgresStore) GetBatch(ctx context.Context, id string) (Batch, error) {
	batchID, err := uuid.Parse(id)
	if err != nil {
		return Batch{}, fmt.Errorf("parse batch id: %w", err)
	}
	row := s.db.QueryRow(ctx, `SELECT `+batchColumns+` FROM payout_batches WHERE id = $1`, batchID)
	b, err := scanBatch(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Batch{}, ErrBatchNotFound
		}
		return Batch{}, err
	}
	return b, nil
}

// MarkBatchProcessing records the materialized item count and moves the batch
// out of queued.
func (s *PostgresStore) MarkBatchProcessing(ctx context.Context, batchID string, totalItems int) error {
	id, err := uuid.Parse(batchID)
	if err != nil {
		return fmt.Errorf("parse batch id: %w", err)
	}
	_, err = s.db.Exec(ctx, `UPDATE payout_batches
        SET total_items = $2, status = $3
        WHERE id = $1 AND status <> $4`,
		id, totalItems, string(BatchProcessing), string(BatchCompleted))
	return err
}

// TryCompleteBatch flips the batch to completed when all items are terminal.
func (s *PostgresStore) TryCompleteBatch(ctx context.Context, batchID string) (bool, error) {
	id, err := uuid.Parse(batchID)
	if err != nil {
		return false, fmt.Errorf("parse batch id: %w", err)
	}
	tag, err := s.db.Exec(ctx, `UPDATE payout_batches
        SET status = $2
        WHERE id = $1 AND status = $3 AND processed_items >= total_items`,
		id, string(BatchCompleted), string(BatchProcessing))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// CreateItem inserts the item unless its idempotency key already exists.
func (s *PostgresStore) CreateItem(ctx context.Context, item Item) (bool, error) {
	id, err := uuid.Parse(item.ID)
	if err != nil {
		return false, fmt.Errorf("parse item id: %w", err)
	}
	batchID, err := uuid.Parse(item.BatchID)
	if err != nil {
		return false, fmt.Errorf("parse batch id: %w", err)
	}
	creatorID, err := uuid.Parse(item.CreatorID)
	if err != nil {
		return false, fmt.Errorf("parse creator id: %w", err)
	}
	tag, err := s.db.Exec(ctx, `INSERT INTO payout_items
        (id, batch_id, creator_id, amount_tokens, amount_usd_cents, idempotency_key, status, retry_count, max_retries)
        VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $8)
        ON CONFLICT (idempotency_key) DO NOTHING`,
		id, batchID, creatorID, item.AmountTokens, item.AmountUSDCents,
		item.IdempotencyKey, string(ItemPending), item.MaxRetries)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// GetItem fetches an item by identifier.
func (s *PostgresStore) GetItem(ctx context.Context, id string) (Item, error) {
	itemID, err := uuid.Parse(id)
	if err != nil {
		return Item{}, fmt.Errorf("parse item id: %w", err)
	}
	row := s.db.QueryRow(ctx, `SELECT `+itemColumns+` FROM payout_items WHERE id = $1`, itemID)
	item, err := scanItem(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Item{}, ErrItemNotFound
		}
		return Item{}, err
	}
	return item, nil
}

// CountItems returns the number of items materialized for a batch.
func (s *PostgresStore) CountItems(ctx context.Context, batchID string) (int, error) {
	id, err := uuid.Parse(batchID)
	if err != nil {
		return 0, fmt.Errorf("parse batch id: %w", err)
	}
	var count int
	if err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM payout_items WHERE batch_id = $1`, id).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// ListChunk pages over all items of the batch in creation order. Offsets stay
// stable while concurrent chunks claim items because the page ignores status;
// the claim step turns already-handled items into no-ops.
func (s *PostgresStore) ListChunk(ctx context.Context, batchID string, offset, limit int) ([]Item, error) {
	id, err := uuid.Parse(batchID)
	if err != nil {
		return nil, fmt.Errorf("parse batch id: %w", err)
	}
	rows, err := s.db.Query(ctx, `SELECT `+itemColumns+` FROM payout_items
        WHERE batch_id = $1 ORDER BY created_at, id LIMIT $2 OFFSET $3`, id, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectItems(rows)
}

// ClaimItem moves a pending or retrying item to processing. Zero rows means
// another worker already holds the claim.
func (s *PostgresStore) ClaimItem(ctx context.Context, itemID string) (bool, error) {
	id, err := uuid.Parse(itemID)
	if err != nil {
		return false, fmt.Errorf("parse item id: %w", err)
	}
	tag, err := s.db.Exec(ctx, `UPDATE payout_items
        SET status = $2, updated_at = now()
        WHERE id = $1 AND status IN ($3, $4)`,
		id, string(ItemProcessing), string(ItemPending), string(ItemRetrying))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// CompleteItem settles a claimed item: item update, withdrawal ledger entry,
// and batch counters, all in one transaction.
func (s *PostgresStore) CompleteItem(ctx context.Context, item Item, providerPayoutID string) error {
	id, err := uuid.Parse(item.ID)
	if err != nil {
		return fmt.Errorf("parse item id: %w", err)
	}
	batchID, err := uuid.Parse(item.BatchID)
	if err != nil {
		return fmt.Errorf("parse batch id: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	tag, err := tx.Exec(ctx, `UPDATE payout_items
        SET status = $2, provider_payout_id = $3, updated_at = now()
        WHERE id = $1 AND status = $4`,
		id, string(ItemCompleted), providerPayoutID, string(ItemProcessing))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("item %s is not processing", item.ID)
	}

	meta := ledger.WithdrawalMeta{
		BatchID:          item.BatchID,
		ItemID:           item.ID,
		ProviderPayoutID: providerPayoutID,
		AmountUSDCents:   item.AmountUSDCents,
	}
	if _, err := ledger.DebitTx(ctx, tx, item.CreatorID, item.AmountTokens, ledger.SubjectPayout, item.ID, meta); err != nil {
		return err
	}

	if _, err := tx.Exec(ctx, `UPDATE payout_batches
        SET processed_items = processed_items + 1, successful_items = successful_items + 1
        WHERE id = $1`, batchID); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// FailItem records a failure and advances the retry bookkeeping.
func (s *PostgresStore) FailItem(ctx context.Context, itemID, errCode, errMsg string, terminal bool) (Item, error) {
	id, err := uuid.Parse(itemID)
	if err != nil {
		return Item{}, fmt.Errorf("parse item id: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Item{}, err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	row := tx.QueryRow(ctx, `UPDATE payout_items
        SET retry_count = retry_count + 1,
            status = CASE WHEN $4 OR retry_count + 1 >= max_retries THEN $5 ELSE $6 END,
            error_code = $2, error_message = $3, updated_at = now()
        WHERE id = $1 AND status = $7
        RETURNING `+itemColumns,
		id, errCode, errMsg, terminal, string(ItemFailed), string(ItemRetrying), string(ItemProcessing))
	item, err := scanItem(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Item{}, ErrItemNotFound
		}
		return Item{}, err
	}

	if item.Status == ItemFailed {
		batchID, err := uuid.Parse(item.BatchID)
		if err != nil {
			return Item{}, fmt.Errorf("parse batch id: %w", err)
		}
		if _, err := tx.Exec(ctx, `UPDATE payout_batches
            SET processed_items = processed_items + 1, failed_items = failed_items + 1
            WHERE id = $1`, batchID); err != nil {
			return Item{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Item{}, err
	}
	return item, nil
}

// ListRetryable returns items parked in retrying, younger than the age
// window and under their attempt cap.
func (s *PostgresStore) ListRetryable(ctx context.Context, notBefore time.Time, limit int) ([]Item, error) {
	rows, err := s.db.Query(ctx, `SELECT `+itemColumns+` FROM payout_items
        WHERE status = $1 AND created_at >= $2 AND retry_count < max_retries
        ORDER BY updated_at LIMIT $3`,
		string(ItemRetrying), notBefore.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectItems(rows)
}

// BatchTotals aggregates item counts for the status surface.
func (s *PostgresStore) BatchTotals(ctx context.Context, batchID string) (BatchTotals, error) {
	id, err := uuid.Parse(batchID)
	if err != nil {
		return BatchTotals{}, fmt.Errorf("parse batch id: %w", err)
	}
	const query = `SELECT COUNT(*),
        COUNT(*) FILTER (WHERE status = 'completed'),
        COUNT(*) FILTER (WHERE status = 'failed'),
        COUNT(*) FILTER (WHERE status NOT IN ('completed', 'failed')),
        COALESCE(SUM(amount_tokens), 0)
        FROM payout_items WHERE batch_id = $1`
	var t BatchTotals
	if err := s.db.QueryRow(ctx, query, id).Scan(&t.TotalPayouts, &t.PaidCount, &t.FailedCount, &t.ProcessingCount, &t.TotalAmountTokens); err != nil {
		return BatchTotals{}, err
	}
	return t, nil
}

// RecentBatches returns the latest batches, newest first.
func (s *PostgresStore) RecentBatches(ctx context.Context, limit int) ([]Batch, error) {
	rows, err := s.db.Query(ctx, `SELECT `+batchColumns+` FROM payout_batches
        ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// StuckBatches returns batches still processing past the threshold.
func (s *PostgresStore) StuckBatches(ctx context.Context, olderThan time.Time) ([]Batch, error) {
	rows, err := s.db.Query(ctx, `SELECT `+batchColumns+` FROM payout_batches
        WHERE status = $1 AND created_at < $2 ORDER BY created_at`,
		string(BatchProcessing), olderThan.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// FailedItemCount counts terminally failed items since the given time.
func (s *PostgresStore) FailedItemCount(ctx context.Context, since time.Time) (int, error) {
	var count int
	err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM payout_items
        WHERE status = $1 AND updated_at >= $2`,
		string(ItemFailed), since.UTC()).Scan(&count)
	return count, err
}

func scanBatch(row pgx.Row) (Batch, error) {
	var b Batch
	var id uuid.UUID
	var status string
	if err := row.Scan(&id, &b.BatchHash, &b.ScheduleType, &b.CutoffAt, &status,
		&b.TotalItems, &b.ProcessedItems, &b.SuccessfulItems, &b.FailedItems, &b.CreatedAt); err != nil {
		return Batch{}, err
	}
	b.ID = id.String()
	b.Status = BatchStatus(status)
	b.CutoffAt = b.CutoffAt.UTC()
	b.CreatedAt = b.CreatedAt.UTC()
	return b, nil
}

func scanItem(row pgx.Row) (Item, error) {
	var item Item
	var id, batchID, creatorID uuid.UUID
	var status string
	var providerPayoutID, errCode, errMsg *string
	if err := row.Scan(&id, &batchID, &creatorID, &item.AmountTokens, &item.AmountUSDCents,
		&item.IdempotencyKey, &status, &item.RetryCount, &item.MaxRetries,
		&providerPayoutID, &errCode, &errMsg, &item.CreatedAt, &item.UpdatedAt); err != nil {
		return Item{}, err
	}
	item.ID = id.String()
	item.BatchID = batchID.String()
	item.CreatorID = creatorID.String()
	item.Status = ItemStatus(status)
	if providerPayoutID != nil {
		item.ProviderPayoutID = *providerPayoutID
	}
	if errCode != nil {
		item.ErrorCode = *errCode
	}
	if errMsg != nil {
		item.ErrorMessage = *errMsg
	}
	item.CreatedAt = item.CreatedAt.UTC()
	item.UpdatedAt = item.UpdatedAt.UTC()
	return item, nil
}

func collectItems(rows pgx.Rows) ([]Item, error) {
	var out []Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}
