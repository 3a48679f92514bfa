package payout

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// BatchStatus enumerates payout batch states.
type BatchStatus string

const (
	BatchQueued     BatchStatus = "queued"
	BatchProcessing BatchStatus = "processing"
	BatchCompleted  BatchStatus = "completed"
)

// ItemStatus enumerates payout item states.
type ItemStatus string

const (
	ItemPending    ItemStatus = "pending"
	ItemProcessing ItemStatus = "processing"
	ItemCompleted  ItemStatus = "completed"
	ItemRetrying   ItemStatus = "retrying"
	ItemFailed     ItemStatus = "failed"
)

// ScheduleSemiMonthly is the twice-monthly creator payout cycle.
const ScheduleSemiMonthly = "semi_monthly"

// Batch is one payout cycle. BatchHash is unique, so re-triggering a cycle
// fetches the existing batch instead of creating a duplicate.
type Batch struct {
	ID              string
	BatchHash       string
	ScheduleType    string
	CutoffAt        time.Time
	Status          BatchStatus
	TotalItems      int
	ProcessedItems  int
	SuccessfulItems int
	FailedItems     int
	CreatedAt       time.Time
}

// Item is one creator's payout within a batch. The idempotency key is unique
// per (batch, creator) and doubles as the provider-level duplicate guard, so
// at most one successful external transfer can ever exist for it.
type Item struct {
	ID               string
	BatchID          string
	CreatorID        string
	AmountTokens     int64
	AmountUSDCents   int64
	IdempotencyKey   string
	Status           ItemStatus
	RetryCount       int
	MaxRetries       int
	ProviderPayoutID string
	ErrorCode        string
	ErrorMessage     string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// BatchHashFor derives the idempotency key for batch creation from the cycle
// cutoff and schedule type.
func BatchHashFor(cutoffAt time.Time, scheduleType string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%s", cutoffAt.UTC().Format(time.RFC3339), scheduleType)))
	return hex.EncodeToString(sum[:])
}

// ItemIdempotencyKey derives the per-item idempotency key.
func ItemIdempotencyKey(batchID, creatorID string) string {
	return batchID + ":" + creatorID
}

// CycleCutoff maps a calendar date to its semi-monthly cutoff: midnight UTC
// on the 1st for the first half of the month, on the 16th for the second.
// Every date in the same half resolves to the same cutoff, and through
// BatchHashFor to the same batch.
func CycleCutoff(d time.Time) time.Time {
	d = d.UTC()
	day := 1
	if d.Day() >= 16 {
		day = 16
	}
	return time.Date(d.Year(), d.Month(), day, 0, 0, 0, 0, time.UTC)
}
