package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrInsufficientFunds occurs when the source wallet lacks balance to
	// cover a requested debit or transfer.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrWalletNotFound indicates the referenced wallet does not exist. Fatal
	// for the operation that raised it.
	ErrWalletNotFound = errors.New("wallet not found")
)

const (
	// SubjectCall marks entries produced by call metering.
	SubjectCall = "call"
	// SubjectPayout marks entries produced by payout settlement.
	SubjectPayout = "payout"
)

// Reason classifies a billing event. Each reason carries its own typed
// metadata payload.
type Reason string

const (
	// ReasonPPMCharge is a pay-per-minute block charge from fan to creator.
	ReasonPPMCharge Reason = "ppm_charge"
	// ReasonWithdrawalCompleted is the single-sided debit recorded when an
	// external payout transfer settles.
	ReasonWithdrawalCompleted Reason = "withdrawal_completed"
)

// Metadata is the reason-keyed payload attached to a billing event.
type Metadata interface {
	LedgerReason() Reason
}

// PPMMeta describes a metered call block charge.
type PPMMeta struct {
	CallID       string `json:"call_id"`
	BlockSeconds int64  `json:"block_seconds"`
}

// LedgerReason implements Metadata.
func (PPMMeta) LedgerReason() Reason { return ReasonPPMCharge }

// WithdrawalMeta describes a completed external payout transfer.
type WithdrawalMeta struct {
	BatchID          string `json:"batch_id"`
	ItemID           string `json:"item_id"`
	ProviderPayoutID string `json:"provider_payout_id"`
	AmountUSDCents   int64  `json:"amount_usd_cents"`
}

// LedgerReason implements Metadata.
func (WithdrawalMeta) LedgerReason() Reason { return ReasonWithdrawalCompleted }

// EncodeMetadata serializes a metadata payload for storage.
func EncodeMetadata(meta Metadata) ([]byte, error) {
	if meta == nil {
		return nil, nil
	}
	return json.Marshal(meta)
}

// Wallet is the mutable balance aggregate owned by a user. It is mutated only
// inside an exclusive-lock transaction that also appends a matching entry.
type Wallet struct {
	UserID         string
	Balance        int64
	LifetimeEarned int64
	LifetimeSpent  int64
	UpdatedAt      time.Time
}

// Entry is an immutable billing event. For any settlement event the deltas
// across all participants sum to zero, except single-sided entries whose
// counterpart lives at an external provider.
type Entry struct {
	ID          string
	SubjectType string
	SubjectID   string
	UserID      string
	DeltaTokens int64
	Reason      Reason
	Metadata    json.RawMessage
	CreatedAt   time.Time
}

// TransferResult captures the outcome of a symmetric ledger posting.
type TransferResult struct {
	FromBalance int64
	ToBalance   int64
}

// Ledger defines the contract implemented by ledger backends (e.g. Postgres).
// All mutation paths share one discipline: lock the wallet row, check the
// invariant, mutate the aggregate, append the entry, commit.
type Ledger interface {
	EnsureWallet(ctx context.Context, userID string) error
	Wallet(ctx context.Context, userID string) (Wallet, error)
	ApplyTransfer(ctx context.Context, fromUserID, toUserID string, amount int64, subjectType, subjectID string, meta Metadata) (TransferResult, error)
	ApplyCredit(ctx context.Context, userID string, amount int64, subjectType, subjectID string, meta Metadata) (int64, error)
	ApplyDebit(ctx context.Context, userID string, amount int64, subjectType, subjectID string, meta Metadata) (int64, error)
}
