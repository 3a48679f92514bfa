package call

import "time"

// Status enumerates the call lifecycle states. Calls are never deleted; an
// ended call survives as soft state.
type Status string

const (
	StatusActive Status = "active"
	StatusPaused Status = "paused"
	StatusEnded  Status = "ended"
)

const (
	// EndReasonInsufficientFunds marks calls terminated by the metering
	// engine when the fan could not cover the next block.
	EndReasonInsufficientFunds = "insufficient_funds"
)

// Call represents a pay-per-minute session between a fan and a creator.
// Billing fields are mutated only by the metering engine; status also moves
// on lifecycle events.
type Call struct {
	ID               string
	CreatorID        string
	FanID            string
	RateTokensPerMin int64
	BilledSeconds    int64
	TotalCostTokens  int64
	Status           Status
	StartedAt        time.Time
	LastChargedAt    time.Time
	EndedAt          time.Time
	EndReason        string
}

// BlockCost returns the token cost of one billing block, rounding up so a
// partial token still charges whole tokens.
func BlockCost(ratePerMin, blockSeconds int64) int64 {
	return (ratePerMin*blockSeconds + 59) / 60
}
