package notification

import (
	"context"
	"log/slog"
)

const (
	// KindCallEnded indicates a call was terminated, e.g. on insufficient funds.
	KindCallEnded = "call_ended"
	// KindPayoutCompleted indicates a creator payout item settled successfully.
	KindPayoutCompleted = "payout_completed"
	// KindPayoutFailed indicates a payout item exhausted retries or hit a terminal error.
	KindPayoutFailed = "payout_failed"
)

// Event describes a domain event published to downstream systems. The core
// never depends on a concrete pub/sub mechanism; this port is the boundary.
type Event struct {
	Kind    string
	Subject string
	UserID  string
	Reason  string
	Detail  map[string]string
}

// Notifier delivers domain events to downstream systems.
type Notifier interface {
	Publish(ctx context.Context, event Event) error
}

// LoggerNotifier is a stub implementation that writes events to the logger.
type LoggerNotifier struct {
	logger *slog.Logger
}

// NewLoggerNotifier constructs a logging notifier stub.
func NewLoggerNotifier(logger *slog.Logger) *LoggerNotifier {
	return &LoggerNotifier{logger: logger}
}

// Publish writes the event to the structured logger.
func (n *LoggerNotifier) Publish(_ context.Context, event Event) error {
	if n == nil || n.logger == nil {
		return nil
	}
	n.logger.Info("domain event",
		"kind", event.Kind,
		"subject", event.Subject,
		"user_id", event.UserID,
		"reason", event.Reason,
	)
	return nil
}
