package payout

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// TransferRequest carries one external payout transfer. The idempotency key
// is the provider-level duplicate guard: retries across process restarts must
// reuse it.
type TransferRequest struct {
	AmountCents    int64
	Destination    string
	IdempotencyKey string
	Description    string
}

// TransferProvider represents a connector to the external money-movement
// provider. CreateTransfer returns the provider's transfer identifier.
type TransferProvider interface {
	CreateTransfer(ctx context.Context, req TransferRequest) (string, error)
}

// ProviderError is a classified failure from the transfer provider.
type ProviderError struct {
	Code      string
	Message   string
	Transient bool
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s: %s", e.Code, e.Message)
}

// IsTransientError reports whether a transfer failure is safe to retry.
// Unknown errors and timeouts count as transient: the idempotency key makes
// re-submission safe, while misclassifying a transient error as permanent
// would strand a payable item.
func IsTransientError(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Transient
	}
	return true
}

// StaticProvider simulates the transfer provider. It honors idempotency keys
// so repeated submissions return the original transfer identifier.
type StaticProvider struct {
	mu        sync.Mutex
	transfers map[string]string
	calls     int
}

// NewStaticProvider constructs the simulated provider.
func NewStaticProvider() *StaticProvider {
	return &StaticProvider{transfers: make(map[string]string)}
}

// CreateTransfer approves the transfer with a synthetic identifier.
func (p *StaticProvider) CreateTransfer(_ context.Context, req TransferRequest) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if id, ok := p.transfers[req.IdempotencyKey]; ok {
		return id, nil
	}
	id := "po_" + uuid.NewString()
	p.transfers[req.IdempotencyKey] = id
	return id, nil
}

// TransferCount returns the number of distinct transfers created.
func (p *StaticProvider) TransferCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.transfers)
}

// CallCount returns the number of CreateTransfer invocations.
func (p *StaticProvider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}
