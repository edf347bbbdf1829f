package payment

import (
	"context"
	"time"

	"rently/internal/marketplace"
)

// Outcome classifies a payment load
type Outcome int

const (
	// OutcomeWaiting means the payment is still pending; keep the session
	// alive and the countdown running.
	OutcomeWaiting Outcome = iota
	// OutcomeConfirmed means a success token was found; the flow is done.
	OutcomeConfirmed
	// OutcomeTerminalFailure means the server reports expired/cancelled;
	// the booking id is dead and a fresh booking is required.
	OutcomeTerminalFailure
)

// String returns the string representation of Outcome
func (o Outcome) String() string {
	switch o {
	case OutcomeWaiting:
		return "WAITING"
	case OutcomeConfirmed:
		return "CONFIRMED"
	case OutcomeTerminalFailure:
		return "TERMINAL_FAILURE"
	}
	return "UNKNOWN"
}

// LoadOptions control how a load is surfaced. Silent loads are background
// reconciliation ticks; their failures are logged, never shown. Manual
// loads report errors back to the user.
type LoadOptions struct {
	Silent bool
}

// Fetcher is the slice of the marketplace client the loader needs
type Fetcher interface {
	GetPayment(ctx context.Context, bookingID string) (*marketplace.PaymentPayload, error)
}

// Loader fetches and classifies the payment state for a booking
type Loader struct {
	api   Fetcher
	grace time.Duration
}

// NewLoader creates a payment status loader
func NewLoader(api Fetcher, grace time.Duration) *Loader {
	if grace <= 0 {
		grace = 15 * time.Minute
	}
	return &Loader{api: api, grace: grace}
}

// GracePeriod returns the configured payment grace period
func (l *Loader) GracePeriod() time.Duration {
	return l.grace
}

// Load fetches the server payment representation for a booking, normalizes
// it, and classifies the result. A network or server failure returns a
// non-nil error with no record; existing client state must not change.
func (l *Loader) Load(ctx context.Context, bookingID string, opts LoadOptions) (Outcome, *Record, error) {
	payload, err := l.api.GetPayment(ctx, bookingID)
	if err != nil {
		return OutcomeWaiting, nil, err
	}

	record := Normalize(payload, bookingID)

	switch {
	case record.IsConfirmed():
		return OutcomeConfirmed, &record, nil
	case record.IsTerminalFailure():
		return OutcomeTerminalFailure, &record, nil
	default:
		return OutcomeWaiting, &record, nil
	}
}
