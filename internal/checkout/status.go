package checkout

// State is the single source of truth for the checkout flow. Every
// user-visible flag is a derived read of the current state snapshot;
// transitions happen in exactly one place (the coordinator's step loop).
type State string

const (
	StateIdle            State = "IDLE"
	StateCreatingBooking State = "CREATING_BOOKING"
	StateLoadingPayment  State = "LOADING_PAYMENT"
	StateWaiting         State = "WAITING"
	// StateExpired is the client-side soft expiry: the countdown lapsed
	// with no confirmation. Purely visual; the booking is not cancelled
	// server-side and the state can return to Waiting if the server
	// reports a fresh payment window.
	StateExpired    State = "EXPIRED"
	StateConfirmed  State = "CONFIRMED"
	StateCancelled  State = "CANCELLED"
	StateFatalError State = "FATAL_ERROR"
)

// String returns the string representation of State
func (s State) String() string {
	return string(s)
}

// IsTerminal reports whether the flow has converged. Terminal states are
// authoritative and commutative: whichever source (poll or push) reported
// one first wins, and later signals are no-ops.
func (s State) IsTerminal() bool {
	switch s {
	case StateConfirmed, StateCancelled, StateFatalError:
		return true
	}
	return false
}

// AcceptsPaymentSignals reports whether poll/push observations still
// drive transitions in this state
func (s State) AcceptsPaymentSignals() bool {
	switch s {
	case StateLoadingPayment, StateWaiting, StateExpired:
		return true
	}
	return false
}
