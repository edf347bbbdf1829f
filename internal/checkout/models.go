package checkout

import (
	"time"

	"rently/internal/countdown"
	"rently/internal/payment"
)

// Quote is the immutable fee breakdown the user confirmed. Owned by the
// booking form; the coordinator only reads it.
type Quote struct {
	RentalFee    float64 `json:"rental_fee" binding:"required,gt=0"`
	InsuranceFee float64 `json:"insurance_fee" binding:"gte=0"`
	VAT          float64 `json:"vat" binding:"gte=0"`
	Deposit      float64 `json:"deposit" binding:"gte=0"`
	TotalAmount  float64 `json:"total_amount" binding:"required,gt=0"`
}

// AdvanceInput carries everything the confirmation step collected
type AdvanceInput struct {
	Quote         *Quote
	StartDate     time.Time
	EndDate       time.Time
	PickupLat     float64
	PickupLng     float64
	PickupAddress string
	Notes         string
	Agreed        bool

	// Restart clears a sticky fatal error and runs the flow again. An
	// Advance without it while a fatal error is pending is rejected with
	// that same error.
	Restart bool
}

// ErrorKind classifies checkout failures
type ErrorKind string

const (
	// ErrorValidation: missing quote/dates/agreement; resolved locally,
	// never reaches the network
	ErrorValidation ErrorKind = "VALIDATION"
	// ErrorEligibility: driver license not verified; sticky until the
	// user acts
	ErrorEligibility ErrorKind = "ELIGIBILITY"
	// ErrorTransient: network/5xx on poll or cancel; retried by the next
	// scheduled action
	ErrorTransient ErrorKind = "TRANSIENT"
	// ErrorTerminalPayment: server reports expired/cancelled; requires
	// starting over
	ErrorTerminalPayment ErrorKind = "TERMINAL_PAYMENT"
	// ErrorConflict: vehicle already has a payment in progress owned by
	// another session
	ErrorConflict ErrorKind = "CONFLICT"
)

// FlowError is a classified checkout error
type FlowError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

func (e *FlowError) Error() string {
	return e.Message
}

func newFlowError(kind ErrorKind, message string) *FlowError {
	return &FlowError{Kind: kind, Message: message}
}

// User-facing messages for translated failures
const (
	msgLicenseNotVerified = "Your driver license has not been verified. Please verify it in your profile before booking."
	msgPaymentDead        = "This payment has expired or was cancelled. Please start a new booking."
	msgVehicleReserved    = "This vehicle already has a payment in progress from another session."
)

// PushEvent is the payload of a realtime payment message. The server does
// not guarantee both identifiers are populated; either match suffices.
type PushEvent struct {
	BookingID   string `json:"bookingId"`
	PaymentCode string `json:"paymentCode"`
	Status      string `json:"status"`
	Message     string `json:"message"`
}

// Matches reports whether the event refers to the given booking
func (p *PushEvent) Matches(bookingID, paymentCode string) bool {
	if p.BookingID != "" && bookingID != "" && p.BookingID == bookingID {
		return true
	}
	if p.PaymentCode != "" && paymentCode != "" && p.PaymentCode == paymentCode {
		return true
	}
	return false
}

// IndicatesSuccess reports whether the event's status or message carries a
// success token
func (p *PushEvent) IndicatesSuccess() bool {
	return payment.ContainsSuccessToken(p.Status) || payment.ContainsSuccessToken(p.Message)
}

// Snapshot is the derived, read-only view of one checkout flow
type Snapshot struct {
	State        State              `json:"state"`
	VehicleID    string             `json:"vehicle_id"`
	BookingID    string             `json:"booking_id,omitempty"`
	Payment      *payment.Record    `json:"payment,omitempty"`
	Countdown    countdown.Snapshot `json:"countdown"`
	QRLink       string             `json:"qr_link,omitempty"`
	FatalError   *FlowError         `json:"fatal_error,omitempty"`
	LastError    string             `json:"last_error,omitempty"`
	ChannelState string             `json:"channel_state,omitempty"`
}
