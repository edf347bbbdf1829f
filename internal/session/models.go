package session

// Session is the durable record of a payment in progress for one vehicle.
// It is what lets a returning client resume a checkout instead of creating
// a duplicate booking.
type Session struct {
	BookingID   string  `json:"bookingId"`
	PaymentCode string  `json:"paymentCode,omitempty"`
	Amount      float64 `json:"amount,omitempty"`
	CreatedAt   int64   `json:"createdAt"` // epoch milliseconds

	// OwnerToken is an opaque token identifying the coordinator instance
	// that created the session. Used by PutCAS to reject overwrites from
	// a different owner.
	OwnerToken string `json:"ownerToken,omitempty"`
}
