package marketplace

import "time"

// CreateBookingRequest is the body for POST /booking. Fees are the rounded
// breakdown the user confirmed; dates go on the wire as ISO-8601 UTC.
type CreateBookingRequest struct {
	VehicleID     string    `json:"vehicleId"`
	StartDate     time.Time `json:"-"`
	EndDate       time.Time `json:"-"`
	PickupLat     float64   `json:"pickupLat"`
	PickupLng     float64   `json:"pickupLng"`
	PickupAddress string    `json:"pickupAddress"`
	RentalFee     float64   `json:"rentalFee"`
	InsuranceFee  float64   `json:"insuranceFee"`
	VAT           float64   `json:"vat"`
	Deposit       float64   `json:"deposit"`
	TotalAmount   float64   `json:"totalAmount"`
	Notes         string    `json:"notes,omitempty"`
}

// PaymentPayload is the raw server payment representation for a booking.
// Amount is left untyped because the server is not consistent about
// numeric vs string encoding; normalization happens in the payment loader.
type PaymentPayload struct {
	ID          string      `json:"id"`
	BookingID   string      `json:"bookingId"`
	Amount      interface{} `json:"amount"`
	Status      string      `json:"status"`
	Message     string      `json:"message"`
	PaymentCode string      `json:"paymentCode"`
	CreatedAt   time.Time   `json:"createdAt"`
}

// DriverLicense is the eligibility check response
type DriverLicense struct {
	ID       string `json:"id"`
	Number   string `json:"number"`
	Verified bool   `json:"verified"`
}

// APIError carries a server-reported failure with its original message so
// callers can surface it verbatim or translate known codes.
type APIError struct {
	StatusCode int    `json:"status_code"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Code
}

// Known server error codes
const (
	CodeLicenseNotVerified = "DRIVER_LICENSE_NOT_VERIFIED"
)
