package payment

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
	"time"

	"rently/internal/marketplace"
)

// Well-known payment statuses. Anything else the server returns is treated
// conservatively as "not yet successful".
const (
	StatusPending    = "PENDING"
	StatusSuccessful = "SUCCESSFUL"
	StatusExpired    = "EXPIRED"
	StatusCancelled  = "CANCELLED"
)

// successTokens mark a payment as confirmed when found as case-insensitive
// substrings of the status or free-text message. The server does not
// guarantee a clean enum.
var successTokens = []string{"PAID", "SUCCESS", "COMPLETED", "APPROVED"}

// Record is the normalized client-side payment representation
type Record struct {
	ID          string    `json:"id"`
	BookingID   string    `json:"booking_id"`
	PaymentCode string    `json:"payment_code"`
	Amount      float64   `json:"amount"`
	Status      string    `json:"status"`
	Message     string    `json:"message,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// IsConfirmed reports whether the status or message carries a success token
func (r *Record) IsConfirmed() bool {
	return ContainsSuccessToken(r.Status) || ContainsSuccessToken(r.Message)
}

// IsTerminalFailure reports whether the server considers the payment dead
func (r *Record) IsTerminalFailure() bool {
	status := strings.ToUpper(r.Status)
	return strings.Contains(status, StatusExpired) || strings.Contains(status, StatusCancelled)
}

// Deadline derives the countdown deadline from the record's creation time.
// Never persisted; recomputed on every load.
func (r *Record) Deadline(grace time.Duration) time.Time {
	return r.CreatedAt.Add(grace)
}

// ContainsSuccessToken checks a field for any success token, case-insensitive
func ContainsSuccessToken(field string) bool {
	if field == "" {
		return false
	}
	upper := strings.ToUpper(field)
	for _, token := range successTokens {
		if strings.Contains(upper, token) {
			return true
		}
	}
	return false
}

var nonAlphanumeric = regexp.MustCompile(`[^a-zA-Z0-9]`)

// FallbackReferenceCode derives a deterministic reference code from a
// booking id so a code always exists even when the server omits one.
func FallbackReferenceCode(bookingID string) string {
	return strings.ToUpper(nonAlphanumeric.ReplaceAllString(bookingID, ""))
}

// Normalize converts the raw server payment representation into a Record
func Normalize(payload *marketplace.PaymentPayload, bookingID string) Record {
	record := Record{
		ID:        payload.ID,
		BookingID: payload.BookingID,
		Amount:    coerceAmount(payload.Amount),
		Status:    strings.ToUpper(strings.TrimSpace(payload.Status)),
		Message:   payload.Message,
		CreatedAt: payload.CreatedAt,
	}
	if record.BookingID == "" {
		record.BookingID = bookingID
	}
	if record.Status == "" {
		record.Status = StatusPending
	}
	record.PaymentCode = payload.PaymentCode
	if record.PaymentCode == "" {
		record.PaymentCode = FallbackReferenceCode(record.BookingID)
	}
	return record
}

// coerceAmount handles the server sending amounts as numbers or strings
func coerceAmount(v interface{}) float64 {
	switch amount := v.(type) {
	case float64:
		return amount
	case int:
		return float64(amount)
	case int64:
		return float64(amount)
	case json.Number:
		f, err := amount.Float64()
		if err != nil {
			return 0
		}
		return f
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(amount), 64)
		if err != nil {
			return 0
		}
		return f
	default:
		return 0
	}
}
