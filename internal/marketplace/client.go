package marketplace

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

var (
	// ErrLicenseNotVerified is the eligibility-fatal error: the user's
	// driver license is missing or not verified. Blocks booking creation.
	ErrLicenseNotVerified = errors.New("driver license not verified")
)

// CredentialFunc returns the bearer credential for marketplace calls
type CredentialFunc func() (string, error)

// Client talks to the marketplace REST API
type Client struct {
	baseURL    string
	http       *http.Client
	credential CredentialFunc
}

// NewClient creates a marketplace API client
func NewClient(baseURL string, timeout time.Duration, credential CredentialFunc) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		http: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   5 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		credential: credential,
	}
}

// CreateBooking issues POST /booking and returns the new booking id.
// The server nests the id under either data.id or booking.id.
func (c *Client) CreateBooking(ctx context.Context, req CreateBookingRequest) (string, error) {
	body := map[string]interface{}{
		"vehicleId":     req.VehicleID,
		"startDate":     req.StartDate.UTC().Format(time.RFC3339),
		"endDate":       req.EndDate.UTC().Format(time.RFC3339),
		"pickupLat":     req.PickupLat,
		"pickupLng":     req.PickupLng,
		"pickupAddress": req.PickupAddress,
		"rentalFee":     req.RentalFee,
		"insuranceFee":  req.InsuranceFee,
		"vat":           req.VAT,
		"deposit":       req.Deposit,
		"totalAmount":   req.TotalAmount,
		"notes":         req.Notes,
	}

	var out struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
		Booking struct {
			ID string `json:"id"`
		} `json:"booking"`
	}
	if err := c.do(ctx, http.MethodPost, "/booking", body, &out); err != nil {
		return "", err
	}

	bookingID := out.Data.ID
	if bookingID == "" {
		bookingID = out.Booking.ID
	}
	if bookingID == "" {
		return "", fmt.Errorf("create booking: server returned no booking id")
	}
	return bookingID, nil
}

// GetPayment issues GET /payment/{bookingId}
func (c *Client) GetPayment(ctx context.Context, bookingID string) (*PaymentPayload, error) {
	// The payment representation may arrive flat or wrapped in data
	var out struct {
		PaymentPayload
		Data *PaymentPayload `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, "/payment/"+bookingID, nil, &out); err != nil {
		return nil, err
	}
	if out.Data != nil {
		return out.Data, nil
	}
	payload := out.PaymentPayload
	return &payload, nil
}

// CancelBooking issues PUT /booking/cancel with an optional free-text reason
func (c *Client) CancelBooking(ctx context.Context, bookingID, reason string) error {
	body := map[string]interface{}{
		"id":           bookingID,
		"cancelReason": reason,
	}
	return c.do(ctx, http.MethodPut, "/booking/cancel", body, nil)
}

// GetDriverLicense runs the eligibility pre-check. A 404, any non-2xx, or
// an explicit not-verified flag all collapse into ErrLicenseNotVerified.
func (c *Client) GetDriverLicense(ctx context.Context) (*DriverLicense, error) {
	var license DriverLicense
	if err := c.do(ctx, http.MethodGet, "/user/driver-license", nil, &license); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			return nil, ErrLicenseNotVerified
		}
		return nil, err
	}
	if !license.Verified {
		return nil, ErrLicenseNotVerified
	}
	return &license, nil
}

// do performs one JSON request/response round trip
func (c *Client) do(ctx context.Context, method, path string, body, dest interface{}) error {
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.credential != nil {
		cred, err := c.credential()
		if err != nil {
			return fmt.Errorf("read credential: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+cred)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: resp.Status}
		var serverErr struct {
			Code    string `json:"code"`
			Message string `json:"message"`
			Error   string `json:"error"`
		}
		if decodeErr := json.NewDecoder(resp.Body).Decode(&serverErr); decodeErr == nil {
			if serverErr.Code != "" {
				apiErr.Code = serverErr.Code
			}
			if serverErr.Message != "" {
				apiErr.Message = serverErr.Message
			} else if serverErr.Error != "" {
				apiErr.Message = serverErr.Error
			}
		}
		return apiErr
	}

	if dest == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
