package checkout

import "time"

// AdvanceRequest is the body for POST /checkout/:vehicleId/advance
type AdvanceRequest struct {
	Quote         *Quote    `json:"quote" binding:"required"`
	StartDate     time.Time `json:"start_date" binding:"required"`
	EndDate       time.Time `json:"end_date" binding:"required,gtfield=StartDate"`
	PickupLat     float64   `json:"pickup_lat"`
	PickupLng     float64   `json:"pickup_lng"`
	PickupAddress string    `json:"pickup_address"`
	Notes         string    `json:"notes"`
	Agreed        bool      `json:"agreed"`
	Restart       bool      `json:"restart"`
}

// ToInput converts the request into the coordinator command
func (r *AdvanceRequest) ToInput() AdvanceInput {
	return AdvanceInput{
		Quote:         r.Quote,
		StartDate:     r.StartDate,
		EndDate:       r.EndDate,
		PickupLat:     r.PickupLat,
		PickupLng:     r.PickupLng,
		PickupAddress: r.PickupAddress,
		Notes:         r.Notes,
		Agreed:        r.Agreed,
		Restart:       r.Restart,
	}
}

// CancelRequest is the optional body for POST /checkout/:vehicleId/cancel
type CancelRequest struct {
	Reason string `json:"reason"`
}
