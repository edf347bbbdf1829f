package checkout

import (
	"errors"
	"io"
	"net/http"

	"rently/internal/shared/middleware"
	"rently/internal/shared/utils/response"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
)

type Controller struct {
	manager *Manager
}

func NewController(manager *Manager) *Controller {
	return &Controller{manager: manager}
}

// Advance handles POST /api/v1/checkout/:vehicleId/advance
func (c *Controller) Advance(ctx *gin.Context) {
	userID, vehicleID, ok := c.identify(ctx)
	if !ok {
		return
	}

	var req AdvanceRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		response.RespondJSON(ctx, "error", http.StatusBadRequest, "Invalid request body", nil, formatBindingError(err))
		return
	}

	flow := c.manager.Flow(userID, vehicleID)
	if err := flow.Advance(ctx.Request.Context(), req.ToInput()); err != nil {
		c.respondFlowError(ctx, "Failed to advance checkout", err)
		return
	}

	response.RespondJSON(ctx, "success", http.StatusAccepted, "Checkout advanced", flow.Snapshot(), nil)
}

// Cancel handles POST /api/v1/checkout/:vehicleId/cancel
func (c *Controller) Cancel(ctx *gin.Context) {
	userID, vehicleID, ok := c.identify(ctx)
	if !ok {
		return
	}

	var req CancelRequest
	if err := ctx.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		response.RespondJSON(ctx, "error", http.StatusBadRequest, "Invalid request body", nil, formatBindingError(err))
		return
	}

	flow := c.manager.Flow(userID, vehicleID)
	if err := flow.Cancel(ctx.Request.Context(), req.Reason); err != nil {
		c.respondFlowError(ctx, "Failed to cancel checkout", err)
		return
	}

	response.RespondJSON(ctx, "success", http.StatusOK, "Checkout cancelled", flow.Snapshot(), nil)
}

// Refresh handles POST /api/v1/checkout/:vehicleId/refresh
func (c *Controller) Refresh(ctx *gin.Context) {
	userID, vehicleID, ok := c.identify(ctx)
	if !ok {
		return
	}

	flow := c.manager.Flow(userID, vehicleID)
	if err := flow.Refresh(ctx.Request.Context()); err != nil {
		c.respondFlowError(ctx, "Failed to refresh payment status", err)
		return
	}

	response.RespondJSON(ctx, "success", http.StatusOK, "Payment status refreshed", flow.Snapshot(), nil)
}

// GetStatus handles GET /api/v1/checkout/:vehicleId. A persisted session
// resumes its flow so reopening the page after a restart shows the
// payment state; without one the read is passive and starts nothing.
func (c *Controller) GetStatus(ctx *gin.Context) {
	userID, vehicleID, ok := c.identify(ctx)
	if !ok {
		return
	}

	snap := c.manager.Status(ctx.Request.Context(), userID, vehicleID)
	response.RespondJSON(ctx, "success", http.StatusOK, "Checkout status retrieved", snap, nil)
}

// Teardown handles DELETE /api/v1/checkout/:vehicleId. Stops the
// coordinator without touching the persisted session; idempotent.
func (c *Controller) Teardown(ctx *gin.Context) {
	userID, vehicleID, ok := c.identify(ctx)
	if !ok {
		return
	}

	stopped := c.manager.Teardown(userID, vehicleID)
	response.RespondJSON(ctx, "success", http.StatusOK, "Checkout torn down", gin.H{"stopped": stopped}, nil)
}

func (c *Controller) identify(ctx *gin.Context) (string, string, bool) {
	userID, ok := middleware.UserID(ctx)
	if !ok {
		response.RespondJSON(ctx, "error", http.StatusUnauthorized, "User not authenticated", nil, nil)
		return "", "", false
	}

	vehicleID := ctx.Param("vehicleId")
	if vehicleID == "" {
		response.RespondJSON(ctx, "error", http.StatusBadRequest, "Vehicle ID is required", nil, "missing vehicle ID")
		return "", "", false
	}
	return userID, vehicleID, true
}

func (c *Controller) respondFlowError(ctx *gin.Context, message string, err error) {
	_ = ctx.Error(err)
	if errors.Is(err, ErrStopped) {
		response.RespondJSON(ctx, "error", http.StatusServiceUnavailable, message, nil, err.Error())
		return
	}

	var flowErr *FlowError
	if errors.As(err, &flowErr) {
		response.RespondJSON(ctx, "error", statusForFlowError(flowErr), message, nil, flowErr)
		return
	}

	response.RespondJSON(ctx, "error", http.StatusBadGateway, message, nil, err.Error())
}

func statusForFlowError(err *FlowError) int {
	switch err.Kind {
	case ErrorValidation:
		return http.StatusBadRequest
	case ErrorEligibility:
		return http.StatusForbidden
	case ErrorConflict:
		return http.StatusConflict
	case ErrorTerminalPayment:
		return http.StatusGone
	case ErrorTransient:
		return http.StatusBadGateway
	}
	return http.StatusBadRequest
}

// formatBindingError turns validator errors into a field->message map;
// other binding failures come back verbatim
func formatBindingError(err error) interface{} {
	var validationErrs validator.ValidationErrors
	if !errors.As(err, &validationErrs) {
		return err.Error()
	}

	fields := make(map[string]string, len(validationErrs))
	for _, fieldErr := range validationErrs {
		switch fieldErr.Tag() {
		case "required":
			fields[fieldErr.Field()] = "this field is required"
		case "gt", "gte":
			fields[fieldErr.Field()] = "value is too small"
		case "gtfield":
			fields[fieldErr.Field()] = "must be after " + fieldErr.Param()
		default:
			fields[fieldErr.Field()] = "invalid value"
		}
	}
	return fields
}
