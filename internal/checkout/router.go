package checkout

import (
	"rently/internal/shared/middleware"

	"github.com/gin-gonic/gin"
)

// SetupCheckoutRoutes configures all checkout-related routes
func SetupCheckoutRoutes(rg *gin.RouterGroup, controller *Controller) {
	checkout := rg.Group("/checkout")
	checkout.Use(middleware.JWTAuth())
	{
		checkout.GET("/:vehicleId", controller.GetStatus)          // GET    /api/v1/checkout/:vehicleId
		checkout.POST("/:vehicleId/advance", controller.Advance)   // POST   /api/v1/checkout/:vehicleId/advance
		checkout.POST("/:vehicleId/cancel", controller.Cancel)     // POST   /api/v1/checkout/:vehicleId/cancel
		checkout.POST("/:vehicleId/refresh", controller.Refresh)   // POST   /api/v1/checkout/:vehicleId/refresh
		checkout.DELETE("/:vehicleId", controller.Teardown)        // DELETE /api/v1/checkout/:vehicleId
	}
}
