// api/routes/router.go
package routes

import (
	"net/http"
	"time"

	"rently/internal/checkout"
	"rently/internal/shared/config"
	"rently/pkg/cache"

	"github.com/gin-gonic/gin"
)

// Router holds all route dependencies
type Router struct {
	config  *config.Config
	manager *checkout.Manager
}

// NewRouter creates a new router instance
func NewRouter(cfg *config.Config, manager *checkout.Manager) *Router {
	return &Router{
		config:  cfg,
		manager: manager,
	}
}

// SetupRoutes configures all application routes
func (r *Router) SetupRoutes(engine *gin.Engine) {
	// Health check and basic info endpoints
	r.setupHealthRoutes(engine)

	// API routes
	api := engine.Group(r.config.GetAPIBasePath())
	{
		r.setupCheckoutRoutes(api)
	}
}

// setupHealthRoutes sets up health check and system status routes
func (r *Router) setupHealthRoutes(engine *gin.Engine) {
	engine.GET("/health", func(c *gin.Context) {
		if cache.IsInitialized() {
			if err := cache.Ping(); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"status":    "unhealthy",
					"error":     err.Error(),
					"timestamp": time.Now(),
					"service":   "rently-checkout",
				})
				return
			}
		}

		c.JSON(http.StatusOK, gin.H{
			"status":    "healthy",
			"timestamp": time.Now(),
			"service":   "rently-checkout",
		})
	})

	engine.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"message": "pong",
			"version": r.config.APIVersion,
		})
	})

	engine.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":      "operational",
			"api_version": r.config.APIVersion,
			"timestamp":   time.Now(),
		})
	})
}

// setupCheckoutRoutes configures the checkout flow routes
func (r *Router) setupCheckoutRoutes(rg *gin.RouterGroup) {
	controller := checkout.NewController(r.manager)
	checkout.SetupCheckoutRoutes(rg, controller)
}
