package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"rently/api/routes"
	"rently/internal/checkout"
	"rently/internal/marketplace"
	"rently/internal/payment"
	"rently/internal/realtime"
	"rently/internal/session"
	"rently/internal/shared/config"
	"rently/pkg/cache"
	"rently/pkg/logger"
	"rently/pkg/ratelimit"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	appLogger := logger.GetDefault()

	// Smart environment loading
	if err := godotenv.Load(); err != nil {
		if os.Getenv("GIN_MODE") == "release" || os.Getenv("DOCKER_CONTAINER") == "true" {
			appLogger.Info("Production environment: using container environment variables")
		} else {
			appLogger.Info("No .env file found, using system environment variables")
		}
	} else {
		appLogger.Info("Development environment: loaded .env file")
	}

	// Load config
	cfg := config.Load()

	// Set Gin mode (debug/release)
	gin.SetMode(cfg.GinMode)

	// Initialize Redis. The service degrades without it: sessions live in
	// memory, the push channel stays off, rate limiting is skipped.
	redisAvailable := true
	if err := cache.Init(cache.Config{
		Address:  cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}); err != nil {
		redisAvailable = false
		appLogger.Warn("Redis unavailable, running degraded", slog.Any("error", err))
	}
	defer cache.Close()

	// Session store: persisted in Redis so a checkout survives restarts
	var store session.Store
	if redisAvailable {
		store = session.NewRedisStore(cache.Client(), cfg.Redis.SessionTTL)
	} else {
		store = session.NewMemoryStore()
	}

	// Marketplace API client with file-backed credentials
	credentials := marketplace.NewCredentialSource(cfg.Marketplace.CredentialFile, cfg.Marketplace.Credential, appLogger)
	marketplaceAPI := marketplace.NewClient(cfg.Marketplace.BaseURL, cfg.Marketplace.Timeout, credentials.Token)

	// Payment loader and eligibility check
	loader := payment.NewLoader(marketplaceAPI, cfg.Checkout.GracePeriod)

	var licenseCache cache.Service
	if redisAvailable {
		licenseCache = cache.NewService(cache.Client())
	}
	eligibility := checkout.NewEligibilityService(marketplaceAPI, licenseCache, cfg.Redis.LicenseCacheTTL)

	// Realtime payment channel
	var realtimeClient *realtime.Client
	if cfg.Realtime.Enabled && redisAvailable {
		transport := realtime.NewRedisTransport(cache.Client(), cfg.Realtime.ChannelPrefix)
		realtimeClient = realtime.NewClient(transport, realtime.Options{
			Enabled:           true,
			InitialBackoff:    cfg.Realtime.InitialBackoff,
			MaxBackoff:        cfg.Realtime.MaxBackoff,
			HeartbeatInterval: cfg.Realtime.HeartbeatInterval,
			Credential:        realtime.CredentialFunc(credentials.Token),
		}, appLogger)
		appLogger.Info("Realtime channel enabled",
			slog.String("prefix", cfg.Realtime.ChannelPrefix),
			slog.Duration("initial_backoff", cfg.Realtime.InitialBackoff),
			slog.Duration("max_backoff", cfg.Realtime.MaxBackoff),
		)
	} else {
		appLogger.Info("Realtime channel disabled, polling only")
	}

	// Checkout coordinator manager
	manager := checkout.NewManager(checkout.ManagerConfig{
		PollInterval: cfg.Checkout.PollInterval,
		QR: payment.QRConfig{
			BaseURL:   cfg.Checkout.QRBaseURL,
			AccountNo: cfg.Checkout.QRAccountNo,
			BankCode:  cfg.Checkout.QRBankCode,
		},
	}, marketplaceAPI, eligibility, loader, store, realtimeClient, appLogger)
	defer manager.Shutdown()

	// Initialize Rate Limiter
	var rateLimiter *ratelimit.RateLimiter
	if cfg.RateLimit.Enabled && redisAvailable {
		rateLimiter = ratelimit.NewRateLimiter(cache.Client(), &ratelimit.Config{
			Enabled:                  cfg.RateLimit.Enabled,
			WindowDuration:           cfg.RateLimit.WindowDuration,
			DefaultRequests:          cfg.RateLimit.DefaultRequests,
			CheckoutRequests:         cfg.RateLimit.CheckoutRequests,
			CheckoutCriticalRequests: cfg.RateLimit.CheckoutCriticalRequests,
			HealthRequests:           cfg.RateLimit.HealthRequests,
			WhitelistedIPs:           cfg.RateLimit.WhitelistedIPs,
		})
		appLogger.Info("Rate limiter initialized",
			slog.Duration("window", cfg.RateLimit.WindowDuration),
			slog.Int("default_requests", cfg.RateLimit.DefaultRequests),
		)
	} else {
		appLogger.Info("Rate limiting disabled")
	}

	// Setup router
	router := setupRouter(cfg, manager, rateLimiter)

	// HTTP server
	srv := &http.Server{
		Addr:           cfg.GetServerAddress(),
		Handler:        router,
		ReadTimeout:    cfg.ReadTimeout,
		WriteTimeout:   cfg.WriteTimeout,
		IdleTimeout:    cfg.IdleTimeout,
		MaxHeaderBytes: cfg.MaxHeaderBytes,
	}

	// Start server in goroutine
	go func() {
		appLogger.Info("🚀 Server running",
			slog.String("address", cfg.GetServerAddress()),
			slog.String("health_check", fmt.Sprintf("http://localhost:%s/health", cfg.Port)),
			slog.String("version", cfg.APIVersion),
			slog.Bool("redis", redisAvailable),
			slog.Bool("realtime", realtimeClient != nil),
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Error("Server failed", slog.Any("error", err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	appLogger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		appLogger.Error("Forced shutdown", slog.Any("error", err))
	}

	appLogger.Info("Server exited gracefully")
}

func setupRouter(cfg *config.Config, manager *checkout.Manager, rateLimiter *ratelimit.RateLimiter) *gin.Engine {
	engine := gin.New()
	appLogger := logger.GetDefault()

	// Built-in middleware: logs requests + recovers from panics
	engine.Use(RequestLoggerMiddleware(appLogger), gin.Recovery())

	// CORS configuration
	engine.Use(cors.New(cors.Config{
		AllowOriginFunc: func(origin string) bool {
			return true // allow every origin dynamically
		},
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "HEAD", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Length", "Content-Type", "Authorization", "X-RateLimit-*"},
		ExposeHeaders:    []string{"Content-Length", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	// Global rate limiting middleware (applied to all routes)
	if rateLimiter != nil {
		engine.Use(ratelimit.Middleware(rateLimiter))
		appLogger.Info("Rate limiting middleware applied to all routes")
	}

	// Initialize and setup routes
	appRouter := routes.NewRouter(cfg, manager)
	appRouter.SetupRoutes(engine)

	return engine
}

func RequestLoggerMiddleware(l *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Header("X-Request-ID", requestID)
		log := l.WithRequestID(requestID)

		start := time.Now()
		c.Next()
		log.LogHTTPRequest(c, time.Since(start))

		for _, ginErr := range c.Errors {
			log.LogHTTPError(c, ginErr.Err, c.Writer.Status())
		}
	}
}
