package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for our application
type Config struct {
	// Server configuration
	Port           string
	GinMode        string
	APIVersion     string
	APIPrefix      string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	MaxHeaderBytes int

	// Redis configuration
	Redis RedisConfig

	// Marketplace API configuration
	Marketplace MarketplaceConfig

	// Realtime channel configuration
	Realtime RealtimeConfig

	// Checkout flow configuration
	Checkout CheckoutConfig

	// JWT configuration
	JWT JWTConfig

	// Rate limiting
	RateLimit RateLimitConfig

	// Logging
	LogLevel string
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
	Addr     string

	// TTL values for different operations
	LicenseCacheTTL time.Duration
	SessionTTL      time.Duration
}

// MarketplaceConfig holds the upstream marketplace API configuration
type MarketplaceConfig struct {
	BaseURL        string
	Timeout        time.Duration
	CredentialFile string
	Credential     string
}

// RealtimeConfig holds realtime channel configuration
type RealtimeConfig struct {
	Enabled           bool
	ChannelPrefix     string
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	HeartbeatInterval time.Duration
}

// CheckoutConfig holds checkout flow configuration
type CheckoutConfig struct {
	// GracePeriod is the window after payment creation during which
	// payment is expected. Display-only; the server owns real expiry.
	GracePeriod time.Duration

	// PollInterval is the background reconciliation interval. Coarse on
	// purpose: the realtime channel is the primary signal and the poll
	// is a correctness backstop for dropped push messages.
	PollInterval time.Duration

	// QR deep-link parameters for the bank transfer artifact
	QRBaseURL   string
	QRAccountNo string
	QRBankCode  string
}

// JWTConfig holds JWT configuration
type JWTConfig struct {
	Secret       string
	JWTExpiresIn time.Duration
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	Enabled                  bool          `json:"enabled"`
	WindowDuration           time.Duration `json:"window_duration"`
	DefaultRequests          int           `json:"default_requests"`
	CheckoutRequests         int           `json:"checkout_requests"`
	CheckoutCriticalRequests int           `json:"checkout_critical_requests"`
	HealthRequests           int           `json:"health_requests"`
	WhitelistedIPs           []string      `json:"whitelisted_ips"`
}

// Load loads configuration from environment variables
func Load() *Config {
	cfg := &Config{
		// Server configuration
		Port:           getEnv("PORT", "8080"),
		GinMode:        getEnv("GIN_MODE", "debug"),
		APIVersion:     getEnv("API_VERSION", "v1"),
		APIPrefix:      getEnv("API_PREFIX", "/api"),
		ReadTimeout:    getDurationEnv("READ_TIMEOUT", 15*time.Second),
		WriteTimeout:   getDurationEnv("WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:    getDurationEnv("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes: getIntEnv("MAX_HEADER_BYTES", 1<<20), // 1 MB

		// Redis configuration
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getIntEnv("REDIS_DB", 0),

			LicenseCacheTTL: getDurationEnv("REDIS_LICENSE_CACHE_TTL", 5*time.Minute),
			SessionTTL:      getDurationEnv("REDIS_SESSION_TTL", 24*time.Hour),
		},

		// Marketplace API configuration
		Marketplace: MarketplaceConfig{
			BaseURL:        getEnv("MARKETPLACE_BASE_URL", "http://localhost:9090"),
			Timeout:        getDurationEnv("MARKETPLACE_TIMEOUT", 10*time.Second),
			CredentialFile: getEnv("MARKETPLACE_CREDENTIAL_FILE", ""),
			Credential:     getEnv("MARKETPLACE_CREDENTIAL", ""),
		},

		// Realtime channel configuration
		Realtime: RealtimeConfig{
			Enabled:           getBoolEnv("REALTIME_ENABLED", true),
			ChannelPrefix:     getEnv("REALTIME_CHANNEL_PREFIX", "rently"),
			InitialBackoff:    getDurationEnv("REALTIME_INITIAL_BACKOFF", 1*time.Second),
			MaxBackoff:        getDurationEnv("REALTIME_MAX_BACKOFF", 15*time.Second),
			HeartbeatInterval: getDurationEnv("REALTIME_HEARTBEAT_INTERVAL", 25*time.Second),
		},

		// Checkout flow configuration
		Checkout: CheckoutConfig{
			GracePeriod:  getDurationEnv("CHECKOUT_GRACE_PERIOD", 15*time.Minute),
			PollInterval: getDurationEnv("CHECKOUT_POLL_INTERVAL", 15*time.Minute),
			QRBaseURL:    getEnv("CHECKOUT_QR_BASE_URL", "https://img.vietqr.io/image"),
			QRAccountNo:  getEnv("CHECKOUT_QR_ACCOUNT_NO", ""),
			QRBankCode:   getEnv("CHECKOUT_QR_BANK_CODE", ""),
		},

		// JWT configuration
		JWT: JWTConfig{
			Secret:       getEnv("JWT_SECRET", "your-super-secret-jwt-key"),
			JWTExpiresIn: getDurationEnvSeconds("JWT_EXPIRES_IN", 15*time.Minute),
		},

		// Rate limiting
		RateLimit: RateLimitConfig{
			Enabled:                  getBoolEnv("RATE_LIMIT_ENABLED", true),
			WindowDuration:           getDurationEnv("RATE_LIMIT_WINDOW_DURATION", 60*time.Second),
			DefaultRequests:          getIntEnv("RATE_LIMIT_DEFAULT_REQUESTS", 60),
			CheckoutRequests:         getIntEnv("RATE_LIMIT_CHECKOUT_REQUESTS", 30),
			CheckoutCriticalRequests: getIntEnv("RATE_LIMIT_CHECKOUT_CRITICAL_REQUESTS", 10),
			HealthRequests:           getIntEnv("RATE_LIMIT_HEALTH_REQUESTS", 120),
			WhitelistedIPs:           getStringSliceEnv("RATE_LIMIT_WHITELISTED_IPS", []string{}),
		},

		// Logging
		LogLevel: getEnv("LOG_LEVEL", "debug"),
	}

	// Build composite values
	cfg.Redis.Addr = cfg.Redis.Host + ":" + cfg.Redis.Port

	return cfg
}

// getEnv gets an environment variable with a fallback value
func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

// getIntEnv gets an integer environment variable with a fallback value
func getIntEnv(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return fallback
}

// getDurationEnv gets a duration environment variable with a fallback value
func getDurationEnv(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return fallback
}

// getDurationEnvSeconds gets an environment variable as seconds (int) and converts to time.Duration
func getDurationEnvSeconds(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if seconds, err := strconv.Atoi(value); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}
	return fallback
}

// getBoolEnv gets a boolean environment variable with a fallback value
func getBoolEnv(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return fallback
}

// getStringSliceEnv gets a comma-separated string environment variable as a slice
func getStringSliceEnv(key string, fallback []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		var result []string
		for _, part := range parts {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return fallback
}

// IsProduction returns true if the application is running in production mode
func (c *Config) IsProduction() bool {
	return c.GinMode == "release"
}

// IsDevelopment returns true if the application is running in development mode
func (c *Config) IsDevelopment() bool {
	return c.GinMode == "debug"
}

// GetServerAddress returns the full server address
func (c *Config) GetServerAddress() string {
	return ":" + c.Port
}

// GetAPIBasePath returns the API base path
func (c *Config) GetAPIBasePath() string {
	return c.APIPrefix + "/" + c.APIVersion
}
