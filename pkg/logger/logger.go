package logger

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// Logger wraps slog.Logger with additional functionality
type Logger struct {
	*slog.Logger
}

// New creates a new logger instance
func New() *Logger {
	// Get log level from environment
	level := getLogLevel(os.Getenv("LOG_LEVEL"))

	// Create handler options
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	// Create handler based on environment
	var handler slog.Handler
	if gin.Mode() == gin.DebugMode {
		// Use text handler for development (more readable)
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		// Use JSON handler for production (structured)
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	// Create logger
	logger := slog.New(handler)

	return &Logger{
		Logger: logger,
	}
}

// getLogLevel converts string to slog.Level
func getLogLevel(levelStr string) slog.Level {
	switch strings.ToLower(levelStr) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WithRequestID adds request ID to logger context
func (l *Logger) WithRequestID(requestID string) *Logger {
	return &Logger{
		Logger: l.Logger.With(slog.String("request_id", requestID)),
	}
}

// WithVehicleID adds vehicle ID to logger context
func (l *Logger) WithVehicleID(vehicleID string) *Logger {
	return &Logger{
		Logger: l.Logger.With(slog.String("vehicle_id", vehicleID)),
	}
}

// WithError adds error to logger context
func (l *Logger) WithError(err error) *Logger {
	return &Logger{
		Logger: l.Logger.With(slog.String("error", err.Error())),
	}
}

// HTTP logging methods

// LogHTTPRequest logs an HTTP request
func (l *Logger) LogHTTPRequest(c *gin.Context, duration time.Duration) {
	l.Logger.InfoContext(c.Request.Context(),
		"HTTP Request",
		slog.String("method", c.Request.Method),
		slog.String("path", c.Request.URL.Path),
		slog.String("query", c.Request.URL.RawQuery),
		slog.Int("status", c.Writer.Status()),
		slog.Duration("duration", duration),
		slog.String("ip", c.ClientIP()),
		slog.String("user_agent", c.Request.UserAgent()),
		slog.Int("size", c.Writer.Size()),
	)
}

// LogHTTPError logs an HTTP error
func (l *Logger) LogHTTPError(c *gin.Context, err error, statusCode int) {
	l.Logger.ErrorContext(c.Request.Context(),
		"HTTP Error",
		slog.String("method", c.Request.Method),
		slog.String("path", c.Request.URL.Path),
		slog.Int("status", statusCode),
		slog.String("error", err.Error()),
		slog.String("ip", c.ClientIP()),
	)
}

// Checkout flow logging methods

// LogCheckoutTransition logs a checkout state machine transition
func (l *Logger) LogCheckoutTransition(ctx context.Context, vehicleID, from, to, cause string) {
	l.Logger.InfoContext(ctx,
		"Checkout Transition",
		slog.String("vehicle_id", vehicleID),
		slog.String("from", from),
		slog.String("to", to),
		slog.String("cause", cause),
	)
}

// LogBookingCreated logs when a booking is created
func (l *Logger) LogBookingCreated(ctx context.Context, bookingID, vehicleID string) {
	l.Logger.InfoContext(ctx,
		"Booking Created",
		slog.String("booking_id", bookingID),
		slog.String("vehicle_id", vehicleID),
	)
}

// LogBookingCancelled logs when a booking is cancelled
func (l *Logger) LogBookingCancelled(ctx context.Context, bookingID, vehicleID, reason string) {
	l.Logger.InfoContext(ctx,
		"Booking Cancelled",
		slog.String("booking_id", bookingID),
		slog.String("vehicle_id", vehicleID),
		slog.String("reason", reason),
	)
}

// LogPaymentConfirmed logs when a payment reaches a confirmed state
func (l *Logger) LogPaymentConfirmed(ctx context.Context, bookingID, source string) {
	l.Logger.InfoContext(ctx,
		"Payment Confirmed",
		slog.String("booking_id", bookingID),
		slog.String("source", source),
	)
}

// LogPollError logs a swallowed background poll failure
func (l *Logger) LogPollError(ctx context.Context, bookingID string, err error) {
	l.Logger.WarnContext(ctx,
		"Payment Poll Failed",
		slog.String("booking_id", bookingID),
		slog.String("error", err.Error()),
	)
}

// Realtime channel logging methods

// LogChannelOpen logs a successful realtime channel open
func (l *Logger) LogChannelOpen(ctx context.Context, channel string, attempt int) {
	l.Logger.InfoContext(ctx,
		"Realtime Channel Open",
		slog.String("channel", channel),
		slog.Int("attempt", attempt),
	)
}

// LogChannelReconnect logs a scheduled reconnection attempt
func (l *Logger) LogChannelReconnect(ctx context.Context, channel string, backoff time.Duration, err error) {
	l.Logger.WarnContext(ctx,
		"Realtime Channel Reconnecting",
		slog.String("channel", channel),
		slog.Duration("backoff", backoff),
		slog.String("error", err.Error()),
	)
}

// Security logging methods

// LogAuthFailure logs failed authentication
func (l *Logger) LogAuthFailure(ctx context.Context, reason, ip string) {
	l.Logger.WarnContext(ctx,
		"Authentication Failure",
		slog.String("reason", reason),
		slog.String("ip", ip),
	)
}

// LogRateLimitExceeded logs rate limit exceeded
func (l *Logger) LogRateLimitExceeded(ctx context.Context, ip, endpoint string) {
	l.Logger.WarnContext(ctx,
		"Rate Limit Exceeded",
		slog.String("ip", ip),
		slog.String("endpoint", endpoint),
	)
}

// Global logger instance (can be replaced with dependency injection)
var defaultLogger = New()

// GetDefault returns the default logger instance
func GetDefault() *Logger {
	return defaultLogger
}

// SetDefault sets the default logger instance
func SetDefault(logger *Logger) {
	defaultLogger = logger
}
