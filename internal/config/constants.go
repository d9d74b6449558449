package config

import "time"

// Database connection pool settings
const (
	DBMaxOpenConns    = 25
	DBMaxIdleConns    = 5
	DBConnMaxLifetime = 5 * time.Minute
)

// HTTP server timeouts
const (
	ServerRequestTimeout  = 60 * time.Second
	ServerReadTimeout     = 15 * time.Second
	ServerIdleTimeout     = 120 * time.Second
	ServerShutdownTimeout = 30 * time.Second
)

// Database ping timeout for health checks
const DBPingTimeout = 5 * time.Second

// Runner bridge HTTP client timeout
const RunnerRequestTimeout = 15 * time.Second

// Session shutdown budget per instance
const SessionCloseTimeout = 10 * time.Second

// Minimum spacing between last_active_at writes for one instance
const ActivityTouchInterval = 30 * time.Second

// Maintenance job run budget
const JobRunTimeout = 2 * time.Minute

// Per-IP limits for routes without an owner
const (
	WebhookRateLimitPerMinute = 300
	AdminRateLimitPerMinute   = 30
)
