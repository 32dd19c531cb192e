// Package config defines the global configuration structure for the autoflow
// daemon. Configuration is loaded once at process startup and is immutable
// thereafter, following 12-Factor principles: values come from the OS
// environment, optionally seeded from a .env file.
//
// Any missing required value or invalid format fails startup immediately.
package config

import (
	"time"
)

// Config is the top-level configuration struct for the autoflow daemon.
// Sub-components receive only the specific subsets they require.
type Config struct {
	Environment string `envconfig:"APP_ENV" default:"local" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"autoflowd"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	Server   ServerConfig
	Database DatabaseConfig
	Engine   EngineConfig
	Deferred DeferredConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port            string        `envconfig:"PORT" default:"8080"`
	ReadTimeout     time.Duration `envconfig:"HTTP_READ_TIMEOUT" default:"10s"`
	WriteTimeout    time.Duration `envconfig:"HTTP_WRITE_TIMEOUT" default:"20s"`
	ShutdownTimeout time.Duration `envconfig:"HTTP_SHUTDOWN_TIMEOUT" default:"15s"`
}

// DatabaseConfig holds database connection and pool tuning parameters. An
// empty URL selects the in-memory store.
type DatabaseConfig struct {
	URL string `envconfig:"DATABASE_URL" validate:"omitempty,url"`

	MaxConns        int           `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns        int           `envconfig:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	AcquireTimeout  time.Duration `envconfig:"DB_ACQUIRE_TIMEOUT" default:"2s"`
}

// EngineConfig holds engine tuning parameters.
type EngineConfig struct {
	// ScheduleCap bounds the total number of stored schedules.
	ScheduleCap int `envconfig:"ENGINE_SCHEDULE_CAP" default:"1000" validate:"min=1"`

	// ReadinessTimeout bounds the serialized queue's wait on one driver
	// readiness check before it degrades to not-ready.
	ReadinessTimeout time.Duration `envconfig:"ENGINE_READINESS_TIMEOUT" default:"10s"`

	// SweepInterval paces the periodic cleanup sweep.
	SweepInterval time.Duration `envconfig:"ENGINE_SWEEP_INTERVAL" default:"1m"`

	// Prepare retry backoff parameters.
	RetryBaseDelay time.Duration `envconfig:"ENGINE_RETRY_BASE_DELAY" default:"1s"`
	RetryMaxDelay  time.Duration `envconfig:"ENGINE_RETRY_MAX_DELAY" default:"1m"`
	RetryFactor    float64       `envconfig:"ENGINE_RETRY_FACTOR" default:"2.0" validate:"gte=1"`
}

// DeferredConfig holds settings for the deferred payload resolution client.
type DeferredConfig struct {
	Timeout   time.Duration `envconfig:"DEFERRED_TIMEOUT" default:"15s"`
	UserAgent string        `envconfig:"DEFERRED_USER_AGENT" default:"Autoflow-Resolver/1.0"`
}
