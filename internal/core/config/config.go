// Package config provides configuration management for waypoint services.
package config

import (
	"fmt"
	"time"

	"github.com/solatis/waypoint/internal/journey"
	"github.com/solatis/waypoint/internal/rules"
)

// Config is the full service configuration.
type Config struct {
	Server    ServerConfig
	Worker    WorkerConfig
	Engine    EngineConfig
	Database  DatabaseConfig
	Log       LogConfig
	Telemetry TelemetryConfig
}

// ServerConfig holds configuration for the gRPC trigger API.
type ServerConfig struct {
	Host           string
	Port           int
	RequestTimeout time.Duration
}

// WorkerConfig tunes the wake poller.
type WorkerConfig struct {
	PollInterval  time.Duration
	BatchSize     int
	Concurrency   int
	PurgeInterval time.Duration
}

// EngineConfig tunes the scheduler and the rule result cache.
type EngineConfig struct {
	MaxStepRetries  int
	RetryBackoff    time.Duration
	RetryMaxDelay   time.Duration
	MaxStepsPerPass int
	DefaultTimezone string
	RuleCacheSize   int
}

// DatabaseConfig selects the store. URL carries credentials and is
// environment-only when it does.
type DatabaseConfig struct {
	URL string
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string
	Format string
}

// TelemetryConfig enables trace export when OTLPEndpoint is set.
type TelemetryConfig struct {
	OTLPEndpoint string
	ServiceName  string
}

// DefaultConfig returns configuration with default values.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:           "0.0.0.0",
			Port:           50061,
			RequestTimeout: 30 * time.Second,
		},
		Worker: WorkerConfig{
			PollInterval:  time.Second,
			BatchSize:     500,
			Concurrency:   16,
			PurgeInterval: 10 * time.Minute,
		},
		Engine: EngineConfig{
			MaxStepRetries:  5,
			RetryBackoff:    time.Minute,
			RetryMaxDelay:   time.Hour,
			MaxStepsPerPass: 100,
			DefaultTimezone: "UTC",
			RuleCacheSize:   rules.DefaultCacheSize,
		},
		Database: DatabaseConfig{
			URL: "sqlite://./data/waypoint.db",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Telemetry: TelemetryConfig{
			ServiceName: "waypoint",
		},
	}
}

// Options converts the engine section into scheduler options.
func (e EngineConfig) Options() (journey.Options, error) {
	loc, err := time.LoadLocation(e.DefaultTimezone)
	if err != nil {
		return journey.Options{}, fmt.Errorf("default_timezone: %w", err)
	}
	return journey.Options{
		MaxStepRetries:  e.MaxStepRetries,
		RetryBackoff:    e.RetryBackoff,
		RetryMaxDelay:   e.RetryMaxDelay,
		MaxStepsPerPass: e.MaxStepsPerPass,
		DefaultTimezone: loc,
	}, nil
}
