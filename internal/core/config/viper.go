package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// LoadConfig loads configuration from file using viper.
// CLI flags > environment > config file > defaults precedence; the caller
// applies flags to the returned config.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults matching DefaultConfig
	d := DefaultConfig()
	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.request_timeout", d.Server.RequestTimeout.String())
	v.SetDefault("worker.poll_interval", d.Worker.PollInterval.String())
	v.SetDefault("worker.batch_size", d.Worker.BatchSize)
	v.SetDefault("worker.concurrency", d.Worker.Concurrency)
	v.SetDefault("worker.purge_interval", d.Worker.PurgeInterval.String())
	v.SetDefault("engine.max_step_retries", d.Engine.MaxStepRetries)
	v.SetDefault("engine.retry_backoff", d.Engine.RetryBackoff.String())
	v.SetDefault("engine.retry_max_delay", d.Engine.RetryMaxDelay.String())
	v.SetDefault("engine.max_steps_per_pass", d.Engine.MaxStepsPerPass)
	v.SetDefault("engine.default_timezone", d.Engine.DefaultTimezone)
	v.SetDefault("engine.rule_cache_size", d.Engine.RuleCacheSize)
	v.SetDefault("database.url", d.Database.URL)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("telemetry.otlp_endpoint", d.Telemetry.OTLPEndpoint)
	v.SetDefault("telemetry.service_name", d.Telemetry.ServiceName)

	// Bind environment variables with WP_ prefix
	v.SetEnvPrefix("WP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Load config file if provided
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Security check: reject credentials in config files
	// Secrets must be environment-only per 12-factor principles
	if err := validateNoSecretsInConfig(configPath); err != nil {
		return nil, err
	}

	cfg := &Config{
		Server: ServerConfig{
			Host:           v.GetString("server.host"),
			Port:           v.GetInt("server.port"),
			RequestTimeout: v.GetDuration("server.request_timeout"),
		},
		Worker: WorkerConfig{
			PollInterval:  v.GetDuration("worker.poll_interval"),
			BatchSize:     v.GetInt("worker.batch_size"),
			Concurrency:   v.GetInt("worker.concurrency"),
			PurgeInterval: v.GetDuration("worker.purge_interval"),
		},
		Engine: EngineConfig{
			MaxStepRetries:  v.GetInt("engine.max_step_retries"),
			RetryBackoff:    v.GetDuration("engine.retry_backoff"),
			RetryMaxDelay:   v.GetDuration("engine.retry_max_delay"),
			MaxStepsPerPass: v.GetInt("engine.max_steps_per_pass"),
			DefaultTimezone: v.GetString("engine.default_timezone"),
			RuleCacheSize:   v.GetInt("engine.rule_cache_size"),
		},
		Database: DatabaseConfig{
			URL: v.GetString("database.url"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
		},
		Telemetry: TelemetryConfig{
			OTLPEndpoint: v.GetString("telemetry.otlp_endpoint"),
			ServiceName:  v.GetString("telemetry.service_name"),
		},
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks port range and positive values for durations and sizes.
func Validate(cfg *Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", cfg.Server.Port)
	}
	if cfg.Server.RequestTimeout <= 0 {
		return fmt.Errorf("request_timeout must be positive, got %v", cfg.Server.RequestTimeout)
	}
	if cfg.Worker.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive, got %v", cfg.Worker.PollInterval)
	}
	if cfg.Worker.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be positive, got %d", cfg.Worker.BatchSize)
	}
	if cfg.Worker.Concurrency <= 0 {
		return fmt.Errorf("concurrency must be positive, got %d", cfg.Worker.Concurrency)
	}
	if cfg.Worker.PurgeInterval <= 0 {
		return fmt.Errorf("purge_interval must be positive, got %v", cfg.Worker.PurgeInterval)
	}
	if cfg.Engine.MaxStepRetries <= 0 {
		return fmt.Errorf("max_step_retries must be positive, got %d", cfg.Engine.MaxStepRetries)
	}
	if cfg.Engine.RetryBackoff <= 0 || cfg.Engine.RetryMaxDelay < cfg.Engine.RetryBackoff {
		return fmt.Errorf("retry_max_delay (%v) must be at least retry_backoff (%v) and both positive",
			cfg.Engine.RetryMaxDelay, cfg.Engine.RetryBackoff)
	}
	if cfg.Engine.MaxStepsPerPass <= 0 {
		return fmt.Errorf("max_steps_per_pass must be positive, got %d", cfg.Engine.MaxStepsPerPass)
	}
	if cfg.Engine.RuleCacheSize <= 0 {
		return fmt.Errorf("rule_cache_size must be positive, got %d", cfg.Engine.RuleCacheSize)
	}
	if _, err := time.LoadLocation(cfg.Engine.DefaultTimezone); err != nil {
		return fmt.Errorf("default_timezone %q: %w", cfg.Engine.DefaultTimezone, err)
	}
	switch cfg.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("log format must be json or text, got %q", cfg.Log.Format)
	}
	return nil
}

// validateNoSecretsInConfig enforces environment-only credentials (12-factor principle).
// Only the file's own value is inspected; an environment override does not
// excuse a password written to disk.
func validateNoSecretsInConfig(configPath string) error {
	if configPath == "" {
		return nil
	}
	fv := viper.New()
	fv.SetConfigFile(configPath)
	if err := fv.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	u, err := url.Parse(fv.GetString("database.url"))
	if err != nil {
		return nil
	}
	if _, hasPassword := u.User.Password(); hasPassword {
		return fmt.Errorf("database passwords not allowed in config files (use WP_DATABASE_URL environment variable)")
	}
	return nil
}
