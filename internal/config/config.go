// Package config loads the server configuration from environment variables.
//
// Every option has a default suitable for local development; Load validates
// the result before returning it.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"

	"github.com/liamcoop/rulesengine/internal/logger"
	"github.com/liamcoop/rulesengine/rules"
)

// Config holds all configuration for the rules server
type Config struct {
	// HTTP configuration
	Port            int           `env:"PORT" envDefault:"8080"`
	ReadTimeout     time.Duration `env:"READ_TIMEOUT" envDefault:"15s"`
	WriteTimeout    time.Duration `env:"WRITE_TIMEOUT" envDefault:"15s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`

	// Database configuration; without DATABASE_URL tenants live in memory
	DatabaseURL    string `env:"DATABASE_URL"`
	MigrationsPath string `env:"MIGRATIONS_PATH" envDefault:"file://migrations"`

	// Redis configuration; REDIS_ADDR enables the shared workflow store
	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`
	RedisPrefix   string `env:"REDIS_PREFIX" envDefault:"rules"`

	// File workflows registered with every tenant
	WorkflowDir    string `env:"WORKFLOW_DIR"`
	WatchWorkflows bool   `env:"WATCH_WORKFLOWS" envDefault:"false"`

	// Logging configuration
	LogLevel        string `env:"LOG_LEVEL" envDefault:"info"`
	ErrorSampleRate int    `env:"ERROR_SAMPLE_RATE" envDefault:"100"`
	OTELEnabled     bool   `env:"OTEL_ENABLED" envDefault:"false"`
	OTELServiceName string `env:"OTEL_SERVICE_NAME" envDefault:"rules-engine"`

	Rules RulesConfig `envPrefix:"RULES_"`
}

// RulesConfig mirrors rules.Settings
type RulesConfig struct {
	EnableScopedParams            bool   `env:"ENABLE_SCOPED_PARAMS" envDefault:"true"`
	NestedRuleExecutionMode       string `env:"NESTED_RULE_EXECUTION_MODE" envDefault:"All"`
	EnableExceptionAsErrorMessage bool   `env:"EXCEPTION_AS_ERROR_MESSAGE" envDefault:"true"`
	IgnoreException               bool   `env:"IGNORE_EXCEPTION" envDefault:"false"`
	EnableFormattedErrorMessage   bool   `env:"FORMATTED_ERROR_MESSAGE" envDefault:"true"`
	AutoRegisterInputType         bool   `env:"AUTO_REGISTER_INPUT_TYPE" envDefault:"true"`
	IsExpressionCaseSensitive     bool   `env:"CASE_SENSITIVE" envDefault:"false"`
	CacheSize                     int    `env:"CACHE_SIZE" envDefault:"1000"`
	CostLimit                     uint64 `env:"COST_LIMIT" envDefault:"1000000"`
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("PORT must be between 1 and 65535")
	}

	if c.ReadTimeout <= 0 || c.WriteTimeout <= 0 {
		return fmt.Errorf("READ_TIMEOUT and WRITE_TIMEOUT must be positive")
	}

	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("SHUTDOWN_TIMEOUT must be positive")
	}

	if c.RedisDB < 0 {
		return fmt.Errorf("REDIS_DB must be non-negative")
	}

	if c.RedisAddr != "" && c.RedisPrefix == "" {
		return fmt.Errorf("REDIS_PREFIX is required when REDIS_ADDR is set")
	}

	if c.WatchWorkflows && c.WorkflowDir == "" {
		return fmt.Errorf("WATCH_WORKFLOWS requires WORKFLOW_DIR")
	}

	if _, err := logger.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("LOG_LEVEL must be one of: trace, debug, info, warn, error, fatal")
	}

	if c.ErrorSampleRate < 1 {
		return fmt.Errorf("ERROR_SAMPLE_RATE must be at least 1")
	}

	if _, ok := rules.ParseNestedRuleExecutionMode(c.Rules.NestedRuleExecutionMode); !ok {
		return fmt.Errorf("RULES_NESTED_RULE_EXECUTION_MODE must be All or Performance")
	}

	if c.Rules.CacheSize <= 0 {
		return fmt.Errorf("RULES_CACHE_SIZE must be positive")
	}

	return nil
}

// Addr returns the HTTP listen address
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// LoggerOptions returns the process logger options
func (c *Config) LoggerOptions() logger.Options {
	return logger.Options{
		Level:       c.LogLevel,
		SampleRate:  c.ErrorSampleRate,
		OTELEnabled: c.OTELEnabled,
		ServiceName: c.OTELServiceName,
	}
}

// EngineSettings returns the rules engine settings
func (c *Config) EngineSettings() rules.Settings {
	mode, _ := rules.ParseNestedRuleExecutionMode(c.Rules.NestedRuleExecutionMode)

	settings := rules.DefaultSettings()
	settings.EnableScopedParams = c.Rules.EnableScopedParams
	settings.NestedRuleExecutionMode = mode
	settings.EnableExceptionAsErrorMessage = c.Rules.EnableExceptionAsErrorMessage
	settings.IgnoreException = c.Rules.IgnoreException
	settings.EnableFormattedErrorMessage = c.Rules.EnableFormattedErrorMessage
	settings.AutoRegisterInputType = c.Rules.AutoRegisterInputType
	settings.IsExpressionCaseSensitive = c.Rules.IsExpressionCaseSensitive
	settings.Cache = rules.CacheConfig{SizeLimit: c.Rules.CacheSize}
	settings.CostLimit = c.Rules.CostLimit
	return settings
}

// String returns a string representation of the config (without sensitive data)
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{Port=%d, Database=%v, RedisAddr=%s, RedisDB=%d, WorkflowDir=%s, WatchWorkflows=%v, "+
			"LogLevel=%s, NestedRuleExecutionMode=%s, CacheSize=%d}",
		c.Port,
		c.DatabaseURL != "",
		c.RedisAddr,
		c.RedisDB,
		c.WorkflowDir,
		c.WatchWorkflows,
		c.LogLevel,
		c.Rules.NestedRuleExecutionMode,
		c.Rules.CacheSize,
	)
}
