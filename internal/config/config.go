// Package config handles configuration management with validation
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration structure
type Config struct {
	Service       ServiceConfig               `yaml:"service"`
	Database      DatabaseConfig              `yaml:"database"`
	KV            KVConfig                    `yaml:"kv"`
	Fabric        FabricConfig                `yaml:"fabric"`
	Sharding      ShardingConfig              `yaml:"sharding"`
	MSPM          MSPMConfig                  `yaml:"mspm"`
	EOD           EODConfig                   `yaml:"eod"`
	Intraday      IntradayConfig              `yaml:"intraday"`
	Pricing       PricingConfig               `yaml:"pricing"`
	Trades        TradesConfig                `yaml:"trades"`
	Resilience    map[string]DependencyConfig `yaml:"resilience"`
	Notifications NotificationsConfig         `yaml:"notifications"`
	Alerts        AlertsConfig                `yaml:"alerts"`
	Analytics     AnalyticsConfig             `yaml:"analytics"`
	Push          PushConfig                  `yaml:"push"`
	Telemetry     TelemetryConfig             `yaml:"telemetry"`
	Concurrency   ConcurrencyConfig           `yaml:"concurrency"`
}

// ServiceConfig contains service-level settings
type ServiceConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
	LogLevel    string `yaml:"log_level" validate:"required,oneof=DEBUG INFO WARN ERROR FATAL"`
	LogFormat   string `yaml:"log_format" validate:"oneof=console json"`
}

// DatabaseConfig contains the SQLite system-of-record settings
type DatabaseConfig struct {
	Path          string `yaml:"path" validate:"required"`
	BusyTimeoutMs int    `yaml:"busy_timeout_ms" validate:"min=0,max=60000"`
}

// KVConfig contains the shared key/value store settings
type KVConfig struct {
	SweepIntervalSeconds int `yaml:"sweep_interval_seconds" validate:"min=1,max=3600"`
}

// FabricConfig contains messaging fabric settings
type FabricConfig struct {
	Partitions         int `yaml:"partitions" validate:"min=1,max=256"`
	DedupWindowSeconds int `yaml:"dedup_window_seconds" validate:"min=1,max=3600"`
	BufferPerPartition int `yaml:"buffer_per_partition" validate:"min=1,max=100000"`
}

// ShardingConfig carries the shard contract for the position loader
type ShardingConfig struct {
	ShardIndex  int `yaml:"shard_index" validate:"min=0"`
	TotalShards int `yaml:"total_shards" validate:"min=1"`
}

// MSPMConfig configures the upstream portfolio feed client
type MSPMConfig struct {
	BaseURL        string `yaml:"base_url"`
	APIKey         Secret `yaml:"api_key"`
	TimeoutSeconds int    `yaml:"timeout_seconds" validate:"min=1,max=120"`
}

// EODConfig contains end-of-day orchestration settings
type EODConfig struct {
	Engine                   string  `yaml:"engine" validate:"required,oneof=simple durable"`
	DatabaseURL              string  `yaml:"database_url"` // Required for durable engine
	Deadline                 string  `yaml:"deadline"`     // HH:MM, local service time
	TriggerCron              string  `yaml:"trigger_cron"`
	ValidationErrorThreshold float64 `yaml:"validation_error_threshold" validate:"min=0,max=1"`
	LeaseTTLSeconds          int     `yaml:"lease_ttl_seconds" validate:"min=5,max=3600"`
	RetryAttempts            int     `yaml:"retry_attempts" validate:"min=0,max=10"`
}

// IntradayConfig contains intraday apply settings
type IntradayConfig struct {
	RefTTLMinutes int `yaml:"ref_ttl_minutes" validate:"min=1,max=1440"`
}

// PricingConfig contains price service settings
type PricingConfig struct {
	PriceL1Cap            int    `yaml:"price_l1_cap" validate:"min=100"`
	FxL1Cap               int    `yaml:"fx_l1_cap" validate:"min=10"`
	PriceL1TTLSeconds     int    `yaml:"price_l1_ttl_seconds" validate:"min=1"`
	FxL1TTLSeconds        int    `yaml:"fx_l1_ttl_seconds" validate:"min=1"`
	L2TTLSeconds          int    `yaml:"l2_ttl_seconds" validate:"min=1"`
	RealtimeMaxAgeSeconds int    `yaml:"realtime_max_age_seconds" validate:"min=1"`
	RcpSnapMaxAgeHours    int    `yaml:"rcp_snap_max_age_hours" validate:"min=1"`
	FlushIntervalMs       int    `yaml:"flush_interval_ms" validate:"min=10,max=10000"`
	DirtyFlushIntervalMs  int    `yaml:"dirty_flush_interval_ms" validate:"min=50,max=60000"`
	FeedBridgeEnabled     bool   `yaml:"feed_bridge_enabled"`
	FeedBridgeURL         string `yaml:"feed_bridge_url"`
}

// TradesConfig contains trade aggregator settings
type TradesConfig struct {
	StateTTLHours          int `yaml:"state_ttl_hours" validate:"min=1,max=72"`
	FillTTLHours           int `yaml:"fill_ttl_hours" validate:"min=1,max=168"`
	FillCountCap           int `yaml:"fill_count_cap" validate:"min=1,max=100000"`
	OrphanThresholdMinutes int `yaml:"orphan_threshold_minutes" validate:"min=1,max=1440"`
	OrphanScanMinutes      int `yaml:"orphan_scan_minutes" validate:"min=1,max=60"`
}

// DependencyConfig tabulates the resilience wrapper for one named dependency
type DependencyConfig struct {
	TimeoutMs        int     `yaml:"timeout_ms" validate:"min=1"`
	RetryMaxAttempts int     `yaml:"retry_max_attempts" validate:"min=0,max=10"`
	RetryBackoffMs   int     `yaml:"retry_backoff_ms" validate:"min=1"`
	RetryExponential bool    `yaml:"retry_exponential"`
	BreakerFailures  int     `yaml:"breaker_failures" validate:"min=1"`
	BreakerCapacity  int     `yaml:"breaker_capacity" validate:"min=1"`
	BreakerDelaySec  int     `yaml:"breaker_delay_seconds" validate:"min=1"`
	RatePerSecond    float64 `yaml:"rate_per_second" validate:"min=0"`
	RateBurst        int     `yaml:"rate_burst" validate:"min=0"`
}

// NotificationsConfig selects the cache-invalidation delivery path
type NotificationsConfig struct {
	Mode string `yaml:"mode" validate:"oneof=direct fabric both"`
}

// Notification delivery modes.
const (
	NotifyDirect = "direct"
	NotifyFabric = "fabric"
	NotifyBoth   = "both"
)

// AlertsConfig contains alert channel settings
type AlertsConfig struct {
	Enabled          bool   `yaml:"enabled"`
	SlackWebhookURL  Secret `yaml:"slack_webhook_url"`
	TelegramBotToken Secret `yaml:"telegram_bot_token"`
	TelegramChatID   string `yaml:"telegram_chat_id"`
	MinSeverity      string `yaml:"min_severity" validate:"oneof=INFO WARNING ERROR CRITICAL"`
}

// AnalyticsConfig contains the read-model HTTP surface settings
type AnalyticsConfig struct {
	ListenAddr  string   `yaml:"listen_addr"`
	CORSOrigins []string `yaml:"cors_origins"`
}

// PushConfig contains the valuation push hub settings
type PushConfig struct {
	ListenAddr       string   `yaml:"listen_addr"`
	AllowedOrigins   []string `yaml:"allowed_origins"`
	MaxConnections   int      `yaml:"max_connections" validate:"min=1,max=65536"`
	DialsPerIPPerSec float64  `yaml:"dials_per_ip_per_second" validate:"min=0"`
	DialBurstPerIP   int      `yaml:"dial_burst_per_ip" validate:"min=0"`
	SendBuffer       int      `yaml:"send_buffer" validate:"min=1,max=65536"`
}

// TelemetryConfig contains telemetry settings
type TelemetryConfig struct {
	MetricsPort   int  `yaml:"metrics_port"`
	HealthPort    int  `yaml:"health_port"`
	EnableMetrics bool `yaml:"enable_metrics"`
}

// ConcurrencyConfig contains worker pool settings
type ConcurrencyConfig struct {
	LoaderPoolSize       int `yaml:"loader_pool_size" validate:"min=1,max=100"`
	LoaderPoolBuffer     int `yaml:"loader_pool_buffer" validate:"min=1,max=10000"`
	RevalPoolSize        int `yaml:"reval_pool_size" validate:"min=1,max=100"`
	RevalPoolBuffer      int `yaml:"reval_pool_buffer" validate:"min=1,max=100000"`
	AggregatorPoolSize   int `yaml:"aggregator_pool_size" validate:"min=1,max=100"`
	AggregatorPoolBuffer int `yaml:"aggregator_pool_buffer" validate:"min=1,max=10000"`
}

// Dependency names used across the resilience table.
const (
	DepDatabase     = "database"
	DepKV           = "kv"
	DepMessaging    = "messaging"
	DepMSPMFeed     = "mspm_feed"
	DepTradeChannel = "trade_channel"
)

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// LoadConfig loads configuration from a YAML file with environment variable expansion
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Expand environment variables in the YAML content
	expandedData := expandEnvVars(string(data))

	config := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expandedData), config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	var errors []string

	if err := c.validateServiceConfig(); err != nil {
		errors = append(errors, err.Error())
	}

	if err := c.validateShardingConfig(); err != nil {
		errors = append(errors, err.Error())
	}

	if err := c.validateEODConfig(); err != nil {
		errors = append(errors, err.Error())
	}

	if err := c.validatePricingConfig(); err != nil {
		errors = append(errors, err.Error())
	}

	if err := c.validateTradesConfig(); err != nil {
		errors = append(errors, err.Error())
	}

	if err := c.validateNotificationsConfig(); err != nil {
		errors = append(errors, err.Error())
	}

	if err := c.validatePushConfig(); err != nil {
		errors = append(errors, err.Error())
	}

	if err := c.validateResilienceConfig(); err != nil {
		errors = append(errors, err.Error())
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errors, "\n"))
	}

	return nil
}

func (c *Config) validateServiceConfig() error {
	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	if !contains(validLevels, strings.ToUpper(c.Service.LogLevel)) {
		return ValidationError{
			Field:   "service.log_level",
			Value:   c.Service.LogLevel,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validLevels, ", ")),
		}
	}
	if c.Service.LogFormat != "" && c.Service.LogFormat != "console" && c.Service.LogFormat != "json" {
		return ValidationError{
			Field:   "service.log_format",
			Value:   c.Service.LogFormat,
			Message: "must be one of: console, json",
		}
	}
	return nil
}

func (c *Config) validateShardingConfig() error {
	if c.Sharding.TotalShards < 1 {
		return ValidationError{
			Field:   "sharding.total_shards",
			Value:   c.Sharding.TotalShards,
			Message: "must be at least 1",
		}
	}
	if c.Sharding.ShardIndex < 0 || c.Sharding.ShardIndex >= c.Sharding.TotalShards {
		return ValidationError{
			Field:   "sharding.shard_index",
			Value:   c.Sharding.ShardIndex,
			Message: fmt.Sprintf("must be in [0, %d)", c.Sharding.TotalShards),
		}
	}
	return nil
}

func (c *Config) validateEODConfig() error {
	if c.EOD.Engine != "simple" && c.EOD.Engine != "durable" {
		return ValidationError{
			Field:   "eod.engine",
			Value:   c.EOD.Engine,
			Message: "must be one of: simple, durable",
		}
	}
	if c.EOD.Engine == "durable" && c.EOD.DatabaseURL == "" {
		return ValidationError{
			Field:   "eod.database_url",
			Message: "required when eod.engine is durable",
		}
	}
	if c.EOD.Deadline != "" {
		if _, err := time.Parse("15:04", c.EOD.Deadline); err != nil {
			return ValidationError{
				Field:   "eod.deadline",
				Value:   c.EOD.Deadline,
				Message: "must be HH:MM",
			}
		}
	}
	if c.EOD.ValidationErrorThreshold < 0 || c.EOD.ValidationErrorThreshold > 1 {
		return ValidationError{
			Field:   "eod.validation_error_threshold",
			Value:   c.EOD.ValidationErrorThreshold,
			Message: "must be a fraction in [0, 1]",
		}
	}
	return nil
}

func (c *Config) validatePricingConfig() error {
	if c.Pricing.PriceL1Cap <= 0 {
		return ValidationError{
			Field:   "pricing.price_l1_cap",
			Value:   c.Pricing.PriceL1Cap,
			Message: "must be positive",
		}
	}
	if c.Pricing.FxL1Cap <= 0 {
		return ValidationError{
			Field:   "pricing.fx_l1_cap",
			Value:   c.Pricing.FxL1Cap,
			Message: "must be positive",
		}
	}
	if c.Pricing.FlushIntervalMs <= 0 {
		return ValidationError{
			Field:   "pricing.flush_interval_ms",
			Value:   c.Pricing.FlushIntervalMs,
			Message: "must be positive",
		}
	}
	if c.Pricing.FeedBridgeEnabled && c.Pricing.FeedBridgeURL == "" {
		return ValidationError{
			Field:   "pricing.feed_bridge_url",
			Message: "required when the feed bridge is enabled",
		}
	}
	return nil
}

func (c *Config) validateTradesConfig() error {
	if c.Trades.OrphanThresholdMinutes <= 0 {
		return ValidationError{
			Field:   "trades.orphan_threshold_minutes",
			Value:   c.Trades.OrphanThresholdMinutes,
			Message: "must be positive",
		}
	}
	if c.Trades.OrphanScanMinutes <= 0 {
		return ValidationError{
			Field:   "trades.orphan_scan_minutes",
			Value:   c.Trades.OrphanScanMinutes,
			Message: "must be positive",
		}
	}
	if c.Trades.FillCountCap <= 0 {
		return ValidationError{
			Field:   "trades.fill_count_cap",
			Value:   c.Trades.FillCountCap,
			Message: "must be positive",
		}
	}
	return nil
}

func (c *Config) validateNotificationsConfig() error {
	validModes := []string{"direct", "fabric", "both"}
	if !contains(validModes, c.Notifications.Mode) {
		return ValidationError{
			Field:   "notifications.mode",
			Value:   c.Notifications.Mode,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validModes, ", ")),
		}
	}
	return nil
}

func (c *Config) validatePushConfig() error {
	if c.Push.MaxConnections <= 0 {
		return ValidationError{
			Field:   "push.max_connections",
			Value:   c.Push.MaxConnections,
			Message: "must be positive",
		}
	}
	if c.Push.SendBuffer <= 0 {
		return ValidationError{
			Field:   "push.send_buffer",
			Value:   c.Push.SendBuffer,
			Message: "must be positive",
		}
	}
	if c.Push.DialsPerIPPerSec < 0 {
		return ValidationError{
			Field:   "push.dials_per_ip_per_second",
			Value:   c.Push.DialsPerIPPerSec,
			Message: "must not be negative",
		}
	}
	return nil
}

func (c *Config) validateResilienceConfig() error {
	for name, dep := range c.Resilience {
		if dep.TimeoutMs <= 0 {
			return ValidationError{
				Field:   fmt.Sprintf("resilience.%s.timeout_ms", name),
				Value:   dep.TimeoutMs,
				Message: "must be positive",
			}
		}
	}
	return nil
}

// GetDependency returns the resilience table entry for a named dependency,
// falling back to the built-in defaults for unknown names.
func (c *Config) GetDependency(name string) DependencyConfig {
	if dep, ok := c.Resilience[name]; ok {
		return dep
	}
	if dep, ok := defaultResilience()[name]; ok {
		return dep
	}
	return DependencyConfig{
		TimeoutMs:        3000,
		RetryMaxAttempts: 3,
		RetryBackoffMs:   500,
		RetryExponential: true,
		BreakerFailures:  5,
		BreakerCapacity:  10,
		BreakerDelaySec:  10,
	}
}

// String returns a string representation of the configuration (with sensitive data masked)
func (c *Config) String() string {
	// Secret fields redact themselves when marshaled; the DBOS URL is a
	// plain string carrying credentials, so it is masked by hand.
	configCopy := *c
	configCopy.EOD.DatabaseURL = maskString(c.EOD.DatabaseURL)

	data, _ := yaml.Marshal(&configCopy)
	return string(data)
}

// Helper functions

func expandEnvVars(s string) string {
	return os.Expand(s, func(key string) string {
		return os.Getenv(key)
	})
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

func maskString(s string) string {
	if len(s) <= 8 {
		return strings.Repeat("*", len(s))
	}
	return s[:4] + strings.Repeat("*", len(s)-8) + s[len(s)-4:]
}

func defaultResilience() map[string]DependencyConfig {
	return map[string]DependencyConfig{
		DepDatabase: {
			TimeoutMs:        10000,
			RetryMaxAttempts: 5,
			RetryBackoffMs:   500,
			RetryExponential: true,
			BreakerFailures:  5,
			BreakerCapacity:  10,
			BreakerDelaySec:  10,
		},
		DepKV: {
			TimeoutMs:        500,
			RetryMaxAttempts: 2,
			RetryBackoffMs:   50,
			RetryExponential: false,
			BreakerFailures:  10,
			BreakerCapacity:  20,
			BreakerDelaySec:  5,
		},
		DepMessaging: {
			TimeoutMs:        3000,
			RetryMaxAttempts: 3,
			RetryBackoffMs:   1000,
			RetryExponential: false,
			BreakerFailures:  5,
			BreakerCapacity:  10,
			BreakerDelaySec:  10,
		},
		DepMSPMFeed: {
			TimeoutMs:        15000,
			RetryMaxAttempts: 4,
			RetryBackoffMs:   2000,
			RetryExponential: true,
			BreakerFailures:  3,
			BreakerCapacity:  6,
			BreakerDelaySec:  30,
			RatePerSecond:    20,
			RateBurst:        40,
		},
		DepTradeChannel: {
			TimeoutMs:        5000,
			RetryMaxAttempts: 3,
			RetryBackoffMs:   1000,
			RetryExponential: false,
			BreakerFailures:  5,
			BreakerCapacity:  10,
			BreakerDelaySec:  15,
			RatePerSecond:    50,
			RateBurst:        100,
		},
	}
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:        "fx_platform",
			Environment: "dev",
			LogLevel:    "INFO",
			LogFormat:   "console",
		},
		Database: DatabaseConfig{
			Path:          "fx_platform.db",
			BusyTimeoutMs: 5000,
		},
		KV: KVConfig{
			SweepIntervalSeconds: 30,
		},
		Fabric: FabricConfig{
			Partitions:         8,
			DedupWindowSeconds: 300,
			BufferPerPartition: 1024,
		},
		Sharding: ShardingConfig{
			ShardIndex:  0,
			TotalShards: 1,
		},
		MSPM: MSPMConfig{
			BaseURL:        "http://localhost:8091",
			TimeoutSeconds: 15,
		},
		EOD: EODConfig{
			Engine:                   "simple",
			Deadline:                 "17:30",
			TriggerCron:              "0 17 * * 1-5",
			ValidationErrorThreshold: 0.05,
			LeaseTTLSeconds:          120,
			RetryAttempts:            3,
		},
		Intraday: IntradayConfig{
			RefTTLMinutes: 60,
		},
		Pricing: PricingConfig{
			PriceL1Cap:            50000,
			FxL1Cap:               1000,
			PriceL1TTLSeconds:     30,
			FxL1TTLSeconds:        60,
			L2TTLSeconds:          300,
			RealtimeMaxAgeSeconds: 30,
			RcpSnapMaxAgeHours:    24,
			FlushIntervalMs:       250,
			DirtyFlushIntervalMs:  1000,
		},
		Trades: TradesConfig{
			StateTTLHours:          4,
			FillTTLHours:           24,
			FillCountCap:           1000,
			OrphanThresholdMinutes: 30,
			OrphanScanMinutes:      5,
		},
		Resilience: defaultResilience(),
		Notifications: NotificationsConfig{
			Mode: "both",
		},
		Alerts: AlertsConfig{
			Enabled:     false,
			MinSeverity: "WARNING",
		},
		Analytics: AnalyticsConfig{
			ListenAddr:  ":8081",
			CORSOrigins: []string{"*"},
		},
		Push: PushConfig{
			ListenAddr:       ":8082",
			AllowedOrigins:   []string{"*"},
			MaxConnections:   1024,
			DialsPerIPPerSec: 1,
			DialBurstPerIP:   5,
			SendBuffer:       256,
		},
		Telemetry: TelemetryConfig{
			MetricsPort:   9090,
			HealthPort:    8086,
			EnableMetrics: true,
		},
		Concurrency: ConcurrencyConfig{
			LoaderPoolSize:       8,
			LoaderPoolBuffer:     1024,
			RevalPoolSize:        16,
			RevalPoolBuffer:      8192,
			AggregatorPoolSize:   8,
			AggregatorPoolBuffer: 2048,
		},
	}
}
