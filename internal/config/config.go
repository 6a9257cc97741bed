package config

import (
	"encoding/json"
	"fmt"
)

// Config represents the main Finch configuration
type Config struct {
	// Gateway server
	Gateway GatewayConfig `json:"gateway" mapstructure:"gateway"`

	// Durable store
	Store StoreConfig `json:"store" mapstructure:"store"`

	// Model provider
	Model ModelConfig `json:"model" mapstructure:"model"`

	// Turn orchestration
	Turn TurnConfig `json:"turn" mapstructure:"turn"`

	// Market data feed
	MarketData MarketDataConfig `json:"market_data" mapstructure:"market_data"`

	// Event streaming
	Stream StreamConfig `json:"stream" mapstructure:"stream"`

	// Event log retention
	Retention RetentionConfig `json:"retention" mapstructure:"retention"`

	// Credential refresh
	Auth AuthConfig `json:"auth" mapstructure:"auth"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// GatewayConfig holds the websocket gateway configuration
type GatewayConfig struct {
	Host         string `json:"host" mapstructure:"host"`
	Port         int    `json:"port" mapstructure:"port"`
	MetricsPort  int    `json:"metrics_port" mapstructure:"metrics_port"`
	SharedSecret string `json:"shared_secret" mapstructure:"shared_secret"`
}

// StoreConfig holds the session store configuration
type StoreConfig struct {
	Path string `json:"path" mapstructure:"path"` // sqlite database path
}

// ModelConfig holds the LLM provider configuration
type ModelConfig struct {
	APIKey          string  `json:"api_key" mapstructure:"api_key"`
	Model           string  `json:"model" mapstructure:"model"`
	ClassifierModel string  `json:"classifier_model" mapstructure:"classifier_model"`
	Temperature     float64 `json:"temperature" mapstructure:"temperature"`
	MaxTokens       int     `json:"max_tokens" mapstructure:"max_tokens"`
}

// TurnConfig holds turn orchestration thresholds
type TurnConfig struct {
	ConfidenceThreshold    float64 `json:"confidence_threshold" mapstructure:"confidence_threshold"`
	ErrorThreshold         int     `json:"error_threshold" mapstructure:"error_threshold"`
	ClassificationRetries  int     `json:"classification_retries" mapstructure:"classification_retries"`
	ToolTimeoutSeconds     int     `json:"tool_timeout_seconds" mapstructure:"tool_timeout_seconds"`
	ShutdownTimeoutSeconds int     `json:"shutdown_timeout_seconds" mapstructure:"shutdown_timeout_seconds"`
}

// MarketDataConfig holds the quote feed configuration. The static
// provider serves seeded in-memory quotes for local runs.
type MarketDataConfig struct {
	Provider string `json:"provider" mapstructure:"provider"` // static or http
	BaseURL  string `json:"base_url" mapstructure:"base_url"`
	APIKey   string `json:"api_key" mapstructure:"api_key"`
}

// StreamConfig holds the event multiplexer configuration
type StreamConfig struct {
	BufferSize int `json:"buffer_size" mapstructure:"buffer_size"`
}

// RetentionConfig holds event log compaction settings
type RetentionConfig struct {
	Enabled  bool   `json:"enabled" mapstructure:"enabled"`
	Schedule string `json:"schedule" mapstructure:"schedule"` // cron expression
	MaxAge   int    `json:"max_age" mapstructure:"max_age"`   // days
}

// AuthConfig holds credential refresh settings
type AuthConfig struct {
	RefreshMarginSeconds int `json:"refresh_margin_seconds" mapstructure:"refresh_margin_seconds"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Host:        "0.0.0.0",
			Port:        8080,
			MetricsPort: 9090,
		},
		Store: StoreConfig{
			Path: "",
		},
		Model: ModelConfig{
			Model:           "gpt-4o",
			ClassifierModel: "gpt-4o-mini",
			Temperature:     0.3,
			MaxTokens:       4096,
		},
		Turn: TurnConfig{
			ConfidenceThreshold:    0.7,
			ErrorThreshold:         3,
			ClassificationRetries:  3,
			ToolTimeoutSeconds:     30,
			ShutdownTimeoutSeconds: 30,
		},
		MarketData: MarketDataConfig{
			Provider: "static",
		},
		Stream: StreamConfig{
			BufferSize: 256,
		},
		Retention: RetentionConfig{
			Enabled:  true,
			Schedule: "0 3 * * *",
			MaxAge:   7,
		},
		Auth: AuthConfig{
			RefreshMarginSeconds: 300,
		},
		Logging: LoggingConfig{
			Level:     "info",
			Redaction: true,
		},
		DataDir: "",
	}
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Gateway.Port <= 0 || c.Gateway.Port > 65535 {
		return fmt.Errorf("gateway port must be between 1 and 65535")
	}
	if c.Gateway.SharedSecret == "" {
		return fmt.Errorf("gateway shared_secret is required")
	}

	if c.Model.APIKey == "" {
		return fmt.Errorf("model api_key is required")
	}
	if c.Model.Model == "" {
		return fmt.Errorf("model name is required")
	}
	if c.Model.Temperature < 0 || c.Model.Temperature > 1 {
		return fmt.Errorf("model temperature must be between 0 and 1")
	}

	if c.Turn.ConfidenceThreshold < 0 || c.Turn.ConfidenceThreshold > 1 {
		return fmt.Errorf("confidence threshold must be between 0 and 1")
	}
	if c.Turn.ErrorThreshold < 0 {
		return fmt.Errorf("error threshold cannot be negative")
	}
	if c.Turn.ClassificationRetries < 1 {
		return fmt.Errorf("classification retries must be at least 1")
	}

	switch c.MarketData.Provider {
	case "static":
	case "http":
		if c.MarketData.BaseURL == "" {
			return fmt.Errorf("market data base_url is required for the http provider")
		}
		if c.MarketData.APIKey == "" {
			return fmt.Errorf("market data api_key is required for the http provider")
		}
	default:
		return fmt.Errorf("unknown market data provider: %s", c.MarketData.Provider)
	}

	if c.Stream.BufferSize < 1 {
		return fmt.Errorf("stream buffer size must be at least 1")
	}

	if c.Retention.Enabled {
		if c.Retention.Schedule == "" {
			return fmt.Errorf("retention schedule is required when retention is enabled")
		}
		if c.Retention.MaxAge < 1 {
			return fmt.Errorf("retention max age must be at least 1 day")
		}
	}

	if c.Auth.RefreshMarginSeconds < 0 {
		return fmt.Errorf("refresh margin cannot be negative")
	}

	return nil
}
