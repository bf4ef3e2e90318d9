// Package config defines the daemon configuration, loaded from a JSON
// file with LEGATO_* environment overrides.
package config

import (
	"encoding/json"
	"fmt"
)

// Config represents the main Legato configuration
type Config struct {
	// Providers holds the LLM vendor credentials, in priority order
	Providers []ProviderProfile `json:"providers" mapstructure:"providers"`

	// Engine tunes the sampling loop
	Engine EngineConfig `json:"engine" mapstructure:"engine"`

	// Bridge points at the remote desktop gateway
	Bridge BridgeConfig `json:"bridge" mapstructure:"bridge"`

	// Server is the control API surface
	Server ServerConfig `json:"server" mapstructure:"server"`

	// Store selects job persistence
	Store StoreConfig `json:"store" mapstructure:"store"`

	// Definitions locates the automation definition files
	Definitions DefinitionsConfig `json:"definitions" mapstructure:"definitions"`

	// Pruning controls exchange log retention
	Pruning PruningConfig `json:"pruning" mapstructure:"pruning"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// ProviderProfile holds the credentials for one LLM vendor
type ProviderProfile struct {
	ID       string `json:"id" mapstructure:"id"`
	Provider string `json:"provider" mapstructure:"provider"` // anthropic, openai
	Model    string `json:"model" mapstructure:"model"`
	APIKey   string `json:"api_key" mapstructure:"api_key"`
	BaseURL  string `json:"base_url,omitempty" mapstructure:"base_url"`
	Priority int    `json:"priority" mapstructure:"priority"`
}

// EngineConfig tunes the sampling loop budgets and recovery behavior
type EngineConfig struct {
	MaxTokens           int `json:"max_tokens" mapstructure:"max_tokens"`
	MaxRetries          int `json:"max_retries" mapstructure:"max_retries"`
	CallTimeoutSeconds  int `json:"call_timeout_seconds" mapstructure:"call_timeout_seconds"`
	MaxTurns            int `json:"max_turns" mapstructure:"max_turns"`
	WallClockMinutes    int `json:"wall_clock_minutes" mapstructure:"wall_clock_minutes"`
	TokenLimit          int `json:"token_limit" mapstructure:"token_limit"`
	RecoveryThreshold   int `json:"recovery_threshold" mapstructure:"recovery_threshold"`
	MaxRecoveryAttempts int `json:"max_recovery_attempts" mapstructure:"max_recovery_attempts"`
}

// BridgeConfig locates the remote desktop gateway
type BridgeConfig struct {
	GatewayURL    string `json:"gateway_url" mapstructure:"gateway_url"`
	DisplayWidth  int    `json:"display_width" mapstructure:"display_width"`
	DisplayHeight int    `json:"display_height" mapstructure:"display_height"`
}

// ServerConfig holds control API server configuration
type ServerConfig struct {
	Host string `json:"host" mapstructure:"host"`
	Port int    `json:"port" mapstructure:"port"`
}

// StoreConfig selects persistence for jobs and their logs
type StoreConfig struct {
	Driver string `json:"driver" mapstructure:"driver"` // sqlite, memory
	Path   string `json:"path" mapstructure:"path"`
}

// DefinitionsConfig locates the automation definition files
type DefinitionsConfig struct {
	Dir   string `json:"dir" mapstructure:"dir"`
	Watch bool   `json:"watch" mapstructure:"watch"`
}

// PruningConfig controls exchange log retention
type PruningConfig struct {
	Enabled       bool   `json:"enabled" mapstructure:"enabled"`
	RetentionDays int    `json:"retention_days" mapstructure:"retention_days"`
	Schedule      string `json:"schedule" mapstructure:"schedule"` // cron expression
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`   // days
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Providers: []ProviderProfile{},
		Engine: EngineConfig{
			MaxTokens:           4096,
			MaxRetries:          3,
			CallTimeoutSeconds:  180,
			MaxTurns:            40,
			WallClockMinutes:    30,
			TokenLimit:          200000,
			RecoveryThreshold:   3,
			MaxRecoveryAttempts: 3,
		},
		Bridge: BridgeConfig{
			GatewayURL:    "http://localhost:8088/api",
			DisplayWidth:  1024,
			DisplayHeight: 768,
		},
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Store: StoreConfig{
			Driver: "sqlite",
		},
		Definitions: DefinitionsConfig{
			Dir:   "",
			Watch: true,
		},
		Pruning: PruningConfig{
			Enabled:       true,
			RetentionDays: 30,
			Schedule:      "0 3 * * *",
		},
		Logging: LoggingConfig{
			Level:     "info",
			MaxSize:   100,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,
		},
		DataDir: "",
	}
}

// DefaultProfile returns the highest-priority provider profile.
func (c *Config) DefaultProfile() (*ProviderProfile, error) {
	if len(c.Providers) == 0 {
		return nil, fmt.Errorf("no provider profiles configured")
	}
	best := &c.Providers[0]
	for i := range c.Providers[1:] {
		p := &c.Providers[i+1]
		if p.Priority < best.Priority {
			best = p
		}
	}
	return best, nil
}

// Profile returns the provider profile with the given id.
func (c *Config) Profile(id string) (*ProviderProfile, error) {
	for i := range c.Providers {
		if c.Providers[i].ID == id {
			return &c.Providers[i], nil
		}
	}
	return nil, fmt.Errorf("provider profile %s not found", id)
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}
