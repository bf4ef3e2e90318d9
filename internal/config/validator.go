package config

import (
	"fmt"

	"github.com/robfig/cron/v3"
)

var validProviders = map[string]bool{
	"anthropic": true,
	"openai":    true,
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if len(c.Providers) == 0 {
		return fmt.Errorf("no provider credentials configured: at least one provider profile is required")
	}

	seen := make(map[string]bool, len(c.Providers))
	for i, profile := range c.Providers {
		if profile.ID == "" {
			return fmt.Errorf("provider profile %d: ID is required", i)
		}
		if seen[profile.ID] {
			return fmt.Errorf("provider profile %s: duplicate ID", profile.ID)
		}
		seen[profile.ID] = true
		if !validProviders[profile.Provider] {
			return fmt.Errorf("provider profile %s: invalid provider %s (must be: anthropic, openai)", profile.ID, profile.Provider)
		}
		if profile.APIKey == "" {
			return fmt.Errorf("provider profile %s: api_key is required", profile.ID)
		}
		if profile.Model == "" {
			return fmt.Errorf("provider profile %s: model is required", profile.ID)
		}
	}

	if c.Bridge.GatewayURL == "" {
		return fmt.Errorf("bridge gateway_url is required")
	}
	if c.Bridge.DisplayWidth <= 0 || c.Bridge.DisplayHeight <= 0 {
		return fmt.Errorf("bridge display dimensions must be positive")
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server port %d out of range", c.Server.Port)
	}

	switch c.Store.Driver {
	case "sqlite", "memory":
	default:
		return fmt.Errorf("invalid store driver %s (must be: sqlite, memory)", c.Store.Driver)
	}

	if e := c.Engine; e.MaxTurns <= 0 || e.MaxRetries < 0 || e.TokenLimit <= 0 ||
		e.RecoveryThreshold <= 0 || e.MaxRecoveryAttempts <= 0 {
		return fmt.Errorf("engine budgets must be positive")
	}

	if c.Pruning.Enabled {
		if c.Pruning.RetentionDays <= 0 {
			return fmt.Errorf("pruning retention_days must be positive")
		}
		if _, err := cron.ParseStandard(c.Pruning.Schedule); err != nil {
			return fmt.Errorf("invalid pruning schedule %q: %w", c.Pruning.Schedule, err)
		}
	}

	return nil
}
