package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.Providers = []ProviderProfile{
		{ID: "primary", Provider: "anthropic", Model: "claude-sonnet-4-5", APIKey: "sk-test", Priority: 1},
	}
	cfg.DataDir = "/tmp/legato-test"
	return cfg
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Empty(t, cfg.Providers)
	assert.Equal(t, 40, cfg.Engine.MaxTurns)
	assert.Equal(t, 200000, cfg.Engine.TokenLimit)
	assert.Equal(t, 3, cfg.Engine.RecoveryThreshold)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.True(t, cfg.Pruning.Enabled)
	assert.Equal(t, 30, cfg.Pruning.RetentionDays)
	assert.True(t, cfg.Logging.Redaction)
}

func TestDefaultProfile(t *testing.T) {
	cfg := validConfig()
	cfg.Providers = append(cfg.Providers,
		ProviderProfile{ID: "fallback", Provider: "openai", Model: "gpt-4o", APIKey: "sk-other", Priority: 2})

	p, err := cfg.DefaultProfile()
	require.NoError(t, err)
	assert.Equal(t, "primary", p.ID, "the lowest priority value wins")

	cfg.Providers = nil
	_, err = cfg.DefaultProfile()
	assert.Error(t, err)
}

func TestProfileLookup(t *testing.T) {
	cfg := validConfig()

	p, err := cfg.Profile("primary")
	require.NoError(t, err)
	assert.Equal(t, "anthropic", p.Provider)

	_, err = cfg.Profile("nonesuch")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"no providers", func(c *Config) { c.Providers = nil }, "no provider credentials"},
		{"missing profile id", func(c *Config) { c.Providers[0].ID = "" }, "ID is required"},
		{"duplicate profile id", func(c *Config) {
			c.Providers = append(c.Providers, c.Providers[0])
		}, "duplicate ID"},
		{"invalid provider", func(c *Config) { c.Providers[0].Provider = "cohere" }, "invalid provider"},
		{"missing api key", func(c *Config) { c.Providers[0].APIKey = "" }, "api_key is required"},
		{"missing model", func(c *Config) { c.Providers[0].Model = "" }, "model is required"},
		{"missing gateway url", func(c *Config) { c.Bridge.GatewayURL = "" }, "gateway_url is required"},
		{"bad display size", func(c *Config) { c.Bridge.DisplayWidth = 0 }, "display dimensions"},
		{"bad port", func(c *Config) { c.Server.Port = 70000 }, "out of range"},
		{"bad store driver", func(c *Config) { c.Store.Driver = "postgres" }, "invalid store driver"},
		{"bad engine budgets", func(c *Config) { c.Engine.MaxTurns = 0 }, "engine budgets"},
		{"bad retention", func(c *Config) { c.Pruning.RetentionDays = 0 }, "retention_days"},
		{"bad schedule", func(c *Config) { c.Pruning.Schedule = "every day at 3" }, "invalid pruning schedule"},
		{"pruning disabled skips schedule", func(c *Config) {
			c.Pruning.Enabled = false
			c.Pruning.Schedule = "garbage"
		}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nonesuch.json"))
	require.NoError(t, err)
	assert.Equal(t, 40, cfg.Engine.MaxTurns)
	assert.NotEmpty(t, cfg.DataDir)
	assert.NotEmpty(t, cfg.Logging.File)
}

func TestLoadDerivesPaths(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "legato.json")
	body := `{
		"data_dir": "` + dir + `",
		"store": {"driver": "sqlite"},
		"providers": [{"id": "p", "provider": "anthropic", "model": "m", "api_key": "k"}]
	}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, dir, cfg.DataDir)
	assert.Equal(t, filepath.Join(dir, "legato.db"), cfg.Store.Path)
	assert.Equal(t, filepath.Join(dir, "legato.log"), cfg.Logging.File)
	assert.Equal(t, filepath.Join(dir, "definitions"), cfg.Definitions.Dir)
	require.Len(t, cfg.Providers, 1)
	assert.Equal(t, "anthropic", cfg.Providers[0].Provider)
}

func TestLoadMergesOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "legato.json")
	body := `{"server": {"port": 9090}, "data_dir": "` + dir + `"}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 40, cfg.Engine.MaxTurns, "unset fields keep defaults")
}

func TestLoadMalformedFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "legato.json")
	require.NoError(t, os.WriteFile(path, []byte("{broken"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "legato.json")

	cfg := validConfig()
	cfg.Server.Port = 9191
	require.NoError(t, NewLoader(path).Save(cfg))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9191, loaded.Server.Port)
	require.Len(t, loaded.Providers, 1)
	assert.Equal(t, "primary", loaded.Providers[0].ID)
}
