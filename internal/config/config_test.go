package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_AppliesDefaults(t *testing.T) {
	path := writeConfig(t, "server:\n  port: 9000\n")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, 100, cfg.Budget.DailyCap)
	assert.Equal(t, 20, cfg.Budget.FixturesCap)
	assert.Equal(t, 15*time.Minute, cfg.Polling.Interval)
	assert.Equal(t, "simple", cfg.Scoring.Scheme)
	assert.Equal(t, "*/15 * * * *", cfg.Supervisor.SweepCron)
	assert.Equal(t, "https://v3.football.api-sports.io", cfg.Provider.BaseURL)
}

func TestLoad_ExpandsEnvironment(t *testing.T) {
	t.Setenv("TEST_PROVIDER_KEY", "secret-key")
	path := writeConfig(t, "provider:\n  api_key: ${TEST_PROVIDER_KEY}\nscoring:\n  scheme: tiered\n")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "secret-key", cfg.Provider.APIKey)
	assert.Equal(t, "tiered", cfg.Scoring.Scheme)
}

func TestLoad_RejectsInvalidBudget(t *testing.T) {
	path := writeConfig(t, "budget:\n  daily_cap: 10\n  fixtures_cap: 50\n")

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fixtures_cap")
}

func TestLoad_RejectsUnknownScheme(t *testing.T) {
	path := writeConfig(t, "scoring:\n  scheme: generous\n")

	_, err := Load(path)
	require.Error(t, err)
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	require.NoError(t, cfg.Validate())
	assert.True(t, cfg.Supervisor.Enabled)
	assert.Equal(t, "postgres://:@localhost:5432/?sslmode=disable", cfg.Postgres.ConnectionString())
}
