package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_MissingFileReturnsError(t *testing.T) {
	_, err := LoadConfig("/nonexistent/path/config.yaml")
	require.Error(t, err)
}

func TestLoadConfig_ParsesTransportSection(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "config-*.yaml")
	require.NoError(t, err)
	_, err = f.WriteString(`
transport:
  host: core.local
  port: 443
  credentials:
    user: admin
    password: secret
`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	cfg, err := LoadConfig(f.Name())
	require.NoError(t, err)
	assert.Equal(t, "core.local", cfg.Transport.Host)
	assert.Equal(t, 443, cfg.Transport.Port)
	assert.Equal(t, "admin", cfg.Transport.Credentials.User)
}

func TestApplyDefaults_FillsSpecDefaults(t *testing.T) {
	cfg := &Config{}
	cfg.applyDefaults()

	assert.Equal(t, 350, cfg.Transport.PollingIntervalMs)
	assert.Equal(t, 5000, cfg.Transport.ReconnectIntervalMs)
	assert.Equal(t, 5, cfg.Transport.MaxReconnectAttempts)
	assert.Equal(t, 1000, cfg.Cache.MaxEntries)
	assert.Equal(t, 3_600_000, cfg.Cache.TTLMs)
	assert.Equal(t, uint32(5), cfg.Breaker.FailureThreshold)
	assert.Equal(t, uint32(3), cfg.Breaker.SuccessThreshold)
	assert.Equal(t, 60_000, cfg.Breaker.TimeoutMs)
	assert.Equal(t, 50, cfg.Discovery.MaxControlSets)
	assert.Equal(t, 3, cfg.Persistence.BackupCount)
	assert.Equal(t, "json", cfg.Persistence.Format)
}

func TestApplyDefaults_DoesNotOverrideExplicitValues(t *testing.T) {
	cfg := &Config{}
	cfg.Cache.MaxEntries = 42
	cfg.applyDefaults()
	assert.Equal(t, 42, cfg.Cache.MaxEntries)
}

func TestEnvOverrides_TakePrecedenceOverFile(t *testing.T) {
	t.Setenv("QRC_HOST", "override.local")
	t.Setenv("QRC_PORT", "8443")

	cfg := &Config{}
	cfg.Transport.Host = "file.local"
	cfg.Transport.Port = 443
	cfg.applyEnvOverrides()

	assert.Equal(t, "override.local", cfg.Transport.Host)
	assert.Equal(t, 8443, cfg.Transport.Port)
}

func TestDurationHelpers_ConvertMillisecondFields(t *testing.T) {
	cfg := TransportConfig{PollingIntervalMs: 350, CommandTimeoutMs: 30000}
	assert.Equal(t, "350ms", cfg.PollingInterval().String())
	assert.Equal(t, "30s", cfg.CommandTimeout().String())
}
