package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codeberg.org/howlx/atmosd/internal/config"
)

func TestLoad(t *testing.T) {
	tempDir := t.TempDir()

	configContent := []byte(`
interval = 600
oneshot = true
log_level = "debug"
sensor_name = "Atmos Bench"
sea_level_hpa = 1020.0
aio_enable = false
influx_enable = true
influx_url = "https://influx.example.net"
influx_v1_db = "atmos"
archive_enable = true
archive_db = "/tmp/atmos-archive.db"
`)
	configPath := filepath.Join(tempDir, "atmosd.toml")
	err := os.WriteFile(configPath, configContent, 0o600)
	require.NoError(t, err)

	t.Setenv("ATMOSD_CONFIG", configPath)

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, 600, cfg.Interval)
	assert.True(t, cfg.Oneshot)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "Atmos Bench", cfg.SensorName)
	assert.InDelta(t, 1020.0, cfg.SeaLevelHPa, 1e-9)
	assert.False(t, cfg.AIOEnable)
	assert.True(t, cfg.InfluxEnable)
	assert.Equal(t, "https://influx.example.net", cfg.InfluxURL)
	assert.Equal(t, "atmos", cfg.InfluxV1DB)
	assert.True(t, cfg.ArchiveEnable)
	assert.Equal(t, "/tmp/atmos-archive.db", cfg.ArchiveDB)
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("ATMOSD_CONFIG", filepath.Join(t.TempDir(), "absent.toml"))

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, config.DefaultInterval, cfg.Interval)
	assert.False(t, cfg.Oneshot)
	assert.False(t, cfg.Monitor)
	assert.Equal(t, config.DefaultLogLevel, cfg.LogLevel)
	assert.InDelta(t, config.DefaultSeaLevelHPa, cfg.SeaLevelHPa, 1e-9)
	assert.Equal(t, config.DefaultProbeTries, cfg.ProbeTries)
	assert.Equal(t, config.DefaultRetryTries, cfg.RetryTries)
	assert.True(t, cfg.AIOEnable)
	assert.False(t, cfg.InfluxEnable)
	assert.False(t, cfg.MQTTEnable)
	assert.Equal(t, 1883, cfg.MQTTPort)
}

func TestLoadConfigFileInvalidFormat(t *testing.T) {
	tempDir := t.TempDir()

	configContent := []byte(`
This is not a valid TOML file
`)
	configPath := filepath.Join(tempDir, "atmosd.toml")
	err := os.WriteFile(configPath, configContent, 0o600)
	require.NoError(t, err)

	t.Setenv("ATMOSD_CONFIG", configPath)

	_, err = config.Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Failed to read configuration")
}

func TestInvalidLogLevel(t *testing.T) {
	tempDir := t.TempDir()

	configContent := []byte(`
log_level = "loud"
`)
	configPath := filepath.Join(tempDir, "atmosd.toml")
	err := os.WriteFile(configPath, configContent, 0o600)
	require.NoError(t, err)

	t.Setenv("ATMOSD_CONFIG", configPath)

	_, err = config.Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid_log_level")
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("ATMOSD_CONFIG", filepath.Join(t.TempDir(), "absent.toml"))
	t.Setenv("ATMOSD_INTERVAL", "120")
	t.Setenv("ATMOSD_MQTT_ENABLE", "true")
	t.Setenv("ATMOSD_MQTT_BROKER", "broker.local")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, 120, cfg.Interval)
	assert.True(t, cfg.MQTTEnable)
	assert.Equal(t, "broker.local", cfg.MQTTBroker)
}

func TestValidateRejectsBadInterval(t *testing.T) {
	tempDir := t.TempDir()

	configPath := filepath.Join(tempDir, "atmosd.toml")
	err := os.WriteFile(configPath, []byte("interval = 0\n"), 0o600)
	require.NoError(t, err)

	t.Setenv("ATMOSD_CONFIG", configPath)

	_, err = config.Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "interval")
}
