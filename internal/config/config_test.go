package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLoadDefaults(t *testing.T) {
	// Change to temp dir so no config.yaml is found
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.InDelta(t, 0.55, cfg.Aggregator.MergeThreshold, 0.001)
	assert.InDelta(t, 0.4, cfg.Aggregator.LabelWeight, 0.001)
	assert.InDelta(t, 0.45, cfg.Aggregator.SpatialWeight, 0.001)
	assert.InDelta(t, 0.15, cfg.Aggregator.RecencyWeight, 0.001)
	assert.Equal(t, 10*time.Second, cfg.Aggregator.StaleAge)
	assert.Equal(t, 8, cfg.Aggregator.HistoryLen)
	assert.Equal(t, "on_device", cfg.Classify.Mode)
	assert.Equal(t, 3, cfg.Classify.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.Classify.InitialBackoff)
	assert.Equal(t, 3*time.Second, cfg.Gate.Cooldown)
	assert.Equal(t, 3, cfg.Gate.StabilityWindow)
	assert.InDelta(t, 0.02, cfg.Gate.StabilityEpsilon, 0.001)
	assert.InDelta(t, 0.7, cfg.Overlay.ProximityWeight, 0.001)
	assert.InDelta(t, 0.3, cfg.Overlay.ConfidenceWeight, 0.001)
	assert.InDelta(t, 0.6, cfg.Overlay.ReadinessThreshold, 0.001)
	assert.Equal(t, "claude-haiku-4-5-20251001", cfg.Cloud.Model)
	assert.Equal(t, "noop", cfg.Thumbnail.Provider)
	assert.Equal(t, 16, cfg.Session.AlertBuffer)
}

func TestLoadFromYAML(t *testing.T) {
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	yaml := `
store:
  driver: postgres
log:
  level: debug
  format: console
server:
  port: 9090
classify:
  mode: cloud
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "cloud", cfg.Classify.Mode)
	// Defaults still apply for unset values
	assert.InDelta(t, 0.55, cfg.Aggregator.MergeThreshold, 0.001)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	yaml := `
store:
  driver: postgres
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	t.Setenv("SCANPIPE_STORE_DRIVER", "sqlite")
	t.Setenv("SCANPIPE_LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)

	// Env overrides file
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	t.Setenv("SCANPIPE_SERVER_PORT", "3000")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3000, cfg.Server.Port)
}

func TestInitLoggerConsole(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerJSON(t *testing.T) {
	err := InitLogger(LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "invalid", Format: "json"})
	assert.Error(t, err)
}

// validDefaults returns a Config populated like Load's defaults for
// validation tests.
func validDefaults() *Config {
	cfg := &Config{}
	cfg.Aggregator.MergeThreshold = 0.55
	cfg.Aggregator.StaleAge = 10 * time.Second
	cfg.Classify.Mode = "on_device"
	cfg.Classify.MaxAttempts = 3
	cfg.Classify.MaxConcurrent = 4
	cfg.Overlay.ProximityWeight = 0.7
	cfg.Overlay.ConfidenceWeight = 0.3
	cfg.Overlay.ReadinessThreshold = 0.6
	cfg.Server.Port = 8080
	return cfg
}

func TestValidateScan_Defaults(t *testing.T) {
	cfg := validDefaults()
	assert.NoError(t, cfg.Validate("scan"))
}

func TestValidateCloudMode_RequiresKey(t *testing.T) {
	cfg := validDefaults()
	cfg.Classify.Mode = "cloud"

	err := cfg.Validate("scan")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "cloud.key is required")

	cfg.Cloud.Key = "sk-ant-key"
	assert.NoError(t, cfg.Validate("scan"))
}

func TestValidateServe_InvalidPort(t *testing.T) {
	cfg := validDefaults()
	cfg.Server.Port = 0

	err := cfg.Validate("serve")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "server.port must be > 0")
}

func TestValidateUnknownMode(t *testing.T) {
	cfg := validDefaults()
	err := cfg.Validate("unknown")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
}

func TestValidateMergeThresholdBounds(t *testing.T) {
	cfg := validDefaults()

	cfg.Aggregator.MergeThreshold = 0
	err := cfg.Validate("scan")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "merge_threshold")

	cfg.Aggregator.MergeThreshold = 1.5
	err = cfg.Validate("scan")
	assert.Error(t, err)

	cfg.Aggregator.MergeThreshold = 0.55
	assert.NoError(t, cfg.Validate("scan"))
}

func TestValidateConcurrencyBounds(t *testing.T) {
	cfg := validDefaults()

	cfg.Classify.MaxConcurrent = 0
	err := cfg.Validate("scan")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "max_concurrent must be between 1 and 32")

	cfg.Classify.MaxConcurrent = 33
	err = cfg.Validate("scan")
	assert.Error(t, err)

	cfg.Classify.MaxConcurrent = 32
	assert.NoError(t, cfg.Validate("scan"))
}

func TestValidateExport_RequiresDB(t *testing.T) {
	cfg := validDefaults()
	err := cfg.Validate("export")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "store.database_url is required")

	cfg.Store.DatabaseURL = "scanpipe.db"
	assert.NoError(t, cfg.Validate("export"))
}
