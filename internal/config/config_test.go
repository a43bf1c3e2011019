package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"codeberg.org/mutker/gpuctl/internal/config"
	"codeberg.org/mutker/gpuctl/internal/errors"
	"codeberg.org/mutker/gpuctl/internal/fan"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testGPU = "1002:744C-1458:241A-0000:03:00.0"

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gpuctl.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
log_level = "debug"
stats_interval = 5
sysfs_root = "/host/sys"

[metrics]
enabled = true
db_path = "/tmp/gpuctl.db"

[gpus."1002:744C-1458:241A-0000:03:00.0"]
power_cap = 280.5
fan_control_enabled = true
performance_level = "manual"

[gpus."1002:744C-1458:241A-0000:03:00.0".fan_control_settings]
mode = "curve"
interval_ms = 250
spindown_delay_ms = 5000
change_threshold = 2
curve = { 30 = 0.2, 50 = 0.5, 70 = 1.0 }

[gpus."1002:744C-1458:241A-0000:03:00.0".pmfw]
zero_rpm = false
acoustic_limit = 2800
`)
	t.Setenv("GPUCTL_CONFIG", path)

	cfg, err := config.Load(nil)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.GetLogLevel())
	assert.Equal(t, 5*time.Second, cfg.GetStatsInterval())
	assert.Equal(t, "/host/sys", cfg.GetSysfsRoot())
	assert.True(t, cfg.IsMetricsEnabled())
	assert.Equal(t, "/tmp/gpuctl.db", cfg.GetMetricsDBPath())
	assert.Equal(t, config.DefaultBatchSize, cfg.Metrics.BatchSize)

	gpus, err := cfg.GPUConfigs()
	require.NoError(t, err)
	require.Contains(t, gpus, "1002:744c-1458:241a-0000:03:00.0")

	g := gpus["1002:744c-1458:241a-0000:03:00.0"]
	require.NotNil(t, g.PowerCap)
	assert.InDelta(t, 280.5, *g.PowerCap, 0.001)
	assert.True(t, g.FanControlEnabled)
	assert.Equal(t, "manual", *g.PerformanceLevel)
	assert.Equal(t, uint32(2800), *g.PMFW.AcousticLimit)
	assert.False(t, *g.PMFW.ZeroRPM)
	assert.Nil(t, g.PMFW.MinimumPwm)

	require.NotNil(t, g.FanControl)
	assert.Equal(t, fan.ModeCurve, g.FanControl.Mode)
	assert.Equal(t, 250*time.Millisecond, g.FanControl.Interval)
	assert.Equal(t, 5*time.Second, g.FanControl.SpindownDelay)
	assert.Equal(t, 2, g.FanControl.ChangeThreshold)
	assert.Equal(t, map[int]float64{30: 0.2, 50: 0.5, 70: 1.0}, g.FanControl.Curve.Map())
}

func TestLoadDefaults(t *testing.T) {
	// Ensure no config file is used
	t.Setenv("GPUCTL_CONFIG", "")

	cfg, err := config.Load(nil)
	require.NoError(t, err, "Failed to load config")

	assert.Equal(t, config.DefaultLogLevel, cfg.LogLevel)
	assert.Equal(t, config.DefaultStatsInterval, cfg.StatsInterval)
	assert.Equal(t, config.DefaultSysfsRoot, cfg.SysfsRoot)
	assert.False(t, cfg.IsMetricsEnabled())
	assert.Equal(t, config.DefaultMetricsDB, cfg.GetMetricsDBPath())
	assert.False(t, cfg.Dump)
	assert.Empty(t, cfg.GPUs)
}

func TestLoadConfigFileInvalidFormat(t *testing.T) {
	path := writeConfig(t, `
This is not a valid TOML file
`)

	_, err := config.Load(nil, config.WithConfigFile(path))
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrReadConfig))
}

func TestLoadMissingConfigFile(t *testing.T) {
	_, err := config.Load([]string{"--config", filepath.Join(t.TempDir(), "missing.toml")})
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrReadConfig))
}

func TestInvalidLogLevel(t *testing.T) {
	path := writeConfig(t, `
log_level = "invalid"
`)

	_, err := config.Load(nil, config.WithConfigFile(path))
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrInvalidLogLevel))

	var appErr errors.Error
	require.True(t, errors.As(err, &appErr))
	validation, ok := appErr.GetData().(config.ValidationError)
	require.True(t, ok)
	assert.Equal(t, "log_level", validation.Field())
	assert.Equal(t, "invalid", validation.Value())
}

func TestFlagsOverrideFile(t *testing.T) {
	path := writeConfig(t, `
log_level = "error"
stats_interval = 10
`)

	cfg, err := config.Load([]string{
		"--config", path,
		"--log-level", "debug",
		"--metrics",
		"--metrics-db", "/tmp/history.db",
		"--dump",
	})
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel, "Expected LogLevel to be set by flag")
	assert.Equal(t, 10, cfg.StatsInterval)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, "/tmp/history.db", cfg.Metrics.DBPath)
	assert.True(t, cfg.Dump)
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
stats_interval = 10
`)
	t.Setenv("TESTGPU_STATS_INTERVAL", "3")
	t.Setenv("TESTGPU_METRICS_ENABLED", "true")

	cfg, err := config.Load(nil, config.WithConfigFile(path), config.WithEnvPrefix("TESTGPU"))
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.StatsInterval)
	assert.True(t, cfg.Metrics.Enabled)
}

func TestInvalidStatsInterval(t *testing.T) {
	t.Setenv("GPUCTL_CONFIG", "")

	_, err := config.Load([]string{"--stats-interval", "0"})
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrInvalidInterval))
}

func TestInvalidFanSettings(t *testing.T) {
	tests := []struct {
		name    string
		section string
	}{
		{
			name: "unknown mode",
			section: `
[gpus."` + testGPU + `".fan_control_settings]
mode = "turbo"
`,
		},
		{
			name: "static speed out of range",
			section: `
[gpus."` + testGPU + `".fan_control_settings]
mode = "static"
static_speed = 1.5
`,
		},
		{
			name: "negative power cap",
			section: `
[gpus."` + testGPU + `"]
power_cap = -10.0
`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tt.section)
			_, err := config.Load(nil, config.WithConfigFile(path))
			require.Error(t, err)
			assert.True(t, errors.HasCode(err, errors.ErrInvalidConfig))
		})
	}
}

func TestStaticFanSettings(t *testing.T) {
	path := writeConfig(t, `
[gpus."`+testGPU+`"]
fan_control_enabled = true

[gpus."`+testGPU+`".fan_control_settings]
mode = "static"
static_speed = 0.6
`)

	cfg, err := config.Load(nil, config.WithConfigFile(path))
	require.NoError(t, err)

	gpus, err := cfg.GPUConfigs()
	require.NoError(t, err)
	g := gpus["1002:744c-1458:241a-0000:03:00.0"]
	require.NotNil(t, g.FanControl)
	assert.Equal(t, fan.ModeStatic, g.FanControl.Mode)
	assert.InDelta(t, 0.6, g.FanControl.StaticSpeed, 0.001)
	assert.Empty(t, g.FanControl.Curve)
	assert.Nil(t, g.PowerCap)
}
