package metrics_test

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	"codeberg.org/mutker/gpuctl/internal/errors"
	"codeberg.org/mutker/gpuctl/internal/gpu"
	"codeberg.org/mutker/gpuctl/internal/logger"
	"codeberg.org/mutker/gpuctl/internal/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDevice = "1002:744C-1458:241A-0000:03:00.0"

func intPtr(v int) *int { return &v }

func testConfig(t *testing.T) metrics.Config {
	t.Helper()
	return metrics.Config{
		DBPath:       filepath.Join(t.TempDir(), "metrics.db"),
		Enabled:      true,
		BatchSize:    3,
		BatchTimeout: time.Hour,
	}
}

func sample(ts time.Time, temp int) *metrics.MetricsSnapshot {
	return &metrics.MetricsSnapshot{
		Timestamp:   ts,
		DeviceID:    testDevice,
		Temperature: intPtr(temp),
		Fan:         metrics.FanMetrics{PWM: intPtr(128), ControlState: "running"},
	}
}

func TestDisabledServiceIsNoop(t *testing.T) {
	svc, err := metrics.NewService(metrics.DefaultConfig(), logger.Nop())
	require.NoError(t, err)

	require.NoError(t, svc.Record(context.Background(), sample(time.Now(), 50)))
	history, err := svc.History(context.Background(), testDevice, time.Time{})
	require.NoError(t, err)
	assert.Empty(t, history)
	require.NoError(t, svc.Close())
}

func TestInvalidConfig(t *testing.T) {
	_, err := metrics.NewService(metrics.Config{Enabled: true}, logger.Nop())
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, metrics.ErrInvalidDBPath))
}

func TestRecordAndHistory(t *testing.T) {
	svc, err := metrics.NewService(testConfig(t), logger.Nop())
	require.NoError(t, err)
	defer svc.Close()

	ctx := context.Background()
	base := time.UnixMilli(1_700_000_000_000)
	for i := 0; i < 5; i++ {
		require.NoError(t, svc.Record(ctx, sample(base.Add(time.Duration(i)*time.Second), 40+i)))
	}

	// Partial batches are flushed before reading
	history, err := svc.History(ctx, testDevice, base.Add(time.Second))
	require.NoError(t, err)
	require.Len(t, history, 4)

	assert.Equal(t, base.Add(time.Second), history[0].Timestamp)
	assert.Equal(t, 41, *history[0].Temperature)
	assert.Equal(t, 44, *history[3].Temperature)
	assert.Equal(t, 128, *history[0].Fan.PWM)
	assert.Equal(t, "running", history[0].Fan.ControlState)
	assert.Nil(t, history[0].Power.Current)
	assert.Nil(t, history[0].VRAMUsed)

	other, err := svc.History(ctx, "10DE:2684-1043:16F1-0000:01:00.0", time.Time{})
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestCloseFlushesBuffer(t *testing.T) {
	cfg := testConfig(t)
	svc, err := metrics.NewService(cfg, logger.Nop())
	require.NoError(t, err)

	require.NoError(t, svc.Record(context.Background(), sample(time.UnixMilli(1000), 55)))
	require.NoError(t, svc.Close())

	reopened, err := metrics.NewService(cfg, logger.Nop())
	require.NoError(t, err)
	defer reopened.Close()

	history, err := reopened.History(context.Background(), testDevice, time.Time{})
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, 55, *history[0].Temperature)
}

func TestRecordRejectsEmptySnapshot(t *testing.T) {
	svc, err := metrics.NewService(testConfig(t), logger.Nop())
	require.NoError(t, err)
	defer svc.Close()

	err = svc.Record(context.Background(), &metrics.MetricsSnapshot{})
	assert.True(t, errors.HasCode(err, metrics.ErrInvalidMetrics))
	err = svc.Record(context.Background(), nil)
	assert.True(t, errors.HasCode(err, metrics.ErrInvalidMetrics))
}

func TestOutdatedSchemaIsBackedUpAndLegacyTablesDropped(t *testing.T) {
	cfg := testConfig(t)

	db, err := sql.Open("sqlite3", cfg.DBPath)
	require.NoError(t, err)
	_, err = db.Exec(`
		CREATE TABLE schema_versions (version INTEGER PRIMARY KEY, applied_at TEXT NOT NULL);
		INSERT INTO schema_versions VALUES (2, datetime('now'));
		CREATE TABLE metrics (timestamp INTEGER PRIMARY KEY);`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	svc, err := metrics.NewService(cfg, logger.Nop())
	require.NoError(t, err)
	require.NoError(t, svc.Close())

	backups, err := os.ReadDir(filepath.Join(filepath.Dir(cfg.DBPath), "backups"))
	require.NoError(t, err)
	require.Len(t, backups, 1)
	assert.Contains(t, backups[0].Name(), "metrics_v2_")

	db, err = sql.Open("sqlite3", cfg.DBPath)
	require.NoError(t, err)
	defer db.Close()

	version, err := metrics.GetSchemaVersion(db)
	require.NoError(t, err)
	assert.Equal(t, metrics.SchemaVersion, version)

	exists, err := metrics.TableExists(db, "metrics")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestFromStats(t *testing.T) {
	temp, junction := 48, 61
	pwm := uint8(90)
	busy := uint8(12)
	used := uint64(1 << 30)
	avg := 54.0
	clock := uint32(2100)

	stats := gpu.DeviceStats{
		Temps: map[string]gpu.Temperature{
			"junction": {Current: &junction},
			"edge":     {Current: &temp},
		},
		Fan:         gpu.FanStats{PwmCurrent: &pwm, ControlState: "stopped"},
		Power:       gpu.PowerStats{Average: &avg},
		VRAM:        gpu.VRAMStats{Used: &used},
		BusyPercent: &busy,
		Clockspeed:  gpu.ClockspeedStats{GPU: &clock},
	}

	ts := time.UnixMilli(5000)
	s := metrics.FromStats(testDevice, ts, stats)

	assert.Equal(t, testDevice, s.DeviceID)
	assert.Equal(t, ts, s.Timestamp)
	assert.Equal(t, 48, *s.Temperature)
	assert.Equal(t, 90, *s.Fan.PWM)
	assert.Nil(t, s.Fan.RPM)
	assert.Equal(t, "stopped", s.Fan.ControlState)
	assert.InDelta(t, 54.0, *s.Power.Current, 0.001)
	assert.Nil(t, s.Power.Cap)
	assert.Equal(t, 12, *s.BusyPercent)
	assert.Equal(t, int64(1<<30), *s.VRAMUsed)
	assert.Equal(t, 2100, *s.Clock.GPU)
	assert.Nil(t, s.Clock.VRAM)

	assert.Nil(t, metrics.FromStats(testDevice, ts, gpu.DeviceStats{}).Temperature)
}
