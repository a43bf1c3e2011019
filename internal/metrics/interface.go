package metrics

import (
	"context"
	"time"
)

// MetricsCollector records device stats history
type MetricsCollector interface {
	Record(ctx context.Context, snapshot *MetricsSnapshot) error
	// History returns the samples of one device recorded at or after
	// since, oldest first. Buffered samples are flushed first.
	History(ctx context.Context, deviceID string, since time.Time) ([]MetricsSnapshot, error)
	Close() error
}

// MetricsRepository defines the interface for metrics data storage
type MetricsRepository interface {
	Record(snapshot *MetricsSnapshot) error
	History(deviceID string, since time.Time) ([]MetricsSnapshot, error)
	Close() error
}

// MetricsSnapshot is one stats sample of one device. Nil fields were not
// readable when the sample was taken.
type MetricsSnapshot struct {
	Timestamp   time.Time
	DeviceID    string
	Temperature *int
	Fan         FanMetrics
	Power       PowerMetrics
	BusyPercent *int
	VRAMUsed    *int64
	Clock       ClockMetrics
}

type FanMetrics struct {
	PWM          *int
	RPM          *int
	ControlState string
}

// PowerMetrics are in watts
type PowerMetrics struct {
	Current *float64
	Cap     *float64
}

// ClockMetrics are in MHz
type ClockMetrics struct {
	GPU  *int
	VRAM *int
}
