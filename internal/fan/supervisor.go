package fan

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"codeberg.org/mutker/gpuctl/internal/errors"
	"codeberg.org/mutker/gpuctl/internal/logger"
)

// Device is the hardware surface a control loop drives. Implementations
// hold a freshly resolved device reference.
type Device interface {
	Temperature() (int, error)
	FanCount() (int, error)
	SetFanRatio(index int, ratio float64) error
	// ResetFan hands fan index back to the firmware/driver default policy.
	ResetFan(index int) error
}

// Resolver returns a live Device. It is called on every Start and Stop
// because a previously obtained reference may have become invalid.
type Resolver func() (Device, error)

// State is the lifecycle state of a device's curve control loop.
type State int

const (
	StateStopped State = iota
	StateRunning
	// StateFailed means the loop terminated on its own after a hardware
	// failure. Fans are left at the last written speed until Stop or Start.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateFailed:
		return "failed"
	default:
		return "stopped"
	}
}

// Status is a point-in-time view of the supervisor.
type Status struct {
	State    State
	Settings *Settings
	Since    time.Time
	Err      error
}

// task is the handle of one running control loop.
type task struct {
	cancel   context.CancelFunc
	done     chan struct{}
	settings Settings
	started  time.Time
	// err is written by the loop before done is closed.
	err error
}

// Supervisor owns at most one curve control loop for a single device.
type Supervisor struct {
	resolve Resolver
	logger  logger.Logger
	now     func() time.Time

	// mu serializes Start and Stop. It is only ever acquired with TryLock:
	// a concurrent caller gets ErrLockContention instead of queueing.
	mu      sync.Mutex
	current atomic.Pointer[task]
	active  atomic.Int32
}

func NewSupervisor(resolve Resolver, log logger.Logger) *Supervisor {
	if log == nil {
		log = logger.Nop()
	}
	return &Supervisor{
		resolve: resolve,
		logger:  log,
		now:     time.Now,
	}
}

// Start replaces any running loop with a new one driven by settings.
// The previous loop has fully exited before the new one is spawned.
func (s *Supervisor) Start(ctx context.Context, settings Settings) error {
	errFactory := errors.New()
	if !s.mu.TryLock() {
		return errFactory.New(ErrLockContention).WithOperation("start fan control")
	}
	defer s.mu.Unlock()

	if err := settings.Validate(); err != nil {
		return errFactory.Wrap(ErrInvalidConfig, err)
	}

	if err := s.stopLocked(); err != nil {
		return err
	}

	device, err := s.resolve()
	if err != nil {
		return errFactory.Wrap(ErrDeviceGone, err)
	}

	if _, err := device.Temperature(); err != nil {
		return errFactory.Wrap(ErrHardwareRead, err).WithOperation("read temperature")
	}

	fanCount, err := device.FanCount()
	if err != nil {
		return errFactory.Wrap(ErrHardwareRead, err).WithOperation("read fan count")
	}
	if fanCount == 0 {
		return errFactory.New(ErrNoFans)
	}

	// The loop outlives the request that started it.
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	t := &task{
		cancel:   cancel,
		done:     make(chan struct{}),
		settings: settings,
		started:  s.now(),
	}

	s.logger.Debug().Msg("Spawning fan control loop")
	s.active.Add(1)
	go s.run(loopCtx, t, device, fanCount)
	s.current.Store(t)

	s.logger.Debug().
		Dur("interval", settings.interval()).
		Int("fans", fanCount).
		Msg("Started curve fan control")

	return nil
}

// Stop terminates the running loop, waits for it to exit and resets every
// fan to its default policy. Reset failures are returned only if a loop had
// to be joined; otherwise they are logged.
func (s *Supervisor) Stop() error {
	if !s.mu.TryLock() {
		return errors.New().New(ErrLockContention).WithOperation("stop fan control")
	}
	defer s.mu.Unlock()

	return s.stopLocked()
}

func (s *Supervisor) stopLocked() error {
	errFactory := errors.New()
	failOnError := false

	if t := s.current.Swap(nil); t != nil {
		t.cancel()
		<-t.done
		failOnError = true
	}

	device, err := s.resolve()
	if err != nil {
		if failOnError {
			return errFactory.Wrap(ErrDeviceGone, err)
		}
		s.logger.Warn().Err(err).Msg("Could not resolve device to reset fan control")
		return nil
	}

	fanCount, err := device.FanCount()
	if err != nil {
		wrapped := errFactory.Wrap(ErrHardwareRead, err).WithOperation("read fan count")
		if failOnError {
			return wrapped
		}
		s.logger.ErrorWithCode(wrapped).Msg("Could not reset fan control")
		return nil
	}

	for i := 0; i < fanCount; i++ {
		if err := device.ResetFan(i); err != nil {
			wrapped := errFactory.Wrap(ErrHardwareWrite, err).WithOperation("reset fan speed to default")
			if failOnError {
				return wrapped
			}
			s.logger.ErrorWithCode(wrapped).Int("fan", i).Msg("Could not reset fan control")
		}
	}

	return nil
}

// Status reports the loop state without blocking.
func (s *Supervisor) Status() Status {
	t := s.current.Load()
	if t == nil {
		return Status{State: StateStopped}
	}

	settings := t.settings
	select {
	case <-t.done:
		return Status{State: StateFailed, Settings: &settings, Since: t.started, Err: t.err}
	default:
		return Status{State: StateRunning, Settings: &settings, Since: t.started}
	}
}

// ActiveLoops returns the number of loop goroutines currently alive.
func (s *Supervisor) ActiveLoops() int {
	return int(s.active.Load())
}
