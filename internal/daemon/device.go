package daemon

import (
	"context"
	"sync"
	"sync/atomic"

	"codeberg.org/mutker/gpuctl/internal/gpu"
)

// device is one managed GPU. applyMu serializes hardware changes to this
// device only; cfg is swapped atomically so readers never wait on an apply.
type device struct {
	id         string
	controller gpu.Controller

	applyMu sync.Mutex
	cfg     atomic.Pointer[gpu.Config]
}

func newDevice(id string, c gpu.Controller) *device {
	return &device{id: id, controller: c}
}

// config returns the last successfully applied config, or nil.
func (dev *device) config() *gpu.Config {
	return dev.cfg.Load()
}

// update applies a modified copy of the stored config and stores it only if
// the apply succeeded.
func (dev *device) update(ctx context.Context, modify func(*gpu.Config)) error {
	dev.applyMu.Lock()
	defer dev.applyMu.Unlock()

	var cfg gpu.Config
	if stored := dev.cfg.Load(); stored != nil {
		cfg = *stored
	}
	modify(&cfg)

	if err := dev.controller.ApplyConfig(ctx, cfg); err != nil {
		return err
	}
	dev.cfg.Store(&cfg)

	return nil
}
