package resource

import (
	"context"
	"errors"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// ErrBusy is returned by TryAcquireBuild when every build slot is taken.
var ErrBusy = errors.New("resource: all build slots busy")

// Config holds resource limits.
type Config struct {
	// MaxConcurrentBuilds is the number of index builds allowed to run at once.
	// If 0, defaults to 1.
	MaxConcurrentBuilds int64

	// BuildMemoryBytes caps the training memory held by running builds.
	// If 0, memory is only tracked.
	BuildMemoryBytes int64

	// IOBytesPerSec limits backup and restore throughput. If 0, unlimited.
	IOBytesPerSec int64
}

// Controller hands out build slots, memory reservations and I/O tokens.
type Controller struct {
	cfg Config

	builds *semaphore.Weighted

	memSem  *semaphore.Weighted
	memUsed atomic.Int64

	io *rate.Limiter

	activeBuilds atomic.Int64
}

// NewController creates a controller from cfg.
func NewController(cfg Config) *Controller {
	if cfg.MaxConcurrentBuilds <= 0 {
		cfg.MaxConcurrentBuilds = 1
	}

	c := &Controller{
		cfg:    cfg,
		builds: semaphore.NewWeighted(cfg.MaxConcurrentBuilds),
	}
	if cfg.BuildMemoryBytes > 0 {
		c.memSem = semaphore.NewWeighted(cfg.BuildMemoryBytes)
	}
	if cfg.IOBytesPerSec > 0 {
		c.io = rate.NewLimiter(rate.Limit(cfg.IOBytesPerSec), int(cfg.IOBytesPerSec))
	}
	return c
}

// AcquireBuild blocks until a build slot is free or ctx is done.
func (c *Controller) AcquireBuild(ctx context.Context) error {
	if c == nil {
		return nil
	}
	if err := c.builds.Acquire(ctx, 1); err != nil {
		return err
	}
	c.activeBuilds.Add(1)
	return nil
}

// TryAcquireBuild reserves a build slot without blocking.
func (c *Controller) TryAcquireBuild() error {
	if c == nil {
		return nil
	}
	if !c.builds.TryAcquire(1) {
		return ErrBusy
	}
	c.activeBuilds.Add(1)
	return nil
}

// ReleaseBuild returns a slot taken by AcquireBuild or TryAcquireBuild.
func (c *Controller) ReleaseBuild() {
	if c == nil {
		return
	}
	c.activeBuilds.Add(-1)
	c.builds.Release(1)
}

// ActiveBuilds reports the number of builds holding a slot.
func (c *Controller) ActiveBuilds() int64 {
	if c == nil {
		return 0
	}
	return c.activeBuilds.Load()
}

// AcquireMemory reserves bytes of build memory, blocking while the cap
// would be exceeded. Requests larger than the cap are clamped to it so a
// single oversized build can still run alone.
func (c *Controller) AcquireMemory(ctx context.Context, bytes int64) (int64, error) {
	if c == nil || bytes <= 0 {
		return 0, nil
	}
	if c.memSem != nil {
		if bytes > c.cfg.BuildMemoryBytes {
			bytes = c.cfg.BuildMemoryBytes
		}
		if err := c.memSem.Acquire(ctx, bytes); err != nil {
			return 0, err
		}
	}
	c.memUsed.Add(bytes)
	return bytes, nil
}

// ReleaseMemory releases a reservation returned by AcquireMemory.
func (c *Controller) ReleaseMemory(bytes int64) {
	if c == nil || bytes <= 0 {
		return
	}
	if c.memSem != nil {
		c.memSem.Release(bytes)
	}
	c.memUsed.Add(-bytes)
}

// MemoryUsage returns the reserved build memory in bytes.
func (c *Controller) MemoryUsage() int64 {
	if c == nil {
		return 0
	}
	return c.memUsed.Load()
}

// WaitIO blocks until n bytes of I/O are allowed.
func (c *Controller) WaitIO(ctx context.Context, n int) error {
	if c == nil || c.io == nil {
		return nil
	}
	burst := c.io.Burst()
	for n > 0 {
		step := min(n, burst)
		if err := c.io.WaitN(ctx, step); err != nil {
			return err
		}
		n -= step
	}
	return nil
}
