package resource

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Mode selects how ReserveProcessing behaves when the processing budget is short.
type Mode uint8

const (
	// ModeWait blocks until the (clamped) request fits.
	ModeWait Mode = iota
	// ModeNoWait reserves whatever fits right now, possibly nothing.
	ModeNoWait
	// ModeForce always grants the full request, overdrawing the budget if needed.
	ModeForce
)

func (m Mode) String() string {
	switch m {
	case ModeWait:
		return "wait"
	case ModeNoWait:
		return "nowait"
	case ModeForce:
		return "force"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

// minGrant is the granularity of partial ModeNoWait grants. Smaller requests are
// granted whole or not at all.
const minGrant = 1 << 10

// Config holds resource limits.
type Config struct {
	// ReserveLimitBytes is the soft ceiling for cached batch memory. Usage above it
	// is allowed; it only tells the cache how much to spill. 0 means spill everything.
	ReserveLimitBytes int64

	// ProcessingLimitBytes is the budget operators reserve for working memory.
	ProcessingLimitBytes int64

	// MaxBackgroundWorkers is the maximum number of concurrent background jobs.
	// If 0, defaults to 1.
	MaxBackgroundWorkers int64

	// IOLimitBytesPerSec is the maximum spill IO throughput.
	// If 0, unlimited.
	IOLimitBytesPerSec int64
}

// Controller manages process-wide buffer resources.
type Controller struct {
	cfg Config

	// Reserve (soft)
	reserveUsed atomic.Int64

	// Processing
	procSem    *semaphore.Weighted
	procUsed   atomic.Int64
	procForced atomic.Int64

	// Concurrency
	bgSem *semaphore.Weighted

	// IO
	ioLimiter *rate.Limiter
}

// NewController creates a new resource controller.
func NewController(cfg Config) *Controller {
	if cfg.MaxBackgroundWorkers <= 0 {
		cfg.MaxBackgroundWorkers = 1
	}
	if cfg.ReserveLimitBytes < 0 {
		cfg.ReserveLimitBytes = 0
	}
	if cfg.ProcessingLimitBytes < 0 {
		cfg.ProcessingLimitBytes = 0
	}

	c := &Controller{
		cfg:     cfg,
		procSem: semaphore.NewWeighted(cfg.ProcessingLimitBytes),
		bgSem:   semaphore.NewWeighted(cfg.MaxBackgroundWorkers),
	}

	if cfg.IOLimitBytesPerSec > 0 {
		c.ioLimiter = rate.NewLimiter(rate.Limit(cfg.IOLimitBytesPerSec), int(cfg.IOLimitBytesPerSec))
	}

	return c
}

// Charge records bytes of cached memory. It never fails.
func (c *Controller) Charge(bytes int64) {
	if c == nil || bytes == 0 {
		return
	}
	c.reserveUsed.Add(bytes)
}

// Discharge releases bytes previously recorded with Charge.
func (c *Controller) Discharge(bytes int64) {
	if c == nil || bytes == 0 {
		return
	}
	c.reserveUsed.Add(-bytes)
}

// ReserveUsage returns the cached memory in bytes.
func (c *Controller) ReserveUsage() int64 {
	if c == nil {
		return 0
	}
	return c.reserveUsed.Load()
}

// ReserveLimit returns the soft reserve ceiling in bytes.
func (c *Controller) ReserveLimit() int64 {
	if c == nil {
		return 0
	}
	return c.cfg.ReserveLimitBytes
}

// Overage returns how many bytes cached memory would exceed the reserve ceiling
// after adding extra bytes. Zero or negative means no spill is needed.
func (c *Controller) Overage(extra int64) int64 {
	if c == nil {
		return 0
	}
	return c.reserveUsed.Load() + extra - c.cfg.ReserveLimitBytes
}

// ReserveProcessing reserves working memory for an operator and returns the number
// of bytes granted. ModeWait clamps the request to the budget so it cannot block
// forever; ModeNoWait grants the largest power-of-two fraction available now,
// rounded down to a multiple of minGrant.
func (c *Controller) ReserveProcessing(ctx context.Context, bytes int64, mode Mode) (int64, error) {
	if c == nil || bytes <= 0 {
		return 0, nil
	}

	switch mode {
	case ModeWait:
		if bytes > c.cfg.ProcessingLimitBytes {
			bytes = c.cfg.ProcessingLimitBytes
		}
		if err := c.procSem.Acquire(ctx, bytes); err != nil {
			return 0, err
		}
		c.procUsed.Add(bytes)
		return bytes, nil

	case ModeNoWait:
		if bytes < minGrant {
			if !c.procSem.TryAcquire(bytes) {
				return 0, nil
			}
			c.procUsed.Add(bytes)
			return bytes, nil
		}
		for n := bytes; n >= minGrant; n /= 2 {
			g := n - n%minGrant
			if c.procSem.TryAcquire(g) {
				c.procUsed.Add(g)
				return g, nil
			}
		}
		return 0, nil

	case ModeForce:
		if !c.procSem.TryAcquire(bytes) {
			c.procForced.Add(bytes)
		}
		c.procUsed.Add(bytes)
		return bytes, nil

	default:
		return 0, fmt.Errorf("unknown reservation mode %d", mode)
	}
}

// ReleaseProcessing returns bytes granted by ReserveProcessing. Forced overdraft is
// paid back before the semaphore.
func (c *Controller) ReleaseProcessing(bytes int64) {
	if c == nil || bytes <= 0 {
		return
	}
	if used := c.procUsed.Load(); bytes > used {
		bytes = used
	}
	c.procUsed.Add(-bytes)

	for {
		forced := c.procForced.Load()
		if forced == 0 {
			break
		}
		take := min(forced, bytes)
		if c.procForced.CompareAndSwap(forced, forced-take) {
			bytes -= take
			break
		}
	}
	if bytes > 0 {
		c.procSem.Release(bytes)
	}
}

// ProcessingUsage returns the reserved working memory in bytes, including overdraft.
func (c *Controller) ProcessingUsage() int64 {
	if c == nil {
		return 0
	}
	return c.procUsed.Load()
}

// ProcessingLimit returns the processing budget in bytes.
func (c *Controller) ProcessingLimit() int64 {
	if c == nil {
		return 0
	}
	return c.cfg.ProcessingLimitBytes
}

// AcquireBackground attempts to reserve a background worker slot.
// Blocks if all slots are busy.
func (c *Controller) AcquireBackground(ctx context.Context) error {
	if c == nil {
		return nil
	}
	return c.bgSem.Acquire(ctx, 1)
}

// ReleaseBackground releases a background worker slot.
func (c *Controller) ReleaseBackground() {
	if c == nil {
		return
	}
	c.bgSem.Release(1)
}

// TryAcquireBackground attempts to reserve a background worker slot without blocking.
func (c *Controller) TryAcquireBackground() bool {
	if c == nil {
		return true
	}
	return c.bgSem.TryAcquire(1)
}

// AcquireIO waits until the IO limit allows the specified number of bytes.
// Requests larger than the burst are paid in burst-sized installments.
func (c *Controller) AcquireIO(ctx context.Context, bytes int) error {
	if c == nil || c.ioLimiter == nil {
		return nil
	}
	burst := c.ioLimiter.Burst()
	for bytes > 0 {
		n := min(bytes, burst)
		if err := c.ioLimiter.WaitN(ctx, n); err != nil {
			return err
		}
		bytes -= n
	}
	return nil
}

// TryAcquireIO attempts to acquire IO tokens without blocking.
// Returns true if tokens were acquired, false otherwise.
func (c *Controller) TryAcquireIO(bytes int) bool {
	if c == nil || c.ioLimiter == nil {
		return true
	}
	return c.ioLimiter.AllowN(time.Now(), bytes)
}
