package gccontrol

import (
	"context"
	"log/slog"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

// GCController forces collections on demand or on a schedule.
type GCController struct {
	originalPercent  int           // value returned by debug.SetGCPercent at startup
	percent          int           // percent installed by the controller, 0 keeps the runtime's
	forceGCInterval  time.Duration // period of the scheduled GC, 0 disables it
	logger           *slog.Logger
	forced           atomic.Int64 // number of completed ForceGC calls
	lastGCUnixTimeNs atomic.Int64 // updated after every successful runtime.GC

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures a GCController.
type Option func(*GCController)

// WithLogger lets callers plug in their preferred logger.
func WithLogger(logger *slog.Logger) Option { return func(c *GCController) { c.logger = logger } }

// WithPercent installs a GOGC value for the lifetime of the controller.
// Restore puts the previous value back.
func WithPercent(percent int) Option { return func(c *GCController) { c.percent = percent } }

// NewGCController creates a new GC controller. force is the period used by
// StartScheduledGC.
func NewGCController(force time.Duration, opts ...Option) *GCController {
	c := &GCController{
		forceGCInterval: force,
		logger:          slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.percent != 0 {
		c.originalPercent = debug.SetGCPercent(c.percent)
	}
	c.lastGCUnixTimeNs.Store(time.Now().UnixNano())
	return c
}

// ForceGC runs a blocking collection and reports how long it took.
func (c *GCController) ForceGC() time.Duration {
	start := time.Now()
	runtime.GC()
	elapsed := time.Since(start)

	c.lastGCUnixTimeNs.Store(time.Now().UnixNano())
	c.forced.Add(1)

	c.logger.Debug("forced GC completed", "elapsed", elapsed)
	return elapsed
}

// Forced returns how many collections this controller has requested.
func (c *GCController) Forced() int64 { return c.forced.Load() }

// LastGC returns when the most recent forced collection finished.
func (c *GCController) LastGC() time.Time { return time.Unix(0, c.lastGCUnixTimeNs.Load()) }

// StartScheduledGC launches a goroutine that forces GC every forceGCInterval.
// It can be stopped by calling StopScheduledGC or by cancelling ctx.
// A zero interval makes this a no-op.
func (c *GCController) StartScheduledGC(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cancel != nil || c.forceGCInterval <= 0 {
		return
	}

	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})
	ticker := time.NewTicker(c.forceGCInterval)

	go func(done chan struct{}) {
		defer close(done)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				c.ForceGC()
			case <-ctx.Done():
				return
			}
		}
	}(c.done)

	c.logger.Info("scheduled GC started", "interval", c.forceGCInterval)
}

// StopScheduledGC cancels the background GC goroutine and waits for it to exit.
func (c *GCController) StopScheduledGC() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Restore stops scheduled GC and puts back the GOGC value seen at construction.
func (c *GCController) Restore() {
	c.StopScheduledGC()
	if c.percent != 0 {
		debug.SetGCPercent(c.originalPercent)
	}
}
