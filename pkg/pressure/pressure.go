// Package pressure keeps the allocator and the collector busy while a leaked
// queue stays reachable elsewhere in the process.
package pressure

import (
	"context"
	"log/slog"
	"time"
)

// Fact is a deliberately naive recursive factorial. Fact(0) is 0, not 1.
//
// Arithmetic is int64 and overflows silently: Go defines signed overflow as
// two's complement wrap-around, so Fact(21) and beyond are garbage, and from
// Fact(66) on the result is 0 because the product has accumulated 64 factors
// of two.
func Fact(n int64) int64 {
	if n <= 1 {
		return n
	}
	return Fact(n-1) * n
}

// Step allocates a fresh buffer of limit elements and stores Fact(i) at index i.
// i must be in [0, limit).
func Step(i, limit int64) []int64 {
	buf := make([]int64, limit)
	buf[i] = Fact(i)
	return buf
}

// Collector requests a garbage collection and reports how long it took.
type Collector interface {
	ForceGC() time.Duration
}

// Observer is called after every iteration with the buffer that was allocated.
type Observer func(i int64, buf []int64, gc time.Duration)

// Config controls the loop.
type Config struct {
	Limit int64         // iteration count and buffer length
	Pace  time.Duration // sleep between iterations
}

// Stats summarizes a finished (or cancelled) run.
type Stats struct {
	Iterations    int64
	LastFactorial int64
	ForcedGCs     int64
	Elapsed       time.Duration
}

// Loop allocates, computes, sleeps and collects, Limit times.
type Loop struct {
	cfg       Config
	collector Collector
	observers []Observer
	logger    *slog.Logger
}

// Option configures a Loop.
type Option func(*Loop)

// WithObserver registers fn to be called after every iteration.
func WithObserver(fn Observer) Option { return func(l *Loop) { l.observers = append(l.observers, fn) } }

// WithLogger sets the loop's logger.
func WithLogger(logger *slog.Logger) Option { return func(l *Loop) { l.logger = logger } }

// NewLoop creates a loop that asks collector for a GC once per iteration.
func NewLoop(cfg Config, collector Collector, opts ...Option) *Loop {
	l := &Loop{
		cfg:       cfg,
		collector: collector,
		logger:    slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Run executes the loop. Cancelling ctx stops it between iterations (or during
// the pacing sleep) and returns ctx.Err() together with the stats so far.
func (l *Loop) Run(ctx context.Context) (Stats, error) {
	var stats Stats
	start := time.Now()

	l.logger.Info("pressure loop started", "limit", l.cfg.Limit, "pace", l.cfg.Pace)

	var timer *time.Timer
	if l.cfg.Pace > 0 {
		timer = time.NewTimer(l.cfg.Pace)
		timer.Stop()
		defer timer.Stop()
	}

	for i := int64(0); i < l.cfg.Limit; i++ {
		if err := ctx.Err(); err != nil {
			stats.Elapsed = time.Since(start)
			return stats, err
		}

		buf := Step(i, l.cfg.Limit)
		stats.LastFactorial = buf[i]

		if timer != nil {
			timer.Reset(l.cfg.Pace)
			select {
			case <-timer.C:
			case <-ctx.Done():
				stats.Elapsed = time.Since(start)
				return stats, ctx.Err()
			}
		}

		gc := l.collector.ForceGC()
		stats.ForcedGCs++
		stats.Iterations++

		for _, fn := range l.observers {
			fn(i, buf, gc)
		}
		l.logger.Debug("pressure iteration", "i", i, "fact", buf[i], "gc", gc)
	}

	stats.Elapsed = time.Since(start)
	l.logger.Info("pressure loop finished", "iterations", stats.Iterations, "elapsed", stats.Elapsed)
	return stats, nil
}
