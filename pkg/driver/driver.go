// Package driver runs the leak routine on its own goroutine, joins it, and then
// applies memory pressure while the leaked recorder stays reachable.
package driver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"closureleak/pkg/capture"
	"closureleak/pkg/gccontrol"
	"closureleak/pkg/metrics"
	"closureleak/pkg/pressure"
)

// ErrAlreadyRun is returned when Run is called on a driver that already started.
var ErrAlreadyRun = errors.New("driver already run")

// State is a step of the driver's linear lifecycle.
type State int

const (
	// NotStarted is the state of a driver before Run.
	NotStarted State = iota
	// Leaking means the leak goroutine is filling the recorder.
	Leaking
	// Joined means the leak goroutine has finished and the recorder is handed over.
	Joined
	// Pressure means the pressure loop is running.
	Pressure
	// Terminated means Run has returned, normally or after cancellation.
	Terminated
)

// String returns the snake_case name used in logs, metrics and /stats.
func (s State) String() string {
	switch s {
	case NotStarted:
		return "not_started"
	case Leaking:
		return "leaking"
	case Joined:
		return "joined"
	case Pressure:
		return "pressure"
	case Terminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Config holds the driver's parameters.
type Config struct {
	Variant   capture.Variant
	LeakCount int
	Pressure  pressure.Config
}

// Result describes a completed run.
type Result struct {
	QueueLength   int
	RetainedBytes uintptr
	Pressure      pressure.Stats
}

// Driver owns the recorder for the whole run and keeps it afterwards.
type Driver struct {
	cfg       Config
	gc        *gccontrol.GCController
	collector *metrics.Collector
	latency   *metrics.LatencyRecorder
	logger    *slog.Logger

	mu       sync.Mutex
	state    State
	recorder capture.Recorder
}

// Option configures a Driver.
type Option func(*Driver)

// WithLogger sets the driver's logger.
func WithLogger(logger *slog.Logger) Option { return func(d *Driver) { d.logger = logger } }

// WithGCController replaces the default controller used by the pressure loop.
func WithGCController(gc *gccontrol.GCController) Option { return func(d *Driver) { d.gc = gc } }

// WithMetrics publishes progress into c.
func WithMetrics(c *metrics.Collector) Option { return func(d *Driver) { d.collector = c } }

// New validates cfg and creates a driver in the NotStarted state.
func New(cfg Config, opts ...Option) (*Driver, error) {
	if _, err := capture.ParseVariant(string(cfg.Variant)); err != nil {
		return nil, err
	}
	if cfg.LeakCount < 0 {
		return nil, fmt.Errorf("leak count must not be negative, got %d", cfg.LeakCount)
	}
	if cfg.Pressure.Limit < 0 {
		return nil, fmt.Errorf("pressure limit must not be negative, got %d", cfg.Pressure.Limit)
	}

	d := &Driver{
		cfg:     cfg,
		latency: metrics.NewLatencyRecorder(),
		logger:  slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.gc == nil {
		d.gc = gccontrol.NewGCController(0, gccontrol.WithLogger(d.logger))
	}
	return d, nil
}

// State returns the current lifecycle state.
func (d *Driver) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Recorder returns the leaked recorder once the leak goroutine has been joined,
// nil before that.
func (d *Driver) Recorder() capture.Recorder {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.recorder
}

// Latency returns the per-iteration forced GC timings.
func (d *Driver) Latency() *metrics.LatencyRecorder { return d.latency }

// Run executes the whole lifecycle: leak on a separate goroutine, join,
// then the pressure loop. It can be called once.
func (d *Driver) Run(ctx context.Context) (Result, error) {
	d.mu.Lock()
	if d.state != NotStarted {
		d.mu.Unlock()
		return Result{}, ErrAlreadyRun
	}
	d.state = Leaking
	d.mu.Unlock()
	d.publishState(Leaking)

	newRecorder, err := capture.Factory(d.cfg.Variant)
	if err != nil {
		d.setState(Terminated)
		return Result{}, err
	}
	d.logger.Info("leak routine started", "variant", d.cfg.Variant, "count", d.cfg.LeakCount)

	// The recorder is built and filled entirely on the leak goroutine and is
	// not touched here until Wait returns.
	var (
		wg sync.WaitGroup
		r  capture.Recorder
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		r = newRecorder()
		capture.LeakRoutine(r, d.cfg.LeakCount)
	}()
	wg.Wait()

	d.mu.Lock()
	d.recorder = r
	d.mu.Unlock()
	d.setState(Joined)

	res := Result{
		QueueLength:   r.Len(),
		RetainedBytes: metrics.RetainedSize(&r),
	}
	d.logger.Info("leak routine joined", "queue_length", res.QueueLength, "retained_bytes", res.RetainedBytes)
	if d.collector != nil {
		d.collector.QueueLength.Set(float64(res.QueueLength))
		d.collector.RetainedBytes.Set(float64(res.RetainedBytes))
	}

	d.setState(Pressure)
	loop := pressure.NewLoop(d.cfg.Pressure, d.gc,
		pressure.WithLogger(d.logger),
		pressure.WithObserver(d.observe),
	)
	res.Pressure, err = loop.Run(ctx)
	d.setState(Terminated)

	if err != nil {
		return res, fmt.Errorf("pressure loop: %w", err)
	}
	return res, nil
}

func (d *Driver) observe(i int64, buf []int64, gc time.Duration) {
	d.latency.Add(gc)
	if d.collector == nil {
		return
	}
	d.collector.PressureIterations.Inc()
	d.collector.ForcedGCSeconds.Observe(gc.Seconds())
	d.collector.QueueLength.Set(float64(d.Recorder().Len()))
	d.collector.ObserveMemStats()
	d.collector.LastFactorial.Set(float64(buf[i]))
}

func (d *Driver) setState(s State) {
	d.mu.Lock()
	d.state = s
	d.mu.Unlock()
	d.publishState(s)
}

// publishState reports s to the collector and the log without touching d.state.
func (d *Driver) publishState(s State) {
	if d.collector != nil {
		d.collector.SetState(s.String())
	}
	d.logger.Debug("driver state changed", "state", s)
}
