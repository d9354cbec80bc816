package profiler

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/pprof"
	"sync"
	"sync/atomic"
	"time"

	"closureleak/pkg/metrics"
)

// ContinuousProfiler writes runtime profiles to a directory at a fixed interval,
// so heap growth from the leaked queue can be compared across snapshots with
// `go tool pprof -base`.
type ContinuousProfiler struct {
	outputDir       string
	interval        time.Duration
	enabledProfiles []ProfileType
	logger          *slog.Logger
	seq             atomic.Int64

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// ProfileType names a runtime/pprof profile.
type ProfileType string

const (
	HeapProfile      ProfileType = "heap"
	AllocsProfile    ProfileType = "allocs"
	GoroutineProfile ProfileType = "goroutine"
)

// Config holds profiler configuration
type Config struct {
	OutputDir       string
	Interval        time.Duration
	EnabledProfiles []ProfileType
	Logger          *slog.Logger
}

// NewContinuousProfiler creates the output directory and a stopped profiler.
func NewContinuousProfiler(cfg Config) (*ContinuousProfiler, error) {
	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("profile interval must be positive, got %s", cfg.Interval)
	}
	if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output dir: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	enabled := cfg.EnabledProfiles
	if len(enabled) == 0 {
		enabled = []ProfileType{HeapProfile}
	}

	return &ContinuousProfiler{
		outputDir:       cfg.OutputDir,
		interval:        cfg.Interval,
		enabledProfiles: enabled,
		logger:          logger.With("component", "profiler"),
	}, nil
}

// Start begins continuous profiling. Calling Start on a running profiler is a no-op.
func (cp *ContinuousProfiler) Start(ctx context.Context) {
	cp.mu.Lock()
	defer cp.mu.Unlock()

	if cp.cancel != nil {
		return
	}
	ctx, cp.cancel = context.WithCancel(ctx)
	cp.done = make(chan struct{})

	go cp.run(ctx, cp.done)

	cp.logger.Info("started continuous profiling", "interval", cp.interval, "output", cp.outputDir)
}

// run is the main profiling loop
func (cp *ContinuousProfiler) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(cp.interval)
	defer ticker.Stop()

	cp.collectProfiles()

	for {
		select {
		case <-ctx.Done():
			// One last snapshot so the final state of the heap is on disk.
			cp.collectProfiles()
			return
		case <-ticker.C:
			cp.collectProfiles()
		}
	}
}

// collectProfiles collects all enabled profiles
func (cp *ContinuousProfiler) collectProfiles() {
	seq := cp.seq.Add(1)
	for _, profileType := range cp.enabledProfiles {
		if err := cp.collectProfile(profileType, seq); err != nil {
			cp.logger.Warn("profile collection failed", "profile", profileType, "error", err)
		}
	}

	m := metrics.MemStats()
	cp.logger.Info("memory stats",
		"seq", seq,
		"heap_alloc_mb", m.HeapAlloc/1024/1024,
		"heap_objects", m.HeapObjects,
		"num_gc", m.NumGC,
	)
}

// collectProfile writes a single profile snapshot.
func (cp *ContinuousProfiler) collectProfile(profileType ProfileType, seq int64) (err error) {
	p := pprof.Lookup(string(profileType))
	if p == nil {
		return fmt.Errorf("unknown profile %q", profileType)
	}

	filename := cp.profileFilename(profileType, seq)
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := file.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	if err = p.WriteTo(file, 0); err != nil {
		return err
	}

	cp.logger.Debug("saved profile", "profile", profileType, "file", filename)
	return nil
}

// profileFilename generates a filename for a profile. The sequence number keeps
// snapshots taken within the same second apart and sortable.
func (cp *ContinuousProfiler) profileFilename(profileType ProfileType, seq int64) string {
	return filepath.Join(cp.outputDir, fmt.Sprintf("%s_%06d.prof", profileType, seq))
}

// Stop stops the continuous profiler and waits for the final snapshot.
func (cp *ContinuousProfiler) Stop() {
	cp.mu.Lock()
	cancel, done := cp.cancel, cp.done
	cp.cancel, cp.done = nil, nil
	cp.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	cp.logger.Info("stopped continuous profiling")
}
