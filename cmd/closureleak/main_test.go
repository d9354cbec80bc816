package main

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"closureleak/internal/config"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestVersionCmd(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "closureleak version "+version)
}

func TestRunCmd(t *testing.T) {
	for _, variant := range []string{"shared", "holder"} {
		t.Run(variant, func(t *testing.T) {
			out, err := execute(t, "run",
				"--variant", variant,
				"--leak-count", "1000",
				"--limit", "3",
				"--pace", "0s",
				"--log-level", "error",
			)
			require.NoError(t, err)

			assert.Contains(t, out, "Variant:        "+variant)
			assert.Contains(t, out, "Queue length:   1000")
			assert.Contains(t, out, "Iterations:     3")
			assert.Contains(t, out, "=== Forced GC ===")
			assert.Contains(t, out, "Queue still holds 1000 computations")
		})
	}
}

func TestRunCmdWithProfiles(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "profiles")
	_, err := execute(t, "run",
		"--leak-count", "10",
		"--limit", "2",
		"--pace", "0s",
		"--profile-dir", dir,
		"--profile-interval", "1h",
		"--listen", "127.0.0.1:0",
		"--gc-interval", "5ms",
		"--log-level", "error",
	)
	require.NoError(t, err)

	heaps, err := filepath.Glob(filepath.Join(dir, "heap_*.prof"))
	require.NoError(t, err)
	assert.NotEmpty(t, heaps)
}

func TestRunCmdRejectsUnknownVariant(t *testing.T) {
	_, err := execute(t, "run", "--variant", "weak")
	require.ErrorIs(t, err, config.ErrInvalid)
}

func TestLoadConfigFlagsOverrideFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "closureleak.yaml")
	require.NoError(t, os.WriteFile(path, []byte("leak:\n  variant: holder\n  count: 5\npressure:\n  limit: 7\n"), 0o644))

	cmd := newRunCmd()
	cmd.Flags().String("config", "", "")
	cmd.Flags().String("log-level", "", "")
	cmd.Flags().String("log-format", "", "")
	require.NoError(t, cmd.Flags().Parse([]string{"--config", path, "--leak-count", "9", "--pace", "1ms"}))

	cfg, err := loadConfig(cmd)
	require.NoError(t, err)

	assert.Equal(t, "holder", cfg.Leak.Variant)
	assert.Equal(t, 9, cfg.Leak.Count)
	assert.Equal(t, int64(7), cfg.Pressure.Limit)
	assert.Equal(t, time.Millisecond, cfg.Pressure.Pace)
}

func TestRunGoroutineCleanup(t *testing.T) {
	cfg := config.Default()
	cfg.Leak.Count = 100
	cfg.Pressure.Limit = 3
	cfg.Pressure.Pace = time.Millisecond
	cfg.GC.ScheduledInterval = time.Millisecond
	cfg.Debug.Listen = "127.0.0.1:0"
	cfg.Debug.ProfileDir = filepath.Join(t.TempDir(), "profiles")
	cfg.Debug.ProfileInterval = 5 * time.Millisecond
	cfg.Logging.Level = "error"

	var out bytes.Buffer
	// The first run starts the process-wide os/signal watcher, which never exits.
	require.NoError(t, run(context.Background(), &out, io.Discard, cfg))

	initialGoroutines := runtime.NumGoroutine()
	require.NoError(t, run(context.Background(), &out, io.Discard, cfg))

	deadline := time.Now().Add(2 * time.Second)
	for runtime.NumGoroutine() > initialGoroutines {
		if time.Now().After(deadline) {
			buf := make([]byte, 1<<16)
			n := runtime.Stack(buf, true)
			t.Fatalf("Goroutine leak detected: %d goroutines leaked\n%s",
				runtime.NumGoroutine()-initialGoroutines, buf[:n])
		}
		time.Sleep(10 * time.Millisecond)
	}
}
