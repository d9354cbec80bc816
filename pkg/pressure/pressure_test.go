package pressure

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingCollector struct {
	calls int
}

func (c *countingCollector) ForceGC() time.Duration {
	c.calls++
	return time.Microsecond
}

func TestFact(t *testing.T) {
	tests := []struct {
		n    int64
		want int64
	}{
		{-3, -3},
		{0, 0},
		{1, 1},
		{2, 2},
		{5, 120},
		{20, 2432902008176640000},
		{21, -4249290049419214848}, // first wrapped value
		{66, 0},
		{100, 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Fact(tt.n), "Fact(%d)", tt.n)
	}
}

func TestFactWrapsInsteadOfPanicking(t *testing.T) {
	assert.NotPanics(t, func() { _ = Fact(10_000) })
	assert.Less(t, Fact(21), int64(0))
	assert.Less(t, Fact(20), int64(math.MaxInt64))
}

func TestStepAllocatesLimitSizedBuffer(t *testing.T) {
	const limit = 64
	for i := int64(0); i < limit; i++ {
		buf := Step(i, limit)
		require.Len(t, buf, limit)
		assert.Equal(t, Fact(i), buf[i])
		for j, v := range buf {
			if int64(j) != i {
				require.Zero(t, v)
			}
		}
	}
}

func TestLoopRunsEveryIteration(t *testing.T) {
	gc := &countingCollector{}
	var seen []int64

	l := NewLoop(Config{Limit: 25}, gc, WithObserver(func(i int64, buf []int64, _ time.Duration) {
		require.Len(t, buf, 25)
		seen = append(seen, i)
	}))

	stats, err := l.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(25), stats.Iterations)
	assert.Equal(t, int64(25), stats.ForcedGCs)
	assert.Equal(t, 25, gc.calls)
	assert.Equal(t, Fact(24), stats.LastFactorial)
	require.Len(t, seen, 25)
	for i, v := range seen {
		assert.Equal(t, int64(i), v)
	}
}

func TestLoopPaces(t *testing.T) {
	l := NewLoop(Config{Limit: 3, Pace: 10 * time.Millisecond}, &countingCollector{})

	stats, err := l.Run(context.Background())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, stats.Elapsed, 30*time.Millisecond)
}

func TestLoopStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	gc := &countingCollector{}

	l := NewLoop(Config{Limit: 1_000, Pace: time.Hour}, gc)
	time.AfterFunc(10*time.Millisecond, cancel)

	stats, err := l.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, stats.Iterations)
	assert.Zero(t, gc.calls)
}

func TestLoopCancelledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	stats, err := NewLoop(Config{Limit: 10}, &countingCollector{}).Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, stats.Iterations)
}

var sinkBuf []int64

//go:noinline
func blackHole(b []int64) {
	sinkBuf = b // force the buffer to escape
}

func BenchmarkStep(b *testing.B) {
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		blackHole(Step(int64(i%1_000), 10_000))
	}
}
