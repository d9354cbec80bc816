package debugserver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"closureleak/pkg/capture"
	"closureleak/pkg/driver"
	"closureleak/pkg/gccontrol"
	"closureleak/pkg/metrics"
)

type fakeStatus struct {
	state    driver.State
	recorder capture.Recorder
}

func (f fakeStatus) State() driver.State { return f.state }
func (f fakeStatus) Recorder() capture.Recorder { return f.recorder }

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestStatsEndpoint(t *testing.T) {
	r := capture.NewHolderRecorder()
	capture.LeakRoutine(r, 7)

	s := New("127.0.0.1:0", metrics.NewCollector(), fakeStatus{state: driver.Pressure, recorder: r}, nil)

	rec := get(t, s.Handler(), "/stats")
	require.Equal(t, http.StatusOK, rec.Code)

	var body statsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "pressure", body.Driver.State)
	assert.Equal(t, 7, body.Driver.QueueLength)
	assert.NotZero(t, body.Memory.HeapAlloc)
	assert.Positive(t, body.Runtime.CPUs)
}

func TestStatsEndpointReportsForcedGC(t *testing.T) {
	gc := gccontrol.NewGCController(0)
	gc.ForceGC()
	gc.ForceGC()

	s := New("127.0.0.1:0", metrics.NewCollector(), fakeStatus{state: driver.Pressure}, nil, WithGCController(gc))

	rec := get(t, s.Handler(), "/stats")
	require.Equal(t, http.StatusOK, rec.Code)

	var body statsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.NotNil(t, body.GC)
	assert.Equal(t, int64(2), body.GC.Forced)
	assert.WithinDuration(t, gc.LastGC(), body.GC.LastForced, time.Millisecond)
}

func TestStatsEndpointWithoutGCController(t *testing.T) {
	s := New("127.0.0.1:0", metrics.NewCollector(), fakeStatus{}, nil)

	rec := get(t, s.Handler(), "/stats")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), `"gc"`)
}

func TestStatsEndpointBeforeJoin(t *testing.T) {
	s := New("127.0.0.1:0", metrics.NewCollector(), fakeStatus{state: driver.Leaking}, nil)

	rec := get(t, s.Handler(), "/stats")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"queue_length":0`)
}

func TestMetricsEndpoint(t *testing.T) {
	c := metrics.NewCollector()
	c.QueueLength.Set(1000)

	s := New("127.0.0.1:0", c, fakeStatus{}, nil)

	rec := get(t, s.Handler(), "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "closureleak_queue_length 1000")
}

func TestPprofEndpoints(t *testing.T) {
	s := New("127.0.0.1:0", metrics.NewCollector(), fakeStatus{}, nil)

	rec := get(t, s.Handler(), "/debug/pprof/")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "heap")

	rec = get(t, s.Handler(), "/debug/pprof/heap?debug=1")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "heap profile")
}

func TestStartAndShutdown(t *testing.T) {
	s := New("127.0.0.1:0", metrics.NewCollector(), fakeStatus{state: driver.Joined}, nil)
	require.NoError(t, s.Start())

	resp, err := http.Get(fmt.Sprintf("http://%s/stats", s.Addr()))
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	assert.Contains(t, string(body), `"state":"joined"`)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
}

func TestShutdownWithoutStart(t *testing.T) {
	s := New("127.0.0.1:0", metrics.NewCollector(), fakeStatus{}, nil)
	require.NoError(t, s.Shutdown(context.Background()))
}
