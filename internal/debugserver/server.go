package debugserver

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/http/pprof"
	"runtime"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"closureleak/pkg/capture"
	"closureleak/pkg/driver"
	"closureleak/pkg/gccontrol"
	"closureleak/pkg/metrics"
)

// DriverStatus is the part of the driver the server reports on.
type DriverStatus interface {
	State() driver.State
	Recorder() capture.Recorder
}

// Server exposes prometheus metrics, a JSON status page and pprof endpoints.
type Server struct {
	engine    *echo.Echo
	server    *http.Server
	collector *metrics.Collector
	status    DriverStatus
	gc        *gccontrol.GCController
	logger    *slog.Logger
	serveErr  chan error
	listening net.Addr
}

// Option configures a Server.
type Option func(*Server)

// WithGCController adds the controller's forced GC count and time to /stats.
func WithGCController(gc *gccontrol.GCController) Option { return func(s *Server) { s.gc = gc } }

// New builds the routes. Nothing listens until Start is called.
func New(addr string, collector *metrics.Collector, status DriverStatus, logger *slog.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	s := &Server{
		engine:    echo.New(),
		collector: collector,
		status:    status,
		logger:    logger.With("component", "debugserver"),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.engine.HideBanner = true
	s.engine.HidePort = true
	s.engine.Use(middleware.Recover())

	s.engine.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(
		collector.Registry,
		promhttp.HandlerOpts{EnableOpenMetrics: true},
	)))
	s.engine.GET("/stats", s.statsHandler)

	s.engine.GET("/debug/pprof/", echo.WrapHandler(http.HandlerFunc(pprof.Index)))
	s.engine.GET("/debug/pprof/cmdline", echo.WrapHandler(http.HandlerFunc(pprof.Cmdline)))
	s.engine.GET("/debug/pprof/profile", echo.WrapHandler(http.HandlerFunc(pprof.Profile)))
	s.engine.GET("/debug/pprof/symbol", echo.WrapHandler(http.HandlerFunc(pprof.Symbol)))
	s.engine.GET("/debug/pprof/trace", echo.WrapHandler(http.HandlerFunc(pprof.Trace)))
	s.engine.GET("/debug/pprof/*", echo.WrapHandler(http.HandlerFunc(pprof.Index)))

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.engine,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 2 * time.Minute, // pprof profile/trace stream for a while
	}
	return s
}

// Handler returns the router, mostly for tests.
func (s *Server) Handler() http.Handler { return s.engine }

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return err
	}
	s.listening = ln.Addr()
	s.serveErr = make(chan error, 1)

	go func() {
		s.logger.Info("debug server listening", "addr", ln.Addr().String())
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("debug server error", "error", err)
			s.serveErr <- err
		}
		close(s.serveErr)
	}()
	return nil
}

// Addr returns the bound address once Start has succeeded.
func (s *Server) Addr() net.Addr { return s.listening }

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.serveErr == nil {
		return nil
	}
	if err := s.server.Shutdown(ctx); err != nil {
		return err
	}
	return <-s.serveErr
}

type statsResponse struct {
	Driver  driverStats  `json:"driver"`
	Memory  memoryStats  `json:"memory"`
	Runtime runtimeStats `json:"runtime"`
	GC      *gcStats     `json:"gc,omitempty"`
}

type gcStats struct {
	Forced     int64     `json:"forced"`
	LastForced time.Time `json:"last_forced"`
}

type driverStats struct {
	State       string `json:"state"`
	QueueLength int    `json:"queue_length"`
}

type memoryStats struct {
	HeapAlloc   uint64 `json:"heap_alloc"`
	HeapObjects uint64 `json:"heap_objects"`
	TotalAlloc  uint64 `json:"total_alloc"`
	Sys         uint64 `json:"sys"`
	NumGC       uint32 `json:"num_gc"`
	GCPauseNs   uint64 `json:"gc_pause_ns"`
}

type runtimeStats struct {
	Goroutines int `json:"goroutines"`
	CPUs       int `json:"cpus"`
}

// statsHandler returns the driver state together with memory statistics
func (s *Server) statsHandler(c echo.Context) error {
	resp := statsResponse{
		Driver: driverStats{State: s.status.State().String()},
		Runtime: runtimeStats{
			Goroutines: runtime.NumGoroutine(),
			CPUs:       runtime.NumCPU(),
		},
	}
	if r := s.status.Recorder(); r != nil {
		resp.Driver.QueueLength = r.Len()
	}

	m := metrics.MemStats()
	resp.Memory = memoryStats{
		HeapAlloc:   m.HeapAlloc,
		HeapObjects: m.HeapObjects,
		TotalAlloc:  m.TotalAlloc,
		Sys:         m.Sys,
		NumGC:       m.NumGC,
		GCPauseNs:   m.PauseNs[(m.NumGC+255)%256],
	}

	if s.gc != nil {
		resp.GC = &gcStats{
			Forced:     s.gc.Forced(),
			LastForced: s.gc.LastGC(),
		}
	}

	return c.JSON(http.StatusOK, resp)
}
