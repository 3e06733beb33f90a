// Package web is the operator surface of the bench: a JSON API, SSE
// streams for the live view and the log window, and the dashboard page.
package web

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"leakbench/bench"
	"leakbench/logging"
	"leakbench/types"
)

// Bench is the session API the handlers drive. *bench.Session implements it.
type Bench interface {
	ID() uint
	Status() bench.StatusView
	Devices() []types.DeviceConfig
	UpdateDevice(ctx context.Context, cfg types.DeviceConfig) error
	Reconnect(ctx context.Context) error

	Start(ctx context.Context) error
	Stop(ctx context.Context) (*types.Measurement, error)
	ArmAutoStop() error
	DisarmAutoStop()
	DeleteLast(ctx context.Context) (*types.Measurement, error)
	SavePending(ctx context.Context) (*types.Measurement, error)
	Calibrate(ctx context.Context) (bench.CalibrationResult, error)

	Measurements(ctx context.Context) ([]types.Measurement, error)
	Specimen(ctx context.Context, measurementID uint) (*types.Specimen, error)
	UpdatePlacement(ctx context.Context, id uint, panel, location int) error

	Events() *bench.Bus[types.Event]
	Live() *bench.Bus[types.LiveStatus]
	Readings() *bench.Bus[types.LiveReading]
}

var _ Bench = (*bench.Session)(nil)

type Server struct {
	bench   Bench
	hub     *logging.Hub
	metrics http.Handler
	log     *slog.Logger
	engine  *gin.Engine
}

// New builds the router. hub and metrics may be nil.
func New(b Bench, hub *logging.Hub, metrics http.Handler, log *slog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		bench:   b,
		hub:     hub,
		metrics: metrics,
		log:     log.With(logging.ComponentKey, "web"),
		engine:  gin.New(),
	}
	s.engine.Use(gin.Recovery(), s.requestLog())
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) routes() {
	r := s.engine
	r.GET("/", s.index)
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "session": s.bench.ID(), "time": time.Now().UTC()})
	})
	if s.metrics != nil {
		r.GET("/metrics", gin.WrapH(s.metrics))
	}

	api := r.Group("/api")
	{
		api.GET("/status", s.status)
		api.GET("/devices", s.devices)
		api.PUT("/devices/:role", s.updateDevice)
		api.POST("/reconnect", s.reconnect)
		api.POST("/calibrate", s.calibrate)

		m := api.Group("/measure")
		m.POST("/start", s.start)
		m.POST("/stop", s.stop)
		m.POST("/autostop", s.armAutoStop)
		m.DELETE("/autostop", s.disarmAutoStop)
		m.POST("/delete-last", s.deleteLast)
		m.POST("/save-pending", s.savePending)

		api.GET("/measurements", s.measurements)
		api.PATCH("/measurements/:id", s.updatePlacement)
		api.GET("/measurements/:id/specimen", s.specimen)

		st := api.Group("/stream")
		st.GET("/live", s.streamLive)
		st.GET("/events", s.streamEvents)
		st.GET("/logs", s.streamLogs)
	}
}

// requestLog logs API calls at debug level; streams log once on connect.
func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug("request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is Run over an existing listener. Request contexts derive from ctx,
// so open streams end as soon as ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.log.Info("web server started", "addr", ln.Addr().String())

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.log.Info("web server shutting down")
		return srv.Shutdown(shutdownCtx)
	}
}

// statusFor maps bench errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, types.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, types.ErrInvalidState), errors.Is(err, types.ErrPortConflict):
		return http.StatusConflict
	case errors.Is(err, types.ErrThermalFault):
		return http.StatusLocked
	case errors.Is(err, types.ErrWarmingUp):
		return http.StatusTooEarly
	case errors.Is(err, types.ErrHardwareAckMismatch), errors.Is(err, types.ErrMalformedResponse):
		return http.StatusBadGateway
	case errors.Is(err, types.ErrPortUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, types.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(c *gin.Context, err error) {
	code := statusFor(err)
	body := gin.H{"error": err.Error()}
	var wu *types.WarmingUpError
	if errors.As(err, &wu) {
		body["remaining_minutes"] = wu.RemainingMinutes
		body["powered_minutes"] = wu.PoweredMinutes
	}
	if code >= http.StatusInternalServerError {
		s.log.Warn("request failed", "path", c.FullPath(), "status", code, "error", err)
	}
	c.AbortWithStatusJSON(code, body)
}
