// Package http serves a read-only status API over the session store and
// the gate runner.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/conductor/internal/gates"
	"github.com/fyrsmithlabs/conductor/internal/logging"
	"github.com/fyrsmithlabs/conductor/internal/session"
)

// Sessions is the part of the session store the server reads.
type Sessions interface {
	Load() (*session.State, error)
	ListHistory() ([]session.Summary, error)
	LoadHistory(id string) (*session.State, error)
}

// Gates reports the live gate runner's results.
type Gates interface {
	Summary() gates.Summary
	Results() map[string]gates.Result
}

// ServerOptions wires the server's collaborators.
type ServerOptions struct {
	Sessions Sessions

	// Gates is optional. Without it gate results come from the session record.
	Gates Gates

	Logger *logging.Logger

	// Gatherer backs /metrics. Nil means prometheus.DefaultGatherer.
	Gatherer prometheus.Gatherer

	// Meter records request metrics. Nil means the global meter provider.
	Meter metric.Meter
}

// Server provides HTTP endpoints for conductor.
type Server struct {
	echo     *echo.Echo
	sessions Sessions
	gates    Gates
	logger   *logging.Logger
	config   *Config
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
}

// NewServer creates a new HTTP server.
func NewServer(opts ServerOptions, cfg *Config) (*Server, error) {
	if opts.Sessions == nil {
		return nil, fmt.Errorf("sessions cannot be nil")
	}
	if opts.Logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "localhost",
			Port: 9191,
		}
	}
	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	logger := opts.Logger.Named("http")

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(NewHTTPMetrics(opts.Meter, logger).MetricsMiddleware())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			logger.Debug(c.Request().Context(), "http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return err
		}
	})

	s := &Server{
		echo:     e,
		sessions: opts.Sessions,
		gates:    opts.Gates,
		logger:   logger,
		config:   cfg,
	}
	s.registerRoutes(gatherer)
	return s, nil
}

func (s *Server) registerRoutes(gatherer prometheus.Gatherer) {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	v1 := s.echo.Group("/api/v1")
	v1.GET("/session", s.handleSession)
	v1.GET("/history", s.handleHistory)
	v1.GET("/history/:id", s.handleHistoryEntry)
	v1.GET("/gates", s.handleGates)
}

// Handler exposes the router, mainly for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.echo
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) handleSession(c echo.Context) error {
	st, err := s.sessions.Load()
	if err != nil {
		s.logger.Warn(c.Request().Context(), "loading session failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "loading session failed")
	}
	if st == nil {
		return echo.NewHTTPError(http.StatusNotFound, "no active session")
	}
	return c.JSON(http.StatusOK, newSessionResponse(st))
}

func (s *Server) handleHistory(c echo.Context) error {
	sessions, err := s.sessions.ListHistory()
	if err != nil {
		s.logger.Warn(c.Request().Context(), "listing history failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "listing history failed")
	}
	if sessions == nil {
		sessions = []session.Summary{}
	}
	return c.JSON(http.StatusOK, HistoryResponse{Sessions: sessions, Count: len(sessions)})
}

func (s *Server) handleHistoryEntry(c echo.Context) error {
	st, err := s.sessions.LoadHistory(c.Param("id"))
	switch {
	case errors.Is(err, session.ErrInvalidID):
		return echo.NewHTTPError(http.StatusBadRequest, "invalid session id")
	case errors.Is(err, os.ErrNotExist):
		return echo.NewHTTPError(http.StatusNotFound, "session not found")
	case err != nil:
		return echo.NewHTTPError(http.StatusInternalServerError, "loading history failed")
	}
	return c.JSON(http.StatusOK, newSessionResponse(st))
}

func (s *Server) handleGates(c echo.Context) error {
	if s.gates != nil {
		return c.JSON(http.StatusOK, GatesResponse{
			Source:  "runner",
			Summary: s.gates.Summary(),
			Results: s.gates.Results(),
		})
	}
	st, err := s.sessions.Load()
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "loading session failed")
	}
	if st == nil {
		return echo.NewHTTPError(http.StatusNotFound, "no active session")
	}
	return c.JSON(http.StatusOK, GatesResponse{
		Source:  "session",
		Summary: summarizeRecorded(st.Gates),
		Results: st.Gates,
	})
}

// Start starts the HTTP server. It returns http.ErrServerClosed after
// Shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info(context.Background(), "starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info(ctx, "shutting down http server")
	return s.echo.Shutdown(ctx)
}
