package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/resolverd/internal/config"
	"github.com/fyrsmithlabs/resolverd/internal/logging"
	"github.com/fyrsmithlabs/resolverd/internal/meta"
	"github.com/fyrsmithlabs/resolverd/internal/record"
	"github.com/fyrsmithlabs/resolverd/internal/resolver"
	"github.com/fyrsmithlabs/resolverd/internal/store"
)

// Server is the HTTP transport over the resolution pipeline.
type Server struct {
	cfg      config.ServerConfig
	echo     *echo.Echo
	resolver *resolver.Service
	meta     *meta.Controller
	store    *store.Store
	logger   *logging.Logger
}

// HealthResponse is the JSON response for GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
}

// ErrorResponse is the JSON error envelope.
type ErrorResponse struct {
	Error string `json:"error"`
}

// NewServer builds the echo router with logging, recovery, and request ID
// middleware and registers all routes.
func NewServer(cfg config.ServerConfig, rsv *resolver.Service, mc *meta.Controller, st *store.Store, logger *logging.Logger) (*Server, error) {
	if rsv == nil {
		return nil, errors.New("resolver service is required")
	}
	if mc == nil {
		return nil, errors.New("meta controller is required")
	}
	if st == nil {
		return nil, errors.New("store is required")
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.RequestID())
	e.Use(middleware.Recover())
	e.Use(requestLogger(logger))

	s := &Server{
		cfg:      cfg,
		echo:     e,
		resolver: rsv,
		meta:     mc,
		store:    st,
		logger:   logger.Named("http"),
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.POST("/resolve", s.handleResolve)
	v1.GET("/statistics", s.handleStatistics)
	v1.GET("/fitness", s.handleFitness)
	v1.POST("/modifications", s.handleApplyModification)
	v1.POST("/modifications/:id/rollback", s.handleRollback)
	v1.POST("/modifications/:id/confirm", s.handleConfirm)
}

// requestLogger logs one line per request with the request ID carried
// into downstream log context.
func requestLogger(logger *logging.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			reqID := c.Response().Header().Get(echo.HeaderXRequestID)
			ctx := logging.WithRequestID(c.Request().Context(), reqID)
			c.SetRequest(c.Request().WithContext(ctx))

			err := next(c)

			logger.Info(ctx, "request",
				zap.String("method", c.Request().Method),
				zap.String("path", c.Request().URL.Path),
				zap.Int("status", c.Response().Status),
				zap.Duration("took", time.Since(start)))
			return err
		}
	}
}

func (s *Server) handleHealth(c echo.Context) error {
	status := "ok"
	code := http.StatusOK
	if s.store.Poisoned() {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, HealthResponse{Status: status, Service: "resolverd"})
}

func (s *Server) handleResolve(c echo.Context) error {
	var req resolver.Request
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "malformed request body"})
	}

	resp, err := s.resolver.Resolve(c.Request().Context(), &req)
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleStatistics(c echo.Context) error {
	stats, snap, err := s.resolver.Statistics(c.Request().Context())
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"statistics": stats,
		"fitness":    snap,
	})
}

func (s *Server) handleFitness(c echo.Context) error {
	snap, err := s.meta.EvaluateFitness(c.Request().Context())
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusOK, snap)
}

func (s *Server) handleApplyModification(c echo.Context) error {
	var change meta.Change
	if err := c.Bind(&change); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "malformed request body"})
	}

	mod, err := s.meta.ApplyModification(c.Request().Context(), change)
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusOK, mod)
}

func (s *Server) handleRollback(c echo.Context) error {
	mod, err := s.meta.Rollback(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusOK, mod)
}

func (s *Server) handleConfirm(c echo.Context) error {
	if err := s.meta.Confirm(c.Request().Context(), c.Param("id")); err != nil {
		return s.writeError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// writeError maps the error taxonomy onto HTTP status codes.
func (s *Server) writeError(c echo.Context, err error) error {
	var (
		validation *record.ValidationError
		lockErr    *store.LockTimeoutError
		staleErr   *store.StaleRollbackError
		corruption *store.CorruptionError
	)

	ctx := c.Request().Context()
	switch {
	case errors.As(err, &validation):
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
	case errors.As(err, &staleErr):
		return c.JSON(http.StatusConflict, ErrorResponse{Error: err.Error()})
	case errors.As(err, &lockErr):
		s.logger.Warn(ctx, "writer contention", zap.Error(err))
		return c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: err.Error()})
	case errors.As(err, &corruption):
		s.logger.Error(ctx, "store corruption detected", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
	default:
		s.logger.Error(ctx, "request failed", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
	}
}

// Echo returns the underlying router, used by tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

// Start runs the server until ctx is cancelled, then shuts down
// gracefully within the configured timeout.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)

	errCh := make(chan error, 1)
	go func() {
		if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("server start: %w", err)
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := s.echo.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return http.ErrServerClosed
	}
}
