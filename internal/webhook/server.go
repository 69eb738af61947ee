// Package webhook provides the HTTP surface the telephony provider calls
// back into: lifecycle event deliveries, health, and metrics.
package webhook

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/christopher-palmieri/deepgram-call-handler-sub000/internal/supervisor"
)

// Config holds webhook server configuration.
type Config struct {
	Host string `koanf:"host"`
	Port int    `koanf:"port"`
}

// Server receives provider webhooks and feeds them to the supervisor.
type Server struct {
	echo       *echo.Echo
	supervisor *supervisor.Supervisor
	logger     *zap.Logger
	config     *Config
}

// NewServer creates a new webhook server.
func NewServer(sup *supervisor.Supervisor, logger *zap.Logger, cfg *Config) (*Server, error) {
	if sup == nil {
		return nil, fmt.Errorf("supervisor cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "localhost",
			Port: 8080,
		}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			duration := time.Since(start)

			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", duration),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)

			return err
		}
	})

	s := &Server{
		echo:       e,
		supervisor: sup,
		logger:     logger,
		config:     cfg,
	}

	// Register routes
	s.registerRoutes()

	return s, nil
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	// Health check and metrics
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	// Provider callbacks
	s.echo.POST("/webhooks/call", s.handleCallEvent)
}

// EventRequest is the request body for POST /webhooks/call.
type EventRequest struct {
	CallID        string            `json:"call_id"`
	ControlHandle string            `json:"control_handle,omitempty"`
	Event         string            `json:"event"`
	Status        string            `json:"status,omitempty"`
	DurationSec   float64           `json:"duration_sec,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// EventResponse is the response body for POST /webhooks/call.
type EventResponse struct {
	Accepted bool `json:"accepted"`
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// handleCallEvent applies one provider lifecycle event. The provider
// retries non-2xx responses, so only malformed payloads get a 4xx;
// processing errors return 500 and lean on redelivery plus idempotent
// handling.
func (s *Server) handleCallEvent(c echo.Context) error {
	var req EventRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid webhook payload", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	ev := supervisor.Event{
		CallID:        req.CallID,
		ControlHandle: req.ControlHandle,
		Kind:          supervisor.EventKind(req.Event),
		Status:        req.Status,
		Duration:      time.Duration(req.DurationSec * float64(time.Second)),
		Metadata:      req.Metadata,
	}
	if err := ev.Validate(); err != nil {
		s.logger.Warn("invalid webhook event", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	if err := s.supervisor.HandleEvent(c.Request().Context(), ev); err != nil {
		s.logger.Error("failed to handle call event",
			zap.String("call_id", ev.CallID),
			zap.String("event", string(ev.Kind)),
			zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "event processing failed")
	}

	return c.JSON(http.StatusOK, EventResponse{Accepted: true})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting webhook server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down webhook server")
	return s.echo.Shutdown(ctx)
}
