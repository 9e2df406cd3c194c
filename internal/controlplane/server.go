package controlplane

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fentz26/conductor/internal/arealock"
	"github.com/fentz26/conductor/internal/config"
	"github.com/fentz26/conductor/internal/dispatch"
	"github.com/fentz26/conductor/internal/liveness"
	"github.com/fentz26/conductor/internal/models"
	"github.com/fentz26/conductor/internal/spans"
)

const (
	defaultFailureLimit = 20
	maxFailureLimit     = 1000
)

// Server provides the HTTP API for conductor.
type Server struct {
	echo    *echo.Echo
	service *Service
	logger  *zap.Logger
	addr    string
}

// NewServer creates a new HTTP server.
func NewServer(service *Service, logger *zap.Logger, addr string) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			logger.Debug("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return err
		}
	})

	s := &Server{echo: e, service: service, logger: logger, addr: addr}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/v1")

	// Ingress
	v1.POST("/spans", s.appendSpan)
	v1.POST("/runs/:run_id/spans/:span_id/heartbeat", s.heartbeat)
	v1.POST("/runs/:run_id/cancel", s.cancelRun)

	// Egress
	v1.GET("/runs/active", s.activeRuns)
	v1.GET("/runs/stuck", s.stuckRuns)
	v1.GET("/runs/:run_id", s.getRun)
	v1.GET("/runs/:run_id/last-alive", s.lastAlive)
	v1.GET("/failures", s.failures)

	// Work queue
	v1.GET("/areas", s.areas)
	v1.POST("/areas", s.addArea)
	v1.POST("/initiatives", s.addInitiative)
	v1.POST("/tasks", s.enqueueTask)

	// Dispatcher
	v1.GET("/dispatcher", s.dispatcherStatus)
	v1.PUT("/dispatcher/config", s.setDispatchConfig)
	v1.POST("/dispatcher/enable", s.setDispatchEnabled(true))
	v1.POST("/dispatcher/disable", s.setDispatchEnabled(false))

	// Liveness
	v1.GET("/liveness/config", s.livenessConfig)
	v1.PUT("/liveness/config", s.setLivenessConfig)
	v1.GET("/agents", s.agents)
	v1.POST("/agents", s.registerAgent)
	v1.POST("/agents/:agent_id/touch", s.touchAgent)
	v1.POST("/agents/:agent_id/patrol", s.patrolAgent)
}

// Handler exposes the routes for embedding or tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start serves until Shutdown. It returns nil after a graceful shutdown.
func (s *Server) Start() error {
	s.logger.Info("starting http server", zap.String("addr", s.addr))
	if err := s.echo.Start(s.addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}

// fail maps service errors onto HTTP responses. Anything unrecognized is a
// query failure, reported as unavailable rather than as an empty result.
func (s *Server) fail(c echo.Context, err error) error {
	switch {
	case errors.Is(err, spans.ErrRunNotFound),
		errors.Is(err, spans.ErrSpanNotFound),
		errors.Is(err, liveness.ErrAgentNotFound),
		errors.Is(err, arealock.ErrAreaNotFound),
		errors.Is(err, arealock.ErrInitiativeNotFound),
		errors.Is(err, arealock.ErrTaskNotFound):
		return c.JSON(http.StatusNotFound, map[string]string{"error": err.Error()})
	case errors.Is(err, spans.ErrInvalidSpan),
		errors.Is(err, ErrInvalidRequest),
		errors.Is(err, dispatch.ErrInvalidConfig),
		errors.Is(err, config.ErrInvalid):
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, spans.ErrInvalidTransition),
		errors.Is(err, arealock.ErrTaskExists),
		errors.Is(err, arealock.ErrInitiativeConflict):
		return c.JSON(http.StatusConflict, map[string]string{"error": err.Error()})
	}
	s.logger.Error("request failed",
		zap.String("uri", c.Request().RequestURI),
		zap.Error(err),
	)
	return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
}

func badRequest(c echo.Context, msg string) error {
	return c.JSON(http.StatusBadRequest, map[string]string{"error": msg})
}

func (s *Server) handleHealth(c echo.Context) error {
	h := s.service.Health(c.Request().Context())
	status := http.StatusOK
	if !h.OK {
		status = http.StatusServiceUnavailable
	}
	return c.JSON(status, h)
}

// --- Ingress ---

func (s *Server) appendSpan(c echo.Context) error {
	var span models.Span
	if err := c.Bind(&span); err != nil {
		return badRequest(c, "invalid span body")
	}
	res, err := s.service.AppendSpan(c.Request().Context(), span)
	if err != nil {
		return s.fail(c, err)
	}
	status := http.StatusCreated
	if !res.Appended {
		status = http.StatusOK
	}
	return c.JSON(status, res)
}

type heartbeatRequest struct {
	Ts time.Time `json:"ts"`
}

func (s *Server) heartbeat(c echo.Context) error {
	var req heartbeatRequest
	if c.Request().ContentLength > 0 {
		if err := c.Bind(&req); err != nil {
			return badRequest(c, "invalid heartbeat body")
		}
	}
	accepted := s.service.Heartbeat(c.Param("run_id"), c.Param("span_id"), req.Ts)
	return c.JSON(http.StatusAccepted, map[string]bool{"accepted": accepted})
}

type cancelRequest struct {
	ReasonCode *string `json:"reason_code"`
}

func (s *Server) cancelRun(c echo.Context) error {
	var req cancelRequest
	if c.Request().ContentLength > 0 {
		if err := c.Bind(&req); err != nil {
			return badRequest(c, "invalid cancel body")
		}
	}
	runID := c.Param("run_id")
	n, err := s.service.CancelRun(c.Request().Context(), runID, req.ReasonCode)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"run_id": runID, "closed": n})
}

// --- Egress ---

func (s *Server) activeRuns(c echo.Context) error {
	return c.JSON(http.StatusOK, s.service.ActiveRuns())
}

func (s *Server) stuckRuns(c echo.Context) error {
	return c.JSON(http.StatusOK, s.service.StuckRuns())
}

func (s *Server) getRun(c echo.Context) error {
	run, err := s.service.GetRun(c.Request().Context(), c.Param("run_id"))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, run)
}

func (s *Server) lastAlive(c echo.Context) error {
	la, err := s.service.LastAlive(c.Request().Context(), c.Param("run_id"))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, la)
}

func (s *Server) failures(c echo.Context) error {
	limit := defaultFailureLimit
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxFailureLimit {
			return badRequest(c, "limit must be between 1 and 1000")
		}
		limit = n
	}
	return c.JSON(http.StatusOK, s.service.Failures(limit))
}

// --- Work queue ---

type areaRequest struct {
	AreaID   string `json:"area_id"`
	Priority int    `json:"priority"`
}

type initiativeRequest struct {
	AreaID       string `json:"area_id"`
	InitiativeID string `json:"initiative_id"`
	Title        string `json:"title"`
}

type taskRequest struct {
	InitiativeID string `json:"initiative_id"`
	TaskID       string `json:"task_id"`
	Title        string `json:"title"`
}

func (s *Server) areas(c echo.Context) error {
	return c.JSON(http.StatusOK, s.service.Areas())
}

func (s *Server) addArea(c echo.Context) error {
	var req areaRequest
	if err := c.Bind(&req); err != nil || req.AreaID == "" {
		return badRequest(c, "area_id is required")
	}
	area, err := s.service.AddArea(c.Request().Context(), req.AreaID, req.Priority)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusCreated, area)
}

func (s *Server) addInitiative(c echo.Context) error {
	var req initiativeRequest
	if err := c.Bind(&req); err != nil || req.AreaID == "" {
		return badRequest(c, "area_id is required")
	}
	in, err := s.service.AddInitiative(c.Request().Context(), req.AreaID, req.InitiativeID, req.Title)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusCreated, in)
}

func (s *Server) enqueueTask(c echo.Context) error {
	var req taskRequest
	if err := c.Bind(&req); err != nil || req.InitiativeID == "" || req.Title == "" {
		return badRequest(c, "initiative_id and title are required")
	}
	task, err := s.service.EnqueueTask(c.Request().Context(), req.InitiativeID, req.TaskID, req.Title)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusCreated, task)
}

// --- Dispatcher ---

func (s *Server) dispatcherStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, s.service.DispatcherStatus())
}

// setDispatchConfig applies a partial update: omitted fields keep their
// current values.
func (s *Server) setDispatchConfig(c echo.Context) error {
	cfg := s.service.DispatcherStatus().Config
	if err := c.Bind(&cfg); err != nil {
		return badRequest(c, "invalid dispatcher config")
	}
	if err := s.service.SetDispatchConfig(c.Request().Context(), cfg); err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, s.service.DispatcherStatus())
}

func (s *Server) setDispatchEnabled(enabled bool) echo.HandlerFunc {
	return func(c echo.Context) error {
		s.service.SetDispatchEnabled(c.Request().Context(), enabled)
		return c.JSON(http.StatusOK, s.service.DispatcherStatus())
	}
}

// --- Liveness ---

func (s *Server) livenessConfig(c echo.Context) error {
	return c.JSON(http.StatusOK, s.service.LivenessConfig())
}

func (s *Server) setLivenessConfig(c echo.Context) error {
	cfg := s.service.LivenessConfig()
	if err := c.Bind(&cfg); err != nil {
		return badRequest(c, "invalid liveness config")
	}
	if err := s.service.SetLivenessConfig(c.Request().Context(), cfg); err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, s.service.LivenessConfig())
}

type agentRequest struct {
	AgentID        string `json:"agent_id"`
	OutputRef      string `json:"output_ref"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

func (s *Server) agents(c echo.Context) error {
	return c.JSON(http.StatusOK, s.service.Agents())
}

func (s *Server) registerAgent(c echo.Context) error {
	var req agentRequest
	if err := c.Bind(&req); err != nil || req.AgentID == "" {
		return badRequest(c, "agent_id is required")
	}
	rec, err := s.service.RegisterAgent(c.Request().Context(), req.AgentID, req.OutputRef, req.TimeoutSeconds)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusCreated, rec)
}

func (s *Server) touchAgent(c echo.Context) error {
	if err := s.service.TouchAgent(c.Request().Context(), c.Param("agent_id")); err != nil {
		return s.fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) patrolAgent(c echo.Context) error {
	rec, err := s.service.TriggerPatrol(c.Request().Context(), c.Param("agent_id"))
	if errors.Is(err, liveness.ErrAgentNotFound) {
		return s.fail(c, err)
	}
	if err != nil {
		return c.JSON(http.StatusBadGateway, map[string]interface{}{"agent": rec, "error": err.Error()})
	}
	return c.JSON(http.StatusOK, rec)
}
