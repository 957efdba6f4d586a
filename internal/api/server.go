// Package api exposes the HTTP surface: history, snatching, client tests,
// and manual reconciliation runs.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/pymedusa/medusa/internal/auth"
	"github.com/pymedusa/medusa/internal/config"
	"github.com/pymedusa/medusa/internal/downloader"
	"github.com/pymedusa/medusa/internal/downloader/types"
	"github.com/pymedusa/medusa/internal/history"
	"github.com/pymedusa/medusa/internal/postprocess"
	"github.com/pymedusa/medusa/internal/scheduler"
	"github.com/pymedusa/medusa/internal/websocket"
)

// ReconcileTaskID is the scheduler id of the reconciliation task.
const ReconcileTaskID = "download-reconcile"

// Server handles HTTP requests for the Medusa API.
type Server struct {
	echo   *echo.Echo
	cfg    *config.Config
	logger zerolog.Logger

	store       *history.Store
	snatcher    *downloader.Service
	handler     *downloader.Handler
	queue       *postprocess.Queue
	scheduler   *scheduler.Scheduler
	hub         *websocket.Hub
	authService *auth.Service
}

// NewServer creates a new API server instance.
func NewServer(
	cfg *config.Config,
	store *history.Store,
	snatcher *downloader.Service,
	handler *downloader.Handler,
	queue *postprocess.Queue,
	sched *scheduler.Scheduler,
	hub *websocket.Hub,
	authService *auth.Service,
	logger zerolog.Logger,
) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:        e,
		cfg:         cfg,
		logger:      logger.With().Str("component", "api").Logger(),
		store:       store,
		snatcher:    snatcher,
		handler:     handler,
		queue:       queue,
		scheduler:   sched,
		hub:         hub,
		authService: authService,
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

// setupMiddleware configures Echo middleware.
func (s *Server) setupMiddleware() {
	s.echo.Use(middleware.Recover())
	s.echo.Use(middleware.RequestID())

	s.echo.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
	}))

	s.echo.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:      true,
		LogStatus:   true,
		LogLatency:  true,
		LogMethod:   true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			if v.Error != nil {
				s.logger.Error().
					Str("method", v.Method).
					Str("uri", v.URI).
					Int("status", v.Status).
					Dur("latency", v.Latency).
					Err(v.Error).
					Msg("request error")
			} else {
				s.logger.Debug().
					Str("method", v.Method).
					Str("uri", v.URI).
					Int("status", v.Status).
					Dur("latency", v.Latency).
					Msg("request")
			}
			return nil
		},
	}))

	s.echo.Use(middleware.GzipWithConfig(middleware.GzipConfig{
		Level: 5,
		Skipper: func(c echo.Context) bool {
			return c.Request().Header.Get("Upgrade") == "websocket"
		},
	}))
}

// setupRoutes configures API routes.
func (s *Server) setupRoutes() {
	s.echo.GET("/health", s.healthCheck)
	s.echo.GET("/ws", s.hub.HandleWebSocket)

	api := s.echo.Group("/api/v1")

	authGroup := api.Group("/auth")
	authGroup.POST("/login", s.login)
	authGroup.GET("/status", s.authStatus)

	protected := api.Group("", s.requireToken)

	protected.GET("/status", s.getStatus)

	protected.GET("/history", s.listHistory)
	protected.GET("/history/:key", s.getHistoryRow)
	protected.DELETE("/history/:key", s.abortDownload)

	protected.POST("/snatch", s.snatch)
	protected.POST("/clients/test", s.testClient)

	protected.POST("/reconcile", s.reconcile)
	protected.GET("/tasks", s.listTasks)
	protected.GET("/tasks/:id", s.getTask)
	protected.POST("/tasks/:id/run", s.runTask)
}

// requireToken validates the bearer token when authentication is enabled.
func (s *Server) requireToken(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if !s.authService.Enabled() {
			return next(c)
		}

		header := c.Request().Header.Get(echo.HeaderAuthorization)
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "missing bearer token"})
		}
		if _, err := s.authService.ValidateToken(token); err != nil {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "invalid token"})
		}
		return next(c)
	}
}

// Start begins listening for HTTP requests.
func (s *Server) Start(address string) error {
	s.logger.Info().Str("address", address).Msg("starting HTTP server")
	return s.echo.Start(address)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("shutting down HTTP server")
	return s.echo.Shutdown(ctx)
}

// Echo returns the underlying Echo instance.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

// --- Handler implementations ---

func (s *Server) healthCheck(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) getStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"version":            "0.0.1-dev",
		"websocketClients":   s.hub.ClientCount(),
		"postProcessPending": s.queue.InFlight(),
	})
}

func (s *Server) login(c echo.Context) error {
	var body struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	if err := s.authService.ValidateCredentials(body.Username, body.Password); err != nil {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "invalid credentials"})
	}

	token, err := s.authService.GenerateToken()
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]string{"token": token})
}

func (s *Server) authStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"requiresAuth": s.authService.Enabled(),
	})
}

func (s *Server) listHistory(c echo.Context) error {
	limit := 100
	if l := c.QueryParam("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	rows, err := s.store.List(c.Request().Context(), limit)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, rows)
}

func (s *Server) getHistoryRow(c echo.Context) error {
	row, err := s.store.Get(c.Request().Context(), c.Param("key"))
	if err != nil {
		if errors.Is(err, history.ErrNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "download not found"})
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, row)
}

func (s *Server) abortDownload(c echo.Context) error {
	ctx := c.Request().Context()

	row, err := s.store.Get(ctx, c.Param("key"))
	if err != nil {
		if errors.Is(err, history.ErrNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "download not found"})
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	if err := s.snatcher.Abort(ctx, s.store, row); err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) snatch(c echo.Context) error {
	ctx := c.Request().Context()

	var body struct {
		Protocol string `json:"protocol"`
		Name     string `json:"name"`
		URL      string `json:"url"`
		Quality  string `json:"quality"`
	}
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if body.Name == "" || body.URL == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "name and url are required"})
	}

	release := &types.Release{Name: body.Name, URL: body.URL}

	var (
		row *history.Row
		err error
	)
	switch types.Protocol(body.Protocol) {
	case types.ProtocolTorrent:
		row, err = s.snatcher.SnatchTorrent(ctx, release, body.Quality)
	case types.ProtocolNZB:
		row, err = s.snatcher.SnatchNZB(ctx, release, body.Quality)
	default:
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "protocol must be torrent or nzb"})
	}
	if err != nil {
		return c.JSON(http.StatusBadGateway, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusCreated, row)
}

func (s *Server) testClient(c echo.Context) error {
	var body struct {
		Method string `json:"method"`
		types.ClientConfig
	}
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	ok, message := s.snatcher.TestClient(c.Request().Context(), types.ClientType(body.Method), &body.ClientConfig)
	return c.JSON(http.StatusOK, map[string]interface{}{
		"success": ok,
		"message": message,
	})
}

// reconcile triggers a reconciliation pass outside the schedule. A pass
// already in flight makes this a no-op: the handler never runs two passes
// at once.
func (s *Server) reconcile(c echo.Context) error {
	go func() {
		if err := s.handler.Run(context.Background()); err != nil {
			s.logger.Error().Err(err).Msg("manual reconciliation run failed")
		}
	}()

	return c.JSON(http.StatusAccepted, map[string]string{"status": "started"})
}

func (s *Server) listTasks(c echo.Context) error {
	return c.JSON(http.StatusOK, s.scheduler.ListTasks())
}

func (s *Server) getTask(c echo.Context) error {
	info, err := s.scheduler.GetTask(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, info)
}

func (s *Server) runTask(c echo.Context) error {
	if err := s.scheduler.RunNow(c.Param("id")); err != nil {
		return c.JSON(http.StatusConflict, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusAccepted, map[string]string{"status": "started"})
}
