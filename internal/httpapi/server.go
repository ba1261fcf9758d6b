// Package httpapi provides the HTTP API for gatherd.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/gatherd/internal/analytics"
	"github.com/fyrsmithlabs/gatherd/internal/brand"
	"github.com/fyrsmithlabs/gatherd/internal/config"
	"github.com/fyrsmithlabs/gatherd/internal/connector"
)

// ToolCaller issues connector tool calls on one pooled session.
type ToolCaller interface {
	CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error)
}

// ClientSource resolves the pooled connector client for a key.
type ClientSource func(ctx context.Context, key connector.Key) (ToolCaller, error)

// PoolSource adapts a connector pool into a ClientSource.
func PoolSource(pool *connector.Pool) ClientSource {
	return func(ctx context.Context, key connector.Key) (ToolCaller, error) {
		return pool.Get(ctx, key)
	}
}

// Server provides HTTP endpoints for gatherd.
type Server struct {
	echo    *echo.Echo
	logger  *zap.Logger
	config  *config.Config
	catalog *brand.Catalog
	clients ClientSource
	emitter analytics.Emitter
	flows   FlowFactory

	sessionMu sync.Mutex
	sessions  map[string]*sessionState
}

// NewServer creates a new HTTP server.
func NewServer(cfg *config.Config, catalog *brand.Catalog, clients ClientSource, emitter analytics.Emitter, logger *zap.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if catalog == nil {
		return nil, fmt.Errorf("brand catalog cannot be nil")
	}
	if clients == nil {
		return nil, fmt.Errorf("client source cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if emitter == nil {
		emitter = analytics.NopEmitter{}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:     e,
		logger:   logger,
		config:   cfg,
		catalog:  catalog,
		clients:  clients,
		emitter:  emitter,
		flows:    defaultFlowFactory(cfg, clients, emitter, logger),
		sessions: make(map[string]*sessionState),
	}

	e.HTTPErrorHandler = s.handleError

	// Middleware
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(sessionMiddleware())
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

	s.registerRoutes()

	return s, nil
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	s.echo.GET("/config", s.handleFeatureConfig)

	api := s.echo.Group("/api")
	api.GET("/brands", s.handleBrands)
	api.GET("/purchase-history/:brandId", s.handlePurchaseHistory)
	api.GET("/purchase-history-details/:brandId/:orderId", s.handlePurchaseHistoryDetails)
	api.GET("/mcp-poll/:brandId/:linkId", s.handlePoll)
	api.GET("/dpage-url/:brandId", s.handleDpageURL)
	api.GET("/dpage-signin-check/:brandId/:linkId", s.handleDpageSigninCheck)
	api.POST("/connect/:brandId", s.handleConnect)
	api.GET("/connect/:brandId", s.handleConnectState)
	api.GET("/orders", s.handleOrders)
	api.POST("/orders/selection", s.handleToggleSelection)
	api.POST("/orders/clear", s.handleClearOrders)
	api.POST("/log", s.handleClientLog)
	api.POST("/analytics", s.handleClientAnalytics)
}

// errorResponse is the body of every non-2xx response.
type errorResponse struct {
	Error string `json:"error"`
}

// handleError renders errors from handlers and middleware as JSON.
func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	code := http.StatusInternalServerError
	msg := "internal server error"

	var httpErr *echo.HTTPError
	if errors.As(err, &httpErr) {
		code = httpErr.Code
		if m, ok := httpErr.Message.(string); ok {
			msg = m
		}
	}

	if jsonErr := c.JSON(code, errorResponse{Error: msg}); jsonErr != nil {
		s.logger.Warn("writing error response failed", zap.Error(jsonErr))
	}
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{
		Status:  "ok",
		Service: s.config.Observability.ServiceName,
	})
}

// Start starts the HTTP server and blocks until it is shut down.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.config.Server.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}

// Echo returns the underlying Echo instance for registering additional
// routes.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}
