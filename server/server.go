// Package server is the HTTP front door of the gateway. It maps the
// workflow and module API onto the orchestrator and the dispatch router.
package server

import (
	"errors"
	"log/slog"
	"net/http"

	glog "github.com/gin-contrib/slog"
	"github.com/gin-gonic/gin"

	"github.com/BDNK1/flowgate/runtime"
	"github.com/BDNK1/flowgate/runtime/flowerr"
	"github.com/BDNK1/flowgate/runtime/router"
)

// Server implements the HTTP API
type Server struct {
	l       *slog.Logger
	orch    *runtime.Orchestrator
	router  *router.Router
	metrics http.Handler
}

// ErrorResponse is the body of every non-2xx answer that is not a workflow
// execution result.
type ErrorResponse struct {
	Error  string         `json:"error"`
	Status int            `json:"status"`
	Detail map[string]any `json:"detail,omitempty"`
}

// New creates the server. metrics may be nil, in which case /metrics is not
// exposed.
func New(l *slog.Logger, orch *runtime.Orchestrator, r *router.Router, metrics http.Handler) *Server {
	return &Server{l: l, orch: orch, router: r, metrics: metrics}
}

// SetupRoutes configures and returns the HTTP router with all API endpoints
func (s *Server) SetupRoutes() *gin.Engine {
	g := gin.New()
	g.Use(gin.Recovery())
	g.Use(glog.SetLogger(
		glog.WithLogger(func(_ *gin.Context, _ *slog.Logger) *slog.Logger {
			return s.l
		}),
	))

	g.GET("/health", s.handleHealth)
	if s.metrics != nil {
		g.GET("/metrics", gin.WrapH(s.metrics))
	}

	api := g.Group("/api/v1")
	{
		api.POST("/workflows", s.createWorkflow)
		api.GET("/workflows", s.listWorkflows)
		api.GET("/workflows/:workflow_id", s.getWorkflow)
		api.POST("/workflows/:workflow_id/execute", s.executeWorkflow)
		api.POST("/workflows/:workflow_id/cancel", s.cancelWorkflow)

		api.GET("/modules", s.listModules)
		api.GET("/modules/health", s.moduleHealth)
	}

	return g
}

func (s *Server) errorJSON(c *gin.Context, status int, err error) {
	resp := ErrorResponse{Error: err.Error(), Status: status}
	var fe *flowerr.Error
	if errors.As(err, &fe) {
		resp.Detail = fe.ToMap()
	}
	c.JSON(status, resp)
}

// statusFor maps runtime errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, runtime.ErrWorkflowNotFound):
		return http.StatusNotFound
	case errors.Is(err, runtime.ErrWorkflowRunning):
		return http.StatusConflict
	case errors.Is(err, flowerr.ErrValidation):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
