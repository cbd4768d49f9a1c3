// Package server exposes the HTTP surface: workflow lifecycle, webhook
// ingress, execution queries, and conversational action dispatch.
package server

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/bedah-kym/flowcore/internal/engine"
	"github.com/bedah-kym/flowcore/internal/router"
	"github.com/bedah-kym/flowcore/internal/store"
	"github.com/bedah-kym/flowcore/internal/trigger"
	"github.com/bedah-kym/flowcore/internal/validation"
	"github.com/bedah-kym/flowcore/pkg/schema"
	"log/slog"
)

// Server holds the handler dependencies.
type Server struct {
	store     store.Store
	validator *validation.WorkflowValidator
	triggers  *trigger.Service
	engine    *engine.Engine
	router    *router.Router
	logger    *slog.Logger
}

// New creates a Server.
func New(s store.Store, v *validation.WorkflowValidator, t *trigger.Service, e *engine.Engine, r *router.Router, logger *slog.Logger) *Server {
	return &Server{store: s, validator: v, triggers: t, engine: e, router: r, logger: logger}
}

// NewEcho builds the echo instance with middleware and all routes
// mounted.
func (s *Server) NewEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())

	e.GET("/healthz", s.Health)

	e.POST("/workflows", s.CreateWorkflow)
	e.GET("/workflows", s.ListWorkflows)
	e.GET("/workflows/:id", s.GetWorkflow)
	e.POST("/workflows/:id/activate", s.ActivateWorkflow)
	e.POST("/workflows/:id/deactivate", s.DeactivateWorkflow)
	e.POST("/workflows/:id/run", s.RunWorkflow)

	e.GET("/executions", s.ListExecutions)
	e.GET("/executions/:id", s.GetExecution)
	e.POST("/executions/:id/cancel", s.CancelExecution)

	e.POST("/triggers/:id", s.HandleWebhook)
	e.POST("/actions", s.DispatchAction)

	return e
}

// Health reports liveness.
// (GET /healthz)
func (s *Server) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// httpError maps a typed error to an HTTP response. Unknown errors
// become opaque 500s so internals never leak.
func httpError(c echo.Context, err error) error {
	var flowErr *schema.FlowError
	if !errors.As(err, &flowErr) {
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}

	status := http.StatusInternalServerError
	switch flowErr.Code {
	case schema.ErrCodeValidation:
		status = http.StatusUnprocessableEntity
	case schema.ErrCodeSignature:
		status = http.StatusUnauthorized
	case schema.ErrCodeNotFound:
		status = http.StatusNotFound
	case schema.ErrCodeConflict, schema.ErrCodeDuplicateEvent:
		status = http.StatusConflict
	case schema.ErrCodePolicyViolation:
		status = http.StatusForbidden
	case schema.ErrCodeRateLimited:
		status = http.StatusTooManyRequests
	case schema.ErrCodeExpiredContext:
		status = http.StatusGone
	}

	body := map[string]any{"code": flowErr.Code, "message": flowErr.Message}
	if len(flowErr.Details) > 0 {
		body["details"] = flowErr.Details
	}
	return c.JSON(status, map[string]any{"error": body})
}
