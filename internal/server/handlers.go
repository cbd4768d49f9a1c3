package server

import (
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/bedah-kym/flowcore/internal/router"
	"github.com/bedah-kym/flowcore/internal/store"
	"github.com/bedah-kym/flowcore/pkg/schema"
)

// SignatureHeader carries the hex HMAC-SHA256 of the webhook body.
const SignatureHeader = "X-Signature"

// CreateWorkflow validates and persists a workflow in draft status.
// (POST /workflows)
func (s *Server) CreateWorkflow(c echo.Context) error {
	ctx := c.Request().Context()

	var def schema.WorkflowDefinition
	if err := c.Bind(&def); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body: "+err.Error())
	}

	result := s.validator.Validate(&def)
	if !result.Valid() {
		return c.JSON(http.StatusUnprocessableEntity, map[string]any{
			"error": map[string]any{
				"code":    schema.ErrCodeValidation,
				"message": "workflow definition is invalid",
			},
			"issues": result.Errors,
		})
	}

	now := time.Now().UTC()
	wf := &store.Workflow{
		ID:         uuid.NewString(),
		Name:       def.Name,
		Definition: def,
		Status:     schema.WorkflowStatusDraft,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.store.CreateWorkflow(ctx, wf); err != nil {
		return httpError(c, err)
	}

	resp := map[string]any{"id": wf.ID, "status": wf.Status}
	if len(result.Warnings) > 0 {
		resp["warnings"] = result.Warnings
	}
	return c.JSON(http.StatusCreated, resp)
}

// ListWorkflows returns registered workflows, optionally filtered by
// status.
// (GET /workflows)
func (s *Server) ListWorkflows(c echo.Context) error {
	ctx := c.Request().Context()

	filter := store.WorkflowFilter{Limit: intQuery(c, "limit"), Offset: intQuery(c, "offset")}
	if raw := c.QueryParam("status"); raw != "" {
		st := schema.WorkflowStatus(raw)
		filter.Status = &st
	}

	wfs, err := s.store.ListWorkflows(ctx, filter)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"workflows": wfs})
}

// GetWorkflow returns one workflow by id.
// (GET /workflows/:id)
func (s *Server) GetWorkflow(c echo.Context) error {
	wf, err := s.store.GetWorkflow(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, wf)
}

// ActivateWorkflow activates a workflow and returns its trigger
// registrations. Webhook secrets are disclosed only in this response.
// (POST /workflows/:id/activate)
func (s *Server) ActivateWorkflow(c echo.Context) error {
	ctx := c.Request().Context()
	regs, err := s.triggers.Activate(ctx, c.Param("id"))
	if err != nil {
		return httpError(c, err)
	}

	out := make([]map[string]any, 0, len(regs))
	for _, reg := range regs {
		entry := map[string]any{
			"id":   reg.ID,
			"type": reg.Type,
		}
		switch reg.Type {
		case schema.TriggerTypeWebhook:
			entry["url"] = "/triggers/" + reg.ID
			entry["secret"] = reg.Secret
			entry["service"] = reg.Service
			entry["event"] = reg.Event
		case schema.TriggerTypeSchedule:
			entry["cron"] = reg.Cron
			entry["timezone"] = reg.Timezone
			entry["next_run_at"] = reg.NextRunAt
		}
		out = append(out, entry)
	}
	return c.JSON(http.StatusOK, map[string]any{"registrations": out})
}

// DeactivateWorkflow disables a workflow and its registrations.
// (POST /workflows/:id/deactivate)
func (s *Server) DeactivateWorkflow(c echo.Context) error {
	if err := s.triggers.Deactivate(c.Request().Context(), c.Param("id")); err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "inactive"})
}

// RunWorkflow starts a manual run with a caller-provided payload.
// (POST /workflows/:id/run)
func (s *Server) RunWorkflow(c echo.Context) error {
	ctx := c.Request().Context()

	var payload schema.TriggerPayload
	if err := c.Bind(&payload); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body: "+err.Error())
	}

	execID, err := s.triggers.FireManual(ctx, c.Param("id"), payload)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusAccepted, map[string]string{"execution_id": execID})
}

// ListExecutions returns execution records, newest first.
// (GET /executions)
func (s *Server) ListExecutions(c echo.Context) error {
	filter := store.ExecutionFilter{
		WorkflowID: c.QueryParam("workflow_id"),
		Limit:      intQuery(c, "limit"),
		Offset:     intQuery(c, "offset"),
	}
	if raw := c.QueryParam("status"); raw != "" {
		st := schema.ExecutionStatus(raw)
		filter.Status = &st
	}

	recs, err := s.store.ListExecutions(c.Request().Context(), filter)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"executions": recs})
}

// GetExecution returns one execution with its step results.
// (GET /executions/:id)
func (s *Server) GetExecution(c echo.Context) error {
	rec, err := s.store.GetExecution(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, rec)
}

// CancelExecution requests cooperative cancellation of a running
// execution.
// (POST /executions/:id/cancel)
func (s *Server) CancelExecution(c echo.Context) error {
	if err := s.engine.Cancel(c.Param("id")); err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusAccepted, map[string]string{"status": "cancelling"})
}

// HandleWebhook ingests one webhook delivery. A fresh run returns 202;
// a recognized duplicate returns 200 with the original execution id; a
// bad signature returns 401 without creating any record.
// (POST /triggers/:id)
func (s *Server) HandleWebhook(c echo.Context) error {
	ctx := c.Request().Context()

	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "read body: "+err.Error())
	}

	res, err := s.triggers.HandleWebhook(ctx, c.Param("id"), body, c.Request().Header.Get(SignatureHeader))
	if err != nil {
		return httpError(c, err)
	}

	status := http.StatusAccepted
	if res.Duplicate {
		status = http.StatusOK
	}
	return c.JSON(status, map[string]any{
		"execution_id": res.ExecutionID,
		"duplicate":    res.Duplicate,
	})
}

// DispatchAction routes one conversational action through dialog state
// to its capability provider.
// (POST /actions)
func (s *Server) DispatchAction(c echo.Context) error {
	ctx := c.Request().Context()

	var req router.ActionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body: "+err.Error())
	}

	resp, err := s.router.Dispatch(ctx, req)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

func intQuery(c echo.Context, name string) int {
	raw := c.QueryParam(name)
	if raw == "" {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
