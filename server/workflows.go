package server

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/BDNK1/flowgate/runtime"
	"github.com/BDNK1/flowgate/runtime/flowerr"
)

type CreateWorkflowRequest struct {
	Name       string                   `json:"name" binding:"required"`
	Steps      []runtime.StepDefinition `json:"steps" binding:"required"`
	WorkflowID string                   `json:"workflow_id"`
}

type CreateWorkflowResponse struct {
	WorkflowID string         `json:"workflow_id"`
	Name       string         `json:"name"`
	Status     runtime.Status `json:"status"`
}

type ExecuteRequest struct {
	Context map[string]any `json:"context"`
}

type ExecuteResponse struct {
	WorkflowID string         `json:"workflow_id"`
	Status     runtime.Status `json:"status"`
	Result     map[string]any `json:"result,omitempty"`
	Error      string         `json:"error,omitempty"`
	Detail     map[string]any `json:"detail,omitempty"`
}

func (s *Server) createWorkflow(c *gin.Context) {
	var req CreateWorkflowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.errorJSON(c, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}

	w, err := s.orch.Create(c.Request.Context(), req.Name, req.Steps, req.WorkflowID)
	if err != nil {
		s.errorJSON(c, statusFor(err), err)
		return
	}

	c.JSON(http.StatusCreated, CreateWorkflowResponse{
		WorkflowID: w.ID,
		Name:       w.Name,
		Status:     w.Status,
	})
}

// executeWorkflow runs the workflow synchronously. The response code
// reflects the terminal status: 200 completed, 422 failed, 409 cancelled.
func (s *Server) executeWorkflow(c *gin.Context) {
	var req ExecuteRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		s.errorJSON(c, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}

	id := c.Param("workflow_id")
	w, err := s.orch.Execute(c.Request.Context(), id, req.Context)
	if w == nil {
		s.errorJSON(c, statusFor(err), err)
		return
	}

	resp := ExecuteResponse{
		WorkflowID: w.ID,
		Status:     w.Status,
		Result:     w.Result,
		Error:      w.Error,
	}
	var fe *flowerr.Error
	if errors.As(err, &fe) {
		resp.Detail = fe.ToMap()
	}

	switch w.Status {
	case runtime.StatusCompleted:
		c.JSON(http.StatusOK, resp)
	case runtime.StatusCancelled:
		c.JSON(http.StatusConflict, resp)
	default:
		s.l.WarnContext(c.Request.Context(), "Workflow execution did not complete",
			"workflow_id", id,
			"status", w.Status,
			"error", err)
		c.JSON(http.StatusUnprocessableEntity, resp)
	}
}

func (s *Server) cancelWorkflow(c *gin.Context) {
	id := c.Param("workflow_id")
	if err := s.orch.Cancel(id); err != nil {
		s.errorJSON(c, http.StatusNotFound, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"workflow_id": id, "status": "cancelling"})
}

func (s *Server) getWorkflow(c *gin.Context) {
	id := c.Param("workflow_id")
	record, found, err := s.orch.Status(c.Request.Context(), id)
	if err != nil {
		s.errorJSON(c, http.StatusInternalServerError, err)
		return
	}
	if !found {
		s.errorJSON(c, http.StatusNotFound, fmt.Errorf("workflow %s: %w", id, runtime.ErrWorkflowNotFound))
		return
	}
	c.JSON(http.StatusOK, record)
}

func (s *Server) listWorkflows(c *gin.Context) {
	var status runtime.Status
	if q := c.Query("status"); q != "" {
		parsed, err := runtime.ParseStatus(q)
		if err != nil {
			s.errorJSON(c, http.StatusBadRequest, err)
			return
		}
		status = parsed
	}

	c.JSON(http.StatusOK, gin.H{"workflows": s.orch.List(status)})
}
