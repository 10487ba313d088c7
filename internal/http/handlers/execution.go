package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/fuzziecoder/Flexi-Roaster/internal/domain"
	"github.com/fuzziecoder/Flexi-Roaster/internal/engine"
	"github.com/fuzziecoder/Flexi-Roaster/internal/http/response"
	"github.com/fuzziecoder/Flexi-Roaster/internal/repos"
)

type TriggerRequest struct {
	Variables       map[string]any `json:"variables"`
	TriggeredBy     string         `json:"triggered_by"`
	TriggerMetadata map[string]any `json:"trigger_metadata"`
}

type ExecutionHandler struct {
	supervisor *engine.Supervisor
	executions repos.ExecutionRepo
	stageExecs repos.StageExecutionRepo
	execLogs   repos.ExecutionLogRepo
}

func NewExecutionHandler(
	supervisor *engine.Supervisor,
	executions repos.ExecutionRepo,
	stageExecs repos.StageExecutionRepo,
	execLogs repos.ExecutionLogRepo,
) *ExecutionHandler {
	return &ExecutionHandler{
		supervisor: supervisor,
		executions: executions,
		stageExecs: stageExecs,
		execLogs:   execLogs,
	}
}

// POST /api/pipelines/:id/trigger
func (h *ExecutionHandler) Trigger(c *gin.Context) {
	var req TriggerRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.RespondError(c, http.StatusBadRequest, "invalid_payload", err)
			return
		}
	}
	execution, err := h.supervisor.Start(c.Request.Context(), engine.StartRequest{
		PipelineID:      c.Param("id"),
		Variables:       req.Variables,
		TriggeredBy:     req.TriggeredBy,
		TriggerMetadata: req.TriggerMetadata,
	})
	if err != nil {
		response.RespondEngineError(c, err)
		return
	}
	response.RespondAccepted(c, gin.H{
		"execution_id": execution.ID,
		"pipeline_id":  execution.PipelineID,
		"status":       execution.Status,
		"risk_score":   execution.RiskScore,
	})
}

// GET /api/executions
func (h *ExecutionHandler) List(c *gin.Context) {
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	executions, err := h.executions.List(c.Request.Context(), nil, c.Query("pipeline_id"), offset, limit)
	if err != nil {
		response.RespondError(c, http.StatusInternalServerError, "list_executions_failed", err)
		return
	}
	response.RespondOK(c, gin.H{"executions": executions, "count": len(executions)})
}

// GET /api/executions/:id
func (h *ExecutionHandler) Status(c *gin.Context) {
	id := c.Param("id")
	execution, err := h.executions.GetByID(c.Request.Context(), nil, id)
	if err != nil {
		response.RespondEngineError(c, err)
		return
	}
	stages, err := h.stageExecs.ListByExecution(c.Request.Context(), nil, id)
	if err != nil {
		response.RespondError(c, http.StatusInternalServerError, "list_stages_failed", err)
		return
	}
	response.RespondOK(c, gin.H{"execution": execution, "stages": stages})
}

// GET /api/executions/:id/logs
func (h *ExecutionHandler) Logs(c *gin.Context) {
	id := c.Param("id")
	if _, err := h.executions.GetByID(c.Request.Context(), nil, id); err != nil {
		response.RespondEngineError(c, err)
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "200"))
	level := domain.LogLevel(c.Query("level"))
	logs, err := h.execLogs.ListByExecution(c.Request.Context(), nil, id, level, limit)
	if err != nil {
		response.RespondError(c, http.StatusInternalServerError, "list_logs_failed", err)
		return
	}
	response.RespondOK(c, gin.H{"logs": logs, "count": len(logs)})
}

// POST /api/executions/:id/stop
func (h *ExecutionHandler) Stop(c *gin.Context) {
	id := c.Param("id")
	if err := h.supervisor.Cancel(c.Request.Context(), id); err != nil {
		response.RespondEngineError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"execution_id": id, "cancelling": true})
}

// POST /api/executions/:id/pause
func (h *ExecutionHandler) Pause(c *gin.Context) {
	id := c.Param("id")
	if err := h.supervisor.Pause(c.Request.Context(), id); err != nil {
		response.RespondEngineError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"execution_id": id, "paused": true})
}

// POST /api/executions/:id/resume
func (h *ExecutionHandler) Resume(c *gin.Context) {
	id := c.Param("id")
	if err := h.supervisor.Resume(c.Request.Context(), id); err != nil {
		response.RespondEngineError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"execution_id": id, "resumed": true})
}
