package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/fuzziecoder/Flexi-Roaster/internal/domain"
	"github.com/fuzziecoder/Flexi-Roaster/internal/engine"
	"github.com/fuzziecoder/Flexi-Roaster/internal/http/response"
	"github.com/fuzziecoder/Flexi-Roaster/internal/logger"
	"github.com/fuzziecoder/Flexi-Roaster/internal/repos"
)

type AirflowTriggerRequest struct {
	PipelineID string         `json:"pipeline_id" binding:"required"`
	DagID      string         `json:"dag_id" binding:"required"`
	DagRunID   string         `json:"dag_run_id" binding:"required"`
	TaskID     string         `json:"task_id"`
	RunConf    map[string]any `json:"run_conf"`
}

type AirflowCallbackRequest struct {
	ExecutionID string `json:"execution_id" binding:"required"`
	Kind        string `json:"kind" binding:"required"`
	DagID       string `json:"dag_id" binding:"required"`
	DagRunID    string `json:"dag_run_id" binding:"required"`
	Message     string `json:"message"`
	Error       string `json:"error"`
}

// AirflowHandler is the orchestrator-facing trigger/callback channel.
// Callbacks are advisory: they may settle an execution the engine lost track
// of, but they never revive one the engine itself terminated.
type AirflowHandler struct {
	supervisor *engine.Supervisor
	executions repos.ExecutionRepo
	execLogs   repos.ExecutionLogRepo
	log        *logger.Logger
}

func NewAirflowHandler(
	supervisor *engine.Supervisor,
	executions repos.ExecutionRepo,
	execLogs repos.ExecutionLogRepo,
	log *logger.Logger,
) *AirflowHandler {
	return &AirflowHandler{
		supervisor: supervisor,
		executions: executions,
		execLogs:   execLogs,
		log:        log.With("handler", "AirflowHandler"),
	}
}

// POST /api/airflow/trigger
func (h *AirflowHandler) Trigger(c *gin.Context) {
	var req AirflowTriggerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_payload", err)
		return
	}
	execution, err := h.supervisor.Start(c.Request.Context(), engine.StartRequest{
		PipelineID:  req.PipelineID,
		Variables:   req.RunConf,
		TriggeredBy: "airflow",
		TriggerMetadata: map[string]any{
			"dag_id":     req.DagID,
			"dag_run_id": req.DagRunID,
			"task_id":    req.TaskID,
		},
	})
	if err != nil {
		response.RespondEngineError(c, err)
		return
	}
	response.RespondAccepted(c, gin.H{
		"execution_id": execution.ID,
		"pipeline_id":  execution.PipelineID,
		"status":       execution.Status,
	})
}

var callbackStatus = map[string]domain.ExecutionStatus{
	"success":   domain.ExecutionCompleted,
	"failure":   domain.ExecutionFailed,
	"cancelled": domain.ExecutionCancelled,
}

// POST /api/airflow/callback
func (h *AirflowHandler) Callback(c *gin.Context) {
	var req AirflowCallbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_payload", err)
		return
	}
	switch req.Kind {
	case "success", "failure", "running", "cancelled", "retry":
	default:
		response.RespondError(c, http.StatusBadRequest, "invalid_callback_kind",
			errors.New("kind must be one of success, failure, running, cancelled, retry"))
		return
	}

	execution, err := h.executions.GetByID(c.Request.Context(), nil, req.ExecutionID)
	if err != nil {
		response.RespondEngineError(c, err)
		return
	}

	meta := execution.TriggerMetadataMap()
	dagID, _ := meta["dag_id"].(string)
	dagRunID, _ := meta["dag_run_id"].(string)
	if dagID != req.DagID || dagRunID != req.DagRunID {
		response.RespondError(c, http.StatusConflict, "callback_mismatch",
			errors.New("dag_id or dag_run_id does not match the execution's trigger metadata"))
		return
	}

	message := req.Message
	if message == "" {
		message = "Airflow callback: " + req.Kind
	}
	_ = h.execLogs.Append(c.Request.Context(), nil, execution.ID, "", domain.LogInfo, message,
		map[string]any{"kind": req.Kind, "dag_run_id": req.DagRunID})

	target, terminalKind := callbackStatus[req.Kind]
	if !terminalKind {
		response.RespondOK(c, gin.H{"execution_id": execution.ID, "applied": false, "note": "advisory callback recorded"})
		return
	}

	// The engine's own verdict wins over the orchestrator's.
	if execution.Status.Terminal() || h.supervisor.IsActive(execution.ID) {
		response.RespondOK(c, gin.H{
			"execution_id": execution.ID,
			"applied":      false,
			"note":         "engine state is authoritative, callback ignored",
		})
		return
	}

	upd := &repos.StatusUpdate{}
	if req.Error != "" {
		upd.Error = &req.Error
	}
	if err := h.executions.UpdateStatus(c.Request.Context(), nil, execution.ID, target, upd); err != nil {
		if errors.Is(err, repos.ErrTerminalConflict) {
			response.RespondOK(c, gin.H{"execution_id": execution.ID, "applied": false, "note": "already terminal"})
			return
		}
		response.RespondEngineError(c, err)
		return
	}
	h.log.Info("callback settled execution",
		"execution_id", execution.ID, "kind", req.Kind, "status", target)
	response.RespondOK(c, gin.H{"execution_id": execution.ID, "applied": true, "status": target})
}
