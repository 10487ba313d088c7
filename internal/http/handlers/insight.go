package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/fuzziecoder/Flexi-Roaster/internal/http/response"
	"github.com/fuzziecoder/Flexi-Roaster/internal/repos"
)

type InsightHandler struct {
	insights repos.InsightRepo
}

func NewInsightHandler(insights repos.InsightRepo) *InsightHandler {
	return &InsightHandler{insights: insights}
}

// GET /api/insights?pipeline_id=&execution_id=&limit=
func (h *InsightHandler) List(c *gin.Context) {
	if execID := c.Query("execution_id"); execID != "" {
		insights, err := h.insights.ListByExecution(c.Request.Context(), nil, execID)
		if err != nil {
			response.RespondError(c, http.StatusInternalServerError, "list_insights_failed", err)
			return
		}
		response.RespondOK(c, gin.H{"insights": insights, "count": len(insights)})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	insights, err := h.insights.ListByPipeline(c.Request.Context(), nil, c.Query("pipeline_id"), limit)
	if err != nil {
		response.RespondError(c, http.StatusInternalServerError, "list_insights_failed", err)
		return
	}
	response.RespondOK(c, gin.H{"insights": insights, "count": len(insights)})
}

// POST /api/insights/:id/resolve
func (h *InsightHandler) Resolve(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_insight_id", err)
		return
	}
	if err := h.insights.Resolve(c.Request.Context(), nil, uint(id)); err != nil {
		response.RespondEngineError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"resolved": id})
}
