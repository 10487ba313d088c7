package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/fuzziecoder/Flexi-Roaster/internal/http/response"
	"github.com/fuzziecoder/Flexi-Roaster/internal/repos"
)

type MetricHandler struct {
	metrics repos.MetricRepo
}

func NewMetricHandler(metrics repos.MetricRepo) *MetricHandler {
	return &MetricHandler{metrics: metrics}
}

// GET /api/metrics/history?hours=24
func (h *MetricHandler) History(c *gin.Context) {
	hours, _ := strconv.Atoi(c.DefaultQuery("hours", "24"))
	metrics, err := h.metrics.History(c.Request.Context(), nil, hours)
	if err != nil {
		response.RespondError(c, http.StatusInternalServerError, "metric_history_failed", err)
		return
	}
	response.RespondOK(c, gin.H{"metrics": metrics, "count": len(metrics)})
}

// GET /api/metrics/latest
func (h *MetricHandler) Latest(c *gin.Context) {
	metrics, err := h.metrics.Latest(c.Request.Context(), nil)
	if err != nil {
		response.RespondError(c, http.StatusInternalServerError, "metric_latest_failed", err)
		return
	}
	response.RespondOK(c, gin.H{"metrics": metrics})
}
