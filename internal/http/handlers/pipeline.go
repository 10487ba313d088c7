package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/fuzziecoder/Flexi-Roaster/internal/app"
	"github.com/fuzziecoder/Flexi-Roaster/internal/coordination"
	"github.com/fuzziecoder/Flexi-Roaster/internal/engine"
	"github.com/fuzziecoder/Flexi-Roaster/internal/http/response"
	"github.com/fuzziecoder/Flexi-Roaster/internal/repos"
)

type PipelineHandler struct {
	pipelines repos.PipelineRepo
	coord     coordination.Coordinator
	cfg       app.Config
}

func NewPipelineHandler(pipelines repos.PipelineRepo, coord coordination.Coordinator, cfg app.Config) *PipelineHandler {
	return &PipelineHandler{pipelines: pipelines, coord: coord, cfg: cfg}
}

// POST /api/pipelines
func (h *PipelineHandler) Create(c *gin.Context) {
	var spec engine.PipelineSpec
	if err := c.ShouldBindJSON(&spec); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_payload", err)
		return
	}
	pipeline, err := spec.Build(h.cfg)
	if err != nil {
		response.RespondEngineError(c, err)
		return
	}
	created, err := h.pipelines.Create(c.Request.Context(), nil, pipeline)
	if err != nil {
		response.RespondError(c, http.StatusInternalServerError, "create_pipeline_failed", err)
		return
	}
	response.RespondCreated(c, gin.H{"pipeline": created})
}

// GET /api/pipelines
func (h *PipelineHandler) List(c *gin.Context) {
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	pipelines, err := h.pipelines.List(c.Request.Context(), nil, offset, limit)
	if err != nil {
		response.RespondError(c, http.StatusInternalServerError, "list_pipelines_failed", err)
		return
	}
	response.RespondOK(c, gin.H{"pipelines": pipelines, "count": len(pipelines)})
}

// GET /api/pipelines/:id
func (h *PipelineHandler) Get(c *gin.Context) {
	pipeline, err := h.pipelines.GetByID(c.Request.Context(), nil, c.Param("id"))
	if err != nil {
		response.RespondEngineError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"pipeline": pipeline})
}

// PUT /api/pipelines/:id
func (h *PipelineHandler) Update(c *gin.Context) {
	var spec engine.PipelineSpec
	if err := c.ShouldBindJSON(&spec); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_payload", err)
		return
	}
	spec.ID = c.Param("id")
	pipeline, err := spec.Build(h.cfg)
	if err != nil {
		response.RespondEngineError(c, err)
		return
	}
	updated, err := h.pipelines.Update(c.Request.Context(), nil, pipeline)
	if err != nil {
		response.RespondEngineError(c, err)
		return
	}
	h.coord.InvalidatePipeline(c.Request.Context(), pipeline.ID)
	response.RespondOK(c, gin.H{"pipeline": updated})
}

// DELETE /api/pipelines/:id
func (h *PipelineHandler) Delete(c *gin.Context) {
	id := c.Param("id")
	if err := h.pipelines.Delete(c.Request.Context(), nil, id); err != nil {
		response.RespondEngineError(c, err)
		return
	}
	h.coord.InvalidatePipeline(c.Request.Context(), id)
	response.RespondOK(c, gin.H{"deleted": id})
}
