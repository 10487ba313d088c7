package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/fuzziecoder/Flexi-Roaster/internal/coordination"
	"github.com/fuzziecoder/Flexi-Roaster/internal/engine"
)

type HealthHandler struct {
	db         *gorm.DB
	coord      coordination.Coordinator
	supervisor *engine.Supervisor
}

func NewHealthHandler(db *gorm.DB, coord coordination.Coordinator, supervisor *engine.Supervisor) *HealthHandler {
	return &HealthHandler{db: db, coord: coord, supervisor: supervisor}
}

func (h *HealthHandler) HealthCheck(c *gin.Context) {
	dbStatus := "ok"
	status := http.StatusOK
	if sqlDB, err := h.db.DB(); err != nil || sqlDB.PingContext(c.Request.Context()) != nil {
		dbStatus = "unreachable"
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{
		"status":            dbStatus,
		"database":          dbStatus,
		"coordination":      h.coord.Health(),
		"active_executions": h.supervisor.ActiveCount(),
	})
}
