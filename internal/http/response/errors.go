package response

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/fuzziecoder/Flexi-Roaster/internal/engine"
	"github.com/fuzziecoder/Flexi-Roaster/internal/repos"
)

// RespondEngineError maps engine and store error classes onto the trigger
// API's status codes: 404 unknown, 409 duplicate or terminal conflict, 422
// risk-blocked, 400 invalid definition.
func RespondEngineError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, repos.ErrNotFound):
		RespondError(c, http.StatusNotFound, "not_found", err)
	case errors.Is(err, engine.ErrDuplicateRun):
		RespondError(c, http.StatusConflict, "duplicate_run", err)
	case errors.Is(err, repos.ErrTerminalConflict):
		RespondError(c, http.StatusConflict, "already_terminal", err)
	case errors.Is(err, engine.ErrNotRunning):
		RespondError(c, http.StatusConflict, "not_running", err)
	case errors.Is(err, engine.ErrNotPaused):
		RespondError(c, http.StatusConflict, "not_paused", err)
	case errors.Is(err, engine.ErrBlocked):
		RespondError(c, http.StatusUnprocessableEntity, "risk_blocked", err)
	case errors.Is(err, engine.ErrInvalidPipeline):
		RespondError(c, http.StatusBadRequest, "invalid_pipeline", err)
	default:
		RespondError(c, http.StatusInternalServerError, "internal_error", err)
	}
}
