package middleware

import (
	"crypto/subtle"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/fuzziecoder/Flexi-Roaster/internal/http/response"
)

// RequireAirflowSecret authenticates orchestrator callbacks with a shared
// secret header. An empty configured secret disables the check.
func RequireAirflowSecret(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			c.Next()
			return
		}
		provided := c.GetHeader("X-Airflow-Secret")
		if subtle.ConstantTimeCompare([]byte(provided), []byte(secret)) != 1 {
			response.RespondError(c, http.StatusUnauthorized, "invalid_airflow_secret",
				errors.New("missing or invalid X-Airflow-Secret header"))
			c.Abort()
			return
		}
		c.Next()
	}
}
