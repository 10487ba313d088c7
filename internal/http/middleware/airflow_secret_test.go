package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func secretRouter(secret string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequireAirflowSecret(secret))
	r.POST("/api/airflow/callback", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	return r
}

func TestAirflowSecretRejectsMissingHeader(t *testing.T) {
	r := secretRouter("s3cret")

	req := httptest.NewRequest(http.MethodPost, "/api/airflow/callback", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status: got=%d want=%d", rec.Code, http.StatusUnauthorized)
	}
}

func TestAirflowSecretRejectsWrongValue(t *testing.T) {
	r := secretRouter("s3cret")

	req := httptest.NewRequest(http.MethodPost, "/api/airflow/callback", nil)
	req.Header.Set("X-Airflow-Secret", "wrong")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status: got=%d want=%d", rec.Code, http.StatusUnauthorized)
	}
}

func TestAirflowSecretAcceptsMatch(t *testing.T) {
	r := secretRouter("s3cret")

	req := httptest.NewRequest(http.MethodPost, "/api/airflow/callback", nil)
	req.Header.Set("X-Airflow-Secret", "s3cret")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: got=%d want=%d", rec.Code, http.StatusOK)
	}
}

func TestAirflowSecretDisabledWhenEmpty(t *testing.T) {
	r := secretRouter("")

	req := httptest.NewRequest(http.MethodPost, "/api/airflow/callback", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: got=%d want=%d", rec.Code, http.StatusOK)
	}
}
