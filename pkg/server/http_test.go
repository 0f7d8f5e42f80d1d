package server

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"donation-reconciler/pkg/config"
	"donation-reconciler/pkg/errutil"
	"donation-reconciler/pkg/health"
)

func newEngine(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	return NewEngine(&config.Config{}, health.ProvideHealth(health.HealthParams{}))
}

func TestEngineProbes(t *testing.T) {
	engine := newEngine(t)

	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		w := httptest.NewRecorder()
		engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		require.Equal(t, http.StatusOK, w.Code, path)
	}
}

func TestEngineRendersBaseError(t *testing.T) {
	engine := newEngine(t)
	engine.GET("/boom", func(c *gin.Context) {
		_ = c.Error(errutil.ServiceUnavailable("pipeline disabled", nil))
	})
	engine.GET("/opaque", func(c *gin.Context) {
		_ = c.Error(errors.New("db exploded"))
	})

	w := httptest.NewRecorder()
	engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/boom", nil))
	require.Equal(t, http.StatusServiceUnavailable, w.Code)

	w = httptest.NewRecorder()
	engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/opaque", nil))
	require.Equal(t, http.StatusInternalServerError, w.Code)
	require.NotContains(t, w.Body.String(), "exploded")
}
