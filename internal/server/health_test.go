package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func probe(t *testing.T, handler http.Handler) (int, HealthResponse) {
	t.Helper()
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	var body HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return rec.Code, body
}

func TestLivenessAlwaysOK(t *testing.T) {
	h := NewHealthChecker()
	h.SetReady(false)

	code, body := probe(t, h.LivenessHandler())
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, healthStatusOK, body.Status)
}

func TestReadinessReflectsReadyState(t *testing.T) {
	h := NewHealthChecker()

	code, body := probe(t, h.ReadinessHandler())
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, healthStatusOK, body.Status)

	h.SetReady(false)
	code, body = probe(t, h.ReadinessHandler())
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, healthStatusNotReady, body.Checks["ready"])
}

func TestReadinessFailsWhileDraining(t *testing.T) {
	h := NewHealthChecker()
	h.SetDraining()

	code, body := probe(t, h.ReadinessHandler())
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, healthStatusShuttingDown, body.Checks["shutdown"])
	assert.False(t, h.IsReady())
}
