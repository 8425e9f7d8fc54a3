package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetHealth(t *testing.T) {
	t.Helper()
	healthChecker = newHealthChecker()
}

func TestGetHealth(t *testing.T) {
	tests := []struct {
		name       string
		components map[string]bool
		expected   string
	}{
		{name: "no components", components: map[string]bool{}, expected: "healthy"},
		{name: "all healthy", components: map[string]bool{"store": true, "job:reaper": true}, expected: "healthy"},
		{name: "one unhealthy", components: map[string]bool{"store": true, "job:reaper": false}, expected: "unhealthy"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resetHealth(t)
			for name, healthy := range tt.components {
				UpdateComponent(name, healthy, "stale")
			}

			health := GetHealth()
			assert.Equal(t, tt.expected, health.Status)
			assert.Len(t, health.Components, len(tt.components))
		})
	}
}

func TestGetReadiness(t *testing.T) {
	resetHealth(t)

	readiness := GetReadiness()
	assert.Equal(t, "not_ready", readiness.Status)
	assert.Equal(t, "not registered", readiness.Components["store"])

	UpdateComponent("store", true, "")
	UpdateComponent("supervisor", false, "starting")
	readiness = GetReadiness()
	assert.Equal(t, "not_ready", readiness.Status)
	assert.Equal(t, "waiting for supervisor", readiness.Message)

	UpdateComponent("supervisor", true, "")
	assert.Equal(t, "ready", GetReadiness().Status)
}

func TestSetCriticalComponents(t *testing.T) {
	resetHealth(t)
	SetCriticalComponents("raft")

	UpdateComponent("raft", true, "leader")
	readiness := GetReadiness()

	assert.Equal(t, "ready", readiness.Status)
	assert.Equal(t, map[string]string{"raft": "ready"}, readiness.Components)
}

func TestHealthHandlers(t *testing.T) {
	resetHealth(t)
	SetVersion("test")
	UpdateComponent("job:engine-controller", false, "no successful cycle")

	w := httptest.NewRecorder()
	HealthHandler()(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var health HealthStatus
	require.NoError(t, json.NewDecoder(w.Body).Decode(&health))
	assert.Equal(t, "unhealthy", health.Status)
	assert.Equal(t, "test", health.Version)

	w = httptest.NewRecorder()
	ReadyHandler()(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	w = httptest.NewRecorder()
	LivenessHandler()(w, httptest.NewRequest(http.MethodGet, "/live", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	var live map[string]string
	require.NoError(t, json.NewDecoder(w.Body).Decode(&live))
	assert.Equal(t, "alive", live["status"])
	assert.NotEmpty(t, live["uptime"])
}
