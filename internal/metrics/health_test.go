package metrics

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthCheckerAllPassing(t *testing.T) {
	h := NewHealthChecker()
	h.AddCheck("broker", func() error { return nil })
	h.AddCheck("events", func() error { return nil })

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusOK, rec.Code)

	var report struct {
		Status     string            `json:"status"`
		Components map[string]string `json:"components"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, "ok", report.Status)
	assert.Equal(t, "ok", report.Components["broker"])
	assert.Equal(t, "ok", report.Components["events"])
}

func TestHealthCheckerDegraded(t *testing.T) {
	h := NewHealthChecker()
	h.AddCheck("broker", func() error { return errors.New("connection refused") })
	h.AddCheck("events", func() error { return nil })

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var report struct {
		Status     string            `json:"status"`
		Components map[string]string `json:"components"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, "degraded", report.Status)
	assert.Equal(t, "connection refused", report.Components["broker"])
}

func TestHandlerServesScrape(t *testing.T) {
	TasksStarted.Inc()

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "drover_tasks_started_total")
}
