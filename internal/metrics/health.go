package metrics

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
)

// HealthChecker aggregates component liveness checks into one endpoint.
type HealthChecker struct {
	mu     sync.RWMutex
	checks map[string]func() error
}

// NewHealthChecker returns an empty checker.
func NewHealthChecker() *HealthChecker {
	return &HealthChecker{checks: make(map[string]func() error)}
}

// AddCheck registers a named component check. A later registration under the
// same name replaces the earlier one.
func (h *HealthChecker) AddCheck(name string, check func() error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = check
}

type healthReport struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components"`
}

// ServeHTTP reports 200 when every check passes, 503 otherwise.
func (h *HealthChecker) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	h.mu.RLock()
	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	report := healthReport{Status: "ok", Components: make(map[string]string, len(names))}
	for _, name := range names {
		if err := h.checks[name](); err != nil {
			report.Status = "degraded"
			report.Components[name] = err.Error()
		} else {
			report.Components[name] = "ok"
		}
	}
	h.mu.RUnlock()

	code := http.StatusOK
	if report.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(report)
}
