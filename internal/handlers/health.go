package handlers

import (
	"fmt"
	"net/http"
	"time"

	"github.com/vendora/engine/internal/services"
)

// HealthHandlers serves the /healthz liveness probe and the /readyz
// readiness probe. Liveness never touches dependencies; readiness runs
// the system service's dependency checks.
type HealthHandlers struct {
	system    services.SystemService
	clock     func() time.Time
	startedAt time.Time
	version   string
}

// HealthOption customises the health handlers.
type HealthOption func(*HealthHandlers)

// NewHealthHandlers constructs health endpoints with optional overrides.
func NewHealthHandlers(opts ...HealthOption) *HealthHandlers {
	h := &HealthHandlers{
		clock:     time.Now,
		startedAt: time.Now().UTC(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// WithHealthSystemService wires the system service used by /readyz.
func WithHealthSystemService(system services.SystemService) HealthOption {
	return func(h *HealthHandlers) {
		h.system = system
	}
}

// WithHealthClock overrides the time source, used by tests.
func WithHealthClock(clock func() time.Time) HealthOption {
	return func(h *HealthHandlers) {
		h.clock = clock
	}
}

// WithHealthStartedAt overrides the process start time reported in uptime.
func WithHealthStartedAt(startedAt time.Time) HealthOption {
	return func(h *HealthHandlers) {
		h.startedAt = startedAt.UTC()
	}
}

// WithHealthVersion sets the version string reported by /healthz.
func WithHealthVersion(version string) HealthOption {
	return func(h *HealthHandlers) {
		h.version = version
	}
}

// Healthz reports process liveness without touching dependencies.
func (h *HealthHandlers) Healthz(w http.ResponseWriter, r *http.Request) {
	now := h.clock().UTC()
	payload := map[string]any{
		"status":    "ok",
		"uptime":    now.Sub(h.startedAt).String(),
		"timestamp": now.Format(time.RFC3339),
	}
	if h.version != "" {
		payload["version"] = h.version
	}
	writeJSONResponse(w, http.StatusOK, payload)
}

// Readyz reports readiness based on dependency probes.
func (h *HealthHandlers) Readyz(w http.ResponseWriter, r *http.Request) {
	if h.system == nil {
		writeJSONResponse(w, http.StatusOK, readyzResponse{Status: "ok"})
		return
	}

	report, err := h.system.HealthReport(r.Context())
	if err != nil {
		writeJSONResponse(w, http.StatusServiceUnavailable, readyzResponse{
			Status:  "unavailable",
			Details: []string{err.Error()},
		})
		return
	}

	response := readyzResponse{
		Status:     "ok",
		Components: make(map[string]componentHealthPayload, len(report.Components)),
	}
	for _, component := range report.Components {
		status := "ok"
		if !component.Healthy {
			status = "unavailable"
			response.Details = append(response.Details, fmt.Sprintf("%s: %s", component.Name, component.Detail))
		}
		response.Components[component.Name] = componentHealthPayload{
			Status:    status,
			Detail:    component.Detail,
			CheckedAt: formatTime(component.CheckedAt),
		}
	}

	code := http.StatusOK
	if !report.Healthy {
		response.Status = "unavailable"
		code = http.StatusServiceUnavailable
	}
	writeJSONResponse(w, code, response)
}

type readyzResponse struct {
	Status     string                            `json:"status"`
	Components map[string]componentHealthPayload `json:"components,omitempty"`
	Details    []string                          `json:"details,omitempty"`
}

type componentHealthPayload struct {
	Status    string `json:"status"`
	Detail    string `json:"detail,omitempty"`
	CheckedAt string `json:"checked_at,omitempty"`
}
