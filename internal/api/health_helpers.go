package api

import (
	"context"
	"net/http"
	"sort"
	"time"
)

// HealthCheck probes one dependency; a nil error means healthy.
type HealthCheck func(ctx context.Context) error

const healthTimeout = 2 * time.Second

type componentStatus struct {
	Component string `json:"component"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

type healthResponse struct {
	Status     string            `json:"status"`
	Sessions   int               `json:"sessions"`
	Components []componentStatus `json:"components,omitempty"`
}

func (h *Handler) componentHealth(ctx context.Context) ([]componentStatus, string, int) {
	overallStatus := "ok"
	statusCode := http.StatusOK

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	components := make([]componentStatus, 0, len(names))
	for _, name := range names {
		status := componentStatus{Component: name, Status: "ok"}
		if err := h.checks[name](ctx); err != nil {
			status.Status = "degraded"
			status.Error = err.Error()
			overallStatus = "degraded"
			statusCode = http.StatusServiceUnavailable
		}
		components = append(components, status)
	}
	return components, overallStatus, statusCode
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	components, status, code := h.componentHealth(r.Context())
	writeJSON(w, code, healthResponse{
		Status:     status,
		Sessions:   len(h.supervisor.List()),
		Components: components,
	})
}
