package handlers

import (
	"net/http"

	"github.com/spherical/drawing-ingest/internal/ingest"
	"github.com/spherical/drawing-ingest/internal/observability"
)

// SystemHandler serves health and metrics.
type SystemHandler struct {
	logger  *observability.Logger
	service *ingest.Service
}

// NewSystemHandler creates a new system handler.
func NewSystemHandler(logger *observability.Logger, service *ingest.Service) *SystemHandler {
	return &SystemHandler{logger: logger, service: service}
}

// Health handles GET /health. A degraded service still answers 200 so load balancers
// keep routing to it; the body carries the detail.
func (h *SystemHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.service.Health(r.Context()))
}

// Metrics handles GET /metrics.
func (h *SystemHandler) Metrics(w http.ResponseWriter, r *http.Request) {
	metrics, err := h.service.GetConversionMetrics(r.Context())
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, metrics)
}
