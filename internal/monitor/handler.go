package monitor

import (
	"net/http"
	"strconv"

	"github.com/bissquit/medication-reminders/internal/pkg/httputil"
	"github.com/go-chi/chi/v5"
)

// maxSummaryWindow bounds the ?window= parameter of the summary endpoint.
const maxSummaryWindow = 60

// Handler serves the delivery health and metrics summary.
type Handler struct {
	checker   *HealthChecker
	collector *Collector
}

// NewHandler creates a new monitor handler.
func NewHandler(checker *HealthChecker, collector *Collector) *Handler {
	return &Handler{checker: checker, collector: collector}
}

// RegisterRoutes registers the admin monitoring routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/health", h.Health)
	r.Get("/metrics/summary", h.MetricsSummary)
}

// Health handles GET /health. Only a critical report answers 503.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	report := h.checker.Check(r.Context())

	status := http.StatusOK
	if report.Status == HealthCritical {
		status = http.StatusServiceUnavailable
	}
	httputil.JSON(w, status, report)
}

// MetricsSummary handles GET /metrics/summary?window=N (minutes, default 60).
func (h *Handler) MetricsSummary(w http.ResponseWriter, r *http.Request) {
	window := maxSummaryWindow
	if raw := r.URL.Query().Get("window"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxSummaryWindow {
			httputil.Error(w, http.StatusBadRequest, "window must be between 1 and 60")
			return
		}
		window = n
	}
	httputil.Success(w, http.StatusOK, h.collector.Summary(window))
}
