package deadletter

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/bissquit/medication-reminders/internal/domain"
	"github.com/bissquit/medication-reminders/internal/pkg/ctxlog"
	"github.com/bissquit/medication-reminders/internal/pkg/httputil"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

var errorMappings = []httputil.ErrorMapping{
	{Error: ErrNotFound, Status: http.StatusNotFound, Message: "dead letter entry not found"},
	{Error: ErrInvalidStatus, Status: http.StatusBadRequest, Message: "invalid status"},
	{Error: ErrNotPending, Status: http.StatusConflict, Message: "dead letter entry is not pending"},
	{Error: ErrAlreadyClosed, Status: http.StatusBadRequest, Message: "dead letter entry is already resolved or discarded"},
	{Error: ErrNoRedeliverer, Status: http.StatusServiceUnavailable, Message: "redelivery is not configured"},
}

// Handler serves the dead letter admin API.
type Handler struct {
	service   *Service
	validator *validator.Validate
}

// NewHandler creates a new dead letter handler.
func NewHandler(service *Service) *Handler {
	return &Handler{
		service:   service,
		validator: validator.New(),
	}
}

// RegisterRoutes registers the dead letter routes (admin only).
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/dlq", func(r chi.Router) {
		r.Get("/", h.List)
		r.Get("/stats", h.Stats)
		r.Get("/{id}", h.Get)
		r.Post("/{id}/retry", h.Retry)
		r.Post("/{id}/discard", h.Discard)
	})
}

// listQuery holds the validated GET /dlq query.
type listQuery struct {
	Status    string `validate:"omitempty,oneof=pending retrying resolved discarded"`
	SubjectID string `validate:"omitempty,max=128"`
}

// DiscardRequest represents request body for discarding an entry.
type DiscardRequest struct {
	Reason string `json:"reason" validate:"max=1000"`
}

// List handles GET /dlq?limit=&offset=&status=&subject_id=.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	query := listQuery{
		Status:    q.Get("status"),
		SubjectID: q.Get("subject_id"),
	}
	if err := h.validator.Struct(query); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	limit := DefaultListLimit
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			httputil.Error(w, http.StatusBadRequest, "limit must be an integer")
			return
		}
		limit = min(max(n, 1), MaxListLimit)
	}

	offset := 0
	if raw := q.Get("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			httputil.Error(w, http.StatusBadRequest, "offset must be an integer")
			return
		}
		offset = max(n, 0)
	}

	entries, total, err := h.service.List(r.Context(), ListFilter{
		Status:    domain.DeadLetterStatus(query.Status),
		SubjectID: query.SubjectID,
		Limit:     limit,
		Offset:    offset,
	})
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}
	if entries == nil {
		entries = []domain.DeadLetterEntry{}
	}

	httputil.Page(w, entries, total, limit, offset)
}

// Stats handles GET /dlq/stats.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.Stats(r.Context())
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, map[string]interface{}{
		"byStatus":                   stats.ByStatus,
		"byCategory":                 stats.ByCategory,
		"unresolved":                 stats.Unresolved(),
		"oldestUnresolvedAgeSeconds": int64(stats.OldestUnresolvedAge.Seconds()),
	})
}

// Get handles GET /dlq/{id}.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := entryID(w, r)
	if !ok {
		return
	}

	entry, err := h.service.Get(r.Context(), id)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, entry)
}

// Retry handles POST /dlq/{id}/retry.
func (h *Handler) Retry(w http.ResponseWriter, r *http.Request) {
	id, ok := entryID(w, r)
	if !ok {
		return
	}

	outcome, err := h.service.Retry(r.Context(), id)
	if errors.Is(err, ErrRetryFailed) {
		ctxlog.FromContext(r.Context()).Warn("manual redelivery failed", "dead_letter_id", id, "error", err)
		httputil.JSON(w, http.StatusInternalServerError, map[string]interface{}{
			"success": false,
			"error":   map[string]string{"message": err.Error()},
		})
		return
	}
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.JSON(w, http.StatusOK, outcome)
}

// Discard handles POST /dlq/{id}/discard.
func (h *Handler) Discard(w http.ResponseWriter, r *http.Request) {
	id, ok := entryID(w, r)
	if !ok {
		return
	}

	var req DiscardRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	reason := req.Reason
	if reason == "" {
		if actor := httputil.GetUserID(r.Context()); actor != "" {
			reason = "discarded by " + actor
		}
	}

	entry, err := h.service.Discard(r.Context(), id, reason)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, entry)
}

// entryID reads the {id} parameter. Ids that are not UUIDs cannot exist,
// so they answer 404.
func entryID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "id")
	if _, err := uuid.Parse(id); err != nil {
		httputil.Error(w, http.StatusNotFound, "dead letter entry not found")
		return "", false
	}
	return id, true
}
