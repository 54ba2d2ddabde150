package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/equipsync/equipsync-go/internal/middleware"
	"github.com/equipsync/equipsync-go/internal/model"
	"github.com/equipsync/equipsync-go/internal/service"
)

// QueueHandler handles HTTP requests for local modifications and the
// outbound write queue.
type QueueHandler struct {
	service *service.QueueService
}

// NewQueueHandler creates a new QueueHandler.
func NewQueueHandler(svc *service.QueueService) *QueueHandler {
	return &QueueHandler{service: svc}
}

// HandleCreateModification handles POST /api/v1/records/{business_key}/modifications requests.
func (h *QueueHandler) HandleCreateModification(w http.ResponseWriter, r *http.Request) {
	orgID, ok := middleware.OrgIDFromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorResponse("unauthorized"))
		return
	}

	businessKey := chi.URLParam(r, "business_key")
	if businessKey == "" || len(businessKey) > 255 {
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid business key"))
		return
	}

	var req model.ModificationRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if len(req.Delta) == 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse("delta is required"))
		return
	}

	resp, err := h.service.CreateModification(r.Context(), orgID, businessKey, &req)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrRecordNotFound):
			writeJSON(w, http.StatusNotFound, errorResponse(err.Error()))
		case errors.Is(err, service.ErrValidationFailed):
			writeJSON(w, http.StatusUnprocessableEntity, errorResponse(err.Error()))
		case errors.Is(err, service.ErrMappingMissing):
			writeJSON(w, http.StatusUnprocessableEntity, errorResponse(err.Error()))
		case errors.Is(err, service.ErrModificationActive), errors.Is(err, service.ErrStaleVersion):
			writeJSON(w, http.StatusConflict, errorResponse(err.Error()))
		default:
			writeJSON(w, http.StatusInternalServerError, errorResponse("internal server error"))
		}
		return
	}

	writeJSON(w, http.StatusCreated, resp)
}

// HandleEnqueue handles POST /api/v1/queue requests.
func (h *QueueHandler) HandleEnqueue(w http.ResponseWriter, r *http.Request) {
	orgID, ok := middleware.OrgIDFromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorResponse("unauthorized"))
		return
	}

	var req model.EnqueueRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ModificationID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse("modification_id is required"))
		return
	}

	resp, err := h.service.Enqueue(r.Context(), orgID, &req)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrModificationNotFound):
			writeJSON(w, http.StatusNotFound, errorResponse(err.Error()))
		case errors.Is(err, service.ErrInvalidOperation):
			writeJSON(w, http.StatusBadRequest, errorResponse(err.Error()))
		case errors.Is(err, service.ErrValidationFailed), errors.Is(err, service.ErrMappingMissing):
			writeJSON(w, http.StatusUnprocessableEntity, errorResponse(err.Error()))
		default:
			writeJSON(w, http.StatusInternalServerError, errorResponse("internal server error"))
		}
		return
	}

	status := http.StatusCreated
	if resp.Existing {
		status = http.StatusOK
	}
	writeJSON(w, status, resp)
}

// HandleListItems handles GET /api/v1/queue requests.
func (h *QueueHandler) HandleListItems(w http.ResponseWriter, r *http.Request) {
	orgID, ok := middleware.OrgIDFromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorResponse("unauthorized"))
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 500 {
			writeJSON(w, http.StatusBadRequest, errorResponse("limit must be between 1 and 500"))
			return
		}
		limit = n
	}

	items, err := h.service.ListItems(r.Context(), orgID, limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse("internal server error"))
		return
	}

	writeJSON(w, http.StatusOK, items)
}

// HandleStats handles GET /api/v1/queue/stats requests.
func (h *QueueHandler) HandleStats(w http.ResponseWriter, r *http.Request) {
	orgID, ok := middleware.OrgIDFromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorResponse("unauthorized"))
		return
	}

	stats, err := h.service.Stats(r.Context(), orgID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse("internal server error"))
		return
	}

	writeJSON(w, http.StatusOK, stats)
}

// HandleRetryItem handles POST /api/v1/queue/{item_id}/retry requests.
func (h *QueueHandler) HandleRetryItem(w http.ResponseWriter, r *http.Request) {
	orgID, ok := middleware.OrgIDFromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorResponse("unauthorized"))
		return
	}

	itemID := chi.URLParam(r, "item_id")
	if itemID == "" || len(itemID) > 36 {
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid item id"))
		return
	}

	resp, err := h.service.RetryItem(r.Context(), orgID, itemID)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrItemNotFound):
			writeJSON(w, http.StatusNotFound, errorResponse(err.Error()))
		case errors.Is(err, service.ErrItemNotRetryable):
			writeJSON(w, http.StatusConflict, errorResponse(err.Error()))
		default:
			writeJSON(w, http.StatusInternalServerError, errorResponse("internal server error"))
		}
		return
	}

	writeJSON(w, http.StatusCreated, resp)
}
