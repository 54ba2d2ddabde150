package handler

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/equipsync/equipsync-go/internal/middleware"
	"github.com/equipsync/equipsync-go/internal/model"
	"github.com/equipsync/equipsync-go/internal/service"
)

// BatchHandler handles HTTP requests for batch fan-out syncs.
type BatchHandler struct {
	service *service.BatchService
}

// NewBatchHandler creates a new BatchHandler.
func NewBatchHandler(svc *service.BatchService) *BatchHandler {
	return &BatchHandler{service: svc}
}

// HandleStartBatch handles POST /api/v1/batches requests.
func (h *BatchHandler) HandleStartBatch(w http.ResponseWriter, r *http.Request) {
	orgID, ok := middleware.OrgIDFromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorResponse("unauthorized"))
		return
	}

	var req model.StartBatchRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if len(req.Targets) > 100 {
		writeJSON(w, http.StatusBadRequest, errorResponse("too many targets in batch request (max 100)"))
		return
	}

	resp, err := h.service.StartBatch(r.Context(), orgID, &req)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrNoTargets):
			writeJSON(w, http.StatusBadRequest, errorResponse(err.Error()))
		default:
			writeJSON(w, http.StatusInternalServerError, errorResponse("internal server error"))
		}
		return
	}

	writeJSON(w, http.StatusAccepted, resp)
}

// HandleBatchStatus handles GET /api/v1/batches/{batch_id} requests.
func (h *BatchHandler) HandleBatchStatus(w http.ResponseWriter, r *http.Request) {
	if _, ok := middleware.OrgIDFromContext(r.Context()); !ok {
		writeJSON(w, http.StatusUnauthorized, errorResponse("unauthorized"))
		return
	}

	batchID := chi.URLParam(r, "batch_id")
	if batchID == "" || len(batchID) > 36 {
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid batch id"))
		return
	}

	resp, err := h.service.Status(r.Context(), batchID)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrBatchNotFound):
			writeJSON(w, http.StatusNotFound, errorResponse(err.Error()))
		default:
			writeJSON(w, http.StatusInternalServerError, errorResponse("internal server error"))
		}
		return
	}

	writeJSON(w, http.StatusOK, resp)
}
