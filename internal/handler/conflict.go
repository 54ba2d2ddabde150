package handler

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/equipsync/equipsync-go/internal/middleware"
	"github.com/equipsync/equipsync-go/internal/model"
	"github.com/equipsync/equipsync-go/internal/service"
)

// ConflictHandler handles HTTP requests for sync conflicts.
type ConflictHandler struct {
	service *service.ConflictService
}

// NewConflictHandler creates a new ConflictHandler.
func NewConflictHandler(svc *service.ConflictService) *ConflictHandler {
	return &ConflictHandler{service: svc}
}

// HandleListConflicts handles GET /api/v1/conflicts requests. The optional
// status query filters to unresolved or resolved.
func (h *ConflictHandler) HandleListConflicts(w http.ResponseWriter, r *http.Request) {
	orgID, ok := middleware.OrgIDFromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorResponse("unauthorized"))
		return
	}

	var status model.ConflictStatus
	switch v := r.URL.Query().Get("status"); v {
	case "":
	case string(model.ConflictUnresolved), string(model.ConflictResolved):
		status = model.ConflictStatus(v)
	default:
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid status filter"))
		return
	}

	conflicts, err := h.service.List(r.Context(), orgID, status)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse("internal server error"))
		return
	}

	writeJSON(w, http.StatusOK, conflicts)
}

// HandleResolve handles POST /api/v1/conflicts/{conflict_id}/resolve requests.
func (h *ConflictHandler) HandleResolve(w http.ResponseWriter, r *http.Request) {
	orgID, ok := middleware.OrgIDFromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorResponse("unauthorized"))
		return
	}

	conflictID := chi.URLParam(r, "conflict_id")
	if conflictID == "" || len(conflictID) > 36 {
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid conflict id"))
		return
	}

	var req model.ResolveRequest
	if !decodeBody(w, r, &req) {
		return
	}

	resp, err := h.service.Resolve(r.Context(), orgID, conflictID, &req)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrConflictNotFound):
			writeJSON(w, http.StatusNotFound, errorResponse(err.Error()))
		case errors.Is(err, service.ErrConflictAlreadyResolved):
			writeJSON(w, http.StatusConflict, errorResponse(err.Error()))
		case errors.Is(err, service.ErrInvalidResolution), errors.Is(err, service.ErrMergePayloadRequired):
			writeJSON(w, http.StatusBadRequest, errorResponse(err.Error()))
		case errors.Is(err, service.ErrValidationFailed):
			writeJSON(w, http.StatusUnprocessableEntity, errorResponse(err.Error()))
		default:
			writeJSON(w, http.StatusInternalServerError, errorResponse("internal server error"))
		}
		return
	}

	writeJSON(w, http.StatusOK, resp)
}
