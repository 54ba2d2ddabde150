package handler

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/equipsync/equipsync-go/internal/middleware"
	"github.com/equipsync/equipsync-go/internal/model"
	"github.com/equipsync/equipsync-go/internal/service"
)

// SyncHandler handles HTTP requests for inbound sync jobs.
type SyncHandler struct {
	service *service.SyncService
}

// NewSyncHandler creates a new SyncHandler.
func NewSyncHandler(svc *service.SyncService) *SyncHandler {
	return &SyncHandler{service: svc}
}

// HandleStartSync handles POST /api/v1/sync requests.
func (h *SyncHandler) HandleStartSync(w http.ResponseWriter, r *http.Request) {
	orgID, ok := middleware.OrgIDFromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorResponse("unauthorized"))
		return
	}

	var req model.StartSyncRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.EndpointID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse("endpoint_id is required"))
		return
	}

	resp, err := h.service.StartSync(r.Context(), orgID, req.EndpointID, req.Mode)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrMappingMissing):
			writeJSON(w, http.StatusUnprocessableEntity, errorResponse(err.Error()))
		case errors.Is(err, service.ErrInvalidMode):
			writeJSON(w, http.StatusBadRequest, errorResponse(err.Error()))
		default:
			writeJSON(w, http.StatusInternalServerError, errorResponse("internal server error"))
		}
		return
	}

	status := http.StatusAccepted
	if resp.Existing {
		// The pair was already syncing; the caller gets that job instead.
		status = http.StatusOK
	}
	writeJSON(w, status, resp)
}

// HandleProgress handles GET /api/v1/sync/{job_id} requests.
func (h *SyncHandler) HandleProgress(w http.ResponseWriter, r *http.Request) {
	orgID, ok := middleware.OrgIDFromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorResponse("unauthorized"))
		return
	}

	jobID := chi.URLParam(r, "job_id")
	if jobID == "" || len(jobID) > 36 {
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid job id"))
		return
	}

	resp, err := h.service.Progress(r.Context(), orgID, jobID)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrJobNotFound):
			writeJSON(w, http.StatusNotFound, errorResponse(err.Error()))
		default:
			writeJSON(w, http.StatusInternalServerError, errorResponse("internal server error"))
		}
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// HandleCancel handles POST /api/v1/sync/{job_id}/cancel requests.
func (h *SyncHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	orgID, ok := middleware.OrgIDFromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorResponse("unauthorized"))
		return
	}

	jobID := chi.URLParam(r, "job_id")
	if jobID == "" || len(jobID) > 36 {
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid job id"))
		return
	}

	if err := h.service.Cancel(r.Context(), orgID, jobID); err != nil {
		switch {
		case errors.Is(err, service.ErrJobNotFound):
			writeJSON(w, http.StatusNotFound, errorResponse(err.Error()))
		case errors.Is(err, service.ErrJobNotRunning):
			writeJSON(w, http.StatusConflict, errorResponse(err.Error()))
		default:
			writeJSON(w, http.StatusInternalServerError, errorResponse("internal server error"))
		}
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
