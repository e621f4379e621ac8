// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package queuesync

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
)

// ClientAuthenticator extracts the user identity from HTTP requests
type ClientAuthenticator interface {
	GetUserID(r *http.Request) (string, error)
}

// HTTPSyncHandlers provides HTTP handlers for the sync API
type HTTPSyncHandlers struct {
	service        *SyncService
	authenticator  ClientAuthenticator
	logger         *slog.Logger
	maxUploadBytes int64
}

// DefaultMaxUploadBytes bounds file upload bodies
const DefaultMaxUploadBytes = 32 << 20

// NewHTTPSyncHandlers creates a new instance of sync handlers
func NewHTTPSyncHandlers(service *SyncService, authenticator ClientAuthenticator, logger *slog.Logger) *HTTPSyncHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPSyncHandlers{
		service:        service,
		authenticator:  authenticator,
		logger:         logger,
		maxUploadBytes: DefaultMaxUploadBytes,
	}
}

// SetMaxUploadBytes overrides DefaultMaxUploadBytes; n <= 0 keeps the current limit
func (h *HTTPSyncHandlers) SetMaxUploadBytes(n int64) {
	if n > 0 {
		h.maxUploadBytes = n
	}
}

// Routes registers the sync endpoints on r
func (h *HTTPSyncHandlers) Routes(r chi.Router) {
	r.Route("/sync", func(r chi.Router) {
		r.Post("/queue-actions", h.HandleSyncQueueActions)
		r.Get("/entities/{entity}", h.HandleSearchEntities)
		r.Get("/entities/{entity}/hashes", h.HandleEntityHashes)
		r.Post("/hashes/validate", h.HandleValidateHashes)
		r.Post("/files/{id}", h.HandleUploadFile)
		r.Post("/jobs", h.HandleStartJob)
		r.Get("/jobs/{id}", h.HandleGetJob)
		r.Post("/grants", h.HandleShare)
		r.Delete("/grants", h.HandleRevoke)
	})
}

func (h *HTTPSyncHandlers) userID(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, err := h.authenticator.GetUserID(r)
	if err != nil || userID == "" {
		msg := "authentication required"
		if err != nil {
			msg = err.Error()
		}
		h.writeError(w, http.StatusUnauthorized, ErrUserNotAuthenticated.Error(), msg)
		return "", false
	}
	return userID, true
}

// HandleSyncQueueActions applies a batch of queued client actions
func (h *HTTPSyncHandlers) HandleSyncQueueActions(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	var req SyncQueueActionsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse queue actions request")
		return
	}

	accepted, err := h.service.SyncQueueActions(r.Context(), userID, req.Actions)
	if err != nil {
		h.writeServiceError(w, err, "user_id", userID, "actions", len(req.Actions))
		return
	}
	h.writeJSON(w, http.StatusAccepted, SyncQueueActionsResponse{Accepted: accepted})
}

// HandleSearchEntities lists visible rows; query: ids=a,b and after=RFC3339 time
func (h *HTTPSyncHandlers) HandleSearchEntities(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	var filter SearchFilter
	if ids := r.URL.Query().Get("ids"); ids != "" {
		for _, id := range strings.Split(ids, ",") {
			if id = strings.TrimSpace(id); id != "" {
				filter.IDs = append(filter.IDs, id)
			}
		}
	}
	if after := r.URL.Query().Get("after"); after != "" {
		t, err := time.Parse(time.RFC3339Nano, after)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "after must be an RFC 3339 timestamp")
			return
		}
		filter.After = &t
	}

	rows, err := h.service.SearchEntities(r.Context(), userID, chi.URLParam(r, "entity"), filter)
	if err != nil {
		h.writeServiceError(w, err, "user_id", userID)
		return
	}
	h.writeJSON(w, http.StatusOK, rows)
}

// HandleEntityHashes returns {id, sync_hash} pairs of an entity
func (h *HTTPSyncHandlers) HandleEntityHashes(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	hashes, err := h.service.EntityHashes(r.Context(), userID, chi.URLParam(r, "entity"))
	if err != nil {
		h.writeServiceError(w, err, "user_id", userID)
		return
	}
	h.writeJSON(w, http.StatusOK, hashes)
}

// HandleValidateHashes compares client hash-of-hashes per entity
func (h *HTTPSyncHandlers) HandleValidateHashes(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	var req ValidateHashesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse hashes")
		return
	}
	result, err := h.service.ValidateHashes(r.Context(), userID, req.Hashes)
	if err != nil {
		h.writeServiceError(w, err, "user_id", userID)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

// HandleUploadFile stores the raw request body as a pending file
func (h *HTTPSyncHandlers) HandleUploadFile(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	body := http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
	f, err := h.service.UploadFile(r.Context(), userID, chi.URLParam(r, "id"), r.Header.Get("Content-Type"), body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.writeError(w, http.StatusRequestEntityTooLarge, "file_too_large", "File exceeds the upload limit")
			return
		}
		h.writeServiceError(w, err, "user_id", userID)
		return
	}
	h.writeJSON(w, http.StatusCreated, newFileResponse(f))
}

// HandleServeFile streams a stored blob; the key is the path after the route prefix
func (h *HTTPSyncHandlers) HandleServeFile(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	f, err := h.service.OpenFile(r.Context(), userID, chi.URLParam(r, "*"))
	if err != nil {
		h.writeServiceError(w, err, "user_id", userID)
		return
	}
	defer f.Body.Close()
	if f.MimeType != "" {
		w.Header().Set("Content-Type", f.MimeType)
	}
	http.ServeContent(w, r, f.Name, time.Time{}, f.Body)
}

// HandleStartJob starts an export job
func (h *HTTPSyncHandlers) HandleStartJob(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	job, err := h.service.StartExport(r.Context(), userID)
	if err != nil {
		h.writeServiceError(w, err, "user_id", userID)
		return
	}
	h.writeJSON(w, http.StatusAccepted, newSyncJobResponse(job))
}

// HandleGetJob returns the state of an export job
func (h *HTTPSyncHandlers) HandleGetJob(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	job, err := h.service.JobStatus(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, err, "user_id", userID)
		return
	}
	h.writeJSON(w, http.StatusOK, newSyncJobResponse(job))
}

// HandleShare grants access on an owned entity
func (h *HTTPSyncHandlers) HandleShare(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	var req GrantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse grant")
		return
	}
	if err := h.service.Share(r.Context(), userID, req); err != nil {
		h.writeServiceError(w, err, "user_id", userID)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleRevoke removes a grant on an owned entity
func (h *HTTPSyncHandlers) HandleRevoke(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	var req GrantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse grant")
		return
	}
	removed, err := h.service.Revoke(r.Context(), userID, req)
	if err != nil {
		h.writeServiceError(w, err, "user_id", userID)
		return
	}
	if !removed {
		h.writeError(w, http.StatusNotFound, ErrEntityNotFound.Error(), "grant not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeServiceError maps err to a status; internal errors are logged and hidden
func (h *HTTPSyncHandlers) writeServiceError(w http.ResponseWriter, err error, logAttrs ...any) {
	status := HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("Sync request failed", append(logAttrs, "error", err)...)
		h.writeError(w, status, ErrorCode(err), "Internal server error")
		return
	}
	var ce *ClientError
	var errCtx map[string]any
	if errors.As(err, &ce) {
		errCtx = ce.Context
	}
	writeJSONError(w, h.logger, status, ErrorCode(err), err.Error(), errCtx)
}

// writeError writes a standardized error response
func (h *HTTPSyncHandlers) writeError(w http.ResponseWriter, statusCode int, errorCode, message string) {
	writeJSONError(w, h.logger, statusCode, errorCode, message, nil)
}

func (h *HTTPSyncHandlers) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("Failed to encode response", "error", err)
	}
}

func writeJSONError(w http.ResponseWriter, logger *slog.Logger, statusCode int, errorCode, message string, errCtx map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	resp := ErrorResponse{Error: errorCode, Message: message, Context: errCtx}
	if err := json.NewEncoder(w).Encode(resp); err != nil && logger != nil {
		logger.Error("Failed to encode error response", "error", err)
	}
}
