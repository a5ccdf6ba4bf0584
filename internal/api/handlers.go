// Package api exposes the control surface over HTTP. Handlers decode JSON,
// dispatch to the service, and map the error taxonomy to status codes; no
// other layer knows about HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"docrag/internal/model"
	"docrag/internal/service"
)

type Handler struct {
	svc    *service.Service
	logger *zap.Logger
}

func NewHandler(svc *service.Service, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{svc: svc, logger: logger}
}

type errorBody struct {
	Detail string `json:"detail"`
}

type indexRequest struct {
	FilePath      string `json:"file_path"`
	ClearExisting bool   `json:"clear_existing"`
}

type queryRequest struct {
	Query         string `json:"query"`
	TopK          int    `json:"top_k"`
	IncludeChunks bool   `json:"include_chunks"`
}

type statusBody struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), service.HealthTimeout)
	defer cancel()
	sendJSON(w, http.StatusOK, h.svc.Health(ctx))
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.svc.Stats(r.Context())
	if err != nil {
		h.sendError(w, r, err)
		return
	}
	sendJSON(w, http.StatusOK, stats)
}

func (h *Handler) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	sendJSON(w, http.StatusOK, h.svc.Config.Get())
}

func (h *Handler) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	var patch map[string]any
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		h.badRequest(w, "invalid JSON body: "+err.Error())
		return
	}

	snap, err := h.svc.UpdateConfig(patch)
	if err != nil {
		// an unknown config field is a client mistake, not a missing resource
		if errors.Is(err, model.ErrNotFound) {
			h.badRequest(w, err.Error())
			return
		}
		h.sendError(w, r, err)
		return
	}
	sendJSON(w, http.StatusOK, snap)
}

func (h *Handler) handleIndex(w http.ResponseWriter, r *http.Request) {
	var req indexRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.badRequest(w, "invalid JSON body: "+err.Error())
		return
	}
	if req.FilePath == "" {
		h.badRequest(w, "file_path is required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), service.IndexTimeout)
	defer cancel()

	report, err := h.svc.Index(ctx, req.FilePath, req.ClearExisting)
	if err != nil {
		h.sendError(w, r, err)
		return
	}
	sendJSON(w, http.StatusOK, report)
}

func (h *Handler) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.badRequest(w, "invalid JSON body: "+err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), service.QueryTimeout)
	defer cancel()

	result, err := h.svc.Query(ctx, req.Query, req.TopK, req.IncludeChunks)
	if err != nil {
		h.sendError(w, r, err)
		return
	}
	sendJSON(w, http.StatusOK, result)
}

func (h *Handler) handleClear(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Clear(r.Context()); err != nil {
		h.sendError(w, r, err)
		return
	}
	sendJSON(w, http.StatusOK, statusBody{Status: "success", Message: "Index cleared"})
}

func (h *Handler) badRequest(w http.ResponseWriter, detail string) {
	sendJSON(w, http.StatusBadRequest, errorBody{Detail: model.ErrValidation.Error() + ": " + detail})
}

// sendError maps the error taxonomy to status codes. The detail string keeps
// the wrapped kind so callers can tell ErrDimensionMismatch from a generic
// backend failure.
func (h *Handler) sendError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, model.ErrValidation), errors.Is(err, model.ErrEmptyDocument),
		errors.Is(err, model.ErrImmutableField):
		status = http.StatusBadRequest
	case errors.Is(err, model.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, service.ErrDisabled):
		status = http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}

	if status >= 500 {
		h.logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.Error(err))
	}
	sendJSON(w, status, errorBody{Detail: err.Error()})
}

func sendJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
