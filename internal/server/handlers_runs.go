package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/bunrui/internal/classifier"
	"github.com/ashita-ai/bunrui/internal/model"
	"github.com/ashita-ai/bunrui/internal/storage"
)

// HandleCreateRun handles POST /v1/runs.
func (h *Handlers) HandleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req model.CreateRunRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}

	if err := model.ValidateAppID(req.AppID); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	// Set OTEL span attributes for trace correlation.
	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(
		attribute.String("bunrui.app_id", req.AppID),
		attribute.Int("bunrui.tool_type", req.ToolType),
	)

	run, err := h.classifier.Create(r.Context(), req)
	if err != nil {
		if errors.Is(err, classifier.ErrInvalidToolType) {
			writeError(w, r, http.StatusUnprocessableEntity, model.ErrCodeInvalidToolType, err.Error())
			return
		}
		h.writeInternalError(w, r, "failed to create run", err)
		return
	}

	writeJSON(w, r, http.StatusCreated, run)
}

// HandleGetRun handles GET /v1/runs/{run_id}. The response carries dispatch
// outbox annotations so operators can see deferred or failed deliveries
// without touching the database.
func (h *Handlers) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	runID, err := parseRunID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid run_id")
		return
	}

	run, err := h.classifier.Get(r.Context(), runID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "run not found")
			return
		}
		h.writeInternalError(w, r, "failed to get run", err)
		return
	}

	resp := model.RunResponse{RunRecord: run}
	if entries, err := h.db.ListDispatchEntries(r.Context(), runID); err != nil {
		h.logger.Warn("failed to load dispatch annotations",
			"run_id", runID, "error", err, "request_id", RequestIDFromContext(r.Context()))
	} else {
		resp.Dispatch = entries
	}

	writeJSON(w, r, http.StatusOK, resp)
}

// HandleUpdateStatus handles POST /v1/runs/{run_id}/status.
func (h *Handlers) HandleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	runID, err := parseRunID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid run_id")
		return
	}

	var req model.UpdateStatusRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}
	status, err := model.ParseRunStatus(req.Status)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	run, err := h.classifier.Transition(r.Context(), runID, status)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "run not found")
		case errors.Is(err, storage.ErrInvalidTransition):
			writeError(w, r, http.StatusConflict, model.ErrCodeInvalidTransition, err.Error())
		default:
			h.writeInternalError(w, r, "failed to update run status", err)
		}
		return
	}

	writeJSON(w, r, http.StatusOK, run)
}

// HandleCancelRun handles POST /v1/runs/{run_id}/cancel.
func (h *Handlers) HandleCancelRun(w http.ResponseWriter, r *http.Request) {
	runID, err := parseRunID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid run_id")
		return
	}

	run, err := h.classifier.Cancel(r.Context(), runID)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "run not found")
		case errors.Is(err, storage.ErrInvalidTransition):
			writeError(w, r, http.StatusConflict, model.ErrCodeInvalidTransition, err.Error())
		default:
			h.writeInternalError(w, r, "failed to cancel run", err)
		}
		return
	}

	writeJSON(w, r, http.StatusOK, run)
}

// HandleListRuns handles GET /v1/runs?tool_type=&cursor=&limit=.
func (h *Handlers) HandleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	toolTypeRaw := q.Get("tool_type")
	if toolTypeRaw == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "tool_type query parameter is required")
		return
	}
	code, err := strconv.Atoi(toolTypeRaw)
	if err != nil || code < 0 {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "tool_type must be a non-negative integer")
		return
	}

	cursor, err := model.DecodeCursor(q.Get("cursor"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "malformed cursor")
		return
	}

	limit := 100
	if rawLimit := q.Get("limit"); rawLimit != "" {
		limit, err = strconv.Atoi(rawLimit)
		if err != nil || limit <= 0 {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "limit must be a positive integer")
			return
		}
	}

	// Listing tolerates codes unknown to this process: historical rows
	// written by newer deployments remain reportable.
	runs, next, err := h.db.ListRunsByToolType(r.Context(), code, cursor, limit)
	if err != nil {
		h.writeInternalError(w, r, "failed to list runs", err)
		return
	}

	resp := model.ListRunsResponse{
		Data:  runs,
		Limit: limit,
		Meta: model.ResponseMeta{
			RequestID: RequestIDFromContext(r.Context()),
			Timestamp: time.Now().UTC(),
		},
	}
	if !next.IsZero() {
		resp.NextCursor = next.Encode()
	}
	if resp.Data == nil {
		resp.Data = []model.RunRecord{}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}
