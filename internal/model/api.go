package model

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Field length limits for caller-controlled fields. These keep a single
// oversized field from filling Postgres TEXT columns with garbage.
const (
	MaxAppIDLen   = 200
	MaxPayloadLen = 64 * 1024 // 64 KB of encoded payload
)

// ValidateAppID checks the owning-application identifier.
func ValidateAppID(appID string) error {
	if appID == "" {
		return fmt.Errorf("app_id is required")
	}
	if len(appID) > MaxAppIDLen {
		return fmt.Errorf("app_id exceeds maximum length of %d characters", MaxAppIDLen)
	}
	return nil
}

// CreateRunRequest is the request body for POST /v1/runs.
// ToolType defaults to 0 ("regular application, not an AI tool") when the
// field is omitted.
type CreateRunRequest struct {
	AppID    string         `json:"app_id"`
	ToolType int            `json:"tool_type"`
	Payload  map[string]any `json:"payload,omitempty"`
}

// UpdateStatusRequest is the request body for POST /v1/runs/{run_id}/status.
type UpdateStatusRequest struct {
	Status string `json:"status"`
}

// RunResponse is a RunRecord plus its dispatch annotations, if any.
type RunResponse struct {
	RunRecord
	Dispatch []DispatchEntry `json:"dispatch,omitempty"`
}

// APIResponse is the standard success envelope.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// ListRunsResponse is the envelope for the cursor-paged run listing.
// NextCursor is empty when the listing is exhausted; passing it back
// restarts the listing exactly where this page ended.
type ListRunsResponse struct {
	Data       []RunRecord  `json:"data"`
	NextCursor string       `json:"next_cursor,omitempty"`
	Limit      int          `json:"limit"`
	Meta       ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput      = "INVALID_INPUT"
	ErrCodeInvalidToolType   = "INVALID_TOOL_TYPE"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInternalError     = "INTERNAL_ERROR"
)

// HealthResponse is the GET /health response body.
type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Postgres string `json:"postgres"`
	Outbox   int    `json:"outbox_pending"`
}

// Cursor is the restartable pagination position for run listings: the
// (created_at, id) keyset of the last row already returned. It is opaque to
// callers — an encoded token, not a stateful iterator — so a listing can span
// a large, growing table across many requests.
type Cursor struct {
	CreatedAt time.Time
	ID        uuid.UUID
}

// Encode renders the cursor as an opaque URL-safe token.
func (c Cursor) Encode() string {
	raw := c.CreatedAt.UTC().Format(time.RFC3339Nano) + "|" + c.ID.String()
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// DecodeCursor parses a token produced by Encode. An empty token yields the
// zero cursor, which starts the listing from the beginning.
func DecodeCursor(token string) (Cursor, error) {
	if token == "" {
		return Cursor{}, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Cursor{}, fmt.Errorf("model: malformed cursor: %w", err)
	}
	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 {
		return Cursor{}, fmt.Errorf("model: malformed cursor")
	}
	ts, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return Cursor{}, fmt.Errorf("model: malformed cursor timestamp: %w", err)
	}
	id, err := uuid.Parse(parts[1])
	if err != nil {
		return Cursor{}, fmt.Errorf("model: malformed cursor id: %w", err)
	}
	return Cursor{CreatedAt: ts, ID: id}, nil
}

// IsZero reports whether the cursor is the start-of-listing position.
func (c Cursor) IsZero() bool {
	return c.CreatedAt.IsZero() && c.ID == uuid.Nil
}
