package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/somatica/soma/internal/pool"
	"github.com/somatica/soma/types"
)

// Response is the JSON envelope every admin reply rides in.
type Response struct {
	Success   bool       `json:"success"`
	Data      any        `json:"data,omitempty"`
	Error     *ErrorInfo `json:"error,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
	RequestID string     `json:"request_id,omitempty"`
}

// ErrorInfo is the serialized error detail.
type ErrorInfo struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
}

// WriteJSON encodes v through a pooled buffer so an encode failure can
// still become a 500 instead of a half-written body.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	buf := pool.Buffers.Get()
	defer pool.Buffers.Put(buf)

	if err := json.NewEncoder(buf).Encode(v); err != nil {
		http.Error(w, `{"success":false,"error":{"code":"INTERNAL_ERROR","message":"response encoding failed"}}`,
			http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_, _ = w.Write(buf.Bytes())
}

// WriteCBOR writes already-encoded envelope bytes.
func WriteCBOR(w http.ResponseWriter, status int, payload []byte) {
	w.Header().Set("Content-Type", "application/cbor")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_, _ = w.Write(payload)
}

// WriteSuccess wraps data in the standard response envelope, echoing
// the request id assigned at the edge.
func WriteSuccess(w http.ResponseWriter, r *http.Request, data any) {
	resp := Response{
		Success:   true,
		Data:      data,
		Timestamp: time.Now(),
	}
	if id, ok := types.RequestID(r.Context()); ok {
		resp.RequestID = id
	}
	WriteJSON(w, http.StatusOK, resp)
}

// WriteError maps err onto the response envelope and an HTTP status.
// Unknown error types surface as INTERNAL_ERROR without leaking the
// cause to the client.
func WriteError(w http.ResponseWriter, r *http.Request, err error, logger *zap.Logger) {
	var terr *types.Error
	if !errors.As(err, &terr) {
		terr = types.NewError(types.ErrInternalError, "internal error").WithCause(err)
	}

	status := terr.HTTPStatus
	if status == 0 {
		status = StatusForCode(terr.Code)
	}

	if logger != nil {
		logger.Warn("request rejected",
			zap.String("code", string(terr.Code)),
			zap.String("message", terr.Message),
			zap.Int("status", status),
			zap.Error(terr.Cause),
		)
	}

	resp := Response{
		Success: false,
		Error: &ErrorInfo{
			Code:      string(terr.Code),
			Message:   terr.Message,
			Retryable: terr.Retryable,
		},
		Timestamp: time.Now(),
	}
	if id, ok := types.RequestID(r.Context()); ok {
		resp.RequestID = id
	}
	WriteJSON(w, status, resp)
}

// StatusForCode maps the protocol error taxonomy onto HTTP statuses.
// The rejection envelope stays the authoritative verdict; the status
// exists for transports and load balancers that never decode CBOR.
func StatusForCode(code types.ErrorCode) int {
	switch code {
	case types.ErrDecode, types.ErrInvalidRequest:
		return http.StatusBadRequest
	case types.ErrAuth, types.ErrUnauthorized:
		return http.StatusUnauthorized
	case types.ErrCapabilityDenied, types.ErrSessionExpired,
		types.ErrSessionRevoked, types.ErrForbidden:
		return http.StatusForbidden
	case types.ErrNoneAvailable, types.ErrAgentNotFound,
		types.ErrBodyNotFound, types.ErrSessionNotFound:
		return http.StatusNotFound
	case types.ErrReplay, types.ErrIdentityConflict, types.ErrAgentStale:
		return http.StatusConflict
	case types.ErrRateLimited:
		return http.StatusTooManyRequests
	case types.ErrFederationUnreachable:
		return http.StatusBadGateway
	case types.ErrServiceUnavailable:
		return http.StatusServiceUnavailable
	case types.ErrTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// ResponseWriter captures the status code for middleware that records
// or traces responses.
type ResponseWriter struct {
	http.ResponseWriter
	StatusCode int
	Written    bool
}

// NewResponseWriter wraps w with status capture.
func NewResponseWriter(w http.ResponseWriter) *ResponseWriter {
	return &ResponseWriter{
		ResponseWriter: w,
		StatusCode:     http.StatusOK,
	}
}

// WriteHeader records the first status code written.
func (rw *ResponseWriter) WriteHeader(code int) {
	if !rw.Written {
		rw.StatusCode = code
		rw.Written = true
		rw.ResponseWriter.WriteHeader(code)
	}
}

// Write marks the response as written.
func (rw *ResponseWriter) Write(b []byte) (int, error) {
	if !rw.Written {
		rw.WriteHeader(http.StatusOK)
	}
	return rw.ResponseWriter.Write(b)
}

// Unwrap exposes the wrapped writer to http.ResponseController, so
// hijacking upgrades work through middleware.
func (rw *ResponseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
