package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/somatica/soma/types"
)

func TestWriteJSON(t *testing.T) {
	tests := []struct {
		name       string
		data       any
		wantStatus int
	}{
		{
			name:       "simple object",
			data:       map[string]string{"message": "hello"},
			wantStatus: http.StatusOK,
		},
		{
			name:       "array",
			data:       []int{1, 2, 3},
			wantStatus: http.StatusAccepted,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			WriteJSON(w, tt.wantStatus, tt.data)

			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Equal(t, "application/json; charset=utf-8", w.Header().Get("Content-Type"))
			assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
		})
	}
}

func TestWriteCBOR(t *testing.T) {
	w := httptest.NewRecorder()
	payload := []byte{0xa1, 0x01, 0x02}

	WriteCBOR(w, http.StatusConflict, payload)

	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "application/cbor", w.Header().Get("Content-Type"))
	assert.Equal(t, payload, w.Body.Bytes())
}

func TestWriteSuccess(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/v1/agents", nil)
	r = r.WithContext(types.WithRequestID(r.Context(), "req-abc123"))

	WriteSuccess(w, r, map[string]string{"key": "value"})

	assert.Equal(t, http.StatusOK, w.Code)

	var resp Response
	err := json.NewDecoder(w.Body).Decode(&resp)
	require.NoError(t, err)

	assert.True(t, resp.Success)
	assert.NotNil(t, resp.Data)
	assert.Nil(t, resp.Error)
	assert.False(t, resp.Timestamp.IsZero())
	assert.Equal(t, "req-abc123", resp.RequestID)
}

func TestWriteError(t *testing.T) {
	logger := zap.NewNop()

	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{
			name:       "decode error",
			err:        types.NewError(types.ErrDecode, "truncated CBOR"),
			wantStatus: http.StatusBadRequest,
			wantCode:   "DECODE_ERROR",
		},
		{
			name:       "session not found",
			err:        types.NewError(types.ErrSessionNotFound, "session gone"),
			wantStatus: http.StatusNotFound,
			wantCode:   "SESSION_NOT_FOUND",
		},
		{
			name:       "explicit status wins",
			err:        types.NewError(types.ErrInvalidRequest, "nope").WithHTTPStatus(http.StatusUnprocessableEntity),
			wantStatus: http.StatusUnprocessableEntity,
			wantCode:   "INVALID_REQUEST",
		},
		{
			name:       "plain error masked as internal",
			err:        errors.New("pq: connection refused"),
			wantStatus: http.StatusInternalServerError,
			wantCode:   "INTERNAL_ERROR",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			r := httptest.NewRequest(http.MethodGet, "/v1/sessions", nil)

			WriteError(w, r, tt.err, logger)

			assert.Equal(t, tt.wantStatus, w.Code)

			var resp Response
			require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
			assert.False(t, resp.Success)
			require.NotNil(t, resp.Error)
			assert.Equal(t, tt.wantCode, resp.Error.Code)
		})
	}
}

func TestWriteError_DoesNotLeakCause(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/v1/agents", nil)

	WriteError(w, r, errors.New("password=hunter2 dial failed"), zap.NewNop())

	assert.NotContains(t, w.Body.String(), "hunter2")
	assert.Contains(t, w.Body.String(), "internal error")
}

func TestStatusForCode(t *testing.T) {
	tests := []struct {
		code types.ErrorCode
		want int
	}{
		{types.ErrDecode, http.StatusBadRequest},
		{types.ErrInvalidRequest, http.StatusBadRequest},
		{types.ErrAuth, http.StatusUnauthorized},
		{types.ErrUnauthorized, http.StatusUnauthorized},
		{types.ErrCapabilityDenied, http.StatusForbidden},
		{types.ErrSessionExpired, http.StatusForbidden},
		{types.ErrSessionRevoked, http.StatusForbidden},
		{types.ErrForbidden, http.StatusForbidden},
		{types.ErrNoneAvailable, http.StatusNotFound},
		{types.ErrAgentNotFound, http.StatusNotFound},
		{types.ErrBodyNotFound, http.StatusNotFound},
		{types.ErrSessionNotFound, http.StatusNotFound},
		{types.ErrReplay, http.StatusConflict},
		{types.ErrIdentityConflict, http.StatusConflict},
		{types.ErrAgentStale, http.StatusConflict},
		{types.ErrRateLimited, http.StatusTooManyRequests},
		{types.ErrFederationUnreachable, http.StatusBadGateway},
		{types.ErrServiceUnavailable, http.StatusServiceUnavailable},
		{types.ErrTimeout, http.StatusGatewayTimeout},
		{types.ErrInternalError, http.StatusInternalServerError},
		{types.ErrorCode("SOMETHING_NEW"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			assert.Equal(t, tt.want, StatusForCode(tt.code))
		})
	}
}

func TestResponseWriter(t *testing.T) {
	t.Run("captures first status", func(t *testing.T) {
		w := httptest.NewRecorder()
		rw := NewResponseWriter(w)

		rw.WriteHeader(http.StatusTeapot)
		rw.WriteHeader(http.StatusOK)

		assert.Equal(t, http.StatusTeapot, rw.StatusCode)
		assert.Equal(t, http.StatusTeapot, w.Code)
		assert.True(t, rw.Written)
	})

	t.Run("write defaults to 200", func(t *testing.T) {
		w := httptest.NewRecorder()
		rw := NewResponseWriter(w)

		_, err := rw.Write([]byte("ok"))
		require.NoError(t, err)

		assert.Equal(t, http.StatusOK, rw.StatusCode)
		assert.True(t, rw.Written)
	})
}
