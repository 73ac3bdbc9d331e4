package handlers

import (
	"context"
	"errors"
	"io"
	"mime"
	"net/http"

	"go.uber.org/zap"

	"github.com/somatica/soma/types"
)

// EnvelopeProcessor is the broker surface the intake drives. Both
// returns may be set at once: a decided rejection pairs the signed
// verdict envelope with the taxonomy error.
type EnvelopeProcessor interface {
	HandleEnvelope(ctx context.Context, raw []byte) ([]byte, error)
}

// EnvelopeHandler serves the binary envelope intake.
type EnvelopeHandler struct {
	processor EnvelopeProcessor
	maxBytes  int64
	logger    *zap.Logger
}

// NewEnvelopeHandler builds the intake around a processor. maxBytes
// caps the request body; zero or negative applies a 1 MB default.
func NewEnvelopeHandler(processor EnvelopeProcessor, maxBytes int64, logger *zap.Logger) *EnvelopeHandler {
	if maxBytes <= 0 {
		maxBytes = 1 << 20
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EnvelopeHandler{
		processor: processor,
		maxBytes:  maxBytes,
		logger:    logger.With(zap.String("component", "envelope_intake")),
	}
}

// HandleIntake implements POST /v1/envelopes. The reply body is the
// signed envelope when one exists; the HTTP status mirrors the
// taxonomy verdict so callers that never decode CBOR still see the
// outcome class.
func (h *EnvelopeHandler) HandleIntake(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		WriteError(w, r, types.NewError(types.ErrInvalidRequest, "envelope intake is POST only").
			WithHTTPStatus(http.StatusMethodNotAllowed), h.logger)
		return
	}

	if mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type")); err != nil || mediaType != "application/cbor" {
		WriteError(w, r, types.NewError(types.ErrInvalidRequest, "Content-Type must be application/cbor").
			WithHTTPStatus(http.StatusUnsupportedMediaType), h.logger)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxBytes)
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			WriteError(w, r, types.NewError(types.ErrInvalidRequest, "envelope exceeds the intake size limit").
				WithHTTPStatus(http.StatusRequestEntityTooLarge), h.logger)
			return
		}
		WriteError(w, r, types.NewError(types.ErrInvalidRequest, "reading request body failed").
			WithCause(err), h.logger)
		return
	}

	reply, err := h.processor.HandleEnvelope(r.Context(), raw)
	switch {
	case err == nil && reply == nil:
		// Accepted, and the envelope type has no reply.
		w.WriteHeader(http.StatusAccepted)
	case err == nil:
		WriteCBOR(w, http.StatusOK, reply)
	case reply != nil:
		// A decided rejection: deliver the signed verdict with the
		// mapped status.
		WriteCBOR(w, StatusForCode(types.GetErrorCode(err)), reply)
	default:
		WriteError(w, r, err, h.logger)
	}
}
