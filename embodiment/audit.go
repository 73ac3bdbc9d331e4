package embodiment

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Audit event names. The trail is append-only: records are written once
// and never mutated or removed while the session is retained.
const (
	AuditRequested      = "requested"
	AuditGranted        = "granted"
	AuditDenied         = "denied"
	AuditCallAuthorized = "call_authorized"
	AuditCallDenied     = "call_denied"
	AuditExpired        = "expired"
	AuditRevoked        = "revoked"
)

// AuditRecord is one entry in a session's audit trail.
type AuditRecord struct {
	Sequence  uint64    `json:"sequence"`
	SessionID string    `json:"session_id"`
	Event     string    `json:"event"`
	Actor     string    `json:"actor,omitempty"`
	ToolName  string    `json:"tool_name,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// AuditSink receives audit records for durable storage. Appends happen
// off the session lock; a failing sink degrades durability, never
// availability.
type AuditSink interface {
	Append(ctx context.Context, record AuditRecord) error
}

// auditSpool decouples the in-memory trail from the durable sink: the
// manager appends under its lock, the spool drains on its own
// goroutine.
type auditSpool struct {
	sink   AuditSink
	buffer chan AuditRecord
	logger *zap.Logger
	done   chan struct{}
	closed chan struct{}
}

func newAuditSpool(sink AuditSink, size int, logger *zap.Logger) *auditSpool {
	if size <= 0 {
		size = 1024
	}
	s := &auditSpool{
		sink:   sink,
		buffer: make(chan AuditRecord, size),
		logger: logger,
		done:   make(chan struct{}),
		closed: make(chan struct{}),
	}
	go s.run()
	return s
}

// offer enqueues a record without blocking. On overflow the record is
// dropped from the durable trail and counted in the log; the in-memory
// trail still has it.
func (s *auditSpool) offer(record AuditRecord) {
	select {
	case s.buffer <- record:
	default:
		s.logger.Warn("audit spool full, dropping durable record",
			zap.String("session_id", record.SessionID),
			zap.String("event", record.Event),
		)
	}
}

func (s *auditSpool) run() {
	defer close(s.closed)
	for {
		select {
		case record := <-s.buffer:
			s.write(record)
		case <-s.done:
			// Drain what is already buffered before exiting.
			for {
				select {
				case record := <-s.buffer:
					s.write(record)
				default:
					return
				}
			}
		}
	}
}

func (s *auditSpool) write(record AuditRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.sink.Append(ctx, record); err != nil {
		s.logger.Error("audit sink append failed",
			zap.String("session_id", record.SessionID),
			zap.String("event", record.Event),
			zap.Error(err),
		)
	}
}

func (s *auditSpool) close() {
	close(s.done)
	<-s.closed
}
