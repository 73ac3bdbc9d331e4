package persistence

import (
	"context"
	"time"

	"github.com/somatica/soma/embodiment"
)

// AuditStore is the durable end of the session audit trail. Append
// satisfies embodiment.AuditSink, so a store plugs straight into the
// session manager's spool.
type AuditStore interface {
	Store

	// Append writes one audit record. Records are immutable once
	// written.
	Append(ctx context.Context, record embodiment.AuditRecord) error

	// TrailFor retrieves a session's full trail in sequence order. A
	// session with no records yields an empty trail, not an error.
	TrailFor(ctx context.Context, sessionID string) ([]embodiment.AuditRecord, error)

	// Cleanup removes records older than the given duration and
	// returns the number removed.
	Cleanup(ctx context.Context, olderThan time.Duration) (int64, error)
}
