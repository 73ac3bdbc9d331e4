package persistence

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/somatica/soma/embodiment"
)

// AuditRow is the relational shape of one audit record.
type AuditRow struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	SessionID string    `gorm:"size:64;not null;index:idx_audit_session,priority:1" json:"session_id"`
	Sequence  uint64    `gorm:"not null;index:idx_audit_session,priority:2" json:"sequence"`
	Event     string    `gorm:"size:32;not null" json:"event"`
	Actor     string    `gorm:"size:128" json:"actor"`
	ToolName  string    `gorm:"size:128" json:"tool_name"`
	Detail    string    `gorm:"type:text" json:"detail"`
	Timestamp time.Time `gorm:"not null;index" json:"timestamp"`
}

// TableName maps the model onto the migration schema.
func (AuditRow) TableName() string {
	return "audit_records"
}

// GormAuditStore appends session audit records to a relational
// database and serves trail reads.
type GormAuditStore struct {
	db *gorm.DB
}

// NewGormAuditStore wraps an open gorm handle. The caller owns the
// handle and its pool.
func NewGormAuditStore(db *gorm.DB) (*GormAuditStore, error) {
	if db == nil {
		return nil, errors.New("persistence: nil database handle")
	}
	return &GormAuditStore{db: db}, nil
}

// AutoMigrate creates or updates the audit table. Production
// deployments run versioned migrations instead.
func (s *GormAuditStore) AutoMigrate() error {
	return s.db.AutoMigrate(&AuditRow{})
}

// Close is a no-op; the database pool belongs to its manager.
func (s *GormAuditStore) Close() error {
	return nil
}

// Ping checks the underlying connection.
func (s *GormAuditStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Append writes one audit record.
func (s *GormAuditStore) Append(ctx context.Context, record embodiment.AuditRecord) error {
	if record.SessionID == "" || record.Event == "" {
		return ErrInvalidInput
	}
	row := AuditRow{
		SessionID: record.SessionID,
		Sequence:  record.Sequence,
		Event:     record.Event,
		Actor:     record.Actor,
		ToolName:  record.ToolName,
		Detail:    record.Detail,
		Timestamp: record.Timestamp,
	}
	return s.db.WithContext(ctx).Create(&row).Error
}

// TrailFor retrieves a session's trail in sequence order.
func (s *GormAuditStore) TrailFor(ctx context.Context, sessionID string) ([]embodiment.AuditRecord, error) {
	var rows []AuditRow
	err := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("sequence").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	trail := make([]embodiment.AuditRecord, 0, len(rows))
	for _, row := range rows {
		trail = append(trail, embodiment.AuditRecord{
			Sequence:  row.Sequence,
			SessionID: row.SessionID,
			Event:     row.Event,
			Actor:     row.Actor,
			ToolName:  row.ToolName,
			Detail:    row.Detail,
			Timestamp: row.Timestamp,
		})
	}
	return trail, nil
}

// Cleanup removes records older than the given duration.
func (s *GormAuditStore) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)
	result := s.db.WithContext(ctx).
		Where("timestamp < ?", cutoff).
		Delete(&AuditRow{})
	return result.RowsAffected, result.Error
}

var (
	_ AuditStore           = (*GormAuditStore)(nil)
	_ embodiment.AuditSink = (*GormAuditStore)(nil)
)
