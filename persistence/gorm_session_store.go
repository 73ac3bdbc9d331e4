package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/somatica/soma/embodiment"
)

// SessionRow is the relational shape of one session snapshot.
type SessionRow struct {
	SessionID string `gorm:"size:64;primaryKey" json:"session_id"`
	GuestID   string `gorm:"size:128;not null;index" json:"guest_id"`
	HostID    string `gorm:"size:128;not null;index" json:"host_id"`
	BodyID    string `gorm:"size:128;not null" json:"body_id"`

	// Capability sets are stored as JSON arrays.
	Requested string `gorm:"type:text" json:"requested"`
	Granted   string `gorm:"type:text" json:"granted"`

	State     string `gorm:"size:16;not null;index" json:"state"`
	DenyCode  string `gorm:"size:32" json:"deny_code"`
	EndReason string `gorm:"size:255" json:"end_reason"`

	CreatedAt   time.Time  `gorm:"not null;index" json:"created_at"`
	GrantedAt   *time.Time `json:"granted_at,omitempty"`
	ActivatedAt *time.Time `json:"activated_at,omitempty"`
	ExpiresAt   *time.Time `gorm:"index" json:"expires_at,omitempty"`
	EndedAt     *time.Time `gorm:"index" json:"ended_at,omitempty"`
}

// TableName maps the model onto the migration schema.
func (SessionRow) TableName() string {
	return "session_snapshots"
}

// GormSessionStore keeps session snapshots in a relational database,
// for deployments where SQL is the system of record and Redis is not
// in the picture.
type GormSessionStore struct {
	db *gorm.DB
}

// NewGormSessionStore wraps an open gorm handle. The caller owns the
// handle and its pool; ownership stays there.
func NewGormSessionStore(db *gorm.DB) (*GormSessionStore, error) {
	if db == nil {
		return nil, errors.New("persistence: nil database handle")
	}
	return &GormSessionStore{db: db}, nil
}

// AutoMigrate creates or updates the snapshot table. Production
// deployments run versioned migrations instead.
func (s *GormSessionStore) AutoMigrate() error {
	return s.db.AutoMigrate(&SessionRow{})
}

// Close is a no-op; the database pool belongs to its manager.
func (s *GormSessionStore) Close() error {
	return nil
}

// Ping checks the underlying connection.
func (s *GormSessionStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// SaveSession upserts the snapshot for a session.
func (s *GormSessionStore) SaveSession(ctx context.Context, session *embodiment.Session) error {
	if session == nil || session.SessionID == "" {
		return ErrInvalidInput
	}
	row, err := rowFromSession(session)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(row).Error
}

// GetSession retrieves one session snapshot.
func (s *GormSessionStore) GetSession(ctx context.Context, sessionID string) (*embodiment.Session, error) {
	var row SessionRow
	err := s.db.WithContext(ctx).First(&row, "session_id = ?", sessionID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return sessionFromRow(&row)
}

// ListSessions retrieves sessions matching the filter, oldest first.
func (s *GormSessionStore) ListSessions(ctx context.Context, filter SessionFilter) ([]*embodiment.Session, error) {
	query := s.db.WithContext(ctx).Model(&SessionRow{})
	if filter.GuestID != "" {
		query = query.Where("guest_id = ?", filter.GuestID)
	}
	if filter.HostID != "" {
		query = query.Where("host_id = ?", filter.HostID)
	}
	if len(filter.States) > 0 {
		states := make([]string, 0, len(filter.States))
		for _, state := range filter.States {
			states = append(states, string(state))
		}
		query = query.Where("state IN ?", states)
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}

	var rows []SessionRow
	if err := query.Order("created_at, session_id").Find(&rows).Error; err != nil {
		return nil, err
	}

	result := make([]*embodiment.Session, 0, len(rows))
	for i := range rows {
		session, err := sessionFromRow(&rows[i])
		if err != nil {
			return nil, err
		}
		result = append(result, session)
	}
	return result, nil
}

// LiveSessions retrieves every granted or active session for startup
// rehydration.
func (s *GormSessionStore) LiveSessions(ctx context.Context) ([]*embodiment.Session, error) {
	return s.ListSessions(ctx, SessionFilter{
		States: []embodiment.SessionState{embodiment.StateGranted, embodiment.StateActive},
	})
}

// DeleteSession removes a session snapshot.
func (s *GormSessionStore) DeleteSession(ctx context.Context, sessionID string) error {
	result := s.db.WithContext(ctx).Delete(&SessionRow{}, "session_id = ?", sessionID)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Cleanup removes sessions terminal for longer than olderThan, plus
// live rows whose expiry lies at least that far in the past.
func (s *GormSessionStore) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)
	removed := 0

	terminal := s.db.WithContext(ctx).
		Where("state IN ?", []string{
			string(embodiment.StateDenied),
			string(embodiment.StateExpired),
			string(embodiment.StateRevoked),
		}).
		Where("ended_at IS NOT NULL AND ended_at < ?", cutoff).
		Delete(&SessionRow{})
	if terminal.Error != nil {
		return removed, terminal.Error
	}
	removed += int(terminal.RowsAffected)

	orphaned := s.db.WithContext(ctx).
		Where("state IN ?", []string{
			string(embodiment.StateGranted),
			string(embodiment.StateActive),
		}).
		Where("expires_at IS NOT NULL AND expires_at < ?", cutoff).
		Delete(&SessionRow{})
	if orphaned.Error != nil {
		return removed, orphaned.Error
	}
	removed += int(orphaned.RowsAffected)

	return removed, nil
}

// Stats counts stored sessions by state.
func (s *GormSessionStore) Stats(ctx context.Context) (*SessionStoreStats, error) {
	stats := &SessionStoreStats{
		StateCounts: make(map[embodiment.SessionState]int64),
	}

	if err := s.db.WithContext(ctx).Model(&SessionRow{}).Count(&stats.TotalSessions).Error; err != nil {
		return nil, err
	}
	for _, state := range sessionStates {
		var count int64
		err := s.db.WithContext(ctx).Model(&SessionRow{}).
			Where("state = ?", string(state)).Count(&count).Error
		if err != nil {
			return nil, err
		}
		if count > 0 {
			stats.StateCounts[state] = count
		}
	}
	return stats, nil
}

func rowFromSession(session *embodiment.Session) (*SessionRow, error) {
	requested, err := json.Marshal(session.RequestedCapabilities)
	if err != nil {
		return nil, fmt.Errorf("encoding session %s: %w", session.SessionID, err)
	}
	granted, err := json.Marshal(session.GrantedCapabilities)
	if err != nil {
		return nil, fmt.Errorf("encoding session %s: %w", session.SessionID, err)
	}

	return &SessionRow{
		SessionID:   session.SessionID,
		GuestID:     session.GuestID,
		HostID:      session.HostID,
		BodyID:      session.BodyID,
		Requested:   string(requested),
		Granted:     string(granted),
		State:       string(session.State),
		DenyCode:    session.DenyCode,
		EndReason:   session.EndReason,
		CreatedAt:   session.CreatedAt,
		GrantedAt:   optionalTime(session.GrantedAt),
		ActivatedAt: optionalTime(session.ActivatedAt),
		ExpiresAt:   optionalTime(session.ExpiresAt),
		EndedAt:     optionalTime(session.EndedAt),
	}, nil
}

func sessionFromRow(row *SessionRow) (*embodiment.Session, error) {
	session := &embodiment.Session{
		SessionID:   row.SessionID,
		GuestID:     row.GuestID,
		HostID:      row.HostID,
		BodyID:      row.BodyID,
		State:       embodiment.SessionState(row.State),
		DenyCode:    row.DenyCode,
		EndReason:   row.EndReason,
		CreatedAt:   row.CreatedAt,
		GrantedAt:   timeValue(row.GrantedAt),
		ActivatedAt: timeValue(row.ActivatedAt),
		ExpiresAt:   timeValue(row.ExpiresAt),
		EndedAt:     timeValue(row.EndedAt),
	}
	if row.Requested != "" {
		if err := json.Unmarshal([]byte(row.Requested), &session.RequestedCapabilities); err != nil {
			return nil, fmt.Errorf("decoding session %s: %w", row.SessionID, err)
		}
	}
	if row.Granted != "" {
		if err := json.Unmarshal([]byte(row.Granted), &session.GrantedCapabilities); err != nil {
			return nil, fmt.Errorf("decoding session %s: %w", row.SessionID, err)
		}
	}
	return session, nil
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	out := t
	return &out
}

func timeValue(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

var _ SessionStore = (*GormSessionStore)(nil)
