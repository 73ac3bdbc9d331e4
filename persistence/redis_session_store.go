package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/somatica/soma/embodiment"
)

// RedisSessionStore keeps session snapshots in Redis: one hashless
// JSON value per session plus sorted-set indexes by state and by
// expiry. Suitable when several broker replicas share one snapshot
// surface.
type RedisSessionStore struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisSessionStore connects to Redis and verifies the connection.
// An unreachable server is an error here, not later: persistence that
// is configured must work before the broker serves.
func NewRedisSessionStore(config RedisConfig) (*RedisSessionStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
		PoolSize: config.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis at %s: %w", config.Addr, err)
	}

	keyPrefix := config.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = "soma:"
	}

	return &RedisSessionStore{
		client:    client,
		keyPrefix: keyPrefix,
	}, nil
}

// Close closes the Redis client.
func (s *RedisSessionStore) Close() error {
	return s.client.Close()
}

// Ping checks the Redis connection.
func (s *RedisSessionStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisSessionStore) sessionKey(sessionID string) string {
	return s.keyPrefix + "session:" + sessionID
}

func (s *RedisSessionStore) stateKey(state embodiment.SessionState) string {
	return s.keyPrefix + "sessions:state:" + string(state)
}

func (s *RedisSessionStore) expiryKey() string {
	return s.keyPrefix + "sessions:expiry"
}

func (s *RedisSessionStore) allKey() string {
	return s.keyPrefix + "sessions:all"
}

// SaveSession creates or replaces the snapshot for a session and keeps
// the state and expiry indexes in step.
func (s *RedisSessionStore) SaveSession(ctx context.Context, session *embodiment.Session) error {
	if session == nil || session.SessionID == "" {
		return ErrInvalidInput
	}

	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("encoding session %s: %w", session.SessionID, err)
	}

	// The previous snapshot tells us which state index to leave.
	old, _ := s.GetSession(ctx, session.SessionID)

	pipe := s.client.Pipeline()
	pipe.Set(ctx, s.sessionKey(session.SessionID), data, 0)

	score := float64(stateScore(session).UnixNano())
	if old != nil && old.State != session.State {
		pipe.ZRem(ctx, s.stateKey(old.State), session.SessionID)
	}
	pipe.ZAdd(ctx, s.stateKey(session.State), redis.Z{Score: score, Member: session.SessionID})
	pipe.ZAdd(ctx, s.allKey(), redis.Z{Score: float64(session.CreatedAt.UnixNano()), Member: session.SessionID})

	if session.State.Live() && !session.ExpiresAt.IsZero() {
		pipe.ZAdd(ctx, s.expiryKey(), redis.Z{Score: float64(session.ExpiresAt.UnixNano()), Member: session.SessionID})
	} else {
		pipe.ZRem(ctx, s.expiryKey(), session.SessionID)
	}

	_, err = pipe.Exec(ctx)
	return err
}

// GetSession retrieves one session snapshot.
func (s *RedisSessionStore) GetSession(ctx context.Context, sessionID string) (*embodiment.Session, error) {
	data, err := s.client.Get(ctx, s.sessionKey(sessionID)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var session embodiment.Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("decoding session %s: %w", sessionID, err)
	}
	return &session, nil
}

// ListSessions retrieves sessions matching the filter, oldest first.
func (s *RedisSessionStore) ListSessions(ctx context.Context, filter SessionFilter) ([]*embodiment.Session, error) {
	var ids []string
	var err error
	if len(filter.States) == 1 {
		ids, err = s.client.ZRange(ctx, s.stateKey(filter.States[0]), 0, -1).Result()
	} else {
		ids, err = s.client.ZRange(ctx, s.allKey(), 0, -1).Result()
	}
	if err != nil {
		return nil, err
	}

	result := make([]*embodiment.Session, 0, len(ids))
	for _, id := range ids {
		session, err := s.GetSession(ctx, id)
		if err == ErrNotFound {
			// The index can trail a concurrent delete.
			continue
		}
		if err != nil {
			return nil, err
		}
		if filter.matches(session) {
			result = append(result, session)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].SessionID < result[j].SessionID
	})

	if filter.Limit > 0 && filter.Limit < len(result) {
		result = result[:filter.Limit]
	}
	return result, nil
}

// LiveSessions retrieves every granted or active session for startup
// rehydration.
func (s *RedisSessionStore) LiveSessions(ctx context.Context) ([]*embodiment.Session, error) {
	return s.ListSessions(ctx, SessionFilter{
		States: []embodiment.SessionState{embodiment.StateGranted, embodiment.StateActive},
	})
}

// DeleteSession removes a session snapshot and its index entries.
func (s *RedisSessionStore) DeleteSession(ctx context.Context, sessionID string) error {
	session, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}

	pipe := s.client.Pipeline()
	pipe.Del(ctx, s.sessionKey(sessionID))
	pipe.ZRem(ctx, s.stateKey(session.State), sessionID)
	pipe.ZRem(ctx, s.allKey(), sessionID)
	pipe.ZRem(ctx, s.expiryKey(), sessionID)
	_, err = pipe.Exec(ctx)
	return err
}

// Cleanup removes sessions terminal for longer than olderThan, plus
// live rows whose expiry lies at least that far in the past.
func (s *RedisSessionStore) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := strconv.FormatInt(time.Now().Add(-olderThan).UnixNano(), 10)
	count := 0

	for _, state := range sessionStates {
		if !state.IsTerminal() {
			continue
		}
		ids, err := s.client.ZRangeByScore(ctx, s.stateKey(state), &redis.ZRangeBy{
			Min: "-inf",
			Max: cutoff,
		}).Result()
		if err != nil {
			return count, err
		}
		for _, id := range ids {
			if err := s.DeleteSession(ctx, id); err == nil {
				count++
			}
		}
	}

	// Live rows this far past expiry were orphaned by a broker that
	// never came back for them.
	ids, err := s.client.ZRangeByScore(ctx, s.expiryKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: cutoff,
	}).Result()
	if err != nil {
		return count, err
	}
	for _, id := range ids {
		if err := s.DeleteSession(ctx, id); err == nil {
			count++
		}
	}

	return count, nil
}

// Stats counts stored sessions by state.
func (s *RedisSessionStore) Stats(ctx context.Context) (*SessionStoreStats, error) {
	stats := &SessionStoreStats{
		StateCounts: make(map[embodiment.SessionState]int64),
	}

	total, err := s.client.ZCard(ctx, s.allKey()).Result()
	if err != nil {
		return nil, err
	}
	stats.TotalSessions = total

	for _, state := range sessionStates {
		count, err := s.client.ZCard(ctx, s.stateKey(state)).Result()
		if err != nil {
			return nil, err
		}
		if count > 0 {
			stats.StateCounts[state] = count
		}
	}
	return stats, nil
}

var _ SessionStore = (*RedisSessionStore)(nil)
