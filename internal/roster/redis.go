// Package roster adapts the authoritative participant roster, a Redis
// hash shared with the rest of the platform. The core reads it on the
// presence poll path; the only write is marking ourselves present
// (heartbeat) and gone (leave).
package roster

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/meshmeet/meshmeet/internal/domain"
	"github.com/redis/go-redis/v9"
)

const entryTTL = 30 * time.Second

type RedisStore struct {
	rdb *redis.Client
	ctx context.Context
}

func NewRedisStore(ctx context.Context, rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb, ctx: ctx}
}

func rosterKey(session domain.SessionID) string {
	return fmt.Sprintf("meet:%s:roster", session)
}

func (s *RedisStore) ListActive(session domain.SessionID) ([]domain.PresenceEntry, error) {
	fields, err := s.rdb.HGetAll(s.ctx, rosterKey(session)).Result()
	if err != nil {
		return nil, fmt.Errorf("list roster: %w", err)
	}
	out := make([]domain.PresenceEntry, 0, len(fields))
	for _, raw := range fields {
		var e domain.PresenceEntry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			continue
		}
		// Entries whose owner stopped heartbeating are stale, not active.
		if time.Since(e.LastHeartbeat) > entryTTL {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *RedisStore) Heartbeat(session domain.SessionID, entry domain.PresenceEntry) error {
	b, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	key := rosterKey(session)
	if err := s.rdb.HSet(s.ctx, key, string(entry.ID), b).Err(); err != nil {
		return fmt.Errorf("roster heartbeat: %w", err)
	}
	// Keep the whole hash from outliving an abandoned session.
	return s.rdb.Expire(s.ctx, key, 24*time.Hour).Err()
}

func (s *RedisStore) MarkLeft(session domain.SessionID, id domain.ParticipantID) error {
	return s.rdb.HDel(s.ctx, rosterKey(session), string(id)).Err()
}
