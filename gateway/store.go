package gateway

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/WelcomerTeam/Crust/crustjson"
	"github.com/go-redis/redis/v8"
)

// StoredSession is the part of a session needed to resume it from another
// process.
type StoredSession struct {
	SessionID        string `json:"session_id"`
	ResumeGatewayURL string `json:"resume_gateway_url"`
	Sequence         int64  `json:"sequence"`
}

// SessionStore persists sessions between runs, keyed by shard.
type SessionStore interface {
	Load(ctx context.Context, shardID int32) (StoredSession, bool, error)
	Save(ctx context.Context, shardID int32, session StoredSession) error
	Delete(ctx context.Context, shardID int32) error
}

// MemorySessionStore keeps sessions for the life of the process.
type MemorySessionStore struct {
	mu       sync.RWMutex
	sessions map[int32]StoredSession
}

func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{
		sessions: make(map[int32]StoredSession),
	}
}

func (s *MemorySessionStore) Load(_ context.Context, shardID int32) (StoredSession, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[shardID]

	return session, ok, nil
}

func (s *MemorySessionStore) Save(_ context.Context, shardID int32, session StoredSession) error {
	s.mu.Lock()
	s.sessions[shardID] = session
	s.mu.Unlock()

	return nil
}

func (s *MemorySessionStore) Delete(_ context.Context, shardID int32) error {
	s.mu.Lock()
	delete(s.sessions, shardID)
	s.mu.Unlock()

	return nil
}

// RedisSessionStore keeps sessions in redis so a restarted process can
// resume. Entries expire after TTL, as the gateway forgets sessions too.
type RedisSessionStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisSessionStore(client *redis.Client, prefix string, ttl time.Duration) *RedisSessionStore {
	return &RedisSessionStore{
		client: client,
		prefix: prefix,
		ttl:    ttl,
	}
}

func (s *RedisSessionStore) key(shardID int32) string {
	return s.prefix + ":session:" + strconv.FormatInt(int64(shardID), 10)
}

func (s *RedisSessionStore) Load(ctx context.Context, shardID int32) (StoredSession, bool, error) {
	var session StoredSession

	data, err := s.client.Get(ctx, s.key(shardID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return session, false, nil
		}

		return session, false, fmt.Errorf("failed to load session: %w", err)
	}

	err = crustjson.Unmarshal(data, &session)
	if err != nil {
		return session, false, fmt.Errorf("failed to decode session: %w", err)
	}

	return session, true, nil
}

func (s *RedisSessionStore) Save(ctx context.Context, shardID int32, session StoredSession) error {
	data, err := crustjson.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}

	err = s.client.Set(ctx, s.key(shardID), data, s.ttl).Err()
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}

	return nil
}

func (s *RedisSessionStore) Delete(ctx context.Context, shardID int32) error {
	err := s.client.Del(ctx, s.key(shardID)).Err()
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}

	return nil
}
