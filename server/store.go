package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultSessionTTL is how long an idle session lives.
const DefaultSessionTTL = 60 * time.Minute

// ErrNoSession is returned for unknown or expired session tokens.
var ErrNoSession = errors.New("session not found")

// Store keeps each session's Theas parameters between requests.
type Store interface {
	// Load returns the parameters of token and extends its lifetime.
	Load(ctx context.Context, token string) (map[string]string, error)
	Save(ctx context.Context, token string, values map[string]string) error
	Delete(ctx context.Context, token string) error
}

type memorySession struct {
	values  map[string]string
	expires time.Time
}

// MemoryStore is a Store for a single process.
type MemoryStore struct {
	mu       sync.Mutex
	ttl      time.Duration
	now      func() time.Time
	sessions map[string]memorySession
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &MemoryStore{ttl: ttl, now: time.Now, sessions: make(map[string]memorySession)}
}

func (m *MemoryStore) Load(_ context.Context, token string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[token]
	now := m.now()
	if !ok || now.After(sess.expires) {
		delete(m.sessions, token)
		return nil, ErrNoSession
	}
	sess.expires = now.Add(m.ttl)
	m.sessions[token] = sess
	return maps.Clone(sess.values), nil
}

func (m *MemoryStore) Save(_ context.Context, token string, values map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[token] = memorySession{values: maps.Clone(values), expires: m.now().Add(m.ttl)}
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, token)
	return nil
}

// RedisStore keeps sessions in Redis as JSON values that expire after the idle TTL.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisStore(rdb *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &RedisStore{rdb: rdb, prefix: "theas:session:", ttl: ttl}
}

func (r *RedisStore) key(token string) string { return r.prefix + token }

func (r *RedisStore) Load(ctx context.Context, token string) (map[string]string, error) {
	data, err := r.rdb.GetEx(ctx, r.key(token), r.ttl).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNoSession
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	var values map[string]string
	if err := json.Unmarshal(data, &values); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return values, nil
}

func (r *RedisStore) Save(ctx context.Context, token string, values map[string]string) error {
	data, err := json.Marshal(values)
	if err != nil {
		return err
	}
	if err := r.rdb.Set(ctx, r.key(token), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func (r *RedisStore) Delete(ctx context.Context, token string) error {
	return r.rdb.Del(ctx, r.key(token)).Err()
}
