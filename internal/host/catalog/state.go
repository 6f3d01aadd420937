package catalog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	maintnotifications "github.com/redis/go-redis/v9/maintnotifications"
)

// historyLen bounds the per-layer list of previously applied filters.
const historyLen = 10

// Store keeps the filter currently applied to each layer.
type Store interface {
	Get(ctx context.Context, layerID string) (string, error)
	// Set replaces the filter and pushes the previous one onto the history.
	Set(ctx context.Context, layerID, expression string) error
	History(ctx context.Context, layerID string) ([]string, error)
}

type MemoryStore struct {
	mu      sync.Mutex
	current map[string]string
	history map[string][]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{current: map[string]string{}, history: map[string][]string{}}
}

func (m *MemoryStore) Get(_ context.Context, id string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current[id], nil
}

func (m *MemoryStore) Set(_ context.Context, id, expression string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.current[id]; ok {
		h := append([]string{prev}, m.history[id]...)
		if len(h) > historyLen {
			h = h[:historyLen]
		}
		m.history[id] = h
	}
	m.current[id] = expression
	return nil
}

func (m *MemoryStore) History(_ context.Context, id string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.history[id]...), nil
}

type RedisOption func(*redis.Options)

func WithPoolSize(n int) RedisOption {
	return func(o *redis.Options) { o.PoolSize = n }
}

func WithDialTimeout(d time.Duration) RedisOption {
	return func(o *redis.Options) { o.DialTimeout = d }
}

// RedisStore keeps filter state in Redis so it survives restarts and is
// shared between instances.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisStore(ctx context.Context, addr string, ttl time.Duration, opts ...RedisOption) (*RedisStore, error) {
	if addr == "" {
		return nil, errors.New("redis address is required")
	}
	ro := &redis.Options{
		Addr:         addr,
		PoolSize:     16,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
		MaintNotificationsConfig: &maintnotifications.Config{
			Mode: maintnotifications.ModeDisabled,
		},
	}
	for _, f := range opts {
		f(ro)
	}
	rdb := redis.NewClient(ro)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisStore{rdb: rdb, prefix: "geofilter:", ttl: ttl}, nil
}

func (s *RedisStore) currentKey(id string) string { return s.prefix + "filter:" + id }
func (s *RedisStore) historyKey(id string) string { return s.prefix + "history:" + id }

func (s *RedisStore) Get(ctx context.Context, id string) (string, error) {
	v, err := s.rdb.Get(ctx, s.currentKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("redis GET %q: %w", id, err)
	}
	return v, nil
}

func (s *RedisStore) Set(ctx context.Context, id, expression string) error {
	prev, err := s.rdb.Get(ctx, s.currentKey(id)).Result()
	hasPrev := err == nil
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis GET %q: %w", id, err)
	}
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, s.currentKey(id), expression, s.ttl)
		if hasPrev {
			p.LPush(ctx, s.historyKey(id), prev)
			p.LTrim(ctx, s.historyKey(id), 0, historyLen-1)
			if s.ttl > 0 {
				p.Expire(ctx, s.historyKey(id), s.ttl)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis SET filter %q: %w", id, err)
	}
	return nil
}

func (s *RedisStore) History(ctx context.Context, id string) ([]string, error) {
	v, err := s.rdb.LRange(ctx, s.historyKey(id), 0, historyLen-1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis LRANGE %q: %w", id, err)
	}
	return v, nil
}

func (s *RedisStore) Close() error {
	if err := s.rdb.Close(); err != nil {
		return fmt.Errorf("redis close: %w", err)
	}
	return nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}
