package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sukesh-kandasamy/sense/internal/domain"
)

// InsightStore keeps the latest insight per room so a late subscriber
// starts from current state.
type InsightStore interface {
	Put(ctx context.Context, room string, ins domain.Insight) error
	Latest(ctx context.Context, room string) (domain.Insight, bool, error)
	Close() error
}

// MemoryStore is an in-process InsightStore. Entries expire after ttl; a
// zero ttl keeps them for the life of the process.
type MemoryStore struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[string]memoryEntry
}

type memoryEntry struct {
	ins     domain.Insight
	expires time.Time
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{ttl: ttl, now: time.Now, entries: make(map[string]memoryEntry)}
}

func (s *MemoryStore) Put(_ context.Context, room string, ins domain.Insight) error {
	e := memoryEntry{ins: ins}
	if s.ttl > 0 {
		e.expires = s.now().Add(s.ttl)
	}
	s.mu.Lock()
	s.entries[room] = e
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Latest(_ context.Context, room string) (domain.Insight, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[room]
	if !ok {
		return domain.Insight{}, false, nil
	}
	if !e.expires.IsZero() && s.now().After(e.expires) {
		delete(s.entries, room)
		return domain.Insight{}, false, nil
	}
	return e.ins, true, nil
}

func (s *MemoryStore) Close() error { return nil }

// RedisStore keeps insights in Redis as JSON under sense:insight:<room>.
type RedisStore struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisStore connects to addr, which is either host:port or a
// redis:// URL, and pings it.
func NewRedisStore(ctx context.Context, addr string, ttl time.Duration) (*RedisStore, error) {
	var rdb *redis.Client
	if strings.HasPrefix(addr, "redis://") || strings.HasPrefix(addr, "rediss://") {
		opt, err := redis.ParseURL(addr)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		rdb = redis.NewClient(opt)
	} else {
		rdb = redis.NewClient(&redis.Options{Addr: addr})
	}

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisStore{rdb: rdb, ttl: ttl}, nil
}

func insightKey(room string) string { return "sense:insight:" + room }

func (s *RedisStore) Put(ctx context.Context, room string, ins domain.Insight) error {
	b, err := json.Marshal(ins)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, insightKey(room), b, s.ttl).Err()
}

func (s *RedisStore) Latest(ctx context.Context, room string) (domain.Insight, bool, error) {
	raw, err := s.rdb.Get(ctx, insightKey(room)).Result()
	if err == redis.Nil {
		return domain.Insight{}, false, nil
	}
	if err != nil {
		return domain.Insight{}, false, err
	}
	var ins domain.Insight
	if err := json.Unmarshal([]byte(raw), &ins); err != nil {
		// corrupt entry: treat as a miss
		_ = s.rdb.Del(ctx, insightKey(room)).Err()
		return domain.Insight{}, false, nil
	}
	return ins, true, nil
}

func (s *RedisStore) Close() error { return s.rdb.Close() }
