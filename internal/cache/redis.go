package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"pokenerd/internal/logging"

	backend "github.com/redis/go-redis/v9"
)

// RedisStore keeps resources as plain string keys and history as one list
// per session.
type RedisStore struct {
	client *backend.Client
	prefix string
	ttl    time.Duration
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithTTL sets the expiration of cached resources.
func WithTTL(ttl time.Duration) RedisOption {
	return func(s *RedisStore) {
		s.ttl = ttl
	}
}

// WithPrefix sets the key prefix.
func WithPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		s.prefix = prefix
	}
}

// NewRedis creates a store talking to the Redis server at addr.
func NewRedis(addr string, db int, opts ...RedisOption) *RedisStore {
	return NewRedisFromClient(backend.NewClient(&backend.Options{Addr: addr, DB: db}), opts...)
}

// NewRedisFromClient wraps an existing client.
func NewRedisFromClient(client *backend.Client, opts ...RedisOption) *RedisStore {
	s := &RedisStore{client: client, prefix: "pokenerd:"}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) resourceKey(uri string) string    { return s.prefix + "resource:" + uri }
func (s *RedisStore) historyKey(session string) string { return s.prefix + "history:" + session }

// Ping checks connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, uri string) (string, bool, error) {
	text, err := s.client.Get(ctx, s.resourceKey(uri)).Result()
	if errors.Is(err, backend.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("cache get %s: %w", uri, err)
	}
	return text, true, nil
}

// Put implements Store.
func (s *RedisStore) Put(ctx context.Context, uri, text string) error {
	if err := s.client.Set(ctx, s.resourceKey(uri), text, s.ttl).Err(); err != nil {
		return fmt.Errorf("cache put %s: %w", uri, err)
	}
	return nil
}

type redisEntry struct {
	Query     string `json:"query"`
	Operation string `json:"operation"`
	Outcome   string `json:"outcome"`
	At        int64  `json:"at"`
}

// Append implements History.
func (s *RedisStore) Append(ctx context.Context, e Entry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	data, err := json.Marshal(redisEntry{Query: e.Query, Operation: e.Operation, Outcome: e.Outcome, At: e.At.UnixNano()})
	if err != nil {
		return err
	}
	if err := s.client.RPush(ctx, s.historyKey(e.SessionID), data).Err(); err != nil {
		return fmt.Errorf("history append: %w", err)
	}
	return nil
}

// Recent implements History.
func (s *RedisStore) Recent(ctx context.Context, sessionID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 20
	}
	raw, err := s.client.LRange(ctx, s.historyKey(sessionID), int64(-limit), -1).Result()
	if err != nil {
		return nil, fmt.Errorf("history query: %w", err)
	}

	out := make([]Entry, 0, len(raw))
	for _, item := range raw {
		var re redisEntry
		if err := json.Unmarshal([]byte(item), &re); err != nil {
			logging.Get(logging.CategoryCache).Warn("Skipping corrupt history entry: %v", err)
			continue
		}
		out = append(out, Entry{
			SessionID: sessionID,
			Query:     re.Query,
			Operation: re.Operation,
			Outcome:   re.Outcome,
			At:        time.Unix(0, re.At),
		})
	}
	return out, nil
}

// Close implements Store.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

var _ Backing = (*RedisStore)(nil)
