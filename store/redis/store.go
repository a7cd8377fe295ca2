// Package redis implements store.Store using Redis. Pending jobs live in
// Sorted Sets used as priority queues, each job and its claim in a Hash,
// and every queue mutation runs as a Lua script so claims are atomic
// across any number of worker processes. Registry results are JSON
// strings whose Redis TTL is the result TTL.
//
// Usage:
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	s := redisstore.New(client)
//	if err := s.Ping(ctx); err != nil { ... }
package redis

import (
	"context"
	"log/slog"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/jobq"
	"github.com/xraph/jobq/job"
)

// Compile-time interface checks.
var (
	_ job.QueueStore  = (*Store)(nil)
	_ job.ResultStore = (*Store)(nil)
	_ job.DedupStore  = (*Store)(nil)
)

// Option configures the Store.
type Option func(*Store)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithNamespace replaces the "{jobq}" key prefix. Keep the braces if the
// store runs against Redis Cluster.
func WithNamespace(ns string) Option {
	return func(s *Store) { s.keys = keys{ns: ns} }
}

// WithTombstoneTTL sets how long an expired result is reported as expired
// rather than never seen.
func WithTombstoneTTL(d time.Duration) Option {
	return func(s *Store) { s.tombstoneTTL = d }
}

// Store implements the composite store.Store interface backed by Redis.
type Store struct {
	client       goredis.UniversalClient
	logger       *slog.Logger
	keys         keys
	scripts      scripts
	tombstoneTTL time.Duration
}

// New creates a new Redis-backed store. The caller owns the Redis client
// lifecycle.
func New(client goredis.UniversalClient, opts ...Option) *Store {
	s := &Store{
		client:       client,
		logger:       slog.Default(),
		keys:         keys{ns: defaultNamespace},
		scripts:      loadScripts(),
		tombstoneTTL: 24 * time.Hour,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Client returns the underlying Redis client.
func (s *Store) Client() goredis.UniversalClient { return s.client }

// Migrate is a no-op for Redis (schemaless).
func (s *Store) Migrate(_ context.Context) error { return nil }

// Ping verifies the Redis connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

// Close is a no-op; the caller owns the Redis client lifecycle.
func (s *Store) Close() error { return nil }

func unavailable(op string, err error) error {
	return &jobq.StoreError{Op: "jobq/redis: " + op, Err: err}
}

func ms(t time.Time) int64 { return t.UnixMilli() }

func fromMS(v int64) time.Time { return time.UnixMilli(v).UTC() }
