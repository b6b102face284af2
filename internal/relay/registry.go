package relay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const activeSessionsKey = "active_sessions"

// SessionInfo describes one relayed session
type SessionInfo struct {
	ID         string
	RemoteAddr string
	StartedAt  time.Time
}

// Registry tracks relayed sessions so operators can see who is connected
type Registry interface {
	Register(ctx context.Context, info SessionInfo) error
	Remove(ctx context.Context, id string) error
	Count(ctx context.Context) (int, error)
	Ping(ctx context.Context) error
	Close() error
}

// MemoryRegistry keeps sessions in process memory
type MemoryRegistry struct {
	mu       sync.RWMutex
	sessions map[string]SessionInfo
}

// NewMemoryRegistry creates an empty in-memory registry
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{sessions: make(map[string]SessionInfo)}
}

func (r *MemoryRegistry) Register(ctx context.Context, info SessionInfo) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[info.ID] = info
	return nil
}

func (r *MemoryRegistry) Remove(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
	return nil
}

func (r *MemoryRegistry) Count(ctx context.Context) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions), nil
}

// Get returns a registered session
func (r *MemoryRegistry) Get(id string) (SessionInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.sessions[id]
	return info, ok
}

func (r *MemoryRegistry) Ping(ctx context.Context) error { return nil }

func (r *MemoryRegistry) Close() error { return nil }

// RedisRegistry stores each session as a hash with a TTL and indexes live IDs
// in a set, so several relay replicas share one view
type RedisRegistry struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisRegistry wraps an existing client
func NewRedisRegistry(client *redis.Client, ttl time.Duration) *RedisRegistry {
	return &RedisRegistry{client: client, ttl: ttl}
}

func sessionKey(id string) string {
	return "session:" + id
}

func (r *RedisRegistry) Register(ctx context.Context, info SessionInfo) error {
	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, sessionKey(info.ID), map[string]interface{}{
		"remote_addr": info.RemoteAddr,
		"started_at":  info.StartedAt.Format(time.RFC3339),
		"status":      "active",
	})
	pipe.SAdd(ctx, activeSessionsKey, info.ID)
	if r.ttl > 0 {
		pipe.Expire(ctx, sessionKey(info.ID), r.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to register session %s: %w", info.ID, err)
	}
	return nil
}

func (r *RedisRegistry) Remove(ctx context.Context, id string) error {
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, sessionKey(id))
	pipe.SRem(ctx, activeSessionsKey, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to remove session %s: %w", id, err)
	}
	return nil
}

func (r *RedisRegistry) Count(ctx context.Context) (int, error) {
	n, err := r.client.SCard(ctx, activeSessionsKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count sessions: %w", err)
	}
	return int(n), nil
}

func (r *RedisRegistry) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisRegistry) Close() error {
	return r.client.Close()
}

// NewRegistry returns a Redis registry when redisURL is set and reachable,
// otherwise an in-memory one
func NewRegistry(ctx context.Context, redisURL string, ttl time.Duration, logger zerolog.Logger) Registry {
	if redisURL == "" {
		return NewMemoryRegistry()
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		logger.Warn().Err(err).Msg("Invalid REDIS_URL, keeping sessions in memory")
		return NewMemoryRegistry()
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn().Err(err).Str("addr", opts.Addr).Msg("Redis unavailable, keeping sessions in memory")
		client.Close()
		return NewMemoryRegistry()
	}

	logger.Info().Str("addr", opts.Addr).Msg("Session registry backed by Redis")
	return NewRedisRegistry(client, ttl)
}
