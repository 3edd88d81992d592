// Package session tracks the active verification session of each request.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/sirosfoundation/go-digital-credentials/internal/domain"
)

var ErrNotFound = errors.New("no active session")

// Registry maps (protocol, requestID) to the most recent verifier session id.
//
// Lookups fall back to the newest session of the protocol when the request
// id has no entry of its own. Entries are last-writer-wins and never
// deleted explicitly: when two flows for the same key run concurrently, the
// later Put wins and a response posted for that key targets the later
// session. Implementations must be safe for concurrent use.
type Registry interface {
	// Put records sessionID as the active session for the key.
	Put(ctx context.Context, protocol domain.Protocol, requestID, sessionID string) error

	// Get returns the session for the key, or the latest session of the
	// protocol. Returns ErrNotFound when the protocol has no session.
	Get(ctx context.Context, protocol domain.Protocol, requestID string) (string, error)

	// Close releases resources.
	Close() error
}

func key(protocol domain.Protocol, requestID string) string {
	return string(protocol) + ":" + requestID
}

type memoryEntry struct {
	protocol  domain.Protocol
	key       string
	sessionID string
	storedAt  time.Time
}

// MemoryRegistry keeps sessions in process memory, ordered by recency.
type MemoryRegistry struct {
	mu      sync.RWMutex
	entries []memoryEntry // oldest first
	ttl     time.Duration
	logger  *zap.Logger
}

// NewMemoryRegistry creates an in-memory registry. A zero ttl keeps entries
// for the lifetime of the process.
func NewMemoryRegistry(ttl time.Duration, logger *zap.Logger) *MemoryRegistry {
	return &MemoryRegistry{
		ttl:    ttl,
		logger: logger.Named("memory_registry"),
	}
}

func (m *MemoryRegistry) Put(ctx context.Context, protocol domain.Protocol, requestID, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := key(protocol, requestID)
	now := time.Now()
	kept := m.entries[:0]
	for _, e := range m.entries {
		if e.key == k || m.expired(e, now) {
			continue
		}
		kept = append(kept, e)
	}
	m.entries = append(kept, memoryEntry{
		protocol:  protocol,
		key:       k,
		sessionID: sessionID,
		storedAt:  now,
	})

	m.logger.Debug("session registered",
		zap.String("protocol", string(protocol)),
		zap.String("request_id", requestID),
		zap.String("session_id", sessionID))
	return nil
}

func (m *MemoryRegistry) Get(ctx context.Context, protocol domain.Protocol, requestID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	k := key(protocol, requestID)
	now := time.Now()
	latest := ""
	for i := len(m.entries) - 1; i >= 0; i-- {
		e := m.entries[i]
		if e.protocol != protocol || m.expired(e, now) {
			continue
		}
		if e.key == k {
			return e.sessionID, nil
		}
		if latest == "" {
			latest = e.sessionID
		}
	}
	if latest == "" {
		return "", ErrNotFound
	}
	return latest, nil
}

// Len returns the number of live entries
func (m *MemoryRegistry) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := time.Now()
	n := 0
	for _, e := range m.entries {
		if !m.expired(e, now) {
			n++
		}
	}
	return n
}

func (m *MemoryRegistry) Close() error {
	return nil
}

func (m *MemoryRegistry) expired(e memoryEntry, now time.Time) bool {
	return m.ttl > 0 && now.Sub(e.storedAt) > m.ttl
}

// RedisRegistry stores sessions in Redis so that several demo backend
// replicas resolve the same session.
type RedisRegistry struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
	logger    *zap.Logger
}

// RedisRegistryConfig configures a Redis registry.
type RedisRegistryConfig struct {
	Address   string
	Password  string
	DB        int
	KeyPrefix string
	TTL       time.Duration
}

// NewRedisRegistry connects to Redis and verifies the connection.
func NewRedisRegistry(cfg *RedisRegistryConfig, logger *zap.Logger) (*RedisRegistry, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "dc:session:"
	}

	ttl := cfg.TTL
	if ttl == 0 {
		ttl = time.Hour
	}

	return &RedisRegistry{
		client:    client,
		keyPrefix: prefix,
		ttl:       ttl,
		logger:    logger.Named("redis_registry"),
	}, nil
}

// Per request keys live under <prefix><protocol>:req: so that no request
// id can collide with the latest key.
func (r *RedisRegistry) sessionKey(protocol domain.Protocol, requestID string) string {
	return r.keyPrefix + string(protocol) + ":req:" + requestID
}

func (r *RedisRegistry) latestKey(protocol domain.Protocol) string {
	return r.keyPrefix + string(protocol) + ":latest"
}

func (r *RedisRegistry) Put(ctx context.Context, protocol domain.Protocol, requestID, sessionID string) error {
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.sessionKey(protocol, requestID), sessionID, r.ttl)
	pipe.Set(ctx, r.latestKey(protocol), sessionID, r.ttl)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store session: %w", err)
	}
	return nil
}

func (r *RedisRegistry) Get(ctx context.Context, protocol domain.Protocol, requestID string) (string, error) {
	sessionID, err := r.client.Get(ctx, r.sessionKey(protocol, requestID)).Result()
	if err == nil {
		return sessionID, nil
	}
	if !errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("failed to read session: %w", err)
	}

	sessionID, err = r.client.Get(ctx, r.latestKey(protocol)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to read latest session: %w", err)
	}
	return sessionID, nil
}

func (r *RedisRegistry) Close() error {
	return r.client.Close()
}
