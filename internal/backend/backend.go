package backend

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/sirosfoundation/go-digital-credentials/internal/session"
	"github.com/sirosfoundation/go-digital-credentials/internal/storage"
	"github.com/sirosfoundation/go-digital-credentials/internal/storage/memory"
	"github.com/sirosfoundation/go-digital-credentials/internal/storage/mongodb"
	"github.com/sirosfoundation/go-digital-credentials/pkg/config"
)

// Type defines the type of storage backend
type Type string

const (
	// TypeMemory uses in-memory storage (for testing/development)
	TypeMemory Type = "memory"
	// TypeMongoDB uses MongoDB storage (for production)
	TypeMongoDB Type = "mongodb"
	// TypeRedis is only valid for the session registry
	TypeRedis Type = "redis"
)

// Backend wraps storage stores with a common interface for lifecycle management
type Backend interface {
	// Flows returns the flow history store
	Flows() storage.FlowStore
	// Ping checks if the storage is alive
	Ping(ctx context.Context) error
	// Close closes the storage connection
	Close() error
}

// New creates a storage backend based on the configuration
func New(ctx context.Context, cfg *config.Config) (Backend, error) {
	storageType := Type(cfg.Storage.Type)

	switch storageType {
	case TypeMemory, "":
		// Default to memory if not specified
		return memory.NewStore(), nil

	case TypeMongoDB:
		store, err := mongodb.NewStore(ctx, &cfg.Storage.MongoDB)
		if err != nil {
			return nil, fmt.Errorf("failed to create MongoDB backend: %w", err)
		}
		return store, nil

	default:
		return nil, fmt.Errorf("unsupported storage type: %s", storageType)
	}
}

// NewRegistry creates the session registry selected by the configuration
func NewRegistry(cfg *config.Config, logger *zap.Logger) (session.Registry, error) {
	ttl := time.Duration(cfg.SessionRegistry.TTLMinutes) * time.Minute

	switch Type(cfg.SessionRegistry.Type) {
	case TypeMemory, "":
		return session.NewMemoryRegistry(ttl, logger), nil

	case TypeRedis:
		r := cfg.SessionRegistry.Redis
		registry, err := session.NewRedisRegistry(&session.RedisRegistryConfig{
			Address:   r.Address,
			Password:  r.Password,
			DB:        r.DB,
			KeyPrefix: r.KeyPrefix,
			TTL:       ttl,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create redis session registry: %w", err)
		}
		return registry, nil

	default:
		return nil, fmt.Errorf("unsupported session registry type: %s", cfg.SessionRegistry.Type)
	}
}
