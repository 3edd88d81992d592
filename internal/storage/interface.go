package storage

import (
	"context"
	"errors"

	"github.com/sirosfoundation/go-digital-credentials/internal/domain"
)

// Common errors
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrInvalidInput  = errors.New("invalid input")
)

// DefaultListLimit caps List when no limit is given
const DefaultListLimit = 50

// FlowStore defines the interface for flow history storage operations
type FlowStore interface {
	// Create stores the record of a starting flow
	Create(ctx context.Context, record *domain.FlowRecord) error

	// Update replaces the record of a flow
	Update(ctx context.Context, record *domain.FlowRecord) error

	// GetByID retrieves a flow record by flow ID
	GetByID(ctx context.Context, id string) (*domain.FlowRecord, error)

	// List returns the most recently started flows first. A limit <= 0
	// means DefaultListLimit.
	List(ctx context.Context, limit int) ([]*domain.FlowRecord, error)
}

// Store is the root storage interface
type Store interface {
	Flows() FlowStore
	Ping(ctx context.Context) error
	Close() error
}

// Validate checks the fields every stored record needs
func Validate(record *domain.FlowRecord) error {
	if record == nil || record.ID == "" {
		return ErrInvalidInput
	}
	return nil
}

// NormalizeLimit applies DefaultListLimit
func NormalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	return limit
}
