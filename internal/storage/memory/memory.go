package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/sirosfoundation/go-digital-credentials/internal/domain"
	"github.com/sirosfoundation/go-digital-credentials/internal/storage"
)

// Store implements an in-memory storage
type Store struct {
	flows *FlowStore
}

// NewStore creates a new in-memory store
func NewStore() *Store {
	return &Store{
		flows: &FlowStore{data: make(map[string]*domain.FlowRecord)},
	}
}

func (s *Store) Flows() storage.FlowStore       { return s.flows }
func (s *Store) Close() error                   { return nil }
func (s *Store) Ping(ctx context.Context) error { return nil }

// FlowStore implements in-memory flow history storage
type FlowStore struct {
	mu   sync.RWMutex
	data map[string]*domain.FlowRecord
}

func (s *FlowStore) Create(ctx context.Context, record *domain.FlowRecord) error {
	if err := storage.Validate(record); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data[record.ID]; exists {
		return storage.ErrAlreadyExists
	}
	s.data[record.ID] = copyRecord(record)
	return nil
}

func (s *FlowStore) Update(ctx context.Context, record *domain.FlowRecord) error {
	if err := storage.Validate(record); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data[record.ID]; !exists {
		return storage.ErrNotFound
	}
	s.data[record.ID] = copyRecord(record)
	return nil
}

func (s *FlowStore) GetByID(ctx context.Context, id string) (*domain.FlowRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, exists := s.data[id]
	if !exists {
		return nil, storage.ErrNotFound
	}
	return copyRecord(record), nil
}

func (s *FlowStore) List(ctx context.Context, limit int) ([]*domain.FlowRecord, error) {
	s.mu.RLock()
	records := make([]*domain.FlowRecord, 0, len(s.data))
	for _, record := range s.data {
		records = append(records, copyRecord(record))
	}
	s.mu.RUnlock()

	sort.Slice(records, func(i, j int) bool {
		if records[i].StartedAt.Equal(records[j].StartedAt) {
			return records[i].ID < records[j].ID
		}
		return records[i].StartedAt.After(records[j].StartedAt)
	})

	if limit = storage.NormalizeLimit(limit); len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

// copyRecord keeps callers from mutating stored records
func copyRecord(record *domain.FlowRecord) *domain.FlowRecord {
	cp := *record
	if record.Result != nil {
		cp.Result = append([]byte(nil), record.Result...)
	}
	if record.FinishedAt != nil {
		t := *record.FinishedAt
		cp.FinishedAt = &t
	}
	return &cp
}
