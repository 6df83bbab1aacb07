package lockstore

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore keeps rows in process memory. It backs local dry runs and tests.
type MemoryStore struct {
	mu     sync.RWMutex
	rows   map[string]Record
	closed bool
}

// NewMemoryStore creates a store pre-populated with seed rows.
func NewMemoryStore(seed ...Record) *MemoryStore {
	rows := make(map[string]Record, len(seed))
	for _, record := range seed {
		rows[record.ProviderID] = record
	}
	return &MemoryStore{rows: rows}
}

func (s *MemoryStore) BatchGet(ctx context.Context, ids []string) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, storeError(ErrClosed, "memory store")
	}

	out := make([]Record, 0, len(ids))
	for _, id := range uniqueIDs(ids) {
		if record, ok := s.rows[id]; ok {
			out = append(out, record)
		}
	}
	return out, nil
}

func (s *MemoryStore) BatchPut(ctx context.Context, records []Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateRecords(records); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storeError(ErrClosed, "memory store")
	}
	for _, record := range records {
		s.rows[record.ProviderID] = record
	}
	return nil
}

// ListRecords returns every row ordered by provider id.
func (s *MemoryStore) ListRecords(ctx context.Context) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Record, 0, len(s.rows))
	for _, record := range s.rows {
		out = append(out, record)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProviderID < out[j].ProviderID })
	return out, nil
}

// Get returns the row stored for id.
func (s *MemoryStore) Get(id string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.rows[id]
	return record, ok
}

func (s *MemoryStore) HealthCheck(context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return storeError(ErrClosed, "memory store")
	}
	return nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
