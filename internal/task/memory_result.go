package task

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryResultStore is an in-process ResultStore.
type MemoryResultStore struct {
	mu      sync.RWMutex
	records map[uuid.UUID]ResultRecord
	now     func() time.Time
}

// NewMemoryResultStore creates an empty store.
func NewMemoryResultStore() *MemoryResultStore {
	return &MemoryResultStore{
		records: make(map[uuid.UUID]ResultRecord),
		now:     time.Now,
	}
}

// Record implements ResultStore.
func (s *MemoryResultStore) Record(ctx context.Context, rec ResultRecord) error {
	if !rec.State.Valid() {
		return fmt.Errorf("record result %s: invalid state %q", rec.TaskID, rec.State)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.records[rec.TaskID]; ok && existing.State.IsTerminal() {
		return fmt.Errorf("%w: %s is %s", ErrResultFinal, rec.TaskID, existing.State)
	}

	s.records[rec.TaskID] = rec.Stamp(s.now())
	return nil
}

// Stamp fills missing timestamps and detaches the output buffer.
// CompletedAt is set for terminal states.
func (rec ResultRecord) Stamp(now time.Time) ResultRecord {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = now
	}
	if rec.State.IsTerminal() && rec.CompletedAt == nil {
		completed := rec.UpdatedAt
		rec.CompletedAt = &completed
	}
	if rec.Output != nil {
		rec.Output = append(json.RawMessage(nil), rec.Output...)
	}
	return rec
}

// Get implements ResultStore.
func (s *MemoryResultStore) Get(ctx context.Context, id uuid.UUID) (*ResultRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

// Purge implements ResultStore.
func (s *MemoryResultStore) Purge(ctx context.Context, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	purged := 0
	for id, rec := range s.records {
		if rec.CompletedAt != nil && rec.CompletedAt.Before(olderThan) {
			delete(s.records, id)
			purged++
		}
	}
	return purged, nil
}
