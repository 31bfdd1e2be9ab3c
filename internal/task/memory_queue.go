package task

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryQueueStore is an in-process QueueStore guarded by a single mutex.
// It is suitable for tests and single-process deployments; nothing survives
// a restart.
type MemoryQueueStore struct {
	mu    sync.Mutex
	tasks map[uuid.UUID]*Descriptor
	now   func() time.Time
}

// NewMemoryQueueStore creates an empty store.
func NewMemoryQueueStore() *MemoryQueueStore {
	return &MemoryQueueStore{
		tasks: make(map[uuid.UUID]*Descriptor),
		now:   time.Now,
	}
}

// SetClock replaces the time source.
func (s *MemoryQueueStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

// Enqueue implements QueueStore.
func (s *MemoryQueueStore) Enqueue(ctx context.Context, d *Descriptor) (uuid.UUID, error) {
	if err := d.Validate(); err != nil {
		return uuid.Nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored := d.Clone()
	if stored.ID == uuid.Nil {
		id, err := uuid.NewV7()
		if err != nil {
			return uuid.Nil, fmt.Errorf("generate task id: %w", err)
		}
		stored.ID = id
	}
	if _, exists := s.tasks[stored.ID]; exists {
		return uuid.Nil, fmt.Errorf("%w: duplicate id %s", ErrInvalidDescriptor, stored.ID)
	}

	now := s.now()
	if stored.EnqueuedAt.IsZero() {
		stored.EnqueuedAt = now
	}
	if stored.AvailableAt.IsZero() {
		stored.AvailableAt = stored.EnqueuedAt
	}
	stored.State = StatePending
	stored.LeaseOwner = ""
	stored.LeaseDeadline = time.Time{}
	stored.CancelRequested = false

	s.tasks[stored.ID] = stored
	return stored.ID, nil
}

// Claim implements QueueStore.
func (s *MemoryQueueStore) Claim(ctx context.Context, workerID string, lease time.Duration) (*Descriptor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var next *Descriptor
	for _, d := range s.tasks {
		if d.State != StatePending || d.AvailableAt.After(now) {
			continue
		}
		if next == nil || claimsBefore(d, next) {
			next = d
		}
	}
	if next == nil {
		return nil, nil
	}

	next.State = StateLeased
	next.LeaseOwner = workerID
	next.LeaseDeadline = now.Add(lease)
	next.Attempts++
	return next.Clone(), nil
}

// claimsBefore orders by availability, then by id.
func claimsBefore(a, b *Descriptor) bool {
	if !a.AvailableAt.Equal(b.AvailableAt) {
		return a.AvailableAt.Before(b.AvailableAt)
	}
	return bytes.Compare(a.ID[:], b.ID[:]) < 0
}

// leased returns the task only if workerID holds its lease. Caller holds mu.
func (s *MemoryQueueStore) leased(id uuid.UUID, workerID string) (*Descriptor, error) {
	d, ok := s.tasks[id]
	if !ok || d.State != StateLeased {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if d.LeaseOwner != workerID {
		return nil, fmt.Errorf("%w: %s", ErrLeaseLost, id)
	}
	return d, nil
}

// ExtendLease implements QueueStore.
func (s *MemoryQueueStore) ExtendLease(ctx context.Context, id uuid.UUID, workerID string, d time.Duration) (*Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.leased(id, workerID)
	if err != nil {
		return nil, err
	}
	t.LeaseDeadline = s.now().Add(d)
	return &Lease{Deadline: t.LeaseDeadline, CancelRequested: t.CancelRequested}, nil
}

// Ack implements QueueStore.
func (s *MemoryQueueStore) Ack(ctx context.Context, id uuid.UUID, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.leased(id, workerID); err != nil {
		return err
	}
	delete(s.tasks, id)
	return nil
}

// Nack implements QueueStore.
func (s *MemoryQueueStore) Nack(ctx context.Context, id uuid.UUID, workerID string, opts NackOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.leased(id, workerID)
	if err != nil {
		return err
	}
	if !opts.Requeue {
		delete(s.tasks, id)
		return nil
	}

	t.State = StatePending
	t.RetryCount++
	t.AvailableAt = s.now().Add(opts.Delay)
	t.LeaseOwner = ""
	t.LeaseDeadline = time.Time{}
	return nil
}

// Cancel implements QueueStore.
func (s *MemoryQueueStore) Cancel(ctx context.Context, id uuid.UUID) (CancelOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if t.State == StatePending {
		delete(s.tasks, id)
		return CancelRemoved, nil
	}
	t.CancelRequested = true
	return CancelFlagged, nil
}

// ReclaimExpired implements QueueStore.
func (s *MemoryQueueStore) ReclaimExpired(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	reclaimed := 0
	for _, t := range s.tasks {
		if t.State != StateLeased || t.LeaseDeadline.After(now) {
			continue
		}
		t.State = StatePending
		t.LeaseOwner = ""
		t.LeaseDeadline = time.Time{}
		reclaimed++
	}
	return reclaimed, nil
}

// Stats implements QueueInspector.
func (s *MemoryQueueStore) Stats(ctx context.Context) (QueueStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stats QueueStats
	for _, t := range s.tasks {
		switch t.State {
		case StatePending:
			stats.Pending++
		case StateLeased:
			stats.Leased++
		}
	}
	return stats, nil
}

// Get returns a copy of the queued task, for tests and diagnostics.
func (s *MemoryQueueStore) Get(id uuid.UUID) (*Descriptor, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, false
	}
	return t.Clone(), true
}
