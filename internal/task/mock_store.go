package task

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockQueueStore implements QueueStore for testing. Every method delegates to
// an in-memory store unless the matching Fn field is set.
type MockQueueStore struct {
	*MemoryQueueStore

	ClaimFn          func(ctx context.Context, workerID string, lease time.Duration) (*Descriptor, error)
	ExtendLeaseFn    func(ctx context.Context, id uuid.UUID, workerID string, d time.Duration) (*Lease, error)
	AckFn            func(ctx context.Context, id uuid.UUID, workerID string) error
	NackFn           func(ctx context.Context, id uuid.UUID, workerID string, opts NackOptions) error
	ReclaimExpiredFn func(ctx context.Context, now time.Time) (int, error)

	mu     sync.Mutex
	claims int
}

// NewMockQueueStore creates a MockQueueStore with default implementations
func NewMockQueueStore() *MockQueueStore {
	return &MockQueueStore{MemoryQueueStore: NewMemoryQueueStore()}
}

// Claim counts calls and delegates.
func (m *MockQueueStore) Claim(ctx context.Context, workerID string, lease time.Duration) (*Descriptor, error) {
	m.mu.Lock()
	m.claims++
	m.mu.Unlock()

	if m.ClaimFn != nil {
		return m.ClaimFn(ctx, workerID, lease)
	}
	return m.MemoryQueueStore.Claim(ctx, workerID, lease)
}

// Claims returns how many times Claim was called.
func (m *MockQueueStore) Claims() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.claims
}

func (m *MockQueueStore) ExtendLease(ctx context.Context, id uuid.UUID, workerID string, d time.Duration) (*Lease, error) {
	if m.ExtendLeaseFn != nil {
		return m.ExtendLeaseFn(ctx, id, workerID, d)
	}
	return m.MemoryQueueStore.ExtendLease(ctx, id, workerID, d)
}

func (m *MockQueueStore) Ack(ctx context.Context, id uuid.UUID, workerID string) error {
	if m.AckFn != nil {
		return m.AckFn(ctx, id, workerID)
	}
	return m.MemoryQueueStore.Ack(ctx, id, workerID)
}

func (m *MockQueueStore) Nack(ctx context.Context, id uuid.UUID, workerID string, opts NackOptions) error {
	if m.NackFn != nil {
		return m.NackFn(ctx, id, workerID, opts)
	}
	return m.MemoryQueueStore.Nack(ctx, id, workerID, opts)
}

func (m *MockQueueStore) ReclaimExpired(ctx context.Context, now time.Time) (int, error) {
	if m.ReclaimExpiredFn != nil {
		return m.ReclaimExpiredFn(ctx, now)
	}
	return m.MemoryQueueStore.ReclaimExpired(ctx, now)
}

// MockResultStore implements ResultStore for testing and keeps every write.
type MockResultStore struct {
	*MemoryResultStore

	RecordFn func(ctx context.Context, rec ResultRecord) error
	PurgeFn  func(ctx context.Context, olderThan time.Time) (int, error)

	mu      sync.Mutex
	history []ResultRecord
}

// NewMockResultStore creates a MockResultStore with default implementations
func NewMockResultStore() *MockResultStore {
	return &MockResultStore{MemoryResultStore: NewMemoryResultStore()}
}

func (m *MockResultStore) Record(ctx context.Context, rec ResultRecord) error {
	m.mu.Lock()
	m.history = append(m.history, rec)
	m.mu.Unlock()

	if m.RecordFn != nil {
		return m.RecordFn(ctx, rec)
	}
	return m.MemoryResultStore.Record(ctx, rec)
}

func (m *MockResultStore) Purge(ctx context.Context, olderThan time.Time) (int, error) {
	if m.PurgeFn != nil {
		return m.PurgeFn(ctx, olderThan)
	}
	return m.MemoryResultStore.Purge(ctx, olderThan)
}

// History returns the states written for id, in order.
func (m *MockResultStore) History(id uuid.UUID) []State {
	m.mu.Lock()
	defer m.mu.Unlock()

	var states []State
	for _, rec := range m.history {
		if rec.TaskID == id {
			states = append(states, rec.State)
		}
	}
	return states
}
