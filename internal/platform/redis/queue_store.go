package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/kronk/taskengine/internal/task"
)

// Compile-time interface checks
var (
	_ task.QueueStore     = (*QueueStore)(nil)
	_ task.QueueInspector = (*QueueStore)(nil)
)

// QueueStore implements task.QueueStore with Lua scripts over Redis hashes
// and sorted sets.
type QueueStore struct {
	rdb    goredis.UniversalClient
	keys   keys
	logger *slog.Logger
	now    func() time.Time
}

// NewQueueStore creates a QueueStore whose keys start with prefix.
func NewQueueStore(rdb goredis.UniversalClient, prefix string, logger *slog.Logger) *QueueStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &QueueStore{
		rdb:    rdb,
		keys:   newKeys(prefix),
		logger: logger.With("component", "redis_queue_store"),
		now:    time.Now,
	}
}

// SetClock replaces the time source.
func (s *QueueStore) SetClock(now func() time.Time) {
	s.now = now
}

// Enqueue implements task.QueueStore.
func (s *QueueStore) Enqueue(ctx context.Context, d *task.Descriptor) (uuid.UUID, error) {
	if err := d.Validate(); err != nil {
		return uuid.Nil, err
	}

	id := d.ID
	if id == uuid.Nil {
		var err error
		if id, err = uuid.NewV7(); err != nil {
			return uuid.Nil, fmt.Errorf("generate task id: %w", err)
		}
	}

	enqueuedAt := d.EnqueuedAt
	if enqueuedAt.IsZero() {
		enqueuedAt = s.now()
	}
	availableAt := d.AvailableAt
	if availableAt.IsZero() {
		availableAt = enqueuedAt
	}
	payload := string(d.Payload)
	if payload == "" {
		payload = "{}"
	}

	available := millis(availableAt)
	args := []any{
		id.String(), available,
		"id", id.String(),
		"type", d.Type,
		"payload", payload,
		"principal", d.Principal,
		"enqueued_at", millis(enqueuedAt),
		"available_at", available,
		"retry_count", d.RetryCount,
		"max_retries", d.MaxRetries,
		"attempts", d.Attempts,
		"state", string(task.StatePending),
		"lease_owner", "",
		"lease_deadline", 0,
		"cancel_requested", 0,
	}

	added, err := enqueueScript.Run(ctx, s.rdb,
		[]string{s.keys.task(id.String()), s.keys.ready()}, args...).Int()
	if err != nil {
		s.logger.Error("failed to enqueue task",
			"task_id", id,
			"task_type", d.Type,
			"error", err)
		return uuid.Nil, fmt.Errorf("enqueue task %s: %w", id, err)
	}
	if added == 0 {
		return uuid.Nil, fmt.Errorf("%w: duplicate id %s", task.ErrInvalidDescriptor, id)
	}
	return id, nil
}

// Claim implements task.QueueStore.
func (s *QueueStore) Claim(ctx context.Context, workerID string, lease time.Duration) (*task.Descriptor, error) {
	now := s.now()
	fields, err := claimScript.Run(ctx, s.rdb,
		[]string{s.keys.ready(), s.keys.leased()},
		millis(now), workerID, millis(now.Add(lease)), s.keys.taskPrefix(),
	).StringSlice()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim task: %w", err)
	}
	return parseDescriptor(fields)
}

// ExtendLease implements task.QueueStore.
func (s *QueueStore) ExtendLease(ctx context.Context, id uuid.UUID, workerID string, d time.Duration) (*task.Lease, error) {
	deadline := s.now().Add(d)
	code, err := extendScript.Run(ctx, s.rdb,
		[]string{s.keys.task(id.String()), s.keys.leased()},
		workerID, id.String(), millis(deadline),
	).Int()
	if err != nil {
		return nil, fmt.Errorf("extend lease %s: %w", id, err)
	}
	if err := leaseResult(id, code); err != nil {
		return nil, err
	}
	return &task.Lease{
		Deadline:        time.UnixMilli(millis(deadline)),
		CancelRequested: code == 2,
	}, nil
}

// Ack implements task.QueueStore.
func (s *QueueStore) Ack(ctx context.Context, id uuid.UUID, workerID string) error {
	code, err := ackScript.Run(ctx, s.rdb,
		[]string{s.keys.task(id.String()), s.keys.leased()},
		workerID, id.String(),
	).Int()
	if err != nil {
		return fmt.Errorf("ack task %s: %w", id, err)
	}
	return leaseResult(id, code)
}

// Nack implements task.QueueStore.
func (s *QueueStore) Nack(ctx context.Context, id uuid.UUID, workerID string, opts task.NackOptions) error {
	requeue := "0"
	if opts.Requeue {
		requeue = "1"
	}
	code, err := nackScript.Run(ctx, s.rdb,
		[]string{s.keys.task(id.String()), s.keys.leased(), s.keys.ready()},
		workerID, id.String(), requeue, millis(s.now().Add(opts.Delay)),
	).Int()
	if err != nil {
		return fmt.Errorf("nack task %s: %w", id, err)
	}
	return leaseResult(id, code)
}

// Cancel implements task.QueueStore.
func (s *QueueStore) Cancel(ctx context.Context, id uuid.UUID) (task.CancelOutcome, error) {
	code, err := cancelScript.Run(ctx, s.rdb,
		[]string{s.keys.task(id.String()), s.keys.ready()},
		id.String(),
	).Int()
	if err != nil {
		return 0, fmt.Errorf("cancel task %s: %w", id, err)
	}
	switch code {
	case 1:
		return task.CancelRemoved, nil
	case 2:
		return task.CancelFlagged, nil
	default:
		return 0, fmt.Errorf("%w: %s", task.ErrNotFound, id)
	}
}

// ReclaimExpired implements task.QueueStore.
func (s *QueueStore) ReclaimExpired(ctx context.Context, now time.Time) (int, error) {
	n, err := reclaimScript.Run(ctx, s.rdb,
		[]string{s.keys.leased(), s.keys.ready()},
		millis(now), s.keys.taskPrefix(),
	).Int()
	if err != nil {
		return 0, fmt.Errorf("reclaim expired leases: %w", err)
	}
	return n, nil
}

// Stats implements task.QueueInspector.
func (s *QueueStore) Stats(ctx context.Context) (task.QueueStats, error) {
	var pending, leased *goredis.IntCmd
	_, err := s.rdb.Pipelined(ctx, func(p goredis.Pipeliner) error {
		pending = p.ZCard(ctx, s.keys.ready())
		leased = p.ZCard(ctx, s.keys.leased())
		return nil
	})
	if err != nil {
		return task.QueueStats{}, fmt.Errorf("queue stats: %w", err)
	}
	return task.QueueStats{
		Pending: int(pending.Val()),
		Leased:  int(leased.Val()),
	}, nil
}

func leaseResult(id uuid.UUID, code int) error {
	switch code {
	case -1:
		return fmt.Errorf("%w: %s", task.ErrNotFound, id)
	case -2:
		return fmt.Errorf("%w: %s", task.ErrLeaseLost, id)
	default:
		return nil
	}
}

func millis(t time.Time) int64 {
	return t.UnixMilli()
}

// parseDescriptor decodes an HGETALL reply.
func parseDescriptor(fields []string) (*task.Descriptor, error) {
	if len(fields)%2 != 0 {
		return nil, fmt.Errorf("malformed task hash: %d fields", len(fields))
	}
	h := make(map[string]string, len(fields)/2)
	for i := 0; i < len(fields); i += 2 {
		h[fields[i]] = fields[i+1]
	}

	id, err := uuid.Parse(h["id"])
	if err != nil {
		return nil, fmt.Errorf("malformed task id %q: %w", h["id"], err)
	}

	d := &task.Descriptor{
		ID:              id,
		Type:            h["type"],
		Payload:         []byte(h["payload"]),
		Principal:       h["principal"],
		State:           task.State(h["state"]),
		LeaseOwner:      h["lease_owner"],
		CancelRequested: h["cancel_requested"] == "1",
	}

	ints := []struct {
		field string
		dst   *int
	}{
		{"retry_count", &d.RetryCount},
		{"max_retries", &d.MaxRetries},
		{"attempts", &d.Attempts},
	}
	for _, f := range ints {
		if *f.dst, err = strconv.Atoi(h[f.field]); err != nil {
			return nil, fmt.Errorf("malformed task field %s: %w", f.field, err)
		}
	}

	times := []struct {
		field string
		dst   *time.Time
	}{
		{"enqueued_at", &d.EnqueuedAt},
		{"available_at", &d.AvailableAt},
		{"lease_deadline", &d.LeaseDeadline},
	}
	for _, f := range times {
		ms, err := strconv.ParseInt(h[f.field], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed task field %s: %w", f.field, err)
		}
		if ms > 0 {
			*f.dst = time.UnixMilli(ms)
		}
	}
	return d, nil
}
