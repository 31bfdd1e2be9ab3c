package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kronk/taskengine/internal/store"
	"github.com/kronk/taskengine/internal/task"
)

// Compile-time interface checks
var (
	_ task.QueueStore     = (*QueueStore)(nil)
	_ task.QueueInspector = (*QueueStore)(nil)
)

// QueueStore implements task.QueueStore on the task_queue table.
type QueueStore struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// NewQueueStore creates a QueueStore.
func NewQueueStore(db *sql.DB, logger *slog.Logger) *QueueStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &QueueStore{
		db:     db,
		logger: logger.With("component", "postgres_queue_store"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the time source used for availability and lease deadlines.
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
	payload := []byte(d.Payload)
	if len(payload) == 0 {
		payload = []byte("{}")
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_queue (id, task_type, payload, principal, enqueued_at, available_at,
			retry_count, max_retries, attempts, state, cancel_requested)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 'pending', FALSE)`,
		id, d.Type, payload, d.Principal, enqueuedAt, availableAt,
		d.RetryCount, d.MaxRetries, d.Attempts,
	)
	if err != nil {
		if IsUniqueViolation(err) {
			return uuid.Nil, fmt.Errorf("%w: duplicate id %s: %w", task.ErrInvalidDescriptor, id, store.ErrTaskExists)
		}
		s.logger.Error("failed to enqueue task",
			"task_id", id,
			"task_type", d.Type,
			"error", err)
		return uuid.Nil, store.NewStoreError("task", "enqueue", "insert failed", MapError(err))
	}
	return id, nil
}

// Claim implements task.QueueStore. SKIP LOCKED lets concurrent claimers pass
// over a row another transaction is leasing.
func (s *QueueStore) Claim(ctx context.Context, workerID string, lease time.Duration) (*task.Descriptor, error) {
	now := s.now()
	row := s.db.QueryRowContext(ctx, `
		WITH next AS (
			SELECT id FROM task_queue
			WHERE state = 'pending' AND available_at <= $2
			ORDER BY available_at, id
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE task_queue q
		SET state = 'leased', lease_owner = $1, lease_deadline = $3, attempts = q.attempts + 1
		FROM next
		WHERE q.id = next.id
		RETURNING q.id, q.task_type, q.payload, q.principal, q.enqueued_at, q.available_at,
			q.retry_count, q.max_retries, q.attempts, q.state, q.lease_owner, q.lease_deadline,
			q.cancel_requested`,
		workerID, now, now.Add(lease),
	)

	d, err := scanDescriptor(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, store.NewStoreError("task", "claim", "lease failed", MapError(err))
	}
	return d, nil
}

// ExtendLease implements task.QueueStore.
func (s *QueueStore) ExtendLease(ctx context.Context, id uuid.UUID, workerID string, d time.Duration) (*task.Lease, error) {
	var lease task.Lease
	err := s.db.QueryRowContext(ctx, `
		UPDATE task_queue SET lease_deadline = $3
		WHERE id = $1 AND state = 'leased' AND lease_owner = $2
		RETURNING lease_deadline, cancel_requested`,
		id, workerID, s.now().Add(d),
	).Scan(&lease.Deadline, &lease.CancelRequested)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, s.leaseError(ctx, id)
	}
	if err != nil {
		return nil, store.NewStoreError("task", "extend lease", "update failed", MapError(err))
	}
	return &lease, nil
}

// Ack implements task.QueueStore.
func (s *QueueStore) Ack(ctx context.Context, id uuid.UUID, workerID string) error {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM task_queue WHERE id = $1 AND state = 'leased' AND lease_owner = $2`,
		id, workerID,
	)
	return s.checkLeased(ctx, "ack", id, result, err)
}

// Nack implements task.QueueStore.
func (s *QueueStore) Nack(ctx context.Context, id uuid.UUID, workerID string, opts task.NackOptions) error {
	if !opts.Requeue {
		result, err := s.db.ExecContext(ctx, `
			DELETE FROM task_queue WHERE id = $1 AND state = 'leased' AND lease_owner = $2`,
			id, workerID,
		)
		return s.checkLeased(ctx, "nack", id, result, err)
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE task_queue
		SET state = 'pending', retry_count = retry_count + 1, available_at = $3,
			lease_owner = NULL, lease_deadline = NULL
		WHERE id = $1 AND state = 'leased' AND lease_owner = $2`,
		id, workerID, s.now().Add(opts.Delay),
	)
	return s.checkLeased(ctx, "nack", id, result, err)
}

// checkLeased converts a lease-guarded write into ErrNotFound or ErrLeaseLost
// when it touched no rows.
func (s *QueueStore) checkLeased(ctx context.Context, op string, id uuid.UUID, result sql.Result, err error) error {
	if err != nil {
		return store.NewStoreError("task", op, "write failed", MapError(err))
	}
	n, err := rowsAffected(result)
	if err != nil {
		return store.NewStoreError("task", op, "write failed", err)
	}
	if n == 0 {
		return s.leaseError(ctx, id)
	}
	return nil
}

// leaseError reports why a lease-guarded operation matched nothing.
func (s *QueueStore) leaseError(ctx context.Context, id uuid.UUID) error {
	var state string
	err := s.db.QueryRowContext(ctx, `SELECT state FROM task_queue WHERE id = $1`, id).Scan(&state)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("%w: %s", task.ErrNotFound, id)
	case err != nil:
		return store.NewStoreError("task", "lookup", "select failed", MapError(err))
	case state == string(task.StateLeased):
		return fmt.Errorf("%w: %s", task.ErrLeaseLost, id)
	default:
		return fmt.Errorf("%w: %s is %s", task.ErrNotFound, id, state)
	}
}

// Cancel implements task.QueueStore. The row is locked so a concurrent claim
// or reclaim cannot change its state between the check and the write.
// Lock conflicts with a concurrent claim are retried a few times.
func (s *QueueStore) Cancel(ctx context.Context, id uuid.UUID) (task.CancelOutcome, error) {
	var (
		outcome task.CancelOutcome
		err     error
	)
	for attempt := 1; attempt <= cancelAttempts; attempt++ {
		outcome, err = s.cancelOnce(ctx, id)
		if err == nil || !IsTransient(err) {
			break
		}
		s.logger.Debug("retrying cancel after transient error", "task_id", id, "attempt", attempt, "error", err)
	}
	if err != nil {
		return 0, err
	}
	return outcome, nil
}

const cancelAttempts = 3

func (s *QueueStore) cancelOnce(ctx context.Context, id uuid.UUID) (task.CancelOutcome, error) {
	var outcome task.CancelOutcome
	err := store.RunInTransaction(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		var state string
		err := tx.QueryRowContext(ctx,
			`SELECT state FROM task_queue WHERE id = $1 FOR UPDATE`, id,
		).Scan(&state)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", task.ErrNotFound, id)
		}
		if err != nil {
			return MapError(err)
		}

		if state == string(task.StatePending) {
			if _, err := tx.ExecContext(ctx, `DELETE FROM task_queue WHERE id = $1`, id); err != nil {
				return MapError(err)
			}
			outcome = task.CancelRemoved
			return nil
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE task_queue SET cancel_requested = TRUE WHERE id = $1`, id,
		); err != nil {
			return MapError(err)
		}
		outcome = task.CancelFlagged
		return nil
	})
	if err != nil {
		return 0, err
	}
	return outcome, nil
}

// ReclaimExpired implements task.QueueStore.
func (s *QueueStore) ReclaimExpired(ctx context.Context, now time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE task_queue
		SET state = 'pending', lease_owner = NULL, lease_deadline = NULL
		WHERE state = 'leased' AND lease_deadline <= $1`,
		now,
	)
	if err != nil {
		return 0, store.NewStoreError("task", "reclaim", "update failed", MapError(err))
	}
	n, err := rowsAffected(result)
	if err != nil {
		return 0, store.NewStoreError("task", "reclaim", "update failed", err)
	}
	return int(n), nil
}

// Stats implements task.QueueInspector.
func (s *QueueStore) Stats(ctx context.Context) (task.QueueStats, error) {
	var stats task.QueueStats
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE state = 'pending'),
			COUNT(*) FILTER (WHERE state = 'leased')
		FROM task_queue`,
	).Scan(&stats.Pending, &stats.Leased)
	if err != nil {
		return task.QueueStats{}, store.NewStoreError("task", "stats", "count failed", MapError(err))
	}
	return stats, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDescriptor(row rowScanner) (*task.Descriptor, error) {
	var (
		d             task.Descriptor
		payload       []byte
		state         string
		leaseOwner    sql.NullString
		leaseDeadline sql.NullTime
	)
	err := row.Scan(
		&d.ID, &d.Type, &payload, &d.Principal, &d.EnqueuedAt, &d.AvailableAt,
		&d.RetryCount, &d.MaxRetries, &d.Attempts, &state, &leaseOwner, &leaseDeadline,
		&d.CancelRequested,
	)
	if err != nil {
		return nil, err
	}
	d.Payload = payload
	d.State = task.State(state)
	d.LeaseOwner = leaseOwner.String
	if leaseDeadline.Valid {
		d.LeaseDeadline = leaseDeadline.Time
	}
	return &d, nil
}
