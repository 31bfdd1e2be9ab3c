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

var _ task.ResultStore = (*ResultStore)(nil)

// ResultStore implements task.ResultStore on the task_results table.
// Terminal rows are never overwritten: the upsert's WHERE clause skips them
// and the zero row count is reported as task.ErrResultFinal.
type ResultStore struct {
	db     store.DBTX
	logger *slog.Logger
	now    func() time.Time
}

// NewResultStore creates a ResultStore.
func NewResultStore(db store.DBTX, logger *slog.Logger) *ResultStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &ResultStore{
		db:     db,
		logger: logger.With("component", "postgres_result_store"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the time source used to stamp records.
func (s *ResultStore) SetClock(now func() time.Time) {
	s.now = now
}

// Record implements task.ResultStore.
func (s *ResultStore) Record(ctx context.Context, rec task.ResultRecord) error {
	if !rec.State.Valid() {
		return fmt.Errorf("record result %s: invalid state %q", rec.TaskID, rec.State)
	}
	rec = rec.Stamp(s.now())

	var output []byte
	if len(rec.Output) > 0 {
		output = rec.Output
	}
	var errKind, errMessage sql.NullString
	if rec.Error != nil {
		errKind = sql.NullString{String: rec.Error.Kind, Valid: true}
		errMessage = sql.NullString{String: rec.Error.Message, Valid: true}
	}
	var completedAt sql.NullTime
	if rec.CompletedAt != nil {
		completedAt = sql.NullTime{Time: *rec.CompletedAt, Valid: true}
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO task_results (task_id, task_type, principal, state, output,
			error_kind, error_message, retry_count, attempts, updated_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (task_id) DO UPDATE SET
			task_type = EXCLUDED.task_type,
			principal = EXCLUDED.principal,
			state = EXCLUDED.state,
			output = EXCLUDED.output,
			error_kind = EXCLUDED.error_kind,
			error_message = EXCLUDED.error_message,
			retry_count = EXCLUDED.retry_count,
			attempts = EXCLUDED.attempts,
			updated_at = EXCLUDED.updated_at,
			completed_at = EXCLUDED.completed_at
		WHERE task_results.state NOT IN ('succeeded', 'abandoned', 'cancelled')`,
		rec.TaskID, rec.TaskType, rec.Principal, string(rec.State), output,
		errKind, errMessage, rec.RetryCount, rec.Attempts, rec.UpdatedAt, completedAt,
	)
	if err != nil {
		s.logger.Error("failed to record task result",
			"task_id", rec.TaskID,
			"state", rec.State,
			"error", err)
		return store.NewStoreError("task result", "record", "upsert failed", MapError(err))
	}

	n, err := rowsAffected(result)
	if err != nil {
		return store.NewStoreError("task result", "record", "upsert failed", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", task.ErrResultFinal, rec.TaskID)
	}
	return nil
}

// Get implements task.ResultStore.
func (s *ResultStore) Get(ctx context.Context, id uuid.UUID) (*task.ResultRecord, error) {
	var (
		rec         task.ResultRecord
		state       string
		output      []byte
		errKind     sql.NullString
		errMessage  sql.NullString
		completedAt sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT task_id, task_type, principal, state, output, error_kind, error_message,
			retry_count, attempts, updated_at, completed_at
		FROM task_results WHERE task_id = $1`,
		id,
	).Scan(
		&rec.TaskID, &rec.TaskType, &rec.Principal, &state, &output, &errKind, &errMessage,
		&rec.RetryCount, &rec.Attempts, &rec.UpdatedAt, &completedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, store.NewStoreError("task result", "get", "select failed", MapError(err))
	}

	rec.State = task.State(state)
	if len(output) > 0 {
		rec.Output = output
	}
	if errKind.Valid {
		rec.Error = &task.TaskError{Kind: errKind.String, Message: errMessage.String}
	}
	if completedAt.Valid {
		t := completedAt.Time
		rec.CompletedAt = &t
	}
	return &rec, nil
}

// Purge implements task.ResultStore.
func (s *ResultStore) Purge(ctx context.Context, olderThan time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM task_results
		WHERE completed_at IS NOT NULL AND completed_at < $1`,
		olderThan,
	)
	if err != nil {
		return 0, store.NewStoreError("task result", "purge", "delete failed", MapError(err))
	}
	n, err := rowsAffected(result)
	if err != nil {
		return 0, store.NewStoreError("task result", "purge", "delete failed", err)
	}
	return int(n), nil
}
