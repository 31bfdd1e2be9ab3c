package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/kronk/taskengine/internal/task"
)

var _ task.ResultStore = (*ResultStore)(nil)

// ResultStore implements task.ResultStore with one hash per task holding the
// state and the JSON-encoded record. Terminal records expire after ttl.
type ResultStore struct {
	rdb    goredis.UniversalClient
	keys   keys
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time
}

// NewResultStore creates a ResultStore. A ttl of zero keeps terminal records
// forever.
func NewResultStore(rdb goredis.UniversalClient, prefix string, ttl time.Duration, logger *slog.Logger) *ResultStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &ResultStore{
		rdb:    rdb,
		keys:   newKeys(prefix),
		ttl:    ttl,
		logger: logger.With("component", "redis_result_store"),
		now:    time.Now,
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

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode result %s: %w", rec.TaskID, err)
	}

	written, err := recordScript.Run(ctx, s.rdb,
		[]string{s.keys.result(rec.TaskID.String())},
		string(rec.State), data, s.ttl.Milliseconds(),
	).Int()
	if err != nil {
		s.logger.Error("failed to record task result",
			"task_id", rec.TaskID,
			"state", rec.State,
			"error", err)
		return fmt.Errorf("record result %s: %w", rec.TaskID, err)
	}
	if written == 0 {
		return fmt.Errorf("%w: %s", task.ErrResultFinal, rec.TaskID)
	}
	return nil
}

// Get implements task.ResultStore.
func (s *ResultStore) Get(ctx context.Context, id uuid.UUID) (*task.ResultRecord, error) {
	data, err := s.rdb.HGet(ctx, s.keys.result(id.String()), "data").Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get result %s: %w", id, err)
	}

	var rec task.ResultRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode result %s: %w", id, err)
	}
	return &rec, nil
}

// Purge implements task.ResultStore. Redis expires terminal records on its
// own, so there is nothing left to delete.
func (s *ResultStore) Purge(ctx context.Context, olderThan time.Time) (int, error) {
	return 0, nil
}
