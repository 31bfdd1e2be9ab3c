package task

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Enqueuer submits tasks. Engine satisfies it.
type Enqueuer interface {
	Enqueue(ctx context.Context, taskType string, payload any, principal string) (uuid.UUID, error)
}

// SystemPrincipal owns tasks the engine schedules for itself.
const SystemPrincipal = "system"

// Schedule enqueues TaskType every Interval.
type Schedule struct {
	TaskType   string
	Payload    any
	Principal  string
	Interval   time.Duration
	RunOnStart bool
}

// Scheduler enqueues recurring tasks on fixed intervals.
type Scheduler struct {
	enqueuer  Enqueuer
	schedules []Schedule
	logger    *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a scheduler with no schedules.
func NewScheduler(enqueuer Enqueuer, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		enqueuer: enqueuer,
		logger:   logger.With("component", "task_scheduler"),
	}
}

// Add registers a schedule. It must be called before Start.
func (s *Scheduler) Add(schedule Schedule) error {
	if schedule.TaskType == "" {
		return fmt.Errorf("schedule: task type is required")
	}
	if schedule.Interval <= 0 {
		return fmt.Errorf("schedule %s: interval must be positive", schedule.TaskType)
	}
	if schedule.Principal == "" {
		schedule.Principal = SystemPrincipal
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return fmt.Errorf("schedule %s: scheduler already started", schedule.TaskType)
	}
	s.schedules = append(s.schedules, schedule)
	return nil
}

// Start launches one ticker per schedule.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	for _, schedule := range s.schedules {
		s.wg.Add(1)
		go s.run(loopCtx, schedule)
	}
}

// Stop ends all schedules and waits for them.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		s.wg.Wait()
	}
}

func (s *Scheduler) run(ctx context.Context, schedule Schedule) {
	defer s.wg.Done()

	logger := s.logger.With("task_type", schedule.TaskType, "interval", schedule.Interval)
	logger.Info("schedule started")

	if schedule.RunOnStart {
		s.fire(ctx, schedule, logger)
	}

	ticker := time.NewTicker(schedule.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.fire(ctx, schedule, logger)
		}
	}
}

func (s *Scheduler) fire(ctx context.Context, schedule Schedule, logger *slog.Logger) {
	id, err := s.enqueuer.Enqueue(ctx, schedule.TaskType, schedule.Payload, schedule.Principal)
	if err != nil {
		if ctx.Err() == nil {
			logger.Error("failed to enqueue scheduled task", "error", err)
		}
		return
	}
	logger.Debug("scheduled task enqueued", "task_id", id)
}
