package task

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kronk/taskengine/internal/metrics"
)

// purgeEvery is the minimum spacing between result purges.
const purgeEvery = time.Minute

// Reaper periodically returns expired leases to pending and purges old
// terminal results.
type Reaper struct {
	queue     QueueStore
	results   ResultStore
	interval  time.Duration
	resultTTL time.Duration
	logger    *slog.Logger

	mu        sync.Mutex
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	lastPurge time.Time
}

// NewReaper creates a reaper scanning every interval. A zero resultTTL disables purging.
func NewReaper(queue QueueStore, results ResultStore, interval, resultTTL time.Duration, logger *slog.Logger) *Reaper {
	return &Reaper{
		queue:     queue,
		results:   results,
		interval:  interval,
		resultTTL: resultTTL,
		logger:    logger.With("component", "lease_reaper"),
	}
}

// Start runs the scan loop until ctx is cancelled or Stop is called.
func (r *Reaper) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cancel != nil {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		r.logger.Info("started lease reaper", "scan_interval", r.interval)
		for {
			select {
			case <-loopCtx.Done():
				r.logger.Info("lease reaper stopped")
				return
			case now := <-ticker.C:
				r.Sweep(loopCtx, now)
			}
		}
	}()
}

// Stop ends the scan loop and waits for it to exit.
func (r *Reaper) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	r.cancel = nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
		r.wg.Wait()
	}
}

// Sweep runs one reclaim pass and, at most once per minute, a purge pass.
// It returns the number of reclaimed leases.
func (r *Reaper) Sweep(ctx context.Context, now time.Time) int {
	reclaimed, err := r.queue.ReclaimExpired(ctx, now)
	if err != nil {
		if ctx.Err() == nil {
			metrics.QueueStoreErrorsTotal.WithLabelValues("reclaim").Inc()
			r.logger.Error("failed to reclaim expired leases", "error", err)
		}
	} else if reclaimed > 0 {
		metrics.LeasesReclaimedTotal.Add(float64(reclaimed))
		r.logger.Warn("reclaimed expired leases", "count", reclaimed)
	}

	if r.resultTTL > 0 && now.Sub(r.lastPurge) >= purgeEvery {
		r.lastPurge = now
		purged, err := r.results.Purge(ctx, now.Add(-r.resultTTL))
		if err != nil {
			if ctx.Err() == nil {
				r.logger.Error("failed to purge results", "error", err)
			}
		} else if purged > 0 {
			r.logger.Info("purged expired results", "count", purged)
		}
	}
	return reclaimed
}
