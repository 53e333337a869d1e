package worker

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ntlabs/hookrelay/internal/metrics"
)

// SchedulerStore is the slice of the delivery store the scheduler needs.
type SchedulerStore interface {
	DueDeliveries(ctx context.Context, limit int) ([]uuid.UUID, error)
}

// Scheduler periodically sweeps the store for due deliveries and re-enqueues
// them: retries whose next_retry_at elapsed, dispatches that missed the
// queue, and attempts orphaned by an expired claim lease.
type Scheduler struct {
	store    SchedulerStore
	queue    *Queue
	interval time.Duration
	batch    int
	logger   *zap.Logger
}

// NewScheduler creates a retry scheduler.
func NewScheduler(store SchedulerStore, queue *Queue, interval time.Duration, batch int, logger *zap.Logger) *Scheduler {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	if batch <= 0 {
		batch = 100
	}
	return &Scheduler{
		store:    store,
		queue:    queue,
		interval: interval,
		batch:    batch,
		logger:   logger,
	}
}

// Start runs the sweep loop until ctx is canceled.
func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopping")
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Scheduler) sweep(ctx context.Context) {
	ids, err := s.store.DueDeliveries(ctx, s.batch)
	if err != nil {
		s.logger.Error("failed to query due deliveries", zap.Error(err))
		return
	}
	if len(ids) == 0 {
		return
	}

	enqueued := 0
	for _, id := range ids {
		if !s.queue.TryEnqueue(id) {
			// Queue full; the rest stays due and is found next tick.
			break
		}
		enqueued++
	}

	metrics.SetQueueDepth(s.queue.Len())
	s.logger.Debug("scheduler sweep",
		zap.Int("due", len(ids)),
		zap.Int("enqueued", enqueued),
	)
}
