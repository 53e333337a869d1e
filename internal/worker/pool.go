package worker

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Pool runs a fixed number of workers over the queue. Parallelism is across
// deliveries only; within one delivery the claim lease keeps attempts
// strictly sequential.
type Pool struct {
	queue    *Queue
	executor *Executor
	workers  int
	logger   *zap.Logger
}

// NewPool creates a worker pool.
func NewPool(queue *Queue, executor *Executor, workers int, logger *zap.Logger) *Pool {
	if workers <= 0 {
		workers = 4
	}
	return &Pool{
		queue:    queue,
		executor: executor,
		workers:  workers,
		logger:   logger,
	}
}

// Start runs the workers until ctx is canceled. An in-flight attempt is cut
// off by its own timeout; its claim lease expiring makes an abrupt stop
// recoverable without a shutdown handshake.
func (p *Pool) Start(ctx context.Context) {
	p.logger.Info("worker pool starting", zap.Int("workers", p.workers))

	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case id := <-p.queue.C():
					p.executor.Attempt(ctx, id)
				}
			}
		}(i)
	}

	wg.Wait()
	p.logger.Info("worker pool stopped")
}
