package executor

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// pool runs executions on a fixed number of workers
type pool struct {
	size    int
	tasks   chan *execution
	run     func(ctx context.Context, ex *execution)
	discard func(ex *execution)
	logger  *zap.Logger

	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
}

func newPool(size, queueSize int, run func(context.Context, *execution), discard func(*execution), logger *zap.Logger) *pool {
	return &pool{
		size:    size,
		tasks:   make(chan *execution, queueSize),
		run:     run,
		discard: discard,
		logger:  logger,
	}
}

// start starts the workers
func (p *pool) start(ctx context.Context) {
	for i := 0; i < p.size; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
}

// trySubmit enqueues without blocking and reports whether there was room
func (p *pool) trySubmit(ex *execution) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	select {
	case p.tasks <- ex:
		return true
	default:
		return false
	}
}

// stop closes the queue and waits for the workers. Executions still queued
// when the workers exit, or when ctx expires first, are handed to discard.
func (p *pool) stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.tasks)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		p.logger.Warn("Workers still busy at shutdown, discarding queued tasks")
		err = ctx.Err()
	}

	// The queue is closed, so this ends once it is empty. Busy workers may
	// still take items concurrently; each execution goes to exactly one side.
	for ex := range p.tasks {
		p.discard(ex)
	}
	return err
}

func (p *pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()

	logger := p.logger.With(zap.Int("worker_id", id))
	logger.Info("Worker started")

	for {
		select {
		case ex, ok := <-p.tasks:
			if !ok {
				logger.Info("Worker finished - no more tasks")
				return
			}

			p.run(ctx, ex)

		case <-ctx.Done():
			logger.Info("Worker stopped - context cancelled")
			return
		}
	}
}
