package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-scoring-api/internal/observability"
)

var (
	// ErrPoolStopped is returned when submitting to a pool that no longer accepts work.
	ErrPoolStopped = errors.New("worker pool stopped")
	// ErrPoolNotStarted is returned when submitting before Start.
	ErrPoolNotStarted = errors.New("worker pool not started")
	// ErrQueueFull is returned by TrySubmit when no queue slot is free.
	ErrQueueFull = errors.New("worker queue full")
)

// Task is a unit of work executed by the pool. The context is cancelled when the pool stops.
type Task func(ctx context.Context)

// Pool runs tasks on a fixed number of goroutines fed by a bounded queue.
type Pool struct {
	tasks   chan Task
	workers int
	logger  zerolog.Logger

	wg      sync.WaitGroup
	mu      sync.RWMutex
	started bool
	stopped bool
	ctx     context.Context
	cancel  context.CancelFunc
	active  atomic.Int64
}

// NewPool creates a pool with the given concurrency and queue capacity.
func NewPool(workers, capacity int, logger zerolog.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if capacity < 0 {
		capacity = 0
	}

	return &Pool{
		tasks:   make(chan Task, capacity),
		workers: workers,
		logger:  logger.With().Str("component", "worker_pool").Logger(),
	}
}

// Start launches the workers. Calling it more than once has no effect.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}

	p.ctx, p.cancel = context.WithCancel(ctx)
	p.started = true
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.run(i)
	}

	p.logger.Info().Int("workers", p.workers).Int("capacity", cap(p.tasks)).Msg("worker pool started")
}

// Submit queues a task, blocking while the queue is full until ctx is done.
func (p *Pool) Submit(ctx context.Context, task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.stopped {
		return ErrPoolStopped
	}
	if !p.started {
		return ErrPoolNotStarted
	}

	select {
	case p.tasks <- task:
		observability.WorkerQueueDepth().Set(float64(len(p.tasks)))
		return nil
	case <-ctx.Done():
		p.logger.Warn().Msg("gave up waiting for a free queue slot")
		return ctx.Err()
	case <-p.ctx.Done():
		return ErrPoolStopped
	}
}

// TrySubmit queues a task without waiting, returning ErrQueueFull when every
// slot is taken.
func (p *Pool) TrySubmit(task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.stopped {
		return ErrPoolStopped
	}
	if !p.started {
		return ErrPoolNotStarted
	}

	select {
	case p.tasks <- task:
		observability.WorkerQueueDepth().Set(float64(len(p.tasks)))
		return nil
	default:
		return ErrQueueFull
	}
}

// Stop stops accepting work, lets queued tasks finish and waits for the workers.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped || !p.started {
		p.stopped = true
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.tasks)
	p.mu.Unlock()

	p.wg.Wait()
	p.cancel()
	p.logger.Info().Msg("worker pool stopped")
}

// Active returns the number of tasks currently executing.
func (p *Pool) Active() int {
	return int(p.active.Load())
}

// QueueLength returns the number of tasks waiting for a worker.
func (p *Pool) QueueLength() int {
	return len(p.tasks)
}

// Stats summarises the pool for health reporting.
func (p *Pool) Stats() map[string]interface{} {
	return map[string]interface{}{
		"active_workers": p.Active(),
		"max_workers":    p.workers,
		"queue_length":   p.QueueLength(),
		"queue_capacity": cap(p.tasks),
	}
}

func (p *Pool) run(id int) {
	defer p.wg.Done()

	for task := range p.tasks {
		observability.WorkerQueueDepth().Set(float64(len(p.tasks)))
		p.execute(id, task)
	}
}

func (p *Pool) execute(id int, task Task) {
	p.active.Add(1)
	defer func() {
		p.active.Add(-1)
		if r := recover(); r != nil {
			p.logger.Error().Int("worker_id", id).Interface("panic", r).Msg("worker recovered from panic")
		}
	}()

	task(p.ctx)
}
