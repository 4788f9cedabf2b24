// Package worker runs ingestion batches on a fixed number of goroutines.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	ErrPoolClosed = errors.New("worker pool is closed")
	ErrQueueFull  = errors.New("worker queue is full")
)

type Task func(ctx context.Context) error

type Config struct {
	Concurrency int
	QueueSize   int
}

type job struct {
	name     string
	fn       Task
	enqueued time.Time
}

// Observer receives task outcomes. Implementations must be safe for
// concurrent use.
type Observer interface {
	TaskFinished(name string, wait time.Duration, run time.Duration, err error)
}

type Pool struct {
	cfg      Config
	log      zerolog.Logger
	observer Observer

	jobs chan job
	wg   sync.WaitGroup

	mu      sync.RWMutex
	started bool
	closed  bool

	baseCtx context.Context
	cancel  context.CancelFunc
}

func New(cfg Config, logger zerolog.Logger) *Pool {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 5
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 64
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		cfg:     cfg,
		log:     logger.With().Str("component", "worker-pool").Logger(),
		jobs:    make(chan job, cfg.QueueSize),
		baseCtx: ctx,
		cancel:  cancel,
	}
}

func (p *Pool) SetObserver(o Observer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.observer = o
}

func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.closed {
		return
	}
	p.started = true
	for i := 0; i < p.cfg.Concurrency; i++ {
		p.wg.Add(1)
		go p.run(i + 1)
	}
	p.log.Info().Int("concurrency", p.cfg.Concurrency).Int("queue_size", p.cfg.QueueSize).Msg("worker pool started")
}

// Submit queues fn. It fails fast when the queue is full rather than
// blocking the caller.
func (p *Pool) Submit(ctx context.Context, name string, fn Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	select {
	case p.jobs <- job{name: name, fn: fn, enqueued: time.Now()}:
		return nil
	default:
		return ErrQueueFull
	}
}

// Pending reports how many tasks are queued but not yet running.
func (p *Pool) Pending() int {
	return len(p.jobs)
}

// Shutdown stops accepting work and waits for queued tasks to drain. When
// ctx expires first, running tasks see their context cancelled.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.jobs)
	started := p.started
	p.mu.Unlock()

	if !started {
		p.cancel()
		return nil
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		p.log.Info().Msg("worker pool drained")
		return nil
	case <-ctx.Done():
		p.cancel()
		<-done
		return fmt.Errorf("worker pool shutdown: %w", ctx.Err())
	}
}

func (p *Pool) run(workerID int) {
	defer p.wg.Done()
	for j := range p.jobs {
		p.execute(workerID, j)
	}
}

func (p *Pool) execute(workerID int, j job) {
	start := time.Now()
	wait := start.Sub(j.enqueued)
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("task %s panicked: %v", j.name, r)
			}
		}()
		err = j.fn(p.baseCtx)
	}()
	elapsed := time.Since(start)

	event := p.log.Debug()
	if err != nil {
		event = p.log.Error().Err(err)
	}
	event.Int("worker", workerID).Str("task", j.name).Dur("wait", wait).Dur("elapsed", elapsed).Msg("task finished")

	p.mu.RLock()
	observer := p.observer
	p.mu.RUnlock()
	if observer != nil {
		observer.TaskFinished(j.name, wait, elapsed, err)
	}
}
