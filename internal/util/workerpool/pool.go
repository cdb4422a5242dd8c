// Package workerpool bounds how many long-lived tasks, such as client
// connections, run at once. A task starts immediately on its own goroutine
// when a slot is free and is refused otherwise; nothing is queued.
package workerpool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Task is one unit of work. Run receives Context, or context.Background
// when it is nil.
type Task struct {
	ID      string
	Context context.Context
	Run     func(ctx context.Context) error
}

// Config holds pool configuration
type Config struct {
	Name string
	// Size is the number of tasks that may run concurrently; defaults to 10
	Size   int
	Logger *zap.Logger
}

// Stats is a point-in-time view of a pool
type Stats struct {
	Size     int    `json:"size"`
	Busy     int    `json:"busy"`
	Accepted uint64 `json:"accepted"`
	Rejected uint64 `json:"rejected"`
	Failed   uint64 `json:"failed"`
}

// Pool runs at most Size tasks at a time
type Pool struct {
	name   string
	slots  chan struct{}
	logger *zap.Logger

	// mu orders TrySubmit against Stop so no task starts after Stop
	// begins waiting
	mu      sync.Mutex
	stopped bool
	running sync.WaitGroup

	accepted atomic.Uint64
	rejected atomic.Uint64
	failed   atomic.Uint64
}

// New creates a pool
func New(cfg Config) *Pool {
	if cfg.Size <= 0 {
		cfg.Size = 10
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	cfg.Logger.Info("Worker pool created", zap.String("pool", cfg.Name), zap.Int("size", cfg.Size))

	return &Pool{
		name:   cfg.Name,
		slots:  make(chan struct{}, cfg.Size),
		logger: cfg.Logger,
	}
}

// TrySubmit starts task if a slot is free. It returns false when the pool
// is full or stopped.
func (p *Pool) TrySubmit(task Task) bool {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		p.rejected.Add(1)
		return false
	}
	select {
	case p.slots <- struct{}{}:
	default:
		p.mu.Unlock()
		p.rejected.Add(1)
		return false
	}
	p.running.Add(1)
	p.mu.Unlock()

	p.accepted.Add(1)
	go p.run(task)
	return true
}

func (p *Pool) run(task Task) {
	defer func() {
		<-p.slots
		p.running.Done()
	}()

	start := time.Now()
	if err := p.execute(task); err != nil {
		p.failed.Add(1)
		p.logger.Warn("Task failed",
			zap.String("pool", p.name),
			zap.String("task_id", task.ID),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err))
		return
	}
	p.logger.Debug("Task finished",
		zap.String("pool", p.name),
		zap.String("task_id", task.ID),
		zap.Duration("duration", time.Since(start)))
}

func (p *Pool) execute(task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()

	ctx := task.Context
	if ctx == nil {
		ctx = context.Background()
	}
	return task.Run(ctx)
}

// Stats returns current occupancy and counters
func (p *Pool) Stats() Stats {
	return Stats{
		Size:     cap(p.slots),
		Busy:     len(p.slots),
		Accepted: p.accepted.Load(),
		Rejected: p.rejected.Load(),
		Failed:   p.failed.Load(),
	}
}

// Stop refuses new tasks and waits up to timeout for running ones. Tasks
// are expected to watch their own context; Stop does not cancel it.
func (p *Pool) Stop(timeout time.Duration) error {
	p.mu.Lock()
	if !p.stopped {
		p.stopped = true
		p.logger.Info("Stopping worker pool", zap.String("pool", p.name))
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.running.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-timer.C:
		return fmt.Errorf("worker pool %q: %d tasks still running after %v", p.name, len(p.slots), timeout)
	}
}
