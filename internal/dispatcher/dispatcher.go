// Package dispatcher supervises the fixed worker pool that drains the job
// queue.
package dispatcher

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/site-analyzer/internal/metrics"
)

const (
	defaultSampleEvery  = 5 * time.Second
	defaultRestartDelay = time.Second
)

// Runner is a long-lived queue consumer, normally a *worker.Worker. Run
// returns once ctx is done.
type Runner interface {
	Run(ctx context.Context)
}

// Backlog reports how many items are waiting. *memory.Queue satisfies it.
type Backlog interface {
	Len() int
}

// Dispatcher runs every Runner in its own goroutine. A Runner that panics
// is logged and restarted after RestartDelay so one bad page cannot shrink
// the pool.
type Dispatcher struct {
	backlog Backlog
	workers []Runner
	logger  *zap.Logger

	// SampleEvery is how often the backlog gauge is refreshed.
	SampleEvery time.Duration
	// RestartDelay is the pause before a panicked Runner starts again.
	RestartDelay time.Duration
}

// New creates a Dispatcher. backlog may be nil.
func New(backlog Backlog, workers []Runner, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		backlog:      backlog,
		workers:      workers,
		logger:       logger,
		SampleEvery:  defaultSampleEvery,
		RestartDelay: defaultRestartDelay,
	}
}

// Size reports how many workers the pool runs.
func (d *Dispatcher) Size() int {
	return len(d.workers)
}

// Run blocks until ctx is done and every worker has returned.
func (d *Dispatcher) Run(ctx context.Context) {
	d.logger.Info("worker pool starting", zap.Int("workers", len(d.workers)))
	var wg sync.WaitGroup
	for i, w := range d.workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.supervise(ctx, i, w)
		}()
	}
	if d.backlog != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.sample(ctx)
		}()
	}
	wg.Wait()
	d.logger.Info("worker pool stopped")
}

func (d *Dispatcher) supervise(ctx context.Context, index int, w Runner) {
	for {
		if !d.runOnce(ctx, index, w) || ctx.Err() != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(d.RestartDelay):
		}
	}
}

// runOnce reports whether w panicked.
func (d *Dispatcher) runOnce(ctx context.Context, index int, w Runner) (panicked bool) {
	defer func() {
		if rec := recover(); rec != nil {
			panicked = true
			metrics.ObserveWorkerPanic()
			d.logger.Error("worker panicked; restarting",
				zap.Int("index", index), zap.Any("panic", rec), zap.Stack("stack"))
		}
	}()
	w.Run(ctx)
	return false
}

func (d *Dispatcher) sample(ctx context.Context) {
	every := d.SampleEvery
	if every <= 0 {
		every = defaultSampleEvery
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		metrics.SetQueueDepth(d.backlog.Len())
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
