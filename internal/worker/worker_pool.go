// ============================================================================
// bulkwrite Worker Pool - fixed set of write units
// ============================================================================
//
// Package: internal/worker
// File: worker_pool.go
// Purpose: own N workers and run batches of subtrees across them
//
// Dispatch model:
//   Batches are static: task i of a batch goes to worker i, and the whole
//   batch is joined before RunBatch returns. A batch can therefore never hold
//   more tasks than there are workers.
//
//   ┌────────────┐  RunBatch(tasks)   ┌──────────┐
//   │ Orchestr.  │ ─────────────────> │ Worker 0 │ <- tasks[0]
//   └────────────┘                    │ Worker 1 │ <- tasks[1]
//         ^        []SubtreeResult    │   ...    │
//         └────────────────────────── └──────────┘
//
// Workers and their limiters live as long as the pool, so token state carries
// over between batches and between runs.
//
// ============================================================================

package worker

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/bulkwrite/internal/metrics"
	"github.com/ChuLiYu/bulkwrite/internal/ratelimit"
	"github.com/ChuLiYu/bulkwrite/pkg/types"
)

// Option configures a Pool
type Option func(*poolOptions)

type poolOptions struct {
	metrics  *metrics.Collector
	logger   *slog.Logger
	onResult ResultFunc
	limiter  func() *ratelimit.Limiter
}

// WithMetrics records write latency, outcomes and limiter waits
func WithMetrics(c *metrics.Collector) Option {
	return func(o *poolOptions) { o.metrics = c }
}

// WithLogger replaces the default slog logger
func WithLogger(l *slog.Logger) Option {
	return func(o *poolOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithResultHook calls fn after every Process, from the worker goroutine
func WithResultHook(fn ResultFunc) Option {
	return func(o *poolOptions) { o.onResult = fn }
}

// WithLimiterFactory overrides how each worker's limiter is built
func WithLimiterFactory(fn func() *ratelimit.Limiter) Option {
	return func(o *poolOptions) { o.limiter = fn }
}

// Pool is a fixed set of workers
type Pool struct {
	workers  []*Worker
	onResult ResultFunc
}

// NewPool creates size workers, each limited to ratePerWorker requests/s.
// size below 1 is raised to 1.
func NewPool(size int, ratePerWorker float64, write WriteFunc, opts ...Option) *Pool {
	if size < 1 {
		size = 1
	}
	o := poolOptions{
		logger:  slog.Default(),
		limiter: func() *ratelimit.Limiter { return ratelimit.NewPerSecond(ratePerWorker) },
	}
	for _, opt := range opts {
		opt(&o)
	}

	p := &Pool{
		workers:  make([]*Worker, size),
		onResult: o.onResult,
	}
	for i := range p.workers {
		p.workers[i] = newWorker(i, o.limiter(), write, o.metrics, o.logger)
	}
	return p
}

// Size returns the number of workers
func (p *Pool) Size() int {
	return len(p.workers)
}

// Worker returns worker i
func (p *Pool) Worker(i int) *Worker {
	return p.workers[i]
}

// Run calls fn(ctx, worker i, i) for i in [0, n) concurrently and waits for
// all of them
func (p *Pool) Run(ctx context.Context, n int, fn func(ctx context.Context, w *Worker, i int)) error {
	if n > len(p.workers) {
		return fmt.Errorf("%w: %d tasks for %d workers", ErrBatchTooLarge, n, len(p.workers))
	}

	var g errgroup.Group
	for i := 0; i < n; i++ {
		w := p.workers[i]
		g.Go(func() error {
			fn(ctx, w, i)
			return nil
		})
	}
	return g.Wait()
}

// RunBatch processes tasks[i] on worker i and returns results in task order
func (p *Pool) RunBatch(ctx context.Context, tasks []Task) ([]types.SubtreeResult, error) {
	results := make([]types.SubtreeResult, len(tasks))
	err := p.Run(ctx, len(tasks), func(ctx context.Context, w *Worker, i int) {
		results[i] = p.Process(ctx, w, tasks[i])
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// Process runs one task on w and notifies the result hook
func (p *Pool) Process(ctx context.Context, w *Worker, task Task) types.SubtreeResult {
	r := w.Process(ctx, task)
	if p.onResult != nil {
		p.onResult(w.id, r)
	}
	return r
}

// States returns a snapshot of every worker
func (p *Pool) States() []types.WorkerState {
	states := make([]types.WorkerState, len(p.workers))
	for i, w := range p.workers {
		states[i] = w.State()
	}
	return states
}

// Reset returns every worker to idle
func (p *Pool) Reset() {
	for _, w := range p.workers {
		w.Reset()
	}
}
