// ============================================================================
// bulkwrite Orchestrator - parallel hierarchical writes
// ============================================================================
//
// Package: internal/orchestrator
// File: orchestrator.go
// Purpose: turn one large WriteTask into subtrees, write them across the
//          worker pool, retry failures and merge the outcome
//
// Run flow (Execute):
//   1. Split       splitter.Split(content) -> subtrees; none -> empty success
//   2. Dispatch    batches of pool size, subtree i of a batch on worker i,
//                  each batch joined before the next one starts
//   3. Retry       failed subtrees get up to MaxRetries more attempts on idle
//                  workers; the first success ends a subtree's retries
//   4. Merge       splitter.Merge, workers reset to idle
//
// Failure model:
//   A failed subtree is data in MergedResult, never an error. The only error
//   Execute returns is ctx.Err() when the context ended during the run; the
//   partial result is returned alongside it.
//
// Progress:
//   While a run is active a ticker publishes a RunProgress snapshot every
//   ProgressInterval, plus one final snapshot before the workers are reset.
//   Remaining time is extrapolated from the observed node rate. Subscribe
//   sees every run; a WithProgress callback sees only its own Execute call
//   and is never invoked after that call returns.
//
// Concurrency:
//   runMu serializes Execute calls; workers and their limiters are reused
//   across runs. mu guards the live counters of the current run, which the
//   pool's result hook updates from worker goroutines.
//
// ============================================================================

package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/bulkwrite/internal/events"
	"github.com/ChuLiYu/bulkwrite/internal/metrics"
	"github.com/ChuLiYu/bulkwrite/internal/splitter"
	"github.com/ChuLiYu/bulkwrite/internal/worker"
	"github.com/ChuLiYu/bulkwrite/pkg/types"
)

// ============================================================================
// Configuration
// ============================================================================

// Config controls parallelism, rate and retries
type Config struct {
	MaxWorkers       int             `mapstructure:"max_workers"`       // pool size
	WorkerRateLimit  float64         `mapstructure:"worker_rate_limit"` // requests/s per worker
	RetryOnFailure   bool            `mapstructure:"retry_on_failure"`
	MaxRetries       int             `mapstructure:"max_retries"` // extra attempts per failed subtree
	ProgressInterval time.Duration   `mapstructure:"progress_interval"`
	Split            splitter.Config `mapstructure:"split"`
}

// DefaultConfig returns 5 workers at 5 req/s, 2 retries, 500ms progress
func DefaultConfig() Config {
	return Config{
		MaxWorkers:       5,
		WorkerRateLimit:  5,
		RetryOnFailure:   true,
		MaxRetries:       2,
		ProgressInterval: 500 * time.Millisecond,
		Split:            splitter.DefaultConfig(),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = d.MaxWorkers
	}
	if c.WorkerRateLimit <= 0 {
		c.WorkerRateLimit = d.WorkerRateLimit
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.ProgressInterval <= 0 {
		c.ProgressInterval = d.ProgressInterval
	}
	return c
}

// Option configures an Orchestrator
type Option func(*Orchestrator)

// WithMetrics records runs, retries and worker metrics on c
func WithMetrics(c *metrics.Collector) Option {
	return func(o *Orchestrator) { o.metrics = c }
}

// WithLogger replaces the default slog logger
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithWorkerOptions passes extra options to the worker pool
func WithWorkerOptions(opts ...worker.Option) Option {
	return func(o *Orchestrator) { o.workerOpts = append(o.workerOpts, opts...) }
}

// RunOption configures a single Execute call
type RunOption func(*runState)

// WithProgress calls fn with every snapshot of this run only. fn runs on the
// progress goroutine and must not block.
func WithProgress(fn func(types.RunProgress)) RunOption {
	return func(r *runState) { r.onProgress = fn }
}

// ============================================================================
// Orchestrator
// ============================================================================

// Orchestrator runs parallel writes over a fixed worker pool
type Orchestrator struct {
	cfg        Config
	pool       *worker.Pool
	bus        *events.Bus[types.RunProgress]
	metrics    *metrics.Collector
	logger     *slog.Logger
	workerOpts []worker.Option

	runMu sync.Mutex // one Execute at a time

	mu  sync.Mutex // guards run
	run *runState  // nil between runs
}

// runState holds the live counters of one run
type runState struct {
	id         string
	start      time.Time
	totalNodes int
	nodeCounts map[string]int                 // subtree id -> requested nodes
	latest     map[string]types.SubtreeResult // subtree id -> last attempt
	onProgress func(types.RunProgress)
}

// New creates an orchestrator whose workers call write
func New(cfg Config, write worker.WriteFunc, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cfg:    cfg.withDefaults(),
		bus:    events.NewBus[types.RunProgress](events.DefaultBufferSize),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}

	poolOpts := append([]worker.Option{
		worker.WithMetrics(o.metrics),
		worker.WithLogger(o.logger),
		worker.WithResultHook(o.recordResult),
	}, o.workerOpts...)
	o.pool = worker.NewPool(o.cfg.MaxWorkers, o.cfg.WorkerRateLimit, write, poolOpts...)
	return o
}

// Config returns the effective configuration
func (o *Orchestrator) Config() Config {
	return o.cfg
}

// Plan splits content with the orchestrator's split settings without writing
func (o *Orchestrator) Plan(content string) splitter.Plan {
	return splitter.Split(content, o.cfg.Split)
}

// Execute writes task.Content under task.ParentID.
//
// Parameters:
//   - ctx: cancels waiting workers and stops further batches
//   - task: parent id, outline content and position
//   - opts: per-run options, applied once the previous run has finished
//
// Returns:
//   - types.MergedResult: always populated, failed subtrees included
//   - error: ctx.Err() if the context ended during the run, otherwise nil
func (o *Orchestrator) Execute(ctx context.Context, task types.WriteTask, opts ...RunOption) (types.MergedResult, error) {
	o.runMu.Lock()
	defer o.runMu.Unlock()

	plan := splitter.Split(task.Content, o.cfg.Split)
	runID := uuid.New().String()[:8]

	if len(plan.Subtrees) == 0 {
		o.logger.Info("Nothing to write", "run", runID)
		return splitter.Merge(nil), nil
	}

	o.logger.Info("Write run started",
		"run", runID,
		"parent", task.ParentID,
		"nodes", plan.TotalNodes,
		"subtrees", len(plan.Subtrees),
		"workers", o.pool.Size())

	run := o.beginRun(runID, plan, opts)
	stopProgress := o.startProgress(run)

	tasks := make([]worker.Task, len(plan.Subtrees))
	for i, st := range plan.Subtrees {
		tasks[i] = worker.Task{Subtree: st, ParentID: task.ParentID, Position: task.Position}
	}

	results := o.dispatch(ctx, tasks)
	if o.cfg.RetryOnFailure && o.cfg.MaxRetries > 0 {
		o.retry(ctx, tasks, results)
	}

	merged := splitter.Merge(results)
	stopProgress()
	o.endRun()

	elapsed := time.Since(run.start)
	o.metrics.RecordRun(merged.Success, elapsed)
	o.logger.Info("Write run finished",
		"run", runID,
		"success", merged.Success,
		"created", merged.TotalNodes,
		"failedSubtrees", len(merged.FailedSubtrees),
		"elapsed", elapsed)

	return merged, ctx.Err()
}

// dispatch runs every task once, one batch of pool size at a time
func (o *Orchestrator) dispatch(ctx context.Context, tasks []worker.Task) []types.SubtreeResult {
	results := make([]types.SubtreeResult, len(tasks))
	size := o.pool.Size()

	for start := 0; start < len(tasks); start += size {
		end := min(start+size, len(tasks))

		if err := ctx.Err(); err != nil {
			for i := start; i < len(tasks); i++ {
				results[i] = types.SubtreeResult{SubtreeID: tasks[i].Subtree.ID, Error: err.Error()}
			}
			break
		}

		batch, err := o.pool.RunBatch(ctx, tasks[start:end])
		if err != nil {
			o.logger.Error("Batch dispatch failed", "error", err)
			for i := start; i < end; i++ {
				results[i] = types.SubtreeResult{SubtreeID: tasks[i].Subtree.ID, Error: err.Error()}
			}
			continue
		}
		copy(results[start:end], batch)
	}
	return results
}

// retry gives each failed subtree up to MaxRetries more attempts. Failed
// subtrees are batched onto idle workers; worker j retries the j-th failure
// of its batch until it succeeds or runs out of attempts.
func (o *Orchestrator) retry(ctx context.Context, tasks []worker.Task, results []types.SubtreeResult) {
	var failed []int
	for i, r := range results {
		if !r.Success {
			failed = append(failed, i)
		}
	}
	if len(failed) == 0 {
		return
	}
	o.logger.Info("Retrying failed subtrees", "count", len(failed), "maxRetries", o.cfg.MaxRetries)

	size := o.pool.Size()
	for start := 0; start < len(failed); start += size {
		batch := failed[start:min(start+size, len(failed))]

		err := o.pool.Run(ctx, len(batch), func(ctx context.Context, w *worker.Worker, j int) {
			idx := batch[j]
			for attempt := 1; attempt <= o.cfg.MaxRetries; attempt++ {
				if ctx.Err() != nil {
					return
				}
				o.metrics.RecordRetry()
				prev := results[idx]
				r := o.pool.Process(ctx, w, tasks[idx])
				r.Duration += prev.Duration
				results[idx] = r
				if r.Success {
					o.logger.Debug("Subtree retry succeeded", "subtree", r.SubtreeID, "attempt", attempt)
					return
				}
				o.logger.Warn("Subtree retry failed",
					"subtree", r.SubtreeID,
					"attempt", attempt,
					"error", r.Error)
			}
		})
		if err != nil {
			o.logger.Error("Retry batch failed", "error", err)
		}
	}
}

// ============================================================================
// Progress
// ============================================================================

// Subscribe delivers RunProgress snapshots to fn until the returned function is called
func (o *Orchestrator) Subscribe(fn func(types.RunProgress)) func() {
	return o.bus.Subscribe(fn)
}

// WorkerStates returns a snapshot of every worker
func (o *Orchestrator) WorkerStates() []types.WorkerState {
	return o.pool.States()
}

// Progress returns the current run's snapshot; ok is false between runs
func (o *Orchestrator) Progress() (p types.RunProgress, ok bool) {
	o.mu.Lock()
	run := o.run
	o.mu.Unlock()
	if run == nil {
		return types.RunProgress{}, false
	}
	return o.snapshot(run), true
}

// Close ends every progress subscription
func (o *Orchestrator) Close() {
	o.bus.Close()
}

func (o *Orchestrator) beginRun(id string, plan splitter.Plan, opts []RunOption) *runState {
	run := &runState{
		id:         id,
		start:      time.Now(),
		totalNodes: plan.TotalNodes,
		nodeCounts: make(map[string]int, len(plan.Subtrees)),
		latest:     make(map[string]types.SubtreeResult, len(plan.Subtrees)),
	}
	for _, opt := range opts {
		opt(run)
	}
	for _, st := range plan.Subtrees {
		run.nodeCounts[st.ID] = st.NodeCount
	}

	o.mu.Lock()
	o.run = run
	o.mu.Unlock()
	return run
}

func (o *Orchestrator) endRun() {
	o.pool.Reset()
	o.mu.Lock()
	o.run = nil
	o.mu.Unlock()
}

// recordResult is the pool's result hook
func (o *Orchestrator) recordResult(_ int, r types.SubtreeResult) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.run != nil {
		o.run.latest[r.SubtreeID] = r
	}
}

// startProgress publishes snapshots until the returned stop function is
// called; stop publishes one final snapshot
func (o *Orchestrator) startProgress(run *runState) (stop func()) {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)

	go func() {
		defer wg.Done()
		ticker := time.NewTicker(o.cfg.ProgressInterval)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				o.publish(run)
			}
		}
	}()

	return func() {
		close(done)
		wg.Wait()
		o.publish(run)
	}
}

func (o *Orchestrator) publish(run *runState) {
	p := o.snapshot(run)
	if run.onProgress != nil {
		run.onProgress(p)
	}
	o.bus.Publish(p)
}

func (o *Orchestrator) snapshot(run *runState) types.RunProgress {
	o.mu.Lock()
	created, failed := 0, 0
	for id, r := range run.latest {
		if r.Success {
			created += len(r.NodeIDs)
		} else {
			failed += run.nodeCounts[id]
		}
	}
	o.mu.Unlock()

	elapsed := time.Since(run.start)
	return types.RunProgress{
		RunID:              run.id,
		Workers:            o.pool.States(),
		TotalNodes:         run.totalNodes,
		CreatedNodes:       created,
		FailedNodes:        failed,
		Elapsed:            elapsed,
		EstimatedRemaining: estimateRemaining(elapsed, created, run.totalNodes),
	}
}

// estimateRemaining extrapolates elapsed/created over the nodes still to go
func estimateRemaining(elapsed time.Duration, created, total int) time.Duration {
	if created <= 0 || total <= created {
		return 0
	}
	perNode := float64(elapsed) / float64(created)
	return time.Duration(perNode * float64(total-created))
}
