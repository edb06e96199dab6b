// ============================================================================
// bulkwrite Job Registry - background job queue and state machine
// ============================================================================
//
// Package: internal/jobmanager
// File: job_manager.go
// Purpose: track long-running bulk operations, run them with bounded
//          concurrency and keep a bounded history of finished jobs
//
// Data layout:
//   jobs  map[JobID]*Job   single source of truth, Job.Status marks the state
//   order []JobID          submission order, used by ListJobs
//   queue []JobID          FIFO of jobs that were pending when submitted;
//                          entries that are no longer pending are skipped
//
// State machine:
//   pending --advance--> processing --settle--> completed | failed
//   pending    --CancelJob--> cancelled
//   processing --CancelJob--> cancelled   (context cancelled, slot held
//                                          until the executor returns)
//   pending --advance, no executor--> failed
//
// Queue advance:
//   while active < MaxConcurrentJobs:
//     take the next pending job in submission order
//     no executor  -> fail it and keep going
//     otherwise    -> mark processing, run the executor in a goroutine
//   When an executor returns, its outcome is applied only if the job is still
//   processing (a cancel that happened meanwhile wins), then active is
//   decremented and the queue advances again.
//
// Concurrency:
//   one sync.Mutex guards every field; executors run outside the lock and
//   report through ProgressFunc, which takes the lock briefly.
//
// ============================================================================

package jobmanager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/ChuLiYu/bulkwrite/internal/events"
	"github.com/ChuLiYu/bulkwrite/internal/metrics"
	"github.com/ChuLiYu/bulkwrite/pkg/types"
)

// ============================================================================
// Errors
// ============================================================================

var (
	// ErrJobNotFound is returned for unknown or evicted job ids
	ErrJobNotFound = errors.New("job not found")
	// ErrJobTerminal is returned when cancelling a finished job
	ErrJobTerminal = errors.New("job already finished")
	// ErrRegistryClosed is returned by Submit after Stop
	ErrRegistryClosed = errors.New("registry closed")
	// ErrInvalidJobType is returned by Submit for an empty job type
	ErrInvalidJobType = errors.New("invalid job type")
	// ErrNoExecutor is the failure recorded on jobs whose type has no executor
	ErrNoExecutor = errors.New("no executor registered")
)

// ============================================================================
// Types
// ============================================================================

// Executor runs one job. ctx is cancelled when the job is cancelled or the
// registry stops; a returned error fails the job.
type Executor func(ctx context.Context, params any, onProgress ProgressFunc) (any, error)

// ProgressFunc reports executor progress back to the registry
type ProgressFunc func(ProgressUpdate)

// ProgressUpdate is a partial progress report.
// Zero values leave the stored field unchanged; ItemErrors are appended.
type ProgressUpdate struct {
	Total            int
	Completed        int
	Failed           int
	CurrentOperation string
	ItemErrors       []types.ItemError
}

// Config controls concurrency and history retention
type Config struct {
	MaxConcurrentJobs int           `mapstructure:"max_concurrent_jobs"` // jobs processing at once
	JobTTL            time.Duration `mapstructure:"job_ttl"`             // terminal jobs older than this are evicted
	MaxHistory        int           `mapstructure:"max_history"`         // upper bound on retained jobs
	SweepInterval     time.Duration `mapstructure:"sweep_interval"`      // how often Start runs Sweep
}

// DefaultConfig returns (1, 1h, 100, 1m)
func DefaultConfig() Config {
	return Config{
		MaxConcurrentJobs: 1,
		JobTTL:            time.Hour,
		MaxHistory:        100,
		SweepInterval:     time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxConcurrentJobs <= 0 {
		c.MaxConcurrentJobs = d.MaxConcurrentJobs
	}
	if c.JobTTL <= 0 {
		c.JobTTL = d.JobTTL
	}
	if c.MaxHistory <= 0 {
		c.MaxHistory = d.MaxHistory
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = d.SweepInterval
	}
	return c
}

// Option configures a Registry
type Option func(*Registry)

// WithMetrics records job counters and queue gauges on c
func WithMetrics(c *metrics.Collector) Option {
	return func(r *Registry) { r.metrics = c }
}

// WithLogger replaces the default slog logger
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithClock injects the time source used for ids and timestamps
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// Registry is the background job queue
type Registry struct {
	mu        sync.Mutex
	cfg       Config
	jobs      map[types.JobID]*types.Job         // all retained jobs
	order     []types.JobID                      // submission order
	queue     []types.JobID                      // pending FIFO
	executors map[types.JobType]Executor         // executor per job type
	cancels   map[types.JobID]context.CancelFunc // running jobs
	done      map[types.JobID]chan struct{}      // closed when the job turns terminal
	active    int                                // jobs currently holding a slot
	counter   uint64                             // id sequence
	closed    bool

	bus       *events.Bus[types.JobEvent]
	observers []observer // synchronous, in registration order
	nextObs   uint64
	metrics   *metrics.Collector
	logger    *slog.Logger
	now       func() time.Time

	stopCh    chan struct{}
	wg        sync.WaitGroup // executor goroutines
	loopWg    sync.WaitGroup // sweep loop
	startOnce sync.Once
	stopOnce  sync.Once
}

// NewRegistry creates an empty registry. Call Start to enable periodic sweeps.
func NewRegistry(cfg Config, opts ...Option) *Registry {
	r := &Registry{
		cfg:       cfg.withDefaults(),
		jobs:      make(map[types.JobID]*types.Job),
		executors: make(map[types.JobType]Executor),
		cancels:   make(map[types.JobID]context.CancelFunc),
		done:      make(map[types.JobID]chan struct{}),
		bus:       events.NewBus[types.JobEvent](events.DefaultBufferSize),
		logger:    slog.Default(),
		now:       time.Now,
		stopCh:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.bus.SetLogger(r.logger)
	return r
}

// Config returns the effective configuration
func (r *Registry) Config() Config {
	return r.cfg
}

// ============================================================================
// Submission and execution
// ============================================================================

// RegisterExecutor installs fn for jobType, replacing any previous executor
func (r *Registry) RegisterExecutor(jobType types.JobType, fn Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[jobType] = fn
}

// Submit creates a pending job and advances the queue.
//
// Parameters:
//   - jobType: selects the executor; need not be registered yet
//   - params: passed to the executor unchanged
//   - description: free text shown in listings
//
// Returns:
//   - types.JobID: id of the form job-<unixms>-<n>
//   - error: ErrInvalidJobType, ErrRegistryClosed
func (r *Registry) Submit(jobType types.JobType, params any, description string) (types.JobID, error) {
	if jobType == "" {
		return "", ErrInvalidJobType
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return "", ErrRegistryClosed
	}

	now := r.now()
	r.counter++
	id := types.JobID(fmt.Sprintf("job-%d-%d", now.UnixMilli(), r.counter))
	job := &types.Job{
		ID:          id,
		Type:        jobType,
		Description: description,
		Params:      params,
		Status:      types.StatusPending,
		CreatedAt:   now.UnixMilli(),
	}
	r.jobs[id] = job
	r.order = append(r.order, id)
	r.queue = append(r.queue, id)
	r.done[id] = make(chan struct{})

	r.metrics.RecordSubmitted(string(jobType))
	r.publishLocked(types.JobSubmitted, job)
	r.logger.Info("Job submitted", "jobID", id, "type", jobType)

	r.advanceLocked()
	return id, nil
}

// advanceLocked starts pending jobs while slots are free
func (r *Registry) advanceLocked() {
	for !r.closed && r.active < r.cfg.MaxConcurrentJobs && len(r.queue) > 0 {
		id := r.queue[0]
		r.queue = r.queue[1:]

		job, ok := r.jobs[id]
		if !ok || job.Status != types.StatusPending {
			continue
		}

		exec, ok := r.executors[job.Type]
		if !ok {
			err := fmt.Errorf("%w for job type %q", ErrNoExecutor, job.Type)
			r.finishLocked(job, types.StatusFailed, err.Error())
			continue
		}
		r.startLocked(job, exec)
	}
	r.metrics.UpdateQueueStats(r.pendingLocked(), r.active)
}

func (r *Registry) startLocked(job *types.Job, exec Executor) {
	ctx, cancel := context.WithCancel(context.Background())
	r.cancels[job.ID] = cancel
	r.active++

	job.Status = types.StatusProcessing
	job.StartedAt = r.now().UnixMilli()
	r.publishLocked(types.JobStarted, job)
	r.logger.Info("Job started", "jobID", job.ID, "type", job.Type)

	r.wg.Add(1)
	go r.run(ctx, job.ID, job.Params, exec)
}

func (r *Registry) run(ctx context.Context, id types.JobID, params any, exec Executor) {
	defer r.wg.Done()

	result, err := r.invoke(ctx, params, exec, r.progressFunc(id))

	r.mu.Lock()
	defer r.mu.Unlock()
	r.settleLocked(id, result, err)
}

// invoke runs exec and turns a panic into an error
func (r *Registry) invoke(ctx context.Context, params any, exec Executor, onProgress ProgressFunc) (result any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("executor panicked: %v", p)
		}
	}()
	return exec(ctx, params, onProgress)
}

func (r *Registry) settleLocked(id types.JobID, result any, err error) {
	if cancel, ok := r.cancels[id]; ok {
		cancel()
		delete(r.cancels, id)
	}
	r.active--

	job, ok := r.jobs[id]
	if ok && job.Status == types.StatusProcessing {
		if result != nil {
			job.Result = result
		}
		if err != nil {
			r.finishLocked(job, types.StatusFailed, err.Error())
		} else {
			job.Progress.PercentComplete = 100
			r.finishLocked(job, types.StatusCompleted, "")
		}
	}

	r.advanceLocked()
}

// finishLocked moves job to a terminal status and notifies waiters
func (r *Registry) finishLocked(job *types.Job, status types.JobStatus, errMsg string) {
	job.Status = status
	job.Error = errMsg
	job.CompletedAt = r.now().UnixMilli()

	if ch, ok := r.done[job.ID]; ok {
		close(ch)
		delete(r.done, job.ID)
	}

	var elapsed time.Duration
	if job.StartedAt > 0 {
		elapsed = time.Duration(job.CompletedAt-job.StartedAt) * time.Millisecond
	}
	r.metrics.RecordFinished(string(job.Type), string(status), elapsed)

	eventType := types.JobCompleted
	switch status {
	case types.StatusFailed:
		eventType = types.JobFailed
		r.logger.Warn("Job failed", "jobID", job.ID, "type", job.Type, "error", errMsg)
	case types.StatusCancelled:
		eventType = types.JobCancelled
		r.logger.Info("Job cancelled", "jobID", job.ID)
	default:
		r.logger.Info("Job completed", "jobID", job.ID, "type", job.Type, "elapsed", elapsed)
	}
	r.publishLocked(eventType, job)
}

func (r *Registry) progressFunc(id types.JobID) ProgressFunc {
	return func(u ProgressUpdate) {
		r.mu.Lock()
		defer r.mu.Unlock()

		job, ok := r.jobs[id]
		if !ok || job.Status != types.StatusProcessing {
			return
		}
		applyProgress(job, u)
		r.publishLocked(types.JobProgressed, job)
	}
}

func applyProgress(job *types.Job, u ProgressUpdate) {
	p := &job.Progress
	if u.Total != 0 {
		p.Total = u.Total
	}
	if u.Completed != 0 {
		p.Completed = u.Completed
	}
	if u.Failed != 0 {
		p.Failed = u.Failed
	}
	if u.CurrentOperation != "" {
		p.CurrentOperation = u.CurrentOperation
	}
	if len(u.ItemErrors) > 0 {
		job.ItemErrors = append(job.ItemErrors, u.ItemErrors...)
	}
	if p.Total > 0 {
		p.PercentComplete = int(math.Round(100 * float64(p.Completed+p.Failed) / float64(p.Total)))
	}
}

// CancelJob cancels a pending or processing job.
// A processing job keeps its slot until its executor returns; whatever the
// executor returns afterwards is ignored.
//
// Returns:
//   - ErrJobNotFound: unknown id
//   - ErrJobTerminal: the job already finished
func (r *Registry) CancelJob(id types.JobID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if job.Status.IsTerminal() {
		return fmt.Errorf("%w: %s is %s", ErrJobTerminal, id, job.Status)
	}

	if cancel, ok := r.cancels[id]; ok {
		cancel()
	}
	r.finishLocked(job, types.StatusCancelled, "")
	r.metrics.UpdateQueueStats(r.pendingLocked(), r.active)
	return nil
}

// ============================================================================
// Queries
// ============================================================================

// GetJob returns a copy of the job
func (r *Registry) GetJob(id types.JobID) (*types.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return job.Clone(), nil
}

// ListJobs returns copies of all jobs in submission order, optionally
// restricted to the given statuses
func (r *Registry) ListJobs(filter ...types.JobStatus) []*types.Job {
	r.mu.Lock()
	defer r.mu.Unlock()

	want := make(map[types.JobStatus]bool, len(filter))
	for _, s := range filter {
		want[s] = true
	}

	out := make([]*types.Job, 0, len(r.order))
	for _, id := range r.order {
		job := r.jobs[id]
		if len(want) > 0 && !want[job.Status] {
			continue
		}
		out = append(out, job.Clone())
	}
	return out
}

// Stats returns job counts per status plus "active" and "total"
func (r *Registry) Stats() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := map[string]int{
		string(types.StatusPending):    0,
		string(types.StatusProcessing): 0,
		string(types.StatusCompleted):  0,
		string(types.StatusFailed):     0,
		string(types.StatusCancelled):  0,
	}
	for _, job := range r.jobs {
		stats[string(job.Status)]++
	}
	stats["active"] = r.active
	stats["total"] = len(r.jobs)
	return stats
}

// WaitForJob blocks until the job is terminal or ctx ends
func (r *Registry) WaitForJob(ctx context.Context, id types.JobID) (*types.Job, error) {
	r.mu.Lock()
	job, ok := r.jobs[id]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if job.Status.IsTerminal() {
		c := job.Clone()
		r.mu.Unlock()
		return c, nil
	}
	done := r.done[id]
	r.mu.Unlock()

	select {
	case <-done:
		return r.GetJob(id)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Subscribe delivers lifecycle events to fn asynchronously until the
// returned function is called. A subscriber that falls behind loses events;
// use AddObserver where every event matters.
func (r *Registry) Subscribe(fn func(types.JobEvent)) func() {
	return r.bus.Subscribe(fn)
}

type observer struct {
	id uint64
	fn func(types.JobEvent)
}

// AddObserver calls fn synchronously for every lifecycle event, in order,
// while the registry lock is held. fn must be quick and must not call back
// into the registry. The returned function removes the observer.
func (r *Registry) AddObserver(fn func(types.JobEvent)) func() {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.nextObs
	r.nextObs++
	r.observers = append(r.observers, observer{id: id, fn: fn})

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		for i, o := range r.observers {
			if o.id == id {
				r.observers = append(r.observers[:i:i], r.observers[i+1:]...)
				return
			}
		}
	}
}

func (r *Registry) pendingLocked() int {
	n := 0
	for _, id := range r.queue {
		if job, ok := r.jobs[id]; ok && job.Status == types.StatusPending {
			n++
		}
	}
	return n
}

func (r *Registry) publishLocked(eventType types.JobEventType, job *types.Job) {
	event := types.JobEvent{
		Type:      eventType,
		JobID:     job.ID,
		JobType:   job.Type,
		Status:    job.Status,
		Progress:  job.Progress,
		Error:     job.Error,
		Timestamp: r.now().UnixMilli(),
	}
	for _, o := range r.observers {
		r.notify(o.fn, event)
	}
	r.bus.Publish(event)
}

func (r *Registry) notify(fn func(types.JobEvent), event types.JobEvent) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("Job observer panicked", "jobID", event.JobID, "event", event.Type, "panic", p)
		}
	}()
	fn(event)
}
