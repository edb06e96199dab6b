package jobmanager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/bulkwrite/internal/metrics"
	"github.com/ChuLiYu/bulkwrite/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

const testType types.JobType = "test-job"

// fakeClock is a settable, goroutine-safe time source
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// newTestRegistry creates a registry that is stopped when the test ends
func newTestRegistry(t *testing.T, cfg Config, opts ...Option) *Registry {
	t.Helper()
	r := NewRegistry(cfg, opts...)
	t.Cleanup(r.Stop)
	return r
}

// waitTerminal waits for a job to finish
func waitTerminal(t *testing.T, r *Registry, id types.JobID) *types.Job {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	job, err := r.WaitForJob(ctx, id)
	require.NoError(t, err, "job %s did not finish", id)
	return job
}

// assertJobStatus asserts job status
func assertJobStatus(t *testing.T, r *Registry, id types.JobID, want types.JobStatus) {
	t.Helper()
	job, err := r.GetJob(id)
	require.NoError(t, err)
	assert.Equal(t, want, job.Status, "job %s status", id)
}

// gate is an executor that blocks until released or cancelled
type gate struct {
	started chan struct{}
	release chan struct{}
}

func newGate() *gate {
	return &gate{started: make(chan struct{}, 16), release: make(chan struct{})}
}

func (g *gate) run(ctx context.Context, params any, onProgress ProgressFunc) (any, error) {
	g.started <- struct{}{}
	select {
	case <-g.release:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func noop(ctx context.Context, params any, onProgress ProgressFunc) (any, error) {
	return params, nil
}

// ============================================================================
// Submit
// ============================================================================

func TestSubmitValidation(t *testing.T) {
	r := newTestRegistry(t, DefaultConfig())

	_, err := r.Submit("", nil, "")
	assert.ErrorIs(t, err, ErrInvalidJobType)

	r.Stop()
	_, err = r.Submit(testType, nil, "")
	assert.ErrorIs(t, err, ErrRegistryClosed)
}

func TestSubmitAssignsIDs(t *testing.T) {
	clock := newFakeClock()
	r := newTestRegistry(t, DefaultConfig(), WithClock(clock.Now))

	id1, err := r.Submit(testType, nil, "first")
	require.NoError(t, err)
	id2, err := r.Submit(testType, nil, "second")
	require.NoError(t, err)

	ms := clock.Now().UnixMilli()
	assert.Equal(t, types.JobID(fmt.Sprintf("job-%d-1", ms)), id1)
	assert.Equal(t, types.JobID(fmt.Sprintf("job-%d-2", ms)), id2)

	job, err := r.GetJob(id1)
	require.NoError(t, err)
	assert.Equal(t, "first", job.Description)
	assert.Equal(t, ms, job.CreatedAt)
}

func TestNoExecutorFailsImmediately(t *testing.T) {
	r := newTestRegistry(t, DefaultConfig())

	id, err := r.Submit("unknown-type", nil, "")
	require.NoError(t, err)

	job, err := r.GetJob(id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, job.Status)
	assert.Contains(t, job.Error, "no executor")
	assert.Contains(t, job.Error, `"unknown-type"`)
	assert.NotZero(t, job.CompletedAt)
	assert.Equal(t, 0, r.Stats()["active"])
}

func TestNoExecutorDoesNotBlockQueue(t *testing.T) {
	r := newTestRegistry(t, DefaultConfig())
	r.RegisterExecutor(testType, noop)

	bad, err := r.Submit("unknown-type", nil, "")
	require.NoError(t, err)
	good, err := r.Submit(testType, "payload", "")
	require.NoError(t, err)

	assertJobStatus(t, r, bad, types.StatusFailed)
	job := waitTerminal(t, r, good)
	assert.Equal(t, types.StatusCompleted, job.Status)
}

// ============================================================================
// Execution
// ============================================================================

func TestExecutorSuccess(t *testing.T) {
	r := newTestRegistry(t, DefaultConfig())
	r.RegisterExecutor(testType, noop)

	id, err := r.Submit(testType, map[string]int{"n": 3}, "")
	require.NoError(t, err)

	job := waitTerminal(t, r, id)
	assert.Equal(t, types.StatusCompleted, job.Status)
	assert.Equal(t, 100, job.Progress.PercentComplete)
	assert.Equal(t, map[string]int{"n": 3}, job.Result)
	assert.Empty(t, job.Error)
	assert.NotZero(t, job.StartedAt)
	assert.GreaterOrEqual(t, job.CompletedAt, job.StartedAt)
}

func TestExecutorFailureKeepsResult(t *testing.T) {
	r := newTestRegistry(t, DefaultConfig())
	r.RegisterExecutor(testType, func(ctx context.Context, params any, onProgress ProgressFunc) (any, error) {
		return "partial", errors.New("2 subtrees failed")
	})

	id, err := r.Submit(testType, nil, "")
	require.NoError(t, err)

	job := waitTerminal(t, r, id)
	assert.Equal(t, types.StatusFailed, job.Status)
	assert.Equal(t, "2 subtrees failed", job.Error)
	assert.Equal(t, "partial", job.Result)
}

func TestExecutorPanicFailsJob(t *testing.T) {
	r := newTestRegistry(t, DefaultConfig())
	r.RegisterExecutor(testType, func(ctx context.Context, params any, onProgress ProgressFunc) (any, error) {
		panic("boom")
	})

	id, err := r.Submit(testType, nil, "")
	require.NoError(t, err)

	job := waitTerminal(t, r, id)
	assert.Equal(t, types.StatusFailed, job.Status)
	assert.Contains(t, job.Error, "boom")
	assert.Equal(t, 0, r.Stats()["active"])
}

func TestConcurrencyBound(t *testing.T) {
	r := newTestRegistry(t, Config{MaxConcurrentJobs: 1})
	g := newGate()

	r.RegisterExecutor(testType, g.run)

	a, _ := r.Submit(testType, nil, "a")
	b, _ := r.Submit(testType, nil, "b")

	<-g.started
	assertJobStatus(t, r, a, types.StatusProcessing)
	assertJobStatus(t, r, b, types.StatusPending)
	assert.Equal(t, 1, r.Stats()["active"])

	close(g.release)
	assert.Equal(t, types.StatusCompleted, waitTerminal(t, r, a).Status)
	assert.Equal(t, types.StatusCompleted, waitTerminal(t, r, b).Status)
	assert.Equal(t, 0, r.Stats()["active"])
}

func TestConcurrencyAllowsParallelJobs(t *testing.T) {
	r := newTestRegistry(t, Config{MaxConcurrentJobs: 3})
	g := newGate()
	r.RegisterExecutor(testType, g.run)

	var ids []types.JobID
	for i := 0; i < 4; i++ {
		id, err := r.Submit(testType, nil, "")
		require.NoError(t, err)
		ids = append(ids, id)
	}

	for i := 0; i < 3; i++ {
		<-g.started
	}
	stats := r.Stats()
	assert.Equal(t, 3, stats["processing"])
	assert.Equal(t, 1, stats["pending"])

	close(g.release)
	for _, id := range ids {
		assert.Equal(t, types.StatusCompleted, waitTerminal(t, r, id).Status)
	}
}

// ============================================================================
// Cancellation
// ============================================================================

func TestCancelProcessingWinsOverLateSuccess(t *testing.T) {
	r := newTestRegistry(t, Config{MaxConcurrentJobs: 1})

	returned := make(chan struct{})
	r.RegisterExecutor(testType, func(ctx context.Context, params any, onProgress ProgressFunc) (any, error) {
		defer close(returned)
		<-ctx.Done()
		// ignore the cancellation and report success anyway
		return "late result", nil
	})

	id, err := r.Submit(testType, nil, "")
	require.NoError(t, err)
	next, err := r.Submit(testType, nil, "")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		job, _ := r.GetJob(id)
		return job.Status == types.StatusProcessing
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, r.CancelJob(id))
	<-returned

	job := waitTerminal(t, r, id)
	assert.Equal(t, types.StatusCancelled, job.Status)
	assert.Nil(t, job.Result)
	assert.NotZero(t, job.CompletedAt)

	// the slot is released once the executor returns
	require.Eventually(t, func() bool {
		j, _ := r.GetJob(next)
		return j.Status == types.StatusProcessing
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, r.CancelJob(next))
}

func TestCancelPending(t *testing.T) {
	r := newTestRegistry(t, Config{MaxConcurrentJobs: 1})
	g := newGate()
	r.RegisterExecutor(testType, g.run)

	first, _ := r.Submit(testType, nil, "")
	second, _ := r.Submit(testType, nil, "")
	<-g.started

	require.NoError(t, r.CancelJob(second))
	assertJobStatus(t, r, second, types.StatusCancelled)

	close(g.release)
	assert.Equal(t, types.StatusCompleted, waitTerminal(t, r, first).Status)

	// the cancelled job never reached the executor
	select {
	case <-g.started:
		t.Fatal("cancelled pending job was started")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestCancelErrors(t *testing.T) {
	r := newTestRegistry(t, DefaultConfig())
	r.RegisterExecutor(testType, noop)

	err := r.CancelJob("job-0-0")
	assert.ErrorIs(t, err, ErrJobNotFound)

	id, _ := r.Submit(testType, nil, "")
	waitTerminal(t, r, id)
	err = r.CancelJob(id)
	assert.ErrorIs(t, err, ErrJobTerminal)
}

// ============================================================================
// Progress
// ============================================================================

func TestProgressMerge(t *testing.T) {
	r := newTestRegistry(t, DefaultConfig())
	reported := make(chan struct{})
	release := make(chan struct{})

	r.RegisterExecutor(testType, func(ctx context.Context, params any, onProgress ProgressFunc) (any, error) {
		onProgress(ProgressUpdate{Total: 10, Completed: 3, CurrentOperation: "writing"})
		onProgress(ProgressUpdate{Completed: 5, ItemErrors: []types.ItemError{{Item: "n1", Error: "404"}}})
		onProgress(ProgressUpdate{Failed: 1, ItemErrors: []types.ItemError{{Item: "n2", Error: "500"}}})
		close(reported)
		<-release
		return nil, nil
	})

	id, err := r.Submit(testType, nil, "")
	require.NoError(t, err)
	<-reported

	job, err := r.GetJob(id)
	require.NoError(t, err)
	assert.Equal(t, types.JobProgress{
		Total:            10,
		Completed:        5,
		Failed:           1,
		PercentComplete:  60,
		CurrentOperation: "writing",
	}, job.Progress)
	assert.Equal(t, []types.ItemError{{Item: "n1", Error: "404"}, {Item: "n2", Error: "500"}}, job.ItemErrors)

	close(release)
	job = waitTerminal(t, r, id)
	assert.Equal(t, 100, job.Progress.PercentComplete)
	assert.Len(t, job.ItemErrors, 2)
}

func TestApplyProgressWithoutTotal(t *testing.T) {
	job := &types.Job{}
	applyProgress(job, ProgressUpdate{Completed: 4})

	assert.Equal(t, 4, job.Progress.Completed)
	assert.Equal(t, 0, job.Progress.PercentComplete)
}

// ============================================================================
// Queries and events
// ============================================================================

func TestListJobs(t *testing.T) {
	r := newTestRegistry(t, DefaultConfig())
	r.RegisterExecutor(testType, noop)

	failed, _ := r.Submit("unknown-type", nil, "")
	done, _ := r.Submit(testType, nil, "")
	waitTerminal(t, r, done)

	all := r.ListJobs()
	require.Len(t, all, 2)
	assert.Equal(t, failed, all[0].ID)
	assert.Equal(t, done, all[1].ID)

	onlyFailed := r.ListJobs(types.StatusFailed)
	require.Len(t, onlyFailed, 1)
	assert.Equal(t, failed, onlyFailed[0].ID)

	// copies are detached from the registry
	all[0].Status = types.StatusPending
	assertJobStatus(t, r, failed, types.StatusFailed)
}

func TestWaitForJobHonoursContext(t *testing.T) {
	r := newTestRegistry(t, DefaultConfig())
	g := newGate()
	r.RegisterExecutor(testType, g.run)

	id, _ := r.Submit(testType, nil, "")
	<-g.started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := r.WaitForJob(ctx, id)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	_, err = r.WaitForJob(context.Background(), "job-0-0")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestSubscribeReceivesLifecycle(t *testing.T) {
	r := newTestRegistry(t, DefaultConfig())
	r.RegisterExecutor(testType, noop)

	var mu sync.Mutex
	var seen []types.JobEventType
	unsub := r.Subscribe(func(e types.JobEvent) {
		mu.Lock()
		seen = append(seen, e.Type)
		mu.Unlock()
	})
	defer unsub()

	id, _ := r.Submit(testType, nil, "")
	waitTerminal(t, r, id)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 3
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []types.JobEventType{types.JobSubmitted, types.JobStarted, types.JobCompleted}, seen)
	mu.Unlock()
}

func TestObserverSeesEveryEventSynchronously(t *testing.T) {
	r := newTestRegistry(t, DefaultConfig())
	r.RegisterExecutor(testType, noop)

	var seen []types.JobEventType
	remove := r.AddObserver(func(e types.JobEvent) {
		seen = append(seen, e.Type)
	})

	id, _ := r.Submit(testType, nil, "")
	waitTerminal(t, r, id)

	// no Eventually: the terminal event is observed before waiters wake
	r.mu.Lock()
	assert.Equal(t, []types.JobEventType{types.JobSubmitted, types.JobStarted, types.JobCompleted}, seen)
	r.mu.Unlock()

	remove()
	remove()
	id, _ = r.Submit(testType, nil, "")
	waitTerminal(t, r, id)

	r.mu.Lock()
	assert.Len(t, seen, 3)
	r.mu.Unlock()
}

func TestObserverPanicDoesNotBreakRegistry(t *testing.T) {
	r := newTestRegistry(t, DefaultConfig())
	r.RegisterExecutor(testType, noop)

	var count int
	r.AddObserver(func(types.JobEvent) { panic("boom") })
	r.AddObserver(func(types.JobEvent) { count++ })

	id, err := r.Submit(testType, nil, "")
	require.NoError(t, err)
	job := waitTerminal(t, r, id)
	assert.Equal(t, types.StatusCompleted, job.Status)

	r.mu.Lock()
	assert.Equal(t, 3, count)
	r.mu.Unlock()
}

func TestMetricsWiring(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := newTestRegistry(t, DefaultConfig(), WithMetrics(metrics.NewCollector(reg)))
	r.RegisterExecutor(testType, noop)

	id, _ := r.Submit(testType, nil, "")
	waitTerminal(t, r, id)

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "bulkwrite_jobs_submitted_total")
	assert.Contains(t, names, "bulkwrite_jobs_finished_total")
}

// ============================================================================
// Sweep
// ============================================================================

func TestSweepTTL(t *testing.T) {
	clock := newFakeClock()
	r := newTestRegistry(t, Config{JobTTL: time.Hour}, WithClock(clock.Now))
	r.RegisterExecutor(testType, noop)
	g := newGate()
	r.RegisterExecutor("slow", g.run)

	old, _ := r.Submit(testType, nil, "")
	waitTerminal(t, r, old)

	clock.Advance(30 * time.Minute)
	recent, _ := r.Submit(testType, nil, "")
	waitTerminal(t, r, recent)
	live, _ := r.Submit("slow", nil, "")
	<-g.started

	assert.Equal(t, 0, r.Sweep(clock.Now()))

	clock.Advance(45 * time.Minute)
	assert.Equal(t, 1, r.Sweep(clock.Now()))

	_, err := r.GetJob(old)
	assert.ErrorIs(t, err, ErrJobNotFound)
	assertJobStatus(t, r, recent, types.StatusCompleted)

	// processing jobs survive any TTL
	clock.Advance(24 * time.Hour)
	r.Sweep(clock.Now())
	assertJobStatus(t, r, live, types.StatusProcessing)
	close(g.release)
}

func TestSweepHistoryCap(t *testing.T) {
	clock := newFakeClock()
	r := newTestRegistry(t, Config{MaxHistory: 2, JobTTL: time.Hour}, WithClock(clock.Now))
	r.RegisterExecutor(testType, noop)

	var ids []types.JobID
	for i := 0; i < 4; i++ {
		id, err := r.Submit(testType, nil, "")
		require.NoError(t, err)
		waitTerminal(t, r, id)
		ids = append(ids, id)
		clock.Advance(time.Second)
	}

	assert.Equal(t, 2, r.Sweep(clock.Now()))

	remaining := r.ListJobs()
	require.Len(t, remaining, 2)
	assert.Equal(t, ids[2], remaining[0].ID)
	assert.Equal(t, ids[3], remaining[1].ID)
}

func TestSweepNeverEvictsLiveJobs(t *testing.T) {
	r := newTestRegistry(t, Config{MaxHistory: 1, MaxConcurrentJobs: 1})
	g := newGate()
	r.RegisterExecutor(testType, g.run)

	for i := 0; i < 3; i++ {
		_, err := r.Submit(testType, nil, "")
		require.NoError(t, err)
	}
	<-g.started

	assert.Equal(t, 0, r.Sweep(time.Now()))
	assert.Equal(t, 3, r.Stats()["total"])
	close(g.release)
}

// ============================================================================
// Lifecycle
// ============================================================================

func TestStopCancelsLiveJobs(t *testing.T) {
	r := NewRegistry(Config{MaxConcurrentJobs: 1})
	g := newGate()
	r.RegisterExecutor(testType, g.run)
	r.Start()

	running, _ := r.Submit(testType, nil, "")
	queued, _ := r.Submit(testType, nil, "")
	<-g.started

	r.Stop()
	r.Stop()

	assertJobStatus(t, r, running, types.StatusCancelled)
	assertJobStatus(t, r, queued, types.StatusCancelled)
	assert.Equal(t, 0, r.Stats()["active"])
}

func TestStartRunsSweeps(t *testing.T) {
	r := newTestRegistry(t, Config{MaxHistory: 1, SweepInterval: 10 * time.Millisecond})
	r.RegisterExecutor(testType, noop)
	r.Start()

	for i := 0; i < 3; i++ {
		id, _ := r.Submit(testType, nil, "")
		waitTerminal(t, r, id)
	}

	assert.Eventually(t, func() bool {
		return r.Stats()["total"] == 1
	}, time.Second, 10*time.Millisecond)
}

func TestDefaultRegistry(t *testing.T) {
	t.Cleanup(ResetDefault)

	r := Default()
	assert.Same(t, r, Default())

	ResetDefault()
	_, err := r.Submit(testType, nil, "")
	assert.ErrorIs(t, err, ErrRegistryClosed)

	fresh := Default()
	assert.NotSame(t, r, fresh)
	assert.Equal(t, DefaultConfig(), fresh.Config())
}
