// ============================================================================
// bulkwrite Worker - subtree write unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Purpose: write one subtree at a time behind a private rate limiter
//
// How it works:
//   Process(ctx, task):
//   1. state -> working
//   2. limiter.Acquire(ctx)           blocks until a token is free
//   3. write(ctx, parent, content)    one remote call per attempt
//   4. state -> completed | failed, SubtreeResult returned
//
// Error Handling:
//   Process never returns an error. Limiter cancellation, write errors and
//   panics inside the write function all become a failed SubtreeResult, so a
//   single bad unit cannot take the batch down.
//
// Rate limiting:
//   Every worker owns its limiter. N workers at R req/s therefore issue at
//   most N*R req/s in aggregate.
//
// ============================================================================

package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/bulkwrite/internal/metrics"
	"github.com/ChuLiYu/bulkwrite/internal/ratelimit"
	"github.com/ChuLiYu/bulkwrite/pkg/types"
)

// Worker is a single write unit with its own limiter and state
type Worker struct {
	id      int                // index inside the pool
	limiter *ratelimit.Limiter // private token bucket
	write   WriteFunc          // remote mutation
	metrics *metrics.Collector // optional
	logger  *slog.Logger

	mu    sync.Mutex
	state types.WorkerState
}

func newWorker(id int, limiter *ratelimit.Limiter, write WriteFunc, m *metrics.Collector, logger *slog.Logger) *Worker {
	return &Worker{
		id:      id,
		limiter: limiter,
		write:   write,
		metrics: m,
		logger:  logger,
		state:   types.WorkerState{ID: id, Status: types.WorkerIdle},
	}
}

// ID returns the worker index
func (w *Worker) ID() int {
	return w.id
}

// Limiter returns the worker's token bucket
func (w *Worker) Limiter() *ratelimit.Limiter {
	return w.limiter
}

// Process writes one subtree and reports the outcome as data
func (w *Worker) Process(ctx context.Context, task Task) (result types.SubtreeResult) {
	start := time.Now()
	result.SubtreeID = task.Subtree.ID
	w.begin(task.Subtree.ID, start)

	defer func() {
		if p := recover(); p != nil {
			w.logger.Error("Worker panicked", "worker", w.id, "subtree", task.Subtree.ID, "panic", p)
			result = types.SubtreeResult{
				SubtreeID: task.Subtree.ID,
				Error:     fmt.Sprintf("worker %d panicked: %v", w.id, p),
			}
		}
		result.Duration = time.Since(start)
		w.finish(result)
	}()

	waitStart := time.Now()
	if err := w.limiter.Acquire(ctx); err != nil {
		result.Error = err.Error()
		return result
	}
	w.metrics.RecordRateLimitWait(time.Since(waitStart))

	writeStart := time.Now()
	nodes, err := w.write(ctx, task.ParentID, task.Subtree.Content, task.Position)
	w.metrics.RecordSubtreeWrite(err == nil, time.Since(writeStart))
	if err != nil {
		result.Error = err.Error()
		w.logger.Debug("Subtree write failed", "worker", w.id, "subtree", task.Subtree.ID, "error", err)
		return result
	}

	result.Success = true
	result.NodeIDs = make([]string, 0, len(nodes))
	for _, n := range nodes {
		result.NodeIDs = append(result.NodeIDs, n.ID)
	}
	return result
}

func (w *Worker) begin(subtreeID string, at time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.state = types.WorkerState{
		ID:        w.id,
		SubtreeID: subtreeID,
		Status:    types.WorkerWorking,
		StartedAt: at.UnixMilli(),
	}
}

func (w *Worker) finish(result types.SubtreeResult) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.state.CompletedAt = time.Now().UnixMilli()
	w.state.Progress = 100
	if result.Success {
		w.state.Status = types.WorkerCompleted
		w.state.NodesCreated = len(result.NodeIDs)
		w.state.NodeIDs = append([]string(nil), result.NodeIDs...)
		w.state.Error = ""
		return
	}
	w.state.Status = types.WorkerFailed
	w.state.NodesCreated = 0
	w.state.NodeIDs = nil
	w.state.Error = result.Error
}

// State returns a copy of the worker state
func (w *Worker) State() types.WorkerState {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := w.state
	s.NodeIDs = append([]string(nil), w.state.NodeIDs...)
	return s
}

// Reset returns the worker to idle without touching its limiter
func (w *Worker) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.state = types.WorkerState{ID: w.id, Status: types.WorkerIdle}
}
