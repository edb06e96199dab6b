// ============================================================================
// bulkwrite Executors - registry executors for the bundled job types
// ============================================================================
//
// Package: internal/executors
// File: executors.go
//
// insert-content:
//   one orchestrator run. Snapshots of that run, and no other, are forwarded
//   as job progress (nodes created / failed out of requested). Failed subtrees are recorded as
//   item errors; the job fails when any subtree failed and keeps the merged
//   result either way.
//
// bulk-update / batch-operations:
//   items run one at a time behind a limiter owned by the executor, so every
//   job of that type shares one request budget. The context is checked before
//   each item. Item failures are recorded and skipped; the job fails only
//   when every item failed.
//
// ============================================================================

package executors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ChuLiYu/bulkwrite/internal/jobmanager"
	"github.com/ChuLiYu/bulkwrite/internal/orchestrator"
	"github.com/ChuLiYu/bulkwrite/internal/ratelimit"
	"github.com/ChuLiYu/bulkwrite/internal/report"
	"github.com/ChuLiYu/bulkwrite/internal/splitter"
	"github.com/ChuLiYu/bulkwrite/pkg/types"
)

var (
	// ErrInvalidParams is returned for params of the wrong type or shape
	ErrInvalidParams = errors.New("invalid job params")
	// ErrSubtreesFailed is returned by insert-content when a subtree failed
	ErrSubtreesFailed = errors.New("subtrees failed")
	// ErrAllItemsFailed is returned by batch executors when nothing succeeded
	ErrAllItemsFailed = errors.New("all items failed")
)

// DefaultRateLimit is the request rate of the batch executors
const DefaultRateLimit = 5.0

// NodeUpdater applies a field update to an existing node
type NodeUpdater interface {
	UpdateNode(ctx context.Context, u types.NodeUpdate) error
}

// OperationApplier runs a single remote operation
type OperationApplier interface {
	Apply(ctx context.Context, op types.Operation) error
}

// ============================================================================
// insert-content
// ============================================================================

// InsertOption configures the insert-content executor
type InsertOption func(*insertExecutor)

// WithReport writes a run report after every insert-content job
func WithReport(m *report.Manager) InsertOption {
	return func(e *insertExecutor) { e.reports = m }
}

// WithInsertLogger replaces the default slog logger
func WithInsertLogger(l *slog.Logger) InsertOption {
	return func(e *insertExecutor) {
		if l != nil {
			e.logger = l
		}
	}
}

type insertExecutor struct {
	orch    *orchestrator.Orchestrator
	reports *report.Manager
	logger  *slog.Logger
}

// InsertContent returns the insert-content executor.
// Params must be types.InsertContentParams or a pointer to one.
func InsertContent(o *orchestrator.Orchestrator, opts ...InsertOption) jobmanager.Executor {
	e := &insertExecutor{orch: o, logger: slog.Default()}
	for _, opt := range opts {
		opt(e)
	}
	return e.run
}

func (e *insertExecutor) run(ctx context.Context, params any, onProgress jobmanager.ProgressFunc) (any, error) {
	var p types.InsertContentParams
	switch v := params.(type) {
	case types.InsertContentParams:
		p = v
	case *types.InsertContentParams:
		if v == nil {
			return nil, fmt.Errorf("%w: nil insert-content params", ErrInvalidParams)
		}
		p = *v
	default:
		return nil, fmt.Errorf("%w: want InsertContentParams, got %T", ErrInvalidParams, params)
	}
	if p.ParentID == "" {
		return nil, fmt.Errorf("%w: parent id is required", ErrInvalidParams)
	}

	plan := e.orch.Plan(p.Content)
	onProgress(jobmanager.ProgressUpdate{
		Total:            plan.TotalNodes,
		CurrentOperation: fmt.Sprintf("writing %d nodes in %d subtrees", plan.TotalNodes, len(plan.Subtrees)),
	})

	// only this call's run reports here; a job queued behind another run
	// keeps its plan totals until its own run starts
	merged, err := e.orch.Execute(ctx, types.WriteTask(p), orchestrator.WithProgress(func(rp types.RunProgress) {
		onProgress(jobmanager.ProgressUpdate{
			Total:     rp.TotalNodes,
			Completed: rp.CreatedNodes,
			Failed:    rp.FailedNodes,
		})
	}))

	failedNodes := plan.TotalNodes - merged.TotalNodes
	if failedNodes < 0 {
		failedNodes = 0
	}
	final := jobmanager.ProgressUpdate{
		Total:     plan.TotalNodes,
		Completed: merged.TotalNodes,
		Failed:    failedNodes,
	}
	for _, se := range merged.Errors {
		final.ItemErrors = append(final.ItemErrors, types.ItemError{Item: se.SubtreeID, Error: se.Error})
	}
	onProgress(final)

	if e.reports != nil {
		cfg := e.orch.Config()
		savings := splitter.EstimateTimeSavings(plan.TotalNodes, plan.RecommendedAgents, cfg.Split.RequestsPerSecond)
		if werr := e.reports.Write(report.New(types.WriteTask(p), plan, savings, merged)); werr != nil {
			e.logger.Error("Failed to write run report", "path", e.reports.Path(), "error", werr)
		}
	}

	if err != nil {
		return merged, err
	}
	if !merged.Success {
		return merged, fmt.Errorf("%w: %d of %d", ErrSubtreesFailed, len(merged.FailedSubtrees), len(plan.Subtrees))
	}
	return merged, nil
}

// ============================================================================
// bulk-update / batch-operations
// ============================================================================

// BulkUpdate returns the bulk-update executor.
// Params must be types.BulkUpdateParams or a pointer to one.
func BulkUpdate(api NodeUpdater, rate float64) jobmanager.Executor {
	limiter := newLimiter(rate)
	return func(ctx context.Context, params any, onProgress jobmanager.ProgressFunc) (any, error) {
		var updates []types.NodeUpdate
		switch v := params.(type) {
		case types.BulkUpdateParams:
			updates = v.Updates
		case *types.BulkUpdateParams:
			if v != nil {
				updates = v.Updates
			}
		default:
			return nil, fmt.Errorf("%w: want BulkUpdateParams, got %T", ErrInvalidParams, params)
		}

		return runItems(ctx, limiter, updates, onProgress,
			func(u types.NodeUpdate) string { return u.NodeID },
			func(ctx context.Context, u types.NodeUpdate) error { return api.UpdateNode(ctx, u) })
	}
}

// BatchOperations returns the batch-operations executor.
// Params must be types.BatchOperationsParams or a pointer to one.
func BatchOperations(api OperationApplier, rate float64) jobmanager.Executor {
	limiter := newLimiter(rate)
	return func(ctx context.Context, params any, onProgress jobmanager.ProgressFunc) (any, error) {
		var ops []types.Operation
		switch v := params.(type) {
		case types.BatchOperationsParams:
			ops = v.Operations
		case *types.BatchOperationsParams:
			if v != nil {
				ops = v.Operations
			}
		default:
			return nil, fmt.Errorf("%w: want BatchOperationsParams, got %T", ErrInvalidParams, params)
		}

		return runItems(ctx, limiter, ops, onProgress, operationLabel,
			func(ctx context.Context, op types.Operation) error { return api.Apply(ctx, op) })
	}
}

func operationLabel(op types.Operation) string {
	if op.NodeID == "" {
		return string(op.Kind)
	}
	return fmt.Sprintf("%s %s", op.Kind, op.NodeID)
}

func newLimiter(rate float64) *ratelimit.Limiter {
	if rate <= 0 {
		rate = DefaultRateLimit
	}
	return ratelimit.NewPerSecond(rate)
}

// runItems applies fn to every item in order and reports progress after each
func runItems[T any](
	ctx context.Context,
	limiter *ratelimit.Limiter,
	items []T,
	onProgress jobmanager.ProgressFunc,
	label func(T) string,
	fn func(context.Context, T) error,
) (types.BatchSummary, error) {
	var summary types.BatchSummary
	onProgress(jobmanager.ProgressUpdate{Total: len(items)})

	for i, item := range items {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		if err := limiter.Acquire(ctx); err != nil {
			return summary, err
		}

		name := label(item)
		update := jobmanager.ProgressUpdate{
			CurrentOperation: fmt.Sprintf("%d/%d %s", i+1, len(items), name),
		}
		if err := fn(ctx, item); err != nil {
			summary.Failed++
			update.ItemErrors = []types.ItemError{{Item: name, Error: err.Error()}}
		} else {
			summary.Succeeded++
		}
		update.Completed = summary.Succeeded
		update.Failed = summary.Failed
		onProgress(update)
	}

	if len(items) > 0 && summary.Succeeded == 0 {
		return summary, fmt.Errorf("%w: %d of %d", ErrAllItemsFailed, summary.Failed, len(items))
	}
	return summary, nil
}
