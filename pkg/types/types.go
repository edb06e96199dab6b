// Package types defines the core domain models shared by the bulkwrite
// packages: background jobs, outline subtrees, worker state and run results.
package types

import (
	"time"
)

// ============================================================================
// Jobs
// ============================================================================

// JobID is the unique job identifier
type JobID string

// JobType selects which registered executor handles a job
type JobType string

// Job types understood by the bundled executors
const (
	JobTypeInsertContent   JobType = "insert-content"   // large hierarchical insert, runs through the orchestrator
	JobTypeBulkUpdate      JobType = "bulk-update"      // field updates on existing nodes
	JobTypeBatchOperations JobType = "batch-operations" // mixed create/update/delete/move operations
)

// JobStatus is the lifecycle state of a job
type JobStatus string

// Job status constants.
// pending -> processing -> {completed | failed | cancelled}; pending -> cancelled is also legal.
const (
	StatusPending    JobStatus = "pending"    // submitted, waiting for a free slot
	StatusProcessing JobStatus = "processing" // executor is running
	StatusCompleted  JobStatus = "completed"  // executor returned a result
	StatusFailed     JobStatus = "failed"     // executor returned an error, or no executor exists
	StatusCancelled  JobStatus = "cancelled"  // cancelled by a caller before it settled
)

// IsTerminal reports whether no further transition is possible
func (s JobStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// JobProgress is the progress record reported by an executor
type JobProgress struct {
	Total            int    `json:"total"`
	Completed        int    `json:"completed"`
	Failed           int    `json:"failed"`
	PercentComplete  int    `json:"percent_complete"`
	CurrentOperation string `json:"current_operation,omitempty"`
}

// ItemError records the failure of a single item inside a job
type ItemError struct {
	Item  string `json:"item"`
	Error string `json:"error"`
}

// Job is a tracked unit of background work
type Job struct {
	// Identity
	ID          JobID   `json:"id"`
	Type        JobType `json:"type"`
	Description string  `json:"description,omitempty"`
	Params      any     `json:"params,omitempty"` // opaque to the registry

	// State
	Status     JobStatus   `json:"status"`
	Progress   JobProgress `json:"progress"`
	Result     any         `json:"result,omitempty"`
	Error      string      `json:"error,omitempty"`
	ItemErrors []ItemError `json:"item_errors,omitempty"`

	// Timestamps (Unix milliseconds, 0 = not reached yet)
	CreatedAt   int64 `json:"created_at"`
	StartedAt   int64 `json:"started_at,omitempty"`
	CompletedAt int64 `json:"completed_at,omitempty"`
}

// Clone returns a copy that does not share slices with the receiver.
// Params and Result are shared; executors treat them as immutable.
func (j *Job) Clone() *Job {
	c := *j
	if j.ItemErrors != nil {
		c.ItemErrors = append([]ItemError(nil), j.ItemErrors...)
	}
	return &c
}

// JobEventType names a registry lifecycle event
type JobEventType string

// Registry lifecycle events
const (
	JobSubmitted  JobEventType = "submitted"
	JobStarted    JobEventType = "started"
	JobProgressed JobEventType = "progress"
	JobCompleted  JobEventType = "completed"
	JobFailed     JobEventType = "failed"
	JobCancelled  JobEventType = "cancelled"
	JobEvicted    JobEventType = "evicted"
)

// JobEvent is published by the registry on every state change
type JobEvent struct {
	Type      JobEventType `json:"type"`
	JobID     JobID        `json:"job_id"`
	JobType   JobType      `json:"job_type"`
	Status    JobStatus    `json:"status"`
	Progress  JobProgress  `json:"progress"`
	Error     string       `json:"error,omitempty"`
	Timestamp int64        `json:"timestamp"` // Unix milliseconds
}

// ============================================================================
// Outline content
// ============================================================================

// Line is one parsed outline line
type Line struct {
	Text   string `json:"text"`
	Indent int    `json:"indent"` // nesting level, 0 = top level
}

// Subtree is an independent, self-contained unit of outline content
type Subtree struct {
	ID                string        `json:"id"`
	RootLine          string        `json:"root_line"`
	Lines             []Line        `json:"lines"`   // rebased so the shallowest line is level 0
	Content           string        `json:"content"` // re-serialized, two spaces per level
	NodeCount         int           `json:"node_count"`
	EstimatedDuration time.Duration `json:"estimated_duration"`
}

// CreatedNode is a node returned by the remote API after a write
type CreatedNode struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// SubtreeResult is the outcome of writing one subtree
type SubtreeResult struct {
	SubtreeID string        `json:"subtree_id"`
	Success   bool          `json:"success"`
	NodeIDs   []string      `json:"node_ids,omitempty"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// SubtreeError pairs a failed subtree with its last error
type SubtreeError struct {
	SubtreeID string `json:"subtree_id"`
	Error     string `json:"error"`
}

// MergedResult aggregates the outcomes of all subtrees of one write.
//
// TotalNodes is the number of nodes that were actually created (successful
// subtrees only), not the number of nodes that were requested.
type MergedResult struct {
	Success        bool           `json:"success"`
	TotalNodes     int            `json:"total_nodes"`
	NodeIDs        []string       `json:"node_ids"`
	FailedSubtrees []string       `json:"failed_subtrees"`
	Errors         []SubtreeError `json:"errors,omitempty"`
	TotalDuration  time.Duration  `json:"total_duration"` // max of unit durations (parallel wall clock)
}

// WriteTask is one large hierarchical write request
type WriteTask struct {
	ParentID string `json:"parent_id"`
	Content  string `json:"content"`
	Position string `json:"position,omitempty"`
}

// ============================================================================
// Workers
// ============================================================================

// WorkerStatus is the state of a pool slot
type WorkerStatus string

// Worker status constants
const (
	WorkerIdle      WorkerStatus = "idle"
	WorkerWorking   WorkerStatus = "working"
	WorkerCompleted WorkerStatus = "completed"
	WorkerFailed    WorkerStatus = "failed"
)

// WorkerState is the observable state of one worker
type WorkerState struct {
	ID           int          `json:"id"`
	SubtreeID    string       `json:"subtree_id,omitempty"` // empty when unassigned
	Status       WorkerStatus `json:"status"`
	Progress     int          `json:"progress"` // percent of the current subtree
	NodesCreated int          `json:"nodes_created"`
	NodeIDs      []string     `json:"node_ids,omitempty"`
	Error        string       `json:"error,omitempty"`
	StartedAt    int64        `json:"started_at,omitempty"`
	CompletedAt  int64        `json:"completed_at,omitempty"`
}

// RunProgress is the periodic progress snapshot of an orchestrator run
type RunProgress struct {
	RunID              string        `json:"run_id"`
	Workers            []WorkerState `json:"workers"`
	TotalNodes         int           `json:"total_nodes"`
	CreatedNodes       int           `json:"created_nodes"`
	FailedNodes        int           `json:"failed_nodes"`
	Elapsed            time.Duration `json:"elapsed"`
	EstimatedRemaining time.Duration `json:"estimated_remaining"`
}

// ============================================================================
// Executor parameters
// ============================================================================

// InsertContentParams are the params of an insert-content job
type InsertContentParams struct {
	ParentID string `json:"parent_id"`
	Content  string `json:"content"`
	Position string `json:"position,omitempty"`
}

// NodeUpdate changes fields of an existing node; nil fields are left alone
type NodeUpdate struct {
	NodeID    string  `json:"node_id"`
	Name      *string `json:"name,omitempty"`
	Note      *string `json:"note,omitempty"`
	Completed *bool   `json:"completed,omitempty"`
}

// BulkUpdateParams are the params of a bulk-update job
type BulkUpdateParams struct {
	Updates []NodeUpdate `json:"updates"`
}

// OperationKind names a single remote operation
type OperationKind string

// Operation kinds
const (
	OpCreate     OperationKind = "create"
	OpUpdate     OperationKind = "update"
	OpDelete     OperationKind = "delete"
	OpMove       OperationKind = "move"
	OpComplete   OperationKind = "complete"
	OpUncomplete OperationKind = "uncomplete"
)

// Operation is one entry of a batch-operations job
type Operation struct {
	Kind     OperationKind `json:"kind"`
	NodeID   string        `json:"node_id,omitempty"`
	ParentID string        `json:"parent_id,omitempty"`
	Name     string        `json:"name,omitempty"`
	Note     string        `json:"note,omitempty"`
	Position string        `json:"position,omitempty"`
}

// BatchOperationsParams are the params of a batch-operations job
type BatchOperationsParams struct {
	Operations []Operation `json:"operations"`
}

// BatchSummary is the result of bulk-update and batch-operations jobs
type BatchSummary struct {
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}
