package report

// ============================================================================
// Responsibilities:
// 1. Serialize the outcome of one write run (plan + merged result) to JSON
// 2. Write atomically (temp file + rename) so a crash never leaves half a file
// 3. Validate the schema version on load
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ChuLiYu/bulkwrite/internal/splitter"
	"github.com/ChuLiYu/bulkwrite/pkg/types"
)

// SchemaVersion is the current report format
const SchemaVersion = 1

var (
	ErrCorruptedReport     = errors.New("report file is corrupted")
	ErrIncompatibleVersion = errors.New("report schema version is incompatible")
	ErrReportNotFound      = errors.New("report file not found")
)

// SubtreeSummary is the plan entry of one subtree, without its content
type SubtreeSummary struct {
	ID                string        `json:"id"`
	RootLine          string        `json:"root_line"`
	NodeCount         int           `json:"node_count"`
	EstimatedDuration time.Duration `json:"estimated_duration"`
}

// Report is the persisted record of one write run
type Report struct {
	SchemaVer int    `json:"schema_version"`
	CreatedAt int64  `json:"created_at"` // Unix milliseconds
	ParentID  string `json:"parent_id"`
	Position  string `json:"position,omitempty"`

	// Plan
	Subtrees            []SubtreeSummary     `json:"subtrees"`
	RequestedNodes      int                  `json:"requested_nodes"`
	RecommendedAgents   int                  `json:"recommended_agents"`
	SingleAgentEstimate time.Duration        `json:"single_agent_estimate"`
	ParallelEstimate    time.Duration        `json:"parallel_estimate"`
	Savings             splitter.TimeSavings `json:"savings"`

	Result types.MergedResult `json:"result"`
}

// New builds a report from a finished run
func New(task types.WriteTask, plan splitter.Plan, savings splitter.TimeSavings, result types.MergedResult) Report {
	r := Report{
		SchemaVer:           SchemaVersion,
		CreatedAt:           time.Now().UnixMilli(),
		ParentID:            task.ParentID,
		Position:            task.Position,
		RequestedNodes:      plan.TotalNodes,
		RecommendedAgents:   plan.RecommendedAgents,
		SingleAgentEstimate: plan.SingleAgentEstimate,
		ParallelEstimate:    plan.ParallelEstimate,
		Savings:             savings,
		Result:              result,
	}
	r.Subtrees = make([]SubtreeSummary, 0, len(plan.Subtrees))
	for _, st := range plan.Subtrees {
		r.Subtrees = append(r.Subtrees, SubtreeSummary{
			ID:                st.ID,
			RootLine:          st.RootLine,
			NodeCount:         st.NodeCount,
			EstimatedDuration: st.EstimatedDuration,
		})
	}
	return r
}

// Manager reads and writes one report file
type Manager struct {
	path string
	mu   sync.Mutex
}

// NewManager creates a manager for the report at path
func NewManager(path string) *Manager {
	return &Manager{path: path}
}

// Path returns the report file path
func (m *Manager) Path() string {
	return m.path
}

// Write replaces the report file atomically
func (m *Manager) Write(r Report) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r.SchemaVer = SchemaVersion

	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}

	if dir := filepath.Dir(m.path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create report dir: %w", err)
		}
	}

	tmpPath := m.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp report: %w", err)
	}
	if err := os.Rename(tmpPath, m.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename report: %w", err)
	}
	return nil
}

// Load reads the report and checks its schema version
func (m *Manager) Load() (Report, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var r Report
	data, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return r, fmt.Errorf("%w: %s", ErrReportNotFound, m.path)
		}
		return r, fmt.Errorf("failed to read report: %w", err)
	}

	if err := json.Unmarshal(data, &r); err != nil {
		return r, fmt.Errorf("%w: %v", ErrCorruptedReport, err)
	}
	if r.SchemaVer != SchemaVersion {
		return r, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, r.SchemaVer, SchemaVersion)
	}
	return r, nil
}

// Exists reports whether the report file exists
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}
