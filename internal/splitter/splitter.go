// ============================================================================
// bulkwrite Subtree Splitter - partition a large outline into parallel work
// ============================================================================
//
// Package: internal/splitter
// File: splitter.go
//
// Algorithm:
//   1. Parse the content into ordered (text, indent) lines.
//   2. Every indent-0 line starts a group: the top-level node plus all of its
//      descendants. A descendant never precedes its ancestor, so groups are
//      independent and keep input order. Lines before the first top-level
//      line form a leading group of their own.
//   3. Balance groups into subtrees:
//        buffer += group
//        seal when len(buffer) >= MinNodesPerSubtree
//              and len(buffer)+len(next) > TargetNodesPerSubtree*1.5
//      Once MaxSubtrees-1 subtrees are sealed, every remaining group goes into
//      the last buffer. The hard cap wins over balance.
//   4. Each subtree is rebased to level 0 and re-serialized.
//
// Time estimates are informational only and never drive control decisions.
//
// ============================================================================

package splitter

import (
	"fmt"
	"math"
	"time"

	"github.com/ChuLiYu/bulkwrite/internal/outline"
	"github.com/ChuLiYu/bulkwrite/pkg/types"
)

// Defaults
const (
	DefaultTargetNodesPerSubtree = 50
	DefaultMaxSubtrees           = 10
	DefaultMinNodesPerSubtree    = 5
	DefaultRequestsPerSecond     = 5.0

	// balanceFactor lets a subtree grow past the target before it is sealed
	balanceFactor = 1.5
	// coordinationOverhead is the fixed per-subtree cost in the parallel estimate
	coordinationOverhead = 100 * time.Millisecond
)

// Config controls how content is split
type Config struct {
	TargetNodesPerSubtree int     `mapstructure:"target_nodes_per_subtree" json:"target_nodes_per_subtree" yaml:"target_nodes_per_subtree"`
	MaxSubtrees           int     `mapstructure:"max_subtrees" json:"max_subtrees" yaml:"max_subtrees"`
	MinNodesPerSubtree    int     `mapstructure:"min_nodes_per_subtree" json:"min_nodes_per_subtree" yaml:"min_nodes_per_subtree"`
	RequestsPerSecond     float64 `mapstructure:"requests_per_second" json:"requests_per_second" yaml:"requests_per_second"` // estimates only
}

// DefaultConfig returns (50, 10, 5, 5)
func DefaultConfig() Config {
	return Config{
		TargetNodesPerSubtree: DefaultTargetNodesPerSubtree,
		MaxSubtrees:           DefaultMaxSubtrees,
		MinNodesPerSubtree:    DefaultMinNodesPerSubtree,
		RequestsPerSecond:     DefaultRequestsPerSecond,
	}
}

// withDefaults replaces non-positive fields with their defaults
func (c Config) withDefaults() Config {
	if c.TargetNodesPerSubtree <= 0 {
		c.TargetNodesPerSubtree = DefaultTargetNodesPerSubtree
	}
	if c.MaxSubtrees <= 0 {
		c.MaxSubtrees = DefaultMaxSubtrees
	}
	if c.MinNodesPerSubtree <= 0 {
		c.MinNodesPerSubtree = DefaultMinNodesPerSubtree
	}
	if c.RequestsPerSecond <= 0 {
		c.RequestsPerSecond = DefaultRequestsPerSecond
	}
	return c
}

// Plan is the result of Split
type Plan struct {
	Subtrees            []types.Subtree `json:"subtrees" yaml:"subtrees"`
	TotalNodes          int             `json:"total_nodes" yaml:"total_nodes"`
	RecommendedAgents   int             `json:"recommended_agents" yaml:"recommended_agents"`
	SingleAgentEstimate time.Duration   `json:"single_agent_estimate" yaml:"single_agent_estimate"`
	ParallelEstimate    time.Duration   `json:"parallel_estimate" yaml:"parallel_estimate"`
}

// Split partitions content into independent subtrees.
// Empty content yields an empty plan.
func Split(content string, cfg Config) Plan {
	cfg = cfg.withDefaults()

	lines := outline.Parse(content)
	plan := Plan{TotalNodes: len(lines)}
	if len(lines) == 0 {
		return plan
	}

	perNode := perNodeDuration(cfg.RequestsPerSecond)
	buffers := balance(groupTopLevel(lines), cfg)

	var longest time.Duration
	plan.Subtrees = make([]types.Subtree, 0, len(buffers))
	for i, buf := range buffers {
		st := newSubtree(i, buf, perNode)
		if st.EstimatedDuration > longest {
			longest = st.EstimatedDuration
		}
		plan.Subtrees = append(plan.Subtrees, st)
	}

	plan.SingleAgentEstimate = time.Duration(plan.TotalNodes) * perNode
	plan.ParallelEstimate = longest + time.Duration(len(plan.Subtrees))*coordinationOverhead

	byTarget := int(math.Ceil(float64(plan.TotalNodes) / float64(cfg.TargetNodesPerSubtree)))
	plan.RecommendedAgents = min(len(plan.Subtrees), byTarget, cfg.MaxSubtrees)

	return plan
}

// groupTopLevel slices lines into one group per top-level node
func groupTopLevel(lines []types.Line) [][]types.Line {
	var starts []int
	for i, line := range lines {
		if line.Indent == 0 {
			starts = append(starts, i)
		}
	}
	if len(starts) == 0 {
		return [][]types.Line{lines}
	}

	groups := make([][]types.Line, 0, len(starts)+1)
	if starts[0] > 0 {
		groups = append(groups, lines[:starts[0]])
	}
	for i, start := range starts {
		end := len(lines)
		if i+1 < len(starts) {
			end = starts[i+1]
		}
		groups = append(groups, lines[start:end])
	}
	return groups
}

// balance accumulates groups into at most cfg.MaxSubtrees buffers
func balance(groups [][]types.Line, cfg Config) [][]types.Line {
	limit := float64(cfg.TargetNodesPerSubtree) * balanceFactor

	var sealed [][]types.Line
	var buf []types.Line
	for i, group := range groups {
		if len(sealed) >= cfg.MaxSubtrees-1 {
			for _, rest := range groups[i:] {
				buf = append(buf, rest...)
			}
			break
		}
		if len(buf) >= cfg.MinNodesPerSubtree && float64(len(buf)+len(group)) > limit {
			sealed = append(sealed, buf)
			buf = nil
		}
		buf = append(buf, group...)
	}
	if len(buf) > 0 {
		sealed = append(sealed, buf)
	}
	return sealed
}

func newSubtree(index int, lines []types.Line, perNode time.Duration) types.Subtree {
	rebased := outline.Rebase(lines)
	return types.Subtree{
		ID:                fmt.Sprintf("subtree-%d", index),
		RootLine:          rebased[0].Text,
		Lines:             rebased,
		Content:           outline.Serialize(rebased),
		NodeCount:         len(rebased),
		EstimatedDuration: time.Duration(len(rebased)) * perNode,
	}
}

func perNodeDuration(requestsPerSecond float64) time.Duration {
	return time.Duration(float64(time.Second) / requestsPerSecond)
}
