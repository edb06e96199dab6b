package splitter

import (
	"math"
	"time"

	"github.com/ChuLiYu/bulkwrite/pkg/types"
)

// Merge combines per-subtree outcomes into one result.
//
// Node ids come only from successful results, in input order. The total
// duration is the longest unit, since units run in parallel.
func Merge(results []types.SubtreeResult) types.MergedResult {
	merged := types.MergedResult{
		NodeIDs:        []string{},
		FailedSubtrees: []string{},
	}

	for _, r := range results {
		if r.Duration > merged.TotalDuration {
			merged.TotalDuration = r.Duration
		}
		if r.Success {
			merged.NodeIDs = append(merged.NodeIDs, r.NodeIDs...)
			continue
		}
		merged.FailedSubtrees = append(merged.FailedSubtrees, r.SubtreeID)
		merged.Errors = append(merged.Errors, types.SubtreeError{
			SubtreeID: r.SubtreeID,
			Error:     r.Error,
		})
	}

	merged.TotalNodes = len(merged.NodeIDs)
	merged.Success = len(merged.FailedSubtrees) == 0
	return merged
}

// TimeSavings compares a single writer with agentCount parallel writers
type TimeSavings struct {
	NodesPerAgent int           `json:"nodes_per_agent" yaml:"nodes_per_agent"`
	SingleAgent   time.Duration `json:"single_agent" yaml:"single_agent"`
	PerAgent      time.Duration `json:"per_agent" yaml:"per_agent"`
	Overhead      time.Duration `json:"overhead" yaml:"overhead"`
	Parallel      time.Duration `json:"parallel" yaml:"parallel"`
	Saved         time.Duration `json:"saved" yaml:"saved"`
	PercentSaved  float64       `json:"percent_saved" yaml:"percent_saved"`
}

// EstimateTimeSavings is a UX helper; nothing schedules on its output.
// Overhead is agentCount*100ms + 500ms. Savings never go below zero.
func EstimateTimeSavings(totalNodes, agentCount int, requestsPerSecond float64) TimeSavings {
	if agentCount < 1 {
		agentCount = 1
	}
	if requestsPerSecond <= 0 {
		requestsPerSecond = DefaultRequestsPerSecond
	}
	if totalNodes < 0 {
		totalNodes = 0
	}
	perNode := perNodeDuration(requestsPerSecond)

	s := TimeSavings{
		NodesPerAgent: int(math.Ceil(float64(totalNodes) / float64(agentCount))),
		SingleAgent:   time.Duration(totalNodes) * perNode,
		Overhead:      time.Duration(agentCount)*coordinationOverhead + 500*time.Millisecond,
	}
	s.PerAgent = time.Duration(s.NodesPerAgent) * perNode
	s.Parallel = s.PerAgent + s.Overhead

	if s.SingleAgent > s.Parallel {
		s.Saved = s.SingleAgent - s.Parallel
		s.PercentSaved = math.Round(float64(s.Saved)/float64(s.SingleAgent)*1000) / 10
	}
	return s
}
