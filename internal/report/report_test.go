package report

// ============================================================================
// Report Manager Test File
// Purpose: Verify atomic write, load, version check and corruption handling
// ============================================================================

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/bulkwrite/internal/splitter"
	"github.com/ChuLiYu/bulkwrite/pkg/types"
)

func sampleReport() Report {
	var b strings.Builder
	for i := 0; i < 3; i++ {
		b.WriteString("Section\n  a\n  b\n  c\n  d\n  e\n")
	}
	plan := splitter.Split(b.String(), splitter.Config{TargetNodesPerSubtree: 6, MinNodesPerSubtree: 2})
	savings := splitter.EstimateTimeSavings(plan.TotalNodes, plan.RecommendedAgents, 5)
	result := types.MergedResult{
		Success:        false,
		TotalNodes:     12,
		NodeIDs:        []string{"n1", "n2"},
		FailedSubtrees: []string{"subtree-2"},
		Errors:         []types.SubtreeError{{SubtreeID: "subtree-2", Error: "500"}},
		TotalDuration:  2 * time.Second,
	}
	return New(types.WriteTask{ParentID: "root", Position: "bottom"}, plan, savings, result)
}

func TestNew(t *testing.T) {
	r := sampleReport()

	assert.Equal(t, SchemaVersion, r.SchemaVer)
	assert.Equal(t, "root", r.ParentID)
	assert.Equal(t, 18, r.RequestedNodes)
	require.Len(t, r.Subtrees, 3)
	assert.Equal(t, "Section", r.Subtrees[0].RootLine)
	assert.Equal(t, 6, r.Subtrees[0].NodeCount)
	assert.NotZero(t, r.CreatedAt)
}

func TestWriteAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runs", "last.json")
	m := NewManager(path)
	assert.Equal(t, path, m.Path())
	assert.False(t, m.Exists())

	original := sampleReport()
	require.NoError(t, m.Write(original))
	assert.True(t, m.Exists())

	_, err := os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err), "temp file must be renamed away")

	loaded, err := m.Load()
	require.NoError(t, err)
	assert.Equal(t, original, loaded)
}

func TestWriteOverwrites(t *testing.T) {
	m := NewManager(filepath.Join(t.TempDir(), "report.json"))

	first := sampleReport()
	require.NoError(t, m.Write(first))

	second := sampleReport()
	second.ParentID = "other"
	require.NoError(t, m.Write(second))

	loaded, err := m.Load()
	require.NoError(t, err)
	assert.Equal(t, "other", loaded.ParentID)
}

func TestLoadMissing(t *testing.T) {
	_, err := NewManager(filepath.Join(t.TempDir(), "missing.json")).Load()
	assert.ErrorIs(t, err, ErrReportNotFound)
}

func TestLoadCorrupted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "report.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))

	_, err := NewManager(path).Load()
	assert.ErrorIs(t, err, ErrCorruptedReport)
}

func TestLoadIncompatibleVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "report.json")
	r := sampleReport()
	r.SchemaVer = 99
	data, err := json.Marshal(r)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0644))

	_, err = NewManager(path).Load()
	assert.ErrorIs(t, err, ErrIncompatibleVersion)
}
