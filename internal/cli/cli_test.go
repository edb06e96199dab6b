package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/bulkwrite/internal/config"
	"github.com/ChuLiYu/bulkwrite/internal/jobmanager"
	"github.com/ChuLiYu/bulkwrite/internal/journal"
	"github.com/ChuLiYu/bulkwrite/internal/report"
	"github.com/ChuLiYu/bulkwrite/internal/server"
	"github.com/ChuLiYu/bulkwrite/internal/splitter"
	"github.com/ChuLiYu/bulkwrite/pkg/types"
)

const sampleOutline = `Intro
  welcome
Chapter 1
  a
  b
Chapter 2
  c
`

// execute runs the root command with args and returns stdout
func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := BuildCLI()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestBuildCLI(t *testing.T) {
	cmd := BuildCLI()

	assert.Equal(t, "bulkwrite", cmd.Use)
	assert.Equal(t, Version, cmd.Version)

	names := make(map[string]bool)
	for _, c := range cmd.Commands() {
		names[c.Name()] = true
		assert.NotNil(t, c.RunE, "%s should have RunE", c.Name())
	}
	for _, want := range []string{"run", "plan", "write", "status", "history", "init-config"} {
		assert.True(t, names[want], "missing command %q", want)
	}

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "c", configFlag.Shorthand)
	assert.Equal(t, "configs/default.yaml", configFlag.DefValue)
}

func TestPlanYAML(t *testing.T) {
	dir := t.TempDir()
	content := writeFile(t, dir, "outline.txt", sampleOutline)
	missing := filepath.Join(dir, "none.yaml")

	out, err := execute(t, "", "-c", missing, "plan", content, "-o", "yaml", "--min-nodes", "1", "--target", "2")
	require.NoError(t, err)

	var v planView
	require.NoError(t, yaml.Unmarshal([]byte(out), &v))
	assert.Equal(t, 7, v.TotalNodes)
	require.Len(t, v.Subtrees, 3)
	assert.Equal(t, "subtree-0", v.Subtrees[0].ID)
	assert.Equal(t, "Intro", v.Subtrees[0].RootLine)
	assert.Equal(t, 2, v.Subtrees[0].NodeCount)
}

func TestPlanJSONFromStdin(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "none.yaml")

	out, err := execute(t, sampleOutline, "-c", missing, "plan", "-", "-o", "json")
	require.NoError(t, err)

	var v planView
	require.NoError(t, json.Unmarshal([]byte(out), &v))
	assert.Equal(t, 7, v.TotalNodes)
	assert.NotEmpty(t, v.Subtrees)
}

func TestPlanTable(t *testing.T) {
	dir := t.TempDir()
	content := writeFile(t, dir, "outline.txt", sampleOutline)

	out, err := execute(t, "", "-c", filepath.Join(dir, "none.yaml"), "plan", content)
	require.NoError(t, err)
	assert.Contains(t, out, "Split plan")
	assert.Contains(t, out, "subtree-0")
	assert.Contains(t, out, "Saved")
}

func TestPlanUnknownFormat(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "none.yaml")
	_, err := execute(t, "A", "-c", missing, "plan", "-o", "xml")
	assert.ErrorContains(t, err, "unknown output format")
}

func TestMergeSplitConfig(t *testing.T) {
	base := config.Default().Orchestrator.Split
	got := mergeSplitConfig(base, splitter.Config{TargetNodesPerSubtree: 3})
	assert.Equal(t, 3, got.TargetNodesPerSubtree)
	assert.Equal(t, base.MaxSubtrees, got.MaxSubtrees)
	assert.Equal(t, base.RequestsPerSecond, got.RequestsPerSecond)
}

func TestWriteAgainstAPI(t *testing.T) {
	var calls atomic.Int32
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/nodes/insert", r.URL.Path)
		n := calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"nodes":[{"id":"n%d","name":"x"}]}`, n)
	}))
	t.Cleanup(api.Close)

	dir := t.TempDir()
	reportPath := filepath.Join(dir, "last-run.json")
	cfgPath := writeFile(t, dir, "config.yaml", fmt.Sprintf(`
api:
  base_url: %s
orchestrator:
  worker_rate_limit: 1000
  progress_interval: 10ms
report:
  path: %s
log:
  level: error
`, api.URL, reportPath))
	content := writeFile(t, dir, "outline.txt", sampleOutline)

	out, err := execute(t, "", "-c", cfgPath, "write", content, "--parent", "root")
	require.NoError(t, err)
	assert.Contains(t, out, "Write result")
	assert.Positive(t, calls.Load())

	rep, err := report.NewManager(reportPath).Load()
	require.NoError(t, err)
	assert.Equal(t, "root", rep.ParentID)
	assert.True(t, rep.Result.Success)
	assert.Equal(t, 7, rep.RequestedNodes)
}

func TestWriteFailsWhenAPIFails(t *testing.T) {
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad parent", http.StatusBadRequest)
	}))
	t.Cleanup(api.Close)

	dir := t.TempDir()
	cfgPath := writeFile(t, dir, "config.yaml", fmt.Sprintf(`
api:
  base_url: %s
orchestrator:
  worker_rate_limit: 1000
  retry_on_failure: false
report:
  path: ""
log:
  level: error
`, api.URL))

	out, err := execute(t, "A\nB\n", "-c", cfgPath, "write", "--parent", "root")
	assert.ErrorContains(t, err, "1 of 1 subtrees failed")
	assert.Contains(t, out, "subtree-0")
}

func TestWriteRequiresParent(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "none.yaml")
	_, err := execute(t, "A", "-c", missing, "write")
	assert.Error(t, err)
}

func TestHistory(t *testing.T) {
	dir := t.TempDir()
	journalPath := filepath.Join(dir, "jobs.journal")

	j, err := journal.Open(journalPath, false)
	require.NoError(t, err)
	for _, e := range []types.JobEvent{
		{Type: types.JobSubmitted, JobID: "job-a", Status: types.StatusPending},
		{Type: types.JobStarted, JobID: "job-a", Status: types.StatusProcessing},
		{Type: types.JobSubmitted, JobID: "job-b", Status: types.StatusPending},
		{Type: types.JobFailed, JobID: "job-a", Status: types.StatusFailed, Error: "boom"},
	} {
		_, err := j.Append(e)
		require.NoError(t, err)
	}
	require.NoError(t, j.Close())

	cfgPath := writeFile(t, dir, "config.yaml", fmt.Sprintf("journal:\n  path: %s\n", journalPath))

	out, err := execute(t, "", "-c", cfgPath, "history", "-n", "2")
	require.NoError(t, err)
	assert.Contains(t, out, "job-b")
	assert.Contains(t, out, "boom")
	assert.NotContains(t, out, "processing")

	out, err = execute(t, "", "-c", cfgPath, "history", "--job", "job-a")
	require.NoError(t, err)
	assert.Contains(t, out, "processing")
	assert.NotContains(t, out, "job-b")
}

func TestHistoryEmpty(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeFile(t, dir, "config.yaml", fmt.Sprintf("journal:\n  path: %s\n", filepath.Join(dir, "none.journal")))

	out, err := execute(t, "", "-c", cfgPath, "history")
	require.NoError(t, err)
	assert.Contains(t, out, "no journal records")
}

func TestStatus(t *testing.T) {
	reg := jobmanager.NewRegistry(jobmanager.Config{})
	t.Cleanup(reg.Stop)
	reg.RegisterExecutor(types.JobTypeBulkUpdate, func(ctx context.Context, params any, onProgress jobmanager.ProgressFunc) (any, error) {
		return "ok", nil
	})
	id, err := reg.Submit(types.JobTypeBulkUpdate, nil, "rename nodes")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = reg.WaitForJob(ctx, id)
	require.NoError(t, err)

	srv := httptest.NewServer(server.New(reg).Handler())
	t.Cleanup(srv.Close)

	out, err := execute(t, "", "-c", filepath.Join(t.TempDir(), "none.yaml"), "status", "--addr", srv.URL)
	require.NoError(t, err)
	assert.Contains(t, out, string(id))
	assert.Contains(t, out, "rename nodes")
	assert.Contains(t, out, "completed")
}

func TestStatusUnreachable(t *testing.T) {
	_, err := execute(t, "", "-c", filepath.Join(t.TempDir(), "none.yaml"), "status", "--addr", "127.0.0.1:1")
	assert.ErrorContains(t, err, "failed to reach server")
}

func TestBaseURL(t *testing.T) {
	assert.Equal(t, "http://localhost:8080", baseURL(":8080"))
	assert.Equal(t, "http://10.0.0.1:9000", baseURL("10.0.0.1:9000"))
	assert.Equal(t, "https://admin.example", baseURL("https://admin.example/"))
}

func TestInitConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "bulkwrite.yaml")

	out, err := execute(t, "", "init-config", path)
	require.NoError(t, err)
	assert.Contains(t, out, path)

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, config.Default().Server.HTTPAddr, cfg.Server.HTTPAddr)

	_, err = execute(t, "", "init-config", path)
	assert.ErrorContains(t, err, "already exists")

	_, err = execute(t, "", "init-config", path, "--force")
	assert.NoError(t, err)
}

func TestNewAppRequiresBaseURL(t *testing.T) {
	cfg := config.Default()
	_, err := newApp(cfg, cfg.Log.NewLogger(io.Discard))
	assert.ErrorContains(t, err, "api.base_url")
}

func TestAppStartAndShutdown(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.API.BaseURL = "http://127.0.0.1:1"
	cfg.Server.HTTPAddr = "127.0.0.1:0"
	cfg.Server.GRPCAddr = "127.0.0.1:0"
	cfg.Journal.Path = filepath.Join(dir, "data", "jobs.journal")
	cfg.Report.Path = filepath.Join(dir, "data", "last-run.json")
	cfg.Inbox.Dir = filepath.Join(dir, "inbox")
	cfg.Inbox.ParentID = "root"
	require.NoError(t, os.MkdirAll(cfg.Inbox.Dir, 0755))

	a, err := newApp(cfg, cfg.Log.NewLogger(io.Discard))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, a.start(ctx))
	require.NotEmpty(t, a.httpAddr)
	require.NotEmpty(t, a.grpcAddr)

	resp, err := http.Get("http://" + a.httpAddr + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get("http://" + a.httpAddr + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(body), "go_goroutines")

	resp, err = http.Get("http://" + a.httpAddr + "/runs/last")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	require.NoError(t, a.shutdown(shutdownCtx))

	_, err = os.Stat(cfg.Journal.Path)
	assert.NoError(t, err)
}
