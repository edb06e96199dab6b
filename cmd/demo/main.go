package main

import (
	"encoding/json"
	"fmt"
	"log"
	"math/rand/v2"
	"net/http"
	"net/http/httptest"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/ChuLiYu/bulkwrite/internal/apiclient"
	"github.com/ChuLiYu/bulkwrite/internal/config"
	"github.com/ChuLiYu/bulkwrite/internal/executors"
	"github.com/ChuLiYu/bulkwrite/internal/jobmanager"
	"github.com/ChuLiYu/bulkwrite/internal/orchestrator"
	"github.com/ChuLiYu/bulkwrite/internal/splitter"
	"github.com/ChuLiYu/bulkwrite/pkg/types"
)

// Runs an insert-content job against an in-process fake API.
//
//	go run ./cmd/demo [sections] [items-per-section]
func main() {
	sections, items := 12, 20
	if len(os.Args) > 1 {
		fmt.Sscan(os.Args[1], &sections)
	}
	if len(os.Args) > 2 {
		fmt.Sscan(os.Args[2], &items)
	}

	cfg, err := config.Load("configs/default.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger := cfg.Log.NewLogger(os.Stderr)

	var created atomic.Int64
	api := httptest.NewServer(fakeAPI(&created))
	defer api.Close()
	cfg.API.BaseURL = api.URL

	client, err := apiclient.New(cfg.API, apiclient.WithLogger(logger))
	if err != nil {
		log.Fatalf("Failed to create API client: %v", err)
	}

	orch := orchestrator.New(cfg.Orchestrator, client.InsertContent, orchestrator.WithLogger(logger))
	defer orch.Close()

	registry := jobmanager.NewRegistry(cfg.Registry, jobmanager.WithLogger(logger))
	registry.RegisterExecutor(types.JobTypeInsertContent, executors.InsertContent(orch, executors.WithInsertLogger(logger)))
	registry.Start()
	defer registry.Stop()

	content := generateOutline(sections, items)
	plan := orch.Plan(content)
	savings := splitter.EstimateTimeSavings(plan.TotalNodes, plan.RecommendedAgents, cfg.Orchestrator.Split.RequestsPerSecond)

	fmt.Printf("✓ Generated %d nodes in %d subtrees\n", plan.TotalNodes, len(plan.Subtrees))
	fmt.Printf("  Single agent: %s, parallel: %s, saved %.1f%%\n",
		savings.SingleAgent, savings.Parallel, savings.PercentSaved)

	id, err := registry.Submit(types.JobTypeInsertContent,
		types.InsertContentParams{ParentID: "demo-root", Content: content}, "demo outline")
	if err != nil {
		log.Fatalf("Failed to submit job: %v", err)
	}
	fmt.Printf("✓ Submitted %s\n", id)
	fmt.Printf("💡 Press Ctrl+C to cancel the job mid-flight\n\n")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-sigChan:
			fmt.Println("\nReceived shutdown signal, cancelling job...")
			if err := registry.CancelJob(id); err != nil {
				fmt.Printf("  cancel: %v\n", err)
			}
		case <-ticker.C:
		}

		job, err := registry.GetJob(id)
		if err != nil {
			log.Fatalf("Failed to read job: %v", err)
		}
		p := job.Progress
		fmt.Printf("📊 %-10s %3d%%  %d/%d  %s\n", job.Status, p.PercentComplete, p.Completed, p.Total, p.CurrentOperation)

		if job.Status.IsTerminal() {
			printFinal(job, created.Load())
			return
		}
	}
}

func printFinal(job *types.Job, created int64) {
	fmt.Printf("\n✓ Job %s %s\n", job.ID, job.Status)
	fmt.Printf("  API created %d nodes\n", created)
	if job.Error != "" {
		fmt.Printf("  Error: %s\n", job.Error)
	}
	for _, e := range job.ItemErrors {
		fmt.Printf("  %s: %s\n", e.Item, e.Error)
	}
	if job.StartedAt > 0 && job.CompletedAt > 0 {
		fmt.Printf("  Took %s\n", time.Duration(job.CompletedAt-job.StartedAt)*time.Millisecond)
	}
}

// generateOutline builds sections top-level nodes with items children each
func generateOutline(sections, items int) string {
	var b strings.Builder
	for s := 1; s <= sections; s++ {
		fmt.Fprintf(&b, "Section %d\n", s)
		for i := 1; i <= items; i++ {
			fmt.Fprintf(&b, "  Item %d.%d\n", s, i)
		}
	}
	return b.String()
}

// fakeAPI accepts inserts with some latency and fails about one in twenty
func fakeAPI(created *atomic.Int64) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ParentID string `json:"parent_id"`
			Content  string `json:"content"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		select {
		case <-time.After(time.Duration(20+rand.IntN(80)) * time.Millisecond):
		case <-r.Context().Done():
			return
		}

		if rand.IntN(20) == 0 {
			http.Error(w, "simulated outage", http.StatusServiceUnavailable)
			return
		}

		var nodes []types.CreatedNode
		for _, line := range strings.Split(strings.TrimRight(req.Content, "\n"), "\n") {
			n := created.Add(1)
			nodes = append(nodes, types.CreatedNode{ID: fmt.Sprintf("node-%d", n), Name: strings.TrimSpace(line)})
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"nodes": nodes})
	})
}
