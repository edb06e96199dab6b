// ============================================================================
// bulkwrite CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra command tree of the bulkwrite binary
//
// Command Structure:
//   bulkwrite                      # Root command
//   ├── run                        # Start registry, admin server and inbox
//   ├── plan [file|-]              # Show how content would be split
//   ├── write [file|-]             # Write content directly through the orchestrator
//   ├── status                     # Query a running server
//   ├── history                    # Show the tail of the job journal
//   ├── init-config [path]         # Write the default config as YAML
//   └── --config, -c               # Config file (default: configs/default.yaml)
//
// Configuration:
//   Loaded with viper from the --config file; a missing file means defaults.
//   Every key can be overridden from the environment with the BULKWRITE_
//   prefix, e.g. BULKWRITE_API_BASE_URL or BULKWRITE_ORCHESTRATOR_MAX_WORKERS.
//
// Signal Handling:
//   run and write stop on SIGINT or SIGTERM. run drains in this order:
//   inbox, servers, registry (cancelling live jobs), orchestrator, journal.
//
// ============================================================================

package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/bulkwrite/internal/apiclient"
	"github.com/ChuLiYu/bulkwrite/internal/config"
	"github.com/ChuLiYu/bulkwrite/internal/journal"
	"github.com/ChuLiYu/bulkwrite/internal/orchestrator"
	"github.com/ChuLiYu/bulkwrite/internal/report"
	"github.com/ChuLiYu/bulkwrite/internal/splitter"
	"github.com/ChuLiYu/bulkwrite/pkg/types"
)

// Version is reported by --version
const Version = "0.3.0"

const shutdownTimeout = 15 * time.Second

// BuildCLI returns the root command
func BuildCLI() *cobra.Command {
	var configFile string

	rootCmd := &cobra.Command{
		Use:   "bulkwrite",
		Short: "bulkwrite: parallel bulk writes into hierarchical outlines",
		Long: `bulkwrite splits large outlines into independent subtrees and writes
them in parallel against a rate-limited API, with:
- a background job registry with progress and cancellation
- per-worker token bucket rate limiting
- an HTTP job API, gRPC health and Prometheus metrics
- a checksummed job journal and last-run reports`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	load := func() (*config.Config, error) {
		cfg, err := config.Load(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		return cfg, nil
	}

	rootCmd.AddCommand(buildRunCommand(load))
	rootCmd.AddCommand(buildPlanCommand(load))
	rootCmd.AddCommand(buildWriteCommand(load))
	rootCmd.AddCommand(buildStatusCommand(load))
	rootCmd.AddCommand(buildHistoryCommand(load))
	rootCmd.AddCommand(buildInitConfigCommand())

	return rootCmd
}

type loader func() (*config.Config, error)

// ============================================================================
// run
// ============================================================================

func buildRunCommand(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the job registry, admin server and inbox watcher",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			logger := cfg.Log.NewLogger(cmd.ErrOrStderr())

			a, err := newApp(cfg, logger)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := a.start(ctx); err != nil {
				shutdownApp(a)
				return err
			}

			select {
			case <-ctx.Done():
				logger.Info("Received shutdown signal, stopping gracefully")
			case err := <-a.serveErr:
				if err != nil {
					logger.Error("Server failed", "error", err)
				}
			}
			return shutdownApp(a)
		},
	}
}

func shutdownApp(a *app) error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return a.shutdown(ctx)
}

// ============================================================================
// plan
// ============================================================================

// planView is the printable form of a split plan
type planView struct {
	TotalNodes          int           `json:"total_nodes" yaml:"total_nodes"`
	RecommendedAgents   int           `json:"recommended_agents" yaml:"recommended_agents"`
	SingleAgentEstimate string        `json:"single_agent_estimate" yaml:"single_agent_estimate"`
	ParallelEstimate    string        `json:"parallel_estimate" yaml:"parallel_estimate"`
	Saved               string        `json:"saved" yaml:"saved"`
	PercentSaved        float64       `json:"percent_saved" yaml:"percent_saved"`
	Subtrees            []subtreeView `json:"subtrees" yaml:"subtrees"`
}

type subtreeView struct {
	ID                string `json:"id" yaml:"id"`
	RootLine          string `json:"root_line" yaml:"root_line"`
	NodeCount         int    `json:"node_count" yaml:"node_count"`
	EstimatedDuration string `json:"estimated_duration" yaml:"estimated_duration"`
}

func newPlanView(plan splitter.Plan, savings splitter.TimeSavings) planView {
	v := planView{
		TotalNodes:          plan.TotalNodes,
		RecommendedAgents:   plan.RecommendedAgents,
		SingleAgentEstimate: plan.SingleAgentEstimate.String(),
		ParallelEstimate:    plan.ParallelEstimate.String(),
		Saved:               savings.Saved.String(),
		PercentSaved:        savings.PercentSaved,
		Subtrees:            make([]subtreeView, 0, len(plan.Subtrees)),
	}
	for _, st := range plan.Subtrees {
		v.Subtrees = append(v.Subtrees, subtreeView{
			ID:                st.ID,
			RootLine:          st.RootLine,
			NodeCount:         st.NodeCount,
			EstimatedDuration: st.EstimatedDuration.String(),
		})
	}
	return v
}

func buildPlanCommand(load loader) *cobra.Command {
	var (
		output    string
		overrides splitter.Config
	)

	cmd := &cobra.Command{
		Use:   "plan [file|-]",
		Short: "Split content into subtrees and estimate the time saved",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			content, err := readContent(cmd, args)
			if err != nil {
				return err
			}

			splitCfg := mergeSplitConfig(cfg.Orchestrator.Split, overrides)
			plan := splitter.Split(content, splitCfg)
			savings := splitter.EstimateTimeSavings(plan.TotalNodes, plan.RecommendedAgents, splitCfg.RequestsPerSecond)
			view := newPlanView(plan, savings)

			out := cmd.OutOrStdout()
			switch output {
			case "json":
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(view)
			case "yaml":
				enc := yaml.NewEncoder(out)
				enc.SetIndent(2)
				defer enc.Close()
				return enc.Encode(view)
			case "table":
				printPlanTable(out, view)
				return nil
			default:
				return fmt.Errorf("unknown output format %q (use table, yaml or json)", output)
			}
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "table", "output format: table, yaml, json")
	cmd.Flags().IntVar(&overrides.TargetNodesPerSubtree, "target", 0, "target nodes per subtree")
	cmd.Flags().IntVar(&overrides.MaxSubtrees, "max-subtrees", 0, "maximum number of subtrees")
	cmd.Flags().IntVar(&overrides.MinNodesPerSubtree, "min-nodes", 0, "minimum nodes per subtree")
	cmd.Flags().Float64Var(&overrides.RequestsPerSecond, "rps", 0, "requests per second used for estimates")

	return cmd
}

// mergeSplitConfig applies the positive fields of o on top of base
func mergeSplitConfig(base, o splitter.Config) splitter.Config {
	if o.TargetNodesPerSubtree > 0 {
		base.TargetNodesPerSubtree = o.TargetNodesPerSubtree
	}
	if o.MaxSubtrees > 0 {
		base.MaxSubtrees = o.MaxSubtrees
	}
	if o.MinNodesPerSubtree > 0 {
		base.MinNodesPerSubtree = o.MinNodesPerSubtree
	}
	if o.RequestsPerSecond > 0 {
		base.RequestsPerSecond = o.RequestsPerSecond
	}
	return base
}

func printPlanTable(w io.Writer, v planView) {
	summary := keyValues("Split plan", [][2]string{
		{"Nodes", strconv.Itoa(v.TotalNodes)},
		{"Subtrees", strconv.Itoa(len(v.Subtrees))},
		{"Agents", strconv.Itoa(v.RecommendedAgents)},
		{"Single agent", v.SingleAgentEstimate},
		{"Parallel", v.ParallelEstimate},
		{"Saved", fmt.Sprintf("%s (%.1f%%)", v.Saved, v.PercentSaved)},
	})

	t := &table{headers: []string{"ID", "ROOT", "NODES", "ESTIMATE"}}
	for _, st := range v.Subtrees {
		t.add(st.ID, truncate(st.RootLine, 40), strconv.Itoa(st.NodeCount), st.EstimatedDuration)
	}
	printBlock(w, summary, "", t.render())
}

// readContent reads the file named by args[0], or stdin for "-" or no args
func readContent(cmd *cobra.Command, args []string) (string, error) {
	if len(args) == 0 || args[0] == "-" {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return "", fmt.Errorf("failed to read stdin: %w", err)
		}
		return string(data), nil
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return "", fmt.Errorf("failed to read content file: %w", err)
	}
	return string(data), nil
}

// ============================================================================
// write
// ============================================================================

func buildWriteCommand(load loader) *cobra.Command {
	var parentID, position string

	cmd := &cobra.Command{
		Use:   "write [file|-]",
		Short: "Write content under a parent node, bypassing the job registry",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			content, err := readContent(cmd, args)
			if err != nil {
				return err
			}
			logger := cfg.Log.NewLogger(cmd.ErrOrStderr())

			client, err := apiclient.New(cfg.API, apiclient.WithLogger(logger))
			if err != nil {
				return err
			}
			orch := orchestrator.New(cfg.Orchestrator, client.InsertContent, orchestrator.WithLogger(logger))
			defer orch.Close()

			stderr := cmd.ErrOrStderr()
			progress := orchestrator.WithProgress(func(p types.RunProgress) {
				fmt.Fprintf(stderr, "%d/%d nodes, %d failed, %s elapsed, ~%s left\n",
					p.CreatedNodes, p.TotalNodes, p.FailedNodes,
					roundDuration(p.Elapsed), roundDuration(p.EstimatedRemaining))
			})

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			task := types.WriteTask{ParentID: parentID, Content: content, Position: position}
			plan := orch.Plan(content)
			result, runErr := orch.Execute(ctx, task, progress)

			savings := splitter.EstimateTimeSavings(plan.TotalNodes, plan.RecommendedAgents, orch.Config().Split.RequestsPerSecond)
			if cfg.Report.Path != "" {
				m := report.NewManager(cfg.Report.Path)
				if err := m.Write(report.New(task, plan, savings, result)); err != nil {
					logger.Warn("Failed to write run report", "path", m.Path(), "error", err)
				}
			}

			printResult(cmd.OutOrStdout(), plan, result)

			if runErr != nil {
				return runErr
			}
			if !result.Success {
				return fmt.Errorf("%d of %d subtrees failed", len(result.FailedSubtrees), len(plan.Subtrees))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&parentID, "parent", "", "parent node ID")
	cmd.Flags().StringVar(&position, "position", "", "insert position: top or bottom")
	cmd.MarkFlagRequired("parent")

	return cmd
}

func printResult(w io.Writer, plan splitter.Plan, r types.MergedResult) {
	status := string(types.StatusCompleted)
	if !r.Success {
		status = string(types.StatusFailed)
	}
	summary := keyValues("Write result", [][2]string{
		{"Status", styledStatus(status)},
		{"Requested", strconv.Itoa(plan.TotalNodes)},
		{"Created", strconv.Itoa(r.TotalNodes)},
		{"Subtrees", fmt.Sprintf("%d (%d failed)", len(plan.Subtrees), len(r.FailedSubtrees))},
		{"Duration", roundDuration(r.TotalDuration)},
	})
	if len(r.Errors) == 0 {
		printBlock(w, summary)
		return
	}
	t := &table{headers: []string{"SUBTREE", "ERROR"}}
	for _, e := range r.Errors {
		t.add(e.SubtreeID, truncate(e.Error, 80))
	}
	printBlock(w, summary, "", t.render())
}

// ============================================================================
// status
// ============================================================================

func buildStatusCommand(load loader) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show registry stats and jobs of a running server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				cfg, err := load()
				if err != nil {
					return err
				}
				addr = cfg.Server.HTTPAddr
			}
			base := baseURL(addr)

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			var health struct {
				Status string         `json:"status"`
				Jobs   map[string]int `json:"jobs"`
			}
			if err := getJSON(ctx, base+"/healthz", &health); err != nil {
				return err
			}
			var jobs []types.Job
			if err := getJSON(ctx, base+"/jobs", &jobs); err != nil {
				return err
			}

			printStatus(cmd.OutOrStdout(), base, health.Status, health.Jobs, jobs)
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "admin server address (default: server.http_addr)")
	return cmd
}

func baseURL(addr string) string {
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimRight(addr, "/")
	}
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "http://" + addr
}

func getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach server: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("GET %s: %s: %s", url, resp.Status, strings.TrimSpace(string(body)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func printStatus(w io.Writer, base, status string, stats map[string]int, jobs []types.Job) {
	keys := make([]string, 0, len(stats))
	for k := range stats {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := [][2]string{{"Server", base}, {"Status", status}}
	for _, k := range keys {
		pairs = append(pairs, [2]string{k, strconv.Itoa(stats[k])})
	}
	summary := keyValues("bulkwrite", pairs)

	if len(jobs) == 0 {
		printBlock(w, summary)
		return
	}
	t := &table{headers: []string{"ID", "TYPE", "STATUS", "PROGRESS", "CREATED", "DESCRIPTION"}}
	for _, j := range jobs {
		t.add(string(j.ID), string(j.Type), styledStatus(string(j.Status)),
			fmt.Sprintf("%d%% (%d/%d)", j.Progress.PercentComplete, j.Progress.Completed, j.Progress.Total),
			formatMillis(j.CreatedAt), truncate(j.Description, 30))
	}
	printBlock(w, summary, "", t.render())
}

// ============================================================================
// history
// ============================================================================

func buildHistoryCommand(load loader) *cobra.Command {
	var (
		limit int
		jobID string
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show the most recent job journal records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if cfg.Journal.Path == "" {
				return errors.New("journal is disabled (journal.path is empty)")
			}

			var records []journal.Record
			if jobID == "" {
				records, err = journal.Tail(cfg.Journal.Path, limit)
			} else {
				records, err = jobRecords(cfg.Journal.Path, types.JobID(jobID), limit)
			}
			if err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}

			out := cmd.OutOrStdout()
			if len(records) == 0 {
				fmt.Fprintln(out, "no journal records")
				return nil
			}
			t := &table{headers: []string{"SEQ", "TIME", "EVENT", "JOB", "STATUS", "PROGRESS", "ERROR"}}
			for _, r := range records {
				e := r.Event
				t.add(strconv.FormatUint(r.Seq, 10), formatMillis(r.Timestamp), string(e.Type),
					string(e.JobID), styledStatus(string(e.Status)),
					fmt.Sprintf("%d%%", e.Progress.PercentComplete), truncate(e.Error, 40))
			}
			printBlock(out, titleStyle.Render(filepath.Base(cfg.Journal.Path)), t.render())
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of records to show")
	cmd.Flags().StringVar(&jobID, "job", "", "only show records of this job")
	return cmd
}

// jobRecords returns the last n records of one job
func jobRecords(path string, id types.JobID, n int) ([]journal.Record, error) {
	var out []journal.Record
	err := journal.Replay(path, func(r journal.Record) error {
		if r.Event.JobID == id {
			out = append(out, r)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if n > 0 && len(out) > n {
		out = out[len(out)-n:]
	}
	return out, nil
}

// ============================================================================
// init-config
// ============================================================================

func buildInitConfigCommand() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init-config [path]",
		Short: "Write the default configuration as YAML",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "configs/default.yaml"
			if len(args) == 1 {
				path = args[0]
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := config.WriteDefault(path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			return nil
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite an existing file")
	return cmd
}
