package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/ChuLiYu/bulkwrite/internal/apiclient"
	"github.com/ChuLiYu/bulkwrite/internal/config"
	"github.com/ChuLiYu/bulkwrite/internal/executors"
	"github.com/ChuLiYu/bulkwrite/internal/inbox"
	"github.com/ChuLiYu/bulkwrite/internal/jobmanager"
	"github.com/ChuLiYu/bulkwrite/internal/journal"
	"github.com/ChuLiYu/bulkwrite/internal/metrics"
	"github.com/ChuLiYu/bulkwrite/internal/orchestrator"
	"github.com/ChuLiYu/bulkwrite/internal/report"
	"github.com/ChuLiYu/bulkwrite/internal/server"
	"github.com/ChuLiYu/bulkwrite/pkg/types"
)

// app is the long-running service started by `bulkwrite run`
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	promReg  *prometheus.Registry // nil when metrics are disabled
	metrics  *metrics.Collector
	registry *jobmanager.Registry
	orch     *orchestrator.Orchestrator
	reports  *report.Manager
	journal  *journal.Journal
	server   *server.Server
	inbox    *inbox.Watcher

	removeObserver func()
	httpAddr       string
	grpcAddr       string
	serveErr       chan error
}

// newApp wires every component from cfg; nothing is started yet
func newApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	if cfg.API.BaseURL == "" {
		return nil, errors.New("api.base_url is required (set it in the config or BULKWRITE_API_BASE_URL)")
	}
	client, err := apiclient.New(cfg.API, apiclient.WithLogger(logger))
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger, removeObserver: func() {}, serveErr: make(chan error, 2)}

	if cfg.Metrics.Enabled {
		a.promReg = prometheus.NewRegistry()
		a.promReg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		a.metrics = metrics.NewCollector(a.promReg)
	}

	a.registry = jobmanager.NewRegistry(cfg.Registry,
		jobmanager.WithMetrics(a.metrics),
		jobmanager.WithLogger(logger))

	a.orch = orchestrator.New(cfg.Orchestrator, client.InsertContent,
		orchestrator.WithMetrics(a.metrics),
		orchestrator.WithLogger(logger))

	insertOpts := []executors.InsertOption{executors.WithInsertLogger(logger)}
	if cfg.Report.Path != "" {
		a.reports = report.NewManager(cfg.Report.Path)
		insertOpts = append(insertOpts, executors.WithReport(a.reports))
	}
	a.registry.RegisterExecutor(types.JobTypeInsertContent, executors.InsertContent(a.orch, insertOpts...))
	a.registry.RegisterExecutor(types.JobTypeBulkUpdate, executors.BulkUpdate(client, cfg.Executor.RateLimit))
	a.registry.RegisterExecutor(types.JobTypeBatchOperations, executors.BatchOperations(client, cfg.Executor.RateLimit))

	if cfg.Journal.Path != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Journal.Path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create journal dir: %w", err)
		}
		j, err := journal.Open(cfg.Journal.Path, cfg.Journal.Sync)
		if err != nil {
			return nil, err
		}
		a.journal = j
		a.removeObserver = a.registry.AddObserver(j.Observe)
	}

	serverOpts := []server.Option{server.WithLogger(logger)}
	if a.promReg != nil {
		serverOpts = append(serverOpts, server.WithGatherer(a.promReg))
	}
	if a.reports != nil {
		serverOpts = append(serverOpts, server.WithReports(a.reports))
	}
	a.server = server.New(a.registry, serverOpts...)

	if cfg.Inbox.Dir != "" {
		w, err := inbox.New(inbox.Config{
			Dir:      cfg.Inbox.Dir,
			ParentID: cfg.Inbox.ParentID,
			Position: cfg.Inbox.Position,
		}, a.registry, inbox.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		a.inbox = w
	}

	return a, nil
}

// start runs the registry sweeper, both servers and the inbox
func (a *app) start(ctx context.Context) error {
	a.registry.Start()

	if a.cfg.Server.HTTPAddr != "" {
		lis, err := net.Listen("tcp", a.cfg.Server.HTTPAddr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", a.cfg.Server.HTTPAddr, err)
		}
		a.httpAddr = lis.Addr().String()
		go func() { a.serveErr <- a.server.ServeHTTP(lis) }()
	}

	if a.cfg.Server.GRPCAddr != "" {
		lis, err := net.Listen("tcp", a.cfg.Server.GRPCAddr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", a.cfg.Server.GRPCAddr, err)
		}
		a.grpcAddr = lis.Addr().String()
		go func() { a.serveErr <- a.server.ServeGRPC(lis) }()
	}

	if a.inbox != nil {
		if err := a.inbox.Start(ctx); err != nil {
			return err
		}
	}

	a.logger.Info("bulkwrite started",
		"http", a.httpAddr,
		"grpc", a.grpcAddr,
		"workers", a.orch.Config().MaxWorkers,
		"maxConcurrentJobs", a.registry.Config().MaxConcurrentJobs)
	return nil
}

// shutdown stops intake first, then running jobs, then closes the journal
func (a *app) shutdown(ctx context.Context) error {
	var errs []error

	if a.inbox != nil {
		errs = append(errs, a.inbox.Close())
	}
	errs = append(errs, a.server.Shutdown(ctx))

	a.registry.Stop()
	a.orch.Close()
	a.removeObserver()

	if a.journal != nil {
		errs = append(errs, a.journal.Close())
	}

	a.logger.Info("bulkwrite stopped")
	return errors.Join(errs...)
}
