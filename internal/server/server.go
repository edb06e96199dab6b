// ============================================================================
// bulkwrite Admin Server - HTTP job API and gRPC health
// ============================================================================
//
// Package: internal/server
// File: server.go
//
// HTTP routes:
//   GET  /healthz              registry stats, 200 while serving
//   GET  /jobs[?status=...]    jobs in submission order
//   GET  /jobs/{id}            one job
//   POST /jobs                 submit; body {type, params, description}, or
//                              the insert-content shorthand {parent_id, content, position}
//   POST /jobs/{id}/cancel     cancel a pending or processing job
//   GET  /runs/last            last write run report
//   GET  /metrics              Prometheus metrics
//
// gRPC:
//   grpc.health.v1.Health, reporting ServiceName as SERVING until Shutdown.
//
// ============================================================================

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/ChuLiYu/bulkwrite/internal/jobmanager"
	"github.com/ChuLiYu/bulkwrite/internal/metrics"
	"github.com/ChuLiYu/bulkwrite/internal/report"
	"github.com/ChuLiYu/bulkwrite/pkg/types"
)

// ServiceName is the name reported by the gRPC health service
const ServiceName = "bulkwrite.JobRegistry"

// maxBodyBytes bounds POST /jobs bodies
const maxBodyBytes = 8 << 20

// Jobs is the registry surface the server needs
type Jobs interface {
	Submit(jobType types.JobType, params any, description string) (types.JobID, error)
	CancelJob(id types.JobID) error
	GetJob(id types.JobID) (*types.Job, error)
	ListJobs(filter ...types.JobStatus) []*types.Job
	Stats() map[string]int
}

// Option configures a Server
type Option func(*Server)

// WithGatherer serves /metrics from g
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// WithReports serves /runs/last from m
func WithReports(m *report.Manager) Option {
	return func(s *Server) { s.reports = m }
}

// WithLogger replaces the default slog logger
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// Server exposes the registry over HTTP and reports health over gRPC
type Server struct {
	jobs     Jobs
	gatherer prometheus.Gatherer
	reports  *report.Manager
	logger   *slog.Logger

	httpSrv *http.Server
	grpcSrv *grpc.Server
	health  *health.Server
}

// New creates a server for jobs
func New(jobs Jobs, opts ...Option) *Server {
	s := &Server{
		jobs:   jobs,
		logger: slog.Default(),
		health: health.NewServer(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.httpSrv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.grpcSrv = grpc.NewServer()
	healthpb.RegisterHealthServer(s.grpcSrv, s.health)
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	return s
}

// Handler returns the HTTP routes
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /jobs", s.handleListJobs)
	mux.HandleFunc("GET /jobs/{id}", s.handleGetJob)
	mux.HandleFunc("POST /jobs", s.handleSubmit)
	mux.HandleFunc("POST /jobs/{id}/cancel", s.handleCancel)
	mux.HandleFunc("GET /runs/last", s.handleLastRun)
	if s.gatherer != nil {
		mux.Handle("GET /metrics", metrics.Handler(s.gatherer))
	}
	return mux
}

// ServeHTTP serves the HTTP API on lis until Shutdown
func (s *Server) ServeHTTP(lis net.Listener) error {
	s.logger.Info("HTTP server listening", "addr", lis.Addr().String())
	if err := s.httpSrv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ServeGRPC serves the health service on lis until Shutdown
func (s *Server) ServeGRPC(lis net.Listener) error {
	s.logger.Info("gRPC server listening", "addr", lis.Addr().String())
	return s.grpcSrv.Serve(lis)
}

// Shutdown marks the service NOT_SERVING and stops both servers
func (s *Server) Shutdown(ctx context.Context) error {
	s.health.Shutdown()

	stopped := make(chan struct{})
	go func() {
		s.grpcSrv.GracefulStop()
		close(stopped)
	}()

	err := s.httpSrv.Shutdown(ctx)

	select {
	case <-stopped:
	case <-ctx.Done():
		s.grpcSrv.Stop()
	}
	return err
}

// ============================================================================
// Handlers
// ============================================================================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"jobs":   s.jobs.Stats(),
	})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	var filter []types.JobStatus
	for _, st := range r.URL.Query()["status"] {
		filter = append(filter, types.JobStatus(st))
	}
	writeJSON(w, http.StatusOK, s.jobs.ListJobs(filter...))
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.GetJob(types.JobID(r.PathValue("id")))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// submitRequest is the POST /jobs body
type submitRequest struct {
	Type        types.JobType   `json:"type"`
	Params      json.RawMessage `json:"params"`
	Description string          `json:"description"`

	// insert-content shorthand
	ParentID string `json:"parent_id"`
	Content  string `json:"content"`
	Position string `json:"position"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(fmt.Sprintf("invalid body: %v", err)))
		return
	}

	params, err := decodeParams(req)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
		return
	}
	if req.Type == "" {
		req.Type = types.JobTypeInsertContent
	}

	id, err := s.jobs.Submit(req.Type, params, req.Description)
	if err != nil {
		writeError(w, err)
		return
	}
	s.logger.Info("Job submitted over HTTP", "jobID", id, "type", req.Type)
	writeJSON(w, http.StatusAccepted, map[string]string{"id": string(id)})
}

// decodeParams turns the raw params into the typed params of the job type
func decodeParams(req submitRequest) (any, error) {
	if req.Type == "" || (req.Type == types.JobTypeInsertContent && len(req.Params) == 0) {
		if req.ParentID == "" || req.Content == "" {
			return nil, errors.New("parent_id and content are required")
		}
		return types.InsertContentParams{ParentID: req.ParentID, Content: req.Content, Position: req.Position}, nil
	}

	var target any
	switch req.Type {
	case types.JobTypeInsertContent:
		target = &types.InsertContentParams{}
	case types.JobTypeBulkUpdate:
		target = &types.BulkUpdateParams{}
	case types.JobTypeBatchOperations:
		target = &types.BatchOperationsParams{}
	default:
		// unknown types are accepted and fail in the registry without an executor
		var raw any
		if len(req.Params) > 0 {
			if err := json.Unmarshal(req.Params, &raw); err != nil {
				return nil, fmt.Errorf("invalid params: %w", err)
			}
		}
		return raw, nil
	}

	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, target); err != nil {
			return nil, fmt.Errorf("invalid params: %w", err)
		}
	}
	switch p := target.(type) {
	case *types.InsertContentParams:
		return *p, nil
	case *types.BulkUpdateParams:
		return *p, nil
	default:
		return *target.(*types.BatchOperationsParams), nil
	}
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := types.JobID(r.PathValue("id"))
	if err := s.jobs.CancelJob(id); err != nil {
		writeError(w, err)
		return
	}
	s.logger.Info("Job cancelled over HTTP", "jobID", id)
	job, err := s.jobs.GetJob(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleLastRun(w http.ResponseWriter, r *http.Request) {
	if s.reports == nil {
		writeJSON(w, http.StatusNotFound, errorBody("run reports are disabled"))
		return
	}
	rep, err := s.reports.Load()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// ============================================================================
// Helpers
// ============================================================================

func errorBody(msg string) map[string]string {
	return map[string]string{"error": msg}
}

// writeError maps registry and report errors to status codes
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, jobmanager.ErrJobNotFound), errors.Is(err, report.ErrReportNotFound):
		status = http.StatusNotFound
	case errors.Is(err, jobmanager.ErrJobTerminal):
		status = http.StatusConflict
	case errors.Is(err, jobmanager.ErrInvalidJobType):
		status = http.StatusBadRequest
	case errors.Is(err, jobmanager.ErrRegistryClosed):
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, errorBody(err.Error()))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
