// Package server is the HTTP and websocket surface of the engine: target
// and schedule management, run control, inventory and change views, and
// the live event stream. Every mutating endpoint lands in the audit trail
// with actor "api".
package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/marcus-qen/driftwatch/internal/audit"
	"github.com/marcus-qen/driftwatch/internal/events"
	"github.com/marcus-qen/driftwatch/internal/model"
	"github.com/marcus-qen/driftwatch/internal/scanner"
	"github.com/marcus-qen/driftwatch/internal/store"
)

// actorAPI marks audit entries created by operator requests.
const actorAPI = "api"

// Store is the persistence surface the API serves from.
type Store interface {
	Ping(ctx context.Context) error

	CreateTarget(ctx context.Context, name, rootDomain string, scope json.RawMessage) (*model.Target, error)
	GetTarget(ctx context.Context, id string) (*model.Target, error)
	ListTargets(ctx context.Context) ([]*model.Target, error)
	UpdateTargetScope(ctx context.Context, id string, scope json.RawMessage) error

	CreateRun(ctx context.Context, targetID, trigger string, maxHosts, maxHTTPTargets int) (*model.Run, error)
	GetRun(ctx context.Context, id string) (*model.Run, error)
	ListRunsForTarget(ctx context.Context, targetID string, limit int) ([]*model.Run, error)
	LatestCompletedRun(ctx context.Context, targetID string) (*model.Run, error)
	DiscardRun(ctx context.Context, id string) error
	CancelJobsForRun(ctx context.Context, runID, reason string) (cancelled, flagged int64, err error)
	RunResolvedPairs(ctx context.Context, targetID, runID string) ([]store.ResolvedPair, error)

	Enqueue(ctx context.Context, nj store.NewJob) (*model.Job, error)
	EnqueueBatch(ctx context.Context, njs []store.NewJob) ([]*model.Job, error)
	ListJobsForRun(ctx context.Context, runID string) ([]*model.Job, error)

	ListAssets(ctx context.Context, targetID string, f store.AssetFilter) ([]*model.Asset, error)
	ListServices(ctx context.Context, targetID string, f store.ServiceFilter) ([]*store.ServiceRow, error)
	ListEdges(ctx context.Context, targetID string, limit int) ([]*store.EdgeRow, error)
	ListFindings(ctx context.Context, targetID string, f store.FindingFilter) ([]*model.Finding, error)
	ListScansForTarget(ctx context.Context, targetID string, limit int) ([]*model.Scan, error)
	ListScansForRun(ctx context.Context, runID string) ([]*model.Scan, error)
	GetScan(ctx context.Context, id string) (*model.Scan, error)
	ChangesForRun(ctx context.Context, targetID, runID string) (*store.ChangeReport, error)
	ListRunEvents(ctx context.Context, targetID string, f store.RunEventFilter) ([]*model.RunEvent, error)
	ListStaleAssets(ctx context.Context, targetID string) ([]*model.Asset, error)
	ListStaleServices(ctx context.Context, targetID string) ([]*store.ServiceRow, error)

	CreateSchedule(ctx context.Context, sc *model.Schedule) (*model.Schedule, error)
	GetSchedule(ctx context.Context, id string) (*model.Schedule, error)
	ListSchedulesForTarget(ctx context.Context, targetID string) ([]*model.Schedule, error)
	UpdateSchedule(ctx context.Context, sc *model.Schedule) error
	DeleteSchedule(ctx context.Context, id string) error
}

// Server serves the engine API.
type Server struct {
	addr     string
	store    Store
	registry *scanner.Registry
	bus      *events.Bus
	recorder *audit.Recorder
	logger   *zap.Logger
	mux      *http.ServeMux
}

// New wires the API server. The bus feeds the websocket stream and the
// recorder lands operator actions next to engine activity in run_events.
func New(addr string, st Store, registry *scanner.Registry, bus *events.Bus, recorder *audit.Recorder, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		addr:     addr,
		store:    st,
		registry: registry,
		bus:      bus,
		recorder: recorder,
		logger:   logger,
		mux:      http.NewServeMux(),
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	// Health and metrics
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.Handle("GET /metrics", promhttp.Handler())

	// Targets
	s.mux.HandleFunc("POST /api/targets", s.handleCreateTarget)
	s.mux.HandleFunc("GET /api/targets", s.handleListTargets)
	s.mux.HandleFunc("GET /api/targets/{id}", s.handleGetTarget)
	s.mux.HandleFunc("PATCH /api/targets/{id}/scope", s.handleUpdateScope)

	// Runs
	s.mux.HandleFunc("POST /api/targets/{id}/pipeline", s.handleStartPipeline)
	s.mux.HandleFunc("GET /api/targets/{id}/runs", s.handleListRuns)
	s.mux.HandleFunc("GET /api/runs/{id}", s.handleGetRun)
	s.mux.HandleFunc("GET /api/runs/{id}/jobs", s.handleListRunJobs)
	s.mux.HandleFunc("POST /api/runs/{id}/discard", s.handleDiscardRun)
	s.mux.HandleFunc("POST /api/targets/{id}/runs/{run_id}/verify", s.handleVerifyStale)

	// Ad-hoc scans
	s.mux.HandleFunc("POST /api/targets/{id}/scans", s.handleAdHocScan)
	s.mux.HandleFunc("GET /api/scans/{id}", s.handleGetScan)

	// Inventory and evidence
	s.mux.HandleFunc("GET /api/targets/{id}/assets", s.handleListAssets)
	s.mux.HandleFunc("GET /api/targets/{id}/services", s.handleListServices)
	s.mux.HandleFunc("GET /api/targets/{id}/edges", s.handleListEdges)
	s.mux.HandleFunc("GET /api/targets/{id}/findings", s.handleListFindings)
	s.mux.HandleFunc("GET /api/targets/{id}/scans", s.handleListScans)
	s.mux.HandleFunc("GET /api/targets/{id}/changes", s.handleChanges)
	s.mux.HandleFunc("GET /api/targets/{id}/events", s.handleListEvents)

	// Schedules
	s.mux.HandleFunc("POST /api/targets/{id}/schedules", s.handleCreateSchedule)
	s.mux.HandleFunc("GET /api/targets/{id}/schedules", s.handleListSchedules)
	s.mux.HandleFunc("PATCH /api/schedules/{id}", s.handleUpdateSchedule)
	s.mux.HandleFunc("DELETE /api/schedules/{id}", s.handleDeleteSchedule)

	// Live event stream
	s.mux.HandleFunc("GET /ws/{session_id}", s.handleEventStream)
}

// Handler returns the full route table with request logging applied.
func (s *Server) Handler() http.Handler {
	return s.logMiddleware(s.mux)
}

// Start serves the API until the context is cancelled or the listener
// fails, then drains in-flight requests.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("starting http api", zap.String("addr", s.addr))

	httpSrv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api shutdown: %w", err)
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "database unreachable: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &statusResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)

		// Probes and scrapes would drown the log.
		if r.URL.Path == "/healthz" || r.URL.Path == "/metrics" {
			return
		}
		s.logger.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rw.statusCode),
			zap.Duration("duration", time.Since(start).Round(time.Millisecond)),
		)
	})
}

type statusResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusResponseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack forwards to the underlying writer so websocket upgrades work
// through the logging wrapper.
func (w *statusResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return hj.Hijack()
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeStoreError maps store sentinel errors onto HTTP statuses.
func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrAlreadyExists), errors.Is(err, store.ErrActiveRun):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// queryInt parses a non-negative integer query parameter. Absent or
// malformed values come back as zero so store defaults apply.
func queryInt(r *http.Request, key string) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// orEmpty keeps empty list responses as [] rather than null.
func orEmpty[T any](xs []T) []T {
	if xs == nil {
		return []T{}
	}
	return xs
}
