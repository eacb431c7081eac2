// Package server exposes the portal's HTTP API: run inspection and
// control, log tailing, tenant health, and scheduler status.
package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/orevatech/opsportal/config"
	"github.com/orevatech/opsportal/errors"
	"github.com/orevatech/opsportal/health"
	"github.com/orevatech/opsportal/run"
	"github.com/orevatech/opsportal/schedule"
)

// Server is the portal HTTP API.
type Server struct {
	cfg        *config.Config
	runs       *run.Store
	dispatcher *run.Dispatcher
	checker    *health.Checker
	schedules  *schedule.Store
	settings   *config.SettingsStore
	logger     *zap.SugaredLogger

	httpServer *http.Server
}

// NewServer creates the API server.
func NewServer(cfg *config.Config, runs *run.Store, dispatcher *run.Dispatcher,
	checker *health.Checker, schedules *schedule.Store,
	settings *config.SettingsStore, logger *zap.SugaredLogger) *Server {
	return &Server{
		cfg:        cfg,
		runs:       runs,
		dispatcher: dispatcher,
		checker:    checker,
		schedules:  schedules,
		settings:   settings,
		logger:     logger,
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/runs", s.handleListRuns)
	mux.HandleFunc("POST /api/runs", s.handleEnqueueRun)
	mux.HandleFunc("GET /api/runs/{id}", s.handleGetRun)
	mux.HandleFunc("POST /api/runs/{id}/cancel", s.handleCancelRun)
	mux.HandleFunc("GET /api/runs/{id}/log", s.handleRunLog)
	mux.HandleFunc("GET /api/tenants/health", s.handleTenantHealth)
	mux.HandleFunc("GET /api/scheduler/status", s.handleSchedulerStatus)
	mux.HandleFunc("GET /ws/runs/{id}/log", s.handleRunLogSocket)
	return mux
}

// Start serves until the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.cfg.Server.Port),
		Handler: s.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Infow("API server listening", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return errors.Wrap(err, "API server failed")
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

// runResponse is the wire shape of a run job.
type runResponse struct {
	ID                string     `json:"id"`
	Scope             string     `json:"scope"`
	TenantKey         *string    `json:"tenant_key,omitempty"`
	TargetDate        *string    `json:"target_date,omitempty"`
	FromDate          *string    `json:"from_date,omitempty"`
	ToDate            *string    `json:"to_date,omitempty"`
	Status            string     `json:"status"`
	PID               *int       `json:"pid,omitempty"`
	ExitCode          *int       `json:"exit_code,omitempty"`
	ExitCodeHelp      string     `json:"exit_code_help,omitempty"`
	FailureReason     string     `json:"failure_reason,omitempty"`
	CommandDisplay    string     `json:"command_display,omitempty"`
	Source            string     `json:"source"`
	QueuedAt          time.Time  `json:"queued_at"`
	StartedAt         *time.Time `json:"started_at,omitempty"`
	FinishedAt        *time.Time `json:"finished_at,omitempty"`
}

func toRunResponse(job *run.Job) *runResponse {
	resp := &runResponse{
		ID:             job.ID,
		Scope:          string(job.Scope),
		TenantKey:      job.TenantKey,
		TargetDate:     job.TargetDate,
		FromDate:       job.FromDate,
		ToDate:         job.ToDate,
		Status:         string(job.Status),
		PID:            job.PID,
		ExitCode:       job.ExitCode,
		FailureReason:  job.FailureReason,
		CommandDisplay: job.CommandDisplay,
		Source:         job.Source(),
		QueuedAt:       job.QueuedAt,
		StartedAt:      job.StartedAt,
		FinishedAt:     job.FinishedAt,
	}
	if job.ExitCode != nil {
		resp.ExitCodeHelp = run.DescribeExitCode(*job.ExitCode)
	}
	return resp
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	filter := run.ListFilter{
		Status:    run.Status(r.URL.Query().Get("status")),
		TenantKey: r.URL.Query().Get("tenant"),
		Limit:     limit,
	}

	jobs, err := s.runs.List(r.Context(), filter)
	if err != nil {
		s.writeError(w, err)
		return
	}
	resp := make([]*runResponse, 0, len(jobs))
	for _, job := range jobs {
		resp = append(resp, toRunResponse(job))
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"runs": resp})
}

// enqueueRequest is the POST /api/runs body.
type enqueueRequest struct {
	Scope             string  `json:"scope"`
	TenantKey         *string `json:"tenant_key"`
	TargetDate        *string `json:"target_date"`
	FromDate          *string `json:"from_date"`
	ToDate            *string `json:"to_date"`
	SkipDownload      bool    `json:"skip_download"`
	Parallel          *int    `json:"parallel"`
	StaggerSeconds    *int    `json:"stagger_seconds"`
	ContinueOnFailure bool    `json:"continue_on_failure"`
}

func (s *Server) handleEnqueueRun(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, errors.NewInvalidRequestError(errors.Wrap(err, "invalid JSON body")))
		return
	}

	settings, err := s.settings.Get(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}

	job := &run.Job{
		Scope:             run.Scope(req.Scope),
		TenantKey:         req.TenantKey,
		TargetDate:        req.TargetDate,
		FromDate:          req.FromDate,
		ToDate:            req.ToDate,
		SkipDownload:      req.SkipDownload,
		ContinueOnFailure: req.ContinueOnFailure,
	}
	if job.Scope != run.ScopeSingle && job.Scope != run.ScopeAll {
		s.writeError(w, errors.NewInvalidRequestError(
			errors.Newf("scope must be %q or %q", run.ScopeSingle, run.ScopeAll)))
		return
	}
	if req.Parallel != nil && *req.Parallel > 0 {
		job.Parallel = *req.Parallel
	} else {
		job.Parallel = settings.EffectiveDefaultParallel(s.cfg.Dashboard)
	}
	if req.StaggerSeconds != nil && *req.StaggerSeconds >= 0 {
		job.StaggerSeconds = *req.StaggerSeconds
	} else {
		job.StaggerSeconds = settings.EffectiveDefaultStaggerSeconds(s.cfg.Dashboard)
	}

	if err := s.runs.Insert(r.Context(), job); err != nil {
		s.writeError(w, err)
		return
	}

	// Kick the dispatcher off-request; the response reports the queued
	// job either way.
	go func() {
		if _, err := s.dispatcher.DispatchNext(context.Background()); err != nil {
			s.logger.Errorw("Failed to dispatch after enqueue", "error", err)
		}
	}()

	s.writeJSON(w, http.StatusCreated, toRunResponse(job))
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	job, err := s.runs.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toRunResponse(job))
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	if err := s.dispatcher.Cancel(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	job, err := s.runs.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toRunResponse(job))
}

func (s *Server) handleRunLog(w http.ResponseWriter, r *http.Request) {
	job, err := s.runs.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	var offset int64
	if raw := r.URL.Query().Get("offset"); raw != "" {
		offset, err = strconv.ParseInt(raw, 10, 64)
		if err != nil {
			s.writeError(w, errors.NewInvalidRequestError(errors.New("offset must be an integer")))
			return
		}
	}
	maxBytes := 0
	if raw := r.URL.Query().Get("max_bytes"); raw != "" {
		maxBytes, _ = strconv.Atoi(raw)
	}

	chunk, err := run.ReadLogChunk(job, offset, maxBytes)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data":       chunk.Data,
		"offset":     chunk.NewOffset,
		"job_status": string(job.Status),
	})
}

func (s *Server) handleTenantHealth(w http.ResponseWriter, r *http.Request) {
	results, err := s.checker.CheckAll(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}

	type tenantHealthResponse struct {
		TenantKey   string `json:"tenant_key"`
		DisplayName string `json:"display_name"`
		Severity    string `json:"severity"`
		Reason      string `json:"reason"`
		Detail      string `json:"detail,omitempty"`
		Activity    string `json:"activity"`
	}
	resp := make([]tenantHealthResponse, 0, len(results))
	for _, th := range results {
		resp = append(resp, tenantHealthResponse{
			TenantKey:   th.TenantKey,
			DisplayName: th.DisplayName,
			Severity:    string(th.Result.Severity),
			Reason:      string(th.Result.Reason),
			Detail:      th.Result.Detail,
			Activity:    string(th.Result.Activity),
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"tenants": resp})
}

func (s *Server) handleSchedulerStatus(w http.ResponseWriter, r *http.Request) {
	status := schedule.GetStatus(r.Context(), s.schedules, s.cfg.Scheduler, time.Now().UTC())
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"state":     string(status.State),
		"last_seen": status.LastSeen,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Errorw("Failed to encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.IsNotFoundError(err) || err == sql.ErrNoRows:
		status = http.StatusNotFound
	case errors.Is(err, errors.ErrInvalidRequest):
		status = http.StatusBadRequest
	case errors.IsLockBusyError(err):
		status = http.StatusConflict
	case errors.IsStatusChangedError(err):
		status = http.StatusConflict
	}

	if status == http.StatusInternalServerError {
		s.logger.Errorw("Request failed", "error", err)
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}
