// Package api exposes the research pipeline over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/nidhogg/finresearch/internal/agent"
	"github.com/nidhogg/finresearch/internal/orchestrator"
	"github.com/nidhogg/finresearch/internal/progress"
	"github.com/nidhogg/finresearch/internal/store"
	"go.uber.org/zap"
)

// Pipeline answers one request.
type Pipeline interface {
	Run(ctx context.Context, req orchestrator.Request) (*orchestrator.Result, error)
}

// Replayer returns the recorded progress events of a job.
type Replayer interface {
	Replay(ctx context.Context, jobID string) ([]progress.Record, error)
}

// Follower streams a job's progress events until the job is done.
type Follower interface {
	Subscribe(ctx context.Context, jobID string) <-chan progress.Record
}

// Pinger reports whether a backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options tune the handler. Zero values are usable.
type Options struct {
	AllowedOrigins []string
	// RunTimeout bounds one pipeline run. Zero means no limit.
	RunTimeout time.Duration
	// Metrics is mounted at /metrics when set.
	Metrics http.Handler
	// Follow serves ?follow=true on the events route when set.
	Follow Follower
	// Database is checked by /api/health when set.
	Database Pinger
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	pipeline Pipeline
	jobs     store.JobStore
	events   Replayer
	opts     Options
	logger   *zap.Logger
	inflight sync.WaitGroup
}

// NewHandler creates a new API handler. events may be nil.
func NewHandler(pipeline Pipeline, jobs store.JobStore, events Replayer, opts Options, logger *zap.Logger) *Handler {
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}
	return &Handler{
		pipeline: pipeline,
		jobs:     jobs,
		events:   events,
		opts:     opts,
		logger:   logger,
	}
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: h.opts.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)
		r.Post("/chat", h.chat)
		r.Get("/jobs/{id}", h.getJob)
		r.Get("/jobs/{id}/events", h.jobEvents)
	})
	if h.opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.opts.Metrics)
	}
	return r
}

// Wait blocks until every background run has finished.
func (h *Handler) Wait() {
	h.inflight.Wait()
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	if h.opts.Database == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.opts.Database.Ping(ctx); err != nil {
		h.logger.Warn("health: database ping failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status":   "degraded",
			"database": err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "database": "ok"})
}

type chatRequest struct {
	orchestrator.Request
	Async bool `json:"async,omitempty"`
}

func (h *Handler) chat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.jobs.CreateJob(r.Context(), req.JobID, req.ChatID, req.Message); err != nil {
		if errors.Is(err, store.ErrJobExists) {
			writeError(w, http.StatusConflict, "job "+req.JobID+" already exists")
			return
		}
		h.logger.Error("create job", zap.String("job", req.JobID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not record job")
		return
	}

	if req.Async {
		h.inflight.Add(1)
		go func() {
			defer h.inflight.Done()
			h.run(context.WithoutCancel(r.Context()), req.Request)
		}()
		writeJSON(w, http.StatusAccepted, map[string]string{
			"job_id": req.JobID,
			"status": string(store.StatusRunning),
		})
		return
	}

	res, err := h.run(r.Context(), req.Request)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, orchestrator.ErrInvalidRequest) {
			status = http.StatusBadRequest
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// run executes the pipeline and writes the outcome to the job store.
func (h *Handler) run(ctx context.Context, req orchestrator.Request) (*orchestrator.Result, error) {
	if h.opts.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.opts.RunTimeout)
		defer cancel()
	}

	res, err := h.pipeline.Run(ctx, req)

	c := store.Completion{Status: store.StatusCompleted}
	if err != nil {
		c.Status = store.StatusFailed
		c.Error = err.Error()
	} else {
		c.Category = string(res.Category)
		c.Phase = string(res.Phase)
		c.RetryCount = res.RetryCount
		c.FullText = res.FullText
		c.ToolCalls = res.ToolCalls
		if res.SkepticVerdict != nil {
			c.SkepticVerdict = res.SkepticVerdict
		}
		if res.Phase == orchestrator.PhaseFailed {
			c.Status = store.StatusFailed
			c.Error = strings.Join(res.Errors, "; ")
		}
	}

	// The record outlives a cancelled request.
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if serr := h.jobs.CompleteJob(saveCtx, req.JobID, c); serr != nil {
		h.logger.Error("complete job", zap.String("job", req.JobID), zap.Error(serr))
	}
	return res, err
}

type jobResponse struct {
	*store.Job
	ToolCalls []agent.ToolCallRecord `json:"tool_calls"`
}

func (h *Handler) getJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := h.jobs.GetJob(r.Context(), id)
	if errors.Is(err, store.ErrJobNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		h.logger.Error("get job", zap.String("job", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not load job")
		return
	}
	calls, err := h.jobs.ListToolCalls(r.Context(), id)
	if err != nil {
		h.logger.Warn("list tool calls", zap.String("job", id), zap.Error(err))
	}
	if calls == nil {
		calls = []agent.ToolCallRecord{}
	}
	writeJSON(w, http.StatusOK, jobResponse{Job: job, ToolCalls: calls})
}

func (h *Handler) jobEvents(w http.ResponseWriter, r *http.Request) {
	if follow := r.URL.Query().Get("follow"); follow == "true" || follow == "1" {
		h.followEvents(w, r)
		return
	}
	if h.events == nil {
		writeError(w, http.StatusServiceUnavailable, "event replay not configured")
		return
	}
	id := chi.URLParam(r, "id")
	records, err := h.events.Replay(r.Context(), id)
	if err != nil {
		h.logger.Error("replay events", zap.String("job", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not replay events")
		return
	}
	if len(records) == 0 {
		if _, err := h.jobs.GetJob(r.Context(), id); errors.Is(err, store.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		records = []progress.Record{}
	}
	writeJSON(w, http.StatusOK, records)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
