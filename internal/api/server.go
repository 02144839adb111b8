package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/dunamismax/cinerender/internal/artifact"
	"github.com/dunamismax/cinerender/internal/domain"
	"github.com/dunamismax/cinerender/internal/id"
	"github.com/dunamismax/cinerender/internal/pipeline"
	"github.com/dunamismax/cinerender/internal/queue"
	"github.com/dunamismax/cinerender/internal/store"
)

type Server struct {
	logger       *zap.Logger
	queue        renderQueue
	jobStore     store.JobStore
	artifacts    artifact.Source
	linker       artifact.Linker
	presignTTL   time.Duration
	userIDHeader string
	renderCost   int
	rateLimiter  RateLimiter
	metrics      *metrics
	tracer       trace.Tracer
	mux          *http.ServeMux
	now          func() time.Time
}

type renderQueue interface {
	EnqueueRender(ctx context.Context, payload queue.RenderPayload) (*asynq.TaskInfo, error)
	CancelRender(ctx context.Context, jobID string) (queue.CancelOutcome, error)
}

type Config struct {
	PresignTTL   time.Duration
	UserIDHeader string
	// RenderCost is the number of rate-limit tokens one render request takes.
	RenderCost int
}

type Option func(*Server)

func WithRateLimiter(l RateLimiter) Option {
	return func(s *Server) {
		s.rateLimiter = l
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(s *Server) {
		s.tracer = t
	}
}

// WithLinker makes the artifact route redirect to direct download links
// instead of streaming through the API.
func WithLinker(l artifact.Linker) Option {
	return func(s *Server) {
		s.linker = l
	}
}

func NewServer(logger *zap.Logger, q renderQueue, jobStore store.JobStore, artifacts artifact.Source, cfg Config, opts ...Option) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PresignTTL <= 0 {
		cfg.PresignTTL = 15 * time.Minute
	}
	if strings.TrimSpace(cfg.UserIDHeader) == "" {
		cfg.UserIDHeader = "X-User-ID"
	}
	if cfg.RenderCost < 1 {
		cfg.RenderCost = 1
	}

	s := &Server{
		logger:       logger,
		queue:        q,
		jobStore:     jobStore,
		artifacts:    artifacts,
		presignTTL:   cfg.PresignTTL,
		userIDHeader: cfg.UserIDHeader,
		renderCost:   cfg.RenderCost,
		metrics:      newMetrics(),
		mux:          http.NewServeMux(),
		now:          func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.withTracing(s.metrics.withHTTPMetrics(s.withRateLimit(s.mux)))
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.Handle("GET /metrics", s.metrics.metricsHandler())
	s.mux.HandleFunc("POST /v1/renders", s.handleCreateRender)
	s.mux.HandleFunc("GET /v1/renders/{id}", s.handleGetRender)
	s.mux.HandleFunc("POST /v1/renders/{id}/cancel", s.handleCancelRender)
	s.mux.HandleFunc("GET /v1/renders/{id}/artifact", s.handleGetArtifact)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCreateRender(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateRenderRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	req.Prompt = strings.TrimSpace(req.Prompt)
	req.UserID = strings.TrimSpace(r.Header.Get(s.userIDHeader))
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	now := s.now()
	job := domain.Job{
		ID:         id.New(),
		Status:     domain.JobStatusQueued,
		Stage:      string(pipeline.StageIdle),
		StatusText: "Queued",
		Spec:       req.RenderSpec,
		WebhookURL: req.WebhookURL,
		UserID:     req.UserID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	logger := s.logger.With(zap.String("job_id", job.ID))

	if err := s.jobStore.Create(r.Context(), job); err != nil {
		logger.Error("create job failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to create job")
		return
	}

	info, err := s.queue.EnqueueRender(r.Context(), queue.RenderPayload{
		JobID:       job.ID,
		Spec:        job.Spec,
		WebhookURL:  job.WebhookURL,
		RequestedAt: now,
	})
	if err != nil {
		logger.Error("enqueue render failed", zap.Error(err))
		if _, finishErr := s.jobStore.Finish(r.Context(), job.ID, domain.Outcome{
			Status: domain.JobStatusFailed,
			Error:  "failed to enqueue render",
		}); finishErr != nil {
			logger.Warn("mark unqueued job failed", zap.Error(finishErr))
		}
		writeError(w, http.StatusInternalServerError, "failed to enqueue render")
		return
	}
	s.metrics.queueEnqueued.WithLabelValues(info.Queue).Inc()
	logger.Info("render queued", zap.String("queue", info.Queue), zap.String("user_id", job.UserID))

	writeJSON(w, http.StatusAccepted, renderResponse(job))
}

func (s *Server) handleGetRender(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, renderResponse(job))
}

func (s *Server) handleCancelRender(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}
	if job.Terminal() {
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":  "render already finished",
			"render": renderResponse(job),
		})
		return
	}

	logger := s.logger.With(zap.String("job_id", job.ID))
	outcome, err := s.queue.CancelRender(r.Context(), job.ID)
	if err != nil {
		logger.Error("cancel render failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to cancel render")
		return
	}
	s.metrics.cancellations.WithLabelValues(outcome.String()).Inc()

	if outcome == queue.CancelSignalled {
		// The worker observes the cancellation and records the terminal state.
		logger.Info("render cancellation signalled")
		writeJSON(w, http.StatusAccepted, map[string]any{
			"render":     renderResponse(job),
			"cancelling": true,
		})
		return
	}

	finished, err := s.jobStore.Finish(r.Context(), job.ID, domain.Outcome{Status: domain.JobStatusCancelled})
	switch {
	case errors.Is(err, store.ErrJobFinished):
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":  "render already finished",
			"render": renderResponse(finished),
		})
		return
	case err != nil:
		logger.Error("record cancellation failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to cancel render")
		return
	}
	logger.Info("render cancelled before start", zap.String("outcome", outcome.String()))
	writeJSON(w, http.StatusOK, map[string]any{
		"render":     renderResponse(finished),
		"cancelling": false,
	})
}

func (s *Server) handleGetArtifact(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}
	if job.Status != domain.JobStatusSucceeded || job.Artifact == nil {
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":  "render has no artifact",
			"status": job.Status,
		})
		return
	}
	a := job.Artifact

	if s.linker != nil {
		url, err := s.linker.URL(r.Context(), a.Key, a.Filename, s.presignTTL)
		if err != nil {
			s.logger.Error("presign artifact failed", zap.String("job_id", job.ID), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to link artifact")
			return
		}
		http.Redirect(w, r, url, http.StatusTemporaryRedirect)
		return
	}

	if s.artifacts == nil {
		writeError(w, http.StatusServiceUnavailable, "artifact storage is unavailable")
		return
	}
	body, err := s.artifacts.Open(r.Context(), a.Key)
	if errors.Is(err, artifact.ErrNotFound) {
		writeError(w, http.StatusNotFound, "artifact not found")
		return
	}
	if err != nil {
		s.logger.Error("open artifact failed", zap.String("job_id", job.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to open artifact")
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", a.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", a.Filename))
	if a.Bytes > 0 {
		w.Header().Set("Content-Length", strconv.Itoa(a.Bytes))
	}
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, body); err != nil {
		s.logger.Warn("stream artifact interrupted", zap.String("job_id", job.ID), zap.Error(err))
	}
}

func (s *Server) loadJob(w http.ResponseWriter, r *http.Request) (domain.Job, bool) {
	jobID := strings.TrimSpace(r.PathValue("id"))
	if !id.Valid(jobID) {
		writeError(w, http.StatusBadRequest, "invalid render id")
		return domain.Job{}, false
	}
	job, ok, err := s.jobStore.Get(r.Context(), jobID)
	if err != nil {
		s.logger.Error("fetch job failed", zap.String("job_id", jobID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load render")
		return domain.Job{}, false
	}
	if !ok {
		writeError(w, http.StatusNotFound, "render not found")
		return domain.Job{}, false
	}
	return job, true
}

type renderLinks struct {
	Self     string `json:"self"`
	Cancel   string `json:"cancel"`
	Artifact string `json:"artifact,omitempty"`
}

type renderBody struct {
	domain.Job
	Links renderLinks `json:"links"`
}

func renderResponse(job domain.Job) renderBody {
	self := "/v1/renders/" + job.ID
	links := renderLinks{Self: self, Cancel: self + "/cancel"}
	if job.Status == domain.JobStatusSucceeded && job.Artifact != nil {
		links.Artifact = self + "/artifact"
	}
	return renderBody{Job: job, Links: links}
}

func decodeJSON(r *http.Request, into any) error {
	const maxBodyBytes = 1 << 20
	limited := io.LimitReader(r.Body, maxBodyBytes)
	decoder := json.NewDecoder(limited)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(into); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return errors.New("invalid JSON body: multiple JSON values are not allowed")
	}
	return nil
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
