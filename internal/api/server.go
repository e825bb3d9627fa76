// Package api serves the job submission HTTP API.
package api

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/meshoverlay/internal/httputil"
	"github.com/banshee-data/meshoverlay/internal/pipeline"
	"github.com/banshee-data/meshoverlay/internal/version"
)

// Pipeline is the job-running surface the API drives. *pipeline.Orchestrator
// implements it.
type Pipeline interface {
	Run(ctx context.Context, videoPath string) (*pipeline.JobResult, error)
	SubmitJob(videoPath string) (string, error)
	PollStatus(jobID string) (pipeline.Job, error)
	Jobs() []pipeline.Job
	PoolStatus() pipeline.PoolStatus
	Health() pipeline.Health
}

// History looks up jobs that have left the in-memory tracker. *db.DB
// implements it.
type History interface {
	Job(ctx context.Context, id string) (pipeline.Job, error)
	RecentJobs(ctx context.Context, limit int) ([]pipeline.Job, error)
	FrameOutcomes(ctx context.Context, jobID string) ([]pipeline.FrameOutcome, error)
}

type Server struct {
	pipeline Pipeline
	history  History
}

// NewServer returns a server for p. history may be nil.
func NewServer(p Pipeline, history History) *Server {
	return &Server{pipeline: p, history: history}
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/process", s.handleProcess)
	mux.HandleFunc("/api/jobs", s.handleJobs)
	mux.HandleFunc("/api/jobs/{id}", s.handleJob)
	mux.HandleFunc("/api/jobs/{id}/timing", s.handleJobTiming)
	mux.HandleFunc("/api/pool/status", s.handlePoolStatus)
	mux.HandleFunc("/api/health", s.handleHealth)
	return mux
}

type submitRequest struct {
	VideoPath string `json:"video_path"`
}

type submitResponse struct {
	JobID  string             `json:"job_id"`
	Status pipeline.JobStatus `json:"status"`
}

type jobResponse struct {
	pipeline.Job
	Progress float64 `json:"progress"`
}

type failureResponse struct {
	Error     string              `json:"error"`
	JobID     string              `json:"job_id,omitempty"`
	ErrorKind pipeline.ErrorKind  `json:"error_kind,omitempty"`
	Result    *pipeline.JobResult `json:"result,omitempty"`
}

type healthResponse struct {
	pipeline.Health
	Version string `json:"version"`
	GitSHA  string `json:"git_sha"`
}

func newJobResponse(j pipeline.Job) jobResponse {
	return jobResponse{Job: j, Progress: j.Progress()}
}

func decodeSubmit(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req submitRequest
	if err := httputil.DecodeJSONBody(w, r, &req); err != nil {
		httputil.BadRequest(w, err.Error())
		return "", false
	}
	if req.VideoPath == "" {
		httputil.BadRequest(w, "video_path is required")
		return "", false
	}
	return req.VideoPath, true
}

// handleProcess runs a job to completion within the request.
func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	path, ok := decodeSubmit(w, r)
	if !ok {
		return
	}

	res, err := s.pipeline.Run(r.Context(), path)
	if err == nil {
		httputil.WriteJSONOK(w, res)
		return
	}
	if errors.Is(err, pipeline.ErrClosed) {
		httputil.ServiceUnavailable(w, err.Error())
		return
	}

	resp := failureResponse{Error: err.Error(), Result: res}
	status := http.StatusInternalServerError
	var runErr *pipeline.RunError
	if errors.As(err, &runErr) {
		resp.Error = runErr.Err.Error()
		resp.JobID = runErr.JobID
		resp.ErrorKind = runErr.Kind
		if runErr.Kind == pipeline.ErrorKindInput {
			status = http.StatusUnprocessableEntity
		}
	}
	httputil.WriteJSON(w, status, resp)
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.submitJob(w, r)
	case http.MethodGet:
		s.listJobs(w, r)
	default:
		httputil.MethodNotAllowed(w)
	}
}

func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	path, ok := decodeSubmit(w, r)
	if !ok {
		return
	}
	id, err := s.pipeline.SubmitJob(path)
	switch {
	case errors.Is(err, pipeline.ErrQueueFull),
		errors.Is(err, pipeline.ErrClosed),
		errors.Is(err, pipeline.ErrNotStarted):
		httputil.ServiceUnavailable(w, err.Error())
		return
	case err != nil:
		httputil.InternalServerError(w, err.Error())
		return
	}
	w.Header().Set("Location", "/api/jobs/"+id)
	httputil.WriteJSON(w, http.StatusAccepted, submitResponse{JobID: id, Status: pipeline.JobQueued})
}

// listJobs returns the retained jobs. With ?history=N it also returns up to
// N recorded jobs from the job store.
func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	live := s.pipeline.Jobs()
	jobs := make([]jobResponse, 0, len(live))
	for _, j := range live {
		jobs = append(jobs, newJobResponse(j))
	}
	resp := map[string]interface{}{"jobs": jobs}

	if h := r.URL.Query().Get("history"); h != "" {
		limit, err := strconv.Atoi(h)
		if err != nil || limit <= 0 || limit > 1000 {
			httputil.BadRequest(w, "history must be between 1 and 1000")
			return
		}
		if s.history == nil {
			httputil.NotFound(w, "job history is not enabled")
			return
		}
		recorded, err := s.history.RecentJobs(r.Context(), limit)
		if err != nil {
			httputil.InternalServerError(w, err.Error())
			return
		}
		resp["history"] = recorded
	}
	httputil.WriteJSONOK(w, resp)
}

// lookup finds a job in the tracker and then in the history store.
func (s *Server) lookup(ctx context.Context, id string) (pipeline.Job, error) {
	job, err := s.pipeline.PollStatus(id)
	if err == nil || !errors.Is(err, pipeline.ErrJobNotFound) || s.history == nil {
		return job, err
	}
	return s.history.Job(ctx, id)
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	job, err := s.lookup(r.Context(), r.PathValue("id"))
	if errors.Is(err, pipeline.ErrJobNotFound) {
		httputil.NotFound(w, "job not found")
		return
	}
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, newJobResponse(job))
}

func (s *Server) handlePoolStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, s.pipeline.PoolStatus())
}

// handleHealth answers 200 for ready and degraded, 503 while initializing.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	h := s.pipeline.Health()
	status := http.StatusOK
	if h.Status == pipeline.HealthInitializing {
		status = http.StatusServiceUnavailable
	}
	httputil.WriteJSON(w, status, healthResponse{Health: h, Version: version.Version, GitSHA: version.GitSHA})
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

// LoggingMiddleware logs method, path, status and duration.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Printf("[%d] %s %s %.2fms", lrw.statusCode, r.Method, r.RequestURI,
			float64(time.Since(start).Nanoseconds())/1e6)
	})
}
