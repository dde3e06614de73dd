package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/gwlsn/fetchray"
	"github.com/gwlsn/fetchray/internal/config"
	"github.com/gwlsn/fetchray/internal/jobs"
	"github.com/gwlsn/fetchray/internal/logger"
)

const (
	maxRequestBody = 64 << 10

	// cancelWait bounds how long DELETE waits for a running job to stop
	cancelWait = 30 * time.Second
)

// VersionFunc reports the extraction tool's version
type VersionFunc func(ctx context.Context) (string, error)

// Handler provides HTTP API handlers
type Handler struct {
	manager     *jobs.Manager
	cfg         *config.Config
	toolVersion VersionFunc
	started     time.Time

	eventInterval time.Duration
}

// NewHandler creates a new API handler
func NewHandler(manager *jobs.Manager, cfg *config.Config, toolVersion VersionFunc) *Handler {
	return &Handler{
		manager:       manager,
		cfg:           cfg,
		toolVersion:   toolVersion,
		started:       time.Now(),
		eventInterval: 500 * time.Millisecond,
	}
}

// response helpers

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

type errorResponse struct {
	Error string         `json:"error"`
	Kind  jobs.ErrorKind `json:"kind"`
}

func writeError(w http.ResponseWriter, status int, kind jobs.ErrorKind, message string) {
	writeJSON(w, status, errorResponse{Error: message, Kind: kind})
}

// writeJobError maps an error from the job manager onto its HTTP status
func writeJobError(w http.ResponseWriter, err error) {
	kind := jobs.KindOf(err)
	status := statusFor(kind)
	if status >= 500 {
		logger.Error("Request failed", "kind", kind, "error", err)
	}
	writeError(w, status, kind, err.Error())
}

func statusFor(kind jobs.ErrorKind) int {
	switch kind {
	case jobs.KindInvalidRequest:
		return http.StatusBadRequest
	case jobs.KindQueueFull:
		return http.StatusTooManyRequests
	case jobs.KindNotFound:
		return http.StatusNotFound
	case jobs.KindNotReady:
		return http.StatusConflict
	case jobs.KindExpired:
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}

// jobResponse is the public view of a job
type jobResponse struct {
	ID           string         `json:"id"`
	TargetURL    string         `json:"target_url"`
	Format       string         `json:"format,omitempty"`
	State        jobs.State     `json:"state"`
	Progress     *float64       `json:"progress"` // null until a tool reports progress
	Error        *jobs.JobError `json:"error,omitempty"`
	ArtifactName string         `json:"artifact_name,omitempty"`
	ArtifactSize int64          `json:"artifact_size,omitempty"`
	ArtifactURL  string         `json:"artifact_url,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	StartedAt    *time.Time     `json:"started_at,omitempty"`
	FinishedAt   *time.Time     `json:"finished_at,omitempty"`
	ExpiresAt    *time.Time     `json:"expires_at,omitempty"`
}

func newJobResponse(job *jobs.Job) jobResponse {
	resp := jobResponse{
		ID:         job.ID,
		TargetURL:  job.Request.TargetURL,
		Format:     job.Request.Format,
		State:      job.State,
		Error:      job.Error,
		CreatedAt:  job.CreatedAt,
		StartedAt:  timePtr(job.StartedAt),
		FinishedAt: timePtr(job.FinishedAt),
		ExpiresAt:  timePtr(job.ExpiresAt),
	}
	if p, ok := job.ProgressValue(); ok {
		resp.Progress = &p
	}
	if job.State == jobs.StateCompleted {
		resp.ArtifactName = job.ArtifactName
		resp.ArtifactSize = job.ArtifactSize
		resp.ArtifactURL = "/jobs/" + job.ID + "/artifact"
	}
	return resp
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// Health handles GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Version handles GET /version
func (h *Handler) Version(w http.ResponseWriter, r *http.Request) {
	resp := map[string]string{"version": fetchray.Version}
	if h.toolVersion != nil {
		v, err := h.toolVersion(r.Context())
		if err != nil {
			resp["extractor_error"] = err.Error()
		} else {
			resp["extractor"] = v
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// CreateJobRequest is the request body for creating a job. url and type are
// accepted as aliases of target_url and format.
type CreateJobRequest struct {
	TargetURL string `json:"target_url"`
	URL       string `json:"url"`
	Format    string `json:"format"`
	Type      string `json:"type"`
}

// CreateJob handles POST /jobs
func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	var body CreateJobRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err := dec.Decode(&body); err != nil {
		msg := "invalid request body"
		if errors.Is(err, io.EOF) {
			msg = "request body is empty"
		}
		writeError(w, http.StatusBadRequest, jobs.KindInvalidRequest, msg)
		return
	}

	req := jobs.Request{TargetURL: body.TargetURL, Format: body.Format}
	if req.TargetURL == "" {
		req.TargetURL = body.URL
	}
	if req.Format == "" {
		req.Format = body.Type
	}

	job, err := h.manager.Submit(req)
	if err != nil {
		writeJobError(w, err)
		return
	}

	w.Header().Set("Location", "/jobs/"+job.ID)
	writeJSON(w, http.StatusAccepted, map[string]string{
		"job_id":       job.ID,
		"state":        string(job.State),
		"status_url":   "/jobs/" + job.ID,
		"events_url":   "/jobs/" + job.ID + "/events",
		"artifact_url": "/jobs/" + job.ID + "/artifact",
	})
}

// ListJobs handles GET /jobs
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	list := h.manager.List()
	out := make([]jobResponse, 0, len(list))
	for _, job := range list {
		out = append(out, newJobResponse(job))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  out,
		"count": len(out),
	})
}

// GetJob handles GET /jobs/{id}
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.manager.Get(r.PathValue("id"))
	if err != nil {
		writeJobError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newJobResponse(job))
}

// CancelJob handles DELETE /jobs/{id}. The response carries the job as it
// is once the worker stops or cancelWait runs out. A job still reported as
// running has been asked to stop; clients poll GET /jobs/{id} or the event
// stream for the final state.
func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), cancelWait)
	defer cancel()

	job, err := h.manager.Cancel(ctx, r.PathValue("id"))
	if err != nil {
		writeJobError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newJobResponse(job))
}

// Artifact handles GET /jobs/{id}/artifact
func (h *Handler) Artifact(w http.ResponseWriter, r *http.Request) {
	art, err := h.manager.OpenArtifact(r.PathValue("id"))
	if err != nil {
		writeJobError(w, err)
		return
	}
	defer art.File.Close()

	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": art.Name}))
	ctype := mime.TypeByExtension(filepath.Ext(art.Name))
	if ctype == "" {
		ctype = "application/octet-stream"
	}
	w.Header().Set("Content-Type", ctype)
	http.ServeContent(w, r, art.Name, art.ModTime, art.File)
}

// Stats handles GET /stats
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":    h.manager.Stats(),
		"version": fetchray.Version,
		"started": humanize.Time(h.started),
		"uptime":  time.Since(h.started).Round(time.Second).String(),
	})
}
