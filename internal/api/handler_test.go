package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gwlsn/fetchray"
	"github.com/gwlsn/fetchray/internal/config"
	"github.com/gwlsn/fetchray/internal/filestore"
	"github.com/gwlsn/fetchray/internal/jobs"
	"github.com/gwlsn/fetchray/internal/media"
	"github.com/gwlsn/fetchray/internal/tool"
)

// fakeExtractor writes a small file for every URL. URLs containing "block"
// wait until the context ends; URLs containing "fail" exit non-zero.
type fakeExtractor struct{}

func (fakeExtractor) Extract(ctx context.Context, url string, format *media.Format, dir string, timeout time.Duration, onProgress func(float64)) *tool.Result {
	switch {
	case strings.Contains(url, "block"):
		<-ctx.Done()
		return &tool.Result{Name: "yt-dlp", ExitCode: -1, Cancelled: true}
	case strings.Contains(url, "fail"):
		return &tool.Result{Name: "yt-dlp", ExitCode: 1, Stderr: "ERROR: Unsupported URL"}
	}
	onProgress(0.5)
	path := filepath.Join(dir, "My Video [abc].mp4")
	os.WriteFile(path, []byte("0123456789"), 0644)
	return &tool.Result{Name: "yt-dlp", OutputFile: path}
}

type noTranscoder struct{}

func (noTranscoder) Transcode(ctx context.Context, input string, format media.Format, dir string, timeout time.Duration, onProgress func(float64)) *tool.Result {
	return &tool.Result{Name: "ffmpeg", ExitCode: 1, Stderr: "not available in tests"}
}

func setupTestHandler(t *testing.T, cfg *config.Config) (*Handler, http.Handler) {
	t.Helper()
	tmpDir := t.TempDir()

	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	cfg.StoragePath = filepath.Join(tmpDir, "downloads")

	files, err := filestore.New(cfg.StoragePath)
	if err != nil {
		t.Fatalf("failed to create file store: %v", err)
	}
	work, err := filestore.NewWorkspace(cfg.WorkDir())
	if err != nil {
		t.Fatalf("failed to create workspace: %v", err)
	}

	manager := jobs.NewManager(cfg, fakeExtractor{}, noTranscoder{}, files, work)
	manager.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		manager.Shutdown(ctx)
	})

	handler := NewHandler(manager, cfg, func(ctx context.Context) (string, error) {
		return "2025.01.15", nil
	})
	handler.eventInterval = 10 * time.Millisecond
	return handler, NewRouter(handler)
}

func do(t *testing.T, router http.Handler, method, path string, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("failed to parse response %q: %v", w.Body.String(), err)
	}
}

func createJob(t *testing.T, router http.Handler, body string) string {
	t.Helper()
	w := do(t, router, "POST", "/jobs", body)
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected status 202, got %d: %s", w.Code, w.Body.String())
	}
	var resp map[string]string
	decode(t, w, &resp)
	if resp["job_id"] == "" {
		t.Fatalf("expected job_id in response: %v", resp)
	}
	return resp["job_id"]
}

func waitForState(t *testing.T, router http.Handler, id string, state jobs.State) jobResponse {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	var got jobResponse
	for time.Now().Before(deadline) {
		w := do(t, router, "GET", "/jobs/"+id, "")
		if w.Code == http.StatusOK {
			decode(t, w, &got)
			if got.State == state {
				return got
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s never reached %s (last: %+v)", id, state, got)
	return got
}

func TestHealthEndpoint(t *testing.T) {
	_, router := setupTestHandler(t, nil)

	w := do(t, router, "GET", "/health", "")
	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}
}

func TestVersionEndpoint(t *testing.T) {
	handler, router := setupTestHandler(t, nil)

	var resp map[string]string
	decode(t, do(t, router, "GET", "/version", ""), &resp)
	if resp["version"] != fetchray.Version {
		t.Errorf("expected version %s, got %s", fetchray.Version, resp["version"])
	}
	if resp["extractor"] != "2025.01.15" {
		t.Errorf("expected extractor version, got %v", resp)
	}

	handler.toolVersion = func(ctx context.Context) (string, error) {
		return "", errors.New("yt-dlp not found")
	}
	decode(t, do(t, router, "GET", "/version", ""), &resp)
	if resp["extractor_error"] == "" {
		t.Errorf("expected extractor_error, got %v", resp)
	}
}

func TestCreateJobValidation(t *testing.T) {
	_, router := setupTestHandler(t, nil)

	tests := []struct {
		name string
		body string
	}{
		{"empty body", ""},
		{"invalid json", "{not json"},
		{"missing url", `{"format":"mp3"}`},
		{"relative url", `{"target_url":"example.com/watch"}`},
		{"unknown format", `{"target_url":"https://example.com/v","format":"avi"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, router, "POST", "/jobs", tt.body)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("expected status 400, got %d: %s", w.Code, w.Body.String())
			}
			var resp errorResponse
			decode(t, w, &resp)
			if resp.Kind != jobs.KindInvalidRequest {
				t.Errorf("expected kind InvalidRequest, got %q", resp.Kind)
			}
		})
	}
}

func TestCreateAndDownload(t *testing.T) {
	_, router := setupTestHandler(t, nil)

	id := createJob(t, router, `{"url":"https://example.com/watch?v=abc","type":"video"}`)
	job := waitForState(t, router, id, jobs.StateCompleted)

	if job.Format != "mp4" {
		t.Errorf("expected type alias to map to mp4, got %q", job.Format)
	}
	if job.Progress == nil || *job.Progress != 1 {
		t.Errorf("expected progress 1, got %v", job.Progress)
	}
	if job.Error != nil {
		t.Errorf("expected no error, got %+v", job.Error)
	}
	if job.ArtifactURL != "/jobs/"+id+"/artifact" {
		t.Errorf("unexpected artifact URL %q", job.ArtifactURL)
	}
	if job.ExpiresAt == nil {
		t.Error("expected expires_at on completed job")
	}

	w := do(t, router, "GET", "/jobs/"+id+"/artifact", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	if w.Body.String() != "0123456789" {
		t.Errorf("unexpected artifact body %q", w.Body.String())
	}
	if cd := w.Header().Get("Content-Disposition"); !strings.Contains(cd, "attachment") || !strings.Contains(cd, "My Video [abc].mp4") {
		t.Errorf("unexpected Content-Disposition %q", cd)
	}
	if ct := w.Header().Get("Content-Type"); ct == "" {
		t.Error("expected a Content-Type header")
	}

	// Range requests are served partially
	req := httptest.NewRequest("GET", "/jobs/"+id+"/artifact", nil)
	req.Header.Set("Range", "bytes=2-4")
	rw := httptest.NewRecorder()
	router.ServeHTTP(rw, req)
	if rw.Code != http.StatusPartialContent || rw.Body.String() != "234" {
		t.Errorf("expected 206 with 234, got %d %q", rw.Code, rw.Body.String())
	}
}

func TestGetJobNotFound(t *testing.T) {
	_, router := setupTestHandler(t, nil)

	for _, path := range []string{"/jobs/missing", "/jobs/missing/artifact", "/jobs/missing/events"} {
		w := do(t, router, "GET", path, "")
		if w.Code != http.StatusNotFound {
			t.Errorf("%s: expected status 404, got %d", path, w.Code)
		}
	}
	if w := do(t, router, "DELETE", "/jobs/missing", ""); w.Code != http.StatusNotFound {
		t.Errorf("DELETE: expected status 404, got %d", w.Code)
	}
}

func TestArtifactNotReadyAndCancel(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Workers = 1
	_, router := setupTestHandler(t, cfg)

	running := createJob(t, router, `{"target_url":"https://example.com/block"}`)
	queued := createJob(t, router, `{"target_url":"https://example.com/next"}`)
	waitForState(t, router, running, jobs.StateRunning)

	w := do(t, router, "GET", "/jobs/"+queued+"/artifact", "")
	if w.Code != http.StatusConflict {
		t.Errorf("expected status 409 for queued job, got %d", w.Code)
	}
	w = do(t, router, "GET", "/jobs/"+running+"/artifact", "")
	if w.Code != http.StatusConflict {
		t.Errorf("expected status 409 for running job, got %d", w.Code)
	}

	w = do(t, router, "DELETE", "/jobs/"+queued, "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	var job jobResponse
	decode(t, w, &job)
	if job.State != jobs.StateCancelled {
		t.Errorf("expected cancelled, got %s", job.State)
	}

	w = do(t, router, "DELETE", "/jobs/"+running, "")
	decode(t, w, &job)
	if w.Code != http.StatusOK || job.State != jobs.StateCancelled {
		t.Errorf("expected running job cancelled, got %d %s", w.Code, job.State)
	}

	// Cancelling again is a no-op
	if w := do(t, router, "DELETE", "/jobs/"+running, ""); w.Code != http.StatusOK {
		t.Errorf("expected status 200 on repeated cancel, got %d", w.Code)
	}
}

func TestQueueFullReturns429(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Workers = 1
	cfg.QueueCapacity = 1
	_, router := setupTestHandler(t, cfg)

	running := createJob(t, router, `{"target_url":"https://example.com/block/1"}`)
	waitForState(t, router, running, jobs.StateRunning)
	createJob(t, router, `{"target_url":"https://example.com/block/2"}`)

	w := do(t, router, "POST", "/jobs", `{"target_url":"https://example.com/block/3"}`)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected status 429, got %d: %s", w.Code, w.Body.String())
	}
	var resp errorResponse
	decode(t, w, &resp)
	if resp.Kind != jobs.KindQueueFull {
		t.Errorf("expected kind QueueFull, got %q", resp.Kind)
	}
}

func TestFailedJobReportsError(t *testing.T) {
	_, router := setupTestHandler(t, nil)

	id := createJob(t, router, `{"target_url":"https://example.com/fail"}`)
	job := waitForState(t, router, id, jobs.StateFailed)
	if job.Error == nil || job.Error.Kind != jobs.KindToolFailure {
		t.Fatalf("expected ToolFailure, got %+v", job.Error)
	}
	if !strings.Contains(job.Error.Message, "Unsupported URL") {
		t.Errorf("expected diagnostic in message, got %q", job.Error.Message)
	}
	if w := do(t, router, "GET", "/jobs/"+id+"/artifact", ""); w.Code != http.StatusConflict {
		t.Errorf("expected status 409 for failed job, got %d", w.Code)
	}
}

func TestArtifactExpired(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Retention = time.Millisecond
	_, router := setupTestHandler(t, cfg)

	id := createJob(t, router, `{"target_url":"https://example.com/v"}`)
	waitForState(t, router, id, jobs.StateCompleted)
	time.Sleep(10 * time.Millisecond)

	w := do(t, router, "GET", "/jobs/"+id+"/artifact", "")
	if w.Code != http.StatusGone {
		t.Errorf("expected status 410, got %d: %s", w.Code, w.Body.String())
	}
}

func TestJobEventsStream(t *testing.T) {
	_, router := setupTestHandler(t, nil)

	id := createJob(t, router, `{"target_url":"https://example.com/v"}`)

	w := do(t, router, "GET", "/jobs/"+id+"/events", "")
	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("expected text/event-stream, got %q", ct)
	}

	var last jobResponse
	for _, line := range strings.Split(w.Body.String(), "\n") {
		if data, ok := strings.CutPrefix(line, "data: "); ok {
			if err := json.Unmarshal([]byte(data), &last); err != nil {
				t.Fatalf("bad event data %q: %v", data, err)
			}
		}
	}
	if last.State != jobs.StateCompleted {
		t.Errorf("expected stream to end on completed, got %+v", last)
	}
}

func TestListAndStats(t *testing.T) {
	_, router := setupTestHandler(t, nil)

	id := createJob(t, router, `{"target_url":"https://example.com/v"}`)
	waitForState(t, router, id, jobs.StateCompleted)

	var list struct {
		Jobs  []jobResponse `json:"jobs"`
		Count int           `json:"count"`
	}
	decode(t, do(t, router, "GET", "/jobs", ""), &list)
	if list.Count != 1 || len(list.Jobs) != 1 || list.Jobs[0].ID != id {
		t.Errorf("unexpected list %+v", list)
	}

	var stats struct {
		Jobs jobs.Stats `json:"jobs"`
	}
	decode(t, do(t, router, "GET", "/stats", ""), &stats)
	if stats.Jobs.Completed != 1 || stats.Jobs.Artifacts != 1 || stats.Jobs.DiskUsage != 10 {
		t.Errorf("unexpected stats %+v", stats.Jobs)
	}
}

func TestCORS(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.AllowedOrigins = []string{"https://app.example.com"}
	_, router := setupTestHandler(t, cfg)

	req := httptest.NewRequest("OPTIONS", "/jobs", nil)
	req.Header.Set("Origin", "https://app.example.com")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusNoContent {
		t.Errorf("expected preflight 204, got %d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Errorf("unexpected allow origin %q", got)
	}

	req = httptest.NewRequest("GET", "/health", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusForbidden {
		t.Errorf("expected 403 for unknown origin, got %d", w.Code)
	}

	// Requests without an Origin header are unaffected
	if w := do(t, router, "GET", "/health", ""); w.Code != http.StatusOK {
		t.Errorf("expected 200 without origin, got %d", w.Code)
	}
}

func TestStatusFor(t *testing.T) {
	tests := map[jobs.ErrorKind]int{
		jobs.KindInvalidRequest: http.StatusBadRequest,
		jobs.KindQueueFull:      http.StatusTooManyRequests,
		jobs.KindNotFound:       http.StatusNotFound,
		jobs.KindNotReady:       http.StatusConflict,
		jobs.KindExpired:        http.StatusGone,
		jobs.KindStorageError:   http.StatusInternalServerError,
	}
	for kind, expected := range tests {
		if got := statusFor(kind); got != expected {
			t.Errorf("statusFor(%s) = %d, expected %d", kind, got, expected)
		}
	}
}
