package jobs

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/gwlsn/fetchray/internal/config"
	"github.com/gwlsn/fetchray/internal/filestore"
	"github.com/gwlsn/fetchray/internal/logger"
	"github.com/gwlsn/fetchray/internal/media"
	"github.com/gwlsn/fetchray/internal/tool"
)

// Extractor downloads a remote resource into dir
type Extractor interface {
	Extract(ctx context.Context, url string, format *media.Format, dir string, timeout time.Duration, onProgress func(float64)) *tool.Result
}

// Transcoder converts a downloaded file into another format inside dir
type Transcoder interface {
	Transcode(ctx context.Context, input string, format media.Format, dir string, timeout time.Duration, onProgress func(float64)) *tool.Result
}

// Artifacts is the on-disk artifact store
type Artifacts interface {
	Save(jobID, src string) (filestore.Entry, error)
	Open(jobID string) (*os.File, filestore.Entry, error)
	Delete(jobID string) error
	Sweep(now time.Time, expiresAt func(jobID string) (time.Time, bool)) []string
	Usage() (count int, bytes int64)
}

// Workspace provides per-job scratch directories
type Workspace interface {
	Prepare(jobID string) (string, error)
	Release(jobID string) error
}

// Store persists job history. Implementations must be safe for concurrent use.
type Store interface {
	SaveJob(job *Job) error
	DeleteJob(id string) error
	GetAllJobs() ([]*Job, error)
}

// record guards one job. Writers hold mu; readers load snap without locking.
type record struct {
	mu              sync.Mutex
	job             Job
	snap            atomic.Pointer[Job]
	cancel          context.CancelFunc // set while running
	cancelRequested bool
	done            chan struct{} // closed once terminal
}

func newRecord(job Job) *record {
	rec := &record{job: job, done: make(chan struct{})}
	if job.State.IsTerminal() {
		close(rec.done)
	}
	rec.publish()
	return rec
}

// publish makes the current job visible to readers. Caller holds mu
// (or owns rec exclusively).
func (r *record) publish() {
	j := r.job
	r.snap.Store(&j)
}

func (r *record) snapshot() *Job {
	j := *r.snap.Load()
	return &j
}

// Artifact is an open completed download
type Artifact struct {
	File    *os.File
	Name    string
	Size    int64
	ModTime time.Time
}

// Stats holds manager statistics
type Stats struct {
	Queued        int    `json:"queued"`
	Running       int    `json:"running"`
	Completed     int    `json:"completed"`
	Failed        int    `json:"failed"`
	Cancelled     int    `json:"cancelled"`
	Total         int    `json:"total"`
	Workers       int    `json:"workers"`
	Busy          int    `json:"busy"`
	Pending       int    `json:"pending"`
	QueueCapacity int    `json:"queue_capacity"`
	Artifacts     int    `json:"artifacts"`
	DiskUsage     int64  `json:"disk_usage"`
	DiskUsageText string `json:"disk_usage_text"`
}

// Manager owns all job records and coordinates the worker pool and the
// artifact store.
type Manager struct {
	mu      sync.RWMutex
	records map[string]*record
	closed  bool

	pool       *WorkerPool
	extractor  Extractor
	transcoder Transcoder
	files      Artifacts
	work       Workspace
	store      Store
	cfg        *config.Config
	now        func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
}

// NewManager creates a Manager. Call Start to begin processing.
func NewManager(cfg *config.Config, extractor Extractor, transcoder Transcoder, files Artifacts, work Workspace) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		records:    make(map[string]*record),
		extractor:  extractor,
		transcoder: transcoder,
		files:      files,
		work:       work,
		cfg:        cfg,
		now:        time.Now,
		ctx:        ctx,
		cancel:     cancel,
	}
	m.pool = NewWorkerPool(cfg.Workers, cfg.QueueCapacity, m.process)
	return m
}

// SetStore enables job history persistence. Call before Restore and Start.
func (m *Manager) SetStore(s Store) {
	m.store = s
}

// Start starts the worker pool
func (m *Manager) Start() {
	m.pool.Start()
}

// persist saves a job to the store. Failures are logged, never fatal.
func (m *Manager) persist(job *Job) {
	if m.store == nil {
		return
	}
	if err := m.store.SaveJob(job); err != nil {
		logger.Warn("Failed to persist job", "job_id", job.ID, "error", err)
	}
}

func (m *Manager) lookup(id string) *record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.records[id]
}

// validate checks a request and normalizes its format name
func validate(req Request) (Request, error) {
	req.TargetURL = strings.TrimSpace(req.TargetURL)
	if req.TargetURL == "" {
		return req, invalidRequestError("target_url is required")
	}
	u, err := url.Parse(req.TargetURL)
	if err != nil {
		return req, invalidRequestError("target_url is not a valid URL")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return req, invalidRequestError("target_url must use http or https")
	}
	if u.Host == "" {
		return req, invalidRequestError("target_url has no host")
	}

	if strings.TrimSpace(req.Format) != "" {
		f, ok := media.Lookup(req.Format)
		if !ok {
			return req, invalidRequestError("unknown format %q (supported: %s)", req.Format, strings.Join(media.Names(), ", "))
		}
		req.Format = f.Name
	} else {
		req.Format = ""
	}
	return req, nil
}

// Submit validates req, queues a new job and returns it without waiting
// for any work to happen.
func (m *Manager) Submit(req Request) (*Job, error) {
	req, err := validate(req)
	if err != nil {
		return nil, err
	}

	rec := newRecord(Job{
		ID:        uuid.NewString(),
		Request:   req,
		State:     StateQueued,
		Progress:  ProgressUnknown,
		CreatedAt: m.now(),
	})
	job := rec.snapshot()

	// Persist before the job becomes visible to workers so history writes
	// stay in transition order.
	rec.mu.Lock()
	defer rec.mu.Unlock()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: shutting down", ErrQueueFull)
	}
	m.records[job.ID] = rec
	if err := m.pool.Enqueue(job.ID); err != nil {
		delete(m.records, job.ID)
		m.mu.Unlock()
		return nil, err
	}
	m.mu.Unlock()

	m.persist(job)
	logger.Info("Job submitted", "job_id", job.ID, "url", req.TargetURL, "format", req.Format)
	return job, nil
}

// Get returns a snapshot of the job
func (m *Manager) Get(id string) (*Job, error) {
	rec := m.lookup(id)
	if rec == nil {
		return nil, jobNotFoundError(id)
	}
	return rec.snapshot(), nil
}

// List returns snapshots of all jobs, newest first
func (m *Manager) List() []*Job {
	m.mu.RLock()
	list := make([]*Job, 0, len(m.records))
	for _, rec := range m.records {
		list = append(list, rec.snapshot())
	}
	m.mu.RUnlock()

	sort.Slice(list, func(i, j int) bool {
		if list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].ID > list[j].ID
		}
		return list[i].CreatedAt.After(list[j].CreatedAt)
	})
	return list
}

// Stats returns job counts and pool usage
func (m *Manager) Stats() Stats {
	stats := Stats{
		Workers:       m.pool.Size(),
		Busy:          m.pool.Busy(),
		Pending:       m.pool.Pending(),
		QueueCapacity: m.pool.Capacity(),
	}

	m.mu.RLock()
	for _, rec := range m.records {
		switch rec.snap.Load().State {
		case StateQueued:
			stats.Queued++
		case StateRunning:
			stats.Running++
		case StateCompleted:
			stats.Completed++
		case StateFailed:
			stats.Failed++
		case StateCancelled:
			stats.Cancelled++
		}
		stats.Total++
	}
	m.mu.RUnlock()

	count, bytes := m.files.Usage()
	stats.Artifacts = count
	stats.DiskUsage = bytes
	stats.DiskUsageText = humanize.Bytes(uint64(bytes))
	return stats
}

// Cancel cancels a job. A queued job is cancelled immediately. For a
// running job the worker is signalled and Cancel waits until it has
// stopped or ctx is done, whichever comes first. Cancelling a finished
// job does nothing. The returned job is the state after the attempt.
func (m *Manager) Cancel(ctx context.Context, id string) (*Job, error) {
	rec := m.lookup(id)
	if rec == nil {
		return nil, jobNotFoundError(id)
	}

	rec.mu.Lock()
	switch rec.job.State {
	case StateQueued:
		m.finishLocked(rec, StateCancelled, nil)
		rec.mu.Unlock()
		m.pool.Remove(id)
		logger.Info("Job cancelled", "job_id", id, "state", StateQueued)
		return rec.snapshot(), nil

	case StateRunning:
		rec.cancelRequested = true
		if rec.cancel != nil {
			rec.cancel()
		}
		done := rec.done
		rec.mu.Unlock()

		logger.Info("Cancelling running job", "job_id", id)
		select {
		case <-done:
		case <-ctx.Done():
		}
		return rec.snapshot(), nil

	default:
		rec.mu.Unlock()
		return rec.snapshot(), nil
	}
}

// OpenArtifact opens a completed job's artifact. The caller closes the file.
func (m *Manager) OpenArtifact(id string) (*Artifact, error) {
	rec := m.lookup(id)
	if rec == nil {
		return nil, jobNotFoundError(id)
	}

	job := rec.snap.Load()
	if job.State != StateCompleted {
		return nil, notReadyError(id, job.State)
	}
	if !m.now().Before(job.ExpiresAt) {
		return nil, expiredError(id)
	}

	f, entry, err := m.files.Open(id)
	if err != nil {
		if errors.Is(err, filestore.ErrNotFound) {
			return nil, jobNotFoundError(id)
		}
		return nil, &JobError{Kind: KindStorageError, Message: err.Error()}
	}

	return &Artifact{
		File:    f,
		Name:    job.ArtifactName,
		Size:    entry.Size,
		ModTime: job.FinishedAt,
	}, nil
}

// Sweep deletes artifacts whose jobs have expired and evicts records
// that are past expiry plus the grace period.
func (m *Manager) Sweep(now time.Time) (artifacts, evicted int) {
	deleted := m.files.Sweep(now, func(id string) (time.Time, bool) {
		rec := m.lookup(id)
		if rec == nil {
			return time.Time{}, false
		}
		job := rec.snap.Load()
		if !job.State.IsTerminal() {
			return time.Time{}, true
		}
		return job.ExpiresAt, true
	})
	for _, id := range deleted {
		logger.Info("Artifact expired", "job_id", id)
	}

	var evict []string
	m.mu.Lock()
	for id, rec := range m.records {
		job := rec.snap.Load()
		if job.State.IsTerminal() && !now.Before(job.ExpiresAt.Add(m.cfg.EvictionGrace)) {
			delete(m.records, id)
			evict = append(evict, id)
		}
	}
	m.mu.Unlock()

	for _, id := range evict {
		if err := m.files.Delete(id); err != nil {
			logger.Warn("Failed to delete artifact of evicted job", "job_id", id, "error", err)
		}
		if m.store != nil {
			if err := m.store.DeleteJob(id); err != nil {
				logger.Warn("Failed to delete job history", "job_id", id, "error", err)
			}
		}
		logger.Info("Job evicted", "job_id", id)
	}

	return len(deleted), len(evict)
}

// RunSweeper calls Sweep every interval until ctx is done
func (m *Manager) RunSweeper(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			artifacts, evicted := m.Sweep(m.now())
			if artifacts > 0 || evicted > 0 {
				logger.Debug("Sweep finished", "artifacts_deleted", artifacts, "jobs_evicted", evicted)
			}
		}
	}
}

// Restore reloads job history from the store. Jobs that were queued or
// running when the process stopped are marked cancelled. Call before Start.
func (m *Manager) Restore() error {
	if m.store == nil {
		return nil
	}

	saved, err := m.store.GetAllJobs()
	if err != nil {
		return fmt.Errorf("load job history: %w", err)
	}

	now := m.now()
	var restored, interrupted, dropped int
	for _, job := range saved {
		if !job.State.IsTerminal() {
			job.State = StateCancelled
			job.FinishedAt = now
			job.ExpiresAt = now.Add(m.cfg.Retention)
			job.ArtifactPath = ""
			job.Error = nil
			m.persist(job)
			interrupted++
		}
		if !now.Before(job.ExpiresAt.Add(m.cfg.EvictionGrace)) {
			if err := m.files.Delete(job.ID); err != nil {
				logger.Warn("Failed to delete artifact of expired job", "job_id", job.ID, "error", err)
			}
			if err := m.store.DeleteJob(job.ID); err != nil {
				logger.Warn("Failed to delete job history", "job_id", job.ID, "error", err)
			}
			dropped++
			continue
		}

		m.mu.Lock()
		m.records[job.ID] = newRecord(*job)
		m.mu.Unlock()
		restored++
	}

	if len(saved) > 0 {
		logger.Info("Restored job history", "restored", restored, "interrupted", interrupted, "dropped", dropped)
	}
	return nil
}

// Shutdown cancels queued and running jobs and waits for workers to exit
// or ctx to end.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	for _, id := range m.pool.Stop() {
		if rec := m.lookup(id); rec != nil {
			rec.mu.Lock()
			m.finishLocked(rec, StateCancelled, nil)
			rec.mu.Unlock()
		}
	}

	m.cancel()
	return m.pool.Wait(ctx)
}

// finishLocked moves rec to a terminal state. Caller holds rec.mu.
func (m *Manager) finishLocked(rec *record, to State, jobErr *JobError) bool {
	if !CanTransition(rec.job.State, to) {
		return false
	}

	now := m.now()
	rec.job.State = to
	rec.job.FinishedAt = now
	rec.job.ExpiresAt = now.Add(m.cfg.Retention)
	rec.job.Error = jobErr
	if to != StateCompleted {
		rec.job.ArtifactPath = ""
		rec.job.ArtifactName = ""
		rec.job.ArtifactSize = 0
	}
	rec.cancel = nil
	rec.publish()
	close(rec.done)

	m.persist(&rec.job)
	return true
}
