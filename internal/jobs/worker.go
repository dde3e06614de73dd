package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/gwlsn/fetchray/internal/logger"
	"github.com/gwlsn/fetchray/internal/media"
	"github.com/gwlsn/fetchray/internal/tool"
)

// extractShare is the part of the progress bar given to extraction when a
// transcode follows.
const extractShare = 0.7

// process runs one job to a terminal state. It is the WorkerPool's exec
// function, so it runs on a pool slot.
func (m *Manager) process(id string) {
	rec := m.lookup(id)
	if rec == nil {
		return
	}

	ctx, cancel := context.WithCancel(m.ctx)
	defer cancel()

	job, ok := m.start(rec, cancel)
	if !ok {
		return
	}
	started := time.Now()
	logger.Info("Job started", "job_id", id, "url", job.Request.TargetURL)

	dir, err := m.work.Prepare(id)
	if err != nil {
		m.fail(rec, KindStorageError, fmt.Sprintf("prepare work directory: %v", err))
		return
	}
	defer func() {
		if err := m.work.Release(id); err != nil {
			logger.Warn("Failed to remove work directory", "job_id", id, "error", err)
		}
	}()

	remaining := func() time.Duration {
		return m.cfg.JobTimeout - time.Since(started)
	}

	var format *media.Format
	share := 1.0
	if job.Request.Format != "" {
		if f, ok := media.Lookup(job.Request.Format); ok {
			format = &f
			share = extractShare
		}
	}

	res := m.extractor.Extract(ctx, job.Request.TargetURL, format, dir, remaining(), m.progressFunc(rec, 0, share))
	if m.stopOnFailure(rec, "extraction", res) {
		return
	}
	output := res.OutputFile
	if output == "" {
		m.fail(rec, KindToolFailure, "extraction produced no output file")
		return
	}

	if format != nil && !format.Matches(output) {
		if m.cancelRequested(rec) {
			m.finish(rec, StateCancelled, nil)
			return
		}
		left := remaining()
		if left <= 0 {
			m.fail(rec, KindToolTimeout, fmt.Sprintf("job exceeded %s before transcoding", m.cfg.JobTimeout))
			return
		}
		res = m.transcoder.Transcode(ctx, output, *format, dir, left, m.progressFunc(rec, share, 1-share))
		if m.stopOnFailure(rec, "transcode", res) {
			return
		}
		if res.OutputFile == "" {
			m.fail(rec, KindToolFailure, "transcode produced no output file")
			return
		}
		output = res.OutputFile
	}

	if m.cancelRequested(rec) {
		m.finish(rec, StateCancelled, nil)
		return
	}

	name := media.SafeName(output)
	entry, err := m.files.Save(id, output)
	if err != nil {
		m.fail(rec, KindStorageError, err.Error())
		return
	}

	rec.mu.Lock()
	if rec.cancelRequested {
		m.finishLocked(rec, StateCancelled, nil)
		rec.mu.Unlock()
		if err := m.files.Delete(id); err != nil {
			logger.Warn("Failed to delete artifact of cancelled job", "job_id", id, "error", err)
		}
		logger.Info("Job cancelled", "job_id", id, "state", StateRunning)
		return
	}
	rec.job.ArtifactPath = entry.Path
	rec.job.ArtifactName = name
	rec.job.ArtifactSize = entry.Size
	rec.job.Progress = 1
	m.finishLocked(rec, StateCompleted, nil)
	rec.mu.Unlock()

	logger.Info("Job completed",
		"job_id", id,
		"artifact", name,
		"size", humanize.Bytes(uint64(entry.Size)),
		"duration", time.Since(started).Round(time.Millisecond))
}

// start moves a queued job to running. Returns false if the job was
// cancelled while it waited.
func (m *Manager) start(rec *record, cancel context.CancelFunc) (Job, bool) {
	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.job.State != StateQueued {
		return Job{}, false
	}
	rec.job.State = StateRunning
	rec.job.StartedAt = m.now()
	rec.cancel = cancel
	rec.publish()
	m.persist(&rec.job)
	return rec.job, true
}

func (m *Manager) cancelRequested(rec *record) bool {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.cancelRequested
}

// stopOnFailure classifies a tool result and finishes the job if the step
// did not succeed. Returns true if the job is now terminal.
func (m *Manager) stopOnFailure(rec *record, step string, res *tool.Result) bool {
	switch {
	case res.Cancelled || (res.Failed() && m.cancelRequested(rec)):
		m.finish(rec, StateCancelled, nil)
	case res.TimedOut:
		m.fail(rec, KindToolTimeout, fmt.Sprintf("%s timed out after %s", step, res.Duration.Round(time.Millisecond)))
	case res.Failed():
		msg := fmt.Sprintf("%s failed (exit code %d)", step, res.ExitCode)
		if diag := res.Diagnostic(); diag != "" {
			msg += ": " + diag
		}
		m.fail(rec, KindToolFailure, msg)
	default:
		return false
	}
	return true
}

func (m *Manager) fail(rec *record, kind ErrorKind, message string) {
	m.finish(rec, StateFailed, &JobError{Kind: kind, Message: message})
}

func (m *Manager) finish(rec *record, to State, jobErr *JobError) {
	rec.mu.Lock()
	ok := m.finishLocked(rec, to, jobErr)
	id := rec.job.ID
	rec.mu.Unlock()

	if !ok {
		return
	}
	switch to {
	case StateFailed:
		logger.Warn("Job failed", "job_id", id, "kind", jobErr.Kind, "error", jobErr.Message)
	case StateCancelled:
		logger.Info("Job cancelled", "job_id", id, "state", StateRunning)
	}
}

// progressFunc maps a step's own 0..1 progress onto [offset, offset+scale]
// of the job's progress.
func (m *Manager) progressFunc(rec *record, offset, scale float64) func(float64) {
	return func(f float64) {
		m.setProgress(rec, offset+f*scale)
	}
}

// setProgress records progress for a running job. Progress never moves
// backwards.
func (m *Manager) setProgress(rec *record, p float64) {
	if p > 1 {
		p = 1
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.job.State != StateRunning || p <= rec.job.Progress {
		return
	}
	rec.job.Progress = p
	rec.publish()
}
