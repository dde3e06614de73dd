// Package filestore manages finished artifacts on local disk. Each artifact
// is stored under a name derived from its job ID.
package filestore

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gwlsn/fetchray/internal/logger"
)

// ErrNotFound is returned when no artifact exists for a job
var ErrNotFound = errors.New("artifact not found")

// Entry describes one stored artifact
type Entry struct {
	JobID     string    `json:"job_id"`
	Path      string    `json:"path"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
}

// Store is the managed artifact directory. Safe for concurrent use.
type Store struct {
	dir string

	mu      sync.RWMutex
	entries map[string]Entry
}

// New opens (creating if needed) the artifact directory and indexes any
// artifacts already in it.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create storage directory: %w", err)
	}

	s := &Store{dir: dir, entries: make(map[string]Entry)}

	dirEntries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read storage directory: %w", err)
	}
	for _, de := range dirEntries {
		name := de.Name()
		if !de.Type().IsRegular() || strings.HasPrefix(name, ".") {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		id := strings.TrimSuffix(name, filepath.Ext(name))
		s.entries[id] = Entry{
			JobID:     id,
			Path:      filepath.Join(dir, name),
			Size:      info.Size(),
			CreatedAt: info.ModTime(),
		}
	}

	return s, nil
}

// Dir returns the managed directory
func (s *Store) Dir() string {
	return s.dir
}

// Save moves src into the store under a name derived from jobID. If rename
// is not possible (different filesystem) the file is copied and src removed.
func (s *Store) Save(jobID, src string) (Entry, error) {
	if jobID == "" || strings.ContainsAny(jobID, `/\`) || strings.HasPrefix(jobID, ".") {
		return Entry{}, fmt.Errorf("save artifact: invalid job id %q", jobID)
	}

	dst := filepath.Join(s.dir, jobID+strings.ToLower(filepath.Ext(src)))

	if err := os.Rename(src, dst); err != nil {
		if err := copyFile(src, dst); err != nil {
			return Entry{}, fmt.Errorf("save artifact %s: %w", jobID, err)
		}
		os.Remove(src)
	}
	if err := os.Chmod(dst, 0644); err != nil {
		logger.Debug("Could not chmod artifact", "path", dst, "error", err)
	}

	info, err := os.Stat(dst)
	if err != nil {
		return Entry{}, fmt.Errorf("save artifact %s: %w", jobID, err)
	}

	entry := Entry{JobID: jobID, Path: dst, Size: info.Size(), CreatedAt: time.Now()}

	s.mu.Lock()
	old, had := s.entries[jobID]
	s.entries[jobID] = entry
	s.mu.Unlock()

	if had && old.Path != dst {
		os.Remove(old.Path)
	}
	return entry, nil
}

// copyFile copies src to dst through a temp file so dst is never partial
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp := dst + ".tmp"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// Get returns the entry for jobID
func (s *Store) Get(jobID string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[jobID]
	return e, ok
}

// Open returns the artifact for reading. The caller closes the file.
func (s *Store) Open(jobID string) (*os.File, Entry, error) {
	entry, ok := s.Get(jobID)
	if !ok {
		return nil, Entry{}, fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}

	f, err := os.Open(entry.Path)
	if err != nil {
		if os.IsNotExist(err) {
			s.forget(jobID, entry.Path)
			return nil, Entry{}, fmt.Errorf("%w: %s", ErrNotFound, jobID)
		}
		return nil, Entry{}, fmt.Errorf("open artifact %s: %w", jobID, err)
	}
	return f, entry, nil
}

// forget drops an index entry whose file vanished
func (s *Store) forget(jobID, path string) {
	s.mu.Lock()
	if e, ok := s.entries[jobID]; ok && e.Path == path {
		delete(s.entries, jobID)
	}
	s.mu.Unlock()
}

// Delete removes the artifact for jobID. Deleting a missing artifact is not an error.
func (s *Store) Delete(jobID string) error {
	s.mu.Lock()
	entry, ok := s.entries[jobID]
	delete(s.entries, jobID)
	s.mu.Unlock()

	if !ok {
		return nil
	}
	if err := os.Remove(entry.Path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete artifact %s: %w", jobID, err)
	}
	return nil
}

// Sweep deletes every artifact whose owner has expired at now. expiresAt
// reports the owning job's expiry; ok=false means no owner exists and the
// artifact is deleted as an orphan. Returns the IDs that were deleted.
func (s *Store) Sweep(now time.Time, expiresAt func(jobID string) (time.Time, bool)) []string {
	s.mu.RLock()
	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	var deleted []string
	for _, id := range ids {
		exp, ok := expiresAt(id)
		if ok && (exp.IsZero() || exp.After(now)) {
			continue
		}
		if err := s.Delete(id); err != nil {
			logger.Warn("Failed to delete expired artifact", "job_id", id, "error", err)
			continue
		}
		deleted = append(deleted, id)
	}
	return deleted
}

// Usage returns the number of stored artifacts and their total size
func (s *Store) Usage() (count int, bytes int64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.entries {
		bytes += e.Size
	}
	return len(s.entries), bytes
}
