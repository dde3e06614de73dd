package store

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/gwlsn/fetchray/internal/jobs"
	"github.com/gwlsn/fetchray/internal/logger"
)

var _ jobs.Store = (*SQLiteStore)(nil)

// DefaultFileName is used when the history path names a directory
const DefaultFileName = "fetchray.db"

// ResolvePath turns the configured history location into a database file
// path. A path without a .db suffix is treated as a directory.
func ResolvePath(path string) string {
	if IsDBPath(path) {
		return path
	}
	return filepath.Join(path, DefaultFileName)
}

// IsDBPath checks if a path looks like a SQLite database path.
func IsDBPath(path string) bool {
	return strings.HasSuffix(path, ".db")
}

// InitStore opens the job history database and logs what it holds.
func InitStore(path string) (*SQLiteStore, error) {
	dbPath := ResolvePath(path)

	s, err := NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	counts, err := s.CountByState()
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("read job history: %w", err)
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	logger.Info("Job history opened", "path", dbPath, "jobs", total,
		"interrupted", counts[jobs.StateQueued]+counts[jobs.StateRunning])

	return s, nil
}
