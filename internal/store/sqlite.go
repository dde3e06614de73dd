package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gwlsn/fetchray/internal/jobs"
	_ "modernc.org/sqlite"
)

const schemaVersion = 1

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	target_url TEXT NOT NULL,
	format TEXT NOT NULL DEFAULT '',
	state TEXT NOT NULL,
	progress REAL NOT NULL DEFAULT -1,
	artifact_path TEXT,
	artifact_name TEXT,
	artifact_size INTEGER,
	error_kind TEXT,
	error_message TEXT,
	created_at TEXT NOT NULL,
	started_at TEXT,
	finished_at TEXT,
	expires_at TEXT
);

CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL,
	applied_at TEXT DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_jobs_state ON jobs(state);
CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON jobs(created_at);
CREATE INDEX IF NOT EXISTS idx_jobs_expires_at ON jobs(expires_at);
`

// timeLayout is fixed width so timestamps sort correctly as text
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const jobColumns = `id, target_url, format, state, progress,
	artifact_path, artifact_name, artifact_size, error_kind, error_message,
	created_at, started_at, finished_at, expires_at`

// SQLiteStore keeps job history in a SQLite database.
type SQLiteStore struct {
	db   *sql.DB
	mu   sync.RWMutex
	path string
}

// NewSQLiteStore opens the database at dbPath, creating it if it doesn't exist.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	// WAL lets the API read history while a worker writes
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	var version int
	err = db.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)
	switch {
	case err == sql.ErrNoRows:
		if _, err := db.Exec("INSERT INTO schema_version (version) VALUES (?)", schemaVersion); err != nil {
			db.Close()
			return nil, fmt.Errorf("insert schema version: %w", err)
		}
	case err != nil:
		db.Close()
		return nil, fmt.Errorf("check schema version: %w", err)
	case version > schemaVersion:
		db.Close()
		return nil, fmt.Errorf("database schema version %d is newer than supported version %d", version, schemaVersion)
	}

	return &SQLiteStore{db: db, path: dbPath}, nil
}

// SaveJob inserts or replaces a job.
func (s *SQLiteStore) SaveJob(job *jobs.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errKind, errMsg string
	if job.Error != nil {
		errKind = string(job.Error.Kind)
		errMsg = job.Error.Message
	}

	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		job.ID, job.Request.TargetURL, job.Request.Format, string(job.State), job.Progress,
		nullString(job.ArtifactPath), nullString(job.ArtifactName), nullInt64(job.ArtifactSize),
		nullString(errKind), nullString(errMsg),
		formatTime(job.CreatedAt), formatTimePtr(job.StartedAt), formatTimePtr(job.FinishedAt), formatTimePtr(job.ExpiresAt),
	)
	return err
}

// GetJob returns a job by ID, or nil if there is none.
func (s *SQLiteStore) GetJob(id string) (*jobs.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return job, err
}

// DeleteJob removes a job. Deleting a missing job is not an error.
func (s *SQLiteStore) DeleteJob(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("DELETE FROM jobs WHERE id = ?", id)
	return err
}

// GetAllJobs returns every job, oldest first.
func (s *SQLiteStore) GetAllJobs() ([]*jobs.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT ` + jobColumns + ` FROM jobs ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []*jobs.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, job)
	}
	return list, rows.Err()
}

// CountByState returns the number of stored jobs in each state.
func (s *SQLiteStore) CountByState() (map[jobs.State]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT state, COUNT(*) FROM jobs GROUP BY state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[jobs.State]int)
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		counts[jobs.State(state)] = n
	}
	return counts, rows.Err()
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	return s.path
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*jobs.Job, error) {
	var job jobs.Job
	var state string
	var artifactPath, artifactName, errKind, errMsg sql.NullString
	var artifactSize sql.NullInt64
	var createdAt, startedAt, finishedAt, expiresAt sql.NullString

	err := row.Scan(
		&job.ID, &job.Request.TargetURL, &job.Request.Format, &state, &job.Progress,
		&artifactPath, &artifactName, &artifactSize, &errKind, &errMsg,
		&createdAt, &startedAt, &finishedAt, &expiresAt,
	)
	if err != nil {
		return nil, err
	}

	job.State = jobs.State(state)
	job.ArtifactPath = artifactPath.String
	job.ArtifactName = artifactName.String
	job.ArtifactSize = artifactSize.Int64
	if errKind.Valid {
		job.Error = &jobs.JobError{Kind: jobs.ErrorKind(errKind.String), Message: errMsg.String}
	}
	job.CreatedAt = parseTime(createdAt.String)
	job.StartedAt = parseTime(startedAt.String)
	job.FinishedAt = parseTime(finishedAt.String)
	job.ExpiresAt = parseTime(expiresAt.String)

	return &job, nil
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullInt64(i int64) interface{} {
	if i == 0 {
		return nil
	}
	return i
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, _ := time.Parse(timeLayout, s)
	return t
}
