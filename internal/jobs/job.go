package jobs

import (
	"time"
)

// State represents the current state of a job
type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// IsTerminal returns true if no further transitions are possible
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

var allowedTransitions = map[State][]State{
	StateQueued:  {StateRunning, StateCancelled},
	StateRunning: {StateCompleted, StateFailed, StateCancelled},
}

// CanTransition reports whether a job may move from one state to another
func CanTransition(from, to State) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ProgressUnknown marks a job whose tools have not reported progress
const ProgressUnknown = -1.0

// Request is what a client asks for
type Request struct {
	TargetURL string `json:"target_url"`
	Format    string `json:"format,omitempty"` // empty keeps whatever the extractor produces
}

// ErrorKind classifies job and request failures
type ErrorKind string

const (
	KindInvalidRequest ErrorKind = "InvalidRequest"
	KindQueueFull      ErrorKind = "QueueFull"
	KindNotFound       ErrorKind = "NotFound"
	KindNotReady       ErrorKind = "NotReady"
	KindExpired        ErrorKind = "Expired"
	KindToolFailure    ErrorKind = "ToolFailure"
	KindToolTimeout    ErrorKind = "ToolTimeout"
	KindStorageError   ErrorKind = "StorageError"
)

// JobError is the failure recorded on a FAILED job
type JobError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

func (e *JobError) Error() string {
	return string(e.Kind) + ": " + e.Message
}

// Job represents one fetch (and optional transcode) request
type Job struct {
	ID      string  `json:"id"`
	Request Request `json:"request"`
	State   State   `json:"state"`

	// Progress is a fraction in [0,1], or ProgressUnknown
	Progress float64 `json:"progress"`

	ArtifactPath string `json:"-"`                       // set only when completed
	ArtifactName string `json:"artifact_name,omitempty"` // download filename
	ArtifactSize int64  `json:"artifact_size,omitempty"`

	Error *JobError `json:"error,omitempty"` // set only when failed

	CreatedAt  time.Time `json:"created_at"`
	StartedAt  time.Time `json:"started_at,omitempty"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
	ExpiresAt  time.Time `json:"expires_at,omitempty"`
}

// IsTerminal returns true if the job is in a terminal state
func (j *Job) IsTerminal() bool {
	return j.State.IsTerminal()
}

// ProgressValue returns the progress and whether it is known
func (j *Job) ProgressValue() (float64, bool) {
	if j.Progress < 0 {
		return 0, false
	}
	return j.Progress, true
}
