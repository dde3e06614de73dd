package jobs

import (
	"errors"
	"fmt"

	"github.com/gwlsn/fetchray/internal/filestore"
)

// Sentinel errors for job operations.
// These can be checked with errors.Is().
var (
	ErrInvalidRequest = errors.New("invalid request")
	ErrQueueFull      = errors.New("queue is full")
	ErrNotFound       = errors.New("job not found")
	ErrNotReady       = errors.New("artifact not ready")
	ErrExpired        = errors.New("artifact expired")
)

func invalidRequestError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}

// jobNotFoundError returns a wrapped error for a missing job.
func jobNotFoundError(id string) error {
	return fmt.Errorf("%w: %s", ErrNotFound, id)
}

func notReadyError(id string, state State) error {
	return fmt.Errorf("%w (state: %s): %s", ErrNotReady, state, id)
}

func expiredError(id string) error {
	return fmt.Errorf("%w: %s", ErrExpired, id)
}

// KindOf maps an error returned by the Manager to its kind.
// Unrecognized errors are reported as StorageError.
func KindOf(err error) ErrorKind {
	var jobErr *JobError
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return KindInvalidRequest
	case errors.Is(err, ErrQueueFull):
		return KindQueueFull
	case errors.Is(err, ErrNotFound), errors.Is(err, filestore.ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrNotReady):
		return KindNotReady
	case errors.Is(err, ErrExpired):
		return KindExpired
	case errors.As(err, &jobErr):
		return jobErr.Kind
	default:
		return KindStorageError
	}
}
