package filestore

import (
	"fmt"
	"os"
	"path/filepath"
)

// Workspace hands out per-job scratch directories where tools write their
// output before it is saved into the Store.
type Workspace struct {
	root string
}

// NewWorkspace creates root and clears scratch directories left behind by
// a previous run.
func NewWorkspace(root string) (*Workspace, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("create work directory: %w", err)
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("read work directory: %w", err)
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(root, e.Name())); err != nil {
			return nil, fmt.Errorf("clear stale work directory: %w", err)
		}
	}
	return &Workspace{root: root}, nil
}

// Prepare creates an empty scratch directory for jobID
func (w *Workspace) Prepare(jobID string) (string, error) {
	dir := filepath.Join(w.root, jobID)
	if err := os.RemoveAll(dir); err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	return dir, nil
}

// Release removes jobID's scratch directory and anything left in it
func (w *Workspace) Release(jobID string) error {
	return os.RemoveAll(filepath.Join(w.root, jobID))
}
