package filestore

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"
)

func writeTemp(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
	return path
}

func TestNewCreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "a", "b")
	s, err := New(dir)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		t.Fatalf("expected directory to exist: %v", err)
	}
	if s.Dir() != dir {
		t.Errorf("expected dir %s, got %s", dir, s.Dir())
	}
}

func TestNewFailsWhenPathIsFile(t *testing.T) {
	file := writeTemp(t, t.TempDir(), "occupied", "x")
	if _, err := New(file); err == nil {
		t.Error("expected error when storage path is a file")
	}
}

func TestSaveOpenDelete(t *testing.T) {
	s, _ := New(t.TempDir())
	src := writeTemp(t, t.TempDir(), "Some Title [abc].MP3", "audio bytes")

	entry, err := s.Save("job-1", src)
	if err != nil {
		t.Fatalf("failed to save: %v", err)
	}
	if entry.Path != filepath.Join(s.Dir(), "job-1.mp3") {
		t.Errorf("expected deterministic name, got %s", entry.Path)
	}
	if entry.Size != int64(len("audio bytes")) {
		t.Errorf("expected size %d, got %d", len("audio bytes"), entry.Size)
	}
	if _, err := os.Stat(src); !os.IsNotExist(err) {
		t.Error("source should have been moved")
	}
	info, _ := os.Stat(entry.Path)
	if info.Mode().Perm() != 0644 {
		t.Errorf("expected mode 0644, got %v", info.Mode().Perm())
	}

	f, got, err := s.Open("job-1")
	if err != nil {
		t.Fatalf("failed to open: %v", err)
	}
	data, _ := io.ReadAll(f)
	f.Close()
	if string(data) != "audio bytes" || got.JobID != "job-1" {
		t.Errorf("unexpected content %q / entry %+v", data, got)
	}

	if err := s.Delete("job-1"); err != nil {
		t.Fatalf("failed to delete: %v", err)
	}
	if _, err := os.Stat(entry.Path); !os.IsNotExist(err) {
		t.Error("artifact file should be removed")
	}
	if _, _, err := s.Open("job-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}

	// Delete is idempotent
	if err := s.Delete("job-1"); err != nil {
		t.Errorf("second delete should succeed, got %v", err)
	}
}

func TestSaveRejectsBadID(t *testing.T) {
	s, _ := New(t.TempDir())
	src := writeTemp(t, t.TempDir(), "a.mp3", "x")

	for _, id := range []string{"", "../escape", ".hidden"} {
		if _, err := s.Save(id, src); err == nil {
			t.Errorf("expected error for id %q", id)
		}
	}
}

func TestSaveMissingSource(t *testing.T) {
	s, _ := New(t.TempDir())
	if _, err := s.Save("job-1", filepath.Join(t.TempDir(), "gone.mp3")); err == nil {
		t.Error("expected error saving a missing source")
	}
	if _, ok := s.Get("job-1"); ok {
		t.Error("failed save must not create an entry")
	}
}

func TestOpenUnknown(t *testing.T) {
	s, _ := New(t.TempDir())
	if _, _, err := s.Open("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestOpenVanishedFile(t *testing.T) {
	s, _ := New(t.TempDir())
	entry, _ := s.Save("job-1", writeTemp(t, t.TempDir(), "a.mp4", "video"))
	os.Remove(entry.Path)

	if _, _, err := s.Open("job-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for vanished file, got %v", err)
	}
	if _, ok := s.Get("job-1"); ok {
		t.Error("vanished entry should be dropped from the index")
	}
}

func TestNewIndexesExistingArtifacts(t *testing.T) {
	dir := t.TempDir()
	writeTemp(t, dir, "job-a.mp3", "aaa")
	writeTemp(t, dir, ".hidden", "x")
	os.Mkdir(filepath.Join(dir, ".work"), 0755)

	s, err := New(dir)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	count, bytes := s.Usage()
	if count != 1 || bytes != 3 {
		t.Errorf("expected 1 artifact of 3 bytes, got %d / %d", count, bytes)
	}
	if _, ok := s.Get("job-a"); !ok {
		t.Error("expected job-a to be indexed")
	}
}

func TestSweep(t *testing.T) {
	s, _ := New(t.TempDir())
	src := t.TempDir()
	s.Save("expired", writeTemp(t, src, "a.mp3", "a"))
	s.Save("fresh", writeTemp(t, src, "b.mp3", "b"))
	s.Save("orphan", writeTemp(t, src, "c.mp3", "c"))
	s.Save("boundary", writeTemp(t, src, "d.mp3", "d"))

	now := time.Now()
	expiry := map[string]time.Time{
		"expired":  now.Add(-time.Minute),
		"fresh":    now.Add(time.Minute),
		"boundary": now,
	}

	deleted := s.Sweep(now, func(id string) (time.Time, bool) {
		exp, ok := expiry[id]
		return exp, ok
	})
	sort.Strings(deleted)

	expected := []string{"boundary", "expired", "orphan"}
	if len(deleted) != len(expected) {
		t.Fatalf("expected %v deleted, got %v", expected, deleted)
	}
	for i := range expected {
		if deleted[i] != expected[i] {
			t.Errorf("expected %v deleted, got %v", expected, deleted)
		}
	}
	if _, ok := s.Get("fresh"); !ok {
		t.Error("fresh artifact should survive the sweep")
	}
	if count, _ := s.Usage(); count != 1 {
		t.Errorf("expected 1 artifact left, got %d", count)
	}
}

func TestWorkspace(t *testing.T) {
	root := filepath.Join(t.TempDir(), "work")
	os.MkdirAll(filepath.Join(root, "stale-job"), 0755)
	writeTemp(t, filepath.Join(root, "stale-job"), "x.part", "partial")

	w, err := NewWorkspace(root)
	if err != nil {
		t.Fatalf("failed to create workspace: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "stale-job")); !os.IsNotExist(err) {
		t.Error("stale work directories should be cleared")
	}

	dir, err := w.Prepare("job-1")
	if err != nil {
		t.Fatalf("failed to prepare: %v", err)
	}
	writeTemp(t, dir, "leftover.webm", "x")

	if err := w.Release("job-1"); err != nil {
		t.Fatalf("failed to release: %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Error("work dir should be removed on release")
	}
}
