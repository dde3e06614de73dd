// Package tool runs external command-line tools (extractor, transcoder) as
// subprocesses and reports what happened as a structured Result.
package tool

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gwlsn/fetchray/internal/logger"
)

// ParseFunc extracts a progress fraction in [0,1] from one output line.
// ok is false when the line carries no progress.
type ParseFunc func(line string) (fraction float64, ok bool)

// Invocation describes a single tool run
type Invocation struct {
	Name    string // for logs, e.g. "yt-dlp"
	Path    string
	Args    []string
	Dir     string
	Timeout time.Duration // hard wall-clock limit; 0 means none

	Parse      ParseFunc
	OnProgress func(fraction float64)

	// ExpectOutput names the file the tool should produce. When empty the
	// newest complete file in OutputDir is taken instead.
	ExpectOutput string
	OutputDir    string
}

// Result is what a tool run produced. Run never returns an error; failure
// is described by the fields below and classified by the caller.
type Result struct {
	Name       string        `json:"name"`
	ExitCode   int           `json:"exit_code"`
	Stdout     string        `json:"stdout,omitempty"` // bounded tail
	Stderr     string        `json:"stderr,omitempty"` // bounded tail
	OutputFile string        `json:"output_file,omitempty"`
	TimedOut   bool          `json:"timed_out,omitempty"`
	Cancelled  bool          `json:"cancelled,omitempty"`
	Err        error         `json:"-"` // process could not be started or waited on
	Duration   time.Duration `json:"duration"`
}

// Failed reports whether the run did not exit cleanly
func (r *Result) Failed() bool {
	return r.Err != nil || r.ExitCode != 0 || r.TimedOut || r.Cancelled
}

// Diagnostic returns the last few lines of stderr (or stdout if stderr is
// empty) for error messages.
func (r *Result) Diagnostic() string {
	text := strings.TrimSpace(r.Stderr)
	if text == "" {
		text = strings.TrimSpace(r.Stdout)
	}
	if text == "" {
		if r.Err != nil {
			return r.Err.Error()
		}
		return ""
	}
	lines := strings.FieldsFunc(text, func(c rune) bool { return c == '\n' || c == '\r' })
	if len(lines) > diagnosticLines {
		lines = lines[len(lines)-diagnosticLines:]
	}
	return strings.Join(lines, "\n")
}

// Runner runs tool invocations
type Runner interface {
	Run(ctx context.Context, inv Invocation) *Result
}

const (
	tailLimit       = 16 << 10
	diagnosticLines = 5
	waitDelay       = 5 * time.Second
)

// ExecRunner runs tools with os/exec
type ExecRunner struct{}

// NewExecRunner creates a Runner backed by real subprocesses
func NewExecRunner() *ExecRunner {
	return &ExecRunner{}
}

// Run starts the tool and blocks until it exits, the timeout fires, or ctx
// is cancelled. Timeouts and cancellation kill the tool's whole process group.
func (e *ExecRunner) Run(ctx context.Context, inv Invocation) *Result {
	start := time.Now()
	res := &Result{Name: inv.Name, ExitCode: -1}

	if err := ctx.Err(); err != nil {
		res.Cancelled = errors.Is(err, context.Canceled)
		res.TimedOut = !res.Cancelled
		res.Err = err
		return res
	}

	runCtx := ctx
	if inv.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, inv.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, inv.Path, inv.Args...)
	cmd.Dir = inv.Dir
	cmd.WaitDelay = waitDelay
	configureProcess(cmd)

	report := progressReporter(inv.Parse, inv.OnProgress)
	stdout := newLineWriter(report)
	stderr := newLineWriter(report)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if logger.Enabled(slog.LevelDebug) {
		logger.Debug("Tool command", "tool", inv.Name, "path", inv.Path, "args", strings.Join(inv.Args, " "))
	}

	err := cmd.Run()
	stdout.Flush()
	stderr.Flush()

	res.Duration = time.Since(start)
	res.Stdout = stdout.Tail()
	res.Stderr = stderr.Tail()
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}

	if err != nil {
		switch {
		case errors.Is(ctx.Err(), context.Canceled):
			res.Cancelled = true
		case errors.Is(runCtx.Err(), context.DeadlineExceeded):
			res.TimedOut = true
		}
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			res.Err = err
		}
		logger.Debug("Tool exited with error",
			"tool", inv.Name,
			"exit_code", res.ExitCode,
			"timed_out", res.TimedOut,
			"cancelled", res.Cancelled,
			"error", err)
		return res
	}

	res.OutputFile = locateOutput(inv)
	return res
}

// progressReporter serializes parsed progress from stdout and stderr
func progressReporter(parse ParseFunc, on func(float64)) func(string) {
	if parse == nil || on == nil {
		return nil
	}
	var mu sync.Mutex
	return func(line string) {
		frac, ok := parse(line)
		if !ok {
			return
		}
		if frac < 0 {
			frac = 0
		} else if frac > 1 {
			frac = 1
		}
		mu.Lock()
		on(frac)
		mu.Unlock()
	}
}

// locateOutput finds the file a successful run produced
func locateOutput(inv Invocation) string {
	if inv.ExpectOutput != "" {
		if nonEmptyFile(inv.ExpectOutput) {
			return inv.ExpectOutput
		}
		return ""
	}
	if inv.OutputDir == "" {
		return ""
	}

	entries, err := os.ReadDir(inv.OutputDir)
	if err != nil {
		return ""
	}

	var best string
	var bestMod time.Time
	for _, entry := range entries {
		if !entry.Type().IsRegular() || IsPartial(entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.Size() == 0 {
			continue
		}
		if best == "" || info.ModTime().After(bestMod) {
			best = filepath.Join(inv.OutputDir, entry.Name())
			bestMod = info.ModTime()
		}
	}
	return best
}

// IsPartial reports whether name looks like an unfinished download
func IsPartial(name string) bool {
	lower := strings.ToLower(name)
	ext := filepath.Ext(lower)
	switch ext {
	case ".part", ".ytdl", ".temp", ".tmp":
		return true
	}
	return strings.HasPrefix(ext, ".frag") || strings.Contains(lower, ".part-frag")
}

func nonEmptyFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular() && info.Size() > 0
}

// Dependency describes whether a tool binary can be found
type Dependency struct {
	Name     string `json:"name"`
	Path     string `json:"path"`
	Resolved string `json:"resolved,omitempty"`
	Found    bool   `json:"found"`
}

// Check looks up a tool binary on PATH (or at an explicit path)
func Check(name, path string) Dependency {
	dep := Dependency{Name: name, Path: path}
	if resolved, err := exec.LookPath(path); err == nil {
		dep.Resolved = resolved
		dep.Found = true
	}
	return dep
}
