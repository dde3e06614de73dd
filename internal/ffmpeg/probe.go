package ffmpeg

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/gwlsn/fetchray/internal/tool"
)

const probeTimeout = 30 * time.Second

// ffprobeOutput represents the JSON output from ffprobe
type ffprobeOutput struct {
	Format ffprobeFormat `json:"format"`
}

type ffprobeFormat struct {
	Filename   string `json:"filename"`
	FormatName string `json:"format_name"`
	Duration   string `json:"duration"`
	Size       string `json:"size"`
}

// Prober wraps ffprobe functionality
type Prober struct {
	ffprobePath string
	runner      tool.Runner
}

// NewProber creates a new Prober with the given ffprobe path
func NewProber(ffprobePath string, runner tool.Runner) *Prober {
	return &Prober{ffprobePath: ffprobePath, runner: runner}
}

// Duration returns the media duration of the file at path
func (p *Prober) Duration(ctx context.Context, path string) (time.Duration, error) {
	res := p.runner.Run(ctx, tool.Invocation{
		Name: "ffprobe",
		Path: p.ffprobePath,
		Args: []string{
			"-v", "quiet",
			"-print_format", "json",
			"-show_format",
			path,
		},
		Timeout: probeTimeout,
	})
	if res.Failed() {
		return 0, fmt.Errorf("ffprobe failed: %s", res.Diagnostic())
	}
	return parseDuration([]byte(res.Stdout))
}

func parseDuration(data []byte) (time.Duration, error) {
	var out ffprobeOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return 0, fmt.Errorf("failed to parse ffprobe output: %w", err)
	}
	if out.Format.Duration == "" || out.Format.Duration == "N/A" {
		return 0, fmt.Errorf("ffprobe reported no duration")
	}
	secs, err := strconv.ParseFloat(out.Format.Duration, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", out.Format.Duration, err)
	}
	return time.Duration(secs * float64(time.Second)), nil
}
