package ytdlp

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/gwlsn/fetchray/internal/media"
	"github.com/gwlsn/fetchray/internal/tool"
)

const (
	outputTemplate = "%(title).120B [%(id)s].%(ext)s"
	versionTimeout = 5 * time.Second

	mp4Selector   = "bestvideo[ext=mp4]+bestaudio[ext=m4a]/best[ext=mp4]/best"
	videoSelector = "bv*+ba/b"
	audioSelector = "bestaudio/best"
)

var rePct = regexp.MustCompile(`([0-9]+(?:\.[0-9]+)?)%`)

// Client runs yt-dlp through a tool.Runner
type Client struct {
	path      string
	extraArgs []string
	runner    tool.Runner
}

// NewClient creates a Client for the yt-dlp binary at path.
// extraArgs are inserted before the URL on every download.
func NewClient(path string, extraArgs []string, runner tool.Runner) *Client {
	return &Client{path: path, extraArgs: extraArgs, runner: runner}
}

// BuildArgs returns the yt-dlp arguments for downloading url into dir.
// format may be nil, meaning whatever yt-dlp picks as best.
func BuildArgs(url string, format *media.Format, dir string, extra []string) []string {
	args := []string{
		"--no-playlist",
		"--newline",
		"--restrict-filenames",
		"--no-warnings",
		"--no-check-certificates",
		"-P", dir,
		"-o", outputTemplate,
	}
	if sel := selectFormat(format); sel != "" {
		args = append(args, "-f", sel)
	}
	args = append(args, extra...)
	return append(args, "--", url)
}

func selectFormat(format *media.Format) string {
	switch {
	case format == nil:
		return ""
	case format.Audio:
		return audioSelector
	case format.Name == "mp4":
		return mp4Selector
	default:
		return videoSelector
	}
}

// Extract downloads url into dir. The returned result's OutputFile is the
// downloaded media file when the run succeeded.
func (c *Client) Extract(ctx context.Context, url string, format *media.Format, dir string, timeout time.Duration, onProgress func(float64)) *tool.Result {
	return c.runner.Run(ctx, tool.Invocation{
		Name:       "yt-dlp",
		Path:       c.path,
		Args:       BuildArgs(url, format, dir, c.extraArgs),
		Dir:        dir,
		Timeout:    timeout,
		Parse:      ParseProgress,
		OnProgress: onProgress,
		OutputDir:  dir,
	})
}

// ParseProgress reads the percentage from a "[download]  42.3% of ..." line
func ParseProgress(line string) (float64, bool) {
	if !strings.HasPrefix(strings.TrimSpace(line), "[download]") {
		return 0, false
	}
	m := rePct.FindStringSubmatch(line)
	if m == nil {
		return 0, false
	}
	pct, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, false
	}
	return pct / 100, true
}

// Version returns the installed yt-dlp version string
func (c *Client) Version(ctx context.Context) (string, error) {
	res := c.runner.Run(ctx, tool.Invocation{
		Name:    "yt-dlp",
		Path:    c.path,
		Args:    []string{"--version"},
		Timeout: versionTimeout,
	})
	if res.Failed() {
		return "", fmt.Errorf("yt-dlp --version failed: %s", res.Diagnostic())
	}
	return strings.TrimSpace(res.Stdout), nil
}
