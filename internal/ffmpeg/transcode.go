package ffmpeg

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gwlsn/fetchray/internal/logger"
	"github.com/gwlsn/fetchray/internal/media"
	"github.com/gwlsn/fetchray/internal/tool"
)

// codecArgs are the encoder settings per output format
var codecArgs = map[string][]string{
	"mp3":  {"-vn", "-c:a", "libmp3lame", "-q:a", "0"},
	"m4a":  {"-vn", "-c:a", "aac", "-b:a", "192k"},
	"opus": {"-vn", "-c:a", "libopus", "-b:a", "160k"},
	"flac": {"-vn", "-c:a", "flac"},
	"wav":  {"-vn", "-c:a", "pcm_s16le"},
	"mp4": {
		"-c:v", "libx264", "-preset", "medium", "-crf", "23",
		"-c:a", "aac", "-b:a", "128k",
		"-movflags", "+faststart",
	},
	"mkv": {"-map", "0", "-c", "copy"},
	"webm": {
		"-c:v", "libvpx-vp9", "-crf", "32", "-b:v", "0",
		"-c:a", "libopus", "-b:a", "128k",
	},
}

// Transcoder wraps ffmpeg transcoding functionality
type Transcoder struct {
	ffmpegPath string
	prober     *Prober
	runner     tool.Runner
}

// NewTranscoder creates a new Transcoder with the given ffmpeg path.
// prober may be nil, in which case progress is reported only at the end.
func NewTranscoder(ffmpegPath string, prober *Prober, runner tool.Runner) *Transcoder {
	return &Transcoder{ffmpegPath: ffmpegPath, prober: prober, runner: runner}
}

// OutputPath returns where a conversion of input into format is written
func OutputPath(input string, format media.Format, dir string) string {
	base := strings.TrimSuffix(filepath.Base(input), filepath.Ext(input))
	out := filepath.Join(dir, base+format.Ext)
	if out == input {
		out = filepath.Join(dir, base+".converted"+format.Ext)
	}
	return out
}

// BuildArgs builds the ffmpeg command line for one conversion
func BuildArgs(input, output string, format media.Format) []string {
	args := []string{
		"-hide_banner",
		"-nostats",
		"-y",                  // Overwrite output without asking
		"-progress", "pipe:1", // Output progress to stdout
		"-i", input,
	}
	args = append(args, codecArgs[format.Name]...)
	return append(args, output)
}

// Transcode converts input into format inside dir. A failed run leaves no
// partial output behind.
func (t *Transcoder) Transcode(ctx context.Context, input string, format media.Format, dir string, timeout time.Duration, onProgress func(float64)) *tool.Result {
	start := time.Now()

	var duration time.Duration
	if t.prober != nil {
		d, err := t.prober.Duration(ctx, input)
		if err != nil {
			logger.Debug("Duration probe failed, transcode progress unknown", "path", input, "error", err)
		}
		duration = d
	}
	if timeout > 0 {
		timeout -= time.Since(start)
		if timeout <= 0 {
			timeout = time.Millisecond
		}
	}

	output := OutputPath(input, format, dir)
	res := t.runner.Run(ctx, tool.Invocation{
		Name:         "ffmpeg",
		Path:         t.ffmpegPath,
		Args:         BuildArgs(input, output, format),
		Dir:          dir,
		Timeout:      timeout,
		Parse:        ProgressParser(duration),
		OnProgress:   onProgress,
		ExpectOutput: output,
	})
	if res.Failed() {
		os.Remove(output)
	}
	return res
}

// ProgressParser returns a parser for ffmpeg's -progress key=value output.
// duration 0 means only the final "progress=end" is reported.
func ProgressParser(duration time.Duration) tool.ParseFunc {
	return func(line string) (float64, bool) {
		key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
		if !ok {
			return 0, false
		}
		switch key {
		case "out_time_us":
			if duration <= 0 || value == "N/A" {
				return 0, false
			}
			us, err := strconv.ParseInt(value, 10, 64)
			if err != nil || us < 0 {
				return 0, false
			}
			frac := float64(time.Duration(us)*time.Microsecond) / float64(duration)
			if frac > 1 {
				frac = 1
			}
			return frac, true
		case "progress":
			if value == "end" {
				return 1, true
			}
		}
		return 0, false
	}
}
