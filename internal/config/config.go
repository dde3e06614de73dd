package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Worker and queue limits
const (
	MinWorkers       = 1
	MaxWorkers       = 16
	MinQueueCapacity = 1
	MaxQueueCapacity = 1024
)

type Config struct {
	// ListenAddr is the address the HTTP server binds to (default ":8080")
	ListenAddr string `yaml:"listen_addr"`

	// StoragePath is the managed directory where finished artifacts live
	StoragePath string `yaml:"storage_path"`

	// TempPath holds per-job work directories while tools run.
	// If empty, defaults to <storage_path>/.work
	TempPath string `yaml:"temp_path"`

	// Workers is the number of jobs that may run at once (default 2)
	Workers int `yaml:"workers"`

	// QueueCapacity is how many jobs may wait for a free worker (default 32).
	// Submissions beyond this are rejected.
	QueueCapacity int `yaml:"queue_capacity"`

	// JobTimeout is the wall-clock budget for a whole job, extraction plus transcode
	JobTimeout time.Duration `yaml:"job_timeout"`

	// Retention is how long an artifact stays downloadable after the job finishes
	Retention time.Duration `yaml:"retention"`

	// EvictionGrace is how long a record stays visible after it expires
	EvictionGrace time.Duration `yaml:"eviction_grace"`

	// SweepInterval is how often expired artifacts and records are cleaned up
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// YtDlpPath is the path to the yt-dlp binary (default: "yt-dlp")
	YtDlpPath string `yaml:"ytdlp_path"`

	// YtDlpArgs are appended to every yt-dlp invocation
	YtDlpArgs []string `yaml:"ytdlp_args"`

	// FFmpegPath is the path to ffmpeg binary (default: "ffmpeg")
	FFmpegPath string `yaml:"ffmpeg_path"`

	// FFprobePath is the path to ffprobe binary (default: "ffprobe")
	FFprobePath string `yaml:"ffprobe_path"`

	// HistoryDB enables SQLite job history when set. Empty keeps jobs in memory only.
	HistoryDB string `yaml:"history_db"`

	// AllowedOrigins lists CORS origins; "*" allows any
	AllowedOrigins []string `yaml:"allowed_origins"`

	// LogLevel is one of debug, info, warn, error
	LogLevel string `yaml:"log_level"`

	// LogFormat is "text" or "json"
	LogFormat string `yaml:"log_format"`
}

// DefaultConfig returns a config with sensible defaults.
// Retention and worker count are policy; override them per deployment.
func DefaultConfig() *Config {
	return &Config{
		ListenAddr:    ":8080",
		StoragePath:   "downloads",
		TempPath:      "", // <storage_path>/.work
		Workers:       2,
		QueueCapacity: 32,
		JobTimeout:    5 * time.Minute,
		Retention:     15 * time.Minute,
		EvictionGrace: 5 * time.Minute,
		SweepInterval: time.Minute,
		YtDlpPath:     "yt-dlp",
		FFmpegPath:    "ffmpeg",
		FFprobePath:   "ffprobe",
		LogLevel:      "info",
		LogFormat:     "text",
	}
}

// Load reads config from a YAML file, applying defaults for missing values
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// No config file - use defaults
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	cfg.applyDefaults()
	return cfg, nil
}

// applyDefaults fills empty values and clamps limits
func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.ListenAddr == "" {
		c.ListenAddr = def.ListenAddr
	}
	if c.StoragePath == "" {
		c.StoragePath = def.StoragePath
	}
	if c.YtDlpPath == "" {
		c.YtDlpPath = def.YtDlpPath
	}
	if c.FFmpegPath == "" {
		c.FFmpegPath = def.FFmpegPath
	}
	if c.FFprobePath == "" {
		c.FFprobePath = def.FFprobePath
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = def.JobTimeout
	}
	if c.Retention <= 0 {
		c.Retention = def.Retention
	}
	if c.EvictionGrace < 0 {
		c.EvictionGrace = 0
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = def.SweepInterval
	}
	if c.LogFormat == "" {
		c.LogFormat = def.LogFormat
	}
	c.Workers = clamp(c.Workers, MinWorkers, MaxWorkers)
	if c.QueueCapacity == 0 {
		c.QueueCapacity = def.QueueCapacity
	}
	c.QueueCapacity = clamp(c.QueueCapacity, MinQueueCapacity, MaxQueueCapacity)
}

func clamp(n, lo, hi int) int {
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}

// ApplyEnv overrides config values from environment variables.
// Invalid numeric or duration values are reported and leave the field unchanged.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	var errs []string

	setString := func(key string, dst *string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		v := strings.TrimSpace(getenv(key))
		if v == "" {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s=%q: not an integer", key, v))
			return
		}
		*dst = n
	}
	setDuration := func(key string, dst *time.Duration) {
		v := strings.TrimSpace(getenv(key))
		if v == "" {
			return
		}
		d, err := ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s=%q: %v", key, v, err))
			return
		}
		*dst = d
	}

	setString("LISTEN_ADDR", &c.ListenAddr)
	if port := strings.TrimSpace(getenv("PORT")); port != "" {
		c.ListenAddr = ":" + strings.TrimPrefix(port, ":")
	}
	setString("STORAGE_PATH", &c.StoragePath)
	setString("TEMP_PATH", &c.TempPath)
	setString("HISTORY_DB", &c.HistoryDB)
	setString("YTDLP_PATH", &c.YtDlpPath)
	setString("FFMPEG_PATH", &c.FFmpegPath)
	setString("FFPROBE_PATH", &c.FFprobePath)
	setString("LOG_LEVEL", &c.LogLevel)
	setString("LOG_FORMAT", &c.LogFormat)
	setInt("WORKERS", &c.Workers)
	setInt("QUEUE_CAPACITY", &c.QueueCapacity)
	setDuration("JOB_TIMEOUT", &c.JobTimeout)
	setDuration("RETENTION", &c.Retention)
	setDuration("EVICTION_GRACE", &c.EvictionGrace)
	setDuration("SWEEP_INTERVAL", &c.SweepInterval)

	if v := strings.TrimSpace(getenv("ALLOWED_ORIGINS")); v != "" {
		c.AllowedOrigins = splitList(v)
	}

	c.applyDefaults()

	if len(errs) > 0 {
		return fmt.Errorf("invalid environment: %s", strings.Join(errs, "; "))
	}
	return nil
}

// ParseDuration accepts Go duration syntax ("90s", "1h30m") or a bare
// number of minutes ("15").
func ParseDuration(s string) (time.Duration, error) {
	if n, err := strconv.Atoi(s); err == nil {
		return time.Duration(n) * time.Minute, nil
	}
	return time.ParseDuration(s)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Save writes the config to a YAML file
func (c *Config) Save(path string) error {
	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// WorkDir returns the directory for per-job work directories
func (c *Config) WorkDir() string {
	if c.TempPath != "" {
		return c.TempPath
	}
	return filepath.Join(c.StoragePath, ".work")
}
