package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/gwlsn/fetchray"
	"github.com/gwlsn/fetchray/internal/api"
	"github.com/gwlsn/fetchray/internal/config"
	"github.com/gwlsn/fetchray/internal/ffmpeg"
	"github.com/gwlsn/fetchray/internal/filestore"
	"github.com/gwlsn/fetchray/internal/jobs"
	"github.com/gwlsn/fetchray/internal/logger"
	"github.com/gwlsn/fetchray/internal/store"
	"github.com/gwlsn/fetchray/internal/tool"
	"github.com/gwlsn/fetchray/internal/ytdlp"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "", "Path to config file (default: ./config/fetchray.yaml)")
	port := flag.Int("port", 0, "Port to listen on (overrides listen_addr)")
	storagePath := flag.String("storage", "", "Override storage path from config")
	flag.Parse()

	// .env is optional; real environment variables win
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "warning: could not read .env: %v\n", err)
	}

	cfgPath := *configPath
	if cfgPath == "" {
		if envPath := os.Getenv("CONFIG_PATH"); envPath != "" {
			cfgPath = envPath
		} else {
			cfgPath = "config/fetchray.yaml"
		}
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Init("info", "text")
		logger.Warn("Could not load config", "path", cfgPath, "error", err)
		cfg = config.DefaultConfig()
	}
	envErr := cfg.ApplyEnv(os.Getenv)
	if *storagePath != "" {
		cfg.StoragePath = *storagePath
	}
	if *port != 0 {
		cfg.ListenAddr = fmt.Sprintf(":%d", *port)
	}

	logger.Init(cfg.LogLevel, cfg.LogFormat)
	if envErr != nil {
		logger.Warn("Ignoring invalid environment values", "error", envErr)
	}

	// Missing storage is fatal: nothing could be downloaded
	files, err := filestore.New(cfg.StoragePath)
	if err != nil {
		logger.Error("Failed to open storage", "path", cfg.StoragePath, "error", err)
		os.Exit(1)
	}
	work, err := filestore.NewWorkspace(cfg.WorkDir())
	if err != nil {
		logger.Error("Failed to prepare work directory", "path", cfg.WorkDir(), "error", err)
		os.Exit(1)
	}

	runner := tool.NewExecRunner()
	extractor := ytdlp.NewClient(cfg.YtDlpPath, cfg.YtDlpArgs, runner)
	prober := ffmpeg.NewProber(cfg.FFprobePath, runner)
	transcoder := ffmpeg.NewTranscoder(cfg.FFmpegPath, prober, runner)

	manager := jobs.NewManager(cfg, extractor, transcoder, files, work)

	var jobStore *store.SQLiteStore
	if cfg.HistoryDB != "" {
		jobStore, err = store.InitStore(cfg.HistoryDB)
		if err != nil {
			logger.Error("Failed to initialize job store", "error", err)
			os.Exit(1)
		}
		manager.SetStore(jobStore)
		if err := manager.Restore(); err != nil {
			logger.Warn("Could not restore job history", "error", err)
		}
	}

	// Drop artifacts nobody owns before taking traffic
	if deleted, _ := manager.Sweep(time.Now()); deleted > 0 {
		logger.Info("Removed stale artifacts", "count", deleted)
	}

	fmt.Println("╔═══════════════════════════════════════════════════════════╗")
	fmt.Println("║                          FETCHRAY                         ║")
	fmt.Println("║            Asynchronous media fetch and convert           ║")
	versionLine := fmt.Sprintf("v%s", fetchray.Version)
	padding := 59 - len(versionLine)
	fmt.Printf("║%*s%s%*s║\n", padding/2, "", versionLine, (padding+1)/2, "")
	fmt.Println("╚═══════════════════════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("  Storage:      %s\n", files.Dir())
	fmt.Printf("  Work dir:     %s\n", cfg.WorkDir())
	fmt.Printf("  Config:       %s\n", cfgPath)
	if jobStore != nil {
		fmt.Printf("  Database:     %s\n", jobStore.Path())
	} else {
		fmt.Printf("  Database:     (in-memory only)\n")
	}
	fmt.Printf("  Workers:      %d\n", cfg.Workers)
	fmt.Printf("  Queue:        %d\n", cfg.QueueCapacity)
	fmt.Printf("  Job timeout:  %s\n", cfg.JobTimeout)
	fmt.Printf("  Retention:    %s\n", cfg.Retention)
	fmt.Println()

	fmt.Println("  Tools:")
	for _, dep := range []tool.Dependency{
		tool.Check("yt-dlp", cfg.YtDlpPath),
		tool.Check("ffmpeg", cfg.FFmpegPath),
		tool.Check("ffprobe", cfg.FFprobePath),
	} {
		if dep.Found {
			fmt.Printf("    %-8s %s\n", dep.Name, dep.Resolved)
		} else {
			fmt.Printf("    %-8s (not found: %s)\n", dep.Name, dep.Path)
			logger.Warn("Tool not found on PATH", "tool", dep.Name, "path", dep.Path)
		}
	}
	fmt.Println()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	handler := api.NewHandler(manager, cfg, extractor.Version)
	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.NewRouter(handler),
		ReadHeaderTimeout: 10 * time.Second,
		// Event streams end when the process is asked to stop
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	manager.Start()

	fmt.Printf("  Listening on %s\n", cfg.ListenAddr)
	fmt.Println()
	fmt.Println("  Press Ctrl+C to stop")
	fmt.Println()
	fmt.Println("─────────────────────────────────────────────────────────────")
	fmt.Printf("  Logging started (level: %s)\n", cfg.LogLevel)
	fmt.Println("─────────────────────────────────────────────────────────────")
	logger.Info("Fetchray started", "version", fetchray.Version, "workers", cfg.Workers, "addr", cfg.ListenAddr)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return manager.RunSweeper(gctx, cfg.SweepInterval)
	})
	g.Go(func() error {
		<-gctx.Done()
		fmt.Println("\n  Shutting down...")
		logger.Info("Shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	exitCode := 0
	if err := g.Wait(); err != nil {
		logger.Error("Server error", "error", err)
		exitCode = 1
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := manager.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Workers did not stop in time", "error", err)
	}
	cancel()

	if jobStore != nil {
		if err := jobStore.Close(); err != nil {
			logger.Warn("Failed to close job store", "error", err)
		}
	}

	logger.Info("Server stopped")
	fmt.Println("  Goodbye!")
	os.Exit(exitCode)
}
