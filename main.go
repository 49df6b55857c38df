package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/ramteid/Simple-Camera-Video-Streaming-Server-for-Raspberry-Pi-and-Docker/camera"
	"github.com/ramteid/Simple-Camera-Video-Streaming-Server-for-Raspberry-Pi-and-Docker/config"
	"github.com/ramteid/Simple-Camera-Video-Streaming-Server-for-Raspberry-Pi-and-Docker/stream"
	"github.com/ramteid/Simple-Camera-Video-Streaming-Server-for-Raspberry-Pi-and-Docker/web"
)

const version = "1.0.0"

func main() {
	configPath := flag.String("config", "config.toml", "path to configuration file")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("camera-stream-server", version)
		return
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := createLogger(*logLevel, cfg.Logging.MaxLogFiles)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Starting camera stream server",
		zap.String("version", version),
		zap.String("config", *configPath),
		zap.Int("port", cfg.Server.WebPort))

	source := camera.NewCommandSource(cfg.Camera.Device, cfg.Camera.Width,
		cfg.Camera.Height, cfg.Camera.Command,
		time.Duration(cfg.Camera.CaptureTimeoutSeconds)*time.Second, logger.Named("camera"))
	pipeline := stream.NewPipeline(cfg, source, stream.NewProcSampler(), logger.Named("stream"))
	server := web.NewServer(cfg, pipeline, logger.Named("web"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := pipeline.Start(ctx); err != nil {
		logger.Fatal("Failed to start pipeline", zap.Error(err))
	}
	serverErr := server.Start()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
	case err, ok := <-serverErr:
		if ok {
			logger.Error("Web server failed", zap.Error(err))
		}
	}

	// Stop accepting clients first, then unwind the pipeline.
	if err := server.Stop(); err != nil {
		logger.Warn("Web server shutdown error", zap.Error(err))
	}
	pipeline.Shutdown()

	logger.Info("Shutdown complete")
}

// createLogger builds a console plus rotating-file logger. Old log files
// beyond maxLogFiles are removed, oldest first.
func createLogger(level string, maxLogFiles int) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	logDir := "logs"
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	if err := cleanupOldLogs(logDir, maxLogFiles); err != nil {
		fmt.Fprintf(os.Stderr, "log cleanup failed: %v\n", err)
	}

	logFile := filepath.Join(logDir, fmt.Sprintf("stream-%s.log", time.Now().Format("20060102-150405")))

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)
	cfg.OutputPaths = []string{"stdout", logFile}
	cfg.ErrorOutputPaths = []string{"stderr"}
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return cfg.Build()
}

// cleanupOldLogs keeps the newest keep log files in dir and deletes the
// rest.
func cleanupOldLogs(dir string, keep int) error {
	if keep <= 0 {
		return nil
	}

	matches, err := filepath.Glob(filepath.Join(dir, "stream-*.log"))
	if err != nil {
		return err
	}
	if len(matches) < keep {
		return nil
	}

	sort.Strings(matches) // timestamped names sort chronologically
	for _, path := range matches[:len(matches)-keep+1] {
		if err := os.Remove(path); err != nil {
			return err
		}
	}
	return nil
}
