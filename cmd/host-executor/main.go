package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuongbtq/hv-orchestrator/internal/executor"
	"github.com/cuongbtq/hv-orchestrator/shared/logger"
)

// host-executor reads one request envelope on stdin and writes the paired
// result on stdout. Diagnostics go to stderr so they never mix with the
// result document.
func main() {
	os.Exit(run())
}

func run() int {
	level := flag.String("log-level", envOr("HOST_EXECUTOR_LOG_LEVEL", "warn"), "Log level (debug, info, warn, error)")
	timeout := flag.Duration("timeout", 0, "Abort the operation after this long (0 disables)")
	flag.Parse()

	appLogger, err := logger.New(&logger.Config{
		Level:      *level,
		Format:     "json",
		Output:     "stderr",
		TimeFormat: time.RFC3339,
	})
	if err != nil {
		appLogger = &logger.Logger{Logger: slog.New(slog.NewJSONHandler(os.Stderr, nil))}
	}
	defer appLogger.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if *timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *timeout)
		defer cancel()
	}

	exec := executor.New(appLogger.Logger)
	code := exec.Serve(ctx, os.Stdin, os.Stdout)
	appLogger.Debug("Request served", slog.Int("exit_code", code))
	return code
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
