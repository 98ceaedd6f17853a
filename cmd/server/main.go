// Command server runs the reminder delivery pipeline and its admin API.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bissquit/medication-reminders/internal/app"
	"github.com/bissquit/medication-reminders/internal/config"
	"github.com/bissquit/medication-reminders/internal/version"
)

const shutdownTimeout = 30 * time.Second

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", os.Getenv("MEDREM_CONFIG"), "path to config yaml (optional)")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	application, err := app.New(cfg)
	if err != nil {
		slog.Error("failed to create app", "error", err)
		os.Exit(1)
	}
	slog.Info("medication reminders starting", "version", version.Version, "commit", version.GitCommit)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- application.Run() }()

	exitCode := 0
	select {
	case err := <-errCh:
		if err != nil {
			slog.Error("server stopped", "error", err)
			exitCode = 1
		}
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("graceful shutdown failed", "error", err)
		exitCode = 1
	}
	os.Exit(exitCode)
}
