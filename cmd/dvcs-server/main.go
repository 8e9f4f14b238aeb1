// Command dvcs-server exposes one repository's sync endpoint over HTTP for
// push/pull clients, the sync-protocol counterpart to the local "repo
// opened in-process" remote the dvcs CLI uses for filesystem paths.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/oxcart/dvcs/internal/repo"
	"github.com/oxcart/dvcs/internal/transport"
)

// Build-time variables set via -ldflags.
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	initLogger()

	repoPath := flag.String("repo", getEnv("DVCS_REPO", "."), "Path to the repository to serve")
	addr := flag.String("addr", getEnv("DVCS_ADDR", ":8080"), "Address to listen on")
	authToken := flag.String("auth-token", os.Getenv("DVCS_AUTH_TOKEN"), "Bearer token required of clients (empty disables auth)")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("dvcs-server %s (%s)\n", version, commit)
		return
	}

	r, err := repo.Open(*repoPath, slog.Default())
	if err != nil {
		slog.Error("failed to open repository", "path", *repoPath, "err", err)
		os.Exit(1)
	}

	scratch, err := os.MkdirTemp("", "dvcs-server-scratch-*")
	if err != nil {
		slog.Error("failed to create scratch directory", "err", err)
		os.Exit(1)
	}
	defer func() { _ = os.RemoveAll(scratch) }()

	engine, err := transport.NewLocalEngine(r.SyncLocal(), scratch, slog.Default())
	if err != nil {
		slog.Error("failed to wrap repository for sync", "err", err)
		os.Exit(1)
	}

	broadcaster := transport.NewBroadcaster(slog.Default())
	srv := transport.NewServer(engine, *addr, *authToken, broadcaster, slog.Default())

	slog.Info("dvcs-server listening", "addr", *addr, "repo", r.WorkDir)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		if err != nil {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	case <-ctx.Done():
		slog.Info("shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown error", "err", err)
		}
	}
}

func initLogger() {
	level := slog.LevelInfo
	switch getEnv("DVCS_LOG_LEVEL", "info") {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	var handler slog.Handler
	if getEnv("DVCS_LOG_FORMAT", "text") == "json" {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}
	slog.SetDefault(slog.New(handler))
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}
