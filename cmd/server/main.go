package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"blogwatch/internal/config"
	"blogwatch/internal/differ"
	"blogwatch/internal/fetcher"
	"blogwatch/internal/notifier"
	"blogwatch/internal/poller"
	"blogwatch/internal/push"
	"blogwatch/internal/server"
	"blogwatch/internal/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	log := newLogger(cfg.LogLevel)

	if dir := filepath.Dir(cfg.DatabasePath); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			log.Error("create data directory", "path", dir, "error", err)
			os.Exit(1)
		}
	}

	store, err := storage.NewSQLite(cfg.DatabasePath)
	if err != nil {
		log.Error("open database", "path", cfg.DatabasePath, "error", err)
		os.Exit(1)
	}
	defer func() { _ = store.Close() }()

	fetch, err := fetcher.New(cfg, log)
	if err != nil {
		log.Error("create fetcher", "error", err)
		os.Exit(1)
	}

	pushMgr := push.New(store, cfg, log)
	notify := notifier.New(store, pushMgr, log)
	diff := differ.New(store, cfg.UrgentKeywords, log)
	poll := poller.New(store, fetch, diff, notify, cfg, log)
	srv := server.New(cfg.ListenAddr, store, pushMgr, notify, poll, log)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	log.Info("starting blogwatch", "addr", cfg.ListenAddr, "blog_url", cfg.BlogURL,
		"poll_interval", cfg.PollInterval())

	go poll.Run(ctx)

	if err := srv.Run(ctx); err != nil {
		log.Error("http server", "error", err)
		os.Exit(1)
	}

	log.Info("blogwatch stopped")
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
