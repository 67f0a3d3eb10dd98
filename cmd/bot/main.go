package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"torrent_bot/internal/bot"
	"torrent_bot/internal/config"
	"torrent_bot/internal/dispatch"
	"torrent_bot/internal/downloader"
	"torrent_bot/internal/flow"
	"torrent_bot/internal/indexer"
	"torrent_bot/internal/metadata"
	"torrent_bot/internal/scheduler"
	"torrent_bot/internal/storage"
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

	search := indexer.New(http.DefaultClient, cfg.TorznabURL, cfg.TorznabAPIKey)

	var resolver metadata.Resolver
	if cfg.TMDBAPIKey != "" {
		resolver = metadata.NewTMDB(http.DefaultClient, "https://api.themoviedb.org/3", cfg.TMDBAPIKey)
	}

	qbt, err := downloader.NewQBittorrent(cfg.QBittorrentURL, cfg.QBittorrentUsername, cfg.QBittorrentPassword)
	if err != nil {
		log.Error("create qbittorrent client", "error", err)
		os.Exit(1)
	}

	dispatcher := dispatch.New(qbt, store, cfg.MoviesDownloadPath, cfg.TVShowsDownloadPath, log)

	machine := flow.New(store, search, dispatcher, resolver, qbt, cfg.ResultsPerPage, log)

	b, err := bot.New(cfg.TelegramBotToken, machine, cfg, log)
	if err != nil {
		log.Error("create bot", "error", err)
		os.Exit(1)
	}

	sched := scheduler.New(store, search, dispatcher, qbt, b,
		time.Duration(cfg.ScanIntervalMinutes)*time.Minute, cfg.MaxDispatchFailures, log)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	log.Info("starting bot", "scan_interval_min", cfg.ScanIntervalMinutes)

	go sched.Run(ctx)

	b.Run(ctx)

	log.Info("bot stopped")
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
