// Entry point for the timetab schedule service: loads configuration, opens
// the local store, and runs the HTTP server with background sync.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	_ "modernc.org/sqlite"

	"github.com/timetab/timetab/config"
	"github.com/timetab/timetab/httpapi"
	"github.com/timetab/timetab/kvstore"
	"github.com/timetab/timetab/prefs"
	"github.com/timetab/timetab/sheetapi"
	"github.com/timetab/timetab/syncer"
	"github.com/timetab/timetab/weekstore"
)

func main() {
	cfgPath := env("CONFIG", "timetab.yaml")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("config", "error", err)
		os.Exit(1)
	}
	if v := os.Getenv("SHEET_URL"); v != "" {
		cfg.SheetURL = v
	}
	if v := os.Getenv("LISTEN"); v != "" {
		cfg.Listen = v
	}
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.DataDir = v
	}

	// Logging.
	var lvl slog.Level
	switch cfg.LogLevel {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)

	// Signal context.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Local store.
	kv, err := kvstore.Open(filepath.Join(cfg.DataDir, "timetab.db"), kvstore.Options{MkdirAll: true})
	if err != nil {
		slog.Error("store", "error", err)
		os.Exit(1)
	}
	defer kv.Close()

	weeks := weekstore.New(kv, weekstore.Options{
		MaxWeeks: cfg.Cache.MaxWeeks,
	})
	settings := prefs.NewSettings(kv)
	favorites := prefs.NewFavorites(kv)

	fetcher := sheetapi.New(sheetapi.Config{URL: cfg.SheetURL})
	coord := syncer.New(weeks, kv, settings, fetcher, syncer.Options{
		Lifetime:     cfg.Cache.Lifetime.Std(),
		StaleAfter:   cfg.Cache.StaleAfter.Std(),
		SyncInterval: cfg.Sync.Interval.Std(),
		StartupGrace: cfg.Sync.StartupGrace.Std(),
		Notifier:     syncer.LogNotifier{Logger: logger},
	})

	coord.WarmStart(ctx)
	if cfg.SheetURL != "" {
		go coord.RunAutoSync(ctx)
	} else {
		slog.Info("no sheet url configured, remote sync disabled")
	}

	api := &httpapi.Server{
		Weeks:      weeks,
		Settings:   settings,
		Favorites:  favorites,
		Coord:      coord,
		StaleAfter: cfg.Cache.StaleAfter.Std(),
		Logger:     logger,
	}

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		slog.Info("server starting", "addr", cfg.Listen)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown", "error", err)
	}
	slog.Info("server stopped")
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
