package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/misskey-bot/misskey-deepseek-bot/internal/bot"
	"github.com/misskey-bot/misskey-deepseek-bot/internal/config"
	"github.com/misskey-bot/misskey-deepseek-bot/internal/lockfile"
	"github.com/misskey-bot/misskey-deepseek-bot/internal/storage"
	"github.com/sirupsen/logrus"
)

func main() {
	// Load environment variables from .env file if it exists
	if err := godotenv.Load(); err != nil {
		logrus.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load("")
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	setupLogging(cfg.Server)
	logrus.Info("Starting Misskey DeepSeek bot")

	lock, err := lockfile.Acquire(filepath.Dir(cfg.Persistence.DBPath))
	if err != nil {
		logrus.Fatalf("Failed to lock data directory: %v", err)
	}
	defer lock.Release()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps, err := bot.DepsFromConfig(ctx, cfg)
	if err != nil {
		logrus.Fatalf("Failed to initialize clients: %v", err)
	}
	if err := restoreIfMissing(ctx, cfg, deps.Archive); err != nil {
		logrus.Errorf("Failed to restore dedup store, starting empty: %v", err)
	}

	service, err := bot.NewService(cfg, deps)
	if err != nil {
		logrus.Fatalf("Failed to create bot service: %v", err)
	}
	if err := service.Start(ctx); err != nil {
		lock.Release()
		logrus.Fatalf("Failed to start bot service: %v", err)
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Server.Port),
		Handler:      newRouter(service),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logrus.Infof("HTTP server starting on port %s", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.Errorf("HTTP server failed: %v", err)
			stop()
		}
	}()

	<-ctx.Done()
	logrus.Info("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logrus.Errorf("Server forced to shutdown: %v", err)
	}
	if err := service.Shutdown(shutdownCtx); err != nil {
		logrus.Errorf("Bot shutdown incomplete: %v", err)
	}

	logrus.Info("Bot exited")
}

func setupLogging(cfg config.ServerConfig) {
	logrus.SetFormatter(&logrus.JSONFormatter{})
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		logrus.Warnf("Unknown log level %q, using info", cfg.LogLevel)
		level = logrus.InfoLevel
	}
	if cfg.Debug {
		level = logrus.DebugLevel
	}
	logrus.SetLevel(level)
}

// restoreIfMissing pulls the newest backup when enabled and no local store exists yet
func restoreIfMissing(ctx context.Context, cfg *config.Config, archive storage.ArchiveInterface) error {
	if archive == nil || !cfg.Backup.RestoreOnStart {
		return nil
	}
	if _, err := os.Stat(cfg.Persistence.DBPath); err == nil {
		return nil
	}
	restored, err := storage.RestoreLatest(ctx, archive, cfg.Persistence.DBPath)
	if err != nil {
		return err
	}
	if !restored {
		logrus.Info("No backup found, starting with an empty dedup store")
	}
	return nil
}
