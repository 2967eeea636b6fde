package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/AmanK-tech/TubeAgent/internal/api"
	"github.com/AmanK-tech/TubeAgent/internal/asr"
	"github.com/AmanK-tech/TubeAgent/internal/config"
	"github.com/AmanK-tech/TubeAgent/internal/db"
	"github.com/AmanK-tech/TubeAgent/internal/engine"
	"github.com/AmanK-tech/TubeAgent/internal/jobs"
	"github.com/AmanK-tech/TubeAgent/internal/logging"
	"github.com/AmanK-tech/TubeAgent/internal/manifest"
	"github.com/AmanK-tech/TubeAgent/internal/media"
	"github.com/AmanK-tech/TubeAgent/internal/source"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("fatal error: %v", err)
	}
}

func run() error {
	startTime := time.Now()

	cfg, err := config.New()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := os.MkdirAll(cfg.DataDir(), 0755); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}
	if err := os.MkdirAll(cfg.JobsDir(), 0755); err != nil {
		return fmt.Errorf("failed to create jobs dir: %w", err)
	}
	if err := os.MkdirAll(cfg.CacheDir(), 0755); err != nil {
		return fmt.Errorf("failed to create cache dir: %w", err)
	}

	logger := logging.NewLogger(cfg.LogLevel())
	logger.Info("starting tubeagent", "version", config.Version, "data_dir", cfg.DataDir())

	database, err := db.New(cfg.DBPath(), logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer database.Close()

	repo := jobs.NewRepository(database.Conn())

	authToken, err := ensureAuthToken(repo)
	if err != nil {
		return fmt.Errorf("failed to ensure auth token: %w", err)
	}
	logger.Info("api auth token ready", "token", logging.SanitizeToken(authToken))

	ffmpeg, err := media.NewExecFFmpeg(logging.WithComponent(logger, "media"))
	if err != nil {
		return fmt.Errorf("media toolchain unavailable: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	provider, err := buildProvider(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize provider: %w", err)
	}
	logger.Info("provider initialized", "provider", provider.Name())

	store := manifest.NewFileStore(cfg.JobsDir(), cfg.Pipeline().StorageRetries,
		logging.WithComponent(logger, "manifest"))

	downloader, err := source.NewDownloader(cfg.CacheDir(), ffmpeg,
		logging.WithComponent(logger, "source"))
	if err != nil {
		logger.Warn("yt-dlp unavailable, remote sources disabled", "error", err)
	}

	eng := engine.New(engine.Options{
		Repo:  repo,
		Store: store,
		Resolver: func(uri string) source.Resolver {
			if source.IsRemote(uri) && downloader != nil {
				return downloader
			}
			return source.NewLocalResolver(ffmpeg)
		},
		Provider: provider,
		FFmpeg:   ffmpeg,
		Pipeline: cfg.Pipeline(),
		Logger:   logger,
	})

	apiServer := api.NewServer(api.ServerConfig{
		Port:       cfg.Port(),
		Engine:     eng,
		Repository: repo,
		Logger:     logger,
		StartTime:  startTime,
	})

	go func() {
		if err := apiServer.Start(); err != nil {
			logger.Error("HTTP server error", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig)

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown HTTP server", "error", err)
	}

	logger.Info("shutdown complete")
	return nil
}

func buildProvider(ctx context.Context, cfg config.Config, logger *slog.Logger) (asr.Provider, error) {
	providerLogger := logging.WithComponent(logger, "asr")
	switch cfg.Provider() {
	case config.ProviderOpenAI:
		return asr.NewOpenAIProvider(cfg.OpenAIKey(), cfg.OpenAIBaseURL(), cfg.OpenAIModel(), providerLogger)
	case config.ProviderGemini:
		return asr.NewGeminiProvider(ctx, cfg.GeminiKey(), cfg.GeminiModel(), providerLogger)
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider())
	}
}

func ensureAuthToken(repo jobs.Repository) (string, error) {
	ctx := context.Background()

	existing, err := repo.GetConfig(ctx, "auth_token")
	if err == nil && existing != "" {
		return existing, nil
	}

	tokenBytes := make([]byte, 32)
	if _, err := rand.Read(tokenBytes); err != nil {
		return "", err
	}
	token := hex.EncodeToString(tokenBytes)

	if err := repo.SetConfig(ctx, "auth_token", token); err != nil {
		return "", err
	}

	return token, nil
}
