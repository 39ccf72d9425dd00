package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/garyvish82-droid/hoodcup/internal/config"
	"github.com/garyvish82-droid/hoodcup/internal/domain/export"
	"github.com/garyvish82-droid/hoodcup/internal/domain/ledger"
	"github.com/garyvish82-droid/hoodcup/internal/pkg/database"
	"github.com/garyvish82-droid/hoodcup/internal/pkg/logger"
	"github.com/garyvish82-droid/hoodcup/internal/pkg/storage"
)

const exportTimeout = 5 * time.Minute

func main() {
	cfg := config.Load()
	closeLog, err := logger.Init(logger.Config{
		Level:       cfg.LogLevel,
		Environment: cfg.Env,
		LogFile:     cfg.LogFile,
		Service:     "hoodcup-export",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize logger")
	}
	defer closeLog()

	log.Info().Dur("interval", cfg.ExportInterval).Msg("Starting ledger-export")

	if cfg.StoreDriver != config.StoreDriverPostgres {
		log.Fatal().Str("store", cfg.StoreDriver).Msg("ledger-export needs the postgres store")
	}

	db, err := database.NewPostgres(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer database.ClosePostgres(db)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	uploader, err := newUploader(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create export storage")
	}

	exporter := export.NewExporter(ledger.NewPostgresStore(db, cfg.StoreTimeout), uploader, cfg.ExportPrefix)

	// Graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-sigChan
		log.Info().Msg("Shutdown signal received")
		cancel()
	}()

	if cfg.ExportInterval <= 0 {
		if err := runOnce(ctx, exporter); err != nil {
			log.Fatal().Err(err).Msg("Export failed")
		}
		return
	}

	ticker := time.NewTicker(cfg.ExportInterval)
	defer ticker.Stop()

	for {
		if err := runOnce(ctx, exporter); err != nil {
			log.Error().Err(err).Msg("Export failed")
		}

		select {
		case <-ctx.Done():
			log.Info().Msg("ledger-export stopped")
			return
		case <-ticker.C:
		}
	}
}

func runOnce(ctx context.Context, exporter *export.Exporter) error {
	ctx, cancel := context.WithTimeout(ctx, exportTimeout)
	defer cancel()
	_, err := exporter.Run(ctx)
	return err
}

// newUploader prefers R2 and falls back to EXPORT_DIR on local disk.
func newUploader(ctx context.Context, cfg *config.Config) (storage.Uploader, error) {
	if cfg.R2Configured() {
		return storage.NewR2Storage(ctx, storage.R2Config{
			AccountID:       cfg.R2AccountID,
			AccessKeyID:     cfg.R2AccessKeyID,
			AccessKeySecret: cfg.R2AccessKeySecret,
			BucketName:      cfg.R2BucketName,
		})
	}
	log.Warn().Str("dir", cfg.ExportDir).Msg("R2 is not configured, writing exports to local disk")
	return storage.NewLocalStorage(cfg.ExportDir)
}
