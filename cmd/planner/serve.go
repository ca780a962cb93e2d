package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"legacyplan/api/internal/app"
	"legacyplan/api/internal/config"
	"legacyplan/api/internal/draft"
	"legacyplan/api/internal/export"
	"legacyplan/api/internal/store"
)

var skipMigrations bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&skipMigrations, "skip-migrations", false, "do not apply pending migrations on start")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer db.Close()

	if !skipMigrations {
		if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
			return fmt.Errorf("migrations failed: %w", err)
		}
	}

	drafts, closeDrafts, err := openDrafts(cfg, logger)
	if err != nil {
		return err
	}
	defer closeDrafts()

	dataStore := store.NewPostgresStore(db)
	exporter, err := newExporter(ctx, cfg, dataStore, logger)
	if err != nil {
		return err
	}

	service, err := app.New(cfg, app.Deps{
		Store:    dataStore,
		Drafts:   drafts,
		Exporter: exporter,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, logger)
	go service.RunIdleSweep(ctx, cfg.SessionIdleTTL, cfg.SessionIdleTTL/4)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("planner API listening", zap.String("addr", cfg.Addr), zap.String("draft_backend", cfg.DraftBackend))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", zap.Error(err))
	}
	// Open sessions get one last chance to write pending edits.
	if err := service.Shutdown(shutdownCtx); err != nil {
		logger.Warn("unsaved changes left in drafts", zap.Error(err))
	}
	return nil
}

func openDrafts(cfg config.Config, logger *zap.Logger) (draft.Store, func(), error) {
	switch cfg.DraftBackend {
	case "redis":
		s, err := draft.NewRedisStore(cfg.RedisURL, cfg.DraftTTL, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("redis connection failed: %w", err)
		}
		return s, func() { _ = s.Close() }, nil
	case "badger":
		s, err := draft.OpenBadger(draft.BadgerConfig{Path: cfg.DraftDir, TTL: cfg.DraftTTL}, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("open draft store: %w", err)
		}
		return s, func() { _ = s.Close() }, nil
	case "memory":
		logger.Warn("drafts are kept in memory and lost on restart")
		return draft.NewMemoryStore(logger), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown draft backend %q", cfg.DraftBackend)
	}
}

func newExporter(ctx context.Context, cfg config.Config, dataStore *store.PostgresStore, logger *zap.Logger) (*export.Service, error) {
	renderer, err := export.NewRenderer(cfg.ExportRenderer, cfg.ExportTimeout)
	if err != nil {
		return nil, err
	}
	opts := export.Options{Logger: logger}
	if cfg.MinioEndpoint != "" {
		archive, err := export.NewMinioArchive(ctx, export.MinioOptions{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			return nil, fmt.Errorf("export archive: %w", err)
		}
		opts.Archive = archive
	}
	return export.NewService(renderer, dataStore, dataStore, opts), nil
}
