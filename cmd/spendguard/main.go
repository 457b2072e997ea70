// Command spendguard runs the spending authorization server.
package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	_ "github.com/lib/pq"

	"github.com/spendguard/spendguard/pkg/api"
	"github.com/spendguard/spendguard/pkg/archive"
	"github.com/spendguard/spendguard/pkg/audit"
	"github.com/spendguard/spendguard/pkg/auth"
	"github.com/spendguard/spendguard/pkg/config"
	"github.com/spendguard/spendguard/pkg/observability"
	"github.com/spendguard/spendguard/pkg/store"
	"github.com/spendguard/spendguard/pkg/vault"
)

func main() {
	cfg := config.Load()
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	obsCfg := observability.DefaultConfig()
	obsCfg.OTLPEndpoint = cfg.OTLPEndpoint
	obsCfg.Enabled = cfg.OTLPEndpoint != ""
	provider, err := observability.New(ctx, obsCfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := provider.Shutdown(context.Background()); err != nil {
			logger.Error("observability shutdown failed", "error", err)
		}
	}()

	substrate, err := store.OpenSQLite(cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer func() { _ = substrate.Close() }()
	logger.Info("substrate ready", "path", cfg.DatabasePath)

	svc := vault.New(substrate,
		vault.WithLogger(logger),
		vault.WithDecisionRecorder(provider),
	)

	opts := []api.ServerOption{
		api.WithValidator(auth.NewJWTValidator([]byte(cfg.JWTSecret))),
		api.WithServerLogger(logger),
	}
	if cfg.JWTSecret == "" {
		logger.Warn("JWT_SECRET is not set, all API requests will be rejected")
	}

	// Export signing keys are generated per process; restarts rotate the
	// verification key embedded in new bundles.
	keyProvider, err := audit.NewMemoryKeyProvider()
	if err != nil {
		return err
	}
	opts = append(opts, api.WithExporter(audit.NewExporter(svc, audit.NewKeyring(keyProvider))))

	if sink, sinkErr := buildArchiveSink(ctx, cfg, logger); sinkErr != nil {
		return sinkErr
	} else if sink != nil {
		opts = append(opts, api.WithArchive(sink))
	}

	if profiles, profErr := config.LoadAllProfiles(cfg.ProfilesDir); profErr != nil {
		logger.Warn("policy profiles unavailable", "dir", cfg.ProfilesDir, "error", profErr)
	} else if len(profiles) > 0 {
		logger.Info("policy profiles loaded", "count", len(profiles))
		opts = append(opts, api.WithProfiles(profiles))
	}

	limiter, err := buildLimiter(cfg, logger)
	if err != nil {
		return err
	}
	opts = append(opts, api.WithLimiter(limiter, auth.ThrottlePolicy{
		PerSec: cfg.RateLimitPerSec,
		Burst:  cfg.RateLimitBurst,
	}))

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: api.NewServer(svc, opts...).Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down", "timeout", cfg.ShutdownTimeout)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func buildLimiter(cfg *config.Config, logger *slog.Logger) (auth.LimiterStore, error) {
	if cfg.RedisURL == "" {
		return auth.NewInMemoryLimiterStore(), nil
	}
	limiter, err := auth.NewRedisLimiterStore(cfg.RedisURL)
	if err != nil {
		return nil, err
	}
	logger.Info("redis rate limiter ready")
	return limiter, nil
}

func buildArchiveSink(ctx context.Context, cfg *config.Config, logger *slog.Logger) (archive.Sink, error) {
	switch {
	case cfg.ArchiveDSN != "":
		db, err := sql.Open("postgres", cfg.ArchiveDSN)
		if err != nil {
			return nil, err
		}
		sink := archive.NewPostgresSink(db)
		if err := sink.Migrate(ctx); err != nil {
			return nil, err
		}
		logger.Info("postgres archive ready")
		return sink, nil
	case cfg.ArchiveBucket != "":
		sink, err := archive.NewS3Sink(ctx, archive.S3Config{
			Bucket:   cfg.ArchiveBucket,
			Region:   cfg.ArchiveRegion,
			Endpoint: cfg.ArchiveEndpoint,
		})
		if err != nil {
			return nil, err
		}
		logger.Info("s3 archive ready", "bucket", cfg.ArchiveBucket)
		return sink, nil
	default:
		return nil, nil
	}
}
