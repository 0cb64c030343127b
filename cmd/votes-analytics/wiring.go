package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"votes/analytics/internal/app"
	"votes/analytics/internal/bulk"
	"votes/analytics/internal/config"
	"votes/analytics/internal/dynamics"
	"votes/analytics/internal/export"
	"votes/analytics/internal/lock"
	"votes/analytics/internal/pipeline"
	"votes/analytics/internal/policyrepo"
	"votes/analytics/internal/populate"
	"votes/analytics/internal/queue"
	"votes/analytics/internal/search"
	"votes/analytics/internal/store"
)

// runtime is everything a command needs once the database is reachable.
type runtime struct {
	cfg        config.Config
	logger     *slog.Logger
	db         *sql.DB
	store      *store.PostgresStore
	classifier *dynamics.Classifier
	registry   *pipeline.Registry
	queue      *queue.Queue
	closers    []func() error
}

func (r *runtime) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			r.logger.Warn("close failed", "error", err)
		}
	}
}

func openDatabase(ctx context.Context, cfg config.Config) (*sql.DB, error) {
	db, err := store.Open(ctx, cfg.DatabaseURL, store.PoolOptions{
		MaxOpenConns: cfg.MaxOpenConns,
		MaxIdleConns: cfg.MaxIdleConns,
	})
	if err != nil {
		return nil, fmt.Errorf("database connection failed: %w", err)
	}
	return db, nil
}

func migrate(ctx context.Context, db *sql.DB, cfg config.Config, logger *slog.Logger) error {
	applied, err := store.ApplyMigrations(ctx, db, os.DirFS(cfg.MigrationsDir))
	if err != nil {
		return fmt.Errorf("migrations failed: %w", err)
	}
	for _, name := range applied {
		logger.Info("migration applied", "name", name)
	}
	return nil
}

func setup(ctx context.Context, cfg config.Config, logger *slog.Logger) (*runtime, error) {
	rt := &runtime{cfg: cfg, logger: logger, classifier: dynamics.Default()}

	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	rt.db = db
	rt.closers = append(rt.closers, db.Close)
	if err := migrate(ctx, db, cfg, logger); err != nil {
		rt.Close()
		return nil, err
	}
	rt.store = store.NewPostgresStore(db)

	deps := populate.Deps{
		Store:          rt.store,
		Classifier:     rt.classifier,
		PolicyRevision: cfg.PolicyRevision,
		BatchSize:      cfg.BatchSize,
	}

	engine, err := bulk.Open(ctx, cfg.BulkDBPath)
	if err != nil {
		rt.Close()
		return nil, err
	}
	deps.Bulk = engine
	rt.closers = append(rt.closers, engine.Close)

	if strings.TrimSpace(cfg.PolicyRepoDir) != "" {
		deps.Policies = policyrepo.New(cfg.PolicyRepoDir)
	}
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meili := search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
		deps.Indexer = meili
		rt.closers = append(rt.closers, func() error { meili.Close(); return nil })
	}
	if strings.TrimSpace(cfg.S3Endpoint) != "" {
		publisher, err := export.New(export.Options{
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Bucket:    cfg.S3Bucket,
			Prefix:    cfg.S3Prefix,
			UseSSL:    cfg.S3UseSSL,
		})
		if err != nil {
			rt.Close()
			return nil, err
		}
		if err := publisher.EnsureBucket(ctx); err != nil {
			rt.Close()
			return nil, err
		}
		deps.Publisher = publisher
	}

	registry, err := buildRegistry(cfg, deps)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.registry = registry

	var locker lock.Locker = lock.NewMemoryLocker()
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisLocker, err := lock.NewRedisLocker(cfg.RedisURL)
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("redis connection failed: %w", err)
		}
		locker = redisLocker
		rt.closers = append(rt.closers, redisLocker.Close)
	}

	executor := pipeline.NewExecutor(registry, rt.store, pipeline.ExecutorOptions{
		Workers:        cfg.Workers,
		MaxAttempts:    cfg.MaxAttempts,
		InitialBackoff: cfg.RetryInitial,
	})
	rt.queue = queue.New(rt.store, registry, executor, locker, cfg.LockTTL)
	return rt, nil
}

func buildRegistry(cfg config.Config, deps populate.Deps) (*pipeline.Registry, error) {
	pipelineCfg, err := pipeline.LoadConfig(cfg.PipelineConfig)
	if err != nil {
		return nil, err
	}
	registry, err := pipeline.NewRegistry(pipelineCfg, populate.Factories(deps))
	if err != nil {
		return nil, fmt.Errorf("build pipeline: %w", err)
	}
	return registry, nil
}

// optionsRegistry builds the registry without touching the database, for
// listing groups and shortcuts.
func optionsRegistry(ctx context.Context, cfg config.Config) (*pipeline.Registry, func() error, error) {
	engine, err := bulk.Open(ctx, "")
	if err != nil {
		return nil, nil, err
	}
	registry, err := buildRegistry(cfg, populate.Deps{Bulk: engine})
	if err != nil {
		_ = engine.Close()
		return nil, nil, err
	}
	return registry, engine.Close, nil
}

func (r *runtime) service() *app.Service {
	return app.New(r.cfg, r.store, r.queue, r.registry.Options(), r.classifier, classifierModel(r.registry.Options()))
}

// classifierModel names the model whose fingerprints an override reset
// invalidates.
func classifierModel(opts pipeline.Options) string {
	for _, g := range opts.Groups {
		for _, m := range g.Models {
			if m.Kind == pipeline.KindClassifier {
				return m.Name
			}
		}
	}
	return ""
}
