package app

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"content-pipeline/internal/auth"
	"content-pipeline/internal/config"
	"content-pipeline/internal/drivers"
	"content-pipeline/internal/media"
	"content-pipeline/internal/pipeline"
	"content-pipeline/internal/queue"
	"content-pipeline/internal/ratelimit"
	"content-pipeline/internal/rotation"
	"content-pipeline/internal/store"
)

// App holds the shared components every binary is built from.
type App struct {
	Config       config.Config
	Log          *zap.Logger
	Store        *store.Store
	Redis        *redis.Client
	Queue        *queue.RedisQueue
	Rotation     *rotation.Queue
	Limiter      *ratelimit.TokenBucket
	Tokens       *auth.TokenService
	Orchestrator *pipeline.Orchestrator
}

// Build connects to Postgres and Redis, applies migrations and wires the
// orchestrator with its drivers.
func Build(ctx context.Context, cfg config.Config, log *zap.Logger) (*App, error) {
	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := st.RunMigrations(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		st.Close()
		_ = rdb.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}

	registry, err := buildDrivers(ctx, cfg)
	if err != nil {
		st.Close()
		_ = rdb.Close()
		return nil, err
	}

	a := &App{
		Config:   cfg,
		Log:      log,
		Store:    st,
		Redis:    rdb,
		Queue:    queue.NewRedisQueue(rdb, cfg.QueuePrefix, cfg.VisibilityTimeout),
		Rotation: rotation.New(rdb, cfg.RotationPrefix),
		Limiter:  ratelimit.NewTokenBucket(rdb, cfg.AdvanceRateCapacity, cfg.AdvanceRateRefill, 24*time.Hour),
		Tokens:   auth.NewTokenService(cfg.JWT),
	}
	a.Orchestrator = pipeline.New(st, a.Rotation, a.Queue, registry, pipeline.Options{
		MaxRetries:          cfg.MaxRetries,
		BackoffInitial:      cfg.BackoffInitial,
		BackoffMax:          cfg.BackoffMax,
		StartLease:          cfg.StartLease,
		ReconcileStaleAfter: cfg.ReconcileStaleAfter,
		ReconcileBatch:      cfg.ReconcileBatch,
		CallbackDedupeTTL:   cfg.CallbackDedupeTTL,
	}, log)
	return a, nil
}

func buildDrivers(ctx context.Context, cfg config.Config) (*drivers.Registry, error) {
	var scripts drivers.ScriptWriter
	if cfg.Vendor.Script.BaseURL != "" {
		scripts = drivers.NewChatScriptWriter(cfg.Vendor.Script, cfg.Vendor.Model)
	}
	covers, err := media.NewCoverRenderer(ctx, cfg.Cover)
	if err != nil {
		return nil, fmt.Errorf("cover renderer: %w", err)
	}
	return drivers.NewRegistry(
		drivers.NewAvatarDriver(cfg, scripts),
		drivers.NewCaptionsDriver(cfg),
		drivers.NewSocialDriver(cfg, covers),
	)
}

// Close releases the connections opened by Build.
func (a *App) Close() {
	if a.Redis != nil {
		_ = a.Redis.Close()
	}
	if a.Store != nil {
		a.Store.Close()
	}
}
