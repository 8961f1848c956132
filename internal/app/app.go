package app

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"unieval/internal/app/observability"
	"unieval/internal/cache"
	"unieval/internal/db"
	"unieval/internal/instance"
	"unieval/internal/report"
	"unieval/internal/response"
	"unieval/internal/scheduler"
	"unieval/internal/stats"
	"unieval/internal/store"
	"unieval/internal/store/memstore"
	"unieval/internal/store/postgres"
	"unieval/internal/template"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// App holds the wired services for one process.
type App struct {
	Config Config
	Logger *zap.Logger

	DB      *sql.DB
	Redis   *redis.Client
	Store   store.Store
	Metrics *observability.Collector
	Limiter *IPRateLimiter

	Templates *template.Service
	Lifecycle *instance.Engine
	Collector *response.Collector
	Stats     *stats.Engine
	Reports   *report.Service
	Scheduler *scheduler.Driver
}

// Build opens the configured store and cache and wires every service onto
// them. Close releases what Build opened.
func Build(ctx context.Context, cfg Config, logger *zap.Logger) (*App, error) {
	a := &App{Config: cfg, Logger: logger}
	now := func() time.Time { return time.Now().UTC() }

	switch cfg.StoreDriver {
	case StoreDriverMemory:
		a.Store = memstore.New()
	default:
		conn, err := OpenDB(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		a.DB = conn
		a.Store = postgres.New(conn)
	}

	var statsCache stats.Cache
	if cfg.RedisAddr != "" {
		client, err := cache.Connect(ctx, cfg.RedisAddr)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		a.Redis = client
		statsCache = cache.NewStatsCache(client, cfg.StatsCacheTTL)
	} else {
		statsCache = cache.NewMemory(cfg.StatsCacheTTL)
	}

	a.Metrics = observability.NewCollector(a.DB, logger)
	a.Limiter = NewIPRateLimiter(cfg.SubmitRateLimitPerMin, time.Minute)
	a.Templates = template.NewService(a.Store, now, logger.Named("template"))
	a.Lifecycle = instance.NewEngine(a.Store, now, logger.Named("lifecycle"), cfg.FollowupWindow)
	a.Collector = response.NewCollector(a.Store, now, logger.Named("response"))
	a.Stats = stats.NewEngine(a.Store, statsCache, now, logger.Named("stats"))
	a.Reports = report.NewService(a.Stats)
	a.Scheduler = scheduler.NewDriver(a.Lifecycle, scheduler.Config{
		Interval:       cfg.SchedulerInterval,
		RunTimeout:     cfg.SchedulerRunTimeout,
		FollowupWindow: cfg.FollowupWindow,
	}, now, logger.Named("scheduler"), a.Metrics)
	return a, nil
}

// OpenDB connects to Postgres with the pool settings from cfg.
func OpenDB(ctx context.Context, cfg Config, logger *zap.Logger) (*sql.DB, error) {
	pc := db.DefaultPostgresConfig()
	pc.MaxOpenConns = cfg.DBMaxOpenConns
	pc.MaxIdleConns = cfg.DBMaxIdleConns
	pc.ConnMaxLifetime = time.Duration(cfg.DBConnMaxLifeMins) * time.Minute
	pc.PingAttempts = cfg.DBPingAttempts
	conn, err := db.OpenPostgresWithConfig(ctx, cfg.DBDSN, pc, logger)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	return conn, nil
}

func (a *App) Close() {
	if a.Redis != nil {
		_ = a.Redis.Close()
	}
	if a.DB != nil {
		_ = a.DB.Close()
	}
}
