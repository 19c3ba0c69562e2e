package main

import (
	"context"
	"errors"
	"log/slog"
	"os"

	"github.com/aiox-platform/meter/internal/api"
	"github.com/aiox-platform/meter/internal/auth"
	"github.com/aiox-platform/meter/internal/config"
	"github.com/aiox-platform/meter/internal/database"
	"github.com/aiox-platform/meter/internal/governance"
	"github.com/aiox-platform/meter/internal/governance/quota"
	"github.com/aiox-platform/meter/internal/governance/ratelimit"
	mw "github.com/aiox-platform/meter/internal/middleware"
	inats "github.com/aiox-platform/meter/internal/nats"
	iredis "github.com/aiox-platform/meter/internal/redis"
	"github.com/aiox-platform/meter/internal/server"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("loading config", "error", err)
		os.Exit(1)
	}

	setupLogger(cfg.Log)

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// PostgreSQL
	if cfg.DB.Migrate {
		if err := database.RunMigrations(cfg.DB); err != nil {
			slog.Error("running migrations", "error", err)
			os.Exit(1)
		}
	}

	pool, err := database.NewPostgresPool(ctx, cfg.DB)
	if err != nil {
		slog.Error("connecting to postgres", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	healthChecks := map[string]api.HealthCheck{
		"database": func(ctx context.Context) error { return database.HealthCheck(ctx, pool) },
	}

	repo := quota.NewRepository(pool)

	// Usage counters
	var counters quota.CounterStore = repo
	if cfg.Quota.LedgerBackend == "redis" {
		redisClient, err := iredis.NewClient(ctx, cfg.Redis)
		if err != nil {
			slog.Error("connecting to redis", "error", err)
			os.Exit(1)
		}
		defer redisClient.Close()

		counters = quota.NewRedisCounterStore(redisClient)
		healthChecks["redis"] = func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }
	}

	// Usage events: through JetStream when configured, otherwise straight to PostgreSQL
	var events quota.EventSink = repo
	if cfg.NATS.URL != "" {
		natsClient, err := inats.NewClient(ctx, cfg.NATS)
		if err != nil {
			slog.Error("connecting to nats", "error", err)
			os.Exit(1)
		}
		defer natsClient.Close()

		events = quota.NewStreamSink(inats.NewPublisher(natsClient.JetStream()))
		healthChecks["nats"] = func(context.Context) error {
			if !natsClient.Healthy() {
				return errNATSDisconnected
			}
			return nil
		}

		consumer := quota.NewConsumer(repo, inats.NewConsumerManager(natsClient.JetStream()))
		go func() {
			if err := consumer.Start(ctx); err != nil {
				slog.Error("usage consumer stopped", "error", err)
			}
		}()
	}

	// Quota subsystem
	limits := quota.NewProvider(repo, quota.LimitsFromConfig(cfg.Quota.Defaults), cfg.Quota.LimitsTTL)
	ledger := quota.NewLedger(counters, events)
	gate := quota.NewGate(ledger, limits, quota.ParseFailPolicy(cfg.Quota.FailPolicy))
	govHandler := governance.NewHandler(gate, ledger, limits, repo, repo, cfg.Server.MeteringKey)

	// Rate limiting
	routerCfg := api.RouterConfig{
		CORSAllowedOrigins: cfg.Server.CORSAllowedOrigins,
		HealthChecks:       healthChecks,
	}
	if cfg.RateLimit.Enabled {
		rules := make(map[ratelimit.Class]ratelimit.Rule, len(cfg.RateLimit.Rules))
		for class, rule := range cfg.RateLimit.Rules {
			rules[ratelimit.Class(class)] = ratelimit.Rule{Max: rule.Max, Window: rule.Window}
		}
		limiter := mw.NewRateLimiter(ratelimit.NewLimiter(rules), auth.Principal, ratelimit.AddrConfig{
			IPv6Prefix:     cfg.RateLimit.IPv6Prefix,
			TrustedProxies: cfg.RateLimit.TrustedProxies,
		})
		limiter.KeyBy(ratelimit.ClassMetering, govHandler.ReporterIdentity)
		routerCfg.RateLimit = limiter.Limit
	}

	// Auth
	jwtManager := auth.NewJWTManager(cfg.JWT.AccessSecret, 0)

	// Router
	router := api.NewRouter(routerCfg, api.HandlerSet{
		GetUsage:         govHandler.GetUsage,
		ListUsageEvents:  govHandler.ListUsageEvents,
		CheckQuota:       govHandler.CheckQuota,
		UpdateTierLimits: govHandler.UpdateTierLimits,
		RecordUsage:      govHandler.RecordUsage,

		AuthMiddleware:  auth.Middleware(jwtManager),
		AdminMiddleware: auth.RequireRole(auth.RoleAdmin),
	})

	// Start server
	srv := server.New(cfg.Server, router)
	srv.OnShutdown(cancel)
	if err := srv.Start(); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

var errNATSDisconnected = errors.New("nats disconnected")

func setupLogger(cfg config.LogConfig) {
	var handler slog.Handler

	opts := &slog.HandlerOptions{}
	switch cfg.Level {
	case "debug":
		opts.Level = slog.LevelDebug
	case "info":
		opts.Level = slog.LevelInfo
	case "warn":
		opts.Level = slog.LevelWarn
	case "error":
		opts.Level = slog.LevelError
	default:
		opts.Level = slog.LevelInfo
	}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	slog.SetDefault(slog.New(handler))
}
