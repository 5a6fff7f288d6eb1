package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/carehub/pkg/api"
	"github.com/platinummonkey/carehub/pkg/audit"
	"github.com/platinummonkey/carehub/pkg/auth"
	"github.com/platinummonkey/carehub/pkg/cache"
	"github.com/platinummonkey/carehub/pkg/config"
	"github.com/platinummonkey/carehub/pkg/menu"
	"github.com/platinummonkey/carehub/pkg/middleware"
	"github.com/platinummonkey/carehub/pkg/observability"
	"github.com/platinummonkey/carehub/pkg/principals"
	"github.com/platinummonkey/carehub/pkg/rbac"
	"github.com/platinummonkey/carehub/pkg/session"
	"github.com/platinummonkey/carehub/pkg/storage/postgres"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	configFile := flag.String("config", "", "YAML configuration file (overrides "+config.ConfigFileEnv+")")
	flag.Parse()

	if *configFile != "" {
		os.Setenv(config.ConfigFileEnv, *configFile)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		logrus.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat, os.Stdout)
	if err != nil {
		logrus.Fatalf("Failed to create logger: %v", err)
	}

	if err := run(context.Background(), cfg, logger); err != nil {
		logger.WithError(err).Fatal("carehub stopped")
	}
}

func run(ctx context.Context, cfg *config.Config, logger *logrus.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	logger.WithField("version", version).Info("Starting carehub")

	providers, err := observability.InitOTel(ctx, cfg.Observability.OTel(), logger)
	if err != nil {
		return err
	}

	db, err := postgres.Open(ctx, postgres.ConnectionConfig{
		URL:         cfg.Database.URL,
		MaxConns:    cfg.Database.MaxConns,
		MinConns:    cfg.Database.MinConns,
		Timeout:     cfg.Database.Timeout,
		MaxLifetime: cfg.Database.MaxLifetime,
		MaxIdleTime: cfg.Database.MaxIdleTime,
	}, logger)
	if err != nil {
		return err
	}

	if cfg.Database.Migrate {
		if _, err := postgres.NewMigrator(db, logger).Migrate(ctx); err != nil {
			return err
		}
	}

	redisClient, err := postgres.NewRedisClient(ctx, postgres.RedisConfig{
		URL:        cfg.Redis.URL,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		MaxRetries: cfg.Redis.MaxRetries,
		PoolSize:   cfg.Redis.PoolSize,
	}, logger)
	if err != nil {
		return err
	}
	if redisClient == nil {
		logger.Info("Redis not configured, using in-process caches and rate limits")
	}

	var metrics *observability.Metrics
	if cfg.Observability.MetricsEnabled {
		metrics = observability.NewMetrics(prometheus.NewRegistry())
		metrics.WatchDB(db, "carehub")
	}

	dbLogger, err := audit.NewDBLogger(db)
	if err != nil {
		return err
	}
	complianceLog, err := complianceLogger(cfg, dbLogger)
	if err != nil {
		return err
	}

	recorderOpts := []audit.RecorderOption{
		audit.WithAlertHook(func(ctx context.Context, entry *audit.ComplianceEntry, err error) {
			logger.WithError(err).WithFields(logrus.Fields{
				"operation":  entry.Operation,
				"category":   entry.Category,
				"subject_id": entry.SubjectID,
			}).Error("Compliance entry could not be persisted")
		}),
	}
	if metrics != nil {
		recorderOpts = append(recorderOpts, audit.WithDegradedCounter(metrics.AuditWriteDegradedTotal))
	}
	recorder := audit.NewRecorder(complianceLog, logger, recorderOpts...)

	principalStore := principals.NewPostgresStore(db)

	accessCache := rbac.NewAccessCache(cache.Config{
		Size:   cfg.Cache.Size,
		TTL:    cfg.Cache.TTL,
		Prefix: "carehub:access:",
	}, redisClient, logger)

	resolverOpts := []rbac.ResolverOption{rbac.WithAccessCache(accessCache), rbac.WithLogger(logger)}
	sessionOpts := []session.Option{session.WithTTL(cfg.Session.TTL), session.WithLogger(logger)}
	if metrics != nil {
		metrics.WatchCache("access", accessCache.Stats)
		resolverOpts = append(resolverOpts, rbac.WithResolutionCounter(metrics.AccessResolutionsTotal))
		sessionOpts = append(sessionOpts, session.WithTransitionCounter(metrics.ContextTransitionsTotal))
	}

	verifier, err := loginVerifier(ctx, cfg, principalStore)
	if err != nil {
		return err
	}

	menuStore := menu.NewSQLStore(db)
	if cfg.Menu.CatalogPath != "" {
		n, err := menu.LoadCatalogFile(ctx, menuStore, cfg.Menu.CatalogPath)
		if err != nil {
			return err
		}
		logger.WithFields(logrus.Fields{"path": cfg.Menu.CatalogPath, "nodes": n}).Info("Loaded menu catalog")

		if cfg.Menu.WatchCatalog {
			watcher, err := menu.NewCatalogWatcher(menuStore, cfg.Menu.CatalogPath, logger)
			if err != nil {
				return err
			}
			go func() {
				defer observability.RecoverPanic(logger, "menu catalog watcher")
				if err := watcher.Run(ctx); err != nil {
					logger.WithError(err).Error("Menu catalog watcher stopped")
				}
			}()
		}
	}

	services := api.Services{
		Sessions:     session.NewManager(session.NewPostgresStore(db), principalStore, sessionOpts...),
		Verifier:     verifier,
		Resolver:     rbac.NewResolver(principalStore, resolverOpts...),
		Granter:      rbac.NewGranter(principalStore, recorder, accessCache, logger),
		Projector:    menu.NewProjector(menuStore, principalStore, menu.WithDevMode(cfg.Menu.DevMode), menu.WithLogger(logger)),
		Compliance:   audit.NewDBStore(dbLogger, audit.NewTransitionLog(db)),
		Recorder:     recorder,
		Health:       observability.NewHealthChecker(version, db, redisClient),
		Metrics:      metrics,
		Logger:       logger,
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
	}
	if cfg.RateLimit.Enabled {
		services.LoginLimiter = rateLimiter(ctx, redisClient, cfg.RateLimit.LoginRequests, cfg.RateLimit, "carehub:ratelimit:login")
		services.SwitchLimiter = rateLimiter(ctx, redisClient, cfg.RateLimit.SwitchRequests, cfg.RateLimit, "carehub:ratelimit:switch")
	}
	server := api.NewServer(services)

	apiServer := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:      server.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	healthServer := &http.Server{
		Addr:        net.JoinHostPort(cfg.Server.Host, cfg.Server.HealthPort),
		Handler:     server.HealthHandler(),
		ReadTimeout: cfg.Server.ReadTimeout,
	}

	shutdown := observability.NewShutdownManager(logger, cfg.Server.ShutdownTimeout, apiServer, healthServer)
	shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
		return observability.ShutdownOTel(ctx, providers, logger)
	})
	shutdown.RegisterShutdownFunc(func(context.Context) error {
		return closeStores(db, redisClient, complianceLog)
	})

	g, gctx := errgroup.WithContext(ctx)
	for _, srv := range []*http.Server{apiServer, healthServer} {
		g.Go(func() error {
			logger.WithField("addr", srv.Addr).Info("HTTP server listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server %s failed: %w", srv.Addr, err)
			}
			return nil
		})
	}
	g.Go(func() error {
		return shutdown.WaitForShutdown(gctx)
	})
	return g.Wait()
}

// complianceLogger mirrors compliance entries to rotated files when a mirror path is set
func complianceLogger(cfg *config.Config, dbLogger *audit.DBLogger) (audit.Logger, error) {
	if cfg.Audit.MirrorPath == "" {
		return dbLogger, nil
	}
	fileCfg := audit.DefaultFileLoggerConfig()
	fileCfg.BasePath = cfg.Audit.MirrorPath
	fileCfg.Rotate = true
	mirror, err := audit.NewFileLogger(fileCfg)
	if err != nil {
		return nil, err
	}
	return audit.NewMultiLogger(dbLogger, mirror), nil
}

func loginVerifier(ctx context.Context, cfg *config.Config, lookup auth.PrincipalLookup) (auth.LoginVerifier, error) {
	if !cfg.Auth.OIDC.Enabled() {
		return auth.NewHeaderVerifier(cfg.Auth.PrincipalHeader, lookup), nil
	}
	oidcCfg := cfg.Auth.OIDC
	return auth.NewOIDCVerifier(ctx, auth.OIDCConfig{
		IssuerURL:     oidcCfg.IssuerURL,
		ClientID:      oidcCfg.ClientID,
		ClientSecret:  oidcCfg.ClientSecret,
		RedirectURL:   oidcCfg.RedirectURL,
		Scopes:        oidcCfg.Scopes,
		UsernameClaim: oidcCfg.UsernameClaim,
	}, lookup)
}

// rateLimiter shares limits across replicas through Redis when it is available
func rateLimiter(ctx context.Context, client *redis.Client, requests int, cfg config.RateLimitConfig, prefix string) middleware.Limiter {
	limits := &middleware.RateLimitConfig{
		RequestsPerWindow: requests,
		WindowDuration:    cfg.Window,
		BurstSize:         cfg.Burst,
	}
	if client != nil {
		return middleware.NewDistributedRateLimiter(client, limits, prefix)
	}
	limiter := middleware.NewRateLimiter(limits)
	limiter.StartCleanup(ctx)
	return limiter
}

func closeStores(db *sql.DB, client *redis.Client, complianceLog audit.Logger) error {
	var errs []error
	if err := complianceLog.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close compliance log: %w", err))
	}
	if client != nil {
		if err := client.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close redis: %w", err))
		}
	}
	if err := db.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close database: %w", err))
	}
	return errors.Join(errs...)
}
