package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/carehub/pkg/audit"
	"github.com/platinummonkey/carehub/pkg/config"
	"github.com/platinummonkey/carehub/pkg/observability"
	"github.com/platinummonkey/carehub/pkg/storage/postgres"
)

var (
	configFile = flag.String("config", "", "YAML configuration file (overrides "+config.ConfigFileEnv+")")
	schedule   = flag.String("schedule", "", "Cron schedule for the purge (default: audit.retention_schedule)")
	runOnce    = flag.Bool("run-once", false, "Purge once and exit")
	asOf       = flag.String("as-of", "", "Reference date for --run-once (YYYY-MM-DD), default now")
)

func main() {
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

	ctx := context.Background()
	db, err := postgres.Open(ctx, postgres.ConnectionConfig{
		URL:      cfg.Database.URL,
		MaxConns: 2,
		MinConns: 1,
		Timeout:  cfg.Database.Timeout,
	}, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to database")
	}
	defer db.Close()

	dbLogger, err := audit.NewDBLogger(db)
	if err != nil {
		logger.WithError(err).Fatal("Failed to open compliance log")
	}
	recorder := audit.NewRecorder(dbLogger, logger)
	purger := audit.NewPurger(dbLogger, recorder, audit.RetentionPolicy{Retention: cfg.Audit.Retention}, logger)

	if *runOnce {
		now, err := parseAsOf(*asOf, time.Now().UTC())
		if err != nil {
			logger.WithError(err).Fatal("Invalid --as-of date")
		}
		if _, err := purger.Purge(ctx, now); err != nil {
			logger.WithError(err).Fatal("Retention purge failed")
		}
		return
	}

	spec := *schedule
	if spec == "" {
		spec = cfg.Audit.RetentionSchedule
	}

	c := cron.New(cron.WithLocation(time.UTC))
	_, err = c.AddFunc(spec, func() {
		defer observability.RecoverPanic(logger, "retention purge")

		runCtx, cancel := context.WithTimeout(ctx, time.Hour)
		defer cancel()
		if _, err := purger.Purge(runCtx, time.Now().UTC()); err != nil {
			logger.WithError(err).Error("Scheduled retention purge failed")
		}
	})
	if err != nil {
		logger.WithError(err).WithField("schedule", spec).Fatal("Failed to schedule retention purge")
	}

	c.Start()
	logger.WithFields(logrus.Fields{
		"schedule":  spec,
		"retention": cfg.Audit.Retention.String(),
	}).Info("carehub retention job started")

	shutdown := observability.NewShutdownManager(logger, cfg.Server.ShutdownTimeout)
	shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
		select {
		case <-c.Stop().Done():
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	if err := shutdown.WaitForShutdown(ctx); err != nil {
		logger.WithError(err).Error("Retention job shutdown failed")
	}
	logger.Info("carehub retention job stopped")
}

// parseAsOf returns the purge reference time. A date after now would purge entries
// still inside their retention window, so it is rejected.
func parseAsOf(raw string, now time.Time) (time.Time, error) {
	if raw == "" {
		return now, nil
	}
	asOf, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse as-of date: %w", err)
	}
	if asOf.After(now) {
		return time.Time{}, fmt.Errorf("as-of date %s is in the future", raw)
	}
	return asOf, nil
}
