// Package observability provides structured logging, Prometheus metrics, health checks
// and OpenTelemetry tracing for carehub.
//
// # Logging
//
//	logger, err := observability.NewLogger("info", observability.FormatJSON, os.Stdout)
//	observability.FromContext(ctx).WithField("session_id", id).Info("context switched")
//
// # Metrics
//
//	metrics := observability.NewMetrics(prometheus.NewRegistry())
//	resolver := rbac.NewResolver(store, rbac.WithResolutionCounter(metrics.AccessResolutionsTotal))
//	router.Use(observability.HTTPMetricsMiddleware(metrics))
//	router.Handle("/metrics", metrics.Handler())
//
// # Health
//
// /healthz always answers 200. /readyz answers 503 when the database is unreachable and
// reports "degraded" when only Redis is down.
//
// # Tracing
//
//	providers, err := observability.InitOTel(ctx, observability.OTelConfig{Enabled: true, Endpoint: "collector:4317"}, logger)
//	defer observability.ShutdownOTel(ctx, providers, logger)
package observability
