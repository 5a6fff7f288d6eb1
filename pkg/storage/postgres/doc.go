// Package postgres opens the PostgreSQL and Redis connections carehub runs on and
// owns the schema.
//
//	db, err := postgres.Open(ctx, postgres.ConnectionConfig{URL: url, MaxConns: 25}, log)
//	applied, err := postgres.NewMigrator(db, log).Migrate(ctx)
//	client, err := postgres.NewRedisClient(ctx, postgres.RedisConfig{URL: redisURL}, log)
//
// Role assignments carry a partial unique index over (principal, role, scope) for live
// rows, so a duplicate grant fails with a unique violation that the principal store
// reports as principals.ErrConflict.
package postgres
