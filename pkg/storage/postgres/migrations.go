package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/carehub/pkg/principals"
	"github.com/platinummonkey/carehub/pkg/rbac"
)

// Migration is one schema step. Versions are applied in ascending order, each in its
// own transaction, and recorded in carehub_migrations.
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// Migrations lists the schema in order. The compliance and context transition tables
// are owned by audit.NewDBLogger.
var Migrations = []Migration{
	{
		Version:     1,
		Description: "organizational model",
		SQL: `
		CREATE TABLE principals (
			id BIGSERIAL PRIMARY KEY,
			person_id BIGINT,
			username VARCHAR(255) NOT NULL,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			is_system_admin BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
			deleted_at TIMESTAMP WITH TIME ZONE
		);
		CREATE UNIQUE INDEX idx_principals_username ON principals(username) WHERE deleted_at IS NULL;

		CREATE TABLE companies (
			id BIGSERIAL PRIMARY KEY,
			name VARCHAR(255) NOT NULL,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
			deleted_at TIMESTAMP WITH TIME ZONE
		);

		CREATE TABLE establishments (
			id BIGSERIAL PRIMARY KEY,
			company_id BIGINT NOT NULL REFERENCES companies(id),
			name VARCHAR(255) NOT NULL,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
			deleted_at TIMESTAMP WITH TIME ZONE
		);
		CREATE INDEX idx_establishments_company ON establishments(company_id) WHERE deleted_at IS NULL;

		CREATE TABLE establishment_members (
			principal_id BIGINT NOT NULL REFERENCES principals(id),
			establishment_id BIGINT NOT NULL REFERENCES establishments(id),
			created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
			deleted_at TIMESTAMP WITH TIME ZONE
		);
		CREATE UNIQUE INDEX idx_establishment_members_live
			ON establishment_members(principal_id, establishment_id) WHERE deleted_at IS NULL;
		CREATE INDEX idx_establishment_members_establishment ON establishment_members(establishment_id);
		`,
	},
	{
		Version:     2,
		Description: "roles and assignments",
		SQL: `
		CREATE TABLE roles (
			id BIGSERIAL PRIMARY KEY,
			name VARCHAR(100) NOT NULL UNIQUE,
			display_name VARCHAR(255) NOT NULL,
			level INTEGER NOT NULL CHECK (level BETWEEN 0 AND 100),
			context_kind VARCHAR(20) NOT NULL CHECK (context_kind IN ('system', 'company', 'establishment'))
		);

		CREATE TABLE role_assignments (
			id BIGSERIAL PRIMARY KEY,
			principal_id BIGINT NOT NULL REFERENCES principals(id),
			role_id BIGINT NOT NULL REFERENCES roles(id),
			scope_kind VARCHAR(20) NOT NULL CHECK (scope_kind IN ('system', 'company', 'establishment')),
			scope_id BIGINT,
			status VARCHAR(20) NOT NULL DEFAULT 'active' CHECK (status IN ('active', 'suspended', 'expired')),
			assigned_by BIGINT REFERENCES principals(id),
			expires_at TIMESTAMP WITH TIME ZONE,
			created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
			deleted_at TIMESTAMP WITH TIME ZONE,
			deleted_by BIGINT REFERENCES principals(id),
			CHECK ((scope_kind = 'system') = (scope_id IS NULL))
		);
		CREATE UNIQUE INDEX idx_role_assignments_live
			ON role_assignments(principal_id, role_id, scope_kind, COALESCE(scope_id, 0))
			WHERE deleted_at IS NULL;
		CREATE INDEX idx_role_assignments_scope ON role_assignments(scope_kind, scope_id) WHERE deleted_at IS NULL;
		`,
	},
	{
		Version:     3,
		Description: "context sessions",
		SQL: `
		CREATE TABLE sessions (
			id VARCHAR(64) PRIMARY KEY,
			principal_id BIGINT NOT NULL REFERENCES principals(id),
			role_id BIGINT NOT NULL REFERENCES roles(id),
			scope_kind VARCHAR(20) NOT NULL,
			scope_id BIGINT,
			impersonate_principal_id BIGINT REFERENCES principals(id),
			token_hash VARCHAR(64) NOT NULL UNIQUE,
			created_at TIMESTAMP WITH TIME ZONE NOT NULL,
			last_activity_at TIMESTAMP WITH TIME ZONE NOT NULL,
			expires_at TIMESTAMP WITH TIME ZONE NOT NULL,
			ended_at TIMESTAMP WITH TIME ZONE,
			end_reason VARCHAR(30),
			ip_address VARCHAR(45),
			user_agent TEXT
		);
		CREATE INDEX idx_sessions_principal ON sessions(principal_id) WHERE ended_at IS NULL;
		`,
	},
	{
		Version:     4,
		Description: "menu catalog",
		SQL: `
		CREATE TABLE menu_nodes (
			id BIGSERIAL PRIMARY KEY,
			parent_id BIGINT REFERENCES menu_nodes(id),
			key VARCHAR(255) NOT NULL UNIQUE,
			label VARCHAR(255) NOT NULL,
			path VARCHAR(1024),
			sort_order INTEGER NOT NULL DEFAULT 0,
			dev_only BOOLEAN NOT NULL DEFAULT FALSE
		);

		CREATE TABLE menu_node_scopes (
			node_id BIGINT NOT NULL REFERENCES menu_nodes(id) ON DELETE CASCADE,
			scope_kind VARCHAR(20) NOT NULL,
			scope_id BIGINT
		);
		CREATE INDEX idx_menu_node_scopes_node ON menu_node_scopes(node_id);

		CREATE TABLE menu_node_roles (
			node_id BIGINT NOT NULL REFERENCES menu_nodes(id) ON DELETE CASCADE,
			role_id BIGINT NOT NULL REFERENCES roles(id)
		);
		CREATE INDEX idx_menu_node_roles_node ON menu_node_roles(node_id);
		`,
	},
}

// Migrator applies Migrations
type Migrator struct {
	db         *sql.DB
	migrations []Migration
	roles      []principals.Role
	log        logrus.FieldLogger
}

// NewMigrator creates a Migrator for the built-in migrations and roles
func NewMigrator(db *sql.DB, log logrus.FieldLogger) *Migrator {
	return &Migrator{db: db, migrations: Migrations, roles: rbac.BuiltInRoles(), log: log}
}

// Migrate applies every pending migration, then seeds rbac.BuiltInRoles. Seeded roles
// are left alone once present. It returns the number of migrations applied.
func (m *Migrator) Migrate(ctx context.Context) (int, error) {
	if _, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS carehub_migrations (
			version INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		)`); err != nil {
		return 0, fmt.Errorf("failed to create migrations table: %w", err)
	}

	current, err := m.Version(ctx)
	if err != nil {
		return 0, err
	}

	applied := 0
	for _, mig := range m.migrations {
		if mig.Version <= current {
			continue
		}
		if err := m.apply(ctx, mig); err != nil {
			return applied, err
		}
		m.log.WithFields(logrus.Fields{
			"version":     mig.Version,
			"description": mig.Description,
		}).Info("Applied migration")
		applied++
	}

	if err := m.seedRoles(ctx); err != nil {
		return applied, err
	}
	return applied, nil
}

// Version returns the highest applied migration, 0 when none
func (m *Migrator) Version(ctx context.Context) (int, error) {
	var version sql.NullInt64
	if err := m.db.QueryRowContext(ctx, `SELECT MAX(version) FROM carehub_migrations`).Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return int(version.Int64), nil
}

func (m *Migrator) apply(ctx context.Context, mig Migration) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin migration %d: %w", mig.Version, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, mig.SQL); err != nil {
		return fmt.Errorf("failed to apply migration %d (%s): %w", mig.Version, mig.Description, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO carehub_migrations (version, description) VALUES ($1, $2)`,
		mig.Version, mig.Description,
	); err != nil {
		return fmt.Errorf("failed to record migration %d: %w", mig.Version, err)
	}
	return tx.Commit()
}

func (m *Migrator) seedRoles(ctx context.Context) error {
	query := `
		INSERT INTO roles (name, display_name, level, context_kind)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (name) DO NOTHING
	`
	for _, r := range m.roles {
		if _, err := m.db.ExecContext(ctx, query, r.Name, r.DisplayName, r.Level, string(r.ContextKind)); err != nil {
			return fmt.Errorf("failed to seed role %s: %w", r.Name, err)
		}
	}
	return nil
}
