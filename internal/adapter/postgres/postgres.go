// Package postgres stores run checkpoints and the audit trail in PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"strconv"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // Register pgx driver for database/sql (needed by goose)
	"github.com/pressly/goose/v3"

	"github.com/Strob0t/PipelineForge/internal/config"
)

//go:embed migrations/*.sql
var migrations embed.FS

// applicationName tags every connection in pg_stat_activity.
const applicationName = "pipelineforge"

// ErrSchemaBehind is returned when the database lacks migrations the binary
// ships with.
var ErrSchemaBehind = errors.New("checkpoint schema is behind")

// Schema describes the applied and the embedded migration versions.
type Schema struct {
	Current int64
	Latest  int64
}

// Pending reports whether embedded migrations are not yet applied.
func (s Schema) Pending() bool { return s.Current < s.Latest }

// NewPool creates the pool shared by the checkpoint and event stores.
// Connections carry the application name and, when configured, a
// statement timeout.
func NewPool(ctx context.Context, cfg config.Postgres) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}

	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = min(cfg.MinConns, cfg.MaxConns)
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	poolCfg.HealthCheckPeriod = cfg.HealthCheck
	poolCfg.ConnConfig.RuntimeParams["application_name"] = applicationName
	if cfg.StatementTimeout > 0 {
		poolCfg.ConnConfig.RuntimeParams["statement_timeout"] = strconv.FormatInt(cfg.StatementTimeout.Milliseconds(), 10)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return pool, nil
}

// withProvider opens a short-lived database/sql handle for goose.
func withProvider(dsn string, fn func(p *goose.Provider) error) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open db for migrations: %w", err)
	}
	defer func() { _ = db.Close() }()

	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("migrations fs: %w", err)
	}
	p, err := goose.NewProvider(goose.DialectPostgres, db, fsys)
	if err != nil {
		return fmt.Errorf("create migration provider: %w", err)
	}
	return fn(p)
}

// LatestVersion returns the highest embedded migration version.
func LatestVersion() (int64, error) {
	entries, err := fs.ReadDir(migrations, "migrations")
	if err != nil {
		return 0, fmt.Errorf("read migrations: %w", err)
	}
	var latest int64
	for _, e := range entries {
		v, err := goose.NumericComponent(e.Name())
		if err != nil {
			return 0, fmt.Errorf("migration %s: %w", e.Name(), err)
		}
		latest = max(latest, v)
	}
	return latest, nil
}

// RunMigrations applies every pending checkpoint and audit migration.
func RunMigrations(ctx context.Context, dsn string) error {
	return withProvider(dsn, func(p *goose.Provider) error {
		if _, err := p.Up(ctx); err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
		return nil
	})
}

// RollbackMigrations rolls back up to steps migrations, stopping early at
// an empty schema.
func RollbackMigrations(ctx context.Context, dsn string, steps int) error {
	return withProvider(dsn, func(p *goose.Provider) error {
		for range steps {
			if _, err := p.Down(ctx); err != nil {
				if errors.Is(err, goose.ErrNoNextVersion) {
					return nil
				}
				return fmt.Errorf("rollback: %w", err)
			}
		}
		return nil
	})
}

// MigrationVersion returns the applied and embedded schema versions.
func MigrationVersion(ctx context.Context, dsn string) (Schema, error) {
	latest, err := LatestVersion()
	if err != nil {
		return Schema{}, err
	}
	s := Schema{Latest: latest}
	err = withProvider(dsn, func(p *goose.Provider) error {
		v, err := p.GetDBVersion(ctx)
		if err != nil {
			return fmt.Errorf("get version: %w", err)
		}
		s.Current = v
		return nil
	})
	return s, err
}

// CheckSchema fails with ErrSchemaBehind when migrations are pending. It is
// used by read-only commands that must not migrate.
func CheckSchema(ctx context.Context, dsn string) error {
	s, err := MigrationVersion(ctx, dsn)
	if err != nil {
		return err
	}
	if s.Pending() {
		return fmt.Errorf("%w: at version %d, binary expects %d; run migrate up", ErrSchemaBehind, s.Current, s.Latest)
	}
	return nil
}
