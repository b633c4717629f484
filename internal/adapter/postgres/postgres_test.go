package postgres_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/Strob0t/PipelineForge/internal/adapter/postgres"
	"github.com/Strob0t/PipelineForge/internal/config"
)

func TestLatestVersionCoversEmbeddedMigrations(t *testing.T) {
	v, err := postgres.LatestVersion()
	if err != nil {
		t.Fatal(err)
	}
	if v != 2 {
		t.Fatalf("expected latest version 2 (checkpoints, audit events), got %d", v)
	}
}

func TestSchemaPending(t *testing.T) {
	tests := []struct {
		name string
		s    postgres.Schema
		want bool
	}{
		{"empty database", postgres.Schema{Current: 0, Latest: 2}, true},
		{"one behind", postgres.Schema{Current: 1, Latest: 2}, true},
		{"current", postgres.Schema{Current: 2, Latest: 2}, false},
		{"newer database", postgres.Schema{Current: 3, Latest: 2}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.s.Pending(); got != tt.want {
				t.Fatalf("expected Pending=%v, got %v", tt.want, got)
			}
		})
	}
}

func TestMigrationVersionAfterUp(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("requires DATABASE_URL")
	}
	ctx := context.Background()
	if err := postgres.RunMigrations(ctx, dsn); err != nil {
		t.Fatalf("run migrations: %v", err)
	}

	s, err := postgres.MigrationVersion(ctx, dsn)
	if err != nil {
		t.Fatal(err)
	}
	if s.Pending() || s.Current != s.Latest {
		t.Fatalf("expected schema at latest, got %+v", s)
	}
	if err := postgres.CheckSchema(ctx, dsn); err != nil {
		t.Fatalf("expected current schema to pass, got %v", err)
	}
}

func TestNewPoolTagsConnections(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("requires DATABASE_URL")
	}
	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, config.Postgres{
		DSN:              dsn,
		MaxConns:         2,
		MinConns:         5,
		StatementTimeout: 1500 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer pool.Close()

	if got := pool.Config().MinConns; got != 2 {
		t.Fatalf("expected MinConns clamped to 2, got %d", got)
	}

	var app, timeout string
	if err := pool.QueryRow(ctx, "SELECT current_setting('application_name'), current_setting('statement_timeout')").Scan(&app, &timeout); err != nil {
		t.Fatal(err)
	}
	if app != "pipelineforge" {
		t.Fatalf("expected application_name pipelineforge, got %q", app)
	}
	if timeout != "1500ms" {
		t.Fatalf("expected statement_timeout 1500ms, got %q", timeout)
	}
}
