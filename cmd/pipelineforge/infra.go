package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go/jetstream"

	cfhttp "github.com/Strob0t/PipelineForge/internal/adapter/http"
	"github.com/Strob0t/PipelineForge/internal/adapter/memory"
	cfnats "github.com/Strob0t/PipelineForge/internal/adapter/nats"
	"github.com/Strob0t/PipelineForge/internal/adapter/natskv"
	"github.com/Strob0t/PipelineForge/internal/adapter/postgres"
	"github.com/Strob0t/PipelineForge/internal/adapter/ristretto"
	"github.com/Strob0t/PipelineForge/internal/adapter/sqlite"
	"github.com/Strob0t/PipelineForge/internal/adapter/tiered"
	"github.com/Strob0t/PipelineForge/internal/config"
	"github.com/Strob0t/PipelineForge/internal/port/cache"
	"github.com/Strob0t/PipelineForge/internal/port/checkpoint"
	"github.com/Strob0t/PipelineForge/internal/port/eventstore"
)

// infra holds the process-wide infrastructure handles. Close releases them
// in reverse order of acquisition.
type infra struct {
	store   checkpoint.Store
	events  eventstore.Store
	cache   cache.Cache
	queue   *cfnats.Queue
	idemKV  jetstream.KeyValue
	checks  map[string]cfhttp.HealthCheck
	closers []func()
}

func (i *infra) onClose(fn func()) { i.closers = append(i.closers, fn) }

func (i *infra) Close() {
	for j := len(i.closers) - 1; j >= 0; j-- {
		i.closers[j]()
	}
	i.closers = nil
}

// openStores connects the configured checkpoint backend. Postgres also
// provides the audit event store; the other backends keep events in memory.
func openStores(ctx context.Context, cfg *config.Config, migrate bool, in *infra) error {
	switch cfg.Checkpoint.Backend {
	case config.BackendPostgres:
		pool, err := postgres.NewPool(ctx, cfg.Postgres)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		in.onClose(pool.Close)
		slog.Info("postgres connected")

		if migrate {
			if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
				return fmt.Errorf("migrations: %w", err)
			}
			slog.Info("migrations applied")
		} else if err := postgres.CheckSchema(ctx, cfg.Postgres.DSN); err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		in.store = postgres.NewCheckpointStore(pool)
		in.events = postgres.NewEventStore(pool)
		in.checks["postgres"] = func(ctx context.Context) error { return pool.Ping(ctx) }

	case config.BackendSQLite:
		store, err := sqlite.Open(ctx, cfg.SQLite.Path)
		if err != nil {
			return fmt.Errorf("sqlite: %w", err)
		}
		in.onClose(func() { _ = store.Close() })
		slog.Info("sqlite opened", "path", cfg.SQLite.Path)
		in.store = store
		in.events = memory.NewEventStore()

	case config.BackendMemory:
		in.store = memory.NewCheckpointStore()
		in.events = memory.NewEventStore()

	default:
		return fmt.Errorf("unknown checkpoint backend %q", cfg.Checkpoint.Backend)
	}
	return nil
}

// openInfra connects every backing service the server needs.
func openInfra(ctx context.Context, cfg *config.Config, log *slog.Logger) (_ *infra, err error) {
	in := &infra{checks: make(map[string]cfhttp.HealthCheck)}
	defer func() {
		if err != nil {
			in.Close()
		}
	}()

	if err := openStores(ctx, cfg, true, in); err != nil {
		return nil, err
	}

	if cfg.NATS.URL != "" {
		q, err := cfnats.Connect(ctx, cfg.NATS.URL)
		if err != nil {
			return nil, fmt.Errorf("nats: %w", err)
		}
		in.onClose(func() { _ = q.Drain() })
		in.queue = q
		in.checks["nats"] = func(context.Context) error {
			if !q.IsConnected() {
				return errors.New("disconnected")
			}
			return nil
		}

		if cfg.Idempotency.Bucket != "" {
			kv, err := q.KeyValue(ctx, cfg.Idempotency.Bucket, cfg.Idempotency.TTL)
			if err != nil {
				return nil, fmt.Errorf("idempotency kv: %w", err)
			}
			in.idemKV = kv
		}
	}

	in.cache, err = openCache(ctx, cfg, in, log)
	if err != nil {
		return nil, err
	}
	return in, nil
}

// openCache builds the checkpoint read cache: ristretto in-process, backed by
// a NATS KV bucket when NATS is available.
func openCache(ctx context.Context, cfg *config.Config, in *infra, log *slog.Logger) (cache.Cache, error) {
	if cfg.Cache.L1MaxSizeMB <= 0 {
		return nil, nil
	}
	l1, err := ristretto.New(int(cfg.Cache.L1MaxSizeMB))
	if err != nil {
		return nil, fmt.Errorf("l1 cache: %w", err)
	}
	in.onClose(l1.Close)

	if in.queue == nil || cfg.Cache.L2Bucket == "" {
		return l1, nil
	}
	l2, err := natskv.Open(ctx, in.queue.JetStream(), cfg.Cache.L2Bucket, cfg.Cache.L2TTL)
	if err != nil {
		return nil, fmt.Errorf("l2 cache: %w", err)
	}
	return tiered.New(l1, l2, cfg.Cache.L2TTL, log), nil
}
