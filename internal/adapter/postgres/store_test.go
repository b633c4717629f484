package postgres_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Strob0t/PipelineForge/internal/adapter/postgres"
	"github.com/Strob0t/PipelineForge/internal/domain"
	"github.com/Strob0t/PipelineForge/internal/domain/event"
	"github.com/Strob0t/PipelineForge/internal/domain/snapshot"
)

// setupPool creates a pgxpool connection and runs all migrations. The pool
// is closed via t.Cleanup.
func setupPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("requires DATABASE_URL")
	}

	ctx := context.Background()
	if err := postgres.RunMigrations(ctx, dsn); err != nil {
		t.Fatalf("run migrations: %v", err)
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)
	return pool
}

func newSnapshot(id string) *snapshot.Snapshot {
	return snapshot.New(id, snapshot.Request{Goal: "explain channels"}, []string{"outline", "draft"}, time.Now())
}

func TestCheckpointStoreRoundTrip(t *testing.T) {
	store := postgres.NewCheckpointStore(setupPool(t))
	ctx := context.Background()
	id := uuid.NewString()

	snap := newSnapshot(id)
	if err := snap.PutOutput("outline", []byte(`{"sections":3}`)); err != nil {
		t.Fatal(err)
	}
	if err := store.Save(ctx, id, snap); err != nil {
		t.Fatalf("save: %v", err)
	}
	// identical content is a no-op upsert
	if err := store.Save(ctx, id, snap); err != nil {
		t.Fatalf("resave: %v", err)
	}

	got, err := store.Load(ctx, id)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.SessionID != id || len(got.StageOutputs) != 1 {
		t.Fatalf("expected 1 output for %s, got %+v", id, got)
	}

	if err := snap.Transition(snapshot.StatusCompleted); err != nil {
		t.Fatal(err)
	}
	if err := store.Save(ctx, id, snap); err != nil {
		t.Fatal(err)
	}
	got, _ = store.Load(ctx, id)
	if got.Status != snapshot.StatusCompleted {
		t.Fatalf("expected completed after update, got %s", got.Status)
	}
}

func TestCheckpointStoreLoadMissing(t *testing.T) {
	store := postgres.NewCheckpointStore(setupPool(t))
	_, err := store.Load(context.Background(), uuid.NewString())
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCheckpointStoreList(t *testing.T) {
	store := postgres.NewCheckpointStore(setupPool(t))
	ctx := context.Background()
	for range 3 {
		id := uuid.NewString()
		if err := store.Save(ctx, id, newSnapshot(id)); err != nil {
			t.Fatal(err)
		}
	}
	sums, err := store.List(ctx, 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(sums) != 2 {
		t.Fatalf("expected 2 summaries, got %d", len(sums))
	}
	if sums[0].CreatedAt.Before(sums[1].CreatedAt) {
		t.Fatal("expected newest first")
	}
}

func TestEventStoreAppendAndLoad(t *testing.T) {
	store := postgres.NewEventStore(setupPool(t))
	ctx := context.Background()
	id := uuid.NewString()

	for _, kind := range []event.Kind{event.KindRunStatus, event.KindStageCompleted} {
		ev := event.New(id, kind, map[string]string{"stage": "outline"}, time.Now())
		if err := store.Append(ctx, &ev); err != nil {
			t.Fatalf("append: %v", err)
		}
		if ev.ID == 0 {
			t.Fatal("expected an assigned id")
		}
	}

	evs, err := store.LoadBySession(ctx, id)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(evs) != 2 || evs[0].Kind != event.KindRunStatus || evs[1].Kind != event.KindStageCompleted {
		t.Fatalf("expected events in append order, got %+v", evs)
	}
}
