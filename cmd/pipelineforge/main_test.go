package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Strob0t/PipelineForge/internal/adapter/sqlite"
	"github.com/Strob0t/PipelineForge/internal/domain/snapshot"
)

func seedSQLite(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "checkpoints.db")
	store, err := sqlite.Open(context.Background(), path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	snap := snapshot.New("run-1", snapshot.Request{Goal: "explain select"}, []string{"outline", "draft"}, time.Now())
	if err := snap.PutOutput("outline", json.RawMessage(`{"sections":3}`)); err != nil {
		t.Fatal(err)
	}
	if err := store.Save(context.Background(), "run-1", snap); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatal(err)
	}
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append(args, "--config", filepath.Join(t.TempDir(), "absent.yaml")))
	err := cmd.Execute()
	return out.String(), err
}

func TestStatusListsAndShowsRuns(t *testing.T) {
	path := seedSQLite(t)
	t.Setenv("PIPELINEFORGE_CHECKPOINT_BACKEND", "sqlite")
	t.Setenv("PIPELINEFORGE_SQLITE_PATH", path)

	out, err := execute(t, "status", "--json")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	var runs []snapshot.Summary
	if err := json.Unmarshal([]byte(out), &runs); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if len(runs) != 1 || runs[0].SessionID != "run-1" || runs[0].TotalStages != 2 {
		t.Fatalf("expected one summary for run-1, got %+v", runs)
	}

	out, err = execute(t, "status", "run-1", "--json")
	if err != nil {
		t.Fatalf("status run-1: %v", err)
	}
	var snap snapshot.Snapshot
	if err := json.Unmarshal([]byte(out), &snap); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if snap.Request.Goal != "explain select" || len(snap.StageOutputs) != 1 {
		t.Fatalf("expected seeded snapshot, got %+v", snap)
	}

	if _, err := execute(t, "status", "missing", "--json"); err == nil {
		t.Fatal("expected error for unknown run")
	}
}

func TestStatusRejectsMemoryBackend(t *testing.T) {
	t.Setenv("PIPELINEFORGE_CHECKPOINT_BACKEND", "memory")
	_, err := execute(t, "status")
	if err == nil || !strings.Contains(err.Error(), "persistent") {
		t.Fatalf("expected persistent backend error, got %v", err)
	}
}

func TestMigrateRequiresPostgres(t *testing.T) {
	t.Setenv("PIPELINEFORGE_CHECKPOINT_BACKEND", "memory")
	if _, err := execute(t, "migrate", "version"); err == nil {
		t.Fatal("expected migrate to refuse the memory backend")
	}
}

func TestRenderSnapshot(t *testing.T) {
	snap := snapshot.New("run-9", snapshot.Request{Goal: "teach defer"}, []string{"outline", "draft"}, time.Now())
	if err := snap.PutOutput("outline", json.RawMessage(`"x"`)); err != nil {
		t.Fatal(err)
	}
	snap.AppendError(snapshot.ErrorRecord{
		Stage:          "draft",
		Kind:           snapshot.KindFailure,
		Classification: snapshot.ClassTransient,
		Message:        "upstream timeout",
		Timestamp:      time.Now(),
	})

	out := strings.ToLower(renderSnapshot(snap))
	for _, want := range []string{"run-9", "teach defer", "outline", "draft", "pending", "upstream timeout"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected output to contain %q:\n%s", want, out)
		}
	}
}

func TestRenderSummariesEmpty(t *testing.T) {
	out := renderSummaries(nil)
	if !strings.Contains(strings.ToUpper(out), "SESSION") {
		t.Fatalf("expected header row, got %q", out)
	}
}
