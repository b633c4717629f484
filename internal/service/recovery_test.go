package service

import (
	"context"
	"testing"
	"time"

	"github.com/Strob0t/PipelineForge/internal/domain/snapshot"
	"github.com/Strob0t/PipelineForge/internal/domain/stage"
	"github.com/Strob0t/PipelineForge/internal/resilience"
)

func TestSupervisorRecordsEachTransientAttempt(t *testing.T) {
	sup := NewSupervisor(RecoveryPolicy{MaxRetries: 2}, nil)
	st := newScripted("draft", transient("a"), transient("b"), stage.SuccessJSON("ok"))

	var records []snapshot.ErrorRecord
	res, err := sup.Execute(context.Background(), st, snapshot.View{}, func(r snapshot.ErrorRecord) {
		records = append(records, r)
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Fatal || string(res.Output) != `"ok"` {
		t.Fatalf("expected recovered output, got %+v", res)
	}
	if res.Invocations != 3 {
		t.Fatalf("expected 3 invocations, got %d", res.Invocations)
	}
	if len(records) != 2 || records[0].Attempt != 1 || records[1].Attempt != 2 {
		t.Fatalf("expected attempts 1 and 2 recorded, got %+v", records)
	}
}

func TestSupervisorRecordsDegradableBeforeFallback(t *testing.T) {
	sup := NewSupervisor(RecoveryPolicy{MaxRetries: 2}, nil)
	st := newScripted("draft", degradable("too long")).withFallback(stage.SuccessJSON("short"))

	var records []snapshot.ErrorRecord
	res, err := sup.Execute(context.Background(), st.stage(), snapshot.View{}, func(r snapshot.ErrorRecord) {
		records = append(records, r)
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(res.Output) != `"short"` {
		t.Fatalf("expected fallback output, got %s", res.Output)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %+v", records)
	}
	first := records[0]
	if first.Kind != snapshot.KindFailure || first.Classification != snapshot.ClassDegradable || first.Attempt != 1 {
		t.Fatalf("expected degradable failure record first, got %+v", first)
	}
	if records[1].Kind != snapshot.KindDegraded {
		t.Fatalf("expected degraded record second, got %+v", records[1])
	}
}

func TestSupervisorZeroRetries(t *testing.T) {
	sup := NewSupervisor(RecoveryPolicy{MaxRetries: 0}, nil)
	st := newScripted("draft", transient("a"), stage.SuccessJSON("ok"))

	res, err := sup.Execute(context.Background(), st, snapshot.View{}, func(snapshot.ErrorRecord) {})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Fatal || st.Calls() != 1 {
		t.Fatalf("expected a single attempt then fatal, got calls=%d fatal=%v", st.Calls(), res.Fatal)
	}
}

func TestSupervisorOpenBreakerSkipsToFallback(t *testing.T) {
	breakers := resilience.NewRegistry(1, time.Hour)
	sup := NewSupervisor(RecoveryPolicy{MaxRetries: 2}, breakers)
	st := newScripted("draft", transient("down")).withFallback(stage.SuccessJSON("cached"))

	var records []snapshot.ErrorRecord
	res, err := sup.Execute(context.Background(), st.stage(), snapshot.View{}, func(r snapshot.ErrorRecord) {
		records = append(records, r)
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if st.Calls() != 1 || res.Invocations != 1 {
		t.Fatalf("expected the open breaker to stop further invocations, got %d", st.Calls())
	}
	if string(res.Output) != `"cached"` {
		t.Fatalf("expected fallback output, got %s", res.Output)
	}
	if countKind(records, snapshot.KindDegraded) != 1 || countClass(records, snapshot.ClassTransient) != 3 {
		t.Fatalf("expected 3 transient and 1 degraded record, got %+v", records)
	}
	if breakers.Get("draft").State() != resilience.StateOpen {
		t.Fatalf("expected breaker open, got %s", breakers.Get("draft").State())
	}
}

func TestSupervisorSuccessKeepsBreakerClosed(t *testing.T) {
	breakers := resilience.NewRegistry(2, time.Hour)
	sup := NewSupervisor(RecoveryPolicy{MaxRetries: 2}, breakers)
	st := newScripted("draft", transient("a"), stage.SuccessJSON("ok"))

	if _, err := sup.Execute(context.Background(), st, snapshot.View{}, func(snapshot.ErrorRecord) {}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if breakers.Get("draft").State() != resilience.StateClosed {
		t.Fatalf("expected breaker closed, got %s", breakers.Get("draft").State())
	}
}
