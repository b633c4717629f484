package resilience

import (
	"errors"
	"testing"
	"time"
)

var errTest = errors.New("stage unavailable")

func trip(b *Breaker, n int) {
	for range n {
		_ = b.Execute(func() error { return errTest })
	}
}

func TestClosedStateAllowsCalls(t *testing.T) {
	b := NewBreaker(3, time.Second)
	called := false
	err := b.Execute(func() error {
		called = true
		return nil
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !called {
		t.Fatal("expected fn to be called")
	}
	if b.State() != StateClosed {
		t.Fatalf("expected closed, got %s", b.State())
	}
}

func TestOpensAfterMaxFailures(t *testing.T) {
	b := NewBreaker(3, time.Second)
	trip(b, 3)

	err := b.Execute(func() error { return nil })
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if b.State() != StateOpen {
		t.Fatalf("expected open, got %s", b.State())
	}
}

func TestSuccessResetsFailureCount(t *testing.T) {
	b := NewBreaker(2, time.Second)
	trip(b, 1)
	_ = b.Execute(func() error { return nil })
	trip(b, 1)

	if b.State() != StateClosed {
		t.Fatalf("expected closed after non-consecutive failures, got %s", b.State())
	}
}

func TestHalfOpenAdmitsSingleProbe(t *testing.T) {
	now := time.Now()
	b := NewBreaker(1, time.Second)
	b.now = func() time.Time { return now }
	trip(b, 1)

	if b.Allow() {
		t.Fatal("expected open breaker to reject")
	}

	now = now.Add(2 * time.Second)
	if !b.Allow() {
		t.Fatal("expected probe to be admitted after timeout")
	}
	if b.State() != StateHalfOpen {
		t.Fatalf("expected half_open, got %s", b.State())
	}
	if b.Allow() {
		t.Fatal("expected second concurrent probe to be rejected")
	}

	b.Record(true)
	if b.State() != StateClosed {
		t.Fatalf("expected closed after successful probe, got %s", b.State())
	}
}

func TestHalfOpenFailureReopens(t *testing.T) {
	now := time.Now()
	b := NewBreaker(3, time.Second)
	b.now = func() time.Time { return now }
	trip(b, 3)

	now = now.Add(2 * time.Second)
	err := b.Execute(func() error { return errTest })
	if !errors.Is(err, errTest) {
		t.Fatalf("expected probe error, got %v", err)
	}
	if b.State() != StateOpen {
		t.Fatalf("expected open after failed probe, got %s", b.State())
	}
}

func TestRegistryReturnsSameBreakerPerName(t *testing.T) {
	r := NewRegistry(1, time.Minute)
	a := r.Get("draft")
	if r.Get("draft") != a {
		t.Fatal("expected same breaker for same name")
	}
	trip(a, 1)

	states := r.States()
	if states["draft"] != StateOpen {
		t.Errorf("expected draft open, got %s", states["draft"])
	}
	if r.Get("review").State() != StateClosed {
		t.Error("expected independent breaker for review")
	}
}
