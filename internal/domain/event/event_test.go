package event_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/Strob0t/PipelineForge/internal/domain/event"
)

func TestNewMarshalsDetail(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.FixedZone("X", 3600))
	ev := event.New("s1", event.KindRunStatus, event.StatusDetail{From: "running", To: "completed"}, at)

	if ev.SessionID != "s1" {
		t.Fatalf("expected session s1, got %s", ev.SessionID)
	}
	if ev.Timestamp.Location() != time.UTC {
		t.Fatalf("expected UTC timestamp, got %v", ev.Timestamp.Location())
	}
	var d event.StatusDetail
	if err := json.Unmarshal(ev.Detail, &d); err != nil {
		t.Fatalf("unmarshal detail: %v", err)
	}
	if d.From != "running" || d.To != "completed" {
		t.Fatalf("unexpected detail %+v", d)
	}
}

func TestNewUnmarshalableDetail(t *testing.T) {
	ev := event.New("s1", event.KindRunError, make(chan int), time.Now())

	var d map[string]string
	if err := json.Unmarshal(ev.Detail, &d); err != nil {
		t.Fatalf("unmarshal detail: %v", err)
	}
	if d["marshal_error"] == "" {
		t.Fatal("expected marshal_error in detail")
	}
}
