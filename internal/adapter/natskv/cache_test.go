package natskv_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/Strob0t/PipelineForge/internal/adapter/natskv"
	"github.com/Strob0t/PipelineForge/internal/port/cache/cachetest"
)

func TestCompliance(t *testing.T) {
	url := os.Getenv("NATS_URL")
	if url == "" {
		t.Skip("requires NATS_URL")
	}
	nc, err := nats.Connect(url)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer nc.Close()
	js, err := jetstream.New(nc)
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	c, err := natskv.Open(ctx, js, "PIPELINEFORGE_TEST_CACHE", time.Minute)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = js.DeleteKeyValue(context.Background(), "PIPELINEFORGE_TEST_CACHE") })

	cachetest.Run(t, c)

	// cache keys with ':' are mapped onto the KV alphabet
	if err := c.Set(ctx, "checkpoint:abc-123", []byte("x"), 0); err != nil {
		t.Fatalf("set with colon key: %v", err)
	}
	if _, found, err := c.Get(ctx, "checkpoint:abc-123"); err != nil || !found {
		t.Fatalf("expected hit, got found=%v err=%v", found, err)
	}
}
