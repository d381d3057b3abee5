package tracing

import (
	"context"
	"testing"
)

func TestSetup_NoopWithoutEndpoint(t *testing.T) {
	shutdown, err := Setup(context.Background(), "ghsync-test", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := shutdown(ctx); err != nil {
		t.Fatalf("noop shutdown should not error: %v", err)
	}
}

func TestSetup_WithEndpoint(t *testing.T) {
	// Non-routable, nothing is exported before shutdown.
	shutdown, err := Setup(context.Background(), "ghsync-test", "http://192.0.2.1:4318")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown error: %v", err)
	}
}
