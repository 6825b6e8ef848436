package core

import (
	"context"
	"strings"
	"testing"
)

func TestRunIDRoundTrip(t *testing.T) {
	ctx := context.Background()
	if _, ok := RunID(ctx); ok {
		t.Fatal("bare context should carry no run id")
	}

	ctx = WithRunID(ctx, "run-abc")
	id, ok := RunID(ctx)
	if !ok || id != "run-abc" {
		t.Fatalf("RunID = %q, %v; want run-abc, true", id, ok)
	}
}

func TestEnsureRunIDIsStable(t *testing.T) {
	ctx, first := EnsureRunID(context.Background())
	if !strings.HasPrefix(first, "run-") {
		t.Fatalf("generated id %q has no run- prefix", first)
	}

	_, second := EnsureRunID(ctx)
	if second != first {
		t.Errorf("EnsureRunID minted a new id %q, want existing %q", second, first)
	}
}
