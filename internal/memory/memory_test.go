package memory

import (
	"context"
	"testing"

	"github.com/edgard/chatmirror/internal/database/dbtest"
)

func TestStoreSinkRecord(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := dbtest.NewStore(t)
	sink := NewStoreSink(store, nil)

	scope := ResourceScope(42)
	if scope != "resource:42" {
		t.Fatalf("expected resource:42, got %s", scope)
	}

	if err := sink.Record(ctx, "tenant", scope, "  invoice total 100  "); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := sink.Record(ctx, "tenant", scope, " \n "); err != nil {
		t.Fatalf("unexpected error for blank content: %v", err)
	}

	memories, err := store.ListMemories(ctx, "tenant", scope)
	if err != nil {
		t.Fatalf("failed to list memories: %v", err)
	}
	if len(memories) != 1 {
		t.Fatalf("expected 1 memory, got %d", len(memories))
	}
	if memories[0].Content != "invoice total 100" {
		t.Errorf("expected trimmed content, got %q", memories[0].Content)
	}

	other, err := store.ListMemories(ctx, "other", scope)
	if err != nil {
		t.Fatalf("failed to list memories: %v", err)
	}
	if len(other) != 0 {
		t.Errorf("expected no memories for another tenant, got %d", len(other))
	}
}
