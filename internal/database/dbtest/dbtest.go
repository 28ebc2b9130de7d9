// Package dbtest opens migrated sqlite stores for tests of packages built on database.Store.
package dbtest

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/edgard/chatmirror/internal/database"
)

// NewStore returns a store over a fresh sqlite file in t's temp dir, with all migrations applied.
func NewStore(t testing.TB) database.Store {
	t.Helper()

	target, err := database.ParseTarget("sqlite://"+filepath.Join(t.TempDir(), "test.db"), "t_")
	if err != nil {
		t.Fatalf("failed to parse target: %v", err)
	}

	reg := database.NewRegistry(nil)
	t.Cleanup(reg.Close)

	h, err := reg.Open(context.Background(), target)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	return database.NewStore(h, nil)
}
