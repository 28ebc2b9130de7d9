// Package memory records extracted knowledge for later retrieval.
package memory

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/edgard/chatmirror/internal/database"
)

// Sink receives text worth remembering for a tenant.
type Sink interface {
	Record(ctx context.Context, tenantKey, scope, content string) error
}

// ResourceScope is the scope under which a resource's extracted text is recorded.
func ResourceScope(resourceID int64) string {
	return fmt.Sprintf("resource:%d", resourceID)
}

// StoreSink persists memories into the tenant store.
type StoreSink struct {
	store  database.Store
	logger *slog.Logger
}

// NewStoreSink creates a sink writing to store.
func NewStoreSink(store database.Store, logger *slog.Logger) *StoreSink {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &StoreSink{store: store, logger: logger.With("component", "memory_sink")}
}

// Record stores content under scope. Blank content is ignored.
func (s *StoreSink) Record(ctx context.Context, tenantKey, scope, content string) error {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}
	if err := s.store.RecordMemory(ctx, tenantKey, scope, content); err != nil {
		return err
	}
	s.logger.DebugContext(ctx, "Recorded memory", "tenant_key", tenantKey, "scope", scope, "chars", len(content))
	return nil
}

var _ Sink = (*StoreSink)(nil)
