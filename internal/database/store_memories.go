package database

import (
	"context"
	"fmt"
)

// RecordMemory appends a piece of knowledge for the tenant.
func (s *sqlxStore) RecordMemory(ctx context.Context, tenantKey, scope, content string) error {
	query := fmt.Sprintf(`INSERT INTO %s (tenant_key, scope, content, created_at) VALUES (?, ?, ?, ?)`,
		s.table("memories"))

	if _, err := s.db.ExecContext(ctx, s.db.Rebind(query), tenantKey, scope, content, s.now()); err != nil {
		return fmt.Errorf("failed to record memory for scope %s: %w", scope, err)
	}
	return nil
}

// ListMemories returns the tenant's memories for a scope in insertion order.
func (s *sqlxStore) ListMemories(ctx context.Context, tenantKey, scope string) ([]Memory, error) {
	query := fmt.Sprintf(`SELECT id, tenant_key, scope, content, created_at FROM %s
		WHERE tenant_key = ? AND scope = ? ORDER BY id`, s.table("memories"))

	var memories []Memory
	if err := s.db.SelectContext(ctx, &memories, s.db.Rebind(query), tenantKey, scope); err != nil {
		return nil, fmt.Errorf("failed to list memories for scope %s: %w", scope, err)
	}
	return memories, nil
}
