package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

var resourceColumns = []string{
	"id", "tenant_key", "account_id", "message_id", "chat_id", "kind", "file_key", "name",
	"mime_type", "size_bytes", "status", "storage_path", "last_error", "attempts",
	"created_at", "updated_at",
}

// RegisterResources inserts resources. A resource already known by (tenant, message, file key)
// gets its metadata refreshed; its status, attempts and storage path are left alone.
func (s *sqlxStore) RegisterResources(ctx context.Context, resources []Resource) error {
	if len(resources) == 0 {
		return nil
	}

	now := s.now()
	columns := []string{
		"tenant_key", "account_id", "message_id", "chat_id", "kind", "file_key", "name",
		"mime_type", "size_bytes", "status", "storage_path", "last_error", "attempts",
		"created_at", "updated_at",
	}
	suffix := s.dialect.upsertClause(
		[]string{"tenant_key", "message_id", "file_key"},
		[]string{"chat_id", "kind", "name", "mime_type", "size_bytes", "updated_at"},
	)

	seen := make(map[string]bool, len(resources))
	rows := make([][]any, 0, len(resources))
	for _, r := range resources {
		key := r.TenantKey + "\x00" + r.MessageID + "\x00" + r.FileKey
		if seen[key] {
			continue
		}
		seen[key] = true

		status := r.Status
		if status == "" {
			status = ResourcePending
		}
		rows = append(rows, []any{
			r.TenantKey, r.AccountID, r.MessageID, r.ChatID, r.Kind, r.FileKey, r.Name,
			r.MimeType, r.SizeBytes, status, "", "", 0, now, now,
		})
	}

	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		return s.insertRows(ctx, tx, s.table("message_resources"), columns, rows, suffix)
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "Error registering resources", "count", len(rows), "error", err)
		return fmt.Errorf("failed to register resources: %w", err)
	}
	return nil
}

// ListResourcesByMessage returns the resources registered for a message.
func (s *sqlxStore) ListResourcesByMessage(ctx context.Context, tenantKey, messageID string) ([]Resource, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE tenant_key = ? AND message_id = ? ORDER BY id`,
		columnList("", resourceColumns), s.table("message_resources"))

	var resources []Resource
	if err := s.db.SelectContext(ctx, &resources, s.db.Rebind(query), tenantKey, messageID); err != nil {
		return nil, fmt.Errorf("failed to list resources of message %s: %w", messageID, err)
	}
	return resources, nil
}

// GetResource returns a resource by id, or nil if it does not exist.
func (s *sqlxStore) GetResource(ctx context.Context, id int64) (*Resource, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = ?`,
		columnList("", resourceColumns), s.table("message_resources"))
	res, err := getOne[Resource](ctx, s.db, query, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get resource %d: %w", id, err)
	}
	return res, nil
}

// SelectDownloadBatch returns up to limit pending or failed resources below the attempt ceiling, oldest first.
func (s *sqlxStore) SelectDownloadBatch(ctx context.Context, accountID string, maxAttempts, limit int) ([]Resource, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE account_id = ? AND status IN (?, ?) AND attempts < ?
		ORDER BY id
		LIMIT ?`, columnList("", resourceColumns), s.table("message_resources"))

	var resources []Resource
	err := s.db.SelectContext(ctx, &resources, s.db.Rebind(query),
		accountID, ResourcePending, ResourceFailed, maxAttempts, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to select download batch: %w", err)
	}
	return resources, nil
}

// ClaimResource moves an eligible resource to downloading and counts the attempt in one statement.
func (s *sqlxStore) ClaimResource(ctx context.Context, id int64, maxAttempts int) (bool, error) {
	query := fmt.Sprintf(`
		UPDATE %s SET status = ?, attempts = attempts + 1, updated_at = ?
		WHERE id = ? AND status IN (?, ?) AND attempts < ?`, s.table("message_resources"))

	result, err := s.db.ExecContext(ctx, s.db.Rebind(query),
		ResourceDownloading, s.now(), id, ResourcePending, ResourceFailed, maxAttempts)
	if err != nil {
		return false, fmt.Errorf("failed to claim resource %d: %w", id, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to claim resource %d: %w", id, err)
	}
	return affected == 1, nil
}

// MarkResourceReady records a completed download. An empty mime type keeps the registered one.
func (s *sqlxStore) MarkResourceReady(ctx context.Context, id int64, storagePath, mimeType string, size int64) error {
	set := "status = ?, storage_path = ?, size_bytes = ?, last_error = '', updated_at = ?"
	args := []any{ResourceReady, storagePath, size, s.now()}
	if mimeType != "" {
		set += ", mime_type = ?"
		args = append(args, mimeType)
	}
	query := fmt.Sprintf(`UPDATE %s SET %s WHERE id = ?`, s.table("message_resources"), set)

	if _, err := s.db.ExecContext(ctx, s.db.Rebind(query), append(args, id)...); err != nil {
		return fmt.Errorf("failed to mark resource %d ready: %w", id, err)
	}
	return nil
}

// MarkResourceTooLarge records a resource rejected by the size limit. A negative size leaves
// the stored size untouched.
func (s *sqlxStore) MarkResourceTooLarge(ctx context.Context, id int64, size int64, reason string) error {
	set := "status = ?, last_error = ?, updated_at = ?"
	args := []any{ResourceTooLarge, reason, s.now()}
	if size >= 0 {
		set += ", size_bytes = ?"
		args = append(args, size)
	}
	query := fmt.Sprintf(`UPDATE %s SET %s WHERE id = ?`, s.table("message_resources"), set)

	if _, err := s.db.ExecContext(ctx, s.db.Rebind(query), append(args, id)...); err != nil {
		return fmt.Errorf("failed to mark resource %d too large: %w", id, err)
	}
	return nil
}

// MarkResourceFailed records a failed download attempt.
func (s *sqlxStore) MarkResourceFailed(ctx context.Context, id int64, reason string) error {
	query := fmt.Sprintf(`UPDATE %s SET status = ?, last_error = ?, updated_at = ? WHERE id = ?`,
		s.table("message_resources"))

	if _, err := s.db.ExecContext(ctx, s.db.Rebind(query), ResourceFailed, reason, s.now(), id); err != nil {
		return fmt.Errorf("failed to mark resource %d failed: %w", id, err)
	}
	return nil
}

// ResetInterruptedDownloads marks resources of the account left downloading since before the
// given time as failed. The attempt they used is kept.
func (s *sqlxStore) ResetInterruptedDownloads(ctx context.Context, accountID string, before time.Time) (int64, error) {
	query := fmt.Sprintf(`
		UPDATE %s SET status = ?, last_error = ?, updated_at = ?
		WHERE account_id = ? AND status = ? AND updated_at < ?`, s.table("message_resources"))

	result, err := s.db.ExecContext(ctx, s.db.Rebind(query),
		ResourceFailed, "download interrupted", s.now(), accountID, ResourceDownloading, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to reset interrupted downloads: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to reset interrupted downloads: %w", err)
	}
	return n, nil
}
