package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/edgard/chatmirror/internal/payload"
)

var extractableKinds = []string{payload.KindImage, payload.KindAudio, payload.KindFile}

var extractionColumns = []string{
	"id", "tenant_key", "resource_id", "language", "text", "model", "status", "error",
	"attempts", "created_at", "updated_at",
}

// SelectExtractionBatch returns ready image, audio and file resources that have no extraction
// yet or whose extraction failed (or was interrupted while processing) below the attempt
// ceiling. Skipped, empty and done extractions are final.
func (s *sqlxStore) SelectExtractionBatch(ctx context.Context, accountID string, maxAttempts, limit int, exclude []int64) ([]Resource, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM %s r
		LEFT JOIN %s e ON e.tenant_key = r.tenant_key AND e.resource_id = r.id
		WHERE r.account_id = ? AND r.status = ? AND r.kind IN (?)
			AND (e.id IS NULL OR (e.status IN (?, ?) AND e.attempts < ?))`,
		columnList("r", resourceColumns), s.table("message_resources"), s.table("resource_extractions"))
	args := []any{accountID, ResourceReady, extractableKinds, ExtractionFailed, ExtractionProcessing, maxAttempts}

	if len(exclude) > 0 {
		query += ` AND r.id NOT IN (?)`
		args = append(args, exclude)
	}
	query += ` ORDER BY r.updated_at, r.id LIMIT ?`
	args = append(args, limit)

	query, args, err := sqlx.In(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to build extraction batch query: %w", err)
	}

	var resources []Resource
	if err := s.db.SelectContext(ctx, &resources, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to select extraction batch: %w", err)
	}
	return resources, nil
}

// StartExtraction marks the resource's extraction processing, creating the row on first attempt.
func (s *sqlxStore) StartExtraction(ctx context.Context, tenantKey string, resourceID int64) error {
	now := s.now()
	table := s.table("resource_extractions")

	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		var id int64
		err := tx.GetContext(ctx, &id, tx.Rebind(fmt.Sprintf(
			`SELECT id FROM %s WHERE tenant_key = ? AND resource_id = ?`, table)), tenantKey, resourceID)

		switch {
		case errors.Is(err, sql.ErrNoRows):
			_, err = tx.ExecContext(ctx, tx.Rebind(fmt.Sprintf(`
				INSERT INTO %s (tenant_key, resource_id, language, text, model, status, error, attempts, created_at, updated_at)
				VALUES (?, ?, '', '', '', ?, '', 1, ?, ?)`, table)),
				tenantKey, resourceID, ExtractionProcessing, now, now)
		case err != nil:
			return err
		default:
			_, err = tx.ExecContext(ctx, tx.Rebind(fmt.Sprintf(`
				UPDATE %s SET status = ?, error = '', attempts = attempts + 1, updated_at = ?
				WHERE id = ?`, table)), ExtractionProcessing, now, id)
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to start extraction of resource %d: %w", resourceID, err)
	}
	return nil
}

// FinishExtraction records the outcome of an extraction, superseding any earlier one. A
// positive result.Attempts replaces the attempt count.
func (s *sqlxStore) FinishExtraction(ctx context.Context, tenantKey string, resourceID int64, result ExtractionResult) error {
	set := "status = ?, language = ?, text = ?, model = ?, error = ?, updated_at = ?"
	args := []any{result.Status, result.Language, result.Text, result.Model, result.Error, s.now()}
	if result.Attempts > 0 {
		set += ", attempts = ?"
		args = append(args, result.Attempts)
	}
	query := fmt.Sprintf(`UPDATE %s SET %s WHERE tenant_key = ? AND resource_id = ?`,
		s.table("resource_extractions"), set)

	if _, err := s.db.ExecContext(ctx, s.db.Rebind(query), append(args, tenantKey, resourceID)...); err != nil {
		return fmt.Errorf("failed to finish extraction of resource %d: %w", resourceID, err)
	}
	return nil
}

// GetExtraction returns the extraction of a resource, or nil if there is none.
func (s *sqlxStore) GetExtraction(ctx context.Context, tenantKey string, resourceID int64) (*Extraction, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE tenant_key = ? AND resource_id = ?`,
		columnList("", extractionColumns), s.table("resource_extractions"))
	ext, err := getOne[Extraction](ctx, s.db, query, tenantKey, resourceID)
	if err != nil {
		return nil, fmt.Errorf("failed to get extraction of resource %d: %w", resourceID, err)
	}
	return ext, nil
}
