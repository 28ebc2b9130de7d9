package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
)

var messageColumns = []string{
	"id", "tenant_key", "account_id", "message_id", "chat_id", "chat_type", "message_type",
	"sender_user_id", "sender_open_id", "sender_union_id", "raw_payload", "body", "dedupe_hash",
	"sent_at", "created_at", "updated_at",
}

// UpsertMessage inserts the message or, when the stored dedupe hash differs, updates it in place.
func (s *sqlxStore) UpsertMessage(ctx context.Context, message *Message) (UpsertResult, error) {
	if message == nil {
		return Unchanged, fmt.Errorf("cannot save nil message")
	}
	if message.TenantKey == "" || message.MessageID == "" {
		return Unchanged, fmt.Errorf("message must have a tenant key and message id")
	}
	if message.DedupeHash == "" {
		return Unchanged, fmt.Errorf("message %s has no dedupe hash", message.MessageID)
	}

	now := s.now()
	message.UpdatedAt = now
	if message.SentAt.IsZero() {
		message.SentAt = now
	}
	message.SentAt = message.SentAt.UTC()

	result := Unchanged
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		var stored string
		err := tx.GetContext(ctx, &stored, tx.Rebind(fmt.Sprintf(
			`SELECT dedupe_hash FROM %s WHERE tenant_key = ? AND message_id = ?`, s.table("messages"))),
			message.TenantKey, message.MessageID)

		switch {
		case errors.Is(err, sql.ErrNoRows):
			message.CreatedAt = now
			query := fmt.Sprintf(`
				INSERT INTO %s (
					tenant_key, account_id, message_id, chat_id, chat_type, message_type,
					sender_user_id, sender_open_id, sender_union_id, raw_payload, body, dedupe_hash,
					sent_at, created_at, updated_at
				) VALUES (
					:tenant_key, :account_id, :message_id, :chat_id, :chat_type, :message_type,
					:sender_user_id, :sender_open_id, :sender_union_id, :raw_payload, :body, :dedupe_hash,
					:sent_at, :created_at, :updated_at
				)`, s.table("messages"))
			if _, err := tx.NamedExecContext(ctx, query, message); err != nil {
				return fmt.Errorf("failed to insert message %s: %w", message.MessageID, err)
			}
			result = Inserted
			return nil
		case err != nil:
			return fmt.Errorf("failed to look up message %s: %w", message.MessageID, err)
		case stored == message.DedupeHash:
			return nil
		}

		query := fmt.Sprintf(`
			UPDATE %s SET
				account_id = :account_id,
				chat_id = :chat_id,
				chat_type = :chat_type,
				message_type = :message_type,
				sender_user_id = :sender_user_id,
				sender_open_id = :sender_open_id,
				sender_union_id = :sender_union_id,
				raw_payload = :raw_payload,
				body = :body,
				dedupe_hash = :dedupe_hash,
				sent_at = :sent_at,
				updated_at = :updated_at
			WHERE tenant_key = :tenant_key AND message_id = :message_id`, s.table("messages"))
		if _, err := tx.NamedExecContext(ctx, query, message); err != nil {
			return fmt.Errorf("failed to update message %s: %w", message.MessageID, err)
		}
		result = Updated
		return nil
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "Error saving message",
			"tenant_key", message.TenantKey, "message_id", message.MessageID, "error", err)
		return Unchanged, err
	}

	s.logger.DebugContext(ctx, "Message saved",
		"tenant_key", message.TenantKey, "message_id", message.MessageID, "result", result)
	return result, nil
}

// GetMessage returns a message, or nil if it does not exist.
func (s *sqlxStore) GetMessage(ctx context.Context, tenantKey, messageID string) (*Message, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE tenant_key = ? AND message_id = ?`,
		columnList("", messageColumns), s.table("messages"))
	msg, err := getOne[Message](ctx, s.db, query, tenantKey, messageID)
	if err != nil {
		return nil, fmt.Errorf("failed to get message %s: %w", messageID, err)
	}
	return msg, nil
}
