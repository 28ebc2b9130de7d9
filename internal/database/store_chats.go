package database

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

var (
	chatColumns = []string{
		"id", "tenant_key", "chat_id", "name", "chat_mode", "owner_id", "member_count",
		"refreshed_at", "created_at", "updated_at",
	}
	chatMemberColumns = []string{
		"id", "tenant_key", "chat_id", "member_id", "member_id_type", "name", "created_at",
	}
)

// UpsertChat stores refreshed chat metadata.
func (s *sqlxStore) UpsertChat(ctx context.Context, chat *Chat) error {
	if chat == nil || chat.ChatID == "" {
		return fmt.Errorf("chat must have a chat id")
	}

	now := s.now()
	if chat.RefreshedAt.IsZero() {
		chat.RefreshedAt = now
	}
	chat.RefreshedAt = chat.RefreshedAt.UTC()
	chat.CreatedAt = now
	chat.UpdatedAt = now

	query := fmt.Sprintf(`
		INSERT INTO %s (tenant_key, chat_id, name, chat_mode, owner_id, member_count, refreshed_at, created_at, updated_at)
		VALUES (:tenant_key, :chat_id, :name, :chat_mode, :owner_id, :member_count, :refreshed_at, :created_at, :updated_at)`,
		s.table("chats"))
	query += s.dialect.upsertClause([]string{"tenant_key", "chat_id"},
		[]string{"name", "chat_mode", "owner_id", "member_count", "refreshed_at", "updated_at"})

	if _, err := s.db.NamedExecContext(ctx, query, chat); err != nil {
		return fmt.Errorf("failed to save chat %s: %w", chat.ChatID, err)
	}
	return nil
}

// GetChat returns cached chat metadata, or nil if the chat was never refreshed.
func (s *sqlxStore) GetChat(ctx context.Context, tenantKey, chatID string) (*Chat, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE tenant_key = ? AND chat_id = ?`,
		columnList("", chatColumns), s.table("chats"))
	chat, err := getOne[Chat](ctx, s.db, query, tenantKey, chatID)
	if err != nil {
		return nil, fmt.Errorf("failed to get chat %s: %w", chatID, err)
	}
	return chat, nil
}

// ReplaceChatMembers replaces the member snapshot of a chat in one transaction.
func (s *sqlxStore) ReplaceChatMembers(ctx context.Context, tenantKey, chatID string, members []ChatMember) error {
	now := s.now()

	seen := make(map[string]bool, len(members))
	rows := make([][]any, 0, len(members))
	for _, m := range members {
		if m.MemberID == "" || seen[m.MemberID] {
			continue
		}
		seen[m.MemberID] = true
		rows = append(rows, []any{tenantKey, chatID, m.MemberID, m.MemberIDType, m.Name, now})
	}

	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		query := fmt.Sprintf(`DELETE FROM %s WHERE tenant_key = ? AND chat_id = ?`, s.table("chat_members"))
		if _, err := tx.ExecContext(ctx, tx.Rebind(query), tenantKey, chatID); err != nil {
			return fmt.Errorf("failed to clear chat members: %w", err)
		}
		return s.insertRows(ctx, tx, s.table("chat_members"),
			[]string{"tenant_key", "chat_id", "member_id", "member_id_type", "name", "created_at"}, rows, "")
	})
	if err != nil {
		return fmt.Errorf("failed to replace members of chat %s: %w", chatID, err)
	}
	return nil
}

// ListChatMembers returns the stored member snapshot of a chat.
func (s *sqlxStore) ListChatMembers(ctx context.Context, tenantKey, chatID string) ([]ChatMember, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE tenant_key = ? AND chat_id = ? ORDER BY member_id`,
		columnList("", chatMemberColumns), s.table("chat_members"))

	var members []ChatMember
	if err := s.db.SelectContext(ctx, &members, s.db.Rebind(query), tenantKey, chatID); err != nil {
		return nil, fmt.Errorf("failed to list members of chat %s: %w", chatID, err)
	}
	return members, nil
}
