// Package ingest is the entry point for inbound chat events: it persists messages in order
// per tenant, registers their attachments and chains downloads into extraction.
package ingest

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/edgard/chatmirror/internal/account"
	"github.com/edgard/chatmirror/internal/coordinator"
	"github.com/edgard/chatmirror/internal/database"
	"github.com/edgard/chatmirror/internal/lark"
	"github.com/edgard/chatmirror/internal/payload"
	"github.com/edgard/chatmirror/internal/resource"
	"github.com/edgard/chatmirror/internal/writequeue"
)

// Accounts resolves account runtimes by id.
type Accounts interface {
	Get(id string) (*account.Runtime, bool)
}

// Downloads is the resource stage.
type Downloads interface {
	Register(ctx context.Context, rt *account.Runtime, msg payload.Message) (int, error)
	Trigger(accountID string) bool
}

// Extractions is the extraction stage.
type Extractions interface {
	Trigger(accountID string) bool
}

// Deps contains the collaborators of a Pipeline.
type Deps struct {
	Logger      *slog.Logger
	Accounts    Accounts
	Queue       *writequeue.Queue
	Guards      *coordinator.Guards
	ChatTTL     *coordinator.TTLCache
	Downloads   Downloads
	Extractions Extractions
	Completions <-chan resource.Completion
}

// Pipeline handles inbound events.
type Pipeline struct {
	deps   Deps
	logger *slog.Logger
	now    func() time.Time
}

// New creates a pipeline.
func New(deps Deps) *Pipeline {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Pipeline{
		deps:   deps,
		logger: logger.With("component", "ingest"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// QueueKey is the write ordering key of a tenant's messages.
func QueueKey(tenantKey string) string {
	return "messages/" + tenantKey
}

// HandleEvent normalizes an inbound message event and queues its persistence behind earlier
// writes of the same tenant. It returns once the write is queued; write failures are logged.
// Chat metadata is refreshed in the background when it is older than the TTL.
func (p *Pipeline) HandleEvent(ctx context.Context, accountID string, raw []byte) error {
	rt, ok := p.deps.Accounts.Get(accountID)
	if !ok {
		return fmt.Errorf("unknown account %q", accountID)
	}

	ev, err := payload.ParseEvent(raw)
	if err != nil {
		return err
	}
	msg := ev.Message
	if msg.TenantKey == "" {
		msg.TenantKey = rt.TenantKey
	}

	p.refreshChat(rt, msg.TenantKey, msg.ChatID)

	return p.deps.Queue.Enqueue(QueueKey(msg.TenantKey), func(ctx context.Context) error {
		return p.persist(ctx, rt, msg)
	})
}

// RegisterAndDownload persists a message given as a raw message object (an event or a
// history page entry), registers its attachments and schedules their download. Calling it
// again with the same message is harmless.
func (p *Pipeline) RegisterAndDownload(ctx context.Context, accountID string, raw []byte) error {
	rt, ok := p.deps.Accounts.Get(accountID)
	if !ok {
		return fmt.Errorf("unknown account %q", accountID)
	}

	ev, err := payload.ParseEvent(raw)
	if err != nil {
		return err
	}
	msg := ev.Message
	if msg.TenantKey == "" {
		msg.TenantKey = rt.TenantKey
	}
	return p.persist(ctx, rt, msg)
}

func (p *Pipeline) persist(ctx context.Context, rt *account.Runtime, msg payload.Message) error {
	store, err := rt.Store(ctx)
	if err != nil {
		return err
	}

	sentAt := msg.CreatedAt
	if sentAt.IsZero() {
		sentAt = p.now()
	}
	row := &database.Message{
		TenantKey:     msg.TenantKey,
		AccountID:     rt.ID,
		MessageID:     msg.ID,
		ChatID:        msg.ChatID,
		ChatType:      msg.ChatType,
		MessageType:   msg.Type,
		SenderUserID:  msg.Sender.UserID,
		SenderOpenID:  msg.Sender.OpenID,
		SenderUnionID: msg.Sender.UnionID,
		RawPayload:    string(msg.Raw),
		Body:          payload.Text(msg.Type, msg.Content),
		DedupeHash:    payload.DedupeHash(msg.ID, msg.Raw),
		SentAt:        sentAt,
	}

	result, err := store.UpsertMessage(ctx, row)
	if err != nil {
		return err
	}
	p.logger.DebugContext(ctx, "Message persisted", "account", rt.ID, "message_id", msg.ID, "result", result.String())

	n, err := p.deps.Downloads.Register(ctx, rt, msg)
	if err != nil {
		return err
	}
	if n > 0 {
		p.deps.Downloads.Trigger(rt.ID)
	}
	return nil
}

// refreshChat starts a guarded chat metadata refresh when the cached copy is stale.
func (p *Pipeline) refreshChat(rt *account.Runtime, tenantKey, chatID string) {
	if chatID == "" || p.deps.ChatTTL == nil {
		return
	}
	key := rt.ID + "/" + chatID
	if !p.deps.ChatTTL.TryClaim(key) {
		return
	}

	p.deps.Guards.Trigger(coordinator.SubsystemChat, key, func(ctx context.Context) error {
		if err := p.RefreshChat(ctx, rt, tenantKey, chatID); err != nil {
			p.deps.ChatTTL.Forget(key)
			return err
		}
		return nil
	})
}

// RefreshChat stores the chat's metadata and replaces its member snapshot.
func (p *Pipeline) RefreshChat(ctx context.Context, rt *account.Runtime, tenantKey, chatID string) error {
	store, err := rt.Store(ctx)
	if err != nil {
		return err
	}

	chat, err := rt.Platform.GetChat(ctx, chatID)
	if err != nil {
		if lark.IsNotFound(err) {
			p.logger.WarnContext(ctx, "Chat not visible to the app", "account", rt.ID, "chat_id", chatID)
			return nil
		}
		return fmt.Errorf("failed to fetch chat %s: %w", chatID, err)
	}
	members, err := lark.Collect(ctx, func(ctx context.Context, token string) (lark.Page[lark.ChatMember], error) {
		return rt.Platform.ListChatMembers(ctx, chatID, token)
	})
	if err != nil {
		return fmt.Errorf("failed to list members of chat %s: %w", chatID, err)
	}

	err = store.UpsertChat(ctx, &database.Chat{
		TenantKey:   tenantKey,
		ChatID:      chatID,
		Name:        chat.Name,
		ChatMode:    chat.ChatMode,
		OwnerID:     chat.OwnerID,
		MemberCount: chat.MemberCount,
		RefreshedAt: p.now(),
	})
	if err != nil {
		return err
	}

	rows := make([]database.ChatMember, 0, len(members))
	for _, m := range members {
		if m.MemberID == "" {
			continue
		}
		rows = append(rows, database.ChatMember{
			TenantKey:    tenantKey,
			ChatID:       chatID,
			MemberID:     m.MemberID,
			MemberIDType: m.MemberIDType,
			Name:         m.Name,
		})
	}
	if err := store.ReplaceChatMembers(ctx, tenantKey, chatID, rows); err != nil {
		return err
	}
	p.logger.InfoContext(ctx, "Chat metadata refreshed", "account", rt.ID, "chat_id", chatID, "members", len(rows))
	return nil
}

// Run forwards download completions to the extraction stage until ctx ends or the
// completion channel closes.
func (p *Pipeline) Run(ctx context.Context) error {
	p.logger.InfoContext(ctx, "Forwarding download completions to extraction")
	for {
		select {
		case <-ctx.Done():
			return nil
		case c, ok := <-p.deps.Completions:
			if !ok {
				return nil
			}
			p.deps.Extractions.Trigger(c.AccountID)
		}
	}
}
