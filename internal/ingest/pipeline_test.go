package ingest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/edgard/chatmirror/internal/account"
	"github.com/edgard/chatmirror/internal/config"
	"github.com/edgard/chatmirror/internal/coordinator"
	"github.com/edgard/chatmirror/internal/database"
	"github.com/edgard/chatmirror/internal/database/dbtest"
	"github.com/edgard/chatmirror/internal/lark"
	"github.com/edgard/chatmirror/internal/lark/larktest"
	"github.com/edgard/chatmirror/internal/resource"
	"github.com/edgard/chatmirror/internal/writequeue"
)

type recordingTrigger struct {
	mu       sync.Mutex
	accounts []string
	fired    chan string
}

func (r *recordingTrigger) Trigger(accountID string) bool {
	r.mu.Lock()
	r.accounts = append(r.accounts, accountID)
	r.mu.Unlock()
	select {
	case r.fired <- accountID:
	default:
	}
	return true
}

type fixture struct {
	pipeline    *Pipeline
	store       database.Store
	platform    *larktest.Fake
	queue       *writequeue.Queue
	guards      *coordinator.Guards
	clock       *clockwork.FakeClock
	extractions *recordingTrigger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	store := dbtest.NewStore(t)
	platform := larktest.New()
	rt := account.NewStaticRuntime(config.AccountConfig{ID: "acc", TenantKey: "tenant"}, platform, store)
	accounts := account.NewRegistry()
	if err := accounts.Add(rt); err != nil {
		t.Fatalf("failed to add account: %v", err)
	}

	guards := coordinator.NewGuards(ctx, nil)
	queue := writequeue.New(ctx, nil)
	clock := clockwork.NewFakeClock()
	completions := make(chan resource.Completion, 16)
	downloads := resource.NewManager(resource.Config{Dir: t.TempDir(), MaxBytes: 1 << 20}, accounts, guards, completions, nil)
	extractions := &recordingTrigger{fired: make(chan string, 16)}

	f := &fixture{
		store:       store,
		platform:    platform,
		queue:       queue,
		guards:      guards,
		clock:       clock,
		extractions: extractions,
		pipeline: New(Deps{
			Accounts:    accounts,
			Queue:       queue,
			Guards:      guards,
			ChatTTL:     coordinator.NewTTLCache(30*time.Minute, clock),
			Downloads:   downloads,
			Extractions: extractions,
			Completions: completions,
		}),
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = f.pipeline.Run(ctx)
	}()
	t.Cleanup(func() {
		queue.Close()
		_ = queue.Wait(context.Background())
		guards.Wait()
		cancel()
		<-done
	})
	return f
}

func messageEvent(msgID, msgType, content string) []byte {
	return []byte(fmt.Sprintf(`{
		"schema": "2.0",
		"header": {"event_id": "ev_%[1]s", "event_type": "im.message.receive_v1", "tenant_key": "tenant"},
		"event": {
			"sender": {"sender_id": {"open_id": "ou_1", "user_id": "u1"}},
			"message": {
				"message_id": %[1]q,
				"chat_id": "oc_1",
				"chat_type": "group",
				"message_type": %[2]q,
				"create_time": "1700000000000",
				"content": %[3]q
			}
		}
	}`, msgID, msgType, content))
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (f *fixture) drainQueue(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.queue.Wait(ctx); err != nil {
		t.Fatalf("queue did not drain: %v", err)
	}
}

func TestHandleEventIsIdempotent(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	event := messageEvent("om_1", "text", `{"text":"hello"}`)
	for i := 0; i < 2; i++ {
		if err := f.pipeline.HandleEvent(ctx, "acc", event); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	f.drainQueue(t)

	first, err := f.store.GetMessage(ctx, "tenant", "om_1")
	if err != nil || first == nil {
		t.Fatalf("expected stored message, got %v (err %v)", first, err)
	}
	if first.Body != "hello" || first.SenderUserID != "u1" || first.AccountID != "acc" {
		t.Errorf("unexpected message %+v", first)
	}

	if err := f.pipeline.HandleEvent(ctx, "acc", messageEvent("om_1", "text", `{"text":"hello, edited"}`)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	f.drainQueue(t)

	edited, err := f.store.GetMessage(ctx, "tenant", "om_1")
	if err != nil || edited == nil {
		t.Fatalf("expected stored message, got %v (err %v)", edited, err)
	}
	if edited.ID != first.ID || edited.Body != "hello, edited" || edited.DedupeHash == first.DedupeHash {
		t.Errorf("expected in-place update, got %+v", edited)
	}
}

func TestHandleEventDownloadsAndSignalsExtraction(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	f.platform.Files["img_1"] = larktest.File{Data: []byte("png"), ContentType: "image/png"}
	if err := f.pipeline.HandleEvent(ctx, "acc", messageEvent("om_1", "image", `{"image_key":"img_1"}`)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	select {
	case accountID := <-f.extractions.fired:
		if accountID != "acc" {
			t.Errorf("expected extraction trigger for acc, got %s", accountID)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the extraction trigger")
	}

	list, err := f.store.ListResourcesByMessage(ctx, "tenant", "om_1")
	if err != nil || len(list) != 1 {
		t.Fatalf("expected one resource, got %d (err %v)", len(list), err)
	}
	if list[0].Status != database.ResourceReady {
		t.Errorf("expected ready resource, got %s", list[0].Status)
	}
}

func TestHandleEventRejectsMalformed(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	if err := f.pipeline.HandleEvent(context.Background(), "acc", []byte(`{"event":{"message":{}}}`)); err == nil {
		t.Error("expected an error for a message without id")
	}
	if err := f.pipeline.HandleEvent(context.Background(), "acc", []byte(`not json`)); err == nil {
		t.Error("expected an error for invalid JSON")
	}
	if err := f.pipeline.HandleEvent(context.Background(), "other", messageEvent("om_1", "text", `{}`)); err == nil {
		t.Error("expected an error for an unknown account")
	}
	if n := f.queue.Pending(QueueKey("tenant")); n != 0 {
		t.Errorf("expected nothing queued, got %d", n)
	}
}

func TestRegisterAndDownloadIsIdempotent(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	f.platform.Files["file_1"] = larktest.File{Data: []byte("a,b\n"), ContentType: "text/csv"}
	raw := []byte(`{"message_id":"om_9","chat_id":"oc_1","msg_type":"file",` +
		`"content":"{\"file_key\":\"file_1\",\"file_name\":\"data.csv\"}",` +
		`"sender":{"id":"ou_7","id_type":"open_id"}}`)

	for i := 0; i < 3; i++ {
		if err := f.pipeline.RegisterAndDownload(ctx, "acc", raw); err != nil {
			t.Fatalf("call %d: unexpected error: %v", i, err)
		}
	}

	msg, err := f.store.GetMessage(ctx, "tenant", "om_9")
	if err != nil || msg == nil {
		t.Fatalf("expected stored message, got %v (err %v)", msg, err)
	}
	if msg.SenderOpenID != "ou_7" || msg.MessageType != "file" {
		t.Errorf("unexpected message %+v", msg)
	}

	waitFor(t, "download", func() bool {
		list, err := f.store.ListResourcesByMessage(ctx, "tenant", "om_9")
		return err == nil && len(list) == 1 && list[0].Status == database.ResourceReady
	})
	if calls := f.platform.Calls("DownloadResource", "file_1"); calls != 1 {
		t.Errorf("expected a single transfer, got %d", calls)
	}
}

func TestChatMetadataRefreshedOncePerTTL(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	f.platform.Chats["oc_1"] = lark.Chat{ChatID: "oc_1", Name: "Launch", ChatMode: "group", MemberCount: 3}
	f.platform.Members["oc_1"] = []lark.ChatMember{
		{MemberID: "ou_1", MemberIDType: "open_id", Name: "Ana"},
		{MemberID: "ou_2", MemberIDType: "open_id", Name: "Bo"},
		{MemberID: "ou_3", MemberIDType: "open_id", Name: "Cy"},
	}

	chatRefreshed := func() bool {
		return !f.guards.Active(coordinator.SubsystemChat, "acc/oc_1")
	}

	for i := 0; i < 3; i++ {
		if err := f.pipeline.HandleEvent(ctx, "acc", messageEvent(fmt.Sprintf("om_%d", i), "text", `{"text":"hi"}`)); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	waitFor(t, "chat refresh", chatRefreshed)

	chat, err := f.store.GetChat(ctx, "tenant", "oc_1")
	if err != nil || chat == nil || chat.Name != "Launch" {
		t.Fatalf("expected cached chat, got %+v (err %v)", chat, err)
	}
	members, err := f.store.ListChatMembers(ctx, "tenant", "oc_1")
	if err != nil || len(members) != 3 {
		t.Fatalf("expected 3 members, got %d (err %v)", len(members), err)
	}
	if calls := f.platform.Calls("GetChat", "oc_1"); calls != 1 {
		t.Errorf("expected one chat fetch within the TTL, got %d", calls)
	}

	f.clock.Advance(31 * time.Minute)
	if err := f.pipeline.HandleEvent(ctx, "acc", messageEvent("om_9", "text", `{"text":"later"}`)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	waitFor(t, "second chat fetch", func() bool {
		return f.platform.Calls("GetChat", "oc_1") == 2 && chatRefreshed()
	})
}
