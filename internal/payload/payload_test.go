package payload

import (
	"errors"
	"testing"
	"time"

	"github.com/edgard/chatmirror/internal/errs"
)

const imageEvent = `{
  "schema": "2.0",
  "header": {"event_id": "ev_1", "event_type": "im.message.receive_v1", "tenant_key": "tk_1"},
  "event": {
    "sender": {"sender_id": {"user_id": "", "open_id": "ou_1", "union_id": "on_1"}, "sender_type": "user"},
    "message": {
      "message_id": "om_1",
      "create_time": "1714557600000",
      "chat_id": "oc_1",
      "chat_type": "group",
      "message_type": "image",
      "content": "{\"image_key\":\"img_v2_abc\"}"
    }
  }
}`

func TestParseEvent(t *testing.T) {
	t.Parallel()

	ev, err := ParseEvent([]byte(imageEvent))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev.TenantKey != "tk_1" || ev.Type != "im.message.receive_v1" || ev.ID != "ev_1" {
		t.Errorf("unexpected header fields: %+v", ev)
	}
	msg := ev.Message
	if msg.ID != "om_1" || msg.ChatID != "oc_1" || msg.ChatType != "group" || msg.Type != TypeImage {
		t.Errorf("unexpected message fields: %+v", msg)
	}
	if msg.TenantKey != "tk_1" {
		t.Errorf("expected tenant key inherited from header, got %q", msg.TenantKey)
	}
	if msg.Sender.Key() != "ou_1" {
		t.Errorf("expected sender key ou_1, got %q", msg.Sender.Key())
	}
	want := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	if !msg.CreatedAt.Equal(want) {
		t.Errorf("expected created at %v, got %v", want, msg.CreatedAt)
	}
	if str(msg.Content, "image_key") != "img_v2_abc" {
		t.Errorf("expected decoded content, got %v", msg.Content)
	}
}

func TestParseEventRejectsMessageWithoutID(t *testing.T) {
	t.Parallel()

	_, err := ParseEvent([]byte(`{"event": {"message": {"chat_id": "oc_1"}}}`))
	if err == nil {
		t.Fatal("expected error for message without id")
	}
	if errs.Code(err) != errs.CodeData {
		t.Errorf("expected data error, got %s", errs.Code(err))
	}

	if _, err := ParseEvent([]byte(`not json`)); err == nil {
		t.Error("expected error for malformed event")
	}
}

func TestNormalizeHistoryMessage(t *testing.T) {
	t.Parallel()

	obj, err := decodeObject([]byte(`{
		"message_id": "om_2",
		"msg_type": "file",
		"create_time": 1714557600000,
		"chat_id": "oc_2",
		"sender": {"id": "u_7", "id_type": "user_id", "sender_type": "user"},
		"body": {"content": "{\"file_key\":\"file_1\",\"file_name\":\"report.pdf\",\"file_size\":\"2048\"}"}
	}`))
	if err != nil {
		t.Fatalf("failed to decode fixture: %v", err)
	}

	msg, err := NormalizeMessage(obj)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.Type != TypeFile || msg.Sender.UserID != "u_7" {
		t.Errorf("unexpected message: %+v", msg)
	}

	resources := DetectResources(msg.Type, msg.Content)
	if len(resources) != 1 {
		t.Fatalf("expected one resource, got %d", len(resources))
	}
	r := resources[0]
	if r.Kind != KindFile || r.FileKey != "file_1" || r.Name != "report.pdf" || r.Size != 2048 {
		t.Errorf("unexpected resource: %+v", r)
	}
}

func TestDetectResources(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		msgType string
		content string
		want    []Resource
	}{
		{
			name:    "image",
			msgType: TypeImage,
			content: `{"image_key":"img_1"}`,
			want:    []Resource{{Kind: KindImage, FileKey: "img_1", Size: -1}},
		},
		{
			name:    "audio",
			msgType: TypeAudio,
			content: `{"file_key":"file_a","duration":3000}`,
			want:    []Resource{{Kind: KindAudio, FileKey: "file_a", Size: -1}},
		},
		{
			name:    "media",
			msgType: TypeMedia,
			content: `{"file_key":"file_m","image_key":"cover","file_name":"clip.mp4"}`,
			want:    []Resource{{Kind: KindMedia, FileKey: "file_m", Name: "clip.mp4", Size: -1}},
		},
		{
			name:    "text with doc link",
			msgType: TypeText,
			content: `{"text":"see https://acme.feishu.cn/docx/AbC123 please"}`,
			want: []Resource{{
				Kind: KindDoc, FileKey: "AbC123", Name: "https://acme.feishu.cn/docx/AbC123", Size: -1, Linked: true,
			}},
		},
		{
			name:    "localized post with image media and link",
			msgType: TypePost,
			content: `{"zh_cn":{"title":"T","content":[[{"tag":"text","text":"hi "},{"tag":"img","image_key":"img_p"}],[{"tag":"media","file_key":"file_p"},{"tag":"a","text":"spec","href":"https://x.larksuite.com/wiki/Wk9"}]]}}`,
			want: []Resource{
				{Kind: KindImage, FileKey: "img_p", Size: -1},
				{Kind: KindMedia, FileKey: "file_p", Size: -1},
				{Kind: KindDoc, FileKey: "Wk9", Name: "https://x.larksuite.com/wiki/Wk9", Size: -1, Linked: true},
			},
		},
		{
			name:    "image without key",
			msgType: TypeImage,
			content: `{"something":"else"}`,
		},
		{
			name:    "sticker is not downloadable",
			msgType: TypeSticker,
			content: `{"file_key":"sticker_1"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			content, err := decodeObject([]byte(tt.content))
			if err != nil {
				t.Fatalf("failed to decode fixture: %v", err)
			}
			got := DetectResources(tt.msgType, content)
			if len(got) != len(tt.want) {
				t.Fatalf("expected %d resources, got %d: %+v", len(tt.want), len(got), got)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("resource %d: expected %+v, got %+v", i, tt.want[i], got[i])
				}
			}
		})
	}
}

func TestDetectAttachmentReportsNoResource(t *testing.T) {
	t.Parallel()

	_, err := detectAttachment(TypeFile, map[string]any{"file_name": "x"})
	if !errors.Is(err, errs.ErrNoResource) {
		t.Errorf("expected ErrNoResource, got %v", err)
	}
}

func TestText(t *testing.T) {
	t.Parallel()

	post, _ := decodeObject([]byte(`{"title":"Weekly","content":[[{"tag":"text","text":"Ship "},{"tag":"at","user_name":"Ana"}],[{"tag":"img","image_key":"i"}]]}`))
	if got := Text(TypePost, post); got != "Weekly\nShip @Ana\n[image]" {
		t.Errorf("unexpected post text: %q", got)
	}
	if got := Text(TypeFile, map[string]any{"file_name": "a.pdf"}); got != "[file] a.pdf" {
		t.Errorf("unexpected file text: %q", got)
	}
}

func TestCanonicalAndDedupeHash(t *testing.T) {
	t.Parallel()

	a, err := Canonical([]byte(`{"b": 1, "a": {"y": 12345678901234567890, "x": "s"}}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, err := Canonical([]byte(`{"a":{"x":"s","y":12345678901234567890},"b":1}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(a) != string(b) {
		t.Errorf("expected equal canonical forms, got %s and %s", a, b)
	}
	if string(a) != `{"a":{"x":"s","y":12345678901234567890},"b":1}` {
		t.Errorf("unexpected canonical form %s", a)
	}

	h1 := DedupeHash("om_1", a)
	if h1 != DedupeHash("om_1", b) {
		t.Error("expected equal hashes for equal payloads")
	}
	if h1 == DedupeHash("om_2", a) {
		t.Error("expected message id to be part of the hash")
	}
	if h1 == DedupeHash("om_1", []byte(`{"b":2}`)) {
		t.Error("expected payload to be part of the hash")
	}
	if len(h1) != 64 {
		t.Errorf("expected 64 hex chars, got %d", len(h1))
	}
}
