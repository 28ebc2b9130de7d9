// Package payload normalizes the loosely shaped message and event JSON delivered by the
// messaging platform into strict types, and detects the attachments a message references.
package payload

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/zeebo/blake3"

	"github.com/edgard/chatmirror/internal/errs"
)

// Message types the platform sends.
const (
	TypeText    = "text"
	TypePost    = "post"
	TypeImage   = "image"
	TypeFile    = "file"
	TypeAudio   = "audio"
	TypeMedia   = "media"
	TypeSticker = "sticker"
)

// Sender carries the three id variants the platform may report for a user.
type Sender struct {
	UserID  string
	OpenID  string
	UnionID string
}

// Key returns the first non-empty id, the synthesized identity used across the store.
func (s Sender) Key() string {
	return FirstNonEmpty(s.UserID, s.OpenID, s.UnionID)
}

// Message is a normalized chat message.
type Message struct {
	ID        string
	ChatID    string
	ChatType  string
	Type      string
	TenantKey string
	Sender    Sender
	// Content is the decoded message content object.
	Content map[string]any
	// Raw is the canonical JSON of the whole message object.
	Raw       []byte
	CreatedAt time.Time
}

// Event is a normalized inbound event carrying a message.
type Event struct {
	ID        string
	Type      string
	TenantKey string
	Message   Message
}

// ParseEvent normalizes a message event. Both the 2.0 schema (header + event) and the flat
// 1.0 schema are accepted, as is a bare message object.
func ParseEvent(raw []byte) (*Event, error) {
	root, err := decodeObject(raw)
	if err != nil {
		return nil, errs.NewDataError("failed to decode event", err)
	}

	header := object(root, "header")
	body := object(root, "event")
	if body == nil {
		body = root
	}

	ev := &Event{
		ID:   FirstNonEmpty(str(header, "event_id"), str(root, "uuid"), str(root, "event_id")),
		Type: FirstNonEmpty(str(header, "event_type"), str(body, "type"), str(root, "type")),
		TenantKey: FirstNonEmpty(
			str(header, "tenant_key"), str(root, "tenant_key"),
			str(body, "tenant_key"), str(object(body, "sender"), "tenant_key"),
		),
	}

	msgObj := object(body, "message")
	if msgObj == nil {
		msgObj = body
	}
	msg, err := NormalizeMessage(msgObj)
	if err != nil {
		return nil, err
	}
	if sender := object(body, "sender"); sender != nil && msg.Sender.Key() == "" {
		msg.Sender = parseSender(sender)
	}
	if msg.TenantKey == "" {
		msg.TenantKey = ev.TenantKey
	}
	ev.Message = msg
	return ev, nil
}

// NormalizeMessage maps a message object from an event or a history page to a Message.
func NormalizeMessage(obj map[string]any) (Message, error) {
	id := FirstNonEmpty(str(obj, "message_id"), str(obj, "open_message_id"), str(obj, "msg_id"))
	if id == "" {
		return Message{}, errs.NewDataError("message has no id", nil)
	}

	msg := Message{
		ID:        id,
		ChatID:    FirstNonEmpty(str(obj, "chat_id"), str(obj, "open_chat_id")),
		ChatType:  FirstNonEmpty(str(obj, "chat_type"), str(obj, "chat_mode")),
		Type:      FirstNonEmpty(str(obj, "message_type"), str(obj, "msg_type")),
		TenantKey: str(obj, "tenant_key"),
		Sender:    parseSender(object(obj, "sender")),
		CreatedAt: parseMillis(FirstNonEmpty(str(obj, "create_time"), str(obj, "created_at"))),
	}

	content, err := decodeContent(obj)
	if err != nil {
		return Message{}, errs.NewDataError(fmt.Sprintf("message %s has malformed content", id), err)
	}
	msg.Content = content

	raw, err := json.Marshal(obj)
	if err != nil {
		return Message{}, errs.NewDataError(fmt.Sprintf("failed to encode message %s", id), err)
	}
	if msg.Raw, err = Canonical(raw); err != nil {
		return Message{}, errs.NewDataError(fmt.Sprintf("failed to canonicalize message %s", id), err)
	}
	return msg, nil
}

func parseSender(obj map[string]any) Sender {
	if obj == nil {
		return Sender{}
	}
	if ids := object(obj, "sender_id"); ids != nil {
		return Sender{UserID: str(ids, "user_id"), OpenID: str(ids, "open_id"), UnionID: str(ids, "union_id")}
	}

	s := Sender{UserID: str(obj, "user_id"), OpenID: str(obj, "open_id"), UnionID: str(obj, "union_id")}
	// History pages report a single id with its type.
	if id := str(obj, "id"); id != "" {
		switch str(obj, "id_type") {
		case "user_id":
			s.UserID = FirstNonEmpty(s.UserID, id)
		case "union_id":
			s.UnionID = FirstNonEmpty(s.UnionID, id)
		default:
			s.OpenID = FirstNonEmpty(s.OpenID, id)
		}
	}
	return s
}

// decodeContent finds the content object. The platform sends it as a JSON string, either
// directly or under body.content; some relays have already decoded it.
func decodeContent(obj map[string]any) (map[string]any, error) {
	candidates := []any{obj["content"]}
	if body := object(obj, "body"); body != nil {
		candidates = append(candidates, body["content"])
	}

	for _, c := range candidates {
		switch v := c.(type) {
		case map[string]any:
			return v, nil
		case string:
			if strings.TrimSpace(v) == "" {
				continue
			}
			return decodeObject([]byte(v))
		}
	}
	return map[string]any{}, nil
}

// Canonical re-encodes JSON with sorted object keys and numbers preserved verbatim, so that
// equal payloads hash equally regardless of key order or whitespace.
func Canonical(raw []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

// DedupeHash derives the message's dedupe hash from its id and canonical payload.
func DedupeHash(messageID string, canonical []byte) string {
	h := blake3.New()
	_, _ = h.Write([]byte(messageID))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil))
}

// FirstNonEmpty returns the first non-empty value.
func FirstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func decodeObject(raw []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil, err
	}
	if obj == nil {
		return nil, fmt.Errorf("expected a JSON object")
	}
	return obj, nil
}

func object(obj map[string]any, key string) map[string]any {
	if obj == nil {
		return nil
	}
	m, _ := obj[key].(map[string]any)
	return m
}

// str reads a scalar field as a string; numbers keep their literal form.
func str(obj map[string]any, key string) string {
	if obj == nil {
		return ""
	}
	switch v := obj[key].(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	return ""
}

// number reads a numeric field that may be encoded as a string. It returns -1 when absent.
func number(obj map[string]any, key string) int64 {
	s := str(obj, key)
	if s == "" {
		return -1
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return -1
	}
	return n
}

// parseMillis parses a millisecond (or second) Unix timestamp. Unparseable input yields the zero time.
func parseMillis(s string) time.Time {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n <= 0 {
		return time.Time{}
	}
	if n < 1e12 {
		return time.Unix(n, 0).UTC()
	}
	return time.UnixMilli(n).UTC()
}
