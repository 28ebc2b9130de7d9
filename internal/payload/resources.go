package payload

import (
	"regexp"
	"strings"

	"github.com/edgard/chatmirror/internal/errs"
)

// Resource kinds.
const (
	KindImage = "image"
	KindFile  = "file"
	KindAudio = "audio"
	KindMedia = "media"
	KindDoc   = "doc"
)

// Resource is an attachment reference found in message content.
type Resource struct {
	Kind    string
	FileKey string
	Name    string
	// Size is the declared size in bytes, or -1 when unknown.
	Size int64
	// Linked resources are fetched live elsewhere and never downloaded.
	Linked bool
}

// DownloadType returns the resource type parameter the platform's download endpoint expects.
func DownloadType(kind string) string {
	if kind == KindImage {
		return "image"
	}
	return "file"
}

var docLinkPattern = regexp.MustCompile(`https?://[A-Za-z0-9.-]*(?:feishu\.cn|larksuite\.com|larkoffice\.com)/(?:docx|docs|wiki|sheets|base|mindnotes|file)/([A-Za-z0-9_-]+)`)

// DetectResources lists every attachment referenced by a message. Unknown shapes yield no
// resources; a single message may reference several (an image plus a linked document).
func DetectResources(msgType string, content map[string]any) []Resource {
	var found []Resource
	seen := map[string]bool{}
	add := func(r Resource) {
		if r.FileKey == "" || seen[r.FileKey] {
			return
		}
		seen[r.FileKey] = true
		found = append(found, r)
	}

	if r, err := detectAttachment(msgType, content); err == nil {
		add(r)
	}

	if msgType == TypePost {
		for _, el := range postElements(content) {
			if r, err := detectPostElement(el); err == nil {
				add(r)
			}
		}
	}

	for _, r := range detectDocLinks(Text(msgType, content)) {
		add(r)
	}
	if msgType == TypePost {
		for _, el := range postElements(content) {
			for _, r := range detectDocLinks(str(el, "href")) {
				add(r)
			}
		}
	}
	return found
}

// detectAttachment maps the content of a single-attachment message. It returns
// errs.ErrNoResource when no known key matches instead of guessing.
func detectAttachment(msgType string, content map[string]any) (Resource, error) {
	switch msgType {
	case TypeImage:
		if key := str(content, "image_key"); key != "" {
			return Resource{Kind: KindImage, FileKey: key, Size: -1}, nil
		}
	case TypeFile:
		if key := str(content, "file_key"); key != "" {
			return Resource{Kind: KindFile, FileKey: key, Name: str(content, "file_name"), Size: number(content, "file_size")}, nil
		}
	case TypeAudio:
		if key := FirstNonEmpty(str(content, "file_key"), str(content, "audio_key")); key != "" {
			return Resource{Kind: KindAudio, FileKey: key, Name: str(content, "file_name"), Size: number(content, "file_size")}, nil
		}
	case TypeMedia:
		if key := FirstNonEmpty(str(content, "file_key"), str(content, "media_key")); key != "" {
			return Resource{Kind: KindMedia, FileKey: key, Name: str(content, "file_name"), Size: number(content, "file_size")}, nil
		}
	}
	return Resource{}, errs.ErrNoResource
}

func detectPostElement(el map[string]any) (Resource, error) {
	switch str(el, "tag") {
	case "img":
		if key := str(el, "image_key"); key != "" {
			return Resource{Kind: KindImage, FileKey: key, Size: -1}, nil
		}
	case "media":
		if key := str(el, "file_key"); key != "" {
			return Resource{Kind: KindMedia, FileKey: key, Name: str(el, "file_name"), Size: -1}, nil
		}
	}
	return Resource{}, errs.ErrNoResource
}

func detectDocLinks(text string) []Resource {
	var found []Resource
	for _, m := range docLinkPattern.FindAllStringSubmatch(text, -1) {
		found = append(found, Resource{Kind: KindDoc, FileKey: m[1], Name: m[0], Size: -1, Linked: true})
	}
	return found
}

// postBody returns the post's {title, content} object, unwrapping a locale layer
// ({"zh_cn": {...}}) when present.
func postBody(content map[string]any) map[string]any {
	if _, ok := content["content"]; ok {
		return content
	}
	if post := object(content, "post"); post != nil {
		content = post
	}
	for _, locale := range []string{"zh_cn", "en_us", "ja_jp"} {
		if body := object(content, locale); body != nil {
			return body
		}
	}
	for _, v := range content {
		if body, ok := v.(map[string]any); ok {
			if _, ok := body["content"]; ok {
				return body
			}
		}
	}
	return nil
}

// postElements flattens the paragraphs of a rich-text post into its inline elements.
func postElements(content map[string]any) []map[string]any {
	body := postBody(content)
	if body == nil {
		return nil
	}
	paragraphs, _ := body["content"].([]any)

	var elements []map[string]any
	for _, p := range paragraphs {
		line, _ := p.([]any)
		for _, e := range line {
			if el, ok := e.(map[string]any); ok {
				elements = append(elements, el)
			}
		}
	}
	return elements
}

// Text derives the plain-text body of a message.
func Text(msgType string, content map[string]any) string {
	switch msgType {
	case TypeText:
		return str(content, "text")
	case TypePost:
		return postText(content)
	case TypeImage:
		return "[image]"
	case TypeFile:
		return strings.TrimSpace("[file] " + str(content, "file_name"))
	case TypeAudio:
		return "[audio]"
	case TypeMedia:
		return strings.TrimSpace("[video] " + str(content, "file_name"))
	case TypeSticker:
		return "[sticker]"
	}
	return FirstNonEmpty(str(content, "text"), str(content, "title"))
}

func postText(content map[string]any) string {
	body := postBody(content)
	if body == nil {
		return ""
	}

	var lines []string
	if title := str(body, "title"); title != "" {
		lines = append(lines, title)
	}
	paragraphs, _ := body["content"].([]any)
	for _, p := range paragraphs {
		line, _ := p.([]any)
		var b strings.Builder
		for _, e := range line {
			el, ok := e.(map[string]any)
			if !ok {
				continue
			}
			switch str(el, "tag") {
			case "text", "md":
				b.WriteString(str(el, "text"))
			case "a":
				b.WriteString(FirstNonEmpty(str(el, "text"), str(el, "href")))
			case "at":
				b.WriteString("@" + FirstNonEmpty(str(el, "user_name"), str(el, "user_id")))
			case "img":
				b.WriteString("[image]")
			case "media":
				b.WriteString("[video]")
			}
		}
		if s := strings.TrimSpace(b.String()); s != "" {
			lines = append(lines, s)
		}
	}
	return strings.Join(lines, "\n")
}
