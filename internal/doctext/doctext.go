// Package doctext extracts plain text from document attachments.
package doctext

import (
	"bytes"
	"context"
	"fmt"
	"html"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/ledongthuc/pdf"
	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"

	"github.com/edgard/chatmirror/internal/errs"
)

var (
	blockTags  = regexp.MustCompile(`(?i)<br\s*/?>|</?p>|</?div>|</?pre>|</?h[1-6]>|</?li>|</?tr>|</?blockquote>`)
	blankLines = regexp.MustCompile(`\n\s*\n+`)
)

var extractors = map[string]func(path string) (string, error){
	".txt":      readPlain,
	".csv":      readPlain,
	".json":     readPlain,
	".md":       readMarkdown,
	".markdown": readMarkdown,
	".html":     readHTML,
	".htm":      readHTML,
	".pdf":      readPDF,
	".docx":     readDOCX,
	".pptx":     readPPTX,
	".xlsx":     readXLSX,
}

// Supported reports whether Extract handles files with the given extension.
// The comparison is case-insensitive and the leading dot is required.
func Supported(ext string) bool {
	_, ok := extractors[strings.ToLower(ext)]
	return ok
}

// Extractor is the document text capability.
type Extractor struct{}

// New returns a document text extractor.
func New() *Extractor {
	return &Extractor{}
}

// Extract returns the plain text of the document at path.
func (e *Extractor) Extract(ctx context.Context, path string) (string, error) {
	return Extract(ctx, path)
}

// Extract returns the plain text of the document at path, dispatching on its extension.
func Extract(ctx context.Context, path string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	ext := strings.ToLower(filepath.Ext(path))
	extract, ok := extractors[ext]
	if !ok {
		return "", errs.NewPolicyError(fmt.Sprintf("no text extractor for %q", ext), errs.ErrUnsupported)
	}

	text, err := extract(path)
	if err != nil {
		return "", fmt.Errorf("failed to extract %s text: %w", ext, err)
	}
	return strings.TrimSpace(text), nil
}

func readPlain(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// readMarkdown renders markdown to HTML and strips the markup.
func readMarkdown(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if err := goldmark.New().Convert(data, &buf); err != nil {
		return "", fmt.Errorf("failed to render markdown: %w", err)
	}
	return stripHTML(buf.String()), nil
}

func readHTML(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return stripHTML(string(data)), nil
}

// stripHTML removes all tags, keeping block boundaries as line breaks.
func stripHTML(s string) string {
	s = blockTags.ReplaceAllString(s, "\n")
	s = bluemonday.StrictPolicy().Sanitize(s)
	s = blankLines.ReplaceAllString(s, "\n\n")
	return html.UnescapeString(s)
}

func readPDF(path string) (string, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open pdf: %w", err)
	}
	defer f.Close()

	plain, err := r.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("failed to read pdf text: %w", err)
	}

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, plain); err != nil {
		return "", err
	}
	return buf.String(), nil
}
