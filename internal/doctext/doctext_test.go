package doctext

import (
	"archive/zip"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/edgard/chatmirror/internal/errs"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
	return path
}

func writeZip(t *testing.T, name string, parts map[string]string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("failed to create %s: %v", name, err)
	}
	zw := zip.NewWriter(f)
	for partName, body := range parts {
		w, err := zw.Create(partName)
		if err != nil {
			t.Fatalf("failed to add %s: %v", partName, err)
		}
		if _, err := w.Write([]byte(body)); err != nil {
			t.Fatalf("failed to write %s: %v", partName, err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("failed to close zip: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("failed to close file: %v", err)
	}
	return path
}

func TestSupported(t *testing.T) {
	t.Parallel()

	for _, ext := range []string{".pdf", ".docx", ".pptx", ".xlsx", ".txt", ".md", ".markdown", ".csv", ".json", ".html", ".htm", ".PDF"} {
		if !Supported(ext) {
			t.Errorf("expected %s to be supported", ext)
		}
	}
	for _, ext := range []string{"", ".zip", ".exe", ".doc", "pdf"} {
		if Supported(ext) {
			t.Errorf("expected %q to be unsupported", ext)
		}
	}
}

func TestExtractText(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		file     string
		content  string
		contains []string
		excludes []string
	}{
		{
			name:     "plain",
			file:     "notes.txt",
			content:  "  line one\nline two \n",
			contains: []string{"line one\nline two"},
		},
		{
			name:     "csv",
			file:     "data.csv",
			content:  "a,b\n1,2\n",
			contains: []string{"a,b\n1,2"},
		},
		{
			name:     "markdown",
			file:     "README.md",
			content:  "# Title\n\nHello **world** & friends\n\n- item\n",
			contains: []string{"Title", "Hello world & friends", "item"},
			excludes: []string{"#", "**", "<"},
		},
		{
			name:     "html",
			file:     "page.HTML",
			content:  "<html><body><h1>Report</h1><p>a &amp; b</p><script>alert(1)</script></body></html>",
			contains: []string{"Report", "a & b"},
			excludes: []string{"<", "alert"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			text, err := Extract(context.Background(), writeFile(t, tt.file, tt.content))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			for _, want := range tt.contains {
				if !strings.Contains(text, want) {
					t.Errorf("expected %q in %q", want, text)
				}
			}
			for _, unwanted := range tt.excludes {
				if strings.Contains(text, unwanted) {
					t.Errorf("expected no %q in %q", unwanted, text)
				}
			}
		})
	}
}

func TestExtractDOCX(t *testing.T) {
	t.Parallel()

	path := writeZip(t, "memo.docx", map[string]string{
		"[Content_Types].xml": `<Types/>`,
		"word/document.xml": `<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"><w:body>` +
			`<w:p><w:r><w:t>Hello</w:t></w:r><w:r><w:t xml:space="preserve"> there</w:t></w:r></w:p>` +
			`<w:p><w:r><w:t>World</w:t></w:r></w:p></w:body></w:document>`,
	})

	text, err := Extract(context.Background(), path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if text != "Hello there\nWorld" {
		t.Errorf("expected %q, got %q", "Hello there\nWorld", text)
	}
}

func TestExtractPPTXSlideOrder(t *testing.T) {
	t.Parallel()

	slide := func(s string) string {
		return `<p:sld xmlns:p="p" xmlns:a="a"><p:cSld><p:spTree><p:sp><p:txBody><a:p><a:r><a:t>` + s +
			`</a:t></a:r></a:p></p:txBody></p:sp></p:spTree></p:cSld></p:sld>`
	}
	path := writeZip(t, "deck.pptx", map[string]string{
		"ppt/slides/slide10.xml": slide("ten"),
		"ppt/slides/slide2.xml":  slide("two"),
		"ppt/slides/slide1.xml":  slide("one"),

		"ppt/slideLayouts/slideLayout1.xml": slide("layout"),
	})

	text, err := Extract(context.Background(), path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if text != "one\ntwo\nten" {
		t.Errorf("expected %q, got %q", "one\ntwo\nten", text)
	}
}

func TestExtractXLSX(t *testing.T) {
	t.Parallel()

	path := writeZip(t, "sheet.xlsx", map[string]string{
		"xl/sharedStrings.xml": `<sst xmlns="main"><si><t>Name</t></si><si><r><t>Ali</t></r><r><t>ce</t></r></si></sst>`,
	})

	text, err := Extract(context.Background(), path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if text != "Name\nAlice" {
		t.Errorf("expected %q, got %q", "Name\nAlice", text)
	}
}

func TestExtractUnsupported(t *testing.T) {
	t.Parallel()

	_, err := Extract(context.Background(), writeFile(t, "archive.zip", "PK"))
	if !errors.Is(err, errs.ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
	if !errs.IsTerminal(err) {
		t.Errorf("expected terminal error, got code %s", errs.Code(err))
	}
}

func TestExtractCorruptPackage(t *testing.T) {
	t.Parallel()

	if _, err := Extract(context.Background(), writeFile(t, "broken.docx", "not a zip")); err == nil {
		t.Fatal("expected error for corrupt package")
	}
}
