package doctext

import (
	"archive/zip"
	"encoding/xml"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

var slidePart = regexp.MustCompile(`^ppt/slides/slide(\d+)\.xml$`)

func readDOCX(path string) (string, error) {
	return readOOXML(path, func(name string) bool {
		return name == "word/document.xml"
	}, "t", "p")
}

func readPPTX(path string) (string, error) {
	return readOOXML(path, func(name string) bool {
		return slidePart.MatchString(name)
	}, "t", "p")
}

func readXLSX(path string) (string, error) {
	return readOOXML(path, func(name string) bool {
		return name == "xl/sharedStrings.xml"
	}, "t", "si")
}

// readOOXML concatenates the text of the named XML parts of an Office Open XML package.
// Character data inside textElem elements is kept; the end of each breakElem starts a new line.
func readOOXML(path string, want func(name string) bool, textElem, breakElem string) (string, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return "", fmt.Errorf("failed to open package: %w", err)
	}
	defer zr.Close()

	var parts []*zip.File
	for _, f := range zr.File {
		if want(f.Name) {
			parts = append(parts, f)
		}
	}
	sort.Slice(parts, func(i, j int) bool {
		return partOrder(parts[i].Name) < partOrder(parts[j].Name)
	})

	var sb strings.Builder
	for _, part := range parts {
		rc, err := part.Open()
		if err != nil {
			return "", fmt.Errorf("failed to open %s: %w", part.Name, err)
		}
		err = xmlText(rc, &sb, textElem, breakElem)
		rc.Close()
		if err != nil {
			return "", fmt.Errorf("failed to parse %s: %w", part.Name, err)
		}
	}
	return sb.String(), nil
}

// partOrder sorts slides numerically; other parts keep name order.
func partOrder(name string) int {
	if m := slidePart.FindStringSubmatch(name); m != nil {
		n, _ := strconv.Atoi(m[1])
		return n
	}
	return 0
}

func xmlText(r io.Reader, sb *strings.Builder, textElem, breakElem string) error {
	dec := xml.NewDecoder(r)
	inText := 0
	lineHasText := false
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local == textElem {
				inText++
			}
		case xml.EndElement:
			switch t.Name.Local {
			case textElem:
				if inText > 0 {
					inText--
				}
			case breakElem:
				if lineHasText {
					sb.WriteByte('\n')
					lineHasText = false
				}
			}
		case xml.CharData:
			if inText > 0 && len(t) > 0 {
				sb.Write(t)
				lineHasText = true
			}
		}
	}
}
