package extract

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"strings"
)

// DOCXExtractor reads word/document.xml out of the OOXML zip container.
// No pack dependency wraps DOCX without CGO or an undeclared dependency, so
// this is a deliberate stdlib-only extractor (archive/zip + encoding/xml).
type DOCXExtractor struct{}

// NewDOCXExtractor creates a DOCX extractor.
func NewDOCXExtractor() *DOCXExtractor { return &DOCXExtractor{} }

// Name identifies this extractor.
func (e *DOCXExtractor) Name() string { return "docx" }

var docxZipSignature = []byte{'P', 'K', 0x03, 0x04}

// Detect claims .docx files by extension and by the zip signature plus the
// presence of the OOXML word/document.xml member.
func (e *DOCXExtractor) Detect(data []byte, filename string) bool {
	if strings.HasSuffix(strings.ToLower(filename), ".docx") {
		return true
	}
	if len(data) < 4 || !bytes.Equal(data[:4], docxZipSignature) {
		return false
	}
	r, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return false
	}
	for _, f := range r.File {
		if f.Name == "word/document.xml" {
			return true
		}
	}
	return false
}

// wordBody, wordParagraph, and wordRun mirror just enough of the OOXML
// WordprocessingML schema to recover paragraph text; run breaks are parsed
// but not emitted.
type wordBody struct {
	Paragraphs []wordParagraph `xml:"body>p"`
}

type wordParagraph struct {
	Runs []wordRun `xml:"r"`
}

type wordRun struct {
	Text  []string `xml:"t"`
	Break []struct{} `xml:"br"`
}

// Extract reads the whole docx into memory (zip requires a ReaderAt) and
// emits one segment per non-empty paragraph.
func (e *DOCXExtractor) Extract(ctx context.Context, r io.Reader) (<-chan Segment, <-chan error) {
	out := make(chan Segment)
	errc := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errc)

		data, err := io.ReadAll(r)
		if err != nil {
			errc <- fmt.Errorf("docx: read: %w", err)
			return
		}

		zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
		if err != nil {
			errc <- fmt.Errorf("docx: open zip: %w", err)
			return
		}

		var docXML *zip.File
		for _, f := range zr.File {
			if f.Name == "word/document.xml" {
				docXML = f
				break
			}
		}
		if docXML == nil {
			errc <- fmt.Errorf("docx: word/document.xml not found")
			return
		}

		rc, err := docXML.Open()
		if err != nil {
			errc <- fmt.Errorf("docx: open document.xml: %w", err)
			return
		}
		defer func() { _ = rc.Close() }()

		var body wordBody
		if err := xml.NewDecoder(rc).Decode(&body); err != nil {
			errc <- fmt.Errorf("docx: parse document.xml: %w", err)
			return
		}

		paraIdx := 0
		for _, p := range body.Paragraphs {
			var sb strings.Builder
			for _, run := range p.Runs {
				for _, t := range run.Text {
					sb.WriteString(t)
				}
			}
			text := strings.TrimSpace(sb.String())
			if text == "" {
				continue
			}

			select {
			case out <- Segment{Text: text, Hints: Hints{Paragraph: paraIdx}}:
				paraIdx++
			case <-ctx.Done():
				errc <- ctx.Err()
				return
			}
		}
	}()

	return out, errc
}
