package extract

import (
	"bufio"
	"context"
	"io"
	"strings"
)

// TextExtractor is the passthrough extractor for plain prose formats
// (.txt, .md, .rst, .log, and anything that doesn't look binary).
type TextExtractor struct{}

// NewTextExtractor creates a text extractor.
func NewTextExtractor() *TextExtractor { return &TextExtractor{} }

// Name identifies this extractor.
func (e *TextExtractor) Name() string { return "text" }

var textExtensions = []string{".txt", ".md", ".markdown", ".rst", ".log", ".csv", ".tsv", ".json", ".yaml", ".yml"}

// Detect claims any filename with a known text extension, or any content
// that doesn't look binary — this extractor is the catch-all fallback.
func (e *TextExtractor) Detect(data []byte, filename string) bool {
	lower := strings.ToLower(filename)
	for _, ext := range textExtensions {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return !looksBinary(data)
}

// Extract splits the input on blank lines into paragraph segments.
func (e *TextExtractor) Extract(ctx context.Context, r io.Reader) (<-chan Segment, <-chan error) {
	out := make(chan Segment)
	errc := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errc)

		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)

		var para strings.Builder
		paraIdx := 0

		flush := func() bool {
			text := strings.TrimSpace(para.String())
			para.Reset()
			if text == "" {
				return true
			}
			select {
			case out <- Segment{Text: text, Hints: Hints{Paragraph: paraIdx}}:
				paraIdx++
				return true
			case <-ctx.Done():
				errc <- ctx.Err()
				return false
			}
		}

		for scanner.Scan() {
			line := scanner.Text()
			if strings.TrimSpace(line) == "" {
				if !flush() {
					return
				}
				continue
			}
			if para.Len() > 0 {
				para.WriteByte('\n')
			}
			para.WriteString(line)
		}
		if err := scanner.Err(); err != nil {
			errc <- err
			return
		}
		flush()
	}()

	return out, errc
}

// looksBinary checks the first bytes for a NUL, the cheapest reliable
// binary/text heuristic.
func looksBinary(data []byte) bool {
	n := len(data)
	if n > 512 {
		n = 512
	}
	for _, b := range data[:n] {
		if b == 0 {
			return true
		}
	}
	return false
}
