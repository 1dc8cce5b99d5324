package extract

import (
	"context"
	"io"
)

// Hints carries positional metadata about where a segment of text came
// from, threaded through to the chunks derived from it.
type Hints struct {
	Page      int // 1-indexed source page, 0 if the format has no pages
	Paragraph int // 0-indexed paragraph within the segment stream
}

// Segment is one lazily-produced unit of extracted text, paired with the
// hints that should carry into the chunks built from it.
type Segment struct {
	Text  string
	Hints Hints
}

// Extractor detects and extracts text from a document format. Extractors are
// pure functions of bytes to segments; they never persist anything.
type Extractor interface {
	// Detect reports whether this extractor handles the given content. It
	// checks magic bytes first, falling back to the filename extension.
	Detect(data []byte, filename string) bool

	// Extract streams segments from the document so chunking can begin
	// before extraction finishes on large inputs. The segment channel is
	// closed when extraction completes or ctx is canceled; a failure is
	// sent on the error channel (buffered, capacity 1) before the close.
	Extract(ctx context.Context, r io.Reader) (<-chan Segment, <-chan error)

	// Name identifies the extractor for logging and the document's format tag.
	Name() string
}

// Registry dispatches to the first extractor, in registration order, whose
// Detect matches (by magic bytes or by extension), or to none.
type Registry struct {
	extractors []Extractor
}

// NewRegistry builds a registry from the given extractors, tried in order.
func NewRegistry(extractors ...Extractor) *Registry {
	return &Registry{extractors: extractors}
}

// For returns the extractor that claims the given content, or nil if none do.
func (r *Registry) For(data []byte, filename string) Extractor {
	for _, e := range r.extractors {
		if e.Detect(data, filename) {
			return e
		}
	}
	return nil
}

// DefaultRegistry returns the standard extractor set in detection-priority
// order: structured formats before the text passthrough, which will claim
// almost anything non-binary.
func DefaultRegistry(ocr *OCREngine) *Registry {
	return NewRegistry(
		NewPDFExtractor(ocr),
		NewDOCXExtractor(),
		NewImageExtractor(ocr),
		NewTextExtractor(),
	)
}
