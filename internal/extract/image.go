package extract

import (
	"context"
	"io"
	"log/slog"
	"strings"
)

var imageExtensions = []string{".png", ".jpg", ".jpeg", ".tiff", ".tif", ".bmp"}

// ImageExtractor invokes OCR directly on the whole image.
type ImageExtractor struct {
	ocr *OCREngine
}

// NewImageExtractor creates an image extractor backed by the given OCR
// engine. A nil engine is valid; images are then skipped with a warning.
func NewImageExtractor(ocr *OCREngine) *ImageExtractor {
	return &ImageExtractor{ocr: ocr}
}

// Name identifies this extractor.
func (e *ImageExtractor) Name() string { return "image" }

// Detect claims common raster image extensions.
func (e *ImageExtractor) Detect(data []byte, filename string) bool {
	lower := strings.ToLower(filename)
	for _, ext := range imageExtensions {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return isPNG(data) || isJPEG(data)
}

// Extract OCRs the whole image into a single segment. If no OCR engine is
// available, it emits nothing and lets the caller see zero segments.
func (e *ImageExtractor) Extract(ctx context.Context, r io.Reader) (<-chan Segment, <-chan error) {
	out := make(chan Segment, 1)
	errc := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errc)

		data, err := io.ReadAll(r)
		if err != nil {
			errc <- err
			return
		}

		if e.ocr == nil || !e.ocr.Available() {
			slog.Warn("ocr_unavailable_image_skipped")
			return
		}

		text, err := e.ocr.Recognize(ctx, data)
		if err != nil {
			slog.Warn("ocr_failed_image_skipped", slog.String("error", err.Error()))
			return
		}
		text = strings.TrimSpace(text)
		if text == "" {
			return
		}

		select {
		case out <- Segment{Text: text, Hints: Hints{Page: 1}}:
		case <-ctx.Done():
			errc <- ctx.Err()
		}
	}()

	return out, errc
}

func isPNG(data []byte) bool {
	sig := []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}
	return len(data) >= len(sig) && string(data[:len(sig)]) == string(sig)
}

func isJPEG(data []byte) bool {
	return len(data) >= 3 && data[0] == 0xFF && data[1] == 0xD8 && data[2] == 0xFF
}
