package extract

import (
	"bytes"
	"compress/zlib"
	"context"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/ledongthuc/pdf"
)

// PDFExtractor reads a document's text layer via ledongthuc/pdf; when a page
// yields no text it falls back to OCR on the page's embedded raster images,
// if any. Locating those embedded images still uses this file's own minimal
// indirect-object scan (pdfObject et al.), since the text-layer library
// doesn't expose raw XObject image streams: it resolves direct object
// references for image streams but does not walk a full xref/trailer graph
// or handle encrypted documents.
type PDFExtractor struct {
	ocr *OCREngine
}

// NewPDFExtractor creates a PDF extractor backed by the given OCR engine
// (nil disables the OCR fallback; image-only pages are then skipped).
func NewPDFExtractor(ocr *OCREngine) *PDFExtractor {
	return &PDFExtractor{ocr: ocr}
}

// Name identifies this extractor.
func (e *PDFExtractor) Name() string { return "pdf" }

// Detect claims files by the "%PDF-" magic header.
func (e *PDFExtractor) Detect(data []byte, filename string) bool {
	return bytes.HasPrefix(data, []byte("%PDF-")) || strings.HasSuffix(strings.ToLower(filename), ".pdf")
}

var (
	pdfObjectPattern = regexp.MustCompile(`(?s)(\d+)\s+\d+\s+obj(.*?)endobj`)
	pdfStreamPattern = regexp.MustCompile(`(?s)stream\r?\n(.*?)endstream`)
	pdfRefPattern    = regexp.MustCompile(`(\d+)\s+\d+\s+R`)
	pdfResourcesKey  = regexp.MustCompile(`(?s)/Resources\s*(<<.*?>>|\d+\s+\d+\s+R)`)
	pdfXObjectRefs   = regexp.MustCompile(`/XObject\s*<<(.*?)>>`)
)

type pdfObject struct {
	num  int
	dict string // everything before "stream", or the whole body if no stream
	raw  []byte // decoded stream bytes, if any
}

// Extract reads each page's text layer through ledongthuc/pdf and, for a
// page that comes back empty (scanned/image-only), falls back to OCR on its
// embedded raster images via this file's own indirect-object scan.
func (e *PDFExtractor) Extract(ctx context.Context, r io.Reader) (<-chan Segment, <-chan error) {
	out := make(chan Segment)
	errc := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errc)

		data, err := io.ReadAll(r)
		if err != nil {
			errc <- fmt.Errorf("pdf: read: %w", err)
			return
		}

		reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
		if err != nil {
			errc <- fmt.Errorf("pdf: open: %w", err)
			return
		}
		numPage := reader.NumPage()
		if numPage == 0 {
			errc <- fmt.Errorf("pdf: no pages found")
			return
		}

		// imagePages is this extractor's own lightweight object scan, used
		// only to locate embedded image XObjects for the OCR fallback; it is
		// not the source of the page text itself.
		objects := parsePDFObjects(data)
		imagePages := findPDFPages(objects)

		fonts := make(map[string]*pdf.Font)
		for i := 1; i <= numPage; i++ {
			page := reader.Page(i)
			if page.V.IsNull() {
				continue
			}
			for _, name := range page.Fonts() {
				if _, ok := fonts[name]; !ok {
					fonts[name] = page.Font(name)
				}
			}
		}

		for i := 1; i <= numPage; i++ {
			select {
			case <-ctx.Done():
				errc <- ctx.Err()
				return
			default:
			}

			page := reader.Page(i)
			if page.V.IsNull() {
				continue
			}

			text, err := page.GetPlainText(fonts)
			if err != nil {
				slog.Warn("pdf_page_text_failed", slog.Int("page", i), slog.String("error", err.Error()))
				text = ""
			}
			text = strings.TrimSpace(text)

			if text == "" && i-1 < len(imagePages) {
				text = strings.TrimSpace(e.ocrPageImages(ctx, imagePages[i-1].dict, objects))
			}
			if text == "" {
				slog.Warn("pdf_page_no_text", slog.Int("page", i))
				continue
			}

			select {
			case out <- Segment{Text: text, Hints: Hints{Page: i}}:
			case <-ctx.Done():
				errc <- ctx.Err()
				return
			}
		}
	}()

	return out, errc
}

// parsePDFObjects splits the file into its indirect objects, decoding any
// FlateDecode stream body eagerly since every consumer needs the decoded
// bytes.
func parsePDFObjects(data []byte) map[int]*pdfObject {
	objects := make(map[int]*pdfObject)
	for _, m := range pdfObjectPattern.FindAllSubmatch(data, -1) {
		num, err := strconv.Atoi(string(m[1]))
		if err != nil {
			continue
		}
		body := m[2]

		obj := &pdfObject{num: num}
		if sm := pdfStreamPattern.FindSubmatch(body); sm != nil {
			dict := string(body[:bytes.Index(body, []byte("stream"))])
			obj.dict = dict
			raw := sm[1]
			if strings.Contains(dict, "/FlateDecode") {
				if decoded, err := inflate(raw); err == nil {
					raw = decoded
				}
			}
			obj.raw = raw
		} else {
			obj.dict = string(body)
		}
		objects[num] = obj
	}
	return objects
}

func inflate(data []byte) ([]byte, error) {
	zr, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer func() { _ = zr.Close() }()
	return io.ReadAll(zr)
}

// findPDFPages returns every object whose dict declares /Type /Page (not
// /Pages), in object-number order, as a stand-in for document order since
// this extractor does not walk the page tree's Kids arrays.
func findPDFPages(objects map[int]*pdfObject) []*pdfObject {
	var pages []*pdfObject
	for _, obj := range objects {
		if strings.Contains(obj.dict, "/Type/Page") || strings.Contains(obj.dict, "/Type /Page") {
			if strings.Contains(obj.dict, "/Type/Pages") || strings.Contains(obj.dict, "/Type /Pages") {
				continue
			}
			pages = append(pages, obj)
		}
	}
	sortPDFObjectsByNum(pages)
	return pages
}

func sortPDFObjectsByNum(objs []*pdfObject) {
	for i := 1; i < len(objs); i++ {
		for j := i; j > 0 && objs[j].num < objs[j-1].num; j-- {
			objs[j], objs[j-1] = objs[j-1], objs[j]
		}
	}
}

// ocrPageImages finds embedded raster XObjects referenced from the page's
// Resources dict and OCRs the first one found. Non-JPEG/PNG-encoded image
// streams (e.g. raw DCTDecode with unusual parameters) are skipped, since
// recognizing their pixel format is out of scope for this minimal reader.
func (e *PDFExtractor) ocrPageImages(ctx context.Context, pageDict string, objects map[int]*pdfObject) string {
	if e.ocr == nil || !e.ocr.Available() {
		return ""
	}

	resMatch := pdfResourcesKey.FindStringSubmatch(pageDict)
	if resMatch == nil {
		return ""
	}
	resources := resMatch[1]

	// If Resources is an indirect reference, resolve it.
	if refMatch := pdfRefPattern.FindStringSubmatch(resources); refMatch != nil && !strings.Contains(resources, "<<") {
		num, err := strconv.Atoi(refMatch[1])
		if err == nil {
			if obj, ok := objects[num]; ok {
				resources = obj.dict
			}
		}
	}

	xMatch := pdfXObjectRefs.FindStringSubmatch(resources)
	if xMatch == nil {
		return ""
	}

	for _, refMatch := range pdfRefPattern.FindAllStringSubmatch(xMatch[1], -1) {
		num, err := strconv.Atoi(refMatch[1])
		if err != nil {
			continue
		}
		obj, ok := objects[num]
		if !ok || obj.raw == nil {
			continue
		}
		if !strings.Contains(obj.dict, "/Subtype/Image") && !strings.Contains(obj.dict, "/Subtype /Image") {
			continue
		}
		text, err := e.ocr.Recognize(ctx, obj.raw)
		if err != nil {
			slog.Warn("pdf_image_ocr_failed", slog.String("error", err.Error()))
			continue
		}
		if strings.TrimSpace(text) != "" {
			return text
		}
	}
	return ""
}
