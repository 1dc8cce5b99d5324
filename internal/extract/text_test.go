package extract

import (
	"archive/zip"
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(t *testing.T, out <-chan Segment, errc <-chan error) ([]Segment, error) {
	t.Helper()
	var segs []Segment
	for s := range out {
		segs = append(segs, s)
	}
	return segs, <-errc
}

func TestTextExtractor_Detect_ByExtension(t *testing.T) {
	e := NewTextExtractor()
	assert.True(t, e.Detect([]byte("anything"), "notes.md"))
	assert.True(t, e.Detect([]byte("anything"), "data.CSV"))
}

func TestTextExtractor_Detect_ByNonBinaryContent(t *testing.T) {
	e := NewTextExtractor()
	assert.True(t, e.Detect([]byte("plain prose with no null bytes"), "unknown"))
}

func TestTextExtractor_Detect_RejectsBinaryContent(t *testing.T) {
	e := NewTextExtractor()
	assert.False(t, e.Detect([]byte{0x00, 0x01, 0x02}, "unknown"))
}

func TestTextExtractor_Extract_SplitsOnBlankLines(t *testing.T) {
	e := NewTextExtractor()
	input := "first paragraph\nstill first\n\nsecond paragraph"
	out, errc := e.Extract(context.Background(), strings.NewReader(input))
	segs, err := drain(t, out, errc)
	require.NoError(t, err)
	require.Len(t, segs, 2)
	assert.Equal(t, "first paragraph\nstill first", segs[0].Text)
	assert.Equal(t, 0, segs[0].Hints.Paragraph)
	assert.Equal(t, "second paragraph", segs[1].Text)
	assert.Equal(t, 1, segs[1].Hints.Paragraph)
}

func TestTextExtractor_Extract_EmptyInput_YieldsNoSegments(t *testing.T) {
	e := NewTextExtractor()
	out, errc := e.Extract(context.Background(), strings.NewReader(""))
	segs, err := drain(t, out, errc)
	require.NoError(t, err)
	assert.Empty(t, segs)
}

func TestTextExtractor_Name(t *testing.T) {
	assert.Equal(t, "text", NewTextExtractor().Name())
}

func buildTestDOCX(t *testing.T, paragraphs ...string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	var body strings.Builder
	body.WriteString(`<?xml version="1.0"?><w:document><w:body>`)
	for _, p := range paragraphs {
		body.WriteString(`<w:p><w:r><w:t>` + p + `</w:t></w:r></w:p>`)
	}
	body.WriteString(`</w:body></w:document>`)

	f, err := zw.Create("word/document.xml")
	require.NoError(t, err)
	_, err = f.Write([]byte(body.String()))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	return buf.Bytes()
}

func TestDOCXExtractor_Detect_ByExtension(t *testing.T) {
	e := NewDOCXExtractor()
	assert.True(t, e.Detect([]byte("not really a zip"), "report.docx"))
}

func TestDOCXExtractor_Detect_ByZipSignatureAndMember(t *testing.T) {
	e := NewDOCXExtractor()
	data := buildTestDOCX(t, "hello")
	assert.True(t, e.Detect(data, "unknown"))
}

func TestDOCXExtractor_Detect_RejectsPlainZip(t *testing.T) {
	e := NewDOCXExtractor()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	f, err := zw.Create("readme.txt")
	require.NoError(t, err)
	_, _ = f.Write([]byte("not a document"))
	require.NoError(t, zw.Close())

	assert.False(t, e.Detect(buf.Bytes(), "archive.zip"))
}

func TestDOCXExtractor_Extract_EmitsOneSegmentPerParagraph(t *testing.T) {
	e := NewDOCXExtractor()
	data := buildTestDOCX(t, "first paragraph", "second paragraph")

	out, errc := e.Extract(context.Background(), bytes.NewReader(data))
	segs, err := drain(t, out, errc)
	require.NoError(t, err)
	require.Len(t, segs, 2)
	assert.Equal(t, "first paragraph", segs[0].Text)
	assert.Equal(t, "second paragraph", segs[1].Text)
}

func TestDOCXExtractor_Extract_SkipsEmptyParagraphs(t *testing.T) {
	e := NewDOCXExtractor()
	data := buildTestDOCX(t, "", "keeper", "   ")

	out, errc := e.Extract(context.Background(), bytes.NewReader(data))
	segs, err := drain(t, out, errc)
	require.NoError(t, err)
	require.Len(t, segs, 1)
	assert.Equal(t, "keeper", segs[0].Text)
}

func TestDOCXExtractor_Extract_MissingDocumentXML_Errors(t *testing.T) {
	e := NewDOCXExtractor()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	f, err := zw.Create("other.xml")
	require.NoError(t, err)
	_, _ = f.Write([]byte("<x/>"))
	require.NoError(t, zw.Close())

	out, errc := e.Extract(context.Background(), bytes.NewReader(buf.Bytes()))
	_, err = drain(t, out, errc)
	assert.Error(t, err)
}

func TestPDFExtractor_Detect_ByMagicHeaderOrExtension(t *testing.T) {
	e := NewPDFExtractor(nil)
	assert.True(t, e.Detect([]byte("%PDF-1.4\n..."), "unknown"))
	assert.True(t, e.Detect([]byte("not a pdf"), "report.PDF"))
	assert.False(t, e.Detect([]byte("not a pdf"), "report.txt"))
}

func TestImageExtractor_Detect_ByExtensionAndMagicBytes(t *testing.T) {
	e := NewImageExtractor(nil)
	assert.True(t, e.Detect([]byte{}, "photo.png"))
	pngMagic := []byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a, 0x1a, 0x0a}
	assert.True(t, e.Detect(pngMagic, "unknown"))
	jpegMagic := []byte{0xFF, 0xD8, 0xFF}
	assert.True(t, e.Detect(jpegMagic, "unknown"))
	assert.False(t, e.Detect([]byte("plain text"), "unknown"))
}

func TestRegistry_For_TriesExtractorsInOrder(t *testing.T) {
	r := DefaultRegistry(nil)

	pdfData := []byte("%PDF-1.4\n...")
	assert.Equal(t, "pdf", r.For(pdfData, "unknown").Name())

	docxData := buildTestDOCX(t, "hello")
	assert.Equal(t, "docx", r.For(docxData, "unknown").Name())

	pngMagic := []byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a, 0x1a, 0x0a}
	assert.Equal(t, "image", r.For(pngMagic, "unknown").Name())

	assert.Equal(t, "text", r.For([]byte("hello world"), "unknown").Name())
}

func TestRegistry_For_NoMatch_ReturnsNil(t *testing.T) {
	r := NewRegistry(NewPDFExtractor(nil))
	assert.Nil(t, r.For([]byte{0x00, 0x01}, "binary.dat"))
}
