// Package ingest orchestrates a single document through format detection,
// extraction, chunking, embedding, and atomic persistence.
package ingest

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Coder-Upsilon/little-kb/internal/chunk"
	"github.com/Coder-Upsilon/little-kb/internal/embed"
	"github.com/Coder-Upsilon/little-kb/internal/extract"
	"github.com/Coder-Upsilon/little-kb/internal/progress"
	"github.com/Coder-Upsilon/little-kb/internal/store"
)

// KBIndices bundles the per-KB vector and lexical indices the pipeline
// writes into once chunks are committed.
type KBIndices struct {
	Vector  store.VectorStore
	Lexical store.LexicalIndex
}

// Pipeline orchestrates documents through extract -> chunk -> embed ->
// commit. One Pipeline serves every KB; per-KB serialization is enforced by
// a mutex keyed on KB id, while different KBs ingest concurrently.
// Grounded on internal/async.BackgroundIndexer's run-loop shape,
// replacing its single global lock file with one mutex per KB id so
// multi-KB parallelism is possible.
type Pipeline struct {
	meta       store.MetadataStore
	extractors *extract.Registry
	embedder   embed.Embedder

	kbLocks sync.Map // kbID -> *sync.Mutex
}

// New creates an ingestion pipeline.
func New(meta store.MetadataStore, extractors *extract.Registry, embedder embed.Embedder) *Pipeline {
	return &Pipeline{meta: meta, extractors: extractors, embedder: embedder}
}

func (p *Pipeline) lockFor(kbID string) *sync.Mutex {
	v, _ := p.kbLocks.LoadOrStore(kbID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// IngestDocument runs one document through the full pipeline, serialized
// per KB id. prog, if non-nil, receives phase transitions for external
// progress reporting.
func (p *Pipeline) IngestDocument(ctx context.Context, kb *store.KnowledgeBase, idx KBIndices, filename string, data []byte, prog *progress.Ingest) (string, error) {
	lock := p.lockFor(kb.ID)
	lock.Lock()
	defer lock.Unlock()

	docID := uuid.NewString()
	doc := &store.Document{
		ID:         docID,
		KBID:       kb.ID,
		Filename:   filename,
		Format:     detectFormat(data, filename),
		Size:       int64(len(data)),
		IngestedAt: time.Now(),
		Status:     store.DocStatusPending,
	}

	storedPath, err := p.meta.PutBlob(ctx, kb.ID, docID, data)
	if err != nil {
		return docID, fmt.Errorf("ingest: put blob: %w", err)
	}
	doc.StoredPath = storedPath

	fail := func(reason string) (string, error) {
		doc.Status = store.DocStatusFailed
		doc.FailReason = reason
		if cerr := p.meta.CommitDocument(ctx, doc, nil); cerr != nil {
			slog.Error("ingest_fail_commit_failed",
				slog.String("document_id", docID), slog.String("error", cerr.Error()))
		}
		return docID, fmt.Errorf("ingest: %s", reason)
	}

	setPhase := func(phase progress.IngestPhase) {
		if prog != nil {
			prog.SetPhase(phase)
		}
	}

	setPhase(progress.PhaseExtracting)
	doc.Status = store.DocStatusExtracting

	extractor := p.extractors.For(data, filename)
	if extractor == nil {
		return fail("no extractor matched this document's format")
	}

	segCh, errc := extractor.Extract(ctx, bytes.NewReader(data))

	setPhase(progress.PhaseChunking)

	chunker := chunk.New(chunk.Options{
		MaxTokens:      kb.Config.ChunkSize,
		OverlapTokens:  kb.Config.ChunkOverlap,
		OverlapEnabled: kb.Config.OverlapEnabled,
	})

	chunks, chunkErr := chunker.Chunk(ctx, segCh)
	if extractErr := <-errc; extractErr != nil {
		return fail(fmt.Sprintf("extraction failed: %v", extractErr))
	}
	if chunkErr != nil {
		return fail(fmt.Sprintf("chunking failed: %v", chunkErr))
	}

	if len(chunks) == 0 {
		doc.Status = store.DocStatusReady
		doc.ChunkCount = 0
		if err := p.meta.CommitDocument(ctx, doc, nil); err != nil {
			return docID, fmt.Errorf("ingest: commit empty document: %w", err)
		}
		return docID, nil
	}

	setPhase(progress.PhaseEmbedding)
	doc.Status = store.DocStatusEmbedding

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}

	vectors, err := p.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return fail(fmt.Sprintf("embedding failed: %v", err))
	}
	if len(vectors) != len(chunks) {
		return fail("embedding provider returned a mismatched vector count")
	}

	now := time.Now()
	storeChunks := make([]*store.Chunk, len(chunks))
	chunkIDs := make([]string, len(chunks))
	for i, c := range chunks {
		id := uuid.NewString()
		chunkIDs[i] = id
		storeChunks[i] = &store.Chunk{
			ID:            id,
			DocumentID:    docID,
			KBID:          kb.ID,
			SequenceIndex: c.SequenceIndex,
			Text:          c.Text,
			TokenCount:    c.TokenCount,
			Hints:         store.ChunkHints{Page: c.Hints.Page, Paragraph: c.Hints.Paragraph},
			CreatedAt:     now,
		}
	}

	// Persist chunk text (the system's single source of truth) before
	// touching the indices, so a crash here still leaves a
	// reindex-from-storage path available rather than orphaned index rows
	// with nothing backing their hydration.
	doc.ChunkCount = len(storeChunks)
	if err := p.meta.CommitDocument(ctx, doc, storeChunks); err != nil {
		return docID, fmt.Errorf("ingest: commit chunks: %w", err)
	}

	setPhase(progress.PhaseCommitting)

	if err := idx.Vector.Add(ctx, chunkIDs, vectors); err != nil {
		_ = idx.Lexical.Delete(ctx, chunkIDs)
		return fail(fmt.Sprintf("vector index add failed: %v", err))
	}
	if err := idx.Lexical.IndexBatch(ctx, toValueChunks(storeChunks)); err != nil {
		_ = idx.Vector.Delete(ctx, chunkIDs)
		return fail(fmt.Sprintf("lexical index add failed: %v", err))
	}

	doc.Status = store.DocStatusReady
	if err := p.meta.CommitDocument(ctx, doc, storeChunks); err != nil {
		return docID, fmt.Errorf("ingest: commit ready status: %w", err)
	}

	return docID, nil
}

func toValueChunks(chunks []*store.Chunk) []store.Chunk {
	out := make([]store.Chunk, len(chunks))
	for i, c := range chunks {
		out[i] = *c
	}
	return out
}

// detectFormat classifies a document by magic bytes, falling back to its
// filename extension.
func detectFormat(data []byte, filename string) store.DocumentFormat {
	switch {
	case bytes.HasPrefix(data, []byte("%PDF-")):
		return store.FormatPDF
	case len(data) >= 4 && bytes.Equal(data[:4], []byte{'P', 'K', 0x03, 0x04}) && bytes.Contains(data, []byte("word/document.xml")):
		return store.FormatDOCX
	case isImageMagic(data):
		return store.FormatImage
	}

	lower := extOf(filename)
	switch lower {
	case ".pdf":
		return store.FormatPDF
	case ".docx":
		return store.FormatDOCX
	case ".png", ".jpg", ".jpeg", ".tiff", ".tif", ".bmp":
		return store.FormatImage
	case ".txt", ".md", ".markdown", ".rst", ".log", ".csv", ".tsv", ".json", ".yaml", ".yml":
		return store.FormatText
	}
	return store.FormatOther
}

func isImageMagic(data []byte) bool {
	pngSig := []byte{0x89, 'P', 'N', 'G'}
	if len(data) >= 4 && bytes.Equal(data[:4], pngSig) {
		return true
	}
	return len(data) >= 3 && data[0] == 0xFF && data[1] == 0xD8 && data[2] == 0xFF
}

func extOf(filename string) string {
	for i := len(filename) - 1; i >= 0; i-- {
		if filename[i] == '.' {
			return toLower(filename[i:])
		}
		if filename[i] == '/' {
			break
		}
	}
	return ""
}

func toLower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}
