// Package reindex implements the shadow-index build and atomic swap: it
// re-extracts, re-chunks, and re-embeds every document in a KB against a
// changed configuration, then publishes the result without ever leaving
// the live indices in a half-written state.
package reindex

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/Coder-Upsilon/little-kb/internal/chunk"
	"github.com/Coder-Upsilon/little-kb/internal/embed"
	"github.com/Coder-Upsilon/little-kb/internal/extract"
	"github.com/Coder-Upsilon/little-kb/internal/progress"
	"github.com/Coder-Upsilon/little-kb/internal/store"
)

// ErrReindexInProgress is returned when a reindex is already running for a KB:
// only one reindex per KB may run at a time.
var ErrReindexInProgress = store.ErrConflict{Reason: "a reindex is already in progress for this KB"}

// Result carries the freshly built, already-swapped-in live index handles
// the caller (the supervisor or whatever owns the KB's live indices) must
// adopt in place of its old ones.
type Result struct {
	Vector     store.VectorStore
	Lexical    store.LexicalIndex
	Generation uint64
}

// Controller runs reindex operations. Grounded on internal/async/indexer.go's
// lock-file + progress-snapshot pattern (one mutex per KB replaces the
// teacher's single global indexing.lock, same reasoning internal/ingest uses)
// and internal/store/hnsw.go's Rename/atomic-save convention for the swap.
type Controller struct {
	meta       store.MetadataStore
	extractors *extract.Registry
	dataDir    string

	locks sync.Map // kbID -> *sync.Mutex
}

// New creates a reindex controller rooted at dataDir, the directory holding
// each KB's index files.
func New(meta store.MetadataStore, extractors *extract.Registry, dataDir string) *Controller {
	return &Controller{meta: meta, extractors: extractors, dataDir: dataDir}
}

func (c *Controller) lockFor(kbID string) *sync.Mutex {
	v, _ := c.locks.LoadOrStore(kbID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// stagedDoc is one document's pending reindex outcome: its new chunk rows
// already live in the shadow indices and additively inserted into metadata
// (see Controller.reindexDocument), plus the old chunk ids they'll replace
// once the swap makes it safe to retire them.
type stagedDoc struct {
	doc           *store.Document
	newChunkIDs   []string
	staleChunkIDs []string
}

// Reindex rebuilds kb's vector and lexical indices from scratch using
// embedder and the KB's current chunking config, then atomically swaps them
// into place. The returned Result's handles are the new live indices; the
// caller is responsible for retiring its old handles once any in-flight
// reads against them complete.
//
// Per-document metadata writes are staged additively (new chunk rows beside
// the old ones, see reindexDocument) for the entire build phase, so a
// concurrent query against the still-live pre-swap index keeps resolving its
// chunk ids the whole time. Nothing about the live index or the live
// document/chunk rows a query can already see is mutated until after the
// shadow indices are fully built and swapped in; only then are the staged
// rows finalized (old chunk rows deleted, document rows updated) and, on any
// failure before that point, the staged rows are rolled back instead,
// leaving live metadata exactly as it was.
func (c *Controller) Reindex(ctx context.Context, kb *store.KnowledgeBase, embedder embed.Embedder, prog *progress.Reindex) (*Result, error) {
	lock := c.lockFor(kb.ID)
	if !lock.TryLock() {
		return nil, ErrReindexInProgress
	}
	defer lock.Unlock()

	docs, err := c.meta.ListDocuments(ctx, kb.ID)
	if err != nil {
		return nil, fmt.Errorf("reindex: list documents: %w", err)
	}

	kbDir := filepath.Join(c.dataDir, kb.ID)
	if err := os.MkdirAll(kbDir, 0755); err != nil {
		return nil, fmt.Errorf("reindex: create kb dir: %w", err)
	}

	backend := kb.Config.LexicalBackend
	liveVectorPath := filepath.Join(kbDir, "vectors.hnsw")
	liveLexicalPath := store.LexicalIndexPath(filepath.Join(kbDir, "lexical"), backend)
	shadowVectorPath := filepath.Join(kbDir, "vectors.hnsw.shadow")
	shadowLexicalPath := store.LexicalIndexPath(filepath.Join(kbDir, "lexical.shadow"), backend)
	_ = os.RemoveAll(shadowVectorPath)
	_ = os.RemoveAll(shadowVectorPath + ".meta")
	_ = os.RemoveAll(shadowLexicalPath)

	shadowVector, err := store.NewHNSWStore(store.DefaultVectorStoreConfig(embedder.Dimensions()))
	if err != nil {
		return nil, fmt.Errorf("reindex: create shadow vector index: %w", err)
	}
	shadowLexical, err := store.NewLexicalIndex(filepath.Join(kbDir, "lexical.shadow"), backend, store.DefaultProseStopWords, kb.Config.BM25K1, kb.Config.BM25B)
	if err != nil {
		_ = shadowVector.Close()
		return nil, fmt.Errorf("reindex: create shadow lexical index: %w", err)
	}

	if prog == nil {
		prog = progress.NewReindex(len(docs))
	}

	var staged []stagedDoc
	rollbackStaged := func() {
		for _, sd := range staged {
			if err := c.meta.DeleteChunksByIDs(context.Background(), sd.newChunkIDs); err != nil {
				slog.Error("reindex_rollback_failed", slog.String("document_id", sd.doc.ID), slog.String("error", err.Error()))
			}
		}
	}

	for _, doc := range docs {
		prog.SetCurrentFile(doc.Filename)
		sd, ok := c.reindexDocument(ctx, kb, doc, embedder, shadowVector, shadowLexical, prog)
		prog.MarkDocumentDone(ok)
		if ok {
			staged = append(staged, sd)
		}

		select {
		case <-ctx.Done():
			rollbackStaged()
			_ = shadowVector.Close()
			_ = shadowLexical.Close()
			_ = os.RemoveAll(shadowLexicalPath)
			prog.Fail(ctx.Err().Error())
			return nil, ctx.Err()
		default:
		}
	}

	if err := shadowVector.Save(shadowVectorPath); err != nil {
		rollbackStaged()
		_ = shadowVector.Close()
		_ = shadowLexical.Close()
		_ = os.RemoveAll(shadowLexicalPath)
		prog.Fail(err.Error())
		return nil, fmt.Errorf("reindex: save shadow vector index: %w", err)
	}

	// Atomic swap: retire the live files by renaming the shadow over them.
	// The vector store's own Rename relocates its files; the lexical index,
	// whose interface has no Rename method, is closed and its on-disk
	// path (a single file for sqlite, a directory for bleve) renamed
	// directly, then reopened at the live path.
	if err := shadowLexical.Close(); err != nil {
		slog.Warn("reindex_shadow_lexical_close_failed", slog.String("kb_id", kb.ID), slog.String("error", err.Error()))
	}
	_ = os.RemoveAll(liveLexicalPath)
	if err := os.Rename(shadowLexicalPath, liveLexicalPath); err != nil {
		rollbackStaged()
		_ = shadowVector.Close()
		prog.Fail(err.Error())
		return nil, fmt.Errorf("reindex: swap lexical index: %w", err)
	}
	liveLexical, err := store.NewLexicalIndex(filepath.Join(kbDir, "lexical"), backend, store.DefaultProseStopWords, kb.Config.BM25K1, kb.Config.BM25B)
	if err != nil {
		rollbackStaged()
		_ = shadowVector.Close()
		prog.Fail(err.Error())
		return nil, fmt.Errorf("reindex: reopen live lexical index: %w", err)
	}

	_ = os.Remove(liveVectorPath)
	_ = os.Remove(liveVectorPath + ".meta")
	if err := shadowVector.Rename(liveVectorPath); err != nil {
		rollbackStaged()
		_ = liveLexical.Close()
		prog.Fail(err.Error())
		return nil, fmt.Errorf("reindex: swap vector index: %w", err)
	}

	// The index files are now live under the new generation's chunk ids; only
	// past this point can the old generation's rows be safely retired.
	for _, sd := range staged {
		if err := c.meta.FinalizeReindexedDocument(ctx, sd.doc, sd.staleChunkIDs); err != nil {
			slog.Error("reindex_finalize_failed", slog.String("document_id", sd.doc.ID), slog.String("error", err.Error()))
		}
	}

	gen, err := c.meta.BumpGeneration(ctx, kb.ID)
	if err != nil {
		slog.Warn("reindex_bump_generation_failed", slog.String("kb_id", kb.ID), slog.String("error", err.Error()))
	}

	prog.Complete()
	return &Result{Vector: shadowVector, Lexical: liveLexical, Generation: gen}, nil
}

// reindexDocument re-extracts, re-chunks, and re-embeds one document from its
// original blob, writing fresh chunk rows into the shadow indices and,
// additively, into metadata alongside the document's current (pre-reindex)
// chunk rows. It never deletes or replaces anything a concurrent query
// against the live index could still be resolving. Returns ok=false (without
// aborting the whole reindex) on a per-document failure, mirroring
// internal/ingest.Pipeline's handling of a single bad document; the caller
// must not stage or finalize a failed document.
func (c *Controller) reindexDocument(ctx context.Context, kb *store.KnowledgeBase, doc *store.Document, embedder embed.Embedder, shadowVector store.VectorStore, shadowLexical store.LexicalIndex, prog *progress.Reindex) (stagedDoc, bool) {
	staleChunks, err := c.meta.GetChunksByDocument(ctx, doc.ID)
	if err != nil {
		slog.Error("reindex_list_chunks_failed", slog.String("document_id", doc.ID), slog.String("error", err.Error()))
		return stagedDoc{}, false
	}
	staleChunkIDs := make([]string, len(staleChunks))
	for i, ch := range staleChunks {
		staleChunkIDs[i] = ch.ID
	}

	data, err := c.meta.OpenBlob(ctx, kb.ID, doc.ID)
	if err != nil {
		slog.Error("reindex_open_blob_failed", slog.String("document_id", doc.ID), slog.String("error", err.Error()))
		return stagedDoc{}, false
	}

	extractor := c.extractors.For(data, doc.Filename)
	if extractor == nil {
		slog.Error("reindex_no_extractor", slog.String("document_id", doc.ID))
		return stagedDoc{}, false
	}

	segCh, errc := extractor.Extract(ctx, bytes.NewReader(data))
	chunker := chunk.New(chunk.Options{
		MaxTokens:      kb.Config.ChunkSize,
		OverlapTokens:  kb.Config.ChunkOverlap,
		OverlapEnabled: kb.Config.OverlapEnabled,
	})
	chunks, chunkErr := chunker.Chunk(ctx, segCh)
	if extractErr := <-errc; extractErr != nil {
		slog.Error("reindex_extract_failed", slog.String("document_id", doc.ID), slog.String("error", extractErr.Error()))
		return stagedDoc{}, false
	}
	if chunkErr != nil {
		slog.Error("reindex_chunk_failed", slog.String("document_id", doc.ID), slog.String("error", chunkErr.Error()))
		return stagedDoc{}, false
	}

	newDoc := *doc
	if len(chunks) == 0 {
		newDoc.ChunkCount = 0
		newDoc.Status = store.DocStatusReady
		return stagedDoc{doc: &newDoc, staleChunkIDs: staleChunkIDs}, true
	}

	texts := make([]string, len(chunks))
	for i, ch := range chunks {
		texts[i] = ch.Text
	}
	vectors, err := embedder.EmbedBatch(ctx, texts)
	if err != nil {
		slog.Error("reindex_embed_failed", slog.String("document_id", doc.ID), slog.String("error", err.Error()))
		return stagedDoc{}, false
	}
	if len(vectors) != len(chunks) {
		slog.Error("reindex_embed_count_mismatch", slog.String("document_id", doc.ID))
		return stagedDoc{}, false
	}

	storeChunks := make([]*store.Chunk, len(chunks))
	chunkIDs := make([]string, len(chunks))
	for i, ch := range chunks {
		id := uuid.NewString()
		chunkIDs[i] = id
		storeChunks[i] = &store.Chunk{
			ID:            id,
			DocumentID:    doc.ID,
			KBID:          kb.ID,
			SequenceIndex: ch.SequenceIndex,
			Text:          ch.Text,
			TokenCount:    ch.TokenCount,
			Hints:         store.ChunkHints{Page: ch.Hints.Page, Paragraph: ch.Hints.Paragraph},
			CreatedAt:     doc.IngestedAt,
		}
	}

	if err := c.meta.InsertReindexChunks(ctx, storeChunks); err != nil {
		slog.Error("reindex_stage_chunks_failed", slog.String("document_id", doc.ID), slog.String("error", err.Error()))
		return stagedDoc{}, false
	}

	if err := shadowVector.Add(ctx, chunkIDs, vectors); err != nil {
		_ = c.meta.DeleteChunksByIDs(ctx, chunkIDs)
		slog.Error("reindex_vector_add_failed", slog.String("document_id", doc.ID), slog.String("error", err.Error()))
		return stagedDoc{}, false
	}
	valueChunks := make([]store.Chunk, len(storeChunks))
	for i, ch := range storeChunks {
		valueChunks[i] = *ch
	}
	if err := shadowLexical.IndexBatch(ctx, valueChunks); err != nil {
		_ = shadowVector.Delete(ctx, chunkIDs)
		_ = c.meta.DeleteChunksByIDs(ctx, chunkIDs)
		slog.Error("reindex_lexical_add_failed", slog.String("document_id", doc.ID), slog.String("error", err.Error()))
		return stagedDoc{}, false
	}

	newDoc.ChunkCount = len(storeChunks)
	newDoc.Status = store.DocStatusReady
	return stagedDoc{doc: &newDoc, newChunkIDs: chunkIDs, staleChunkIDs: staleChunkIDs}, true
}
