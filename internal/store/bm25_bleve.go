package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/mapping"
)

// BleveLexicalIndex implements LexicalIndex over Bleve v2, the secondary
// lexical backend selectable via KBConfig.LexicalBackend. Unlike the SQLite
// backend, Bleve's BoltDB storage takes an exclusive file lock, so a
// Bleve-backed KB only tolerates a single process at a time; the SQLite
// backend remains the default for that reason.
type BleveLexicalIndex struct {
	mu     sync.RWMutex
	index  bleve.Index
	path   string
	closed bool
}

// bleveChunkDoc is the document shape indexed into Bleve; Content is the
// only field Search queries against.
type bleveChunkDoc struct {
	Content string `json:"content"`
}

var _ LexicalIndex = (*BleveLexicalIndex)(nil)

// validateBleveIntegrity checks an existing Bleve index directory before
// opening it, mirroring the teacher's BUG-049 corruption-detection pattern.
func validateBleveIntegrity(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	metaPath := filepath.Join(path, "index_meta.json")
	info, err := os.Stat(metaPath)
	if os.IsNotExist(err) {
		return fmt.Errorf("index_meta.json missing (corrupted index)")
	}
	if err != nil {
		return fmt.Errorf("cannot stat index_meta.json: %w", err)
	}
	if info.Size() == 0 {
		return fmt.Errorf("index_meta.json is empty (corrupted)")
	}

	data, err := os.ReadFile(metaPath)
	if err != nil {
		return fmt.Errorf("cannot read index_meta.json: %w", err)
	}
	var meta map[string]any
	if err := json.Unmarshal(data, &meta); err != nil {
		return fmt.Errorf("index_meta.json is corrupt: %w", err)
	}

	return nil
}

// isBleveCorruptionError pattern-matches the error strings Bleve returns
// for a damaged on-disk index.
func isBleveCorruptionError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "unexpected end of JSON") ||
		strings.Contains(errStr, "error parsing mapping JSON") ||
		strings.Contains(errStr, "failed to load segment") ||
		strings.Contains(errStr, "error opening bolt") ||
		err == bleve.ErrorIndexMetaCorrupt
}

// bleveChunkMapping builds the index mapping for chunk documents. Prose
// chunks use Bleve's built-in standard English analyzer, unlike the
// teacher's code-aware custom tokenizer, which targeted source identifiers
// rather than natural-language text.
func bleveChunkMapping() *mapping.IndexMappingImpl {
	m := bleve.NewIndexMapping()
	m.DefaultAnalyzer = "en"
	return m
}

// NewBleveLexicalIndex opens or creates a Bleve-backed lexical index at
// path. An empty path creates an in-memory index. k1/b are accepted for
// interface symmetry with the SQLite backend but have no effect; see
// SetScoringParams.
func NewBleveLexicalIndex(path string, stopWords []string, k1, b float64) (*BleveLexicalIndex, error) {
	indexMapping := bleveChunkMapping()

	var idx bleve.Index
	var err error
	if path == "" {
		idx, err = bleve.NewMemOnly(indexMapping)
	} else {
		dir := filepath.Dir(path)
		if mkErr := os.MkdirAll(dir, 0755); mkErr != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, mkErr)
		}

		if validErr := validateBleveIntegrity(path); validErr != nil {
			slog.Warn("lexical_index_corrupted",
				slog.String("path", path), slog.String("error", validErr.Error()))
			if removeErr := os.RemoveAll(path); removeErr != nil {
				return nil, fmt.Errorf("lexical index corrupted at %s and cannot remove: %w (original error: %v)", path, removeErr, validErr)
			}
			slog.Info("lexical_index_cleared",
				slog.String("path", path), slog.String("reason", "corruption detected, index recreated empty"))
		}

		idx, err = bleve.Open(path)
		if err == bleve.ErrorIndexPathDoesNotExist {
			idx, err = bleve.New(path, indexMapping)
		} else if err != nil && isBleveCorruptionError(err) {
			slog.Warn("lexical_index_open_failed", slog.String("path", path), slog.String("error", err.Error()))
			if removeErr := os.RemoveAll(path); removeErr != nil {
				return nil, fmt.Errorf("lexical index corrupted, cannot clear: %w (original: %v)", removeErr, err)
			}
			slog.Info("lexical_index_cleared", slog.String("path", path), slog.String("reason", "open failed with corruption, index recreated empty"))
			idx, err = bleve.New(path, indexMapping)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create/open lexical index: %w", err)
	}

	return &BleveLexicalIndex{index: idx, path: path}, nil
}

// Index adds or replaces a single chunk's postings.
func (b *BleveLexicalIndex) Index(ctx context.Context, chunkID, text string) error {
	return b.IndexBatch(ctx, []Chunk{{ID: chunkID, Text: text}})
}

// IndexBatch adds or replaces postings for a batch of chunks.
func (b *BleveLexicalIndex) IndexBatch(ctx context.Context, chunks []Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return fmt.Errorf("index is closed")
	}

	batch := b.index.NewBatch()
	for _, c := range chunks {
		if err := batch.Index(c.ID, bleveChunkDoc{Content: c.Text}); err != nil {
			return fmt.Errorf("index chunk %s: %w", c.ID, err)
		}
	}
	if err := b.index.Batch(batch); err != nil {
		return fmt.Errorf("execute index batch: %w", err)
	}
	return nil
}

// Search returns chunks matching query, scored by Bleve's match query
// against the content field.
func (b *BleveLexicalIndex) Search(ctx context.Context, queryStr string, limit int) ([]*BM25Result, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, fmt.Errorf("index is closed")
	}
	if strings.TrimSpace(queryStr) == "" {
		return []*BM25Result{}, nil
	}

	q := bleve.NewMatchQuery(queryStr)
	q.SetField("content")

	req := bleve.NewSearchRequest(q)
	req.Size = limit
	if req.Size <= 0 {
		req.Size = 10
	}

	result, err := b.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}

	results := make([]*BM25Result, 0, len(result.Hits))
	for _, hit := range result.Hits {
		results = append(results, &BM25Result{ChunkID: hit.ID, Score: hit.Score})
	}
	return results, nil
}

// SetScoringParams is a no-op for the Bleve backend: Bleve's scorer is
// fixed at index-creation time and isn't exposed as a per-query-tunable
// k1/b the way the SQLite backend's application-side scoring is.
func (b *BleveLexicalIndex) SetScoringParams(k1, b2 float64) {}

// Delete removes chunks from the index.
func (b *BleveLexicalIndex) Delete(ctx context.Context, chunkIDs []string) error {
	if len(chunkIDs) == 0 {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return fmt.Errorf("index is closed")
	}

	batch := b.index.NewBatch()
	for _, id := range chunkIDs {
		batch.Delete(id)
	}
	if err := b.index.Batch(batch); err != nil {
		return fmt.Errorf("delete chunks: %w", err)
	}
	return nil
}

// DeleteByDocument is a thin alias over Delete; callers pass the document's
// chunk IDs resolved from the metadata store.
func (b *BleveLexicalIndex) DeleteByDocument(ctx context.Context, chunkIDs []string) error {
	return b.Delete(ctx, chunkIDs)
}

// AllIDs returns all indexed chunk IDs.
func (b *BleveLexicalIndex) AllIDs(ctx context.Context) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, fmt.Errorf("index is closed")
	}

	docCount, _ := b.index.DocCount()
	req := bleve.NewSearchRequest(bleve.NewMatchAllQuery())
	req.Size = int(docCount)
	req.Fields = nil

	result, err := b.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("list all ids: %w", err)
	}

	ids := make([]string, len(result.Hits))
	for i, hit := range result.Hits {
		ids[i] = hit.ID
	}
	return ids, nil
}

// Stats returns index statistics. Bleve doesn't expose average document
// length directly, so AvgDocLength is left at zero.
func (b *BleveLexicalIndex) Stats() IndexStats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return IndexStats{}
	}
	docCount, _ := b.index.DocCount()
	return IndexStats{DocumentCount: int(docCount)}
}

// Close closes the index.
func (b *BleveLexicalIndex) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	if b.index != nil {
		return b.index.Close()
	}
	return nil
}
