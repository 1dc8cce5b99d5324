package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "modernc.org/sqlite" // pure-Go SQLite driver, no CGO
)

// SQLiteLexicalIndex implements LexicalIndex over SQLite FTS5, used purely as
// a postings store: FTS5's MATCH narrows candidates, but the final BM25
// score is computed application-side with the KB's current k1/b so that
// retrieval-only parameter changes apply immediately without reindexing.
// WAL mode gives concurrent multi-process read access.
type SQLiteLexicalIndex struct {
	mu        sync.RWMutex
	db        *sql.DB
	path      string
	stopWords map[string]struct{}
	k1        float64
	b         float64
	closed    bool
}

var _ LexicalIndex = (*SQLiteLexicalIndex)(nil)

// validateSQLiteIntegrity checks an existing lexical index file before
// opening it, mirroring the teacher's corruption-detection pattern.
func validateSQLiteIntegrity(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	db, err := sql.Open("sqlite", path+"?mode=ro")
	if err != nil {
		return fmt.Errorf("cannot open for validation: %w", err)
	}
	defer db.Close()

	var result string
	if err := db.QueryRow("PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("integrity check failed: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("database corrupted: %s", result)
	}

	var count int
	err = db.QueryRow(`SELECT COUNT(*) FROM sqlite_master
                       WHERE type='table' AND name='fts_content'`).Scan(&count)
	if err != nil {
		return fmt.Errorf("cannot query schema: %w", err)
	}
	if count == 0 {
		return fmt.Errorf("FTS5 table 'fts_content' missing")
	}

	return nil
}

// NewSQLiteLexicalIndex opens or creates a lexical index at path. An empty
// path creates an in-memory index (used by tests). k1/b seed the scoring
// parameters; SetScoringParams can change them later without reopening.
func NewSQLiteLexicalIndex(path string, stopWords []string, k1, b float64) (*SQLiteLexicalIndex, error) {
	var dsn string
	if path == "" {
		dsn = ":memory:"
	} else {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}

		if validErr := validateSQLiteIntegrity(path); validErr != nil {
			slog.Warn("lexical_index_corrupted",
				slog.String("path", path),
				slog.String("error", validErr.Error()))

			if removeErr := os.Remove(path); removeErr != nil && !os.IsNotExist(removeErr) {
				return nil, fmt.Errorf("lexical index corrupted at %s and cannot remove: %w (original error: %v)", path, removeErr, validErr)
			}
			_ = os.Remove(path + "-wal")
			_ = os.Remove(path + "-shm")

			slog.Info("lexical_index_cleared",
				slog.String("path", path),
				slog.String("reason", "corruption detected, index recreated empty"))
		}

		dsn = path + "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA cache_size = -65536",
		"PRAGMA temp_store = MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	idx := &SQLiteLexicalIndex{
		db:        db,
		path:      path,
		stopWords: BuildStopWordMap(stopWords),
		k1:        k1,
		b:         b,
	}

	if err := idx.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return idx, nil
}

func (s *SQLiteLexicalIndex) initSchema() error {
	schema := `
	CREATE VIRTUAL TABLE IF NOT EXISTS fts_content USING fts5(
		doc_id UNINDEXED,
		content,
		tokenize='unicode61'
	);

	CREATE TABLE IF NOT EXISTS term_postings (
		term   TEXT NOT NULL,
		doc_id TEXT NOT NULL,
		tf     INTEGER NOT NULL,
		PRIMARY KEY (term, doc_id)
	);
	CREATE INDEX IF NOT EXISTS idx_term_postings_term ON term_postings(term);

	CREATE TABLE IF NOT EXISTS doc_lengths (
		doc_id TEXT PRIMARY KEY,
		length INTEGER NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteLexicalIndex) tokenize(text string) []string {
	tokens := TokenizeText(text)
	return FilterStopWords(tokens, s.stopWords)
}

// Index adds or replaces a single chunk's postings.
func (s *SQLiteLexicalIndex) Index(ctx context.Context, chunkID, text string) error {
	return s.IndexBatch(ctx, []Chunk{{ID: chunkID, Text: text}})
}

// IndexBatch adds or replaces postings for a batch of chunks.
func (s *SQLiteLexicalIndex) IndexBatch(ctx context.Context, chunks []Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("index is closed")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	deleteFTS, err := tx.PrepareContext(ctx, `DELETE FROM fts_content WHERE doc_id = ?`)
	if err != nil {
		return fmt.Errorf("prepare delete fts: %w", err)
	}
	defer deleteFTS.Close()

	insertFTS, err := tx.PrepareContext(ctx, `INSERT INTO fts_content(doc_id, content) VALUES (?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert fts: %w", err)
	}
	defer insertFTS.Close()

	deletePostings, err := tx.PrepareContext(ctx, `DELETE FROM term_postings WHERE doc_id = ?`)
	if err != nil {
		return fmt.Errorf("prepare delete postings: %w", err)
	}
	defer deletePostings.Close()

	insertPosting, err := tx.PrepareContext(ctx,
		`INSERT INTO term_postings(term, doc_id, tf) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert posting: %w", err)
	}
	defer insertPosting.Close()

	upsertLength, err := tx.PrepareContext(ctx,
		`INSERT INTO doc_lengths(doc_id, length) VALUES (?, ?)
		 ON CONFLICT(doc_id) DO UPDATE SET length = excluded.length`)
	if err != nil {
		return fmt.Errorf("prepare upsert length: %w", err)
	}
	defer upsertLength.Close()

	for _, chunk := range chunks {
		tokens := s.tokenize(chunk.Text)

		if _, err := deleteFTS.ExecContext(ctx, chunk.ID); err != nil {
			return fmt.Errorf("delete existing fts row %s: %w", chunk.ID, err)
		}
		if _, err := deletePostings.ExecContext(ctx, chunk.ID); err != nil {
			return fmt.Errorf("delete existing postings %s: %w", chunk.ID, err)
		}

		if _, err := insertFTS.ExecContext(ctx, chunk.ID, strings.Join(tokens, " ")); err != nil {
			return fmt.Errorf("insert fts row %s: %w", chunk.ID, err)
		}

		tf := make(map[string]int, len(tokens))
		for _, t := range tokens {
			tf[t]++
		}
		for term, count := range tf {
			if _, err := insertPosting.ExecContext(ctx, term, chunk.ID, count); err != nil {
				return fmt.Errorf("insert posting %s/%s: %w", term, chunk.ID, err)
			}
		}

		if _, err := upsertLength.ExecContext(ctx, chunk.ID, len(tokens)); err != nil {
			return fmt.Errorf("upsert doc length %s: %w", chunk.ID, err)
		}
	}

	return tx.Commit()
}

// Search returns chunks matching query, scored by BM25 with the index's
// current k1/b.
func (s *SQLiteLexicalIndex) Search(ctx context.Context, queryStr string, limit int) ([]*BM25Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, fmt.Errorf("index is closed")
	}
	if strings.TrimSpace(queryStr) == "" {
		return []*BM25Result{}, nil
	}

	queryTerms := s.tokenize(queryStr)
	if len(queryTerms) == 0 {
		return []*BM25Result{}, nil
	}
	// dedupe query terms
	seen := make(map[string]struct{}, len(queryTerms))
	uniqueTerms := make([]string, 0, len(queryTerms))
	for _, t := range queryTerms {
		if _, ok := seen[t]; !ok {
			seen[t] = struct{}{}
			uniqueTerms = append(uniqueTerms, t)
		}
	}

	// FTS5 MATCH with OR so documents containing ANY query term are
	// candidates (BM25 is a union ranking, not an intersection filter).
	matchExpr := strings.Join(uniqueTerms, " OR ")
	rows, err := s.db.QueryContext(ctx,
		`SELECT doc_id FROM fts_content WHERE content MATCH ?`, matchExpr)
	if err != nil {
		if strings.Contains(err.Error(), "fts5:") || strings.Contains(err.Error(), "syntax error") {
			return []*BM25Result{}, nil
		}
		return nil, fmt.Errorf("candidate search failed: %w", err)
	}
	var candidates []string
	for rows.Next() {
		var docID string
		if err := rows.Scan(&docID); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan candidate: %w", err)
		}
		candidates = append(candidates, docID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return []*BM25Result{}, nil
	}

	var totalDocs int
	var totalLen float64
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(length), 0) FROM doc_lengths`).Scan(&totalDocs, &totalLen); err != nil {
		return nil, fmt.Errorf("corpus stats: %w", err)
	}
	if totalDocs == 0 {
		return []*BM25Result{}, nil
	}
	avgDocLen := totalLen / float64(totalDocs)
	if avgDocLen == 0 {
		avgDocLen = 1
	}

	idf := make(map[string]float64, len(uniqueTerms))
	for _, term := range uniqueTerms {
		var df int
		if err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(DISTINCT doc_id) FROM term_postings WHERE term = ?`, term).Scan(&df); err != nil {
			return nil, fmt.Errorf("df lookup for %q: %w", term, err)
		}
		idf[term] = math.Log(1 + (float64(totalDocs)-float64(df)+0.5)/(float64(df)+0.5))
	}

	termPlaceholders := make([]string, len(uniqueTerms))
	termArgs := make([]any, len(uniqueTerms))
	for i, t := range uniqueTerms {
		termPlaceholders[i] = "?"
		termArgs[i] = t
	}
	docPlaceholders := make([]string, len(candidates))
	docArgs := make([]any, len(candidates))
	for i, d := range candidates {
		docPlaceholders[i] = "?"
		docArgs[i] = d
	}

	args := append(append([]any{}, termArgs...), docArgs...)
	tfQuery := fmt.Sprintf(
		`SELECT term, doc_id, tf FROM term_postings WHERE term IN (%s) AND doc_id IN (%s)`,
		strings.Join(termPlaceholders, ","), strings.Join(docPlaceholders, ","))
	tfRows, err := s.db.QueryContext(ctx, tfQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("tf lookup: %w", err)
	}
	defer tfRows.Close()

	docLengths := make(map[string]float64, len(candidates))
	lenQuery := fmt.Sprintf(`SELECT doc_id, length FROM doc_lengths WHERE doc_id IN (%s)`,
		strings.Join(docPlaceholders, ","))
	lenRows, err := s.db.QueryContext(ctx, lenQuery, docArgs...)
	if err != nil {
		return nil, fmt.Errorf("doc length lookup: %w", err)
	}
	for lenRows.Next() {
		var docID string
		var length float64
		if err := lenRows.Scan(&docID, &length); err != nil {
			lenRows.Close()
			return nil, err
		}
		docLengths[docID] = length
	}
	lenRows.Close()
	if err := lenRows.Err(); err != nil {
		return nil, err
	}

	k1 := s.k1
	b := s.b
	scores := make(map[string]float64, len(candidates))
	for tfRows.Next() {
		var term, docID string
		var tf int
		if err := tfRows.Scan(&term, &docID, &tf); err != nil {
			return nil, err
		}
		docLen := docLengths[docID]
		denom := float64(tf) + k1*(1-b+b*docLen/avgDocLen)
		if denom == 0 {
			continue
		}
		scores[docID] += idf[term] * (float64(tf) * (k1 + 1)) / denom
	}
	if err := tfRows.Err(); err != nil {
		return nil, err
	}

	results := make([]*BM25Result, 0, len(scores))
	for docID, score := range scores {
		results = append(results, &BM25Result{ChunkID: docID, Score: score})
	}

	sortBM25Results(results)
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// SetScoringParams updates k1/b used by Search, effective immediately.
func (s *SQLiteLexicalIndex) SetScoringParams(k1, b float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.k1 = k1
	s.b = b
}

// Delete removes chunks from the index.
func (s *SQLiteLexicalIndex) Delete(ctx context.Context, chunkIDs []string) error {
	if len(chunkIDs) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("index is closed")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	placeholders := make([]string, len(chunkIDs))
	args := make([]any, len(chunkIDs))
	for i, id := range chunkIDs {
		placeholders[i] = "?"
		args[i] = id
	}
	inClause := strings.Join(placeholders, ",")

	for _, table := range []string{"fts_content", "term_postings", "doc_lengths"} {
		q := fmt.Sprintf("DELETE FROM %s WHERE doc_id IN (%s)", table, inClause)
		if _, err := tx.ExecContext(ctx, q, args...); err != nil {
			return fmt.Errorf("delete from %s: %w", table, err)
		}
	}

	return tx.Commit()
}

// DeleteByDocument is a thin alias over Delete; callers pass the document's
// chunk IDs resolved from the metadata store.
func (s *SQLiteLexicalIndex) DeleteByDocument(ctx context.Context, chunkIDs []string) error {
	return s.Delete(ctx, chunkIDs)
}

// AllIDs returns all indexed chunk IDs.
func (s *SQLiteLexicalIndex) AllIDs(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, fmt.Errorf("index is closed")
	}

	rows, err := s.db.QueryContext(ctx, `SELECT doc_id FROM doc_lengths ORDER BY doc_id`)
	if err != nil {
		return nil, fmt.Errorf("query ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Stats returns index statistics.
func (s *SQLiteLexicalIndex) Stats() IndexStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return IndexStats{}
	}

	var count int
	var totalLen float64
	_ = s.db.QueryRow(`SELECT COUNT(*), COALESCE(SUM(length),0) FROM doc_lengths`).Scan(&count, &totalLen)

	avg := 0.0
	if count > 0 {
		avg = totalLen / float64(count)
	}
	return IndexStats{DocumentCount: count, AvgDocLength: avg}
}

// Close closes the index, checkpointing the WAL first.
func (s *SQLiteLexicalIndex) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	if s.db != nil {
		_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
		return s.db.Close()
	}
	return nil
}

func sortBM25Results(results []*BM25Result) {
	// insertion sort is fine: candidate sets per query are small relative to
	// corpus size, and this keeps ties stable for the caller's tie-break.
	for i := 1; i < len(results); i++ {
		j := i
		for j > 0 && less(results[j], results[j-1]) {
			results[j], results[j-1] = results[j-1], results[j]
			j--
		}
	}
}

func less(a, b *BM25Result) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	return a.ChunkID < b.ChunkID
}
