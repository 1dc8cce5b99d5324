package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver, no CGO
)

// SQLiteMetaStore implements MetadataStore over SQLite for structured rows
// and the local filesystem for document blobs, following the same
// WAL-mode/single-connection-pool setup as the lexical index so the two
// stores can share a data directory without lock contention surprises.
type SQLiteMetaStore struct {
	mu      sync.RWMutex
	db      *sql.DB
	blobDir string
	closed  bool
}

var _ MetadataStore = (*SQLiteMetaStore)(nil)

// NewSQLiteMetaStore opens or creates the metadata database at dbPath and
// stores document blobs under blobDir.
func NewSQLiteMetaStore(dbPath, blobDir string) (*SQLiteMetaStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
	}
	if err := os.MkdirAll(blobDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create blob directory %s: %w", blobDir, err)
	}

	dsn := dbPath + "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000"
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
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	s := &SQLiteMetaStore{db: db, blobDir: blobDir}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteMetaStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS kbs (
		id          TEXT PRIMARY KEY,
		name        TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		created_at  TEXT NOT NULL,
		config_json TEXT NOT NULL,
		generation  INTEGER NOT NULL DEFAULT 0,
		degraded    INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS documents (
		id           TEXT PRIMARY KEY,
		kb_id        TEXT NOT NULL,
		filename     TEXT NOT NULL,
		stored_path  TEXT NOT NULL DEFAULT '',
		format       TEXT NOT NULL,
		size         INTEGER NOT NULL DEFAULT 0,
		ingested_at  TEXT NOT NULL,
		chunk_count  INTEGER NOT NULL DEFAULT 0,
		status       TEXT NOT NULL,
		fail_reason  TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_documents_kb ON documents(kb_id);

	CREATE TABLE IF NOT EXISTS chunks (
		id             TEXT PRIMARY KEY,
		document_id    TEXT NOT NULL,
		kb_id          TEXT NOT NULL,
		sequence_index INTEGER NOT NULL,
		text           TEXT NOT NULL,
		token_count    INTEGER NOT NULL,
		hint_page      INTEGER NOT NULL DEFAULT 0,
		hint_paragraph INTEGER NOT NULL DEFAULT 0,
		created_at     TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_chunks_document ON chunks(document_id);
	CREATE INDEX IF NOT EXISTS idx_chunks_kb ON chunks(kb_id);

	CREATE TABLE IF NOT EXISTS kv_state (
		kb_id TEXT NOT NULL,
		key   TEXT NOT NULL,
		value TEXT NOT NULL,
		PRIMARY KEY (kb_id, key)
	);

	CREATE TABLE IF NOT EXISTS tool_servers (
		id                TEXT PRIMARY KEY,
		name              TEXT NOT NULL,
		instructions      TEXT NOT NULL DEFAULT '',
		port              INTEGER NOT NULL DEFAULT 0,
		enabled           INTEGER NOT NULL DEFAULT 1,
		kb_ids_json       TEXT NOT NULL DEFAULT '[]',
		tool_desc_json    TEXT NOT NULL DEFAULT '{}',
		param_desc_json   TEXT NOT NULL DEFAULT '{}',
		status            TEXT NOT NULL DEFAULT 'stopped',
		last_error        TEXT NOT NULL DEFAULT ''
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// ---- Knowledge base operations ----

func (s *SQLiteMetaStore) CreateKB(ctx context.Context, kb *KnowledgeBase) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfgJSON, err := json.Marshal(kb.Config)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO kbs (id, name, description, created_at, config_json, generation, degraded)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		kb.ID, kb.Name, kb.Description, kb.CreatedAt.UTC().Format(time.RFC3339Nano),
		string(cfgJSON), kb.Generation, boolToInt(kb.Degraded))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return ErrConflict{Reason: fmt.Sprintf("knowledge base %q already exists", kb.ID)}
		}
		return fmt.Errorf("insert kb: %w", err)
	}
	return nil
}

func (s *SQLiteMetaStore) GetKB(ctx context.Context, id string) (*KnowledgeBase, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, description, created_at, config_json, generation, degraded
		 FROM kbs WHERE id = ?`, id)
	kb, err := scanKB(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound{Kind: "knowledge base", ID: id}
	}
	return kb, err
}

func (s *SQLiteMetaStore) ListKBs(ctx context.Context) ([]*KnowledgeBase, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, description, created_at, config_json, generation, degraded
		 FROM kbs ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("query kbs: %w", err)
	}
	defer rows.Close()

	var out []*KnowledgeBase
	for rows.Next() {
		kb, err := scanKB(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, kb)
	}
	return out, rows.Err()
}

func (s *SQLiteMetaStore) UpdateKBConfig(ctx context.Context, id string, cfg KBConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfgJSON, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE kbs SET config_json = ? WHERE id = ?`, string(cfgJSON), id)
	if err != nil {
		return fmt.Errorf("update config: %w", err)
	}
	return requireOneRow(res, "knowledge base", id)
}

func (s *SQLiteMetaStore) RenameKB(ctx context.Context, id, newName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `UPDATE kbs SET name = ? WHERE id = ?`, newName, id)
	if err != nil {
		return fmt.Errorf("rename kb: %w", err)
	}
	return requireOneRow(res, "knowledge base", id)
}

func (s *SQLiteMetaStore) BumpGeneration(ctx context.Context, id string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var gen uint64
	if err := tx.QueryRowContext(ctx, `SELECT generation FROM kbs WHERE id = ?`, id).Scan(&gen); err != nil {
		if err == sql.ErrNoRows {
			return 0, ErrNotFound{Kind: "knowledge base", ID: id}
		}
		return 0, fmt.Errorf("select generation: %w", err)
	}
	gen++
	if _, err := tx.ExecContext(ctx, `UPDATE kbs SET generation = ? WHERE id = ?`, gen, id); err != nil {
		return 0, fmt.Errorf("update generation: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return gen, nil
}

func (s *SQLiteMetaStore) SetDegraded(ctx context.Context, id string, degraded bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `UPDATE kbs SET degraded = ? WHERE id = ?`, boolToInt(degraded), id)
	if err != nil {
		return fmt.Errorf("set degraded: %w", err)
	}
	if err := requireOneRow(res, "knowledge base", id); err != nil {
		return err
	}
	if degraded {
		slog.Warn("kb_marked_degraded", slog.String("kb_id", id))
	}
	return nil
}

func (s *SQLiteMetaStore) DeleteKB(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE kb_id = ?`, id); err != nil {
		return fmt.Errorf("delete chunks: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE kb_id = ?`, id); err != nil {
		return fmt.Errorf("delete documents: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM kv_state WHERE kb_id = ?`, id); err != nil {
		return fmt.Errorf("delete state: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM kbs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete kb: %w", err)
	}
	if err := requireOneRow(res, "knowledge base", id); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	if err := os.RemoveAll(filepath.Join(s.blobDir, id)); err != nil && !os.IsNotExist(err) {
		slog.Warn("kb_blob_cleanup_failed", slog.String("kb_id", id), slog.String("error", err.Error()))
	}
	return nil
}

func scanKB(row interface{ Scan(dest ...any) error }) (*KnowledgeBase, error) {
	var (
		kb         KnowledgeBase
		createdAt  string
		cfgJSON    string
		degradedInt int
	)
	if err := row.Scan(&kb.ID, &kb.Name, &kb.Description, &createdAt, &cfgJSON, &kb.Generation, &degradedInt); err != nil {
		return nil, err
	}
	ts, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	kb.CreatedAt = ts
	if err := json.Unmarshal([]byte(cfgJSON), &kb.Config); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	kb.Degraded = degradedInt != 0
	return &kb, nil
}

// ---- Blob operations ----

// PutBlob writes data atomically (temp file + rename) under blobDir/kbID/docID.
func (s *SQLiteMetaStore) PutBlob(ctx context.Context, kbID, docID string, data []byte) (string, error) {
	dir := filepath.Join(s.blobDir, kbID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create blob dir: %w", err)
	}
	finalPath := filepath.Join(dir, docID)
	tmpPath := finalPath + ".tmp"

	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return "", fmt.Errorf("write temp blob: %w", err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("rename blob: %w", err)
	}
	return finalPath, nil
}

func (s *SQLiteMetaStore) OpenBlob(ctx context.Context, kbID, docID string) ([]byte, error) {
	path := filepath.Join(s.blobDir, kbID, docID)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, ErrNotFound{Kind: "blob", ID: docID}
	}
	return data, err
}

func (s *SQLiteMetaStore) DeleteBlob(ctx context.Context, kbID, docID string) error {
	path := filepath.Join(s.blobDir, kbID, docID)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete blob: %w", err)
	}
	return nil
}

// ---- Document + chunk operations ----

// CommitDocument installs a document row and its chunks in one transaction,
// replacing any prior chunks for the same document id (re-ingest case), so
// a crash mid-write leaves either the old complete state or the new one,
// never a partial mix.
func (s *SQLiteMetaStore) CommitDocument(ctx context.Context, doc *Document, chunks []*Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE document_id = ?`, doc.ID); err != nil {
		return fmt.Errorf("clear old chunks: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO documents (id, kb_id, filename, stored_path, format, size, ingested_at, chunk_count, status, fail_reason)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			kb_id=excluded.kb_id, filename=excluded.filename, stored_path=excluded.stored_path,
			format=excluded.format, size=excluded.size, ingested_at=excluded.ingested_at,
			chunk_count=excluded.chunk_count, status=excluded.status, fail_reason=excluded.fail_reason`,
		doc.ID, doc.KBID, doc.Filename, doc.StoredPath, string(doc.Format), doc.Size,
		doc.IngestedAt.UTC().Format(time.RFC3339Nano), len(chunks), string(doc.Status), doc.FailReason)
	if err != nil {
		return fmt.Errorf("upsert document: %w", err)
	}

	insertChunk, err := tx.PrepareContext(ctx,
		`INSERT INTO chunks (id, document_id, kb_id, sequence_index, text, token_count, hint_page, hint_paragraph, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert chunk: %w", err)
	}
	defer insertChunk.Close()

	for _, c := range chunks {
		_, err := insertChunk.ExecContext(ctx, c.ID, c.DocumentID, c.KBID, c.SequenceIndex, c.Text,
			c.TokenCount, c.Hints.Page, c.Hints.Paragraph, c.CreatedAt.UTC().Format(time.RFC3339Nano))
		if err != nil {
			return fmt.Errorf("insert chunk %s: %w", c.ID, err)
		}
	}

	return tx.Commit()
}

// InsertReindexChunks inserts chunks as a new, additional generation for
// their documents without touching any existing chunk row or the documents
// table. Used mid-reindex so a concurrently running query against the
// not-yet-swapped live index keeps resolving its (old-generation) chunk ids
// through this same metadata store the whole time: nothing it depends on is
// deleted until FinalizeReindexedDocument runs, after the index swap.
func (s *SQLiteMetaStore) InsertReindexChunks(ctx context.Context, chunks []*Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	insertChunk, err := tx.PrepareContext(ctx,
		`INSERT INTO chunks (id, document_id, kb_id, sequence_index, text, token_count, hint_page, hint_paragraph, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert chunk: %w", err)
	}
	defer insertChunk.Close()

	for _, c := range chunks {
		_, err := insertChunk.ExecContext(ctx, c.ID, c.DocumentID, c.KBID, c.SequenceIndex, c.Text,
			c.TokenCount, c.Hints.Page, c.Hints.Paragraph, c.CreatedAt.UTC().Format(time.RFC3339Nano))
		if err != nil {
			return fmt.Errorf("insert reindex chunk %s: %w", c.ID, err)
		}
	}

	return tx.Commit()
}

// DeleteChunksByIDs removes the given chunk rows outright, independent of
// their document. Used both to roll back a reindex attempt's staged
// InsertReindexChunks rows on failure, and to retire the prior generation's
// rows from FinalizeReindexedDocument once it's safe to do so.
func (s *SQLiteMetaStore) DeleteChunksByIDs(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	q := fmt.Sprintf(`DELETE FROM chunks WHERE id IN (%s)`, strings.Join(placeholders, ","))
	if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("delete chunks by id: %w", err)
	}
	return nil
}

// FinalizeReindexedDocument retires a document's previous-generation chunk
// rows (staleChunkIDs) and upserts its document row to the new chunk count
// and status, in one transaction. Called only after the new generation's
// chunks are already live in the swapped-in vector/lexical index, so the
// delete here never removes a row a concurrent query could still need.
func (s *SQLiteMetaStore) FinalizeReindexedDocument(ctx context.Context, doc *Document, staleChunkIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if len(staleChunkIDs) > 0 {
		placeholders := make([]string, len(staleChunkIDs))
		args := make([]any, 0, len(staleChunkIDs))
		for i, id := range staleChunkIDs {
			placeholders[i] = "?"
			args = append(args, id)
		}
		q := fmt.Sprintf(`DELETE FROM chunks WHERE id IN (%s)`, strings.Join(placeholders, ","))
		if _, err := tx.ExecContext(ctx, q, args...); err != nil {
			return fmt.Errorf("delete stale chunks: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO documents (id, kb_id, filename, stored_path, format, size, ingested_at, chunk_count, status, fail_reason)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			kb_id=excluded.kb_id, filename=excluded.filename, stored_path=excluded.stored_path,
			format=excluded.format, size=excluded.size, ingested_at=excluded.ingested_at,
			chunk_count=excluded.chunk_count, status=excluded.status, fail_reason=excluded.fail_reason`,
		doc.ID, doc.KBID, doc.Filename, doc.StoredPath, string(doc.Format), doc.Size,
		doc.IngestedAt.UTC().Format(time.RFC3339Nano), doc.ChunkCount, string(doc.Status), doc.FailReason)
	if err != nil {
		return fmt.Errorf("upsert document: %w", err)
	}

	return tx.Commit()
}

func (s *SQLiteMetaStore) GetDocument(ctx context.Context, id string) (*Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		`SELECT id, kb_id, filename, stored_path, format, size, ingested_at, chunk_count, status, fail_reason
		 FROM documents WHERE id = ?`, id)
	doc, err := scanDocument(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound{Kind: "document", ID: id}
	}
	return doc, err
}

func (s *SQLiteMetaStore) ListDocuments(ctx context.Context, kbID string) ([]*Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, kb_id, filename, stored_path, format, size, ingested_at, chunk_count, status, fail_reason
		 FROM documents WHERE kb_id = ? ORDER BY ingested_at ASC`, kbID)
	if err != nil {
		return nil, fmt.Errorf("query documents: %w", err)
	}
	defer rows.Close()

	var out []*Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, rows.Err()
}

func (s *SQLiteMetaStore) MarkDocumentFailed(ctx context.Context, docID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE documents SET status = ?, fail_reason = ? WHERE id = ?`,
		string(DocStatusFailed), reason, docID)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return requireOneRow(res, "document", docID)
}

func (s *SQLiteMetaStore) DeleteDocument(ctx context.Context, docID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE document_id = ?`, docID); err != nil {
		return fmt.Errorf("delete chunks: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, docID)
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	if err := requireOneRow(res, "document", docID); err != nil {
		return err
	}
	return tx.Commit()
}

func scanDocument(row interface{ Scan(dest ...any) error }) (*Document, error) {
	var (
		doc        Document
		format     string
		ingestedAt string
		status     string
	)
	if err := row.Scan(&doc.ID, &doc.KBID, &doc.Filename, &doc.StoredPath, &format, &doc.Size,
		&ingestedAt, &doc.ChunkCount, &status, &doc.FailReason); err != nil {
		return nil, err
	}
	doc.Format = DocumentFormat(format)
	doc.Status = DocumentStatus(status)
	ts, err := time.Parse(time.RFC3339Nano, ingestedAt)
	if err != nil {
		return nil, fmt.Errorf("parse ingested_at: %w", err)
	}
	doc.IngestedAt = ts
	return &doc, nil
}

func (s *SQLiteMetaStore) GetChunk(ctx context.Context, id string) (*Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		`SELECT id, document_id, kb_id, sequence_index, text, token_count, hint_page, hint_paragraph, created_at
		 FROM chunks WHERE id = ?`, id)
	c, err := scanChunk(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound{Kind: "chunk", ID: id}
	}
	return c, err
}

func (s *SQLiteMetaStore) GetChunks(ctx context.Context, ids []string) ([]*Chunk, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	q := fmt.Sprintf(
		`SELECT id, document_id, kb_id, sequence_index, text, token_count, hint_page, hint_paragraph, created_at
		 FROM chunks WHERE id IN (%s)`, strings.Join(placeholders, ","))

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query chunks: %w", err)
	}
	defer rows.Close()

	byID := make(map[string]*Chunk, len(ids))
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		byID[c.ID] = c
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// preserve caller's requested order, dropping ids that no longer exist
	out := make([]*Chunk, 0, len(ids))
	for _, id := range ids {
		if c, ok := byID[id]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *SQLiteMetaStore) GetChunksByDocument(ctx context.Context, docID string) ([]*Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, document_id, kb_id, sequence_index, text, token_count, hint_page, hint_paragraph, created_at
		 FROM chunks WHERE document_id = ? ORDER BY sequence_index ASC`, docID)
	if err != nil {
		return nil, fmt.Errorf("query chunks: %w", err)
	}
	defer rows.Close()

	var out []*Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLiteMetaStore) CountChunks(ctx context.Context, kbID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks WHERE kb_id = ?`, kbID).Scan(&count)
	return count, err
}

func scanChunk(row interface{ Scan(dest ...any) error }) (*Chunk, error) {
	var (
		c         Chunk
		createdAt string
	)
	if err := row.Scan(&c.ID, &c.DocumentID, &c.KBID, &c.SequenceIndex, &c.Text, &c.TokenCount,
		&c.Hints.Page, &c.Hints.Paragraph, &createdAt); err != nil {
		return nil, err
	}
	ts, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	c.CreatedAt = ts
	return &c, nil
}

// ---- State (key-value) operations ----

func (s *SQLiteMetaStore) GetState(ctx context.Context, kbID, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM kv_state WHERE kb_id = ? AND key = ?`, kbID, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", ErrNotFound{Kind: "state key", ID: key}
	}
	return value, err
}

func (s *SQLiteMetaStore) SetState(ctx context.Context, kbID, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv_state (kb_id, key, value) VALUES (?, ?, ?)
		 ON CONFLICT(kb_id, key) DO UPDATE SET value = excluded.value`,
		kbID, key, value)
	return err
}

// ---- Tool server operations ----

func (s *SQLiteMetaStore) SaveToolServer(ctx context.Context, rec *ToolServerRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	kbIDs, err := json.Marshal(rec.KBIDs)
	if err != nil {
		return fmt.Errorf("marshal kb_ids: %w", err)
	}
	toolDesc, err := json.Marshal(rec.ToolDescriptions)
	if err != nil {
		return fmt.Errorf("marshal tool descriptions: %w", err)
	}
	paramDesc, err := json.Marshal(rec.ParamDescriptions)
	if err != nil {
		return fmt.Errorf("marshal param descriptions: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tool_servers (id, name, instructions, port, enabled, kb_ids_json, tool_desc_json, param_desc_json, status, last_error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			name=excluded.name, instructions=excluded.instructions, port=excluded.port,
			enabled=excluded.enabled, kb_ids_json=excluded.kb_ids_json,
			tool_desc_json=excluded.tool_desc_json, param_desc_json=excluded.param_desc_json,
			status=excluded.status, last_error=excluded.last_error`,
		rec.ID, rec.Name, rec.Instructions, rec.Port, boolToInt(rec.Enabled),
		string(kbIDs), string(toolDesc), string(paramDesc), string(rec.Status), rec.LastError)
	if err != nil {
		return fmt.Errorf("upsert tool server: %w", err)
	}
	return nil
}

func (s *SQLiteMetaStore) GetToolServer(ctx context.Context, id string) (*ToolServerRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, instructions, port, enabled, kb_ids_json, tool_desc_json, param_desc_json, status, last_error
		 FROM tool_servers WHERE id = ?`, id)
	rec, err := scanToolServer(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound{Kind: "tool server", ID: id}
	}
	return rec, err
}

func (s *SQLiteMetaStore) ListToolServers(ctx context.Context) ([]*ToolServerRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, instructions, port, enabled, kb_ids_json, tool_desc_json, param_desc_json, status, last_error
		 FROM tool_servers ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("query tool servers: %w", err)
	}
	defer rows.Close()

	var out []*ToolServerRecord
	for rows.Next() {
		rec, err := scanToolServer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteMetaStore) DeleteToolServer(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM tool_servers WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete tool server: %w", err)
	}
	return requireOneRow(res, "tool server", id)
}

func scanToolServer(row interface{ Scan(dest ...any) error }) (*ToolServerRecord, error) {
	var (
		rec                                 ToolServerRecord
		port, enabledInt                    int
		kbIDsJSON, toolDescJSON, paramDescJSON string
		status                               string
	)
	if err := row.Scan(&rec.ID, &rec.Name, &rec.Instructions, &port, &enabledInt,
		&kbIDsJSON, &toolDescJSON, &paramDescJSON, &status, &rec.LastError); err != nil {
		return nil, err
	}
	rec.Port = port
	rec.Enabled = enabledInt != 0
	rec.Status = ToolServerStatus(status)
	if err := json.Unmarshal([]byte(kbIDsJSON), &rec.KBIDs); err != nil {
		return nil, fmt.Errorf("unmarshal kb_ids: %w", err)
	}
	if err := json.Unmarshal([]byte(toolDescJSON), &rec.ToolDescriptions); err != nil {
		return nil, fmt.Errorf("unmarshal tool descriptions: %w", err)
	}
	if err := json.Unmarshal([]byte(paramDescJSON), &rec.ParamDescriptions); err != nil {
		return nil, fmt.Errorf("unmarshal param descriptions: %w", err)
	}
	return &rec, nil
}

// ---- Self-heal ----

// SelfHeal removes blob files left behind by a process that crashed between
// PutBlob and the CommitDocument transaction that should have referenced
// them, so no partial document survives a crash.
func (s *SQLiteMetaStore) SelfHeal(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	kbDirs, err := os.ReadDir(s.blobDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read blob dir: %w", err)
	}

	removed := 0
	for _, kbDir := range kbDirs {
		if !kbDir.IsDir() {
			continue
		}
		kbID := kbDir.Name()
		entries, err := os.ReadDir(filepath.Join(s.blobDir, kbID))
		if err != nil {
			slog.Warn("self_heal_scan_failed", slog.String("kb_id", kbID), slog.String("error", err.Error()))
			continue
		}
		for _, entry := range entries {
			name := entry.Name()
			if strings.HasSuffix(name, ".tmp") {
				_ = os.Remove(filepath.Join(s.blobDir, kbID, name))
				removed++
				continue
			}
			var exists int
			err := s.db.QueryRowContext(ctx,
				`SELECT COUNT(*) FROM documents WHERE id = ? AND kb_id = ?`, name, kbID).Scan(&exists)
			if err != nil {
				slog.Warn("self_heal_lookup_failed", slog.String("doc_id", name), slog.String("error", err.Error()))
				continue
			}
			if exists == 0 {
				_ = os.Remove(filepath.Join(s.blobDir, kbID, name))
				removed++
			}
		}
	}
	if removed > 0 {
		slog.Info("self_heal_removed_orphans", slog.Int("count", removed))
	}
	return nil
}

func (s *SQLiteMetaStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func requireOneRow(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound{Kind: kind, ID: id}
	}
	return nil
}
