// Package store provides vector storage (HNSW), lexical storage (SQLite FTS5),
// and structured metadata persistence (SQLite) for knowledge bases.
package store

import (
	"context"
	"fmt"
	"time"
)

// DocumentFormat is the detected format tag of an ingested document.
type DocumentFormat string

const (
	FormatText  DocumentFormat = "text"
	FormatPDF   DocumentFormat = "pdf"
	FormatDOCX  DocumentFormat = "docx"
	FormatImage DocumentFormat = "image"
	FormatOther DocumentFormat = "other"
)

// DocumentStatus is the processing status of a document.
type DocumentStatus string

const (
	DocStatusPending    DocumentStatus = "pending"
	DocStatusExtracting DocumentStatus = "extracting"
	DocStatusEmbedding  DocumentStatus = "embedding"
	DocStatusReady      DocumentStatus = "ready"
	DocStatusFailed     DocumentStatus = "failed"
)

// ToolServerStatus is the runtime status of a supervised tool-server process.
type ToolServerStatus string

const (
	ServerStopped  ToolServerStatus = "stopped"
	ServerStarting ToolServerStatus = "starting"
	ServerRunning  ToolServerStatus = "running"
	ServerStopping ToolServerStatus = "stopping"
	ServerCrashed  ToolServerStatus = "crashed"
)

// State keys for the per-KB metadata key-value store.
const (
	StateKeyIndexDimension = "index_embedding_dimension"
	StateKeyIndexModel     = "index_embedding_model"
	StateKeyGeneration     = "generation_counter"
	StateKeyDegraded       = "degraded"
)

// KBConfig holds the per-knowledge-base configuration. Fields above the
// line require a full reindex when changed; of the fields below it, the
// retrieval-only parameters apply immediately, while LexicalBackend also
// requires a reindex.
type KBConfig struct {
	EmbeddingModel string `json:"embedding_model"`
	ChunkSize      int    `json:"chunk_size"`
	ChunkOverlap   int    `json:"chunk_overlap"`
	OverlapEnabled bool   `json:"overlap_enabled"`

	HybridEnabled bool    `json:"hybrid_enabled"`
	VectorWeight  float64 `json:"vector_weight"` // α ∈ [0,1]
	BM25K1        float64 `json:"bm25_k1"`       // k1 ≥ 0
	BM25B         float64 `json:"bm25_b"`        // b ∈ [0,1]

	// LexicalBackend selects the LexicalIndex implementation: "sqlite"
	// (default, concurrent multi-process access) or "bleve" (legacy,
	// single-process only). Changing it requires a reindex since the two
	// backends don't share an on-disk format.
	LexicalBackend string `json:"lexical_backend"`
}

// DefaultKBConfig returns sensible defaults, mirroring the teacher's
// config.NewConfig() style of hardcoded, validated defaults.
func DefaultKBConfig() KBConfig {
	return KBConfig{
		EmbeddingModel: "",
		ChunkSize:      500,
		ChunkOverlap:   50,
		OverlapEnabled: true,
		HybridEnabled:  true,
		VectorWeight:   0.5,
		BM25K1:         1.2,
		BM25B:          0.75,
		LexicalBackend: string(LexicalBackendSQLite),
	}
}

// Validate checks KBConfig's field invariants.
func (c KBConfig) Validate() error {
	if c.VectorWeight < 0 || c.VectorWeight > 1 {
		return fmt.Errorf("vector_weight must be in [0,1], got %f", c.VectorWeight)
	}
	if c.BM25K1 < 0 {
		return fmt.Errorf("bm25_k1 must be >= 0, got %f", c.BM25K1)
	}
	if c.BM25B < 0 || c.BM25B > 1 {
		return fmt.Errorf("bm25_b must be in [0,1], got %f", c.BM25B)
	}
	if c.ChunkSize <= 0 {
		return fmt.Errorf("chunk_size must be positive, got %d", c.ChunkSize)
	}
	if c.ChunkOverlap < 0 {
		return fmt.Errorf("chunk_overlap must be non-negative, got %d", c.ChunkOverlap)
	}
	switch LexicalBackend(c.LexicalBackend) {
	case LexicalBackendSQLite, LexicalBackendBleve, "":
	default:
		return fmt.Errorf("lexical_backend must be sqlite or bleve, got %q", c.LexicalBackend)
	}
	return nil
}

// RequiresReindex reports whether moving from c to other invalidates
// embeddings: changing any field that affects chunk content or embeddings
// (model, chunk size, overlap) or the lexical backend requires a full reindex.
func (c KBConfig) RequiresReindex(other KBConfig) bool {
	return c.EmbeddingModel != other.EmbeddingModel ||
		c.ChunkSize != other.ChunkSize ||
		c.ChunkOverlap != other.ChunkOverlap ||
		c.OverlapEnabled != other.OverlapEnabled ||
		c.LexicalBackend != other.LexicalBackend
}

// KnowledgeBase is a logically isolated collection of documents plus its own
// indices and configuration.
type KnowledgeBase struct {
	ID          string
	Name        string
	Description string
	CreatedAt   time.Time
	Config      KBConfig
	Generation  uint64 // incremented on every successful reindex
	Degraded    bool   // set when storage corruption is unrecoverable
}

// Document is an ingested file within a KB.
type Document struct {
	ID         string
	KBID       string
	Filename   string
	StoredPath string
	Format     DocumentFormat
	Size       int64
	IngestedAt time.Time
	ChunkCount int
	Status     DocumentStatus
	FailReason string
}

// ChunkHints carries extraction-time positional hints preserved through chunking.
type ChunkHints struct {
	Page      int // 0 if not applicable
	Paragraph int // 0 if not applicable
}

// Chunk is a bounded, append-only piece of text derived from a document.
type Chunk struct {
	ID            string
	DocumentID    string
	KBID          string
	SequenceIndex int
	Text          string
	TokenCount    int
	Hints         ChunkHints
	CreatedAt     time.Time
}

// VectorRow records the embedding for a chunk and the model that produced it,
// so stale rows are detectable after a model change.
type VectorRow struct {
	ChunkID string
	Vector  []float32
	ModelID string
}

// ToolServerRecord is the persisted description of one supervised
// tool-server process.
type ToolServerRecord struct {
	ID                  string
	Name                string
	Instructions        string
	Port                int
	Enabled             bool
	KBIDs               []string
	ToolDescriptions    map[string]string            // tool name -> description override
	ParamDescriptions   map[string]map[string]string // tool name -> (param name -> description)
	Status              ToolServerStatus
	LastError           string
}

// IsMultiKB reports whether this record serves more than one KB, expressed
// as len(KBIDs) > 1 rather than a separate subtype.
func (r *ToolServerRecord) IsMultiKB() bool {
	return len(r.KBIDs) > 1
}

// IndexCheckpoint is not referenced elsewhere in the module; ingestion
// progress is tracked in memory by internal/progress.Ingest.
type IndexCheckpoint struct {
	Stage         string
	Total         int
	Processed     int
	Timestamp     time.Time
}

// MetadataStore is the transactional metadata and blob store.
type MetadataStore interface {
	// Knowledge base operations
	CreateKB(ctx context.Context, kb *KnowledgeBase) error
	GetKB(ctx context.Context, id string) (*KnowledgeBase, error)
	ListKBs(ctx context.Context) ([]*KnowledgeBase, error)
	UpdateKBConfig(ctx context.Context, id string, cfg KBConfig) error
	RenameKB(ctx context.Context, id, newName string) error
	BumpGeneration(ctx context.Context, id string) (uint64, error)
	SetDegraded(ctx context.Context, id string, degraded bool) error
	DeleteKB(ctx context.Context, id string) error

	// Blob operations
	PutBlob(ctx context.Context, kbID, docID string, data []byte) (path string, err error)
	OpenBlob(ctx context.Context, kbID, docID string) ([]byte, error)
	DeleteBlob(ctx context.Context, kbID, docID string) error

	// Document + chunk operations
	// CommitDocument installs doc and chunks atomically, or neither.
	CommitDocument(ctx context.Context, doc *Document, chunks []*Chunk) error
	// InsertReindexChunks adds a new generation of chunks for a document
	// without retiring its current generation; see FinalizeReindexedDocument.
	InsertReindexChunks(ctx context.Context, chunks []*Chunk) error
	// DeleteChunksByIDs removes chunk rows directly by id, independent of
	// their document's current chunk_count bookkeeping.
	DeleteChunksByIDs(ctx context.Context, ids []string) error
	// FinalizeReindexedDocument retires staleChunkIDs and updates doc's row
	// to the new generation in one transaction.
	FinalizeReindexedDocument(ctx context.Context, doc *Document, staleChunkIDs []string) error
	GetDocument(ctx context.Context, id string) (*Document, error)
	ListDocuments(ctx context.Context, kbID string) ([]*Document, error)
	MarkDocumentFailed(ctx context.Context, docID, reason string) error
	DeleteDocument(ctx context.Context, docID string) error
	GetChunk(ctx context.Context, id string) (*Chunk, error)
	GetChunks(ctx context.Context, ids []string) ([]*Chunk, error)
	GetChunksByDocument(ctx context.Context, docID string) ([]*Chunk, error)
	CountChunks(ctx context.Context, kbID string) (int, error)

	// State (key-value) operations, scoped per KB.
	GetState(ctx context.Context, kbID, key string) (string, error)
	SetState(ctx context.Context, kbID, key, value string) error

	// Tool server operations
	SaveToolServer(ctx context.Context, rec *ToolServerRecord) error
	GetToolServer(ctx context.Context, id string) (*ToolServerRecord, error)
	ListToolServers(ctx context.Context) ([]*ToolServerRecord, error)
	DeleteToolServer(ctx context.Context, id string) error

	// SelfHeal scans for orphaned blobs/rows left by a crash mid-commit and
	// discards them.
	SelfHeal(ctx context.Context) error

	Close() error
}

// BM25Result is a single lexical search hit.
type BM25Result struct {
	ChunkID string
	Score   float64
}

// LexicalIndex provides BM25 keyword search over a KB's chunks.
type LexicalIndex interface {
	Index(ctx context.Context, chunkID, text string) error
	IndexBatch(ctx context.Context, chunks []Chunk) error
	Search(ctx context.Context, query string, limit int) ([]*BM25Result, error)
	Delete(ctx context.Context, chunkIDs []string) error
	DeleteByDocument(ctx context.Context, chunkIDs []string) error
	AllIDs(ctx context.Context) ([]string, error)

	// SetScoringParams updates k1/b used by subsequent Search calls. Changing
	// these values never requires reindexing.
	SetScoringParams(k1, b float64)

	Stats() IndexStats
	Close() error
}

// IndexStats provides statistics about the lexical index.
type IndexStats struct {
	DocumentCount int
	AvgDocLength  float64
}

// VectorResult is a single vector-similarity search hit.
type VectorResult struct {
	ID       string
	Distance float32
	Score    float32 // normalized similarity in [0,1]
}

// VectorStoreConfig configures a per-KB HNSW vector index.
type VectorStoreConfig struct {
	Dimensions     int
	Metric         string // "cos" | "l2"
	M              int
	EfConstruction int
	EfSearch       int
}

// DefaultVectorStoreConfig returns sensible defaults, targeting sub-100ms
// search for ≤100k chunks on a laptop.
func DefaultVectorStoreConfig(dimensions int) VectorStoreConfig {
	return VectorStoreConfig{
		Dimensions:     dimensions,
		Metric:         "cos",
		M:              16,
		EfConstruction: 128,
		EfSearch:       64,
	}
}

// VectorStore provides semantic search over a KB's chunk embeddings.
type VectorStore interface {
	Add(ctx context.Context, ids []string, vectors [][]float32) error
	Search(ctx context.Context, query []float32, k int) ([]*VectorResult, error)
	Delete(ctx context.Context, ids []string) error
	DeleteByDocument(ctx context.Context, chunkIDs []string) error
	AllIDs() []string
	Contains(id string) bool
	Count() int

	Save(path string) error
	Load(path string) error
	// Rename atomically relocates the underlying storage for zero-downtime
	// reindex.
	Rename(newPath string) error
	Close() error
}

// ErrDimensionMismatch indicates a vector dimension mismatch against the KB's
// configured embedding dimension.
type ErrDimensionMismatch struct {
	Expected int
	Got      int
}

func (e ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d (reindex required)", e.Expected, e.Got)
}

// ErrNotFound is returned by lookups that find nothing.
type ErrNotFound struct {
	Kind string
	ID   string
}

func (e ErrNotFound) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.ID)
}

// ErrConflict is returned when an operation collides with in-flight state
// (e.g. a reindex already running for a KB).
type ErrConflict struct {
	Reason string
}

func (e ErrConflict) Error() string {
	return e.Reason
}
