package store

import "fmt"

// LexicalBackend selects which LexicalIndex implementation a KB uses.
type LexicalBackend string

const (
	// LexicalBackendSQLite uses SQLite FTS5 for postings with
	// application-side BM25 scoring (default). WAL mode allows concurrent
	// multi-process read access.
	LexicalBackendSQLite LexicalBackend = "sqlite"

	// LexicalBackendBleve uses Bleve v2 (legacy/alternate). Its BoltDB
	// storage takes an exclusive file lock, so it only tolerates a single
	// process accessing a given KB at a time.
	LexicalBackendBleve LexicalBackend = "bleve"
)

// NewLexicalIndex creates a LexicalIndex using the backend named in
// kb.Config.LexicalBackend ("" defaults to sqlite). basePath is the path
// without extension; the extension is added per backend (.db for sqlite,
// .bleve for bleve). An empty basePath creates an in-memory index.
func NewLexicalIndex(basePath string, backend string, stopWords []string, k1, b float64) (LexicalIndex, error) {
	switch LexicalBackend(backend) {
	case LexicalBackendBleve:
		var path string
		if basePath != "" {
			path = basePath + ".bleve"
		}
		return NewBleveLexicalIndex(path, stopWords, k1, b)

	case LexicalBackendSQLite, "":
		var path string
		if basePath != "" {
			path = basePath + ".db"
		}
		return NewSQLiteLexicalIndex(path, stopWords, k1, b)

	default:
		return nil, fmt.Errorf("unknown lexical backend: %s (valid options: sqlite, bleve)", backend)
	}
}

// LexicalIndexPath returns the full on-disk path (file for sqlite,
// directory for bleve) for basePath under the named backend.
func LexicalIndexPath(basePath string, backend string) string {
	if LexicalBackend(backend) == LexicalBackendBleve {
		return basePath + ".bleve"
	}
	return basePath + ".db"
}
