// Package search implements a hybrid retriever: per-KB vector search and
// lexical (BM25) search fused by min-max normalization and an α-weighted
// combination, replacing the teacher's reciprocal-rank fusion with a
// score-based blend so the caller can bias toward semantic or keyword
// matches.
package search

import (
	"github.com/Coder-Upsilon/little-kb/internal/store"
)

// Result is one hydrated, fused hit returned to a caller.
type Result struct {
	ChunkID       string
	DocumentID    string
	Filename      string
	Format        store.DocumentFormat
	Text          string
	SequenceIndex int
	Score         float64 // fused similarity in [0,1]

	vectorScore  float64
	lexicalScore float64
	inVector     bool
	inLexical    bool
}

// MinFetch is the floor on how many candidates are pulled from each index
// before fusion, regardless of how small k is.
const MinFetch = 20

func fetchSize(k int) int {
	f := 2 * k
	if f < MinFetch {
		f = MinFetch
	}
	return f
}
