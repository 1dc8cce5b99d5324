package search

import (
	"context"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Coder-Upsilon/little-kb/internal/embed"
	"github.com/Coder-Upsilon/little-kb/internal/store"
	"github.com/Coder-Upsilon/little-kb/internal/telemetry"
)

// Retriever executes the hybrid query path over one KB's indices. Grounded
// on the teacher's pkg/searcher.FusionSearcher's errgroup parallel-fetch
// shape, with RRF replaced by min-max normalization and an α-weighted
// combination.
type Retriever struct {
	meta     store.MetadataStore
	embedder embed.Embedder
	metrics  *telemetry.QueryMetrics
}

// New creates a Retriever over the given metadata store and query-time
// embedder. The vector and lexical indices are passed per call since they
// are per-KB and owned by the caller (the supervisor or ingestion layer),
// not the retriever.
func New(meta store.MetadataStore, embedder embed.Embedder) *Retriever {
	return &Retriever{meta: meta, embedder: embedder}
}

// WithMetrics attaches a query telemetry collector; recorded latency and
// zero-result events drive future weight tuning, same role as the teacher's
// Engine.metrics.
func (r *Retriever) WithMetrics(m *telemetry.QueryMetrics) *Retriever {
	r.metrics = m
	return r
}

// Search runs the hybrid query against one KB: vector and lexical search run
// concurrently, their candidates are fused, and the top k are hydrated.
func (r *Retriever) Search(ctx context.Context, kb *store.KnowledgeBase, vector store.VectorStore, lexical store.LexicalIndex, query string, k int) ([]*Result, error) {
	start := time.Now()
	queryType := telemetry.QueryTypeMixed
	var results []*Result
	var err error
	defer func() {
		if r.metrics != nil {
			r.metrics.Record(telemetry.QueryEvent{
				Query:       query,
				QueryType:   queryType,
				ResultCount: len(results),
				Latency:     time.Since(start),
				Timestamp:   start,
			})
		}
	}()

	if k <= 0 {
		k = 10
	}
	fetchK := fetchSize(k)

	qvec, embedErr := r.embedder.Embed(ctx, query)
	if embedErr != nil {
		err = fmt.Errorf("search: embed query: %w", embedErr)
		return nil, err
	}

	if !kb.Config.HybridEnabled {
		queryType = telemetry.QueryTypeSemantic
		vecHits, searchErr := vector.Search(ctx, qvec, k)
		if searchErr != nil {
			err = fmt.Errorf("search: vector search: %w", searchErr)
			return nil, err
		}
		hits := make([]*Result, len(vecHits))
		for i, h := range vecHits {
			hits[i] = &Result{ChunkID: h.ID, Score: float64(h.Score)}
		}
		results, err = r.hydrate(ctx, hits)
		return results, err
	}

	var vecHits []*store.VectorResult
	var lexHits []*store.BM25Result

	lexical.SetScoringParams(kb.Config.BM25K1, kb.Config.BM25B)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hits, err := vector.Search(gctx, qvec, fetchK)
		if err != nil {
			return fmt.Errorf("vector search: %w", err)
		}
		vecHits = hits
		return nil
	})
	g.Go(func() error {
		hits, err := lexical.Search(gctx, query, fetchK)
		if err != nil {
			return fmt.Errorf("lexical search: %w", err)
		}
		lexHits = hits
		return nil
	})
	if waitErr := g.Wait(); waitErr != nil {
		err = fmt.Errorf("search: %w", waitErr)
		return nil, err
	}

	fused := fuse(vecHits, lexHits, kb.Config.VectorWeight)
	if len(fused) > k {
		fused = fused[:k]
	}
	results, err = r.hydrate(ctx, fused)
	return results, err
}

// fuse combines the two candidate sets by min-max normalization per set,
// then score = alpha*vectorNorm + (1-alpha)*lexicalNorm. A chunk present in
// only one set gets zero for the missing side. Ties break by (lexical score
// desc, chunk id asc).
func fuse(vecHits []*store.VectorResult, lexHits []*store.BM25Result, alpha float64) []*Result {
	byID := make(map[string]*Result)

	vecNorm := normalizeVector(vecHits)
	for i, h := range vecHits {
		byID[h.ID] = &Result{ChunkID: h.ID, inVector: true, vectorScore: vecNorm[i]}
	}

	lexNorm := normalizeLexical(lexHits)
	for i, h := range lexHits {
		res, ok := byID[h.ChunkID]
		if !ok {
			res = &Result{ChunkID: h.ChunkID}
			byID[h.ChunkID] = res
		}
		res.inLexical = true
		res.lexicalScore = lexNorm[i]
	}

	out := make([]*Result, 0, len(byID))
	for _, res := range byID {
		res.Score = alpha*res.vectorScore + (1-alpha)*res.lexicalScore
		out = append(out, res)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		if out[i].lexicalScore != out[j].lexicalScore {
			return out[i].lexicalScore > out[j].lexicalScore
		}
		return out[i].ChunkID < out[j].ChunkID
	})
	return out
}

// normalizeVector min-max normalizes vector similarity scores (higher is
// better) into [0,1]. A flat set (all equal, including the single-result
// case) normalizes to 1.0 for every member, since they are all equally the
// best available match in that set.
func normalizeVector(hits []*store.VectorResult) []float64 {
	out := make([]float64, len(hits))
	if len(hits) == 0 {
		return out
	}
	lo, hi := hits[0].Score, hits[0].Score
	for _, h := range hits {
		if h.Score < lo {
			lo = h.Score
		}
		if h.Score > hi {
			hi = h.Score
		}
	}
	span := hi - lo
	for i, h := range hits {
		if span == 0 {
			out[i] = 1.0
			continue
		}
		out[i] = float64((h.Score - lo) / span)
	}
	return out
}

// normalizeLexical min-max normalizes BM25 scores (higher is better) into
// [0,1], with the same flat-set convention as normalizeVector.
func normalizeLexical(hits []*store.BM25Result) []float64 {
	out := make([]float64, len(hits))
	if len(hits) == 0 {
		return out
	}
	lo, hi := hits[0].Score, hits[0].Score
	for _, h := range hits {
		if h.Score < lo {
			lo = h.Score
		}
		if h.Score > hi {
			hi = h.Score
		}
	}
	span := hi - lo
	for i, h := range hits {
		if span == 0 {
			out[i] = 1.0
			continue
		}
		out[i] = (h.Score - lo) / span
	}
	return out
}

// hydrate loads chunk text and owning-document metadata for each fused
// result, dropping any chunk that no longer resolves (e.g. a concurrent
// reindex swap) rather than surfacing a stale hit.
func (r *Retriever) hydrate(ctx context.Context, results []*Result) ([]*Result, error) {
	if len(results) == 0 {
		return results, nil
	}

	ids := make([]string, len(results))
	for i, res := range results {
		ids[i] = res.ChunkID
	}
	chunks, err := r.meta.GetChunks(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("search: hydrate chunks: %w", err)
	}
	chunkByID := make(map[string]*store.Chunk, len(chunks))
	for _, c := range chunks {
		chunkByID[c.ID] = c
	}

	docCache := make(map[string]*store.Document)
	hydrated := make([]*Result, 0, len(results))
	for _, res := range results {
		c, ok := chunkByID[res.ChunkID]
		if !ok {
			// Chunk was deleted between fuse and hydrate (e.g. concurrent
			// reindex swap); drop it rather than surface a stale hit.
			continue
		}
		res.Text = c.Text
		res.SequenceIndex = c.SequenceIndex
		res.DocumentID = c.DocumentID

		doc, ok := docCache[c.DocumentID]
		if !ok {
			doc, err = r.meta.GetDocument(ctx, c.DocumentID)
			if err != nil {
				continue
			}
			docCache[c.DocumentID] = doc
		}
		res.Filename = doc.Filename
		res.Format = doc.Format

		hydrated = append(hydrated, res)
	}
	return hydrated, nil
}
