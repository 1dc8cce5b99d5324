// Package toolserver implements the tool-protocol runtime a supervisor child
// process runs: it serves "search", "info", and "list_documents" over MCP's
// streamable-HTTP transport, scoped to whatever set of KBs its
// ToolServerRecord names. Grounded on internal/mcp/server.go's
// mcp.AddTool typed-handler registration pattern, generalized from one
// project's fixed index to an arbitrary per-record set of KBs.
package toolserver

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/Coder-Upsilon/little-kb/internal/embed"
	kberrors "github.com/Coder-Upsilon/little-kb/internal/errors"
	"github.com/Coder-Upsilon/little-kb/internal/search"
	"github.com/Coder-Upsilon/little-kb/internal/store"
	"github.com/Coder-Upsilon/little-kb/pkg/version"
)

// kbHandle bundles one served KB with the live index handles opened for it.
type kbHandle struct {
	kb      *store.KnowledgeBase
	vector  store.VectorStore
	lexical store.LexicalIndex
}

// Server is the tool-protocol runtime for one ToolServerRecord. It owns
// read-write handles on every KB the record names; the supervisor that
// spawns it is the only other process touching those files, since exactly
// one tool-server process runs per record.
type Server struct {
	record *store.ToolServerRecord
	meta   store.MetadataStore
	engine *search.Retriever
	mcp    *mcp.Server
	logger *slog.Logger

	mu  sync.RWMutex
	kbs map[string]*kbHandle

	http *http.Server
}

// Open builds a Server for rec, loading the live vector and lexical indices
// for every KB id it names from dataDir/<kbID>/ (the layout
// internal/reindex.Controller writes to). Returns an error if any named KB
// or its vector index files are missing; a missing lexical index is created
// empty.
func Open(meta store.MetadataStore, embedder embed.Embedder, rec *store.ToolServerRecord, dataDir string) (*Server, error) {
	if len(rec.KBIDs) == 0 {
		return nil, fmt.Errorf("toolserver: record %s names no knowledge bases", rec.ID)
	}

	s := &Server{
		record: rec,
		meta:   meta,
		engine: search.New(meta, embedder),
		logger: slog.Default().With(slog.String("server_id", rec.ID)),
		kbs:    make(map[string]*kbHandle, len(rec.KBIDs)),
	}

	for _, kbID := range rec.KBIDs {
		handle, err := openKB(context.Background(), meta, embedder, dataDir, kbID)
		if err != nil {
			s.closeKBs()
			return nil, err
		}
		s.kbs[kbID] = handle
	}

	s.mcp = mcp.NewServer(
		&mcp.Implementation{
			Name:    rec.Name,
			Version: version.Version,
		},
		nil,
	)
	s.registerTools()

	return s, nil
}

func openKB(ctx context.Context, meta store.MetadataStore, embedder embed.Embedder, dataDir, kbID string) (*kbHandle, error) {
	kb, err := meta.GetKB(ctx, kbID)
	if err != nil {
		return nil, fmt.Errorf("toolserver: load kb %s: %w", kbID, err)
	}

	kbDir := kbDirFor(dataDir, kbID)

	vector, err := store.NewHNSWStore(store.DefaultVectorStoreConfig(embedder.Dimensions()))
	if err != nil {
		return nil, fmt.Errorf("toolserver: create vector store for %s: %w", kbID, err)
	}
	if err := vector.Load(vectorPathFor(kbDir)); err != nil {
		return nil, fmt.Errorf("toolserver: load vector index for %s: %w", kbID, err)
	}

	lexical, err := store.NewLexicalIndex(lexicalBasePathFor(kbDir), kb.Config.LexicalBackend, store.DefaultProseStopWords, kb.Config.BM25K1, kb.Config.BM25B)
	if err != nil {
		_ = vector.Close()
		return nil, fmt.Errorf("toolserver: open lexical index for %s: %w", kbID, err)
	}

	return &kbHandle{kb: kb, vector: vector, lexical: lexical}, nil
}

func (s *Server) closeKBs() {
	for _, h := range s.kbs {
		_ = h.vector.Close()
		_ = h.lexical.Close()
	}
}

// toolDescription returns the record's override for name if set, else
// fallback. ParamDescriptions has no SDK-level hook to rewrite a reflected
// jsonschema struct tag at runtime, so any per-parameter overrides are
// folded into the tool's own description text instead (documented
// simplification, not a silent drop).
func (s *Server) toolDescription(name, fallback string) string {
	desc := fallback
	if override, ok := s.record.ToolDescriptions[name]; ok && override != "" {
		desc = override
	}
	if params, ok := s.record.ParamDescriptions[name]; ok && len(params) > 0 {
		names := make([]string, 0, len(params))
		for p := range params {
			names = append(names, p)
		}
		sort.Strings(names)
		var b strings.Builder
		b.WriteString(desc)
		b.WriteString(" Parameters: ")
		for i, p := range names {
			if i > 0 {
				b.WriteString("; ")
			}
			fmt.Fprintf(&b, "%s: %s", p, params[p])
		}
		desc = b.String()
	}
	return desc
}

func (s *Server) registerTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "search",
		Description: s.toolDescription("search", "Hybrid vector and keyword search over this tool server's knowledge bases."),
	}, s.handleSearch)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "info",
		Description: s.toolDescription("info", "Describes this tool server: its knowledge bases and operating instructions."),
	}, s.handleInfo)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "list_documents",
		Description: s.toolDescription("list_documents", "Lists ingested documents in this tool server's knowledge bases."),
	}, s.handleListDocuments)
}

// SearchInput is the input schema for the search tool.
type SearchInput struct {
	Query string `json:"query" jsonschema:"the search query to execute"`
	KBID  string `json:"kb_id,omitempty" jsonschema:"restrict the search to a single knowledge base id; searches every knowledge base this server exposes when omitted"`
	Limit int    `json:"limit,omitempty" jsonschema:"maximum number of results, default 10"`
}

// SearchResultOutput is one hydrated, fused hit.
type SearchResultOutput struct {
	KBID       string  `json:"kb_id" jsonschema:"the knowledge base this result came from"`
	DocumentID string  `json:"document_id" jsonschema:"the source document id"`
	Filename   string  `json:"filename" jsonschema:"the source document's filename"`
	ChunkID    string  `json:"chunk_id" jsonschema:"the matched chunk id"`
	Text       string  `json:"text" jsonschema:"the matched chunk's text"`
	Score      float64 `json:"score" jsonschema:"fused relevance score in [0,1]"`
}

// SearchOutput is the output schema for the search tool.
type SearchOutput struct {
	Results []SearchResultOutput `json:"results" jsonschema:"ranked search results"`
}

func (s *Server) handleSearch(ctx context.Context, _ *mcp.CallToolRequest, input SearchInput) (*mcp.CallToolResult, SearchOutput, error) {
	if strings.TrimSpace(input.Query) == "" {
		return nil, SearchOutput{}, kberrors.InvalidInput("query is required", nil)
	}
	limit := input.Limit
	if limit <= 0 {
		limit = 10
	}

	kbIDs := s.record.KBIDs
	if input.KBID != "" {
		if _, ok := s.kbs[input.KBID]; !ok {
			return nil, SearchOutput{}, kberrors.NotFound(fmt.Sprintf("kb %s is not served by this tool server", input.KBID), nil)
		}
		kbIDs = []string{input.KBID}
	}

	hits, err := s.searchAcrossKBs(ctx, kbIDs, input.Query, limit)
	if err != nil {
		return nil, SearchOutput{}, err
	}

	out := SearchOutput{Results: make([]SearchResultOutput, 0, len(hits))}
	for _, h := range hits {
		out.Results = append(out.Results, SearchResultOutput{
			KBID:       h.kbID,
			DocumentID: h.result.DocumentID,
			Filename:   h.result.Filename,
			ChunkID:    h.result.ChunkID,
			Text:       h.result.Text,
			Score:      h.result.Score,
		})
	}
	return nil, out, nil
}

type scopedResult struct {
	kbID   string
	result *search.Result
}

// searchAcrossKBs runs the retriever against every named KB in parallel and
// merges the per-KB result sets by score, so a multi-KB tool server's search
// call spans all of its knowledge bases rather than just the first. A
// server with only one populated KB simply returns hits scoped to that KB,
// not an error.
func (s *Server) searchAcrossKBs(ctx context.Context, kbIDs []string, query string, limit int) ([]scopedResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	type outcome struct {
		kbID string
		hits []*search.Result
		err  error
	}
	outcomes := make(chan outcome, len(kbIDs))
	var wg sync.WaitGroup
	for _, id := range kbIDs {
		h, ok := s.kbs[id]
		if !ok {
			continue
		}
		wg.Add(1)
		go func(kbID string, h *kbHandle) {
			defer wg.Done()
			hits, err := s.engine.Search(ctx, h.kb, h.vector, h.lexical, query, limit)
			outcomes <- outcome{kbID: kbID, hits: hits, err: err}
		}(id, h)
	}
	wg.Wait()
	close(outcomes)

	var merged []scopedResult
	for o := range outcomes {
		if o.err != nil {
			return nil, fmt.Errorf("toolserver: search kb %s: %w", o.kbID, o.err)
		}
		for _, hit := range o.hits {
			merged = append(merged, scopedResult{kbID: o.kbID, result: hit})
		}
	}

	sort.Slice(merged, func(i, j int) bool {
		if merged[i].result.Score != merged[j].result.Score {
			return merged[i].result.Score > merged[j].result.Score
		}
		return merged[i].result.ChunkID < merged[j].result.ChunkID
	})
	if len(merged) > limit {
		merged = merged[:limit]
	}
	return merged, nil
}

// InfoInput is the (empty) input schema for the info tool.
type InfoInput struct{}

// KBInfo summarizes one served knowledge base.
type KBInfo struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Generation  uint64 `json:"generation" jsonschema:"bumped on every completed reindex"`
}

// InfoOutput is the output schema for the info tool.
type InfoOutput struct {
	Name           string   `json:"name"`
	Instructions   string   `json:"instructions,omitempty" jsonschema:"operating instructions for this tool server, authored by whoever configured it"`
	KnowledgeBases []KBInfo `json:"knowledge_bases"`
}

func (s *Server) handleInfo(ctx context.Context, _ *mcp.CallToolRequest, _ InfoInput) (*mcp.CallToolResult, InfoOutput, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := InfoOutput{
		Name:           s.record.Name,
		Instructions:   s.record.Instructions,
		KnowledgeBases: make([]KBInfo, 0, len(s.record.KBIDs)),
	}
	for _, id := range s.record.KBIDs {
		h, ok := s.kbs[id]
		if !ok {
			continue
		}
		out.KnowledgeBases = append(out.KnowledgeBases, KBInfo{
			ID:          h.kb.ID,
			Name:        h.kb.Name,
			Description: h.kb.Description,
			Generation:  h.kb.Generation,
		})
	}
	return nil, out, nil
}

// ListDocumentsInput is the input schema for the list_documents tool.
type ListDocumentsInput struct {
	KBID string `json:"kb_id,omitempty" jsonschema:"restrict the listing to a single knowledge base id; lists every knowledge base this server exposes when omitted"`
}

// DocumentInfo describes one ingested document.
type DocumentInfo struct {
	KBID       string `json:"kb_id"`
	ID         string `json:"id"`
	Filename   string `json:"filename"`
	Format     string `json:"format"`
	Status     string `json:"status"`
	ChunkCount int    `json:"chunk_count"`
	FailReason string `json:"fail_reason,omitempty"`
}

// ListDocumentsOutput is the output schema for the list_documents tool.
type ListDocumentsOutput struct {
	Documents []DocumentInfo `json:"documents"`
}

func (s *Server) handleListDocuments(ctx context.Context, _ *mcp.CallToolRequest, input ListDocumentsInput) (*mcp.CallToolResult, ListDocumentsOutput, error) {
	kbIDs := s.record.KBIDs
	if input.KBID != "" {
		if _, ok := s.kbs[input.KBID]; !ok {
			return nil, ListDocumentsOutput{}, kberrors.NotFound(fmt.Sprintf("kb %s is not served by this tool server", input.KBID), nil)
		}
		kbIDs = []string{input.KBID}
	}

	out := ListDocumentsOutput{}
	for _, kbID := range kbIDs {
		docs, err := s.meta.ListDocuments(ctx, kbID)
		if err != nil {
			return nil, ListDocumentsOutput{}, fmt.Errorf("toolserver: list documents for %s: %w", kbID, err)
		}
		for _, d := range docs {
			out.Documents = append(out.Documents, DocumentInfo{
				KBID:       kbID,
				ID:         d.ID,
				Filename:   d.Filename,
				Format:     string(d.Format),
				Status:     string(d.Status),
				ChunkCount: d.ChunkCount,
				FailReason: d.FailReason,
			})
		}
	}
	return nil, out, nil
}

// Serve binds addr and serves the tool protocol over streamable HTTP until
// ctx is cancelled, the supervisor's spawned child process listening on its
// assigned port. Grounded on
// _examples/stacklok-toolhive/pkg/mcp's mcp.NewStreamableHTTPHandler usage,
// the transport the teacher never had a use for since it only ever ran over
// stdio.
func (s *Server) Serve(ctx context.Context, addr string) error {
	handler := mcp.NewStreamableHTTPHandler(
		func(*http.Request) *mcp.Server { return s.mcp },
		&mcp.StreamableHTTPOptions{},
	)

	s.http = &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("toolserver_listening", slog.String("addr", addr))
		errCh <- s.http.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}

// Close releases every KB's vector and lexical index handle.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeKBs()
	return nil
}

func kbDirFor(dataDir, kbID string) string {
	return filepath.Join(dataDir, kbID)
}

func vectorPathFor(kbDir string) string {
	return filepath.Join(kbDir, "vectors.hnsw")
}

func lexicalBasePathFor(kbDir string) string {
	return filepath.Join(kbDir, "lexical")
}
