// Package errors provides structured error handling for the knowledge-base
// service.
//
// Every error surfaced to a caller carries one of thirteen kinds, rather than
// a free-form code/category/severity taxonomy: the kind is the whole
// classification, and it is what callers branch on (is this retryable, is
// this the caller's fault, should this abort a batch or fail just one
// item). The CLI's main package unwraps a returned *KBError and prints its
// kind and suggestion directly; internal/embed's Ollama provider wraps it
// around Retry/CircuitBreaker failures.
package errors

// Kind classifies an error into one of the categories callers branch on.
type Kind string

const (
	// KindInvalidInput means the caller supplied something malformed (bad
	// KBConfig, empty query, unparseable request).
	KindInvalidInput Kind = "invalid_input"
	// KindNotFound means a KB, document, chunk, or tool-server id doesn't exist.
	KindNotFound Kind = "not_found"
	// KindConflict means the operation collides with in-flight state, e.g.
	// a reindex already running for the KB (internal/reindex.ErrReindexInProgress).
	KindConflict Kind = "conflict"
	// KindUnsupportedFormat means no extractor recognized the document.
	KindUnsupportedFormat Kind = "unsupported_format"
	// KindExtractionFailed means a recognized document failed to yield text.
	KindExtractionFailed Kind = "extraction_failed"
	// KindEmbeddingFailed means the embedding provider errored or timed out.
	KindEmbeddingFailed Kind = "embedding_failed"
	// KindStorageFailed means the metadata store, vector store, or lexical
	// index failed a read or write.
	KindStorageFailed Kind = "storage_failed"
	// KindIndexCorrupt means an index failed its integrity check at open
	// time and self-heal could not recover it; the owning KB is marked
	// degraded (see isFatalKind).
	KindIndexCorrupt Kind = "index_corrupt"
	// KindPortUnavailable means the supervisor's configured port range is exhausted.
	KindPortUnavailable Kind = "port_unavailable"
	// KindSubprocessFailed means a tool-server child process failed to
	// start, or exited and exhausted its restart budget.
	KindSubprocessFailed Kind = "subprocess_failed"
	// KindTimeout means an operation exceeded its deadline (embedding call,
	// subprocess start/stop).
	KindTimeout Kind = "timeout"
	// KindCancelled means the caller's context was cancelled.
	KindCancelled Kind = "cancelled"
	// KindInternal means an unexpected, otherwise-unclassified failure.
	KindInternal Kind = "internal"
)

// retryableKinds are kinds where retrying the same operation might succeed
// without the caller changing anything (transient infra hiccups), as
// opposed to kinds where the caller must change something first.
var retryableKinds = map[Kind]bool{
	KindEmbeddingFailed: true,
	KindStorageFailed:   true,
	KindTimeout:         true,
}

func isRetryableKind(k Kind) bool {
	return retryableKinds[k]
}

// fatalKinds mark a KB degraded rather than just failing one request: the
// condition won't clear on its own, so the caller (cmd/littlekb/cmd/app.go's
// markDegradedAndWrap) flips the KB's degraded flag instead of leaving it to
// fail the same way on every subsequent request.
var fatalKinds = map[Kind]bool{
	KindIndexCorrupt: true,
}

func isFatalKind(k Kind) bool {
	return fatalKinds[k]
}
