// Package progress provides thread-safe progress trackers for the ingestion
// pipeline and the reindex controller, published to external callers as
// JSON-tagged snapshots.
package progress

import (
	"sync"
)

// ReindexStatus is the externally visible state of a reindex operation.
type ReindexStatus string

const (
	ReindexInProgress ReindexStatus = "in_progress"
	ReindexCompleted  ReindexStatus = "completed"
	ReindexError      ReindexStatus = "error"
)

// ReindexSnapshot is an immutable snapshot of reindex progress, the wire
// shape exposed to status pollers.
type ReindexSnapshot struct {
	Status              string  `json:"status"`
	Processed           int     `json:"processed"`
	Total               int     `json:"total"`
	Percent             float64 `json:"percent"`
	CurrentFile         string  `json:"current_file"`
	CurrentFileProgress float64 `json:"current_file_progress"`
	Succeeded           int     `json:"succeeded"`
	Failed              int     `json:"failed"`
	Error               string  `json:"error,omitempty"`
}

// Reindex tracks the progress of one KB's reindex operation.
type Reindex struct {
	mu sync.RWMutex

	status              ReindexStatus
	processed           int
	total               int
	currentFile         string
	currentFileProgress float64
	succeeded           int
	failed              int
	errMessage          string
}

// NewReindex creates a tracker initialized to in_progress with the given
// total document count.
func NewReindex(total int) *Reindex {
	return &Reindex{status: ReindexInProgress, total: total}
}

// SetCurrentFile records which document is currently being reprocessed.
func (r *Reindex) SetCurrentFile(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.currentFile = name
	r.currentFileProgress = 0
}

// SetCurrentFileProgress records coarse within-document progress (e.g. by
// chunk batch), a value in [0,1].
func (r *Reindex) SetCurrentFileProgress(pct float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.currentFileProgress = pct
}

// MarkDocumentDone increments processed and succeeded/failed counters.
func (r *Reindex) MarkDocumentDone(ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.processed++
	if ok {
		r.succeeded++
	} else {
		r.failed++
	}
}

// Complete marks the reindex as successfully completed.
func (r *Reindex) Complete() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = ReindexCompleted
}

// Fail marks the reindex as failed with the given error message.
func (r *Reindex) Fail(message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = ReindexError
	r.errMessage = message
}

// Snapshot returns an immutable copy of the current progress state.
func (r *Reindex) Snapshot() ReindexSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var percent float64
	if r.total > 0 {
		percent = float64(r.processed) / float64(r.total) * 100.0
	}

	return ReindexSnapshot{
		Status:              string(r.status),
		Processed:           r.processed,
		Total:               r.total,
		Percent:             percent,
		CurrentFile:         r.currentFile,
		CurrentFileProgress: r.currentFileProgress,
		Succeeded:           r.succeeded,
		Failed:              r.failed,
		Error:               r.errMessage,
	}
}

// IngestPhase is the current phase of a single document's ingestion.
type IngestPhase string

const (
	PhaseExtracting IngestPhase = "extracting"
	PhaseChunking   IngestPhase = "chunking"
	PhaseEmbedding  IngestPhase = "embedding"
	PhaseCommitting IngestPhase = "committing"
)

// IngestSnapshot is an immutable snapshot of one document's ingestion
// progress.
type IngestSnapshot struct {
	DocumentID          string  `json:"document_id"`
	Current             int     `json:"current"`
	Total               int     `json:"total"`
	Phase               string  `json:"phase"`
	PercentWithinCurrent float64 `json:"percent_within_current"`
}

// Ingest tracks progress for one in-flight document ingestion.
type Ingest struct {
	mu sync.RWMutex

	documentID string
	current    int
	total      int
	phase      IngestPhase
	pctWithin  float64
}

// NewIngest creates a tracker for a document ingestion of the given total
// (documents in the batch this one belongs to).
func NewIngest(documentID string, current, total int) *Ingest {
	return &Ingest{documentID: documentID, current: current, total: total, phase: PhaseExtracting}
}

// SetPhase updates the current phase and resets within-phase progress.
func (p *Ingest) SetPhase(phase IngestPhase) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.phase = phase
	p.pctWithin = 0
}

// SetPercentWithinCurrent records fractional progress within the current
// phase, a value in [0,1].
func (p *Ingest) SetPercentWithinCurrent(pct float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pctWithin = pct
}

// Snapshot returns an immutable copy of the current progress state.
func (p *Ingest) Snapshot() IngestSnapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return IngestSnapshot{
		DocumentID:          p.documentID,
		Current:             p.current,
		Total:               p.total,
		Phase:               string(p.phase),
		PercentWithinCurrent: p.pctWithin,
	}
}
