package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"

	_ "modernc.org/sqlite" // pure-Go SQLite driver, no CGO

	"github.com/Coder-Upsilon/little-kb/internal/config"
	"github.com/Coder-Upsilon/little-kb/internal/embed"
	kberrors "github.com/Coder-Upsilon/little-kb/internal/errors"
	"github.com/Coder-Upsilon/little-kb/internal/extract"
	"github.com/Coder-Upsilon/little-kb/internal/ingest"
	"github.com/Coder-Upsilon/little-kb/internal/logging"
	"github.com/Coder-Upsilon/little-kb/internal/reindex"
	"github.com/Coder-Upsilon/little-kb/internal/search"
	"github.com/Coder-Upsilon/little-kb/internal/store"
	"github.com/Coder-Upsilon/little-kb/internal/supervisor"
	"github.com/Coder-Upsilon/little-kb/internal/telemetry"
)

// dataFlag holds the --data-dir flag shared by every subcommand.
var dataFlag string

// app bundles the dependencies every subcommand needs, opened once against
// the instance's data directory.
type app struct {
	dataDir    string
	cfg        *config.Config
	meta       store.MetadataStore
	extractors *extract.Registry
	retriever  *search.Retriever
	pipeline   *ingest.Pipeline
	reindexer  *reindex.Controller
	metricsDB  *sql.DB
	metrics    *telemetry.QueryMetrics
}

// openApp resolves the data directory, loads config.json, and opens the
// metadata store. Callers that need the embedder or pipeline call
// withEmbedder afterward; many commands (kb list, doctor) don't.
func openApp() (*app, error) {
	dir := dataFlag
	if dir == "" {
		var err error
		dir, err = config.DefaultDataDir()
		if err != nil {
			return nil, err
		}
	}

	cfg, err := config.Load(dir)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	meta, err := store.NewSQLiteMetaStore(filepath.Join(dir, "meta.db"), filepath.Join(dir, "blobs"))
	if err != nil {
		return nil, fmt.Errorf("open metadata store: %w", err)
	}

	if err := meta.SelfHeal(context.Background()); err != nil {
		return nil, fmt.Errorf("self-heal metadata store: %w", err)
	}

	ocr := extract.NewOCREngine("tesseract")
	extractors := extract.DefaultRegistry(ocr)

	metricsDB, metrics, err := openQueryMetrics(dir)
	if err != nil {
		meta.Close()
		return nil, fmt.Errorf("open query metrics: %w", err)
	}

	return &app{
		dataDir:    dir,
		cfg:        cfg,
		meta:       meta,
		extractors: extractors,
		retriever:  search.New(meta, nil).WithMetrics(metrics),
		reindexer:  reindex.New(meta, extractors, dir),
		metricsDB:  metricsDB,
		metrics:    metrics,
	}, nil
}

// openQueryMetrics opens the instance's query telemetry database, creating
// its schema on first use. Telemetry is local-only (internal/telemetry's own
// doc comment: "no external reporting").
func openQueryMetrics(dataDir string) (*sql.DB, *telemetry.QueryMetrics, error) {
	db, err := sql.Open("sqlite", filepath.Join(dataDir, "metrics.db"))
	if err != nil {
		return nil, nil, fmt.Errorf("open metrics db: %w", err)
	}
	if err := telemetry.InitTelemetrySchema(db); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("init telemetry schema: %w", err)
	}
	metricsStore, err := telemetry.NewSQLiteMetricsStore(db)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return db, telemetry.NewQueryMetrics(metricsStore), nil
}

// withEmbedder wires an embedder into the app's retriever and ingestion
// pipeline. Deferred out of openApp so commands that never touch an
// embedder (kb list, doctor) don't pay the provider-probe cost.
func (a *app) withEmbedder(ctx context.Context, provider embed.ProviderType, model string) (embed.Embedder, error) {
	embedder, err := embed.NewEmbedder(ctx, provider, model)
	if err != nil {
		return nil, fmt.Errorf("create embedder: %w", err)
	}
	a.retriever = search.New(a.meta, embedder).WithMetrics(a.metrics)
	a.pipeline = ingest.New(a.meta, a.extractors, embedder)
	return embedder, nil
}

func (a *app) Close() error {
	if a.metrics != nil {
		a.metrics.Close()
	}
	if a.metricsDB != nil {
		a.metricsDB.Close()
	}
	return a.meta.Close()
}

// kbDataDir is the per-KB directory holding its live vector and lexical
// index files, matching internal/toolserver and internal/reindex's layout
// agreement.
func (a *app) kbDataDir(kbID string) string {
	return filepath.Join(a.dataDir, kbID)
}

// openKBIndices opens the live vector and lexical index handles for kbID,
// matching the on-disk layout internal/toolserver.Open and
// internal/reindex.Controller agree on. Callers must Close both when done.
//
// A load failure here means the on-disk index files are corrupt beyond what
// SelfHeal already caught at startup; that's unrecoverable without a
// reindex, so it's classified as KindIndexCorrupt and the owning KB is
// flipped to degraded so future commands short-circuit instead of retrying
// the same failing load.
func (a *app) openKBIndices(kb *store.KnowledgeBase, dims int) (store.VectorStore, store.LexicalIndex, error) {
	kbDir := a.kbDataDir(kb.ID)

	vector, err := store.NewHNSWStore(store.DefaultVectorStoreConfig(dims))
	if err != nil {
		return nil, nil, fmt.Errorf("create vector store: %w", err)
	}
	if err := vector.Load(filepath.Join(kbDir, "vectors.hnsw")); err != nil {
		return nil, nil, a.markDegradedAndWrap(kb.ID, "load vector index", err)
	}

	lexical, err := store.NewLexicalIndex(filepath.Join(kbDir, "lexical"), kb.Config.LexicalBackend, store.DefaultProseStopWords, kb.Config.BM25K1, kb.Config.BM25B)
	if err != nil {
		vector.Close()
		return nil, nil, a.markDegradedAndWrap(kb.ID, "open lexical index", err)
	}

	return vector, lexical, nil
}

// markDegradedAndWrap flips kbID to degraded and returns a KindIndexCorrupt
// KBError wrapping err. The SetDegraded failure itself is only logged, not
// returned, so the caller still sees the original index error that
// triggered this.
func (a *app) markDegradedAndWrap(kbID, action string, err error) error {
	if derr := a.meta.SetDegraded(context.Background(), kbID, true); derr != nil {
		slog.Error("mark_kb_degraded_failed", slog.String("kb_id", kbID), slog.String("error", derr.Error()))
	}
	return kberrors.New(kberrors.KindIndexCorrupt, fmt.Sprintf("%s for kb %s", action, kbID), err).
		WithSuggestion("run `littlekb kb reindex " + kbID + "` to rebuild its indices")
}

// bootstrapKBIndices creates the empty on-disk vector index a freshly
// created KB needs before internal/toolserver.Open can load it (the
// lexical index creates its own file lazily on first open, but HNSWStore.Load
// requires the file to already exist).
func (a *app) bootstrapKBIndices(kbID string, dims int) error {
	kbDir := a.kbDataDir(kbID)
	if err := os.MkdirAll(kbDir, 0o755); err != nil {
		return fmt.Errorf("create kb directory: %w", err)
	}

	vector, err := store.NewHNSWStore(store.DefaultVectorStoreConfig(dims))
	if err != nil {
		return fmt.Errorf("create vector store: %w", err)
	}
	defer vector.Close()

	if err := vector.Save(filepath.Join(kbDir, "vectors.hnsw")); err != nil {
		return fmt.Errorf("save initial vector index: %w", err)
	}
	return nil
}

// newSupervisorSpawner builds a supervisor.Spawner that re-execs the
// current binary in tool-server mode, the production wiring the supervisor
// package documents but leaves to its caller. Each child's
// stdout/stderr is redirected to its own rotatable log file so `littlekb
// logs --source toolserver` has something to read; if the log file can't be
// opened the child still runs, just without a persisted log.
func newSupervisorSpawner(dataDir string) supervisor.Spawner {
	self, err := os.Executable()
	if err != nil {
		self = os.Args[0]
	}
	return func(rec *store.ToolServerRecord, port int) *exec.Cmd {
		cmd := exec.Command(self, "tool-server", "--data-dir", dataDir, "--id", rec.ID, "--port", strconv.Itoa(port))
		if err := logging.EnsureLogDir(); err == nil {
			if f, err := os.OpenFile(logging.ToolServerLogPath(rec.ID), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644); err == nil {
				cmd.Stdout = f
				cmd.Stderr = f
			}
		}
		if cmd.Stdout == nil {
			cmd.Stdout = os.Stdout
			cmd.Stderr = os.Stderr
		}
		return cmd
	}
}
