// Package hybridstore is an embedded, single-process hybrid retrieval
// engine combining BM25 lexical search with vector similarity search,
// fused into a single ranked result list (spec.md §1).
package hybridstore

import (
	"context"
	"fmt"

	"github.com/liliang-cn/hybridstore/internal/apperr"
	"github.com/liliang-cn/hybridstore/pkg/blobstore"
	"github.com/liliang-cn/hybridstore/pkg/dispatch"
	"github.com/liliang-cn/hybridstore/pkg/hybridsearch"
	"github.com/liliang-cn/hybridstore/pkg/ingest"
	"github.com/liliang-cn/hybridstore/pkg/logging"
	"github.com/liliang-cn/hybridstore/pkg/schema"
	"github.com/liliang-cn/hybridstore/pkg/storage"
)

// Engine wires the Storage Engine, Blob Persistence, Schema Manager,
// Ingestion Pipeline, Hybrid Search Executor and Request Dispatcher into
// the single cooperating system spec.md §2 describes, mirroring the
// teacher's own top-level DB type.
type Engine struct {
	cfg Config

	se  *storage.Store
	bp  *blobstore.Manager
	sm  *schema.Manager
	ip  *ingest.Manager
	hse *hybridsearch.Executor
	rd  *dispatch.Dispatcher
}

// Open constructs and opens an Engine: BP.initialize (resolve the path and
// load any stored snapshot) → SE.open → SE.deserialize → SM.ensure_schema
// → ready.
func Open(ctx context.Context, cfg Config, opts ...Option) (*Engine, error) {
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}
	if cfg.Pragmas == (storage.Pragmas{}) {
		cfg.Pragmas = storage.DefaultPragmas()
	}

	se := storage.New(cfg.Logger)
	bp := blobstore.New(se, cfg.Blob, cfg.Logger)

	effectivePath, err := bp.Initialize(ctx, cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open: blob persistence initialize: %w", err)
	}

	if err := se.Open(ctx, effectivePath); err != nil {
		return nil, fmt.Errorf("open: storage engine open: %w", err)
	}
	if err := se.Configure(ctx, cfg.Pragmas); err != nil {
		se.Close()
		return nil, fmt.Errorf("open: storage engine configure: %w", err)
	}

	sm := schema.New(se)

	if data, found := bp.TakePendingRestore(); found {
		if err := se.Deserialize(ctx, data); err != nil {
			se.Close()
			return nil, fmt.Errorf("open: restoring snapshot: %w", err)
		}
		if err := se.Configure(ctx, cfg.Pragmas); err != nil {
			se.Close()
			return nil, fmt.Errorf("open: reconfigure after restore: %w", err)
		}
		// Session state, including the vector facility's in-memory
		// availability flag, is not part of the serialized image (spec.md
		// §4.1): reapply it for every collection a restored snapshot
		// already knows about.
		if err := reinitVectorExtensions(ctx, se, sm); err != nil {
			se.Close()
			return nil, fmt.Errorf("open: reinit vector extension after restore: %w", err)
		}
	}

	if err := sm.EnsureSchema(ctx); err != nil {
		se.Close()
		return nil, fmt.Errorf("open: ensure_schema: %w", err)
	}

	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = dispatch.DefaultConcurrency
	}

	e := &Engine{
		cfg: cfg,
		se:  se,
		bp:  bp,
		sm:  sm,
		ip:  ingest.New(se, sm, cfg.Logger),
		hse: hybridsearch.New(se, sm, cfg.Logger, cfg.Embed),
		rd:  dispatch.NewWithConcurrency(cfg.Logger, concurrency),
	}
	e.registerMethods()
	e.rd.SetInitialized(true)

	bp.StartAutosync(cfg.AutosyncInterval)

	return e, nil
}

// Close stops autosync, flushes a final snapshot, and releases the
// storage engine (spec.md §4.6 "State": initialized becomes false).
func (e *Engine) Close(ctx context.Context) error {
	e.bp.StopAutosync()
	if err := e.bp.SaveSnapshot(ctx); err != nil {
		e.cfg.Logger.Warn("close: final save_snapshot failed", "error", err)
	}
	e.rd.SetInitialized(false)
	return e.se.Close()
}

// Dispatch routes a single named call through RD (spec.md §4.6). This is
// the engine's one entry point for a host communicating over an
// asynchronous request/response channel; direct Go callers may also use
// the typed component accessors below.
func (e *Engine) Dispatch(ctx context.Context, method string, args any) (any, error) {
	return e.rd.Dispatch(ctx, method, args)
}

// Search is a typed convenience wrapper over the "search" method, for Go
// callers that do not need the name-dispatched surface.
func (e *Engine) Search(ctx context.Context, req hybridsearch.Request) hybridsearch.Response {
	unlock := e.rd.LockSE()
	defer unlock()
	return e.hse.Search(ctx, req)
}

// InsertDocument is a typed convenience wrapper over
// "insertDocumentWithEmbedding".
func (e *Engine) InsertDocument(ctx context.Context, collection string, doc ingest.Document, opts ingest.Options) (string, error) {
	unlock := e.rd.LockSE()
	defer unlock()
	return e.ip.InsertDocument(ctx, collection, doc, opts)
}

// BatchInsertDocuments is a typed convenience wrapper over
// "batchInsertDocuments".
func (e *Engine) BatchInsertDocuments(ctx context.Context, collection string, docs []ingest.Document, opts ingest.Options) ([]string, error) {
	unlock := e.rd.LockSE()
	defer unlock()
	return e.ip.BatchInsertDocuments(ctx, collection, docs, opts)
}

// reinitVectorExtensions reapplies init_vector_extension for every known
// collection's declared dimension (spec.md §4.1: "callers must reapply
// configure and init_vector_extension" after deserialize). The vec0
// tables themselves are ordinary SQLite objects and survive Deserialize
// along with the rest of the database; only SE's in-memory availability
// flag needs to be re-established, which InitVectorExtension's
// CREATE VIRTUAL TABLE IF NOT EXISTS does as a no-op against the
// already-restored tables. A build with no vector facility linked in
// reports ErrVectorUnavailable on the first collection and stops there
// rather than repeating the same failure for every collection.
func reinitVectorExtensions(ctx context.Context, se *storage.Store, sm *schema.Manager) error {
	collections, err := sm.ListCollections(ctx)
	if err != nil {
		return err
	}
	for _, c := range collections {
		if err := se.InitVectorExtension(ctx, c.Dimensions); err != nil {
			if apperr.CodeOf(err) == apperr.CodeVectorUnavailable {
				return nil
			}
			return err
		}
	}
	return nil
}
