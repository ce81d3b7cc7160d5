package hybridstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/liliang-cn/hybridstore/internal/apperr"
	"github.com/liliang-cn/hybridstore/pkg/dispatch"
	"github.com/liliang-cn/hybridstore/pkg/hybridsearch"
	"github.com/liliang-cn/hybridstore/pkg/ingest"
	"github.com/liliang-cn/hybridstore/pkg/schema"
	"github.com/liliang-cn/hybridstore/pkg/storage"
)

// This file registers the full named-method surface spec.md §6 names onto
// RD. Each SE-touching handler holds the dispatcher's single shared SE
// lock for its entire span (spec.md §5 "Shared resource discipline").

// EngineVersion is the fixed version string getVersion reports.
const EngineVersion = "1.0.0"

// PingResult is ping's typed response (spec.md §8: "ready" once open has
// completed, "not_initialized" after close).
type PingResult struct{ Status string }

// VersionResult is getVersion's typed response.
type VersionResult struct{ Version string }

// StatsResult is getStats's typed response (spec.md §4.6 "State").
type StatsResult struct {
	Initialized     bool
	OperationCount  int64
	VectorAvailable bool
}

// ExecArgs/ExecResult are exec's request/response shape (spec.md §4.1).
type ExecArgs struct {
	SQL    string
	Params []any
}
type ExecResult struct{ RowsAffected int64 }

// SelectArgs/SelectResult are select's request/response shape (spec.md §4.1).
type SelectArgs struct {
	SQL    string
	Params []any
}
type SelectResult struct {
	Columns []string
	Rows    []map[string]any
}

// BulkInsertArgs/BulkInsertResult are bulkInsert's request/response shape.
type BulkInsertArgs struct {
	TableName string
	Data      []map[string]any
}
type BulkInsertResult struct{ Inserted int }

// CreateCollectionArgs is createCollection's request shape.
type CreateCollectionArgs struct {
	Name       string
	Dimensions int
	Config     string
}

// CollectionInfoResult is getCollectionInfo's response shape.
type CollectionInfoResult struct {
	Name          string
	Dimensions    int
	Config        string
	DocumentCount int
}

// CollectionEmbeddingStatusResult is getCollectionEmbeddingStatus's
// response shape.
type CollectionEmbeddingStatusResult struct {
	Name            string
	VectorAvailable bool
}

// InsertDocumentArgs/InsertDocumentResult are
// insertDocumentWithEmbedding's request/response shape.
type InsertDocumentArgs struct {
	Collection string
	Document   ingest.Document
	Options    ingest.Options
}
type InsertDocumentResult struct{ ID string }

// BatchInsertDocumentsArgs/BatchInsertDocumentsResult are
// batchInsertDocuments's request/response shape.
type BatchInsertDocumentsArgs struct {
	Collection string
	Documents  []ingest.Document
	Options    ingest.Options
}
type BatchInsertDocumentsResult struct{ IDs []string }

// SearchArgs and SearchResult alias HSE's own request/response types: the
// five search* methods (spec.md §6) differ only in the defaults a host
// applies before calling through, not in the shape HSE executes.
type SearchArgs = hybridsearch.Request
type SearchResult = hybridsearch.Response

// ExportResult is export's response shape; ImportArgs is import's request
// shape (spec.md §4.2 "Export/import").
type ExportResult struct{ Data []byte }
type ImportArgs struct{ Data []byte }

func (e *Engine) registerMethods() {
	rd := e.rd

	rd.Register("ping", func(ctx context.Context, args any) (any, error) {
		status := "not_initialized"
		if rd.Initialized() {
			status = "ready"
		}
		return PingResult{Status: status}, nil
	})
	rd.Register("getVersion", func(ctx context.Context, args any) (any, error) {
		return VersionResult{Version: EngineVersion}, nil
	})
	rd.Register("getStats", func(ctx context.Context, args any) (any, error) {
		return StatsResult{
			Initialized:     rd.Initialized(),
			OperationCount:  rd.OperationCount(),
			VectorAvailable: e.se.VectorAvailable(),
		}, nil
	})
	rd.Register("close", func(ctx context.Context, args any) (any, error) {
		return nil, e.Close(ctx)
	})

	rd.Register("exec", func(ctx context.Context, args any) (any, error) {
		a, ok := args.(ExecArgs)
		if !ok {
			return nil, invalidArgument("exec", args)
		}
		unlock := rd.LockSE()
		defer unlock()
		n, err := e.se.Exec(ctx, a.SQL, a.Params...)
		if err != nil {
			return nil, err
		}
		return ExecResult{RowsAffected: n}, nil
	})

	rd.Register("select", func(ctx context.Context, args any) (any, error) {
		a, ok := args.(SelectArgs)
		if !ok {
			return nil, invalidArgument("select", args)
		}
		unlock := rd.LockSE()
		defer unlock()
		result, err := e.se.Select(ctx, a.SQL, a.Params...)
		if err != nil {
			return nil, err
		}
		rows := make([]map[string]any, len(result.Rows))
		for i, row := range result.Rows {
			rows[i] = row
		}
		return SelectResult{Columns: result.Columns, Rows: rows}, nil
	})

	rd.Register("bulkInsert", func(ctx context.Context, args any) (any, error) {
		a, ok := args.(BulkInsertArgs)
		if !ok {
			return nil, invalidArgument("bulkInsert", args)
		}
		unlock := rd.LockSE()
		defer unlock()
		for _, row := range a.Data {
			cols := make([]string, 0, len(row))
			placeholders := make([]string, 0, len(row))
			vals := make([]any, 0, len(row))
			for col, val := range row {
				cols = append(cols, col)
				placeholders = append(placeholders, "?")
				vals = append(vals, val)
			}
			stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
				a.TableName, strings.Join(cols, ", "), strings.Join(placeholders, ", "))
			if _, err := e.se.Exec(ctx, stmt, vals...); err != nil {
				return nil, err
			}
		}
		return BulkInsertResult{Inserted: len(a.Data)}, nil
	})

	rd.Register("initializeSchema", func(ctx context.Context, args any) (any, error) {
		unlock := rd.LockSE()
		defer unlock()
		return nil, e.sm.EnsureSchema(ctx)
	})

	rd.Register("getCollectionInfo", func(ctx context.Context, args any) (any, error) {
		name, ok := args.(string)
		if !ok {
			return nil, invalidArgument("getCollectionInfo", args)
		}
		unlock := rd.LockSE()
		defer unlock()
		info, err := e.sm.CollectionInfo(ctx, name)
		if err != nil {
			return nil, err
		}
		return CollectionInfoResult{
			Name: info.Name, Dimensions: info.Dimensions,
			Config: info.Config, DocumentCount: info.DocumentCount,
		}, nil
	})

	rd.Register("createCollection", func(ctx context.Context, args any) (any, error) {
		a, ok := args.(CreateCollectionArgs)
		if !ok {
			return nil, invalidArgument("createCollection", args)
		}
		unlock := rd.LockSE()
		defer unlock()
		return nil, e.sm.CreateCollection(ctx, a.Name, a.Dimensions, a.Config)
	})

	rd.Register("getCollectionEmbeddingStatus", func(ctx context.Context, args any) (any, error) {
		name, ok := args.(string)
		if !ok {
			return nil, invalidArgument("getCollectionEmbeddingStatus", args)
		}
		return CollectionEmbeddingStatusResult{Name: name, VectorAvailable: e.se.VectorAvailable()}, nil
	})

	rd.Register("insertDocumentWithEmbedding", func(ctx context.Context, args any) (any, error) {
		a, ok := args.(InsertDocumentArgs)
		if !ok {
			return nil, invalidArgument("insertDocumentWithEmbedding", args)
		}
		unlock := rd.LockSE()
		defer unlock()
		id, err := e.ip.InsertDocument(ctx, a.Collection, a.Document, a.Options)
		if err != nil {
			return nil, err
		}
		return InsertDocumentResult{ID: id}, nil
	})

	rd.Register("batchInsertDocuments", func(ctx context.Context, args any) (any, error) {
		a, ok := args.(BatchInsertDocumentsArgs)
		if !ok {
			return nil, invalidArgument("batchInsertDocuments", args)
		}
		unlock := rd.LockSE()
		defer unlock()
		ids, err := e.ip.BatchInsertDocuments(ctx, a.Collection, a.Documents, a.Options)
		if err != nil {
			return nil, err
		}
		return BatchInsertDocumentsResult{IDs: ids}, nil
	})

	searchHandler := func(ctx context.Context, args any) (any, error) {
		a, ok := args.(SearchArgs)
		if !ok {
			return nil, invalidArgument("search", args)
		}
		unlock := rd.LockSE()
		defer unlock()
		return e.hse.Search(ctx, a), nil
	}
	rd.Register("search", searchHandler)
	rd.Register("searchText", searchHandler)
	rd.Register("searchAdvanced", searchHandler)
	rd.Register("searchGlobal", searchHandler)
	rd.Register("searchSemantic", searchHandler)

	rd.Register("export", func(ctx context.Context, args any) (any, error) {
		unlock := rd.LockSE()
		defer unlock()
		data, err := e.se.Serialize(ctx)
		if err != nil {
			return nil, err
		}
		return ExportResult{Data: data}, nil
	})

	rd.Register("import", func(ctx context.Context, args any) (any, error) {
		a, ok := args.(ImportArgs)
		if !ok {
			return nil, invalidArgument("import", args)
		}
		unlock := rd.LockSE()
		defer unlock()
		if err := e.se.Deserialize(ctx, a.Data); err != nil {
			return nil, err
		}
		if err := e.se.Configure(ctx, e.cfg.Pragmas); err != nil {
			return nil, err
		}
		// spec.md §4.1: deserialize resets session state, so both
		// configure and init_vector_extension must be reapplied.
		return nil, reinitVectorExtensions(ctx, e.se, e.sm)
	})

	rd.Register("clear", func(ctx context.Context, args any) (any, error) {
		unlock := rd.LockSE()
		defer unlock()
		if _, err := e.se.Exec(ctx, "DELETE FROM "+schema.BaseTable); err != nil {
			return nil, err
		}
		if _, err := e.se.Exec(ctx, "DELETE FROM "+schema.FTSTable); err != nil {
			return nil, err
		}
		if e.se.VectorAvailable() {
			collections, err := e.sm.ListCollections(ctx)
			if err != nil {
				return nil, err
			}
			for _, c := range collections {
				if _, err := e.se.Exec(ctx, "DELETE FROM "+storage.VectorTableName(c.Dimensions)); err != nil {
					return nil, err
				}
			}
		}
		return nil, e.bp.Clear(ctx)
	})

	// The embedding queue and the LLM-augmented search/summarization
	// surface are documented in spec.md §6 but out of scope for this
	// core; they still register under their real names.
	for _, name := range []string{
		"enqueueEmbedding", "processEmbeddingQueue", "getQueueStatus", "clearEmbeddingQueue",
		"enhanceQuery", "summarizeResults", "searchWithLLM", "callLLM",
	} {
		rd.Register(name, dispatch.NotImplemented(name))
	}
}

func invalidArgument(method string, args any) error {
	return apperr.NewStoreError(method, apperr.CodeInvalidArgument,
		fmt.Errorf("invalid argument for %s: %T", method, args), nil)
}
