package ingest

import (
	"context"
	"fmt"
	"testing"

	"github.com/liliang-cn/hybridstore/pkg/logging"
	"github.com/liliang-cn/hybridstore/pkg/schema"
	"github.com/liliang-cn/hybridstore/pkg/storage"
)

func newTestManager(t *testing.T) (*storage.Store, *Manager) {
	t.Helper()
	ctx := context.Background()
	se := storage.New(logging.Nop())
	if err := se.Open(ctx, ":memory:"); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := se.Configure(ctx, storage.DefaultPragmas()); err != nil {
		t.Fatalf("configure: %v", err)
	}
	sm := schema.New(se)
	if err := sm.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure_schema: %v", err)
	}
	t.Cleanup(func() { se.Close() })
	return se, New(se, sm, logging.Nop())
}

func TestInsertDocumentGeneratesIdentifierWhenOmitted(t *testing.T) {
	_, m := newTestManager(t)
	ctx := context.Background()

	id, err := m.InsertDocument(ctx, "default", Document{Content: "hello world"}, Options{})
	if err != nil {
		t.Fatalf("insert_document: %v", err)
	}
	if id == "" {
		t.Fatal("expected a generated identifier")
	}
}

func TestInsertDocumentIsQueryableViaLexicalIndex(t *testing.T) {
	se, m := newTestManager(t)
	ctx := context.Background()

	if _, err := m.InsertDocument(ctx, "default", Document{ID: "doc-1", Title: "Go Concurrency", Content: "goroutines and channels"}, Options{}); err != nil {
		t.Fatalf("insert_document: %v", err)
	}

	result, err := se.Select(ctx, `SELECT id FROM fts_default WHERE fts_default MATCH 'goroutines'`)
	if err != nil {
		t.Fatalf("select fts: %v", err)
	}
	if len(result.Rows) != 1 || result.Rows[0]["id"] != "doc-1" {
		t.Errorf("expected doc-1 in lexical index, got %v", result.Rows)
	}
}

func TestInsertDocumentUpsertsOnSameIdentifier(t *testing.T) {
	se, m := newTestManager(t)
	ctx := context.Background()

	if _, err := m.InsertDocument(ctx, "default", Document{ID: "doc-1", Content: "first version"}, Options{}); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if _, err := m.InsertDocument(ctx, "default", Document{ID: "doc-1", Content: "second version"}, Options{}); err != nil {
		t.Fatalf("second insert: %v", err)
	}

	result, err := se.Select(ctx, `SELECT content FROM docs_default WHERE id = ? AND collection = 'default'`, "doc-1")
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if len(result.Rows) != 1 {
		t.Fatalf("expected exactly 1 row after upsert, got %d", len(result.Rows))
	}
	if result.Rows[0]["content"] != "second version" {
		t.Errorf("content = %v, want second version", result.Rows[0]["content"])
	}
}

func TestInsertDocumentRejectsInvalidCollectionName(t *testing.T) {
	_, m := newTestManager(t)
	ctx := context.Background()

	if _, err := m.InsertDocument(ctx, "bad name", Document{Content: "x"}, Options{}); err == nil {
		t.Fatal("expected validation error for invalid collection name")
	}
}

func TestBatchInsertDocumentsOfSizeZeroIsNoop(t *testing.T) {
	_, m := newTestManager(t)
	ids, err := m.BatchInsertDocuments(context.Background(), "default", nil, Options{})
	if err != nil {
		t.Fatalf("batch_insert_documents: %v", err)
	}
	if ids != nil {
		t.Errorf("expected nil identifiers, got %v", ids)
	}
}

func TestBatchInsertDocumentsMatchesSequentialInsert(t *testing.T) {
	se, m := newTestManager(t)
	ctx := context.Background()

	docs := make([]Document, 0, 120)
	for i := 0; i < 120; i++ {
		docs = append(docs, Document{
			ID:      fmt.Sprintf("doc-%03d", i),
			Title:   fmt.Sprintf("Title %d", i),
			Content: fmt.Sprintf("content body for document number %d describing a topic", i),
		})
	}

	ids, err := m.BatchInsertDocuments(ctx, "default", docs, Options{})
	if err != nil {
		t.Fatalf("batch_insert_documents: %v", err)
	}
	if len(ids) != len(docs) {
		t.Fatalf("expected %d identifiers, got %d", len(docs), len(ids))
	}

	countResult, err := se.Select(ctx, `SELECT COUNT(*) AS n FROM docs_default WHERE collection = 'default'`)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	// The auto-provisioned default collection starts with zero documents, so the count is exactly len(docs).
	if storage.AsInt64(countResult.Rows[0]["n"]) != int64(len(docs)) {
		t.Errorf("base row count = %v, want %d", countResult.Rows[0]["n"], len(docs))
	}

	ftsCount, err := se.Select(ctx, `SELECT COUNT(*) AS n FROM fts_default`)
	if err != nil {
		t.Fatalf("fts count: %v", err)
	}
	if storage.AsInt64(ftsCount.Rows[0]["n"]) != int64(len(docs)) {
		t.Errorf("lexical index row count = %v, want %d", ftsCount.Rows[0]["n"], len(docs))
	}
}

// TestInsertDocumentWritesVectorIntoCollectionDimensionTable exercises
// spec.md §3's "Vector entry" invariant end to end: a document inserted
// with a vector lands in the vec0 table sized for its collection's
// declared dimension, queryable by rowid join against the base table.
func TestInsertDocumentWritesVectorIntoCollectionDimensionTable(t *testing.T) {
	se, m := newTestManager(t)
	ctx := context.Background()
	sm := schema.New(se)
	if err := sm.CreateCollection(ctx, "embeds", 4, ""); err != nil {
		t.Fatalf("create_collection: %v", err)
	}
	if !se.VectorAvailable() {
		t.Skip("vector index facility not linked into this build")
	}

	id, err := m.InsertDocument(ctx, "embeds", Document{Content: "x", Vector: []float32{1, 0, 0, 0}}, Options{})
	if err != nil {
		t.Fatalf("insert_document with vector: %v", err)
	}

	result, err := se.Select(ctx,
		`SELECT v.rowid AS rowid FROM `+storage.VectorTableName(4)+` v
		 JOIN docs_default d ON d.rowid = v.rowid
		 WHERE d.id = ? AND d.collection = 'embeds'`, id)
	if err != nil {
		t.Fatalf("select vector row: %v", err)
	}
	if len(result.Rows) != 1 {
		t.Fatalf("expected 1 vector row for %q, got %d", id, len(result.Rows))
	}
}

// TestInsertDocumentRejectsVectorDimensionMismatch exercises spec.md §3's
// "Vector entry" invariant: a vector whose length does not equal the
// collection's declared dimension is rejected.
func TestInsertDocumentRejectsVectorDimensionMismatch(t *testing.T) {
	se, m := newTestManager(t)
	ctx := context.Background()
	sm := schema.New(se)
	if err := sm.CreateCollection(ctx, "embeds", 4, ""); err != nil {
		t.Fatalf("create_collection: %v", err)
	}
	if !se.VectorAvailable() {
		t.Skip("vector index facility not linked into this build")
	}

	if _, err := m.InsertDocument(ctx, "embeds", Document{Content: "x", Vector: []float32{1, 0}}, Options{}); err == nil {
		t.Fatal("expected an error for a vector of the wrong dimension")
	}
}

func TestComputeBatchSizeClampsToBounds(t *testing.T) {
	se, m := newTestManager(t)
	ctx := context.Background()
	_ = se

	// Tiny documents against the default 8 MiB cache should clamp at the
	// upper bound of 50 rather than grow unbounded.
	docs := make([]Document, 10)
	for i := range docs {
		docs[i] = Document{Content: "x"}
	}
	size := m.computeBatchSize(ctx, docs)
	if size < minBatchSize || size > maxBatchSize {
		t.Errorf("batch size %d out of bounds [%d, %d]", size, minBatchSize, maxBatchSize)
	}
}

func TestComputeBatchSizeFallsBackOnUnopenedStore(t *testing.T) {
	se := storage.New(logging.Nop())
	m := New(se, schema.New(se), logging.Nop())
	docs := []Document{{Content: "hello"}}
	if size := m.computeBatchSize(context.Background(), docs); size != fallbackBatchSize {
		t.Errorf("batch size = %d, want fallback %d", size, fallbackBatchSize)
	}
}
