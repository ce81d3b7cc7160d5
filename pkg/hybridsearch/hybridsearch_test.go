package hybridsearch

import (
	"context"
	"testing"

	"github.com/liliang-cn/hybridstore/pkg/ingest"
	"github.com/liliang-cn/hybridstore/pkg/logging"
	"github.com/liliang-cn/hybridstore/pkg/schema"
	"github.com/liliang-cn/hybridstore/pkg/storage"
)

func newTestExecutor(t *testing.T) (*storage.Store, *ingest.Manager, *Executor) {
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

	ip := ingest.New(se, sm, logging.Nop())
	return se, ip, New(se, sm, logging.Nop(), nil)
}

func TestSearchRequiresTextOrVector(t *testing.T) {
	_, _, exec := newTestExecutor(t)
	resp := exec.Search(context.Background(), Request{Collection: "default"})
	if len(resp.Results) != 0 {
		t.Errorf("expected empty results for a request with neither text nor vector, got %v", resp.Results)
	}
}

func TestSearchLexicalFindsIngestedDocument(t *testing.T) {
	_, ip, exec := newTestExecutor(t)
	ctx := context.Background()

	if _, err := ip.InsertDocument(ctx, "default", ingest.Document{
		ID: "doc-1", Title: "Go Concurrency", Content: "goroutines and channels make concurrency easy",
	}, ingest.Options{}); err != nil {
		t.Fatalf("insert_document: %v", err)
	}

	resp := exec.Search(ctx, Request{
		Collection: "default",
		Query:      Query{Text: "goroutines"},
	})
	if resp.TotalResults != 1 {
		t.Fatalf("expected 1 result, got %d (%v)", resp.TotalResults, resp.Results)
	}
	if resp.Results[0].ID != "doc-1" {
		t.Errorf("result id = %q, want doc-1", resp.Results[0].ID)
	}
	if resp.Results[0].FTSScore == 0 {
		t.Error("expected a non-zero fts_score for a matched lexical result")
	}
}

func TestSearchLexicalTokenizesMultiWordQueryWithOr(t *testing.T) {
	_, ip, exec := newTestExecutor(t)
	ctx := context.Background()

	if _, err := ip.InsertDocument(ctx, "default", ingest.Document{ID: "a", Content: "channels in go"}, ingest.Options{}); err != nil {
		t.Fatalf("insert a: %v", err)
	}
	if _, err := ip.InsertDocument(ctx, "default", ingest.Document{ID: "b", Content: "goroutines in go"}, ingest.Options{}); err != nil {
		t.Fatalf("insert b: %v", err)
	}

	resp := exec.Search(ctx, Request{Collection: "default", Query: Query{Text: "channels goroutines"}})
	if resp.TotalResults != 2 {
		t.Fatalf("expected both documents to match an OR'd multi-token query, got %d", resp.TotalResults)
	}
}

func TestSearchVectorRequiresVectorFacility(t *testing.T) {
	_, _, exec := newTestExecutor(t)
	resp := exec.Search(context.Background(), Request{
		Collection: "default",
		Query:      Query{Vector: []float32{1, 0, 0}},
	})
	if len(resp.Results) != 0 {
		t.Errorf("expected empty results when the vector facility is unavailable, got %v", resp.Results)
	}
}

// TestSearchVectorFindsExactMatch exercises spec.md §8's round-trip law:
// "insert(d with v); search({vector:v, limit:1}) returns d as the top hit
// with distance 0." Skipped when the vector facility is not linked into
// this build, since ensure_schema's own InitVectorExtension call for the
// default collection will have failed with ErrVectorUnavailable already.
func TestSearchVectorFindsExactMatch(t *testing.T) {
	se, ip, exec := newTestExecutor(t)
	if !se.VectorAvailable() {
		t.Skip("vector index facility not linked into this build")
	}
	ctx := context.Background()

	vector := make([]float32, schema.DefaultDimension)
	vector[0] = 1
	id, err := ip.InsertDocument(ctx, "default", ingest.Document{Content: "embedded doc", Vector: vector}, ingest.Options{})
	if err != nil {
		t.Fatalf("insert_document with vector: %v", err)
	}

	resp := exec.Search(ctx, Request{Collection: "default", Query: Query{Vector: vector}, Limit: 1})
	if len(resp.Results) != 1 || resp.Results[0].ID != id {
		t.Fatalf("expected %q as the top hit, got %+v", id, resp.Results)
	}
	if resp.Results[0].VecScore > 1e-6 {
		t.Errorf("vec_score = %v, want ~0 for an exact match", resp.Results[0].VecScore)
	}
}

func TestTokenizeQuery(t *testing.T) {
	cases := map[string]string{
		"":               "",
		"single":         "single",
		"two words":      "two OR words",
		"  extra  space": "extra OR space",
	}
	for input, want := range cases {
		if got := tokenizeQuery(input); got != want {
			t.Errorf("tokenizeQuery(%q) = %q, want %q", input, got, want)
		}
	}
}
