package schema

import (
	"context"
	"testing"

	"github.com/liliang-cn/hybridstore/pkg/logging"
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
	t.Cleanup(func() { se.Close() })
	return se, New(se)
}

func TestEnsureSchemaIsIdempotent(t *testing.T) {
	_, m := newTestManager(t)
	ctx := context.Background()

	if err := m.EnsureSchema(ctx); err != nil {
		t.Fatalf("first ensure_schema: %v", err)
	}
	if err := m.EnsureSchema(ctx); err != nil {
		t.Fatalf("second ensure_schema: %v", err)
	}

	info, err := m.CollectionInfo(ctx, DefaultCollectionName)
	if err != nil {
		t.Fatalf("collection_info: %v", err)
	}
	if info.Dimensions != DefaultDimension {
		t.Errorf("dimensions = %d, want %d", info.Dimensions, DefaultDimension)
	}
}

func TestCreateCollectionRejectsInvalidName(t *testing.T) {
	_, m := newTestManager(t)
	ctx := context.Background()
	if err := m.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure_schema: %v", err)
	}

	if err := m.CreateCollection(ctx, "bad name!", 384, ""); err == nil {
		t.Fatal("expected validation error for invalid collection name")
	}
}

func TestCreateCollectionRejectsOutOfRangeDimension(t *testing.T) {
	_, m := newTestManager(t)
	ctx := context.Background()
	if err := m.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure_schema: %v", err)
	}

	if err := m.CreateCollection(ctx, "too_big", MaxDimension+1, ""); err == nil {
		t.Fatal("expected validation error for out-of-range dimension")
	}
}

func TestListCollectionsIncludesDefault(t *testing.T) {
	_, m := newTestManager(t)
	ctx := context.Background()
	if err := m.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure_schema: %v", err)
	}
	if err := m.CreateCollection(ctx, "docs", 128, `{"source":"crawler"}`); err != nil {
		t.Fatalf("create_collection: %v", err)
	}

	collections, err := m.ListCollections(ctx)
	if err != nil {
		t.Fatalf("list_collections: %v", err)
	}
	if len(collections) != 2 {
		t.Fatalf("expected 2 collections, got %d", len(collections))
	}
}
