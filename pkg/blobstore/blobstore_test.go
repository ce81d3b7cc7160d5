package blobstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/liliang-cn/hybridstore/pkg/logging"
	"github.com/liliang-cn/hybridstore/pkg/storage"
)

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()
	se := storage.New(logging.Nop())
	if err := se.Open(context.Background(), ":memory:"); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := se.Configure(context.Background(), storage.DefaultPragmas()); err != nil {
		t.Fatalf("configure: %v", err)
	}
	t.Cleanup(func() { se.Close() })
	return se
}

func TestInitializeFallsBackToMemoryWithoutBlobStore(t *testing.T) {
	se := newTestStore(t)
	m := New(se, nil, logging.Nop())

	path, err := m.Initialize(context.Background(), "opfs:/t/db")
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if path != ":memory:" {
		t.Errorf("effective path = %q, want :memory:", path)
	}
	if _, found := m.TakePendingRestore(); found {
		t.Error("expected no pending restore without a blob store")
	}
}

func TestInitializePassesThroughNonOpfsPathUnchanged(t *testing.T) {
	se := newTestStore(t)
	blob := NewFilesystemBlobStore(t.TempDir())
	m := New(se, blob, logging.Nop())

	path, err := m.Initialize(context.Background(), "/tmp/plain/path.db")
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if path != "/tmp/plain/path.db" {
		t.Errorf("effective path = %q, want the logical path passed through as-is", path)
	}
	if _, found := m.TakePendingRestore(); found {
		t.Error("expected no pending restore for a path BP does not manage")
	}
}

func TestSaveSnapshotAndRestoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	blob := NewFilesystemBlobStore(root)

	se1 := newTestStore(t)
	if _, err := se1.Exec(ctx, "CREATE TABLE docs (id TEXT PRIMARY KEY)"); err != nil {
		t.Fatalf("create table: %v", err)
	}
	if _, err := se1.Exec(ctx, "INSERT INTO docs (id) VALUES (?)", "a"); err != nil {
		t.Fatalf("insert: %v", err)
	}

	bp1 := New(se1, blob, logging.Nop())
	if _, err := bp1.Initialize(ctx, "opfs:/t/db"); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := bp1.ForceSync(ctx); err != nil {
		t.Fatalf("force_sync: %v", err)
	}

	se2 := newTestStore(t)
	bp2 := New(se2, blob, logging.Nop())
	if _, err := bp2.Initialize(ctx, "opfs:/t/db"); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	data, found := bp2.TakePendingRestore()
	if !found {
		t.Fatal("expected a pending restore after a prior force_sync to the same path")
	}
	if err := se2.Deserialize(ctx, data); err != nil {
		t.Fatalf("deserialize: %v", err)
	}
	if err := se2.Configure(ctx, storage.DefaultPragmas()); err != nil {
		t.Fatalf("reconfigure: %v", err)
	}

	result, err := se2.Select(ctx, "SELECT id FROM docs")
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if len(result.Rows) != 1 || result.Rows[0]["id"] != "a" {
		t.Errorf("unexpected rows after restore: %v", result.Rows)
	}
}

func TestAutosyncWritesOnEachTick(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	blob := NewFilesystemBlobStore(root)

	se := newTestStore(t)
	if _, err := se.Exec(ctx, "CREATE TABLE docs (id TEXT PRIMARY KEY)"); err != nil {
		t.Fatalf("create table: %v", err)
	}

	bp := New(se, blob, logging.Nop())
	if _, err := bp.Initialize(ctx, "opfs:/t/autosync"); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	bp.StartAutosync(20 * time.Millisecond)
	defer bp.StopAutosync()

	time.Sleep(120 * time.Millisecond)
	bp.StopAutosync()

	if _, found, err := blob.Read(ctx, "t/autosync"); err != nil || !found {
		t.Fatalf("expected an autosync snapshot at t/autosync, found=%v err=%v", found, err)
	}
}

func TestClearRemovesTheBlob(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	blob := NewFilesystemBlobStore(root)

	se := newTestStore(t)
	bp := New(se, blob, logging.Nop())
	if _, err := bp.Initialize(ctx, "opfs:/t/db"); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := bp.ForceSync(ctx); err != nil {
		t.Fatalf("force_sync: %v", err)
	}
	if _, found, _ := blob.Read(ctx, "t/db"); !found {
		t.Fatal("expected a snapshot to exist before clear")
	}

	if err := bp.Clear(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if _, found, _ := blob.Read(ctx, "t/db"); found {
		t.Error("expected the blob to be gone after clear")
	}
}

func TestFilesystemBlobStoreWriteIsAtomic(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	blob := NewFilesystemBlobStore(root)

	if err := blob.Write(ctx, "nested/path/db", []byte("v1")); err != nil {
		t.Fatalf("write v1: %v", err)
	}
	if err := blob.Write(ctx, "nested/path/db", []byte("v2")); err != nil {
		t.Fatalf("write v2: %v", err)
	}
	data, found, err := blob.Read(ctx, "nested/path/db")
	if err != nil || !found {
		t.Fatalf("read: found=%v err=%v", found, err)
	}
	if string(data) != "v2" {
		t.Errorf("data = %q, want v2", data)
	}

	entries, err := filepath.Glob(filepath.Join(root, "nested/path", ".hybridstore-blob-*"))
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("expected no leftover temp files, found %v", entries)
	}
}
