package blobstore

import (
	"context"
	"os"
	"path/filepath"

	"github.com/liliang-cn/hybridstore/internal/apperr"
)

// FilesystemBlobStore is a concrete, host-style BlobStore rooted at a
// directory (SPEC_FULL.md §4.2.1). It translates a logical path (the part
// of an opfs:/ URL after the scheme) into <root>/<path>, creating parent
// directories on demand and replacing files atomically via a temp-file-
// then-rename, in the same spirit as the storage engine's own VACUUM
// INTO-based Serialize/Deserialize.
type FilesystemBlobStore struct {
	root string
}

// NewFilesystemBlobStore constructs a store rooted at root. The directory
// is created lazily on first write.
func NewFilesystemBlobStore(root string) *FilesystemBlobStore {
	return &FilesystemBlobStore{root: root}
}

func (f *FilesystemBlobStore) resolve(path string) string {
	return filepath.Join(f.root, filepath.FromSlash(path))
}

// Read implements BlobStore.
func (f *FilesystemBlobStore) Read(ctx context.Context, path string) ([]byte, bool, error) {
	data, err := os.ReadFile(f.resolve(path))
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, apperr.NewStoreError("blob_read", apperr.CodeBlobIoError, err, map[string]string{"path": path})
	}
	return data, true, nil
}

// Write implements BlobStore, replacing any existing blob atomically.
func (f *FilesystemBlobStore) Write(ctx context.Context, path string, data []byte) error {
	full := f.resolve(path)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return apperr.NewStoreError("blob_write", apperr.CodeBlobIoError, err, map[string]string{"path": path})
	}

	tmp, err := os.CreateTemp(filepath.Dir(full), ".hybridstore-blob-*")
	if err != nil {
		return apperr.NewStoreError("blob_write", apperr.CodeBlobIoError, err, map[string]string{"path": path})
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return apperr.NewStoreError("blob_write", apperr.CodeBlobIoError, err, map[string]string{"path": path})
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return apperr.NewStoreError("blob_write", apperr.CodeBlobIoError, err, map[string]string{"path": path})
	}
	if err := os.Rename(tmpPath, full); err != nil {
		os.Remove(tmpPath)
		return apperr.NewStoreError("blob_write", apperr.CodeBlobIoError, err, map[string]string{"path": path})
	}
	return nil
}

// Remove implements BlobStore. Removing an absent blob is not an error.
func (f *FilesystemBlobStore) Remove(ctx context.Context, path string) error {
	if err := os.Remove(f.resolve(path)); err != nil && !os.IsNotExist(err) {
		return apperr.NewStoreError("blob_remove", apperr.CodeBlobIoError, err, map[string]string{"path": path})
	}
	return nil
}

// Quota implements BlobStore. The standard library has no portable
// filesystem quota query, so this reports unknown rather than guessing
// from free-space APIs tied to a specific OS (spec.md §4.2: "-1 indicates
// unknown").
func (f *FilesystemBlobStore) Quota(ctx context.Context) (Quota, error) {
	return UnknownQuota(), nil
}
