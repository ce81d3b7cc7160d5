// Package blobstore implements Blob Persistence (BP, spec.md §4.2): it maps
// a logical durable path to a byte region in a host-provided blob store and
// coordinates periodic background flushes of the Storage Engine's
// serialized state to that region.
package blobstore

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/liliang-cn/hybridstore/internal/apperr"
	"github.com/liliang-cn/hybridstore/pkg/logging"
	"github.com/liliang-cn/hybridstore/pkg/storage"
)

const (
	opfsScheme               = "opfs:/"
	defaultAutosyncInterval  = 5 * time.Second
	inMemoryPath             = ":memory:"
)

// Quota reports host storage usage (spec.md §4.2 quota()). -1 in any field
// means unknown.
type Quota struct {
	Used      int64
	Total     int64
	Available int64
}

// UnknownQuota is the value Quota() reports when the underlying BlobStore
// cannot answer a usage query.
func UnknownQuota() Quota { return Quota{Used: -1, Total: -1, Available: -1} }

// BlobStore is the host-provided durable byte store contract (spec.md §6:
// "a byte blob store with directory-handle semantics and a
// storage.estimate()-like quota query"). The host implementation is out of
// scope; FilesystemBlobStore below is this repo's own concrete stand-in.
type BlobStore interface {
	Read(ctx context.Context, path string) (data []byte, found bool, err error)
	Write(ctx context.Context, path string, data []byte) error
	Remove(ctx context.Context, path string) error
	Quota(ctx context.Context) (Quota, error)
}

// Manager is BP.
type Manager struct {
	mu sync.Mutex

	se     *storage.Store
	blob   BlobStore
	logger logging.Logger

	effectivePath  string
	pendingRestore []byte
	saveInFlight   bool

	autosyncCancel context.CancelFunc
	autosyncDone   chan struct{}
}

// New constructs a Manager. blob may be nil, in which case Initialize
// always falls back to the non-durable store (spec.md §4.2: "If the host
// blob facility is unavailable, fall back to the non-durable store").
func New(se *storage.Store, blob BlobStore, logger logging.Logger) *Manager {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Manager{se: se, blob: blob, logger: logger}
}

// Initialize resolves a logical path to the path SE should open (spec.md
// §4.2 initialize, §6 "Durable path scheme"). A path not starting with
// "opfs:/" — including ":memory:" itself — passes through to SE
// unchanged; BP does not manage it. An "opfs:/<path>" logical path maps
// "<path>" to a blob-store key: SE always opens ":memory:" in this case,
// since durability comes entirely from serializing SE into a snapshot and
// shipping it through the host blob store, never from SE touching a real
// file at that key (the host environment this spec targets, e.g. a
// browser's OPFS, has no such file to touch). If an object already exists
// at the key, it is staged as pending_restore. Absence of a host blob
// store falls back to the non-durable store.
func (m *Manager) Initialize(ctx context.Context, logicalPath string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !strings.HasPrefix(logicalPath, opfsScheme) {
		m.effectivePath = inMemoryPath
		return logicalPath, nil
	}
	if m.blob == nil {
		m.effectivePath = inMemoryPath
		return inMemoryPath, nil
	}

	path := strings.TrimPrefix(logicalPath, opfsScheme)
	m.effectivePath = path

	data, found, err := m.blob.Read(ctx, path)
	if err != nil {
		m.logger.Warn("blob persistence: initial load failed, starting with an empty database", "path", path, "error", err)
		return inMemoryPath, nil
	}
	if found {
		m.pendingRestore = data
	}
	return inMemoryPath, nil
}

// TakePendingRestore returns and clears the snapshot staged by Initialize
// (spec.md §4.2 take_pending_restore). Called once by the open sequence,
// after SE.open.
func (m *Manager) TakePendingRestore() ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data := m.pendingRestore
	m.pendingRestore = nil
	return data, data != nil
}

// SaveSnapshot serializes SE and atomically replaces the blob at the
// effective path (spec.md §4.2 save_snapshot). A save already in flight
// coalesces a concurrent call into a no-op rather than queuing it.
func (m *Manager) SaveSnapshot(ctx context.Context) error {
	m.mu.Lock()
	if m.blob == nil || m.effectivePath == "" || m.effectivePath == inMemoryPath {
		m.mu.Unlock()
		return nil
	}
	if m.saveInFlight {
		m.mu.Unlock()
		return nil
	}
	m.saveInFlight = true
	path := m.effectivePath
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.saveInFlight = false
		m.mu.Unlock()
	}()

	data, err := m.se.Serialize(ctx)
	if err != nil {
		m.logger.Warn("blob persistence: serialize failed, snapshot skipped", "error", err)
		return nil
	}

	if quota, qerr := m.blob.Quota(ctx); qerr == nil && quota.Available >= 0 && int64(len(data)) > quota.Available {
		return apperr.NewStoreError("save_snapshot", apperr.CodeInsufficientSpace,
			fmt.Errorf("snapshot of %d bytes exceeds %d bytes available", len(data), quota.Available), nil)
	}

	if err := m.blob.Write(ctx, path, data); err != nil {
		m.logger.Warn("blob persistence: write failed, snapshot skipped", "path", path, "error", err)
		return nil
	}
	return nil
}

// StartAutosync installs a periodic task calling SaveSnapshot at interval
// (spec.md §4.2 start_autosync; default 5s). A second call while autosync
// is already running is a no-op.
func (m *Manager) StartAutosync(interval time.Duration) {
	m.mu.Lock()
	if m.autosyncCancel != nil {
		m.mu.Unlock()
		return
	}
	if interval <= 0 {
		interval = defaultAutosyncInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.autosyncCancel = cancel
	done := make(chan struct{})
	m.autosyncDone = done
	m.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := m.SaveSnapshot(ctx); err != nil {
					m.logger.Warn("autosync: save_snapshot failed", "error", err)
				}
			}
		}
	}()
}

// StopAutosync halts the periodic task started by StartAutosync and waits
// for it to exit (spec.md §4.2 stop_autosync).
func (m *Manager) StopAutosync() {
	m.mu.Lock()
	cancel := m.autosyncCancel
	done := m.autosyncDone
	m.autosyncCancel = nil
	m.autosyncDone = nil
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// ForceSync runs SaveSnapshot synchronously, outside the autosync timer
// (spec.md §4.2 force_sync).
func (m *Manager) ForceSync(ctx context.Context) error {
	return m.SaveSnapshot(ctx)
}

// Clear removes the blob at the effective path (spec.md §4.2 clear).
func (m *Manager) Clear(ctx context.Context) error {
	m.mu.Lock()
	path := m.effectivePath
	m.mu.Unlock()
	if m.blob == nil || path == "" || path == inMemoryPath {
		return nil
	}
	return m.blob.Remove(ctx, path)
}

// Quota reports host storage usage, or UnknownQuota when no blob store is
// configured (spec.md §4.2 quota).
func (m *Manager) Quota(ctx context.Context) (Quota, error) {
	if m.blob == nil {
		return UnknownQuota(), nil
	}
	return m.blob.Quota(ctx)
}
