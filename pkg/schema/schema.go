// Package schema implements the Schema Manager (SM, spec.md §4.3): it
// creates and migrates the logical tables backing the collection-and-
// document model and enforces collection-metadata invariants.
package schema

import (
	"context"
	"fmt"
	"regexp"

	"github.com/liliang-cn/hybridstore/internal/apperr"
	"github.com/liliang-cn/hybridstore/pkg/storage"
)

const (
	// MinDimension and MaxDimension bound a collection's declared vector
	// dimension (spec.md §4.3 invariant).
	MinDimension = 1
	MaxDimension = 8192

	// DefaultDimension is used when create_collection omits dimensions.
	DefaultDimension = 384

	// DefaultCollectionName is the collection ensure_schema provisions so
	// a host may start ingesting without first calling create_collection.
	DefaultCollectionName = "default"

	// BaseTable, FTSTable name the physical tables spec.md §4.3 "Shape"
	// describes. A single physical base table hosts every logical
	// collection via its collection column; rowid is the join key to
	// both virtual indices.
	BaseTable = "docs_default"
	FTSTable  = "fts_default"
)

var collectionNamePattern = regexp.MustCompile(`^[A-Za-z0-9_]{1,64}$`)

// Collection is the metadata spec.md §3 attaches to a named logical
// grouping of documents.
type Collection struct {
	Name          string
	Dimensions    int
	Config        string
	DocumentCount int
}

// Manager is SM.
type Manager struct {
	se *storage.Store
}

// New constructs a Manager bound to an opened Storage Engine.
func New(se *storage.Store) *Manager {
	return &Manager{se: se}
}

// schemaSQL creates every table and index SM owns, grounded in the
// teacher's pkg/core/store_init.go createTables, generalized from a
// single fixed collection_id foreign key to the collection-column shape
// spec.md §4.3 specifies.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS collections (
	name TEXT PRIMARY KEY,
	dimensions INTEGER NOT NULL,
	config TEXT NOT NULL DEFAULT '',
	created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS docs_default (
	id TEXT NOT NULL,
	title TEXT,
	content TEXT NOT NULL DEFAULT '',
	collection TEXT NOT NULL DEFAULT 'default',
	metadata TEXT,
	created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (collection, id)
);
CREATE INDEX IF NOT EXISTS idx_docs_default_collection ON docs_default(collection);

CREATE VIRTUAL TABLE IF NOT EXISTS fts_default USING fts5(
	title, content, metadata, id UNINDEXED, collection UNINDEXED
);
`

// EnsureSchema creates all tables if absent and is idempotent (spec.md
// §4.3, §8 round-trip law "ensure_schema() called twice is equivalent to
// calling it once").
func (m *Manager) EnsureSchema(ctx context.Context) error {
	if _, err := m.se.Exec(ctx, schemaSQL); err != nil {
		return apperr.NewStoreError("ensure_schema", apperr.CodeExecFailed, err, nil)
	}
	return m.CreateCollection(ctx, DefaultCollectionName, DefaultDimension, "")
}

// CreateCollection registers a collection (spec.md §4.3
// create_collection). Creating an already-existing collection leaves its
// registered dimensions and config unchanged, matching the idempotence the
// default collection's auto-provisioning relies on; the vector table for
// the requested dimension is still provisioned.
func (m *Manager) CreateCollection(ctx context.Context, name string, dimensions int, config string) error {
	if !collectionNamePattern.MatchString(name) {
		return apperr.NewStoreError("create_collection", apperr.CodeValidationError,
			fmt.Errorf("collection name %q must match [A-Za-z0-9_]{1,64}", name), nil)
	}
	if dimensions <= 0 {
		dimensions = DefaultDimension
	}
	if dimensions < MinDimension || dimensions > MaxDimension {
		return apperr.NewStoreError("create_collection", apperr.CodeValidationError,
			fmt.Errorf("dimension %d out of range [%d,%d]", dimensions, MinDimension, MaxDimension), nil)
	}

	_, err := m.se.Exec(ctx,
		`INSERT OR IGNORE INTO collections (name, dimensions, config) VALUES (?, ?, ?)`,
		name, dimensions, config)
	if err != nil {
		return apperr.NewStoreError("create_collection", apperr.CodeExecFailed, err, nil)
	}

	// Provision the vector-index facility for this collection's declared
	// dimension up front, so insert_document never has to choose between
	// silently dropping a vector and lazily creating a table mid-insert.
	// A build without the facility linked in is not a creation failure
	// (spec.md §4.1: search and insert degrade gracefully instead).
	if err := m.se.InitVectorExtension(ctx, dimensions); err != nil && apperr.CodeOf(err) != apperr.CodeVectorUnavailable {
		return apperr.NewStoreError("create_collection", apperr.CodeExecFailed, err, nil)
	}
	return nil
}

// Dimensions returns a collection's declared vector dimension, used by HSE
// and IP to locate the vec0 table sized for that collection (spec.md §3).
func (m *Manager) Dimensions(ctx context.Context, name string) (int, error) {
	result, err := m.se.Select(ctx, `SELECT dimensions FROM collections WHERE name = ?`, name)
	if err != nil {
		return 0, apperr.NewStoreError("collection_dimensions", apperr.CodeExecFailed, err, nil)
	}
	if len(result.Rows) == 0 {
		return 0, apperr.NewStoreError("collection_dimensions", apperr.CodeValidationError,
			fmt.Errorf("collection %q not found", name), nil)
	}
	return int(storage.AsInt64(result.Rows[0]["dimensions"])), nil
}

// CollectionInfo returns a collection's metadata and live document count
// (spec.md §4.3 collection_info).
func (m *Manager) CollectionInfo(ctx context.Context, name string) (*Collection, error) {
	result, err := m.se.Select(ctx, `SELECT name, dimensions, config FROM collections WHERE name = ?`, name)
	if err != nil {
		return nil, apperr.NewStoreError("collection_info", apperr.CodeExecFailed, err, nil)
	}
	if len(result.Rows) == 0 {
		return nil, apperr.NewStoreError("collection_info", apperr.CodeValidationError,
			fmt.Errorf("collection %q not found", name), nil)
	}
	row := result.Rows[0]
	c := &Collection{
		Name:       storage.AsString(row["name"]),
		Dimensions: int(storage.AsInt64(row["dimensions"])),
		Config:     storage.AsString(row["config"]),
	}

	countResult, err := m.se.Select(ctx, `SELECT COUNT(*) AS n FROM docs_default WHERE collection = ?`, name)
	if err == nil && len(countResult.Rows) == 1 {
		c.DocumentCount = int(storage.AsInt64(countResult.Rows[0]["n"]))
	}
	return c, nil
}

// ListCollections returns every registered collection.
func (m *Manager) ListCollections(ctx context.Context) ([]*Collection, error) {
	result, err := m.se.Select(ctx, `SELECT name, dimensions, config FROM collections ORDER BY name`)
	if err != nil {
		return nil, apperr.NewStoreError("list_collections", apperr.CodeExecFailed, err, nil)
	}
	collections := make([]*Collection, 0, len(result.Rows))
	for _, row := range result.Rows {
		collections = append(collections, &Collection{
			Name:       storage.AsString(row["name"]),
			Dimensions: int(storage.AsInt64(row["dimensions"])),
			Config:     storage.AsString(row["config"]),
		})
	}
	return collections, nil
}
