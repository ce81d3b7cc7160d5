// Package ingest implements the Ingestion Pipeline (IP, spec.md §4.4): it
// validates documents, assigns identifiers, writes base rows, and
// synchronizes the lexical index, with memory-bounded adaptive batching and
// best-effort lexical-index recovery.
package ingest

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/liliang-cn/hybridstore/internal/apperr"
	"github.com/liliang-cn/hybridstore/internal/encoding"
	"github.com/liliang-cn/hybridstore/pkg/logging"
	"github.com/liliang-cn/hybridstore/pkg/schema"
	"github.com/liliang-cn/hybridstore/pkg/storage"
)

const (
	minBatchSize       = 5
	maxBatchSize       = 50
	fallbackBatchSize  = 10
	innerSyncBatchSize = 10
	sampleSize         = 10
)

var (
	collectionNamePattern = regexp.MustCompile(`^[A-Za-z0-9_]{1,64}$`)
	unsafeIdentifierChars = regexp.MustCompile(`[^A-Za-z0-9_\-.:]`)
)

// Document is the ingestion-side input shape (spec.md §3). Vector is
// optional; when present, its length must equal the target collection's
// declared dimension (spec.md §3 "Vector entry" invariant).
type Document struct {
	ID       string
	Title    string
	Content  string
	Metadata map[string]string
	Vector   []float32
}

// Options controls per-call ingestion behavior (spec.md §4.4 opts).
type Options struct {
	// SkipLexicalSync is used internally by batch mode to defer lexical
	// -index writes to the fill-in phase; a caller of InsertDocument
	// directly may also set it to opt out of lexical coverage.
	SkipLexicalSync bool
}

// Manager is IP.
type Manager struct {
	se     *storage.Store
	sm     *schema.Manager
	logger logging.Logger
}

// New constructs a Manager bound to an opened Storage Engine and its
// Schema Manager, the latter used to resolve a collection's declared
// vector dimension when a document carries an embedding.
func New(se *storage.Store, sm *schema.Manager, logger logging.Logger) *Manager {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Manager{se: se, sm: sm, logger: logger}
}

// InsertDocument upserts a single document (spec.md §4.4 insert_document).
func (m *Manager) InsertDocument(ctx context.Context, collection string, doc Document, opts Options) (string, error) {
	if !collectionNamePattern.MatchString(collection) {
		return "", apperr.NewStoreError("insert_document", apperr.CodeValidationError,
			fmt.Errorf("collection name %q must match [A-Za-z0-9_]{1,64}", collection), nil)
	}

	identifier, rowID, metadataJSON, err := m.insertOne(ctx, collection, doc)
	if err != nil {
		return "", err
	}

	if !opts.SkipLexicalSync {
		m.syncLexicalOne(ctx, collection, identifier, rowID, doc.Title, doc.Content, metadataJSON)
	}
	return identifier, nil
}

// BatchInsertDocuments bulk-upserts documents (spec.md §4.4
// batch_insert_documents). A batch of size one delegates to InsertDocument;
// otherwise documents are partitioned into adaptively sized outer batches,
// each committed as its own transaction, with lexical-index fill-in
// following in fixed-size inner batches per spec.md §4.4.
func (m *Manager) BatchInsertDocuments(ctx context.Context, collection string, docs []Document, opts Options) ([]string, error) {
	if !collectionNamePattern.MatchString(collection) {
		return nil, apperr.NewStoreError("batch_insert_documents", apperr.CodeValidationError,
			fmt.Errorf("collection name %q must match [A-Za-z0-9_]{1,64}", collection), nil)
	}
	if len(docs) == 0 {
		return nil, nil
	}
	if len(docs) == 1 {
		id, err := m.InsertDocument(ctx, collection, docs[0], opts)
		if err != nil {
			return nil, err
		}
		return []string{id}, nil
	}

	batchSize := m.computeBatchSize(ctx, docs)
	m.logger.Debug("batch_insert_documents: computed adaptive batch size", "collection", collection, "batch_size", batchSize, "documents", len(docs))

	identifiers := make([]string, 0, len(docs))
	globalIndex := 0
	for start := 0; start < len(docs); start += batchSize {
		end := start + batchSize
		if end > len(docs) {
			end = len(docs)
		}
		batch := docs[start:end]

		ids, rowIDs, metadataJSONs, err := m.insertOuterBatch(ctx, collection, batch, globalIndex)
		if err != nil {
			return nil, err
		}
		identifiers = append(identifiers, ids...)

		m.syncLexicalBatch(ctx, collection, batch, ids, rowIDs, metadataJSONs)
		globalIndex += len(batch)
	}
	return identifiers, nil
}

// insertOne validates, serializes and writes the base row for a single
// document, then verifies it landed and resolves its row identifier
// (spec.md §4.4 steps 1-4, folded into one existence check since a missing
// row after insert is the single failure mode both steps guard against).
func (m *Manager) insertOne(ctx context.Context, collection string, doc Document) (identifier string, rowID int64, metadataJSON string, err error) {
	identifier = sanitizeIdentifier(doc.ID)

	metadataJSON, err = encoding.EncodeMetadata(doc.Metadata)
	if err != nil {
		return "", 0, "", &apperr.DocumentInsertError{
			Collection: collection, Identifier: identifier, Fields: providedFields(doc),
			Suggestion: "metadata must be JSON-serializable", Err: err,
		}
	}

	_, err = m.se.Exec(ctx,
		`INSERT OR REPLACE INTO `+schema.BaseTable+` (id, title, content, collection, metadata, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)`,
		identifier, doc.Title, doc.Content, collection, metadataJSON)
	if err != nil {
		return "", 0, "", &apperr.DocumentInsertError{
			Collection: collection, Identifier: identifier, Fields: providedFields(doc),
			Suggestion: "check that the collection exists and the document fields satisfy the schema", Err: err,
		}
	}

	verify, err := m.se.Select(ctx,
		`SELECT rowid AS row_id FROM `+schema.BaseTable+` WHERE id = ? AND collection = ?`, identifier, collection)
	if err != nil || len(verify.Rows) == 0 {
		return "", 0, "", &apperr.DocumentInsertError{
			Collection: collection, Identifier: identifier, Fields: providedFields(doc),
			Suggestion: "row not found after insert; likely a unique-constraint violation or rolled-back transaction",
			Err:        fmt.Errorf("verification query found no matching row"),
		}
	}
	rowID = storage.AsInt64(verify.Rows[0]["row_id"])

	if len(doc.Vector) > 0 {
		if err := m.insertVector(ctx, collection, identifier, rowID, doc.Vector); err != nil {
			return "", 0, "", err
		}
	}
	return identifier, rowID, metadataJSON, nil
}

// insertVector writes a document's embedding into the vec0 table sized
// for its collection's declared dimension (spec.md §3 "Vector entry",
// §4.4). A dimension mismatch or an unlinked vector facility both fail
// the insert rather than silently dropping the vector, since unlike the
// lexical index, a document's vector is something the caller explicitly
// asked to be written.
func (m *Manager) insertVector(ctx context.Context, collection, identifier string, rowID int64, vector []float32) error {
	dim, err := m.sm.Dimensions(ctx, collection)
	if err != nil {
		return &apperr.DocumentInsertError{
			Collection: collection, Identifier: identifier, Fields: []string{"vector"},
			Suggestion: "collection must exist before a document with a vector can be inserted into it",
			Err:        err,
		}
	}
	if len(vector) != dim {
		return &apperr.DocumentInsertError{
			Collection: collection, Identifier: identifier, Fields: []string{"vector"},
			Suggestion: fmt.Sprintf("vector has %d dimensions, collection %q declares %d", len(vector), collection, dim),
			Err:        encoding.ErrInvalidVector,
		}
	}

	if !m.se.VectorDimInitialized(dim) {
		if err := m.se.InitVectorExtension(ctx, dim); err != nil {
			return &apperr.DocumentInsertError{
				Collection: collection, Identifier: identifier, Fields: []string{"vector"},
				Suggestion: "the vector index facility is not linked into this build",
				Err:        err,
			}
		}
	}

	if err := encoding.ValidateVector(vector); err != nil {
		return &apperr.DocumentInsertError{
			Collection: collection, Identifier: identifier, Fields: []string{"vector"},
			Suggestion: "vector must contain only finite values",
			Err:        err,
		}
	}
	// The storage engine binds a []float32 as its little-endian float32
	// byte image, the insert-side form the vector index stores.
	stmt := fmt.Sprintf(`INSERT OR REPLACE INTO %s (rowid, embedding) VALUES (?, ?)`, storage.VectorTableName(dim))
	if _, err := m.se.Exec(ctx, stmt, rowID, vector); err != nil {
		return &apperr.DocumentInsertError{
			Collection: collection, Identifier: identifier, Fields: []string{"vector"},
			Suggestion: "check that the vector index table is writable",
			Err:        err,
		}
	}
	return nil
}

// insertOuterBatch runs one outer batch as a single immediate transaction
// (spec.md §4.4 step 2). On any failure it rolls back, annotates the error
// with the global document index, and returns without touching the lexical
// index.
func (m *Manager) insertOuterBatch(ctx context.Context, collection string, batch []Document, globalOffset int) (ids []string, rowIDs []int64, metadataJSONs []string, err error) {
	if _, err := m.se.Exec(ctx, "BEGIN IMMEDIATE"); err != nil {
		return nil, nil, nil, apperr.NewStoreError("batch_insert_documents", apperr.CodeExecFailed, err, nil)
	}

	ids = make([]string, 0, len(batch))
	rowIDs = make([]int64, 0, len(batch))
	metadataJSONs = make([]string, 0, len(batch))

	for i, doc := range batch {
		id, rowID, metaJSON, insErr := m.insertOne(ctx, collection, doc)
		if insErr != nil {
			if _, rbErr := m.se.Exec(ctx, "ROLLBACK"); rbErr != nil {
				m.logger.Warn("batch_insert_documents: rollback failed", "error", rbErr)
			}
			return nil, nil, nil, fmt.Errorf("batch_insert_documents: document at index %d: %w", globalOffset+i, insErr)
		}
		ids = append(ids, id)
		rowIDs = append(rowIDs, rowID)
		metadataJSONs = append(metadataJSONs, metaJSON)
	}

	if _, err := m.se.Exec(ctx, "COMMIT"); err != nil {
		if _, rbErr := m.se.Exec(ctx, "ROLLBACK"); rbErr != nil {
			m.logger.Warn("batch_insert_documents: rollback after commit failure failed", "error", rbErr)
		}
		return nil, nil, nil, fmt.Errorf("batch_insert_documents: commit at global offset %d: %w", globalOffset,
			apperr.NewStoreError("batch_insert_documents", apperr.CodeExecFailed, err, nil))
	}
	return ids, rowIDs, metadataJSONs, nil
}

// syncLexicalOne writes one lexical-index row, logging and swallowing
// failures — the base row is authoritative (spec.md §4.4 step 5).
func (m *Manager) syncLexicalOne(ctx context.Context, collection, identifier string, rowID int64, title, content, metadataJSON string) {
	if _, err := m.se.Exec(ctx,
		`INSERT OR REPLACE INTO `+schema.FTSTable+` (rowid, title, content, metadata, id, collection) VALUES (?, ?, ?, ?, ?, ?)`,
		rowID, title, content, metadataJSON, identifier, collection); err != nil {
		m.logger.Warn("lexical index sync failed", "collection", collection, "id", identifier, "error", err)
	}
}

// syncLexicalBatch runs the fill-in phase in fixed-size inner batches
// (spec.md §4.4 step 3). Inner-batch failures are logged warnings; base
// rows remain queryable without lexical coverage for the affected documents
// until a reindex is requested.
func (m *Manager) syncLexicalBatch(ctx context.Context, collection string, batch []Document, ids []string, rowIDs []int64, metadataJSONs []string) {
	for start := 0; start < len(batch); start += innerSyncBatchSize {
		end := start + innerSyncBatchSize
		if end > len(batch) {
			end = len(batch)
		}
		if err := m.syncLexicalInnerBatch(ctx, collection, batch[start:end], ids[start:end], rowIDs[start:end], metadataJSONs[start:end]); err != nil {
			m.logger.Warn("lexical index inner batch sync failed", "collection", collection, "batch_start", start, "error", err)
		}
	}
}

func (m *Manager) syncLexicalInnerBatch(ctx context.Context, collection string, batch []Document, ids []string, rowIDs []int64, metadataJSONs []string) error {
	if _, err := m.se.Exec(ctx, "BEGIN IMMEDIATE"); err != nil {
		return err
	}
	for i, doc := range batch {
		if _, err := m.se.Exec(ctx,
			`INSERT OR REPLACE INTO `+schema.FTSTable+` (rowid, title, content, metadata, id, collection) VALUES (?, ?, ?, ?, ?, ?)`,
			rowIDs[i], doc.Title, doc.Content, metadataJSONs[i], ids[i], collection); err != nil {
			if _, rbErr := m.se.Exec(ctx, "ROLLBACK"); rbErr != nil {
				m.logger.Warn("lexical inner batch: rollback failed", "error", rbErr)
			}
			return err
		}
	}
	if _, err := m.se.Exec(ctx, "COMMIT"); err != nil {
		if _, rbErr := m.se.Exec(ctx, "ROLLBACK"); rbErr != nil {
			m.logger.Warn("lexical inner batch: rollback after commit failure failed", "error", rbErr)
		}
		return err
	}
	return nil
}

// computeBatchSize implements the adaptive batch sizing algorithm (spec.md
// §4.4 step 1): sample up to the first ten documents to estimate average
// per-document working-set bytes, divide 25% of the page cache by that
// average, and clamp to [5, 50]. Any failure falls back to 10.
func (m *Manager) computeBatchSize(ctx context.Context, docs []Document) int {
	cacheKB, err := m.se.CacheSizeKB(ctx)
	if err != nil {
		return fallbackBatchSize
	}
	if cacheKB < 0 {
		cacheKB = -cacheKB
	}
	cacheBytes := float64(cacheKB) * 1024

	sampleCount := len(docs)
	if sampleCount > sampleSize {
		sampleCount = sampleSize
	}

	var totalBytes int
	for i := 0; i < sampleCount; i++ {
		d := docs[i]
		metaJSON, err := encoding.EncodeMetadata(d.Metadata)
		if err != nil {
			return fallbackBatchSize
		}
		totalBytes += len(d.Content) + len(d.Title) + len(metaJSON) + 4*len(d.Content)
	}
	if sampleCount == 0 || totalBytes == 0 {
		return fallbackBatchSize
	}

	avg := float64(totalBytes) / float64(sampleCount)
	if avg <= 0 {
		return fallbackBatchSize
	}

	raw := int((cacheBytes * 0.25) / avg)
	if raw < minBatchSize {
		raw = minBatchSize
	}
	if raw > maxBatchSize {
		raw = maxBatchSize
	}
	return raw
}

// sanitizeIdentifier assigns a fresh UUID when id is empty, otherwise maps
// any character outside the safe identifier set to an underscore (spec.md
// §4.4 step 1: "doc.id, if provided, is sanitized to a safe identifier").
func sanitizeIdentifier(id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return uuid.NewString()
	}
	return unsafeIdentifierChars.ReplaceAllString(id, "_")
}

// providedFields reports which optional document fields the caller
// supplied, for DocumentInsertError's remediation context (spec.md §7).
func providedFields(doc Document) []string {
	fields := []string{"content"}
	if doc.ID != "" {
		fields = append(fields, "id")
	}
	if doc.Title != "" {
		fields = append(fields, "title")
	}
	if len(doc.Metadata) > 0 {
		fields = append(fields, "metadata")
	}
	if len(doc.Vector) > 0 {
		fields = append(fields, "vector")
	}
	return fields
}
