// Package storage implements the Storage Engine (SE, spec.md §4.1): the
// embedded relational store plus its two virtual index facilities — a
// tokenized lexical index producing BM25 scores, and a vector index
// producing distances over fixed-dimension float32 arrays.
//
// SE exposes a narrow execution surface (Exec/Select/Serialize/
// Deserialize) and is single-threaded from its own perspective; callers
// (pkg/dispatch) serialize all access onto it.
package storage

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sync"

	"database/sql"

	"github.com/liliang-cn/hybridstore/internal/apperr"
	"github.com/liliang-cn/hybridstore/pkg/logging"
)

// Store is SE: one logical connection to the embedded database.
type Store struct {
	mu sync.Mutex

	db      *sql.DB
	path    string
	pragmas Pragmas
	logger  logging.Logger

	vectorAvailable bool
	vectorDims      map[int]bool

	// restoredBackingPath is set when Deserialize adopted a temp file as
	// the database's new backing store because the store was opened on
	// ":memory:" and had no durable path to write into. Removed on Close.
	restoredBackingPath string
}

// New constructs an unopened Store.
func New(logger logging.Logger) *Store {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Store{logger: logger}
}

// Open opens or creates the store at a logical path (spec.md §4.1
// open(path)). A ":memory:" path is non-durable.
func (s *Store) Open(ctx context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	db, err := sql.Open(driverName, path)
	if err != nil {
		return apperr.NewStoreError("open", apperr.CodeExecFailed, err, map[string]string{"path": path})
	}
	// SE is single-threaded from its own perspective (spec.md §4.1); a
	// single physical connection makes that explicit rather than relying
	// on the dispatcher mutex alone to prevent concurrent SQLite access.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return apperr.NewStoreError("open", apperr.CodeExecFailed, err, map[string]string{"path": path})
	}

	s.db = db
	s.path = path
	s.logger.Info("storage engine opened", "path", path, "driver", driverName)
	return nil
}

// Configure applies session-level tuning (spec.md §4.1 configure(pragmas),
// §6 session pragmas). Must be called after Open and after any
// Deserialize, since session state is not part of the serialized image.
func (s *Store) Configure(ctx context.Context, p Pragmas) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return apperr.ErrDatabaseNotInitialized
	}

	stmts := []string{
		fmt.Sprintf("PRAGMA temp_store = %s", p.TempStore),
		fmt.Sprintf("PRAGMA cache_size = %d", p.CacheKB),
		fmt.Sprintf("PRAGMA synchronous = %s", p.Synchronous),
		fmt.Sprintf("PRAGMA journal_mode = %s", p.JournalMode),
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return apperr.NewStoreError("configure", apperr.CodeExecFailed, err, nil)
		}
	}
	s.pragmas = p
	return nil
}

// CacheSizeKB returns the most recently configured page-cache size, read
// live so pkg/ingest's adaptive batch sizing calibrates against the
// store's actual configuration rather than a hardcoded constant (spec.md
// §9 open question on the 8 MiB default).
func (s *Store) CacheSizeKB(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return 0, apperr.ErrDatabaseNotInitialized
	}
	var kb int
	if err := s.db.QueryRowContext(ctx, "PRAGMA cache_size").Scan(&kb); err != nil {
		return 0, apperr.NewStoreError("cache_size", apperr.CodeExecFailed, err, nil)
	}
	return kb, nil
}

// InitVectorExtension initializes the vector-index facility for a
// collection of the given dimension (spec.md §4.1 init_vector_extension).
// Fails with ErrVectorUnavailable if the facility is not linked into this
// build (see driver_vec.go / driver_novec.go). Idempotent per dimension:
// calling it twice for the same dim is a no-op on the second call, so
// callers may reapply it freely after a restore without re-checking
// whether the table already exists.
func (s *Store) InitVectorExtension(ctx context.Context, dim int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return apperr.ErrDatabaseNotInitialized
	}
	if err := s.initVectorExtension(ctx, dim); err != nil {
		return err
	}
	s.vectorAvailable = true
	if s.vectorDims == nil {
		s.vectorDims = make(map[int]bool)
	}
	s.vectorDims[dim] = true
	return nil
}

// VectorAvailable reports whether the vector-index facility is linked
// into this build and has been initialized for at least one dimension.
func (s *Store) VectorAvailable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.vectorAvailable
}

// VectorDimInitialized reports whether InitVectorExtension has already
// created the vec0 table for dim, so callers can skip redundant
// CREATE VIRTUAL TABLE statements on a hot insert path.
func (s *Store) VectorDimInitialized(dim int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.vectorDims[dim]
}

// Exec executes a statement for side effects (spec.md §4.1 exec).
func (s *Store) Exec(ctx context.Context, sqlStmt string, params ...any) (rowsAffected int64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return 0, apperr.ErrDatabaseNotInitialized
	}

	bound, err := bindParams(params)
	if err != nil {
		return 0, apperr.NewStoreError("exec", apperr.CodePrepareFailed, err, nil)
	}

	stmt, err := s.db.PrepareContext(ctx, sqlStmt)
	if err != nil {
		return 0, apperr.NewStoreError("exec", apperr.CodePrepareFailed, err, nil)
	}
	defer stmt.Close()

	res, err := stmt.ExecContext(ctx, bound...)
	if err != nil {
		return 0, apperr.NewStoreError("exec", apperr.CodeExecFailed, err, nil)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Select prepares, binds, steps and materializes all rows as maps keyed
// by column name (spec.md §4.1 select). Per spec.md §9's open question,
// a statement that produces no columns (e.g. an INSERT issued through
// Select) returns an empty row list rather than an error.
func (s *Store) Select(ctx context.Context, sqlStmt string, params ...any) (result *Result, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, apperr.ErrDatabaseNotInitialized
	}

	bound, err := bindParams(params)
	if err != nil {
		return nil, apperr.NewStoreError("select", apperr.CodePrepareFailed, err, nil)
	}

	stmt, err := s.db.PrepareContext(ctx, sqlStmt)
	if err != nil {
		return nil, apperr.NewStoreError("select", apperr.CodePrepareFailed, err, nil)
	}
	defer stmt.Close()

	rows, err := stmt.QueryContext(ctx, bound...)
	if err != nil {
		return nil, apperr.NewStoreError("select", apperr.CodeExecFailed, err, nil)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, apperr.NewStoreError("select", apperr.CodeExecFailed, err, nil)
	}

	out := &Result{Columns: columns}
	if len(columns) == 0 {
		return out, nil
	}

	for rows.Next() {
		scanned := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range scanned {
			ptrs[i] = &scanned[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, apperr.NewStoreError("select", apperr.CodeExecFailed, err, nil)
		}
		row := make(Row, len(columns))
		for i, col := range columns {
			row[col] = scanned[i]
		}
		out.Rows = append(out.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.NewStoreError("select", apperr.CodeExecFailed, err, nil)
	}
	return out, nil
}

// Serialize returns a self-contained byte image of the current database
// (spec.md §4.1 serialize), grounded in the teacher's own VACUUM INTO
// backup discipline (pkg/core/io.go Backup) since the pure-Go and cgo
// drivers in this build do not expose sqlite3_serialize through
// database/sql.
func (s *Store) Serialize(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, apperr.ErrDatabaseNotInitialized
	}

	tmp, err := os.CreateTemp("", "hybridstore-snapshot-*.db")
	if err != nil {
		return nil, apperr.NewStoreError("serialize", apperr.CodeBlobIoError, err, nil)
	}
	tmpPath := tmp.Name()
	tmp.Close()
	os.Remove(tmpPath) // VACUUM INTO requires the destination not to exist
	defer os.Remove(tmpPath)

	if _, err := s.db.ExecContext(ctx, fmt.Sprintf("VACUUM INTO '%s'", tmpPath)); err != nil {
		return nil, apperr.NewStoreError("serialize", apperr.CodeExecFailed, err, nil)
	}

	data, err := os.ReadFile(tmpPath)
	if err != nil {
		return nil, apperr.NewStoreError("serialize", apperr.CodeBlobIoError, err, nil)
	}
	return data, nil
}

// Deserialize replaces the current database with the contents of data
// (spec.md §4.1 deserialize). Session state (pragmas, the vector
// extension) is not part of the image; callers must reapply Configure
// and InitVectorExtension after a successful call.
func (s *Store) Deserialize(ctx context.Context, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tmp, err := os.CreateTemp("", "hybridstore-restore-*.db")
	if err != nil {
		return apperr.NewStoreError("deserialize", apperr.CodeBlobIoError, err, nil)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return apperr.NewStoreError("deserialize", apperr.CodeBlobIoError, err, nil)
	}
	tmp.Close()

	if s.db != nil {
		s.db.Close()
	}
	if s.restoredBackingPath != "" {
		os.Remove(s.restoredBackingPath)
		s.restoredBackingPath = ""
	}

	targetPath := s.path
	if targetPath == "" || targetPath == ":memory:" {
		// No durable backing file to replace: adopt the restored image
		// itself as the new backing file. Close removes it.
		targetPath = tmpPath
		s.restoredBackingPath = tmpPath
	} else if err := replaceFile(tmpPath, targetPath); err != nil {
		return apperr.NewStoreError("deserialize", apperr.CodeBlobIoError, err, nil)
	}

	db, err := sql.Open(driverName, targetPath)
	if err != nil {
		return apperr.NewStoreError("deserialize", apperr.CodeExecFailed, err, nil)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return apperr.NewStoreError("deserialize", apperr.CodeExecFailed, err, nil)
	}

	s.db = db
	s.vectorAvailable = false
	s.vectorDims = nil
	s.logger.Info("storage engine restored from snapshot", "path", s.path)
	return nil
}

// Close releases the store (spec.md §4.1 close).
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	if s.restoredBackingPath != "" {
		os.Remove(s.restoredBackingPath)
		s.restoredBackingPath = ""
	}
	return err
}

// replaceFile atomically replaces dst with the contents of src, falling
// back to a copy into a temp file beside dst, then a rename, when the two
// paths are not on the same filesystem (cross-device os.Rename fails with
// EXDEV).
func replaceFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	defer os.Remove(src)

	out, err := os.CreateTemp(filepath.Dir(dst), filepath.Base(dst)+"-tmp-*")
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(out.Name())
		return err
	}
	out.Close()
	return os.Rename(out.Name(), dst)
}

// bindParams applies the dynamic parameter binding contract of spec.md §9:
// integer-valued numbers bind as integers, non-integer numbers as floats,
// strings as text, byte arrays as blobs, and float32 arrays as blobs by
// reinterpreting their memory as bytes.
func bindParams(params []any) ([]any, error) {
	bound := make([]any, len(params))
	for i, p := range params {
		v, err := bindValue(p)
		if err != nil {
			return nil, fmt.Errorf("bind parameter %d: %w", i, err)
		}
		bound[i] = v
	}
	return bound, nil
}

func bindValue(v any) (any, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case []float32:
		buf := make([]byte, 4*len(val))
		for i, f := range val {
			binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
		}
		return buf, nil
	case []byte:
		return val, nil
	case string:
		return val, nil
	case bool:
		if val {
			return int64(1), nil
		}
		return int64(0), nil
	case int:
		return int64(val), nil
	case int8:
		return int64(val), nil
	case int16:
		return int64(val), nil
	case int32:
		return int64(val), nil
	case int64:
		return val, nil
	case uint:
		return int64(val), nil
	case uint8:
		return int64(val), nil
	case uint16:
		return int64(val), nil
	case uint32:
		return int64(val), nil
	case uint64:
		return int64(val), nil
	case float32:
		return classifyFloat(float64(val))
	case float64:
		return classifyFloat(val)
	default:
		return nil, fmt.Errorf("unsupported parameter type %T", v)
	}
}

// classifyFloat implements "integer-versus-float classification is done
// by checking is_integer" (spec.md §9).
func classifyFloat(f float64) (any, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, fmt.Errorf("non-finite number")
	}
	if f == math.Trunc(f) {
		return int64(f), nil
	}
	return f, nil
}
