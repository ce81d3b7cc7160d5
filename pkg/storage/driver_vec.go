//go:build !nosqlitevec

package storage

import (
	"context"
	"fmt"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"
)

// driverName selects mattn/go-sqlite3 in the default build, the only
// driver in this dependency set that supports loading a native C
// extension — required for the real vec0 vector index facility.
const driverName = "sqlite3"

func init() {
	sqlite_vec.Auto()
}

// VectorTableName returns the vec0 virtual table backing the vector index
// for documents of dimension dim (spec.md §4.3: "one vector-index virtual
// table with a single embedding column of the declared dimension"). vec0
// fixes a table's column width at CREATE time, so collections of
// different declared dimensions cannot share one table without breaking
// spec.md §3's "vector dimension equals the collection's declared
// dimension" invariant; each distinct dimension in use gets its own
// table instead, named deterministically so every caller derives the
// same name from the dimension alone. Exported so pkg/hybridsearch can
// build Shape B/C SQL against the real table name.
func VectorTableName(dim int) string {
	return fmt.Sprintf("vec_dense_%d", dim)
}

func (s *Store) initVectorExtension(ctx context.Context, dim int) error {
	stmt := fmt.Sprintf(
		"CREATE VIRTUAL TABLE IF NOT EXISTS %s USING vec0(embedding float[%d])",
		VectorTableName(dim), dim,
	)
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("init vector extension: %w", err)
	}
	return nil
}
