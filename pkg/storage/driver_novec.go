//go:build nosqlitevec

package storage

import (
	"context"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/liliang-cn/hybridstore/internal/apperr"
)

// driverName selects the pure-Go modernc.org/sqlite driver under the
// nosqlitevec build tag — no cgo toolchain required, at the cost of the
// vector-index facility: modernc.org/sqlite is a from-scratch
// reimplementation with no mechanism for loading a native C extension,
// so vec0 is unavailable in this build (spec.md §4.1: "Fails with
// VectorUnavailable if the facility is not linked into this build").
const driverName = "sqlite"

// VectorTableName mirrors driver_vec.go's naming scheme but is
// unreachable in this build (no vec0 table is ever created): the query
// simply always fails with ErrVectorUnavailable before any SQL executes.
func VectorTableName(dim int) string {
	return fmt.Sprintf("vec_dense_%d", dim)
}

func (s *Store) initVectorExtension(ctx context.Context, dim int) error {
	return apperr.ErrVectorUnavailable
}
