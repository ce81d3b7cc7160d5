package storage

// Row is one result row, keyed by column name, as spec.md §4.1's
// select(sql, params?) -> { columns, rows } describes.
type Row map[string]any

// Result is the materialized output of Select.
type Result struct {
	Columns []string
	Rows    []Row
}

// Pragmas holds the session-level tuning spec.md §6 fixes as a hard part
// of the contract: pkg/ingest's adaptive batch sizing is calibrated
// against CacheKB.
type Pragmas struct {
	TempStore   string // "MEMORY"
	CacheKB     int    // negative-kilobyte convention; default -8192 (8 MiB)
	Synchronous string // "NORMAL"
	JournalMode string // "DELETE" — disk-backed rollback journal (spec.md §6)
}

// DefaultPragmas returns the fixed defaults spec.md §6 documents as part
// of the contract (sized for a ~16 MiB engine heap).
func DefaultPragmas() Pragmas {
	return Pragmas{
		TempStore:   "MEMORY",
		CacheKB:     -8192,
		Synchronous: "NORMAL",
		JournalMode: "DELETE",
	}
}

// AsString coerces a Row value to a string, covering the string and
// []byte shapes different drivers return for TEXT columns.
func AsString(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case []byte:
		return string(val)
	case nil:
		return ""
	default:
		return ""
	}
}

// AsInt64 coerces a Row value to an int64, covering the int64 and float64
// shapes different drivers return for INTEGER columns.
func AsInt64(v any) int64 {
	switch val := v.(type) {
	case int64:
		return val
	case int:
		return int64(val)
	case float64:
		return int64(val)
	default:
		return 0
	}
}

// AsFloat64 coerces a Row value to a float64.
func AsFloat64(v any) float64 {
	switch val := v.(type) {
	case float64:
		return val
	case int64:
		return float64(val)
	default:
		return 0
	}
}
