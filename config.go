package hybridstore

import (
	"time"

	"github.com/liliang-cn/hybridstore/pkg/blobstore"
	"github.com/liliang-cn/hybridstore/pkg/hybridsearch"
	"github.com/liliang-cn/hybridstore/pkg/logging"
	"github.com/liliang-cn/hybridstore/pkg/storage"
)

// Config configures a new Engine. The zero value plus DefaultConfig's path
// gives a usable non-durable engine; every other field has a documented
// fallback so Options can be applied selectively.
type Config struct {
	// Path is the logical durable path: "opfs:/<path>" for host-managed
	// blob persistence, ":memory:" for non-durable operation, or a plain
	// filesystem path passed through to the storage engine as-is (spec.md
	// §6 "Durable path scheme").
	Path string

	Logger  logging.Logger
	Pragmas storage.Pragmas

	// Blob is the host-provided durable byte store (spec.md §4.2). With
	// Blob nil an "opfs:/" Path falls back to non-durable ":memory:"; a
	// plain filesystem Path is still opened as a file by the storage
	// engine.
	Blob blobstore.BlobStore
	// AutosyncInterval is the periodic snapshot interval (spec.md §4.2
	// start_autosync). Zero uses blobstore's own 5s default.
	AutosyncInterval time.Duration

	// Embed resolves query text to a vector for enableEmbedding search
	// requests (spec.md §4.5). Nil disables the facility; such requests
	// fall back to lexical-only search.
	Embed hybridsearch.EmbedFunc

	// Concurrency is RD's global outstanding-handler cap (spec.md §4.6).
	// Zero uses dispatch's own default of 10.
	Concurrency int64
}

// Option is a functional option for Config, grounded in the teacher's own
// pkg/sqvect.Option / WithEmbedder pattern.
type Option func(*Config)

// WithLogger overrides the default stderr logger.
func WithLogger(l logging.Logger) Option {
	return func(c *Config) { c.Logger = l }
}

// WithPragmas overrides the default session pragmas. Changing CacheKB also
// changes the ingestion pipeline's adaptive batch-size calibration (spec.md
// §9).
func WithPragmas(p storage.Pragmas) Option {
	return func(c *Config) { c.Pragmas = p }
}

// WithBlobStore supplies a durable blob store; without one an "opfs:/"
// path is non-durable.
func WithBlobStore(b blobstore.BlobStore) Option {
	return func(c *Config) { c.Blob = b }
}

// WithAutosyncInterval overrides the periodic snapshot interval.
func WithAutosyncInterval(d time.Duration) Option {
	return func(c *Config) { c.AutosyncInterval = d }
}

// WithEmbedder supplies the external query-embedding function enableEmbedding
// search requests call through.
func WithEmbedder(fn hybridsearch.EmbedFunc) Option {
	return func(c *Config) { c.Embed = fn }
}

// WithConcurrency overrides RD's global concurrency cap.
func WithConcurrency(n int64) Option {
	return func(c *Config) { c.Concurrency = n }
}

// DefaultConfig returns the configuration a host gets by only naming a
// path: stderr logging, the spec's fixed session pragmas, no blob store
// (so an "opfs:/" path is non-durable), no embedder, default concurrency.
func DefaultConfig(path string) Config {
	return Config{
		Path:    path,
		Logger:  logging.NewStderr(logging.LevelInfo),
		Pragmas: storage.DefaultPragmas(),
	}
}
