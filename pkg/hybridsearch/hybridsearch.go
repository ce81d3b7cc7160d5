// Package hybridsearch implements the Hybrid Search Executor (HSE,
// spec.md §4.5): it builds and executes one of three query shapes —
// lexical-only, vector-only, or fused hybrid — and returns scored, ordered
// results.
package hybridsearch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/liliang-cn/hybridstore/internal/apperr"
	"github.com/liliang-cn/hybridstore/internal/encoding"
	"github.com/liliang-cn/hybridstore/pkg/logging"
	"github.com/liliang-cn/hybridstore/pkg/schema"
	"github.com/liliang-cn/hybridstore/pkg/storage"
)

const (
	defaultLimit          = 10
	defaultCandidateLimit = 30
	candidateLimitFactor  = 3
	rrfK                  = 60.0
)

// FusionMethod selects how Shape C combines lexical and vector rankings
// (spec.md §4.5).
type FusionMethod string

const (
	FusionRRF      FusionMethod = "rrf"
	FusionWeighted FusionMethod = "weighted"
)

// Weights are the linear-fusion coefficients FusionWeighted applies
// verbatim, without normalization (spec.md §4.5).
type Weights struct {
	FTS float64
	Vec float64
}

// DefaultWeights is the equal-weight default used when a request supplies
// no weights.
func DefaultWeights() Weights { return Weights{FTS: 1, Vec: 1} }

// Query is the optional text/vector pair a search request carries.
type Query struct {
	Text   string
	Vector []float32
}

// EmbedFunc resolves query text to a vector through the host's external
// query-embedding endpoint. The embedding-generator provider registry
// itself is out of scope (spec.md §1); HSE only calls through this seam.
type EmbedFunc func(ctx context.Context, text string) ([]float32, error)

// Request is a single search call (spec.md §4.5 "Request shape").
type Request struct {
	Collection      string
	Query           Query
	Limit           int
	Fusion          FusionMethod
	Weights         Weights
	EnableEmbedding bool
}

// Result is one ranked row (spec.md §4.5 "Result shape").
type Result struct {
	ID       string
	Title    string
	Content  string
	Metadata map[string]string
	Score    float64
	FTSScore float64
	VecScore float64
}

// Response wraps the ranked rows with the envelope fields spec.md §4.5
// requires the host to receive.
type Response struct {
	Results      []Result
	TotalResults int
	SearchTimeMS float64
}

// Executor is HSE.
type Executor struct {
	se     *storage.Store
	sm     *schema.Manager
	logger logging.Logger
	embed  EmbedFunc
	group  singleflight.Group
}

// New constructs an Executor. embed may be nil; EnableEmbedding requests
// then always fall back to lexical-only search. sm resolves a collection's
// declared dimension so Shape B/C queries land on the vec0 table sized for
// it (spec.md §3, §4.5).
func New(se *storage.Store, sm *schema.Manager, logger logging.Logger, embed EmbedFunc) *Executor {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Executor{se: se, sm: sm, logger: logger, embed: embed}
}

// Search executes req and always returns successfully at this level (spec
// .md §4.5 "Propagation policy": search errors are caught and downgraded to
// an empty result plus searchTime).
func (e *Executor) Search(ctx context.Context, req Request) Response {
	start := time.Now()
	resp, err := e.search(ctx, req)
	if err != nil {
		e.logger.Warn("search failed", "collection", req.Collection, "error", err)
		resp = Response{}
	}
	resp.TotalResults = len(resp.Results)
	resp.SearchTimeMS = float64(time.Since(start)) / float64(time.Millisecond)
	return resp
}

func (e *Executor) search(ctx context.Context, req Request) (Response, error) {
	collection := req.Collection
	if collection == "" {
		collection = schema.DefaultCollectionName
	}
	limit := req.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	fusion := req.Fusion
	if fusion == "" {
		fusion = FusionRRF
	}
	weights := req.Weights
	if weights.FTS == 0 && weights.Vec == 0 {
		weights = DefaultWeights()
	}

	query := req.Query
	if query.Text != "" && len(query.Vector) == 0 && req.EnableEmbedding && e.embed != nil {
		vector, err := e.resolveEmbedding(ctx, query.Text)
		if err != nil {
			e.logger.Warn("enableEmbedding: query-embedding call failed, falling back to lexical-only search", "error", err)
		} else {
			query.Vector = vector
		}
	}

	switch {
	case query.Text != "" && len(query.Vector) > 0:
		return e.searchHybrid(ctx, collection, query, limit, fusion, weights)
	case query.Text != "":
		return e.searchLexical(ctx, collection, query.Text, limit)
	case len(query.Vector) > 0:
		return e.searchVector(ctx, collection, query.Vector, limit)
	default:
		return Response{}, apperr.NewStoreError("search", apperr.CodeBadRequest,
			fmt.Errorf("search requires either text or vector query"), nil)
	}
}

// resolveEmbedding collapses concurrent identical query-embedding calls
// through a singleflight group, grounded in the same library the domain
// stack names for duplicate-suppression (SPEC_FULL.md §2.1).
func (e *Executor) resolveEmbedding(ctx context.Context, text string) ([]float32, error) {
	v, err, _ := e.group.Do(text, func() (any, error) {
		return e.embed(ctx, text)
	})
	if err != nil {
		return nil, err
	}
	return v.([]float32), nil
}

// searchLexical is Shape A.
func (e *Executor) searchLexical(ctx context.Context, collection, text string, limit int) (Response, error) {
	matchExpr := tokenizeQuery(text)

	stmt := fmt.Sprintf(`
SELECT d.id, d.title, d.content, d.metadata,
       bm25(%[2]s) AS fts_score,
       0 AS vec_score,
       -bm25(%[2]s) AS score
FROM %[1]s d JOIN %[2]s f ON d.rowid = f.rowid
WHERE d.collection = ? AND %[2]s MATCH ?
ORDER BY score DESC LIMIT ?`, schema.BaseTable, schema.FTSTable)

	result, err := e.se.Select(ctx, stmt, collection, matchExpr, limit)
	if err != nil {
		return Response{}, apperr.NewStoreError("search", apperr.CodeExecFailed, err, nil)
	}
	return rowsToResponse(result), nil
}

// searchVector is Shape B.
func (e *Executor) searchVector(ctx context.Context, collection string, vector []float32, limit int) (Response, error) {
	if !e.se.VectorAvailable() {
		return Response{}, apperr.ErrVectorUnavailable
	}
	vecTable, err := e.vectorTableFor(ctx, collection)
	if err != nil {
		return Response{}, err
	}
	vectorJSON, err := encoding.EncodeQueryVector(vector)
	if err != nil {
		return Response{}, apperr.NewStoreError("search", apperr.CodeValidationError, err, nil)
	}

	stmt := fmt.Sprintf(`
SELECT d.id, d.title, d.content, d.metadata,
       0 AS fts_score,
       v.distance AS vec_score,
       1.0/(1.0 + v.distance) AS score
FROM %[1]s d
JOIN ( SELECT rowid, distance FROM %[2]s
       WHERE embedding MATCH ? ORDER BY distance LIMIT ? ) v ON d.rowid = v.rowid
WHERE d.collection = ?
ORDER BY v.distance`, schema.BaseTable, vecTable)

	result, err := e.se.Select(ctx, stmt, vectorJSON, limit, collection)
	if err != nil {
		return Response{}, apperr.NewStoreError("search", apperr.CodeExecFailed, err, nil)
	}
	return rowsToResponse(result), nil
}

// vectorTableFor resolves the vec0 table sized for collection's declared
// dimension (spec.md §3: "vector dimension equals the collection's
// declared dimension"), since distinct collections may declare distinct
// dimensions and vec0 fixes a table's column width at creation time.
func (e *Executor) vectorTableFor(ctx context.Context, collection string) (string, error) {
	dim, err := e.sm.Dimensions(ctx, collection)
	if err != nil {
		return "", err
	}
	return storage.VectorTableName(dim), nil
}

// searchHybrid is Shape C: ranked CTEs over both indices, fused by RRF
// (fixed k=60) or by user-weighted linear combination.
func (e *Executor) searchHybrid(ctx context.Context, collection string, query Query, limit int, fusion FusionMethod, weights Weights) (Response, error) {
	if !e.se.VectorAvailable() {
		e.logger.Warn("hybrid search: vector facility unavailable, falling back to lexical-only", "collection", collection)
		return e.searchLexical(ctx, collection, query.Text, limit)
	}
	vecTable, err := e.vectorTableFor(ctx, collection)
	if err != nil {
		e.logger.Warn("hybrid search: could not resolve collection dimension, falling back to lexical-only", "collection", collection, "error", err)
		return e.searchLexical(ctx, collection, query.Text, limit)
	}

	vectorJSON, err := encoding.EncodeQueryVector(query.Vector)
	if err != nil {
		return Response{}, apperr.NewStoreError("search", apperr.CodeValidationError, err, nil)
	}
	matchExpr := tokenizeQuery(query.Text)

	candidateLimit := limit * candidateLimitFactor
	if candidateLimit < defaultCandidateLimit {
		candidateLimit = defaultCandidateLimit
	}

	stmt := fmt.Sprintf(`
WITH fts_results AS (
  SELECT d.rowid AS rowid, d.id AS id, d.title AS title, d.content AS content, d.metadata AS metadata,
         bm25(%[2]s) AS fts_score,
         rank() OVER (ORDER BY bm25(%[2]s)) AS fts_rank
  FROM %[1]s d JOIN %[2]s f ON d.rowid = f.rowid
  WHERE d.collection = ? AND %[2]s MATCH ? LIMIT ?
),
vec_results AS (
  SELECT d.rowid AS rowid, d.id AS id, d.title AS title, d.content AS content, d.metadata AS metadata,
         v.distance AS vec_score,
         rank() OVER (ORDER BY v.distance) AS vec_rank
  FROM %[1]s d
  JOIN ( SELECT rowid, distance FROM %[3]s
         WHERE embedding MATCH ? ORDER BY distance LIMIT ? ) v ON d.rowid = v.rowid
  WHERE d.collection = ?
)
SELECT DISTINCT
       COALESCE(f.id, v.id) AS id,
       COALESCE(f.title, v.title) AS title,
       COALESCE(f.content, v.content) AS content,
       COALESCE(f.metadata, v.metadata) AS metadata,
       COALESCE(f.fts_score, 0) AS fts_score,
       COALESCE(v.vec_score, 1) AS vec_score,
       CASE
         WHEN ? = 'rrf'
           THEN COALESCE(1.0/(%[4]f + f.fts_rank), 0)
              + COALESCE(1.0/(%[4]f + v.vec_rank), 0)
         ELSE  ? * COALESCE(-f.fts_score, 0)
              + ? * COALESCE(1.0/(1.0 + v.vec_score), 0)
       END AS score
FROM fts_results f FULL OUTER JOIN vec_results v ON f.rowid = v.rowid
ORDER BY score DESC LIMIT ?`, schema.BaseTable, schema.FTSTable, vecTable, rrfK)

	result, err := e.se.Select(ctx, stmt,
		collection, matchExpr, candidateLimit,
		vectorJSON, candidateLimit, collection,
		string(fusion), weights.FTS, weights.Vec,
		limit)
	if err != nil {
		return Response{}, apperr.NewStoreError("search", apperr.CodeExecFailed, err, nil)
	}
	return rowsToResponse(result), nil
}

// tokenizeQuery splits on whitespace and joins multi-token queries with OR,
// so a query like "go channels" matches documents containing either term
// (spec.md §4.5 Shape A).
func tokenizeQuery(text string) string {
	tokens := strings.Fields(text)
	if len(tokens) <= 1 {
		return text
	}
	return strings.Join(tokens, " OR ")
}

func rowsToResponse(result *storage.Result) Response {
	results := make([]Result, 0, len(result.Rows))
	for _, row := range result.Rows {
		results = append(results, Result{
			ID:       storage.AsString(row["id"]),
			Title:    storage.AsString(row["title"]),
			Content:  storage.AsString(row["content"]),
			Metadata: encoding.DecodeMetadata(storage.AsString(row["metadata"])),
			Score:    storage.AsFloat64(row["score"]),
			FTSScore: storage.AsFloat64(row["fts_score"]),
			VecScore: storage.AsFloat64(row["vec_score"]),
		})
	}
	return Response{Results: results}
}
