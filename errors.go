package hybridstore

import "github.com/liliang-cn/hybridstore/internal/apperr"

// The error taxonomy (spec.md §7) lives in internal/apperr so every
// component package (storage, blobstore, schema, ingest, hybridsearch,
// dispatch) can construct and classify errors without importing the root
// package. These aliases are the public surface a host imports.

type ErrorCode = apperr.ErrorCode

const (
	CodeDatabaseNotInitialized = apperr.CodeDatabaseNotInitialized
	CodeInvalidArgument        = apperr.CodeInvalidArgument
	CodePrepareFailed          = apperr.CodePrepareFailed
	CodeExecFailed             = apperr.CodeExecFailed
	CodeVectorUnavailable      = apperr.CodeVectorUnavailable
	CodeDocumentInsertError    = apperr.CodeDocumentInsertError
	CodeValidationError        = apperr.CodeValidationError
	CodeInsufficientSpace      = apperr.CodeInsufficientSpace
	CodeBlobIoError            = apperr.CodeBlobIoError
	CodeTimeout                = apperr.CodeTimeout
	CodeUnknownMethod          = apperr.CodeUnknownMethod
	CodeBadRequest             = apperr.CodeBadRequest
	CodeInternal               = apperr.CodeInternal
)

var (
	ErrDatabaseNotInitialized = apperr.ErrDatabaseNotInitialized
	ErrVectorUnavailable      = apperr.ErrVectorUnavailable
	ErrTimeout                = apperr.ErrTimeout
	ErrUnknownMethod          = apperr.ErrUnknownMethod
	ErrBadRequest             = apperr.ErrBadRequest
	ErrInsufficientSpace      = apperr.ErrInsufficientSpace
	ErrStoreClosed            = apperr.ErrStoreClosed
)

type StoreError = apperr.StoreError

type DocumentInsertError = apperr.DocumentInsertError

// CodeOf extracts the taxonomy code carried by err.
func CodeOf(err error) ErrorCode {
	return apperr.CodeOf(err)
}
