package dte

import (
	"fmt"
	"strings"
	"time"

	"github.com/erp/dte/internal/domain/shared"
	"github.com/google/uuid"
)

// Error codes of the issuance engine
const (
	CodeNoActiveCAF           = "NO_ACTIVE_CAF"
	CodeFolioExhausted        = "FOLIO_EXHAUSTED"
	CodeSchemaValidation      = "SCHEMA_VALIDATION"
	CodeSigning               = "SIGNING_ERROR"
	CodeEnvelopeTooLarge      = "ENVELOPE_TOO_LARGE"
	CodeTransportTimeout      = "TRANSPORT_TIMEOUT"
	CodeAuthorityRejected     = "AUTHORITY_REJECTED"
	CodeUnknownSubmission     = "UNKNOWN_SUBMISSION_STATE"
	CodeUntrustedCAF          = "UNTRUSTED_CAF"
	CodeDuplicateCAF          = "DUPLICATE_CAF"
	CodeCAFRangeOverlap       = "CAF_RANGE_OVERLAP"
	CodeInvalidCAF            = "INVALID_CAF"
	CodeDocumentNotReissuable = "DOCUMENT_NOT_REISSUABLE"
	CodeUnpackableDocument    = "UNPACKABLE_DOCUMENT"
	CodeSubmissionRefused     = "SUBMISSION_REFUSED"
)

// Sentinels for errors.Is. Detailed errors below match them by code.
var (
	ErrNoActiveCAF           = shared.NewDomainError(CodeNoActiveCAF, "No active CAF for document type and branch")
	ErrFolioExhausted        = shared.NewDomainError(CodeFolioExhausted, "Active CAF has no folios left")
	ErrSchemaValidation      = shared.NewDomainError(CodeSchemaValidation, "Document payload failed schema validation")
	ErrSigning               = shared.NewDomainError(CodeSigning, "Document could not be signed")
	ErrEnvelopeTooLarge      = shared.NewDomainError(CodeEnvelopeTooLarge, "Envelope exceeds the maximum document count")
	ErrTransportTimeout      = shared.NewDomainError(CodeTransportTimeout, "Authority could not be reached")
	ErrAuthorityRejected     = shared.NewDomainError(CodeAuthorityRejected, "Authority rejected the submission")
	ErrUnknownSubmission     = shared.NewDomainError(CodeUnknownSubmission, "Submission outcome is unknown")
	ErrUntrustedCAF          = shared.NewDomainError(CodeUntrustedCAF, "CAF signature could not be verified")
	ErrDuplicateCAF          = shared.NewDomainError(CodeDuplicateCAF, "CAF was already ingested")
	ErrCAFRangeOverlap       = shared.NewDomainError(CodeCAFRangeOverlap, "CAF folio range overlaps an existing CAF")
	ErrInvalidCAF            = shared.NewDomainError(CodeInvalidCAF, "CAF file is malformed")
	ErrDocumentNotReissuable = shared.NewDomainError(CodeDocumentNotReissuable, "Only rejected documents can be reissued")
	ErrUnpackableDocument    = shared.NewDomainError(CodeUnpackableDocument, "Signed document cannot be placed in an envelope")
	ErrSubmissionRefused     = shared.NewDomainError(CodeSubmissionRefused, "Authority refused the upload request")
)

// NewNoActiveCAFError reports that no CAF can serve the pair
func NewNoActiveCAFError(docType DocumentType, branch string) error {
	return shared.NewDomainError(CodeNoActiveCAF,
		fmt.Sprintf("No active CAF for document type %d in branch %s", docType, branch))
}

// NewFolioExhaustedError reports that every eligible CAF for the pair is used up
func NewFolioExhaustedError(docType DocumentType, branch string) error {
	return shared.NewDomainError(CodeFolioExhausted,
		fmt.Sprintf("Folios exhausted for document type %d in branch %s", docType, branch))
}

// NewEnvelopeTooLargeError reports an envelope above the authority's limit
func NewEnvelopeTooLargeError(count, limit int) error {
	return shared.NewDomainError(CodeEnvelopeTooLarge,
		fmt.Sprintf("Envelope holds %d documents, limit is %d", count, limit))
}

// NewUntrustedCAFError rejects a CAF at ingestion
func NewUntrustedCAFError(reason string) error {
	return shared.NewDomainError(CodeUntrustedCAF, "Untrusted CAF: "+reason)
}

// NewInvalidCAFError rejects a CAF that cannot be parsed
func NewInvalidCAFError(reason string) error {
	return shared.NewDomainError(CodeInvalidCAF, "Invalid CAF: "+reason)
}

// FieldError describes one missing or invalid field
type FieldError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

// SchemaValidationError lists every field that failed validation
type SchemaValidationError struct {
	Fields []FieldError
}

// NewSchemaValidationError creates a SchemaValidationError
func NewSchemaValidationError(fields []FieldError) *SchemaValidationError {
	return &SchemaValidationError{Fields: fields}
}

func (e *SchemaValidationError) Error() string {
	parts := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		parts[i] = f.Field + ": " + f.Reason
	}
	return "schema validation failed: " + strings.Join(parts, "; ")
}

// ErrorCode returns the machine-readable code
func (e *SchemaValidationError) ErrorCode() string { return CodeSchemaValidation }

// Is matches ErrSchemaValidation
func (e *SchemaValidationError) Is(target error) bool { return ErrSchemaValidation.Is(target) }

// SigningError is returned when either signature cannot be produced
type SigningError struct {
	Reason string
	Err    error
}

// NewSigningError creates a SigningError
func NewSigningError(reason string, err error) *SigningError {
	return &SigningError{Reason: reason, Err: err}
}

func (e *SigningError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("signing failed: %s: %v", e.Reason, e.Err)
	}
	return "signing failed: " + e.Reason
}

// ErrorCode returns the machine-readable code
func (e *SigningError) ErrorCode() string { return CodeSigning }

// Is matches ErrSigning
func (e *SigningError) Is(target error) bool { return ErrSigning.Is(target) }

// Unwrap returns the underlying cause
func (e *SigningError) Unwrap() error { return e.Err }

// TransportTimeoutError is returned when bounded retries never reached the authority
type TransportTimeoutError struct {
	Attempts int
	Elapsed  time.Duration
	Err      error
}

func (e *TransportTimeoutError) Error() string {
	return fmt.Sprintf("authority unreachable after %d attempts in %s: %v", e.Attempts, e.Elapsed, e.Err)
}

// ErrorCode returns the machine-readable code
func (e *TransportTimeoutError) ErrorCode() string { return CodeTransportTimeout }

// Is matches ErrTransportTimeout
func (e *TransportTimeoutError) Is(target error) bool { return ErrTransportTimeout.Is(target) }

// Unwrap returns the last transport error
func (e *TransportTimeoutError) Unwrap() error { return e.Err }

// AuthorityRejectedError carries the authority's terminal rejection
type AuthorityRejectedError struct {
	Class  RejectionClass
	Code   string
	Detail string
}

func (e *AuthorityRejectedError) Error() string {
	return fmt.Sprintf("authority rejected submission (%s, code %s): %s", e.Class, e.Code, e.Detail)
}

// ErrorCode returns the machine-readable code
func (e *AuthorityRejectedError) ErrorCode() string { return CodeAuthorityRejected }

// Is matches ErrAuthorityRejected
func (e *AuthorityRejectedError) Is(target error) bool { return ErrAuthorityRejected.Is(target) }

// UnknownSubmissionStateError means the envelope may have reached the authority
// but no track id could be confirmed. It must be reconciled, never resent blindly.
type UnknownSubmissionStateError struct {
	EnvelopeID uuid.UUID
	SetID      string
	Err        error
}

func (e *UnknownSubmissionStateError) Error() string {
	return fmt.Sprintf("submission of envelope %s (set %s) has unknown outcome: %v", e.EnvelopeID, e.SetID, e.Err)
}

// ErrorCode returns the machine-readable code
func (e *UnknownSubmissionStateError) ErrorCode() string { return CodeUnknownSubmission }

// Is matches ErrUnknownSubmission
func (e *UnknownSubmissionStateError) Is(target error) bool { return ErrUnknownSubmission.Is(target) }

// Unwrap returns the underlying transport error
func (e *UnknownSubmissionStateError) Unwrap() error { return e.Err }

// UnpackableMemberError names the envelope member that could not be packed
type UnpackableMemberError struct {
	Index  int
	Reason string
	Err    error
}

func (e *UnpackableMemberError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("envelope member %d %s: %v", e.Index, e.Reason, e.Err)
	}
	return fmt.Sprintf("envelope member %d %s", e.Index, e.Reason)
}

// ErrorCode returns the machine-readable code
func (e *UnpackableMemberError) ErrorCode() string { return CodeUnpackableDocument }

// Is matches ErrUnpackableDocument
func (e *UnpackableMemberError) Is(target error) bool { return ErrUnpackableDocument.Is(target) }

// Unwrap returns the underlying cause
func (e *UnpackableMemberError) Unwrap() error { return e.Err }

// SubmissionRefusedError is an upload the authority turned away without
// judging the documents, such as a malformed request or a proxy error.
type SubmissionRefusedError struct {
	Status int
	Detail string
}

func (e *SubmissionRefusedError) Error() string {
	return fmt.Sprintf("upload refused with HTTP %d: %s", e.Status, e.Detail)
}

// ErrorCode returns the machine-readable code
func (e *SubmissionRefusedError) ErrorCode() string { return CodeSubmissionRefused }

// Is matches ErrSubmissionRefused
func (e *SubmissionRefusedError) Is(target error) bool { return ErrSubmissionRefused.Is(target) }
