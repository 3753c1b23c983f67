package dte

import (
	"github.com/erp/dte/internal/domain/shared"
	"github.com/google/uuid"
)

// Aggregate type constant
const AggregateTypeDocument = "Document"

// Event type constants
const (
	EventTypeDocumentSigned   = "DocumentSigned"
	EventTypeDocumentAccepted = "DocumentAccepted"
	EventTypeDocumentRejected = "DocumentRejected"
	EventTypeFolioVoided      = "FolioVoided"
	EventTypeSubmissionFailed = "SubmissionFailed"
)

// DocumentSignedEvent is raised once a document carries both signatures
type DocumentSignedEvent struct {
	shared.BaseDomainEvent
	DocType DocumentType `json:"doc_type"`
	Branch  string       `json:"branch"`
	Folio   int64        `json:"folio"`
	Total   int64        `json:"total"`
}

// NewDocumentSignedEvent creates a DocumentSignedEvent
func NewDocumentSignedEvent(d *Document) *DocumentSignedEvent {
	return &DocumentSignedEvent{
		BaseDomainEvent: shared.NewBaseDomainEvent(EventTypeDocumentSigned, AggregateTypeDocument, d.ID, d.UpdatedAt),
		DocType:         d.DocType,
		Branch:          d.Branch,
		Folio:           d.Folio,
		Total:           d.Totals.Total,
	}
}

// DocumentAcceptedEvent is raised when the authority accepts a document
type DocumentAcceptedEvent struct {
	shared.BaseDomainEvent
	DocType DocumentType `json:"doc_type"`
	Folio   int64        `json:"folio"`
	TrackID string       `json:"track_id"`
}

// NewDocumentAcceptedEvent creates a DocumentAcceptedEvent
func NewDocumentAcceptedEvent(d *Document) *DocumentAcceptedEvent {
	return &DocumentAcceptedEvent{
		BaseDomainEvent: shared.NewBaseDomainEvent(EventTypeDocumentAccepted, AggregateTypeDocument, d.ID, d.UpdatedAt),
		DocType:         d.DocType,
		Folio:           d.Folio,
		TrackID:         d.TrackID,
	}
}

// DocumentRejectedEvent is raised when the authority rejects a document
type DocumentRejectedEvent struct {
	shared.BaseDomainEvent
	DocType DocumentType `json:"doc_type"`
	Folio   int64        `json:"folio"`
	Code    string       `json:"code"`
	Detail  string       `json:"detail"`
}

// NewDocumentRejectedEvent creates a DocumentRejectedEvent
func NewDocumentRejectedEvent(d *Document) *DocumentRejectedEvent {
	return &DocumentRejectedEvent{
		BaseDomainEvent: shared.NewBaseDomainEvent(EventTypeDocumentRejected, AggregateTypeDocument, d.ID, d.UpdatedAt),
		DocType:         d.DocType,
		Folio:           d.Folio,
		Code:            d.StatusCode,
		Detail:          d.StatusDetail,
	}
}

// FolioVoidedEvent is raised when a document gives up its folio
type FolioVoidedEvent struct {
	shared.BaseDomainEvent
	DocType DocumentType `json:"doc_type"`
	Branch  string       `json:"branch"`
	CAFID   uuid.UUID    `json:"caf_id"`
	Folio   int64        `json:"folio"`
	Reason  string       `json:"reason"`
}

// NewFolioVoidedEvent creates a FolioVoidedEvent
func NewFolioVoidedEvent(d *Document, reason string) *FolioVoidedEvent {
	e := &FolioVoidedEvent{
		BaseDomainEvent: shared.NewBaseDomainEvent(EventTypeFolioVoided, AggregateTypeDocument, d.ID, d.UpdatedAt),
		DocType:         d.DocType,
		Branch:          d.Branch,
		Folio:           d.Folio,
		Reason:          reason,
	}
	if d.CAFID != nil {
		e.CAFID = *d.CAFID
	}
	return e
}

// SubmissionFailedEvent is raised when retries are exhausted
type SubmissionFailedEvent struct {
	shared.BaseDomainEvent
	DocType DocumentType `json:"doc_type"`
	Folio   int64        `json:"folio"`
	Detail  string       `json:"detail"`
}

// NewSubmissionFailedEvent creates a SubmissionFailedEvent
func NewSubmissionFailedEvent(d *Document, detail string) *SubmissionFailedEvent {
	return &SubmissionFailedEvent{
		BaseDomainEvent: shared.NewBaseDomainEvent(EventTypeSubmissionFailed, AggregateTypeDocument, d.ID, d.UpdatedAt),
		DocType:         d.DocType,
		Folio:           d.Folio,
		Detail:          detail,
	}
}
