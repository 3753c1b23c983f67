package dte

import (
	"fmt"
	"time"

	"github.com/erp/dte/internal/domain/shared"
	"github.com/google/uuid"
)

// Document is a tax document owned by the engine from folio assignment on
type Document struct {
	shared.BaseAggregateRoot
	DocType      DocumentType
	Branch       string
	IssuerRUT    string
	Payload      Payload
	CAFID        *uuid.UUID
	Folio        int64
	Totals       Totals
	CanonicalXML []byte
	SignedXML    []byte
	State        DocumentState
	EnvelopeID   *uuid.UUID
	TrackID      string
	StatusCode   string
	StatusDetail string
	ReplacesID   *uuid.UUID
	ReplacedByID *uuid.UUID
	SignedAt     *time.Time
	SubmittedAt  *time.Time
	ResolvedAt   *time.Time
}

// NewDocument creates a DRAFT document for a validated payload
func NewDocument(docType DocumentType, branch string, payload Payload, at time.Time) (*Document, error) {
	if !docType.IsValid() {
		return nil, shared.NewDomainError("INVALID_DOCUMENT_TYPE", fmt.Sprintf("Unsupported document type %d", docType))
	}
	if branch == "" {
		return nil, shared.NewDomainError("INVALID_BRANCH", "Branch is required")
	}
	issuer, err := NormalizeRUT(payload.Issuer.RUT)
	if err != nil {
		return nil, shared.NewDomainError("INVALID_ISSUER", err.Error())
	}
	return &Document{
		BaseAggregateRoot: shared.NewBaseAggregateRoot(at),
		DocType:           docType,
		Branch:            branch,
		IssuerRUT:         issuer,
		Payload:           payload,
		State:             StateDraft,
	}, nil
}

func (d *Document) transition(target DocumentState, at time.Time) error {
	if !d.State.CanTransitionTo(target) {
		return shared.NewDomainError("INVALID_STATE",
			fmt.Sprintf("Cannot move document %s from %s to %s", d.ID, d.State, target))
	}
	d.State = target
	d.Touch(at)
	return nil
}

// AssignFolio binds the document to a durably allocated folio
func (d *Document) AssignFolio(cafID uuid.UUID, folio int64, at time.Time) error {
	if err := d.transition(StateFolioAssigned, at); err != nil {
		return err
	}
	d.CAFID = &cafID
	d.Folio = folio
	return nil
}

// MarkSigned stores the canonical body and the signed document
func (d *Document) MarkSigned(canonical CanonicalXML, signed SignedXML, totals Totals, at time.Time) error {
	if len(signed) == 0 {
		return shared.NewDomainError("INVALID_SIGNATURE", "Signed XML cannot be empty")
	}
	if err := d.transition(StateSigned, at); err != nil {
		return err
	}
	d.CanonicalXML = canonical
	d.SignedXML = signed
	d.Totals = totals
	d.SignedAt = &at
	d.AddDomainEvent(NewDocumentSignedEvent(d))
	return nil
}

// Void abandons the document; its folio must be voided with it
func (d *Document) Void(reason string, at time.Time) error {
	if err := d.transition(StateVoided, at); err != nil {
		return err
	}
	d.StatusDetail = reason
	d.ResolvedAt = &at
	d.AddDomainEvent(NewFolioVoidedEvent(d, reason))
	return nil
}

// AttachEnvelope records the envelope the document is packed into
func (d *Document) AttachEnvelope(envelopeID uuid.UUID) error {
	if d.State != StateSigned {
		return shared.NewDomainError("INVALID_STATE", fmt.Sprintf("Only signed documents can be packed, got %s", d.State))
	}
	if d.EnvelopeID != nil {
		return shared.NewDomainError("ALREADY_ENVELOPED", fmt.Sprintf("Document %s is pending in envelope %s", d.ID, *d.EnvelopeID))
	}
	d.EnvelopeID = &envelopeID
	return nil
}

// MarkSubmitted records the track id the authority assigned to the envelope
func (d *Document) MarkSubmitted(trackID string, at time.Time) error {
	if err := d.transition(StateSubmitted, at); err != nil {
		return err
	}
	d.TrackID = trackID
	d.SubmittedAt = &at
	return nil
}

// MarkAccepted resolves the document as accepted. ACCEPTED is immutable.
func (d *Document) MarkAccepted(code, detail string, at time.Time) error {
	if err := d.transition(StateAccepted, at); err != nil {
		return err
	}
	d.StatusCode = code
	d.StatusDetail = detail
	d.ResolvedAt = &at
	d.AddDomainEvent(NewDocumentAcceptedEvent(d))
	return nil
}

// MarkRejected resolves the document as rejected; its folio must be voided
func (d *Document) MarkRejected(code, detail string, at time.Time) error {
	if err := d.transition(StateRejected, at); err != nil {
		return err
	}
	d.StatusCode = code
	d.StatusDetail = detail
	d.ResolvedAt = &at
	d.AddDomainEvent(NewDocumentRejectedEvent(d))
	return nil
}

// MarkUnknown flags the outcome as unresolved. Re-marking an UNKNOWN
// document only refreshes the detail.
func (d *Document) MarkUnknown(detail string, at time.Time) error {
	if d.State == StateUnknown {
		d.StatusDetail = detail
		d.Touch(at)
		return nil
	}
	if err := d.transition(StateUnknown, at); err != nil {
		return err
	}
	d.StatusDetail = detail
	return nil
}

// MarkSubmissionFailed parks the document for operator intervention
func (d *Document) MarkSubmissionFailed(detail string, at time.Time) error {
	if err := d.transition(StateSubmissionFailed, at); err != nil {
		return err
	}
	d.StatusDetail = detail
	d.AddDomainEvent(NewSubmissionFailedEvent(d, detail))
	return nil
}

// Requeue returns a failed document to the submission queue
func (d *Document) Requeue(at time.Time) error {
	if d.State != StateSubmissionFailed {
		return shared.NewDomainError("INVALID_STATE", fmt.Sprintf("Only failed submissions can be requeued, got %s", d.State))
	}
	if err := d.transition(StateSigned, at); err != nil {
		return err
	}
	d.EnvelopeID = nil
	d.TrackID = ""
	d.StatusDetail = ""
	return nil
}

// CanReissue reports whether a replacement document may be issued. A
// rejected document gets at most one live replacement.
func (d *Document) CanReissue() bool {
	return d.State == StateRejected && d.ReplacedByID == nil
}

// StatusRecord returns the latest known status of the document
func (d *Document) StatusRecord(polledAt time.Time) StatusRecord {
	code := d.StatusCode
	if code == "" {
		code = d.State.String()
	}
	return StatusRecord{
		DocumentID: d.ID,
		State:      d.State,
		Code:       code,
		Detail:     d.StatusDetail,
		TrackID:    d.TrackID,
		PolledAt:   polledAt,
	}
}

// CanonicalXML is the builder's output: ordered, unsigned document XML
type CanonicalXML []byte

// SignedXML is a document or envelope carrying its signatures
type SignedXML []byte
