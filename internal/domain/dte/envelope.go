package dte

import (
	"fmt"
	"strings"
	"time"

	"github.com/erp/dte/internal/domain/shared"
	"github.com/google/uuid"
)

// DefaultEnvelopeLimit is the authority's maximum documents per envelope
const DefaultEnvelopeLimit = 2000

// EnvelopeState is the submission state of an envelope
type EnvelopeState string

const (
	EnvelopeOpen      EnvelopeState = "OPEN"
	EnvelopeSubmitted EnvelopeState = "SUBMITTED"
	EnvelopeUnknown   EnvelopeState = "UNKNOWN"
	EnvelopeResolved  EnvelopeState = "RESOLVED"
	EnvelopeRejected  EnvelopeState = "REJECTED"
	EnvelopeFailed    EnvelopeState = "FAILED"
)

// IsUnresolved reports whether member documents are still pending in the envelope
func (s EnvelopeState) IsUnresolved() bool {
	return s == EnvelopeOpen || s == EnvelopeSubmitted || s == EnvelopeUnknown
}

// Envelope is an ordered, signed batch of documents bound for the authority
type Envelope struct {
	shared.BaseAggregateRoot
	IssuerRUT   string
	Branch      string
	SetID       string
	DocumentIDs []uuid.UUID
	SignedXML   []byte
	State       EnvelopeState
	TrackID     string
	Attempts    int
	SubmittedAt *time.Time
	ResolvedAt  *time.Time
	AckCode     string
	AckDetail   string
}

// NewEnvelope creates an OPEN envelope for the given members
func NewEnvelope(issuerRUT, branch string, documentIDs []uuid.UUID, at time.Time) *Envelope {
	root := shared.NewBaseAggregateRoot(at)
	ids := make([]uuid.UUID, len(documentIDs))
	copy(ids, documentIDs)
	return &Envelope{
		BaseAggregateRoot: root,
		IssuerRUT:         issuerRUT,
		Branch:            branch,
		SetID:             "SetDoc" + strings.ReplaceAll(root.ID.String(), "-", "")[:12],
		DocumentIDs:       ids,
		State:             EnvelopeOpen,
	}
}

// LockKey identifies the serialization lane of the envelope
func (e *Envelope) LockKey() string {
	return e.IssuerRUT + ":" + e.Branch
}

// MarkSubmitted stores the authority's track id
func (e *Envelope) MarkSubmitted(trackID, code, detail string, at time.Time) error {
	if e.State != EnvelopeOpen && e.State != EnvelopeUnknown {
		return shared.NewDomainError("INVALID_STATE", fmt.Sprintf("Envelope %s cannot be submitted from %s", e.ID, e.State))
	}
	e.State = EnvelopeSubmitted
	e.TrackID = trackID
	e.AckCode = code
	e.AckDetail = detail
	e.SubmittedAt = &at
	e.Touch(at)
	return nil
}

// MarkUnknown flags an ambiguous submission awaiting reconciliation
func (e *Envelope) MarkUnknown(detail string, at time.Time) {
	e.State = EnvelopeUnknown
	e.AckDetail = detail
	e.Touch(at)
}

// MarkRejected records a synchronous rejection
func (e *Envelope) MarkRejected(code, detail string, at time.Time) {
	e.State = EnvelopeRejected
	e.AckCode = code
	e.AckDetail = detail
	e.ResolvedAt = &at
	e.Touch(at)
}

// MarkFailed records exhausted retries
func (e *Envelope) MarkFailed(detail string, at time.Time) {
	e.State = EnvelopeFailed
	e.AckDetail = detail
	e.ResolvedAt = &at
	e.Touch(at)
}

// MarkResolved closes the envelope once every member has a final verdict
func (e *Envelope) MarkResolved(code, detail string, at time.Time) {
	e.State = EnvelopeResolved
	e.AckCode = code
	e.AckDetail = detail
	e.ResolvedAt = &at
	e.Touch(at)
}

// RecordAttempt counts a transport attempt
func (e *Envelope) RecordAttempt(at time.Time) {
	e.Attempts++
	e.Touch(at)
}

// SLAExceeded reports whether the authority has been silent longer than the window
func (e *Envelope) SLAExceeded(window time.Duration, at time.Time) bool {
	if e.SubmittedAt == nil || window <= 0 {
		return false
	}
	return at.Sub(*e.SubmittedAt) > window
}
