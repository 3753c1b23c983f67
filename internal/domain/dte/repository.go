package dte

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// CAFRepository persists authorization files
type CAFRepository interface {
	Create(ctx context.Context, caf *CAF) error
	FindByID(ctx context.Context, id uuid.UUID) (*CAF, error)
	FindByFingerprint(ctx context.Context, fingerprint string) (*CAF, error)
	// FindOverlapping returns CAFs of the same issuer, type and branch sharing any folio with [start, end]
	FindOverlapping(ctx context.Context, issuerRUT string, docType DocumentType, branch string, start, end int64) ([]CAF, error)
	FindAll(ctx context.Context) ([]CAF, error)
	SetHidden(ctx context.Context, id uuid.UUID, hidden bool, at time.Time) error
}

// FolioPool hands out folios. Allocate advances the cursor of the issuer's
// eligible CAF and records the allocation in one atomic step.
type FolioPool interface {
	Allocate(ctx context.Context, issuerRUT string, docType DocumentType, branch string, documentID uuid.UUID, at time.Time) (*FolioAllocation, *CAF, error)
}

// FolioAllocationRepository reads and voids allocation records
type FolioAllocationRepository interface {
	FindByDocument(ctx context.Context, documentID uuid.UUID) (*FolioAllocation, error)
	VoidByDocument(ctx context.Context, documentID uuid.UUID, reason string, at time.Time) error
	// ListVoidedFolios returns the voided folio numbers of a CAF in ascending order
	ListVoidedFolios(ctx context.Context, cafID uuid.UUID) ([]int64, error)
}

// DocumentRepository persists documents
type DocumentRepository interface {
	Create(ctx context.Context, doc *Document) error
	// Update saves the document if its version is unchanged, then bumps the version
	Update(ctx context.Context, doc *Document) error
	FindByID(ctx context.Context, id uuid.UUID) (*Document, error)
	FindByIDs(ctx context.Context, ids []uuid.UUID) ([]Document, error)
	// FindUnenveloped returns SIGNED documents not yet packed, oldest first
	FindUnenveloped(ctx context.Context, limit int) ([]Document, error)
	// AssignEnvelope attaches the documents to the envelope only if every one
	// is SIGNED and not already in an envelope
	AssignEnvelope(ctx context.Context, envelopeID uuid.UUID, documentIDs []uuid.UUID) error
	// ClaimReplacement links a REJECTED document to its replacement. It fails
	// with a concurrency conflict when the document already has one.
	ClaimReplacement(ctx context.Context, originalID, replacementID uuid.UUID) error
	// ReleaseReplacement undoes a claim whose replacement was voided
	ReleaseReplacement(ctx context.Context, originalID, replacementID uuid.UUID) error
}

// EnvelopeRepository persists envelopes
type EnvelopeRepository interface {
	Create(ctx context.Context, env *Envelope) error
	Update(ctx context.Context, env *Envelope) error
	FindByID(ctx context.Context, id uuid.UUID) (*Envelope, error)
	// FindByStates returns envelopes in the given states, oldest first
	FindByStates(ctx context.Context, states []EnvelopeState, limit int) ([]Envelope, error)
}

// StatusRecordRepository stores the latest status per document
type StatusRecordRepository interface {
	Upsert(ctx context.Context, record StatusRecord) error
	FindByDocument(ctx context.Context, documentID uuid.UUID) (*StatusRecord, error)
}
