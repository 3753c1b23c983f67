package dte

import (
	"time"

	"github.com/google/uuid"
)

// FolioAllocation records that a folio was handed to a document. A folio is
// allocated at most once; a failed document voids its folio instead of
// returning it to the pool.
type FolioAllocation struct {
	ID          uuid.UUID
	CAFID       uuid.UUID
	DocType     DocumentType
	Branch      string
	Folio       int64
	DocumentID  uuid.UUID
	AllocatedAt time.Time
	Voided      bool
	VoidedAt    *time.Time
	VoidReason  string
}

// NewFolioAllocation creates an allocation record
func NewFolioAllocation(caf *CAF, folio int64, documentID uuid.UUID, at time.Time) *FolioAllocation {
	return &FolioAllocation{
		ID:          uuid.New(),
		CAFID:       caf.ID,
		DocType:     caf.DocType,
		Branch:      caf.Branch,
		Folio:       folio,
		DocumentID:  documentID,
		AllocatedAt: at,
	}
}

// Void marks the folio as unusable. Voiding twice keeps the first reason.
func (a *FolioAllocation) Void(reason string, at time.Time) {
	if a.Voided {
		return
	}
	a.Voided = true
	a.VoidedAt = &at
	a.VoidReason = reason
}
