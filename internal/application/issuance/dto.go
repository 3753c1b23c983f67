package issuance

import (
	"time"

	"github.com/erp/dte/internal/domain/dte"
	"github.com/google/uuid"
)

// IssueRequest asks for a new tax document
type IssueRequest struct {
	DocType dte.DocumentType `json:"doc_type" binding:"required"`
	Branch  string           `json:"branch" binding:"required"`
	Payload dte.Payload      `json:"payload" binding:"required"`
}

// IssueResult identifies the signed document and the folio it consumed
type IssueResult struct {
	DocumentID uuid.UUID        `json:"document_id"`
	DocType    dte.DocumentType `json:"doc_type"`
	Folio      int64            `json:"folio"`
	Total      int64            `json:"total"`
	ReplacesID *uuid.UUID       `json:"replaces_id,omitempty"`
}

// IngestCAFRequest carries an authorization file and its branch
type IngestCAFRequest struct {
	Branch string
	Raw    []byte
}

// CAFSummary describes a CAF and its folio stock
type CAFSummary struct {
	ID           uuid.UUID        `json:"id"`
	IssuerRUT    string           `json:"issuer_rut"`
	DocType      dte.DocumentType `json:"doc_type"`
	Branch       string           `json:"branch"`
	RangeStart   int64            `json:"range_start"`
	RangeEnd     int64            `json:"range_end"`
	NextFolio    int64            `json:"next_folio"`
	Used         int64            `json:"used"`
	Remaining    int64            `json:"remaining"`
	Status       dte.CAFStatus    `json:"status"`
	Hidden       bool             `json:"hidden"`
	AuthorizedAt time.Time        `json:"authorized_at"`
	ExpiresAt    time.Time        `json:"expires_at"`
	Fingerprint  string           `json:"fingerprint"`
}

// ToCAFSummary converts a CAF as seen at the given time
func ToCAFSummary(c *dte.CAF, at time.Time) CAFSummary {
	return CAFSummary{
		ID:           c.ID,
		IssuerRUT:    c.IssuerRUT,
		DocType:      c.DocType,
		Branch:       c.Branch,
		RangeStart:   c.RangeStart,
		RangeEnd:     c.RangeEnd,
		NextFolio:    c.NextFolio,
		Used:         c.Used(),
		Remaining:    c.Remaining(),
		Status:       c.Status(at),
		Hidden:       c.Hidden,
		AuthorizedAt: c.AuthorizedAt,
		ExpiresAt:    c.ExpiresAt,
		Fingerprint:  c.Fingerprint,
	}
}

// VoidedFoliosReport lists the folios of a CAF that will never be used
type VoidedFoliosReport struct {
	CAFID       uuid.UUID        `json:"caf_id"`
	IssuerRUT   string           `json:"issuer_rut"`
	DocType     dte.DocumentType `json:"doc_type"`
	Branch      string           `json:"branch"`
	RangeStart  int64            `json:"range_start"`
	RangeEnd    int64            `json:"range_end"`
	Folios      []int64          `json:"folios"`
	GeneratedAt time.Time        `json:"generated_at"`
}
