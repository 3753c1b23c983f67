package issuance

import (
	"context"
	"time"

	"github.com/erp/dte/internal/domain/dte"
	"github.com/erp/dte/internal/infrastructure/authority"
	"github.com/erp/dte/internal/infrastructure/caf"
)

// DocumentBuilder turns a payload into canonical document XML
type DocumentBuilder interface {
	// Validate checks the payload before any folio is consumed
	Validate(docType dte.DocumentType, p dte.Payload) error
	Build(docType dte.DocumentType, p dte.Payload, folio int64) (dte.CanonicalXML, dte.Totals, error)
}

// DocumentSigner stamps and signs a canonical document
type DocumentSigner interface {
	Sign(canonical dte.CanonicalXML, folioKey dte.FolioKey, companyKey dte.CompanyKey, at time.Time) (dte.SignedXML, error)
}

// FolioKeyLoader unseals the stamping key of a CAF
type FolioKeyLoader interface {
	Load(c *dte.CAF) (dte.FolioKey, error)
}

// CAFVerifier parses an authorization file and checks the authority's signature
type CAFVerifier interface {
	Parse(raw []byte) (*caf.Authorization, error)
}

// KeySealer protects CAF private keys at rest
type KeySealer interface {
	Seal(plaintext []byte) ([]byte, error)
}

// EnvelopePackager builds the signed submission unit
type EnvelopePackager interface {
	Pack(setID, issuerRUT string, members []dte.SignedXML, companyKey dte.CompanyKey, at time.Time) ([]byte, error)
	Limit() int
}

// Authority is the remote tax authority
type Authority interface {
	Submit(ctx context.Context, s authority.Submission) (dte.Verdict, error)
	Poll(ctx context.Context, trackID string) (dte.Verdict, error)
}

// BranchLocker serializes envelope submission per issuer and branch
type BranchLocker interface {
	Lock(ctx context.Context, key string) (func(context.Context) error, error)
}

// Archive keeps copies of signed documents, envelopes and voided-folio reports
type Archive interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
}

// Metrics records engine measurements
type Metrics interface {
	RecordSubmission(ctx context.Context, branch, outcome string, d time.Duration)
	RecordFolioStock(ctx context.Context, docType dte.DocumentType, branch string, remaining int64)
}

type noopMetrics struct{}

func (noopMetrics) RecordSubmission(context.Context, string, string, time.Duration) {}
func (noopMetrics) RecordFolioStock(context.Context, dte.DocumentType, string, int64) {}

type noopArchive struct{}

func (noopArchive) Put(context.Context, string, []byte, string) error { return nil }
