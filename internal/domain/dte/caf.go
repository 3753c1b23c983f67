package dte

import (
	"fmt"
	"time"

	"github.com/erp/dte/internal/domain/shared"
)

// DefaultCAFValidity is how long an authorization stays usable after issue
const DefaultCAFValidity = 180 * 24 * time.Hour

// CAFStatus is the derived availability of a CAF
type CAFStatus string

const (
	CAFStatusActive    CAFStatus = "ACTIVE"
	CAFStatusExhausted CAFStatus = "EXHAUSTED"
	CAFStatusExpired   CAFStatus = "EXPIRED"
	CAFStatusHidden    CAFStatus = "HIDDEN"
)

// CAF is an authority-issued folio range with its signing key.
// NextFolio is the cursor: the next folio to hand out. It only moves
// forward and never exceeds RangeEnd+1.
type CAF struct {
	shared.BaseAggregateRoot
	IssuerRUT        string
	IssuerName       string
	DocType          DocumentType
	Branch           string
	RangeStart       int64
	RangeEnd         int64
	NextFolio        int64
	AuthorizedAt     time.Time
	ExpiresAt        time.Time
	KeyID            string
	AuthorizationXML []byte
	SealedPrivateKey []byte
	PublicKeyPEM     []byte
	Fingerprint      string
	Exhausted        bool
	Hidden           bool
}

// NewCAFParams carries the verified contents of an authorization file
type NewCAFParams struct {
	IssuerRUT        string
	IssuerName       string
	DocType          DocumentType
	Branch           string
	RangeStart       int64
	RangeEnd         int64
	AuthorizedAt     time.Time
	Validity         time.Duration
	KeyID            string
	AuthorizationXML []byte
	SealedPrivateKey []byte
	PublicKeyPEM     []byte
	Fingerprint      string
}

// NewCAF creates a CAF with its cursor at the start of the range
func NewCAF(p NewCAFParams, at time.Time) (*CAF, error) {
	issuer, err := NormalizeRUT(p.IssuerRUT)
	if err != nil {
		return nil, shared.NewDomainError(CodeInvalidCAF, err.Error())
	}
	if !p.DocType.IsValid() {
		return nil, shared.NewDomainError(CodeInvalidCAF, fmt.Sprintf("Unsupported document type %d", p.DocType))
	}
	if p.Branch == "" {
		return nil, shared.NewDomainError(CodeInvalidCAF, "Branch is required")
	}
	if p.RangeStart <= 0 || p.RangeEnd < p.RangeStart {
		return nil, shared.NewDomainError(CodeInvalidCAF,
			fmt.Sprintf("Invalid folio range [%d, %d]", p.RangeStart, p.RangeEnd))
	}
	if len(p.AuthorizationXML) == 0 || len(p.SealedPrivateKey) == 0 {
		return nil, shared.NewDomainError(CodeInvalidCAF, "Authorization block and key material are required")
	}
	validity := p.Validity
	if validity <= 0 {
		validity = DefaultCAFValidity
	}

	return &CAF{
		BaseAggregateRoot: shared.NewBaseAggregateRoot(at),
		IssuerRUT:         issuer,
		IssuerName:        p.IssuerName,
		DocType:           p.DocType,
		Branch:            p.Branch,
		RangeStart:        p.RangeStart,
		RangeEnd:          p.RangeEnd,
		NextFolio:         p.RangeStart,
		AuthorizedAt:      p.AuthorizedAt,
		ExpiresAt:         p.AuthorizedAt.Add(validity),
		KeyID:             p.KeyID,
		AuthorizationXML:  p.AuthorizationXML,
		SealedPrivateKey:  p.SealedPrivateKey,
		PublicKeyPEM:      p.PublicKeyPEM,
		Fingerprint:       p.Fingerprint,
	}, nil
}

// Size returns the number of folios in the range
func (c *CAF) Size() int64 {
	return c.RangeEnd - c.RangeStart + 1
}

// Used returns how many folios have been handed out
func (c *CAF) Used() int64 {
	return c.NextFolio - c.RangeStart
}

// Remaining returns how many folios are still available
func (c *CAF) Remaining() int64 {
	if c.NextFolio > c.RangeEnd {
		return 0
	}
	return c.RangeEnd - c.NextFolio + 1
}

// Contains reports whether folio lies inside the range
func (c *CAF) Contains(folio int64) bool {
	return folio >= c.RangeStart && folio <= c.RangeEnd
}

// IsExpired reports whether the authorization has lapsed at the given time
func (c *CAF) IsExpired(at time.Time) bool {
	return !at.Before(c.ExpiresAt)
}

// IsEligible reports whether the CAF may serve allocations at the given time
func (c *CAF) IsEligible(at time.Time) bool {
	return !c.Hidden && !c.Exhausted && c.Remaining() > 0 && !c.IsExpired(at)
}

// Status derives the availability of the CAF
func (c *CAF) Status(at time.Time) CAFStatus {
	switch {
	case c.Exhausted || c.Remaining() == 0:
		return CAFStatusExhausted
	case c.IsExpired(at):
		return CAFStatusExpired
	case c.Hidden:
		return CAFStatusHidden
	default:
		return CAFStatusActive
	}
}

// Overlaps reports whether two CAFs for the same issuer, type and branch share folios
func (c *CAF) Overlaps(other *CAF) bool {
	if c.IssuerRUT != other.IssuerRUT || c.DocType != other.DocType || c.Branch != other.Branch {
		return false
	}
	return c.RangeStart <= other.RangeEnd && other.RangeStart <= c.RangeEnd
}

// Hide removes the CAF from allocation without touching its cursor
func (c *CAF) Hide(at time.Time) {
	c.Hidden = true
	c.Touch(at)
}

// Show makes a hidden CAF eligible again
func (c *CAF) Show(at time.Time) {
	c.Hidden = false
	c.Touch(at)
}
