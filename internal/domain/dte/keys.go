package dte

import (
	"crypto/rsa"
	"crypto/x509"
	"time"
)

// FolioKey is the signing material embedded in a CAF, unsealed for stamping
type FolioKey struct {
	// AuthorizationXML is the verbatim CAF element copied into every stamp
	AuthorizationXML []byte
	PrivateKey       *rsa.PrivateKey
	// PublicKey is the RSAPK the authority bound to the range
	PublicKey  *rsa.PublicKey
	IssuerRUT  string
	DocType    DocumentType
	RangeStart int64
	RangeEnd   int64
	ExpiresAt  time.Time
}

// Covers reports whether the key governs the folio of the given type
func (k FolioKey) Covers(docType DocumentType, folio int64) bool {
	return k.DocType == docType && folio >= k.RangeStart && folio <= k.RangeEnd
}

// CompanyKey is the issuing company's certificate and private key
type CompanyKey struct {
	PrivateKey  *rsa.PrivateKey
	Certificate *x509.Certificate
	// Revoked is set when the certificate serial appears in the configured revocation list
	Revoked bool
}
