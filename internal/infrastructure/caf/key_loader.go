package caf

import (
	"encoding/pem"
	"fmt"

	"github.com/erp/dte/internal/domain/dte"
	"github.com/erp/dte/internal/infrastructure/keystore"
)

// KeyLoader unseals the stamping key of a stored CAF
type KeyLoader struct {
	sealer keystore.Sealer
}

// NewKeyLoader creates a KeyLoader
func NewKeyLoader(sealer keystore.Sealer) *KeyLoader {
	return &KeyLoader{sealer: sealer}
}

// Load returns the folio key of c
func (l *KeyLoader) Load(c *dte.CAF) (dte.FolioKey, error) {
	plain, err := l.sealer.Open(c.SealedPrivateKey)
	if err != nil {
		return dte.FolioKey{}, fmt.Errorf("opening key of CAF %s: %w", c.ID, err)
	}
	block, _ := pem.Decode(plain)
	if block == nil {
		return dte.FolioKey{}, fmt.Errorf("key of CAF %s is not PEM encoded", c.ID)
	}
	priv, err := keystore.ParseRSAPrivateKey(block.Bytes)
	if err != nil {
		return dte.FolioKey{}, fmt.Errorf("key of CAF %s: %w", c.ID, err)
	}
	pub, err := parsePublicKeyPEM(c.PublicKeyPEM)
	if err != nil {
		return dte.FolioKey{}, fmt.Errorf("public key of CAF %s: %w", c.ID, err)
	}
	return dte.FolioKey{
		AuthorizationXML: c.AuthorizationXML,
		PrivateKey:       priv,
		PublicKey:        pub,
		IssuerRUT:        c.IssuerRUT,
		DocType:          c.DocType,
		RangeStart:       c.RangeStart,
		RangeEnd:         c.RangeEnd,
		ExpiresAt:        c.ExpiresAt,
	}, nil
}
