// Package keystore holds the issuing company's signing credentials and
// seals CAF private keys at rest with age.
package keystore

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"filippo.io/age"
	"filippo.io/age/armor"
)

// ErrNoIdentity is returned when sealed material is found but no identity is configured
var ErrNoIdentity = errors.New("keystore: sealed key found but no age identity configured")

// Sealer protects key material stored in the database
type Sealer interface {
	Seal(plaintext []byte) ([]byte, error)
	Open(data []byte) ([]byte, error)
}

// AgeSealer encrypts to an X25519 recipient and decrypts with the matching
// identity. Without a recipient it stores plaintext, which Open passes
// through, so development databases stay readable.
type AgeSealer struct {
	recipient age.Recipient
	identity  age.Identity
}

var _ Sealer = (*AgeSealer)(nil)

// NewAgeSealer parses the age1... recipient and AGE-SECRET-KEY-1... identity.
// Either may be empty.
func NewAgeSealer(recipient, identity string) (*AgeSealer, error) {
	s := &AgeSealer{}
	if recipient != "" {
		r, err := age.ParseX25519Recipient(strings.TrimSpace(recipient))
		if err != nil {
			return nil, fmt.Errorf("parsing age recipient: %w", err)
		}
		s.recipient = r
	}
	if identity != "" {
		id, err := age.ParseX25519Identity(strings.TrimSpace(identity))
		if err != nil {
			return nil, fmt.Errorf("parsing age identity: %w", err)
		}
		s.identity = id
	}
	return s, nil
}

// Seal armors plaintext for the configured recipient
func (s *AgeSealer) Seal(plaintext []byte) ([]byte, error) {
	if s.recipient == nil {
		return plaintext, nil
	}
	var buf bytes.Buffer
	aw := armor.NewWriter(&buf)
	w, err := age.Encrypt(aw, s.recipient)
	if err != nil {
		return nil, fmt.Errorf("creating age encryptor: %w", err)
	}
	if _, err := w.Write(plaintext); err != nil {
		return nil, fmt.Errorf("writing plaintext to age encryptor: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("finalizing age encryption: %w", err)
	}
	if err := aw.Close(); err != nil {
		return nil, fmt.Errorf("finalizing age armor: %w", err)
	}
	return buf.Bytes(), nil
}

// Open reverses Seal
func (s *AgeSealer) Open(data []byte) ([]byte, error) {
	if !IsSealed(data) {
		return data, nil
	}
	if s.identity == nil {
		return nil, ErrNoIdentity
	}
	r, err := age.Decrypt(armor.NewReader(bytes.NewReader(data)), s.identity)
	if err != nil {
		return nil, fmt.Errorf("decrypting sealed key: %w", err)
	}
	plaintext, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading decrypted key: %w", err)
	}
	return plaintext, nil
}

// IsSealed reports whether data is an armored age file
func IsSealed(data []byte) bool {
	return bytes.HasPrefix(bytes.TrimSpace(data), []byte(armor.Header))
}
