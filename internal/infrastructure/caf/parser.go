// Package caf parses and verifies the folio authorization files (CAF)
// issued by the tax authority.
package caf

import (
	"bytes"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/beevik/etree"
	"github.com/erp/dte/internal/domain/dte"
	"github.com/erp/dte/internal/infrastructure/keystore"
	"github.com/erp/dte/internal/infrastructure/xmlsig"
	"github.com/zeebo/blake3"
)

// Authorization is the verified content of an AUTORIZACION file
type Authorization struct {
	IssuerRUT    string
	IssuerName   string
	DocType      dte.DocumentType
	RangeStart   int64
	RangeEnd     int64
	AuthorizedAt time.Time
	KeyID        string
	PublicKey    *rsa.PublicKey
	PrivateKey   *rsa.PrivateKey
	// PrivateKeyPEM is RSASK as delivered, ready to be sealed
	PrivateKeyPEM []byte
	PublicKeyPEM  []byte
	// CAFElement is the serialized <CAF> element copied into every stamp
	CAFElement  []byte
	Fingerprint string
}

// Verifier checks CAF files against the authority's published keys
type Verifier struct {
	trusted map[string]*rsa.PublicKey
}

// NewVerifier creates a verifier trusting the given keys, indexed by IDK
func NewVerifier(trusted map[string]*rsa.PublicKey) *Verifier {
	keys := make(map[string]*rsa.PublicKey, len(trusted))
	for id, k := range trusted {
		keys[id] = k
	}
	return &Verifier{trusted: keys}
}

// LoadTrustedKeys reads PEM public keys or certificates, one file per IDK
func LoadTrustedKeys(paths map[string]string) (map[string]*rsa.PublicKey, error) {
	keys := make(map[string]*rsa.PublicKey, len(paths))
	for id, path := range paths {
		data, err := os.ReadFile(filepath.Clean(path))
		if err != nil {
			return nil, fmt.Errorf("reading authority key %s: %w", id, err)
		}
		pub, err := parsePublicKeyPEM(data)
		if err != nil {
			return nil, fmt.Errorf("authority key %s: %w", id, err)
		}
		keys[id] = pub
	}
	return keys, nil
}

// Parse validates raw and extracts the authorization. Malformed files fail
// with INVALID_CAF; files whose signature or key pair cannot be verified
// fail with UNTRUSTED_CAF.
func (v *Verifier) Parse(raw []byte) (*Authorization, error) {
	doc, err := xmlsig.ReadDocument(raw)
	if err != nil {
		return nil, dte.NewInvalidCAFError(err.Error())
	}
	root := doc.Root()
	if root.Tag != "AUTORIZACION" {
		return nil, dte.NewInvalidCAFError("root element must be AUTORIZACION, got " + root.Tag)
	}
	cafEl := root.SelectElement("CAF")
	if cafEl == nil {
		return nil, dte.NewInvalidCAFError("CAF element missing")
	}
	da := cafEl.SelectElement("DA")
	if da == nil {
		return nil, dte.NewInvalidCAFError("DA element missing")
	}

	auth := &Authorization{Fingerprint: Fingerprint(raw)}
	if auth.IssuerRUT, err = dte.NormalizeRUT(text(da, "RE")); err != nil {
		return nil, dte.NewInvalidCAFError(err.Error())
	}
	auth.IssuerName = text(da, "RS")
	code, err := strconv.Atoi(text(da, "TD"))
	if err != nil {
		return nil, dte.NewInvalidCAFError("TD is not numeric")
	}
	if auth.DocType, err = dte.ParseDocumentType(code); err != nil {
		return nil, dte.NewInvalidCAFError(err.Error())
	}
	if auth.RangeStart, err = strconv.ParseInt(text(da, "RNG/D"), 10, 64); err != nil {
		return nil, dte.NewInvalidCAFError("RNG/D is not numeric")
	}
	if auth.RangeEnd, err = strconv.ParseInt(text(da, "RNG/H"), 10, 64); err != nil {
		return nil, dte.NewInvalidCAFError("RNG/H is not numeric")
	}
	if auth.RangeStart <= 0 || auth.RangeEnd < auth.RangeStart {
		return nil, dte.NewInvalidCAFError(fmt.Sprintf("invalid folio range [%d, %d]", auth.RangeStart, auth.RangeEnd))
	}
	if auth.AuthorizedAt, err = time.Parse(time.DateOnly, text(da, "FA")); err != nil {
		return nil, dte.NewInvalidCAFError("FA is not a date")
	}
	auth.KeyID = text(da, "IDK")
	if auth.PublicKey, err = rsaKeyValue(text(da, "RSAPK/M"), text(da, "RSAPK/E")); err != nil {
		return nil, dte.NewInvalidCAFError("RSAPK: " + err.Error())
	}

	if err := v.verifyAuthoritySignature(cafEl, da, auth.KeyID); err != nil {
		return nil, err
	}

	auth.PrivateKeyPEM = []byte(strings.TrimSpace(text(root, "RSASK")) + "\n")
	block, _ := pem.Decode(auth.PrivateKeyPEM)
	if block == nil {
		return nil, dte.NewInvalidCAFError("RSASK is not PEM encoded")
	}
	if auth.PrivateKey, err = keystore.ParseRSAPrivateKey(block.Bytes); err != nil {
		return nil, dte.NewInvalidCAFError("RSASK: " + err.Error())
	}
	if !auth.PrivateKey.PublicKey.Equal(auth.PublicKey) {
		return nil, dte.NewUntrustedCAFError("RSASK does not match the authorized RSAPK")
	}
	if pubPEM := strings.TrimSpace(text(root, "RSAPUBK")); pubPEM != "" {
		pub, err := parsePublicKeyPEM([]byte(pubPEM))
		if err != nil {
			return nil, dte.NewInvalidCAFError("RSAPUBK: " + err.Error())
		}
		if !pub.Equal(auth.PublicKey) {
			return nil, dte.NewUntrustedCAFError("RSAPUBK does not match the authorized RSAPK")
		}
		auth.PublicKeyPEM = []byte(pubPEM + "\n")
	} else {
		der, err := x509.MarshalPKIXPublicKey(auth.PublicKey)
		if err != nil {
			return nil, dte.NewInvalidCAFError(err.Error())
		}
		auth.PublicKeyPEM = pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})
	}

	if auth.CAFElement, err = xmlsig.Serialize(cafEl); err != nil {
		return nil, dte.NewInvalidCAFError(err.Error())
	}
	return auth, nil
}

func (v *Verifier) verifyAuthoritySignature(cafEl, da *etree.Element, keyID string) error {
	pub, ok := v.trusted[keyID]
	if !ok {
		return dte.NewUntrustedCAFError(fmt.Sprintf("no trusted authority key for IDK %q", keyID))
	}
	frma := cafEl.SelectElement("FRMA")
	if frma == nil {
		return dte.NewUntrustedCAFError("FRMA signature missing")
	}
	sig, err := base64.StdEncoding.DecodeString(strings.Join(strings.Fields(frma.Text()), ""))
	if err != nil {
		return dte.NewUntrustedCAFError("FRMA is not base64")
	}
	canonical, err := xmlsig.Canonicalize(da)
	if err != nil {
		return dte.NewInvalidCAFError(err.Error())
	}
	if err := xmlsig.VerifyRSASHA1(pub, canonical, sig); err != nil {
		return dte.NewUntrustedCAFError("FRMA does not verify against the authority key")
	}
	return nil
}

// Fingerprint hashes the file content with all whitespace removed, so a
// re-indented copy of the same CAF is still detected as a duplicate.
func Fingerprint(raw []byte) string {
	stripped := bytes.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, raw)
	sum := blake3.Sum256(stripped)
	return hex.EncodeToString(sum[:])
}

func text(el *etree.Element, path string) string {
	found := el.FindElement("./" + path)
	if found == nil {
		return ""
	}
	return strings.TrimSpace(found.Text())
}

func rsaKeyValue(modulus, exponent string) (*rsa.PublicKey, error) {
	m, err := base64.StdEncoding.DecodeString(strings.Join(strings.Fields(modulus), ""))
	if err != nil || len(m) == 0 {
		return nil, errors.New("bad modulus")
	}
	e, err := base64.StdEncoding.DecodeString(strings.Join(strings.Fields(exponent), ""))
	if err != nil || len(e) == 0 {
		return nil, errors.New("bad exponent")
	}
	exp := new(big.Int).SetBytes(e)
	if !exp.IsInt64() || exp.Int64() > 1<<31-1 {
		return nil, errors.New("exponent too large")
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(m), E: int(exp.Int64())}, nil
}

func parsePublicKeyPEM(data []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("not PEM encoded")
	}
	switch block.Type {
	case "CERTIFICATE":
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, err
		}
		pub, ok := cert.PublicKey.(*rsa.PublicKey)
		if !ok {
			return nil, errors.New("certificate key is not RSA")
		}
		return pub, nil
	case "RSA PUBLIC KEY":
		return x509.ParsePKCS1PublicKey(block.Bytes)
	default:
		parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		pub, ok := parsed.(*rsa.PublicKey)
		if !ok {
			return nil, errors.New("public key is not RSA")
		}
		return pub, nil
	}
}
