package testutil

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/pem"
	"math/big"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/beevik/etree"
	"github.com/erp/dte/internal/domain/dte"
	"github.com/erp/dte/internal/infrastructure/caf"
	"github.com/erp/dte/internal/infrastructure/xmlsig"
	"github.com/stretchr/testify/require"
)

// Keys are generated once per test binary. Signing with them is
// deterministic, so tests can compare outputs byte for byte.
var (
	keysOnce     sync.Once
	authorityKey *rsa.PrivateKey
	folioKey     *rsa.PrivateKey
	otherKey     *rsa.PrivateKey
	companyKey   *rsa.PrivateKey
	keysErr      error
)

func loadKeys(t testing.TB) {
	t.Helper()
	keysOnce.Do(func() {
		gen := func(bits int) *rsa.PrivateKey {
			if keysErr != nil {
				return nil
			}
			k, err := rsa.GenerateKey(rand.Reader, bits)
			keysErr = err
			return k
		}
		authorityKey = gen(1024)
		folioKey = gen(1024)
		otherKey = gen(1024)
		companyKey = gen(2048)
	})
	require.NoError(t, keysErr)
}

// AuthorityKey signs CAF authorizations in tests
func AuthorityKey(t testing.TB) *rsa.PrivateKey {
	loadKeys(t)
	return authorityKey
}

// FolioPrivateKey is the RSASK embedded in test CAFs
func FolioPrivateKey(t testing.TB) *rsa.PrivateKey {
	loadKeys(t)
	return folioKey
}

// OtherKey is an unrelated key for mismatch cases
func OtherKey(t testing.TB) *rsa.PrivateKey {
	loadKeys(t)
	return otherKey
}

// CompanyPrivateKey is the issuing company's signing key
func CompanyPrivateKey(t testing.TB) *rsa.PrivateKey {
	loadKeys(t)
	return companyKey
}

// CompanyCertificate self-signs a certificate for the company key valid
// between notBefore and notAfter.
func CompanyCertificate(t testing.TB, serial int64, notBefore, notAfter time.Time) *x509.Certificate {
	t.Helper()
	key := CompanyPrivateKey(t)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(serial),
		Subject:      pkix.Name{CommonName: "Comercial Andes SpA", SerialNumber: "76543210-3"},
		NotBefore:    notBefore,
		NotAfter:     notAfter,
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return cert
}

// CompanyKey returns a valid company key pair around at
func CompanyKey(t testing.TB, at time.Time) dte.CompanyKey {
	return dte.CompanyKey{
		PrivateKey:  CompanyPrivateKey(t),
		Certificate: CompanyCertificate(t, 4242, at.AddDate(-1, 0, 0), at.AddDate(1, 0, 0)),
	}
}

// CompanyPEMBundle encodes the company key and certificate as PEM
func CompanyPEMBundle(t testing.TB, cert *x509.Certificate) []byte {
	t.Helper()
	out := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(CompanyPrivateKey(t))})
	return append(out, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})...)
}

// PublicKeyPEM encodes a public key as PKIX PEM
func PublicKeyPEM(t testing.TB, pub *rsa.PublicKey) []byte {
	t.Helper()
	der, err := x509.MarshalPKIXPublicKey(pub)
	require.NoError(t, err)
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})
}

// AuthorityKeyID is the IDK stamped on test CAFs
const AuthorityKeyID = "100"

// CAFSpec describes a test authorization file
type CAFSpec struct {
	IssuerRUT    string
	IssuerName   string
	DocType      dte.DocumentType
	From, To     int64
	AuthorizedOn string
	// SigningKey overrides the authority key used for FRMA
	SigningKey *rsa.PrivateKey
	// EmbeddedKey overrides the RSASK placed in the file
	EmbeddedKey *rsa.PrivateKey
}

// CAFXML renders an AUTORIZACION file signed like the authority signs it
func CAFXML(t testing.TB, cs CAFSpec) []byte {
	t.Helper()
	if cs.IssuerRUT == "" {
		cs.IssuerRUT = "76543210-3"
	}
	if cs.IssuerName == "" {
		cs.IssuerName = "COMERCIAL ANDES SPA"
	}
	if cs.DocType == 0 {
		cs.DocType = dte.TypeInvoice
	}
	if cs.AuthorizedOn == "" {
		cs.AuthorizedOn = "2026-03-01"
	}
	signer := cs.SigningKey
	if signer == nil {
		signer = AuthorityKey(t)
	}
	embedded := cs.EmbeddedKey
	if embedded == nil {
		embedded = FolioPrivateKey(t)
	}
	pub := &FolioPrivateKey(t).PublicKey

	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0"`)
	root := doc.CreateElement("AUTORIZACION")
	caf := root.CreateElement("CAF")
	caf.CreateAttr("version", "1.0")
	da := caf.CreateElement("DA")
	da.CreateElement("RE").SetText(cs.IssuerRUT)
	da.CreateElement("RS").SetText(cs.IssuerName)
	da.CreateElement("TD").SetText(cs.DocType.Code())
	rng := da.CreateElement("RNG")
	rng.CreateElement("D").SetText(strconv.FormatInt(cs.From, 10))
	rng.CreateElement("H").SetText(strconv.FormatInt(cs.To, 10))
	da.CreateElement("FA").SetText(cs.AuthorizedOn)
	rsapk := da.CreateElement("RSAPK")
	rsapk.CreateElement("M").SetText(base64.StdEncoding.EncodeToString(pub.N.Bytes()))
	rsapk.CreateElement("E").SetText(base64.StdEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()))
	da.CreateElement("IDK").SetText(AuthorityKeyID)

	frma := caf.CreateElement("FRMA")
	frma.CreateAttr("algoritmo", "SHA1withRSA")

	root.CreateElement("RSASK").SetText(string(pem.EncodeToMemory(&pem.Block{
		Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(embedded),
	})))
	root.CreateElement("RSAPUBK").SetText(string(PublicKeyPEM(t, pub)))

	// The authority signs DA as it appears in the delivered file
	doc.Indent(2)
	canonical, err := xmlsig.Canonicalize(da)
	require.NoError(t, err)
	sig, err := xmlsig.SignRSASHA1(signer, canonical)
	require.NoError(t, err)
	frma.SetText(base64.StdEncoding.EncodeToString(sig))

	out, err := doc.WriteToBytes()
	require.NoError(t, err)
	return out
}

// TrustedKeys maps the test IDK to the authority's public key
func TrustedKeys(t testing.TB) map[string]*rsa.PublicKey {
	return map[string]*rsa.PublicKey{AuthorityKeyID: &AuthorityKey(t).PublicKey}
}

// ParseCAF verifies a fixture CAF with the test authority key
func ParseCAF(t testing.TB, cs CAFSpec) *caf.Authorization {
	t.Helper()
	auth, err := caf.NewVerifier(TrustedKeys(t)).Parse(CAFXML(t, cs))
	require.NoError(t, err)
	return auth
}

// FolioKey returns the unsealed stamping key of a fixture CAF
func FolioKey(t testing.TB, cs CAFSpec) dte.FolioKey {
	auth := ParseCAF(t, cs)
	return dte.FolioKey{
		AuthorizationXML: auth.CAFElement,
		PrivateKey:       auth.PrivateKey,
		PublicKey:        auth.PublicKey,
		IssuerRUT:        auth.IssuerRUT,
		DocType:          auth.DocType,
		RangeStart:       auth.RangeStart,
		RangeEnd:         auth.RangeEnd,
		ExpiresAt:        auth.AuthorizedAt.Add(dte.DefaultCAFValidity),
	}
}
