package xmlsig

import (
	"bytes"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/beevik/etree"
)

// Algorithm URIs of the XMLDSig profile accepted by the authority
const (
	Namespace          = "http://www.w3.org/2000/09/xmldsig#"
	RSASHA1Algorithm   = Namespace + "rsa-sha1"
	SHA1Algorithm      = Namespace + "sha1"
	EnvelopedTransform = Namespace + "enveloped-signature"
)

// ErrSignatureMissing is returned when the parent carries no Signature
var ErrSignatureMissing = errors.New("xmlsig: signature element not found")

// SignEnveloped computes an XMLDSig signature over target and appends it to
// parent. A non-empty referenceID must be the target's ID attribute and the
// signature becomes a sibling of the target. An empty referenceID signs the
// whole parent (target must be parent) with the enveloped-signature
// transform.
func SignEnveloped(parent, target *etree.Element, referenceID string, key *rsa.PrivateKey, cert *x509.Certificate) (*etree.Element, error) {
	if key == nil || cert == nil {
		return nil, errors.New("xmlsig: signing key and certificate are required")
	}
	if referenceID == "" && target != parent {
		return nil, errors.New("xmlsig: an empty reference signs the parent itself")
	}
	if referenceID != "" && target.SelectAttrValue("ID", "") != referenceID {
		return nil, fmt.Errorf("xmlsig: target has no ID %q", referenceID)
	}

	canonical, err := Canonicalize(target)
	if err != nil {
		return nil, err
	}
	digest := sha1.Sum(canonical)

	sig := etree.NewElement("Signature")
	sig.CreateAttr("xmlns", Namespace)

	signedInfo := sig.CreateElement("SignedInfo")
	signedInfo.CreateElement("CanonicalizationMethod").CreateAttr("Algorithm", C14NAlgorithm)
	signedInfo.CreateElement("SignatureMethod").CreateAttr("Algorithm", RSASHA1Algorithm)
	ref := signedInfo.CreateElement("Reference")
	if referenceID == "" {
		ref.CreateAttr("URI", "")
		ref.CreateElement("Transforms").CreateElement("Transform").CreateAttr("Algorithm", EnvelopedTransform)
	} else {
		ref.CreateAttr("URI", "#"+referenceID)
		ref.CreateElement("Transforms").CreateElement("Transform").CreateAttr("Algorithm", C14NAlgorithm)
	}
	ref.CreateElement("DigestMethod").CreateAttr("Algorithm", SHA1Algorithm)
	ref.CreateElement("DigestValue").SetText(base64.StdEncoding.EncodeToString(digest[:]))

	sigValue := sig.CreateElement("SignatureValue")

	keyInfo := sig.CreateElement("KeyInfo")
	rsaValue := keyInfo.CreateElement("KeyValue").CreateElement("RSAKeyValue")
	rsaValue.CreateElement("Modulus").SetText(base64.StdEncoding.EncodeToString(key.N.Bytes()))
	rsaValue.CreateElement("Exponent").SetText(base64.StdEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()))
	keyInfo.CreateElement("X509Data").CreateElement("X509Certificate").SetText(base64.StdEncoding.EncodeToString(cert.Raw))

	parent.AddChild(sig)

	canonicalInfo, err := Canonicalize(signedInfo)
	if err != nil {
		parent.RemoveChild(sig)
		return nil, err
	}
	value, err := SignRSASHA1(key, canonicalInfo)
	if err != nil {
		parent.RemoveChild(sig)
		return nil, fmt.Errorf("xmlsig: rsa signing failed: %w", err)
	}
	sigValue.SetText(base64.StdEncoding.EncodeToString(value))
	return sig, nil
}

// VerifyEnveloped checks the Signature child of parent that references
// target and returns the certificate it was made with.
func VerifyEnveloped(parent, target *etree.Element, referenceID string) (*x509.Certificate, error) {
	sig := parent.SelectElement("Signature")
	if sig == nil {
		return nil, ErrSignatureMissing
	}
	signedInfo := sig.SelectElement("SignedInfo")
	if signedInfo == nil {
		return nil, errors.New("xmlsig: SignedInfo missing")
	}
	ref := signedInfo.SelectElement("Reference")
	if ref == nil {
		return nil, errors.New("xmlsig: Reference missing")
	}
	wantURI := ""
	if referenceID != "" {
		wantURI = "#" + referenceID
	}
	if uri := ref.SelectAttrValue("URI", ""); uri != wantURI {
		return nil, fmt.Errorf("xmlsig: reference %q does not point at %q", uri, wantURI)
	}

	subject := target
	if referenceID == "" {
		subject = parent.Copy()
		subject.RemoveChild(subject.SelectElement("Signature"))
	}
	canonical, err := Canonicalize(subject)
	if err != nil {
		return nil, err
	}
	digest := sha1.Sum(canonical)
	stated, err := decodeText(ref.SelectElement("DigestValue"))
	if err != nil {
		return nil, fmt.Errorf("xmlsig: bad digest value: %w", err)
	}
	if !bytes.Equal(stated, digest[:]) {
		return nil, errors.New("xmlsig: digest mismatch")
	}

	certText := sig.FindElement("./KeyInfo/X509Data/X509Certificate")
	der, err := decodeText(certText)
	if err != nil {
		return nil, fmt.Errorf("xmlsig: bad certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("xmlsig: bad certificate: %w", err)
	}
	pub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("xmlsig: certificate key is not RSA")
	}

	value, err := decodeText(sig.SelectElement("SignatureValue"))
	if err != nil {
		return nil, fmt.Errorf("xmlsig: bad signature value: %w", err)
	}
	canonicalInfo, err := Canonicalize(signedInfo)
	if err != nil {
		return nil, err
	}
	if err := VerifyRSASHA1(pub, canonicalInfo, value); err != nil {
		return nil, fmt.Errorf("xmlsig: signature value invalid: %w", err)
	}
	return cert, nil
}

func decodeText(el *etree.Element) ([]byte, error) {
	if el == nil {
		return nil, errors.New("element missing")
	}
	return base64.StdEncoding.DecodeString(strings.Join(strings.Fields(el.Text()), ""))
}
