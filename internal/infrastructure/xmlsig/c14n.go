// Package xmlsig implements the XML signature primitives used on tax
// documents: inclusive C14N 1.0 of a subtree, RSA-SHA1 signing and
// enveloped XMLDSig signatures referencing an element ID.
package xmlsig

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha1"
	"fmt"

	"github.com/beevik/etree"
	dsig "github.com/russellhaering/goxmldsig"
	"github.com/russellhaering/goxmldsig/etreeutils"
)

var canonicalizer = dsig.MakeC14N10RecCanonicalizer()

// C14NAlgorithm is the canonicalization method URI written into signatures
var C14NAlgorithm = string(canonicalizer.Algorithm())

// Canonicalize serializes el with inclusive C14N 1.0. Namespaces declared
// on ancestors are rendered on el, so the result is the same whether el is
// canonicalized in place or after being moved under a parent that declares
// the same namespaces.
func Canonicalize(el *etree.Element) ([]byte, error) {
	ctx, err := etreeutils.NSBuildParentContext(el)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve namespaces of %s: %w", el.Tag, err)
	}
	detached, err := etreeutils.NSDetatch(ctx, el)
	if err != nil {
		return nil, fmt.Errorf("failed to detach %s: %w", el.Tag, err)
	}
	out, err := canonicalizer.Canonicalize(detached)
	if err != nil {
		return nil, fmt.Errorf("failed to canonicalize %s: %w", el.Tag, err)
	}
	return out, nil
}

// SignRSASHA1 signs data with RSASSA-PKCS1-v1_5 over SHA-1. The scheme has
// no randomness, so equal inputs give equal signatures.
func SignRSASHA1(key *rsa.PrivateKey, data []byte) ([]byte, error) {
	sum := sha1.Sum(data)
	return rsa.SignPKCS1v15(nil, key, crypto.SHA1, sum[:])
}

// VerifyRSASHA1 checks an RSASSA-PKCS1-v1_5 SHA-1 signature
func VerifyRSASHA1(pub *rsa.PublicKey, data, sig []byte) error {
	sum := sha1.Sum(data)
	return rsa.VerifyPKCS1v15(pub, crypto.SHA1, sum[:], sig)
}
