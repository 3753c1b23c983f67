// Package signing stamps and signs built documents. A document carries two
// independent signatures: the folio stamp (TED) made with the CAF key over
// the DD element alone, and the enveloped XMLDSig made with the company
// certificate over the whole Documento.
package signing

import (
	"crypto/rsa"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/beevik/etree"
	"github.com/erp/dte/internal/domain/dte"
	"github.com/erp/dte/internal/infrastructure/xmlsig"
)

// TimestampLayout formats TSTED, TmstFirma and TmstFirmaEnv
const TimestampLayout = "2006-01-02T15:04:05"

const stampTextLimit = 40

// Signer produces signed documents. It holds no state: the timestamp is an
// input, so equal inputs give byte-identical output.
type Signer struct{}

// NewSigner creates a Signer
func NewSigner() *Signer {
	return &Signer{}
}

// Sign stamps canonical with the folio key and signs it with the company key
func (s *Signer) Sign(canonical dte.CanonicalXML, folioKey dte.FolioKey, companyKey dte.CompanyKey, at time.Time) (dte.SignedXML, error) {
	if err := CheckCompanyKey(companyKey, at); err != nil {
		return nil, err
	}

	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(canonical); err != nil {
		return nil, dte.NewSigningError("document is not well-formed XML", err)
	}
	root := doc.Root()
	if root == nil || root.Tag != "DTE" {
		return nil, dte.NewSigningError("document root must be DTE", nil)
	}
	documento := root.SelectElement("Documento")
	if documento == nil {
		return nil, dte.NewSigningError("Documento element missing", nil)
	}
	facts, err := readFacts(documento)
	if err != nil {
		return nil, err
	}
	if err := checkFolioKey(folioKey, facts, at); err != nil {
		return nil, err
	}

	ted, err := stamp(facts, folioKey, at)
	if err != nil {
		return nil, err
	}
	documento.AddChild(ted)
	documento.CreateElement("TmstFirma").SetText(at.Format(TimestampLayout))

	if _, err := xmlsig.SignEnveloped(root, documento, documento.SelectAttrValue("ID", ""), companyKey.PrivateKey, companyKey.Certificate); err != nil {
		return nil, dte.NewSigningError("document signature failed", err)
	}
	out, err := doc.WriteToBytes()
	if err != nil {
		return nil, dte.NewSigningError("serializing signed document", err)
	}
	return out, nil
}

// CheckCompanyKey rejects company keys that may not sign at the given time
func CheckCompanyKey(k dte.CompanyKey, at time.Time) error {
	if k.PrivateKey == nil || k.Certificate == nil {
		return dte.NewSigningError("company key or certificate missing", nil)
	}
	cert := k.Certificate
	if at.Before(cert.NotBefore) {
		return dte.NewSigningError(fmt.Sprintf("certificate not valid before %s", cert.NotBefore.Format(time.RFC3339)), nil)
	}
	if at.After(cert.NotAfter) {
		return dte.NewSigningError(fmt.Sprintf("certificate expired at %s", cert.NotAfter.Format(time.RFC3339)), nil)
	}
	if k.Revoked {
		return dte.NewSigningError(fmt.Sprintf("certificate %s is revoked", cert.SerialNumber), nil)
	}
	pub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok || !pub.Equal(&k.PrivateKey.PublicKey) {
		return dte.NewSigningError("certificate does not match the private key", nil)
	}
	return nil
}

// facts are the document values the stamp repeats
type facts struct {
	issuerRUT    string
	docType      dte.DocumentType
	folio        int64
	issueDate    string
	receiverRUT  string
	receiverName string
	total        string
	firstItem    string
}

func readFacts(documento *etree.Element) (facts, error) {
	var f facts
	get := func(path string) string {
		if el := documento.FindElement("./" + path); el != nil {
			return strings.TrimSpace(el.Text())
		}
		return ""
	}
	code, err := strconv.Atoi(get("Encabezado/IdDoc/TipoDTE"))
	if err != nil {
		return f, dte.NewSigningError("TipoDTE missing", err)
	}
	f.docType = dte.DocumentType(code)
	if f.folio, err = strconv.ParseInt(get("Encabezado/IdDoc/Folio"), 10, 64); err != nil {
		return f, dte.NewSigningError("Folio missing", err)
	}
	f.issuerRUT = get("Encabezado/Emisor/RUTEmisor")
	f.issueDate = get("Encabezado/IdDoc/FchEmis")
	f.receiverRUT = get("Encabezado/Receptor/RUTRecep")
	f.receiverName = get("Encabezado/Receptor/RznSocRecep")
	f.total = get("Encabezado/Totales/MntTotal")
	f.firstItem = get("Detalle/NmbItem")
	if documento.SelectAttrValue("ID", "") != f.docType.ElementID(f.folio) {
		return f, dte.NewSigningError("Documento ID does not match type and folio", nil)
	}
	return f, nil
}

func checkFolioKey(k dte.FolioKey, f facts, at time.Time) error {
	if k.PrivateKey == nil || k.PublicKey == nil || len(k.AuthorizationXML) == 0 {
		return dte.NewSigningError("CAF key material missing", nil)
	}
	if k.IssuerRUT != f.issuerRUT {
		return dte.NewSigningError(fmt.Sprintf("CAF belongs to %s, document issuer is %s", k.IssuerRUT, f.issuerRUT), nil)
	}
	if !k.Covers(f.docType, f.folio) {
		return dte.NewSigningError(fmt.Sprintf("folio %d of type %d is not covered by CAF %d [%d, %d]",
			f.folio, f.docType, k.DocType, k.RangeStart, k.RangeEnd), nil)
	}
	if !k.ExpiresAt.IsZero() && !at.Before(k.ExpiresAt) {
		return dte.NewSigningError(fmt.Sprintf("CAF expired at %s", k.ExpiresAt.Format(time.RFC3339)), nil)
	}
	if !k.PrivateKey.PublicKey.Equal(k.PublicKey) {
		return dte.NewSigningError("CAF private key does not match its authorized public key", nil)
	}
	return nil
}

// stamp builds the TED. DD is signed as a standalone fragment, before it is
// placed in the document, so the stamp does not depend on the document's
// namespace.
func stamp(f facts, k dte.FolioKey, at time.Time) (*etree.Element, error) {
	cafDoc := etree.NewDocument()
	if err := cafDoc.ReadFromBytes(k.AuthorizationXML); err != nil || cafDoc.Root() == nil {
		return nil, dte.NewSigningError("CAF authorization block is not well-formed", err)
	}

	ted := etree.NewElement("TED")
	ted.CreateAttr("version", "1.0")
	dd := ted.CreateElement("DD")
	dd.CreateElement("RE").SetText(f.issuerRUT)
	dd.CreateElement("TD").SetText(f.docType.Code())
	dd.CreateElement("F").SetText(strconv.FormatInt(f.folio, 10))
	dd.CreateElement("FE").SetText(f.issueDate)
	dd.CreateElement("RR").SetText(f.receiverRUT)
	dd.CreateElement("RSR").SetText(clip(f.receiverName))
	dd.CreateElement("MNT").SetText(f.total)
	dd.CreateElement("IT1").SetText(clip(f.firstItem))
	dd.AddChild(cafDoc.Root().Copy())
	dd.CreateElement("TSTED").SetText(at.Format(TimestampLayout))

	canonical, err := xmlsig.Canonicalize(dd.Copy())
	if err != nil {
		return nil, dte.NewSigningError("canonicalizing stamp", err)
	}
	sig, err := xmlsig.SignRSASHA1(k.PrivateKey, canonical)
	if err != nil {
		return nil, dte.NewSigningError("stamp signature failed", err)
	}
	frmt := ted.CreateElement("FRMT")
	frmt.CreateAttr("algoritmo", "SHA1withRSA")
	frmt.SetText(base64.StdEncoding.EncodeToString(sig))
	return ted, nil
}

// Verified describes a signed document that passed Verify
type Verified struct {
	DocType   dte.DocumentType
	Folio     int64
	IssuerRUT string
	Element   *etree.Element
}

// Verify checks both signatures of a signed document. The stamp is checked
// against the RSAPK of the CAF embedded in it.
func Verify(signed dte.SignedXML) (*Verified, error) {
	doc, err := xmlsig.ReadDocument(signed)
	if err != nil {
		return nil, err
	}
	return VerifyElement(doc.Root())
}

// VerifyElement checks a DTE element in place, for instance inside an envelope
func VerifyElement(root *etree.Element) (*Verified, error) {
	documento := root.SelectElement("Documento")
	if documento == nil {
		return nil, errors.New("signing: Documento element missing")
	}
	f, err := readFacts(documento)
	if err != nil {
		return nil, err
	}
	if _, err := xmlsig.VerifyEnveloped(root, documento, documento.SelectAttrValue("ID", "")); err != nil {
		return nil, fmt.Errorf("document signature: %w", err)
	}

	dd := documento.FindElement("./TED/DD")
	frmt := documento.FindElement("./TED/FRMT")
	if dd == nil || frmt == nil {
		return nil, errors.New("signing: stamp missing")
	}
	pub, err := stampKey(dd)
	if err != nil {
		return nil, err
	}
	sig, err := base64.StdEncoding.DecodeString(strings.Join(strings.Fields(frmt.Text()), ""))
	if err != nil {
		return nil, fmt.Errorf("stamp signature: %w", err)
	}
	detached := dd.Copy()
	stripNamespace(detached)
	canonical, err := xmlsig.Canonicalize(detached)
	if err != nil {
		return nil, err
	}
	if err := xmlsig.VerifyRSASHA1(pub, canonical, sig); err != nil {
		return nil, fmt.Errorf("stamp signature: %w", err)
	}
	return &Verified{DocType: f.docType, Folio: f.folio, IssuerRUT: f.issuerRUT, Element: root}, nil
}

func stampKey(dd *etree.Element) (*rsa.PublicKey, error) {
	m := dd.FindElement("./CAF/DA/RSAPK/M")
	e := dd.FindElement("./CAF/DA/RSAPK/E")
	if m == nil || e == nil {
		return nil, errors.New("signing: stamp carries no CAF public key")
	}
	mod, err := base64.StdEncoding.DecodeString(strings.Join(strings.Fields(m.Text()), ""))
	if err != nil {
		return nil, fmt.Errorf("signing: CAF modulus: %w", err)
	}
	exp, err := base64.StdEncoding.DecodeString(strings.Join(strings.Fields(e.Text()), ""))
	if err != nil {
		return nil, fmt.Errorf("signing: CAF exponent: %w", err)
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(mod), E: int(new(big.Int).SetBytes(exp).Int64())}, nil
}

// stripNamespace drops default namespace declarations a parser may have
// attached to the copied stamp.
func stripNamespace(el *etree.Element) {
	el.RemoveAttr("xmlns")
	el.Space = ""
	for _, c := range el.ChildElements() {
		stripNamespace(c)
	}
}

func clip(s string) string {
	if utf8.RuneCountInString(s) <= stampTextLimit {
		return s
	}
	return string([]rune(s)[:stampTextLimit])
}
