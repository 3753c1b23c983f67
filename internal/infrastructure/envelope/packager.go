// Package envelope packs signed documents into the EnvioDTE submission unit
package envelope

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/beevik/etree"
	"github.com/erp/dte/internal/domain/dte"
	"github.com/erp/dte/internal/infrastructure/signing"
	"github.com/erp/dte/internal/infrastructure/xmldte"
	"github.com/erp/dte/internal/infrastructure/xmlsig"
	"golang.org/x/text/encoding/charmap"
)

// Config holds the Caratula values and the size limit
type Config struct {
	MaxDocuments int
	// SenderRUT is the person uploading on behalf of the company
	SenderRUT        string
	ReceiverRUT      string
	ResolutionNumber int
	ResolutionDate   string
}

// Packager builds signed envelopes
type Packager struct {
	cfg Config
}

// NewPackager creates a Packager
func NewPackager(cfg Config) *Packager {
	if cfg.MaxDocuments <= 0 {
		cfg.MaxDocuments = dte.DefaultEnvelopeLimit
	}
	if cfg.ReceiverRUT == "" {
		cfg.ReceiverRUT = dte.AuthorityRUT
	}
	return &Packager{cfg: cfg}
}

// Limit returns the maximum number of documents per envelope
func (p *Packager) Limit() int {
	return p.cfg.MaxDocuments
}

// Pack wraps members, in order, in a SetDTE signed with the company key and
// returns the ISO-8859-1 encoded envelope.
func (p *Packager) Pack(setID, issuerRUT string, members []dte.SignedXML, companyKey dte.CompanyKey, at time.Time) ([]byte, error) {
	if len(members) == 0 {
		return nil, errors.New("envelope: no documents to pack")
	}
	if len(members) > p.cfg.MaxDocuments {
		return nil, dte.NewEnvelopeTooLargeError(len(members), p.cfg.MaxDocuments)
	}
	if err := signing.CheckCompanyKey(companyKey, at); err != nil {
		return nil, err
	}
	sender := p.cfg.SenderRUT
	if sender == "" {
		sender = issuerRUT
	}

	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="ISO-8859-1"`)
	root := doc.CreateElement("EnvioDTE")
	root.CreateAttr("xmlns", xmldte.Namespace)
	root.CreateAttr("version", "1.0")
	set := root.CreateElement("SetDTE")
	set.CreateAttr("ID", setID)

	caratula := set.CreateElement("Caratula")
	caratula.CreateAttr("version", "1.0")
	caratula.CreateElement("RutEmisor").SetText(issuerRUT)
	caratula.CreateElement("RutEnvia").SetText(sender)
	caratula.CreateElement("RutReceptor").SetText(p.cfg.ReceiverRUT)
	caratula.CreateElement("FchResol").SetText(p.cfg.ResolutionDate)
	caratula.CreateElement("NroResol").SetText(strconv.Itoa(p.cfg.ResolutionNumber))
	caratula.CreateElement("TmstFirmaEnv").SetText(at.Format(signing.TimestampLayout))

	counts := map[dte.DocumentType]int{}
	for i, raw := range members {
		parsed, err := xmlsig.ReadDocument(raw)
		if err != nil {
			return nil, &dte.UnpackableMemberError{Index: i, Reason: "is not readable XML", Err: err}
		}
		member := parsed.Root().Copy()
		member.RemoveAttr("xmlns")
		set.AddChild(member)
		v, err := signing.VerifyElement(member)
		if err != nil {
			return nil, &dte.UnpackableMemberError{Index: i, Reason: "does not verify", Err: err}
		}
		if v.IssuerRUT != issuerRUT {
			return nil, &dte.UnpackableMemberError{Index: i,
				Reason: fmt.Sprintf("belongs to issuer %s, envelope is for %s", v.IssuerRUT, issuerRUT)}
		}
		counts[v.DocType]++
	}

	types := make([]dte.DocumentType, 0, len(counts))
	for t := range counts {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	for _, t := range types {
		sub := caratula.CreateElement("SubTotDTE")
		sub.CreateElement("TpoDTE").SetText(t.Code())
		sub.CreateElement("NroDTE").SetText(strconv.Itoa(counts[t]))
	}

	if _, err := xmlsig.SignEnveloped(root, set, setID, companyKey.PrivateKey, companyKey.Certificate); err != nil {
		return nil, dte.NewSigningError("envelope signature failed", err)
	}
	utf8Bytes, err := doc.WriteToBytes()
	if err != nil {
		return nil, err
	}
	latin1, err := charmap.ISO8859_1.NewEncoder().Bytes(utf8Bytes)
	if err != nil {
		return nil, fmt.Errorf("envelope: content is not representable in ISO-8859-1: %w", err)
	}
	return latin1, nil
}

// Opened is a verified envelope
type Opened struct {
	SetID   string
	Members []*signing.Verified
}

// Verify checks the envelope signature and every member's signatures
func Verify(data []byte) (*Opened, error) {
	doc, err := xmlsig.ReadDocument(data)
	if err != nil {
		return nil, err
	}
	root := doc.Root()
	set := root.SelectElement("SetDTE")
	if root.Tag != "EnvioDTE" || set == nil {
		return nil, errors.New("envelope: not an EnvioDTE")
	}
	setID := set.SelectAttrValue("ID", "")
	if _, err := xmlsig.VerifyEnveloped(root, set, setID); err != nil {
		return nil, fmt.Errorf("envelope signature: %w", err)
	}
	opened := &Opened{SetID: setID}
	for _, member := range set.SelectElements("DTE") {
		v, err := signing.VerifyElement(member)
		if err != nil {
			return nil, err
		}
		opened.Members = append(opened.Members, v)
	}
	return opened, nil
}
