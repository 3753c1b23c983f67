package authority

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/beevik/etree"
	"github.com/erp/dte/internal/domain/dte"
	"github.com/erp/dte/internal/infrastructure/xmlsig"
)

// Upload STATUS values of RECEPCIONDTE
const (
	uploadOK            = "0"
	uploadTokenInvalid  = "5"
	uploadSchemaInvalid = "7"
	uploadBadSignature  = "8"
	uploadBusy          = "9"
)

// notReceivedState is the ESTADO the authority reports for unknown track or set ids
const notReceivedState = "-11"

var errTokenRejected = errors.New("authority: token rejected")

// rejectionByState maps terminal ESTADO codes of a status query to their class
var rejectionByState = map[string]dte.RejectionClass{
	"RSC":        dte.RejectionSchema,
	"SOK-FAILED": dte.RejectionSchema,
	"RPT":        dte.RejectionDuplicateFolio,
	"RFR":        dte.RejectionBusiness,
	"RCT":        dte.RejectionBusiness,
	"RCH":        dte.RejectionBusiness,
	"RLV":        dte.RejectionBusiness,
}

var acceptedStates = map[string]bool{"EPR": true, "RPR": true}

// per-document ESTADO values inside DETALLE
var rejectedDocumentStates = map[string]bool{"RCH": true, "RECHAZADO": true, "RLV": true, "RPT": true}

func parse(body []byte) (*etree.Element, error) {
	doc, err := xmlsig.ReadDocument(body)
	if err != nil {
		return nil, fmt.Errorf("authority: unreadable response: %w", err)
	}
	return doc.Root(), nil
}

// find returns the first descendant-or-self with the given local name,
// ignoring any namespace prefix the authority puts on it
func find(el *etree.Element, tag string) *etree.Element {
	if el == nil {
		return nil
	}
	if el.Tag == tag {
		return el
	}
	for _, child := range el.ChildElements() {
		if found := find(child, tag); found != nil {
			return found
		}
	}
	return nil
}

func findAll(el *etree.Element, tag string) []*etree.Element {
	var out []*etree.Element
	if el == nil {
		return out
	}
	for _, child := range el.ChildElements() {
		if child.Tag == tag {
			out = append(out, child)
			continue
		}
		out = append(out, findAll(child, tag)...)
	}
	return out
}

func text(el *etree.Element, tag string) string {
	found := find(el, tag)
	if found == nil {
		return ""
	}
	return strings.TrimSpace(found.Text())
}

// parseSeed extracts the SEMILLA of a seed response
func parseSeed(body []byte) (string, error) {
	root, err := parse(body)
	if err != nil {
		return "", err
	}
	if state := text(root, "ESTADO"); state != "" && state != "00" {
		return "", fmt.Errorf("authority: seed request failed with state %s", state)
	}
	seed := text(root, "SEMILLA")
	if seed == "" {
		return "", errors.New("authority: seed response carries no SEMILLA")
	}
	return seed, nil
}

// parseToken extracts the TOKEN of a token response
func parseToken(body []byte) (string, error) {
	root, err := parse(body)
	if err != nil {
		return "", err
	}
	if state := text(root, "ESTADO"); state != "" && state != "00" {
		return "", fmt.Errorf("%w: state %s: %s", errTokenRejected, state, text(root, "GLOSA"))
	}
	token := text(root, "TOKEN")
	if token == "" {
		return "", errors.New("authority: token response carries no TOKEN")
	}
	return token, nil
}

// uploadReceipt is the authority's synchronous answer to an upload
type uploadReceipt struct {
	Status  string
	TrackID string
	Detail  string
}

func parseUploadReceipt(body []byte) (uploadReceipt, error) {
	root, err := parse(body)
	if err != nil {
		return uploadReceipt{}, err
	}
	receipt := uploadReceipt{
		Status:  text(root, "STATUS"),
		TrackID: text(root, "TRACKID"),
		Detail:  text(root, "DETAIL"),
	}
	if receipt.Status == "" {
		return uploadReceipt{}, errors.New("authority: upload receipt carries no STATUS")
	}
	if receipt.Status == uploadOK && receipt.TrackID == "" {
		return uploadReceipt{}, errors.New("authority: accepted upload carries no TRACKID")
	}
	return receipt, nil
}

// verdict maps a receipt that is not a retry signal to its outcome
func (r uploadReceipt) verdict() dte.Verdict {
	code := "STATUS " + r.Status
	switch r.Status {
	case uploadOK:
		return dte.Pending(r.TrackID, code, "Envelope received")
	case uploadSchemaInvalid:
		return dte.Rejected(r.TrackID, dte.RejectionSchema, code, orDefault(r.Detail, "Envelope failed schema validation"))
	case uploadBadSignature:
		return dte.Rejected(r.TrackID, dte.RejectionSchema, code, orDefault(r.Detail, "Envelope signature rejected"))
	default:
		return dte.Rejected(r.TrackID, dte.RejectionBusiness, code, orDefault(r.Detail, "Envelope refused at upload"))
	}
}

// parseLookup answers whether the authority holds an envelope for a set id.
// It returns the track id, or NotReceived when the set is unknown.
func parseLookup(body []byte) (string, bool, error) {
	root, err := parse(body)
	if err != nil {
		return "", false, err
	}
	state := text(root, "ESTADO")
	if state == notReceivedState {
		return "", false, nil
	}
	trackID := text(root, "TRACKID")
	if trackID == "" {
		return "", false, fmt.Errorf("authority: lookup answered state %q without TRACKID", state)
	}
	return trackID, true, nil
}

// parseStatus maps a status query response to a verdict for trackID
func parseStatus(trackID string, body []byte) (dte.Verdict, error) {
	root, err := parse(body)
	if err != nil {
		return dte.Verdict{}, err
	}
	hdr := find(root, "RESP_HDR")
	if hdr == nil {
		return dte.Verdict{}, errors.New("authority: status response carries no RESP_HDR")
	}
	state := text(hdr, "ESTADO")
	glosa := text(hdr, "GLOSA")

	switch {
	case state == notReceivedState:
		return dte.NotReceived(state, orDefault(glosa, "Envelope not received")), nil
	case acceptedStates[state]:
		v := dte.Accepted(trackID, state, glosa)
		docs, err := parseDetails(find(root, "RESP_BODY"))
		if err != nil {
			return dte.Verdict{}, err
		}
		v.Documents = docs
		return v, nil
	}
	if class, ok := rejectionByState[state]; ok {
		return dte.Rejected(trackID, class, state, glosa), nil
	}
	// REC, SOK, CRT, FOK, PDR and codes we do not know keep the envelope pending
	return dte.Pending(trackID, state, glosa), nil
}

func parseDetails(body *etree.Element) ([]dte.DocumentVerdict, error) {
	var out []dte.DocumentVerdict
	for _, d := range findAll(body, "DETALLE") {
		tipo, err := strconv.Atoi(text(d, "TIPO"))
		if err != nil {
			return nil, fmt.Errorf("authority: DETALLE with bad TIPO: %w", err)
		}
		folio, err := strconv.ParseInt(text(d, "FOLIO"), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("authority: DETALLE with bad FOLIO: %w", err)
		}
		state := text(d, "ESTADO")
		kind := dte.VerdictAccepted
		if rejectedDocumentStates[state] {
			kind = dte.VerdictRejected
		}
		out = append(out, dte.DocumentVerdict{
			DocType: dte.DocumentType(tipo),
			Folio:   folio,
			Kind:    kind,
			Code:    state,
			Detail:  text(d, "GLOSA"),
		})
	}
	return out, nil
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
