// Package xmldte renders tax documents as the authority's XML. Each
// document type has its own builder function that emits elements in the
// fixed schema order, so the bytes later signed never depend on map or
// struct iteration order.
package xmldte

import (
	"strconv"

	"github.com/beevik/etree"
	"github.com/erp/dte/internal/domain/dte"
	"github.com/shopspring/decimal"
)

// Namespace is the authority's document namespace
const Namespace = "http://www.sii.cl/SiiDte"

// serviceIndicatorSales marks receipts for sales and services
const serviceIndicatorSales = "3"

// Builder turns validated payloads into canonical document XML
type Builder struct {
	validator *Validator
}

// NewBuilder creates a Builder
func NewBuilder(v *Validator) *Builder {
	if v == nil {
		v = NewValidator()
	}
	return &Builder{validator: v}
}

// Validate checks the payload without building
func (b *Builder) Validate(docType dte.DocumentType, p dte.Payload) error {
	return b.validator.Validate(docType, p)
}

// Build renders the DTE element for a folio and returns it with its totals
func (b *Builder) Build(docType dte.DocumentType, p dte.Payload, folio int64) (dte.CanonicalXML, dte.Totals, error) {
	if err := b.validator.Validate(docType, p); err != nil {
		return nil, dte.Totals{}, err
	}
	render, ok := renderers[docType]
	if !ok {
		return nil, dte.Totals{}, dte.NewSchemaValidationError([]dte.FieldError{{Field: "doc_type", Reason: "Unsupported document type"}})
	}

	d := &draft{
		docType:     docType,
		payload:     p,
		folio:       folio,
		totals:      dte.ComputeTotals(docType, p.Lines),
		lineAmounts: dte.LineAmounts(docType, p.Lines),
	}
	doc := etree.NewDocument()
	root := doc.CreateElement("DTE")
	root.CreateAttr("xmlns", Namespace)
	root.CreateAttr("version", "1.0")
	documento := root.CreateElement("Documento")
	documento.CreateAttr("ID", docType.ElementID(folio))
	render(d, documento)

	out, err := doc.WriteToBytes()
	if err != nil {
		return nil, dte.Totals{}, err
	}
	return out, d.totals, nil
}

// renderers holds one explicit builder per supported document type
var renderers = map[dte.DocumentType]func(*draft, *etree.Element){
	dte.TypeInvoice:       buildInvoice,
	dte.TypeExemptInvoice: buildInvoice,
	dte.TypeReceipt:       buildReceipt,
	dte.TypeExemptReceipt: buildReceipt,
	dte.TypeDispatchGuide: buildDispatchGuide,
	dte.TypeDebitNote:     buildNote,
	dte.TypeCreditNote:    buildNote,
}

type draft struct {
	docType     dte.DocumentType
	payload     dte.Payload
	folio       int64
	totals      dte.Totals
	lineAmounts []int64
}

func buildInvoice(d *draft, documento *etree.Element) {
	header := documento.CreateElement("Encabezado")
	d.idDoc(header)
	d.issuer(header)
	d.receiver(header)
	d.invoiceTotals(header)
	d.details(documento)
	d.references(documento)
}

func buildReceipt(d *draft, documento *etree.Element) {
	header := documento.CreateElement("Encabezado")
	d.idDoc(header)
	d.receiptIssuer(header)
	d.receiptReceiver(header)
	d.receiptTotals(header)
	d.details(documento)
	d.references(documento)
}

func buildDispatchGuide(d *draft, documento *etree.Element) {
	header := documento.CreateElement("Encabezado")
	d.idDoc(header)
	d.issuer(header)
	d.receiver(header)
	d.transport(header)
	d.invoiceTotals(header)
	d.details(documento)
	d.references(documento)
}

func buildNote(d *draft, documento *etree.Element) {
	header := documento.CreateElement("Encabezado")
	d.idDoc(header)
	d.issuer(header)
	d.receiver(header)
	d.invoiceTotals(header)
	d.details(documento)
	d.references(documento)
}

func (d *draft) idDoc(header *etree.Element) {
	id := header.CreateElement("IdDoc")
	id.CreateElement("TipoDTE").SetText(d.docType.Code())
	id.CreateElement("Folio").SetText(strconv.FormatInt(d.folio, 10))
	id.CreateElement("FchEmis").SetText(d.payload.IssueDate)
	switch {
	case d.docType.RequiresTransport():
		id.CreateElement("IndTraslado").SetText(strconv.Itoa(d.payload.Transport.MoveType))
	case d.docType.IsReceipt():
		id.CreateElement("IndServicio").SetText(serviceIndicatorSales)
	}
	if d.payload.PaymentMethod > 0 {
		id.CreateElement("FmaPago").SetText(strconv.Itoa(d.payload.PaymentMethod))
	}
	if d.payload.DueDate != "" {
		id.CreateElement("FchVenc").SetText(d.payload.DueDate)
	}
}

func (d *draft) issuer(header *etree.Element) {
	is := d.payload.Issuer
	em := header.CreateElement("Emisor")
	em.CreateElement("RUTEmisor").SetText(rut(is.RUT))
	em.CreateElement("RznSoc").SetText(is.BusinessName)
	em.CreateElement("GiroEmis").SetText(is.Activity)
	em.CreateElement("Acteco").SetText(strconv.Itoa(is.ActivityCode))
	em.CreateElement("DirOrigen").SetText(is.Address)
	em.CreateElement("CmnaOrigen").SetText(is.Commune)
	optional(em, "CiudadOrigen", is.City)
}

func (d *draft) receiptIssuer(header *etree.Element) {
	is := d.payload.Issuer
	em := header.CreateElement("Emisor")
	em.CreateElement("RUTEmisor").SetText(rut(is.RUT))
	em.CreateElement("RznSocEmisor").SetText(is.BusinessName)
	em.CreateElement("GiroEmisor").SetText(is.Activity)
	em.CreateElement("DirOrigen").SetText(is.Address)
	em.CreateElement("CmnaOrigen").SetText(is.Commune)
	optional(em, "CiudadOrigen", is.City)
}

func (d *draft) receiver(header *etree.Element) {
	r := d.payload.Receiver
	rc := header.CreateElement("Receptor")
	rc.CreateElement("RUTRecep").SetText(rut(r.RUT))
	rc.CreateElement("RznSocRecep").SetText(r.BusinessName)
	optional(rc, "GiroRecep", r.Activity)
	optional(rc, "DirRecep", r.Address)
	optional(rc, "CmnaRecep", r.Commune)
	optional(rc, "CiudadRecep", r.City)
}

func (d *draft) receiptReceiver(header *etree.Element) {
	rc := header.CreateElement("Receptor")
	r := d.payload.Receiver
	if r == nil {
		rc.CreateElement("RUTRecep").SetText(dte.GenericReceiverRUT)
		rc.CreateElement("RznSocRecep").SetText(dte.GenericReceiverName)
		return
	}
	rc.CreateElement("RUTRecep").SetText(rut(r.RUT))
	rc.CreateElement("RznSocRecep").SetText(r.BusinessName)
	optional(rc, "DirRecep", r.Address)
	optional(rc, "CmnaRecep", r.Commune)
	optional(rc, "CiudadRecep", r.City)
}

func (d *draft) transport(header *etree.Element) {
	t := d.payload.Transport
	if t.Plate == "" && t.CarrierRUT == "" {
		return
	}
	tr := header.CreateElement("Transporte")
	optional(tr, "Patente", t.Plate)
	if t.CarrierRUT != "" {
		tr.CreateElement("RUTTrans").SetText(rut(t.CarrierRUT))
	}
}

func (d *draft) invoiceTotals(header *etree.Element) {
	t := d.totals
	tot := header.CreateElement("Totales")
	if t.Net > 0 {
		tot.CreateElement("MntNeto").SetText(amount(t.Net))
	}
	if t.Exempt > 0 {
		tot.CreateElement("MntExe").SetText(amount(t.Exempt))
	}
	if t.Net > 0 {
		tot.CreateElement("TasaIVA").SetText(dte.VATRate.Shift(2).String())
		tot.CreateElement("IVA").SetText(amount(t.Tax))
	}
	tot.CreateElement("MntTotal").SetText(amount(t.Total))
}

func (d *draft) receiptTotals(header *etree.Element) {
	t := d.totals
	tot := header.CreateElement("Totales")
	if t.Net > 0 {
		tot.CreateElement("MntNeto").SetText(amount(t.Net))
	}
	if t.Exempt > 0 {
		tot.CreateElement("MntExe").SetText(amount(t.Exempt))
	}
	if t.Net > 0 {
		tot.CreateElement("IVA").SetText(amount(t.Tax))
	}
	tot.CreateElement("MntTotal").SetText(amount(t.Total))
}

func (d *draft) details(documento *etree.Element) {
	for i, l := range d.payload.Lines {
		det := documento.CreateElement("Detalle")
		det.CreateElement("NroLinDet").SetText(strconv.Itoa(i + 1))
		if l.Exempt && !d.docType.IsExempt() {
			det.CreateElement("IndExe").SetText("1")
		}
		det.CreateElement("NmbItem").SetText(l.Name)
		optional(det, "DscItem", l.Description)
		det.CreateElement("QtyItem").SetText(quantity(l.Quantity))
		optional(det, "UnmdItem", l.UnitOfMeasure)
		det.CreateElement("PrcItem").SetText(quantity(l.UnitPrice))
		det.CreateElement("MontoItem").SetText(amount(d.lineAmounts[i]))
	}
}

func (d *draft) references(documento *etree.Element) {
	for i, r := range d.payload.References {
		ref := documento.CreateElement("Referencia")
		ref.CreateElement("NroLinRef").SetText(strconv.Itoa(i + 1))
		ref.CreateElement("TpoDocRef").SetText(strconv.Itoa(r.DocType))
		ref.CreateElement("FolioRef").SetText(strconv.FormatInt(r.Folio, 10))
		ref.CreateElement("FchRef").SetText(r.Date)
		if r.Code > 0 {
			ref.CreateElement("CodRef").SetText(strconv.Itoa(r.Code))
		}
		optional(ref, "RazonRef", r.Reason)
	}
}

func optional(parent *etree.Element, tag, value string) {
	if value != "" {
		parent.CreateElement(tag).SetText(value)
	}
}

func rut(raw string) string {
	normalized, err := dte.NormalizeRUT(raw)
	if err != nil {
		return raw
	}
	return normalized
}

func amount(v int64) string {
	return strconv.FormatInt(v, 10)
}

// quantity renders up to six decimals without trailing zeros
func quantity(v decimal.Decimal) string {
	return v.Round(6).String()
}

