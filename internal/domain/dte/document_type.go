package dte

import (
	"fmt"
	"strconv"
)

// DocumentType is the authority's numeric code for a tax document kind
type DocumentType int

const (
	TypeInvoice       DocumentType = 33 // Factura electrónica
	TypeExemptInvoice DocumentType = 34 // Factura no afecta o exenta
	TypeReceipt       DocumentType = 39 // Boleta electrónica
	TypeExemptReceipt DocumentType = 41 // Boleta exenta
	TypeDispatchGuide DocumentType = 52 // Guía de despacho
	TypeDebitNote     DocumentType = 56 // Nota de débito
	TypeCreditNote    DocumentType = 61 // Nota de crédito
)

var documentTypeNames = map[DocumentType]string{
	TypeInvoice:       "Factura Electrónica",
	TypeExemptInvoice: "Factura Exenta Electrónica",
	TypeReceipt:       "Boleta Electrónica",
	TypeExemptReceipt: "Boleta Exenta Electrónica",
	TypeDispatchGuide: "Guía de Despacho Electrónica",
	TypeDebitNote:     "Nota de Débito Electrónica",
	TypeCreditNote:    "Nota de Crédito Electrónica",
}

// ParseDocumentType converts an authority code into a DocumentType
func ParseDocumentType(code int) (DocumentType, error) {
	t := DocumentType(code)
	if !t.IsValid() {
		return 0, fmt.Errorf("unsupported document type %d", code)
	}
	return t, nil
}

// IsValid checks if the type is supported
func (t DocumentType) IsValid() bool {
	_, ok := documentTypeNames[t]
	return ok
}

// Code returns the authority code as text
func (t DocumentType) Code() string {
	return strconv.Itoa(int(t))
}

// Name returns the legal name of the document type
func (t DocumentType) Name() string {
	return documentTypeNames[t]
}

// String implements fmt.Stringer
func (t DocumentType) String() string {
	return t.Code()
}

// IsExempt reports whether every line of the document is VAT-exempt
func (t DocumentType) IsExempt() bool {
	return t == TypeExemptInvoice || t == TypeExemptReceipt
}

// IsReceipt reports whether the type is a consumer receipt (boleta)
func (t DocumentType) IsReceipt() bool {
	return t == TypeReceipt || t == TypeExemptReceipt
}

// RequiresReference reports whether the document must reference another document
func (t DocumentType) RequiresReference() bool {
	return t == TypeDebitNote || t == TypeCreditNote
}

// RequiresTransport reports whether the document must carry a transport section
func (t DocumentType) RequiresTransport() bool {
	return t == TypeDispatchGuide
}

// ElementID returns the XML ID of the Documento node for a folio
func (t DocumentType) ElementID(folio int64) string {
	return fmt.Sprintf("T%dF%d", int(t), folio)
}
