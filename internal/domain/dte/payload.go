package dte

import "github.com/shopspring/decimal"

// Payload is the business input of a document. It is read-only once a
// folio has been assigned; reissue rebuilds from the stored snapshot.
type Payload struct {
	IssueDate     string      `json:"issue_date" validate:"required,datetime=2006-01-02"`
	DueDate       string      `json:"due_date,omitempty" validate:"omitempty,datetime=2006-01-02"`
	PaymentMethod int         `json:"payment_method,omitempty" validate:"omitempty,oneof=1 2 3"`
	Issuer        Issuer      `json:"issuer" validate:"required"`
	Receiver      *Receiver   `json:"receiver,omitempty" validate:"omitempty"`
	Lines         []Line      `json:"lines" validate:"required,min=1,max=60,dive"`
	References    []Reference `json:"references,omitempty" validate:"omitempty,max=40,dive"`
	Transport     *Transport  `json:"transport,omitempty" validate:"omitempty"`
}

// Issuer is the company emitting the document
type Issuer struct {
	RUT          string `json:"rut" validate:"required,rut"`
	BusinessName string `json:"business_name" validate:"required,latin1,max=100"`
	Activity     string `json:"activity" validate:"required,latin1,max=80"`
	ActivityCode int    `json:"activity_code" validate:"required,min=1,max=999999"`
	Address      string `json:"address" validate:"required,latin1,max=70"`
	Commune      string `json:"commune" validate:"required,latin1,max=20"`
	City         string `json:"city,omitempty" validate:"omitempty,latin1,max=20"`
}

// Receiver is the customer the document is addressed to
type Receiver struct {
	RUT          string `json:"rut" validate:"required,rut"`
	BusinessName string `json:"business_name" validate:"required,latin1,max=100"`
	Activity     string `json:"activity,omitempty" validate:"omitempty,latin1,max=40"`
	Address      string `json:"address,omitempty" validate:"omitempty,latin1,max=70"`
	Commune      string `json:"commune,omitempty" validate:"omitempty,latin1,max=20"`
	City         string `json:"city,omitempty" validate:"omitempty,latin1,max=20"`
}

// Line is one detail line
type Line struct {
	Name          string          `json:"name" validate:"required,latin1,max=80"`
	Description   string          `json:"description,omitempty" validate:"omitempty,latin1,max=1000"`
	Quantity      decimal.Decimal `json:"quantity"`
	UnitPrice     decimal.Decimal `json:"unit_price"`
	UnitOfMeasure string          `json:"unit_of_measure,omitempty" validate:"omitempty,latin1,max=4"`
	Exempt        bool            `json:"exempt,omitempty"`
}

// Reference points at another tax document
type Reference struct {
	DocType int    `json:"doc_type" validate:"required"`
	Folio   int64  `json:"folio" validate:"required,min=1"`
	Date    string `json:"date" validate:"required,datetime=2006-01-02"`
	Code    int    `json:"code,omitempty" validate:"omitempty,oneof=1 2 3"`
	Reason  string `json:"reason,omitempty" validate:"omitempty,latin1,max=90"`
}

// Transport describes goods movement on a dispatch guide
type Transport struct {
	MoveType   int    `json:"move_type" validate:"required,min=1,max=9"`
	Plate      string `json:"plate,omitempty" validate:"omitempty,latin1,max=8"`
	CarrierRUT string `json:"carrier_rut,omitempty" validate:"omitempty,rut"`
}

// Totals are the rounded document amounts in CLP
type Totals struct {
	Net    int64 `json:"net"`
	Exempt int64 `json:"exempt"`
	Tax    int64 `json:"tax"`
	Total  int64 `json:"total"`
}
