package models

import (
	"time"

	"github.com/erp/dte/internal/domain/dte"
	"github.com/google/uuid"
)

// DocumentModel is the persistence model for an issued document. The
// payload is stored as a JSON snapshot so a reissue rebuilds from exactly
// what was submitted.
type DocumentModel struct {
	AggregateModel
	DocType      int         `gorm:"not null;index:idx_document_type_folio,priority:1"`
	Branch       string      `gorm:"type:varchar(50);not null"`
	IssuerRUT    string      `gorm:"type:varchar(12);not null"`
	Payload      dte.Payload `gorm:"type:text;serializer:json;not null"`
	CAFID        *uuid.UUID  `gorm:"column:caf_id;type:uuid"`
	Folio        int64       `gorm:"index:idx_document_type_folio,priority:2"`
	TotalNet     int64       `gorm:"not null;default:0"`
	TotalExempt  int64       `gorm:"not null;default:0"`
	TotalTax     int64       `gorm:"not null;default:0"`
	Total        int64       `gorm:"not null;default:0"`
	CanonicalXML []byte
	SignedXML    []byte
	State        string     `gorm:"type:varchar(30);not null;index"`
	EnvelopeID   *uuid.UUID `gorm:"type:uuid;index"`
	TrackID      string     `gorm:"type:varchar(30)"`
	StatusCode   string     `gorm:"type:varchar(20)"`
	StatusDetail string     `gorm:"type:text"`
	ReplacesID   *uuid.UUID `gorm:"type:uuid"`
	ReplacedByID *uuid.UUID `gorm:"column:replaced_by_id;type:uuid"`
	SignedAt     *time.Time `gorm:"index"`
	SubmittedAt  *time.Time
	ResolvedAt   *time.Time
}

// TableName returns the table name for GORM
func (DocumentModel) TableName() string {
	return "dte_documents"
}

// ToDomain converts the model to a domain Document
func (m *DocumentModel) ToDomain() *dte.Document {
	return &dte.Document{
		BaseAggregateRoot: m.AggregateModel.ToDomain(),
		DocType:           dte.DocumentType(m.DocType),
		Branch:            m.Branch,
		IssuerRUT:         m.IssuerRUT,
		Payload:           m.Payload,
		CAFID:             m.CAFID,
		Folio:             m.Folio,
		Totals: dte.Totals{
			Net:    m.TotalNet,
			Exempt: m.TotalExempt,
			Tax:    m.TotalTax,
			Total:  m.Total,
		},
		CanonicalXML: m.CanonicalXML,
		SignedXML:    m.SignedXML,
		State:        dte.DocumentState(m.State),
		EnvelopeID:   m.EnvelopeID,
		TrackID:      m.TrackID,
		StatusCode:   m.StatusCode,
		StatusDetail: m.StatusDetail,
		ReplacesID:   m.ReplacesID,
		ReplacedByID: m.ReplacedByID,
		SignedAt:     m.SignedAt,
		SubmittedAt:  m.SubmittedAt,
		ResolvedAt:   m.ResolvedAt,
	}
}

// DocumentModelFromDomain converts a domain Document to its model
func DocumentModelFromDomain(d *dte.Document) *DocumentModel {
	m := &DocumentModel{
		DocType:      int(d.DocType),
		Branch:       d.Branch,
		IssuerRUT:    d.IssuerRUT,
		Payload:      d.Payload,
		CAFID:        d.CAFID,
		Folio:        d.Folio,
		TotalNet:     d.Totals.Net,
		TotalExempt:  d.Totals.Exempt,
		TotalTax:     d.Totals.Tax,
		Total:        d.Totals.Total,
		CanonicalXML: d.CanonicalXML,
		SignedXML:    d.SignedXML,
		State:        string(d.State),
		EnvelopeID:   d.EnvelopeID,
		TrackID:      d.TrackID,
		StatusCode:   d.StatusCode,
		StatusDetail: d.StatusDetail,
		ReplacesID:   d.ReplacesID,
		ReplacedByID: d.ReplacedByID,
		SignedAt:     d.SignedAt,
		SubmittedAt:  d.SubmittedAt,
		ResolvedAt:   d.ResolvedAt,
	}
	m.AggregateModel.FromDomain(d.BaseAggregateRoot)
	return m
}
