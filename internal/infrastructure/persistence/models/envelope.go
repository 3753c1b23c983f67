package models

import (
	"time"

	"github.com/erp/dte/internal/domain/dte"
	"github.com/google/uuid"
)

// EnvelopeModel is the persistence model for a submission envelope
type EnvelopeModel struct {
	AggregateModel
	IssuerRUT   string      `gorm:"type:varchar(12);not null"`
	Branch      string      `gorm:"type:varchar(50);not null"`
	SetID       string      `gorm:"type:varchar(40);not null;uniqueIndex"`
	DocumentIDs []uuid.UUID `gorm:"type:text;serializer:json;not null"`
	SignedXML   []byte
	State       string `gorm:"type:varchar(20);not null;index"`
	TrackID     string `gorm:"type:varchar(30);index"`
	Attempts    int    `gorm:"not null;default:0"`
	SubmittedAt *time.Time
	ResolvedAt  *time.Time
	AckCode     string `gorm:"type:varchar(20)"`
	AckDetail   string `gorm:"type:text"`
}

// TableName returns the table name for GORM
func (EnvelopeModel) TableName() string {
	return "dte_envelopes"
}

// ToDomain converts the model to a domain Envelope
func (m *EnvelopeModel) ToDomain() *dte.Envelope {
	return &dte.Envelope{
		BaseAggregateRoot: m.AggregateModel.ToDomain(),
		IssuerRUT:         m.IssuerRUT,
		Branch:            m.Branch,
		SetID:             m.SetID,
		DocumentIDs:       m.DocumentIDs,
		SignedXML:         m.SignedXML,
		State:             dte.EnvelopeState(m.State),
		TrackID:           m.TrackID,
		Attempts:          m.Attempts,
		SubmittedAt:       m.SubmittedAt,
		ResolvedAt:        m.ResolvedAt,
		AckCode:           m.AckCode,
		AckDetail:         m.AckDetail,
	}
}

// EnvelopeModelFromDomain converts a domain Envelope to its model
func EnvelopeModelFromDomain(e *dte.Envelope) *EnvelopeModel {
	m := &EnvelopeModel{
		IssuerRUT:   e.IssuerRUT,
		Branch:      e.Branch,
		SetID:       e.SetID,
		DocumentIDs: e.DocumentIDs,
		SignedXML:   e.SignedXML,
		State:       string(e.State),
		TrackID:     e.TrackID,
		Attempts:    e.Attempts,
		SubmittedAt: e.SubmittedAt,
		ResolvedAt:  e.ResolvedAt,
		AckCode:     e.AckCode,
		AckDetail:   e.AckDetail,
	}
	m.AggregateModel.FromDomain(e.BaseAggregateRoot)
	return m
}
