package models

import (
	"time"

	"github.com/erp/dte/internal/domain/dte"
)

// CAFModel is the persistence model for an authorization file
type CAFModel struct {
	AggregateModel
	IssuerRUT        string    `gorm:"type:varchar(12);not null;index:idx_caf_pool,priority:1"`
	IssuerName       string    `gorm:"type:varchar(100)"`
	DocType          int       `gorm:"not null;index:idx_caf_pool,priority:2"`
	Branch           string    `gorm:"type:varchar(50);not null;index:idx_caf_pool,priority:3"`
	RangeStart       int64     `gorm:"not null"`
	RangeEnd         int64     `gorm:"not null"`
	NextFolio        int64     `gorm:"not null"`
	AuthorizedAt     time.Time `gorm:"not null"`
	ExpiresAt        time.Time `gorm:"not null"`
	KeyID            string    `gorm:"type:varchar(20)"`
	AuthorizationXML []byte    `gorm:"not null"`
	SealedPrivateKey []byte    `gorm:"not null"`
	PublicKeyPEM     []byte
	Fingerprint      string `gorm:"type:varchar(64);not null;uniqueIndex"`
	Exhausted        bool   `gorm:"not null;default:false"`
	Hidden           bool   `gorm:"not null;default:false"`
}

// TableName returns the table name for GORM
func (CAFModel) TableName() string {
	return "dte_caf_files"
}

// ToDomain converts the model to a domain CAF
func (m *CAFModel) ToDomain() *dte.CAF {
	return &dte.CAF{
		BaseAggregateRoot: m.AggregateModel.ToDomain(),
		IssuerRUT:         m.IssuerRUT,
		IssuerName:        m.IssuerName,
		DocType:           dte.DocumentType(m.DocType),
		Branch:            m.Branch,
		RangeStart:        m.RangeStart,
		RangeEnd:          m.RangeEnd,
		NextFolio:         m.NextFolio,
		AuthorizedAt:      m.AuthorizedAt,
		ExpiresAt:         m.ExpiresAt,
		KeyID:             m.KeyID,
		AuthorizationXML:  m.AuthorizationXML,
		SealedPrivateKey:  m.SealedPrivateKey,
		PublicKeyPEM:      m.PublicKeyPEM,
		Fingerprint:       m.Fingerprint,
		Exhausted:         m.Exhausted,
		Hidden:            m.Hidden,
	}
}

// CAFModelFromDomain converts a domain CAF to its model
func CAFModelFromDomain(c *dte.CAF) *CAFModel {
	m := &CAFModel{
		IssuerRUT:        c.IssuerRUT,
		IssuerName:       c.IssuerName,
		DocType:          int(c.DocType),
		Branch:           c.Branch,
		RangeStart:       c.RangeStart,
		RangeEnd:         c.RangeEnd,
		NextFolio:        c.NextFolio,
		AuthorizedAt:     c.AuthorizedAt,
		ExpiresAt:        c.ExpiresAt,
		KeyID:            c.KeyID,
		AuthorizationXML: c.AuthorizationXML,
		SealedPrivateKey: c.SealedPrivateKey,
		PublicKeyPEM:     c.PublicKeyPEM,
		Fingerprint:      c.Fingerprint,
		Exhausted:        c.Exhausted,
		Hidden:           c.Hidden,
	}
	m.AggregateModel.FromDomain(c.BaseAggregateRoot)
	return m
}
