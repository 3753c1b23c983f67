package models

import (
	"time"

	"github.com/erp/dte/internal/domain/dte"
	"github.com/google/uuid"
)

// FolioAllocationModel records one handed-out folio. The unique index on
// (caf_id, folio) is the last line of defence against double allocation.
type FolioAllocationModel struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	CAFID       uuid.UUID `gorm:"column:caf_id;type:uuid;not null;uniqueIndex:idx_alloc_caf_folio,priority:1"`
	Folio       int64     `gorm:"not null;uniqueIndex:idx_alloc_caf_folio,priority:2"`
	DocType     int       `gorm:"not null"`
	Branch      string    `gorm:"type:varchar(50);not null"`
	DocumentID  uuid.UUID `gorm:"type:uuid;not null;uniqueIndex"`
	AllocatedAt time.Time `gorm:"not null"`
	Voided      bool      `gorm:"not null;default:false;index"`
	VoidedAt    *time.Time
	VoidReason  string `gorm:"type:varchar(200)"`
}

// TableName returns the table name for GORM
func (FolioAllocationModel) TableName() string {
	return "dte_folio_allocations"
}

// ToDomain converts the model to a domain FolioAllocation
func (m *FolioAllocationModel) ToDomain() *dte.FolioAllocation {
	return &dte.FolioAllocation{
		ID:          m.ID,
		CAFID:       m.CAFID,
		DocType:     dte.DocumentType(m.DocType),
		Branch:      m.Branch,
		Folio:       m.Folio,
		DocumentID:  m.DocumentID,
		AllocatedAt: m.AllocatedAt,
		Voided:      m.Voided,
		VoidedAt:    m.VoidedAt,
		VoidReason:  m.VoidReason,
	}
}

// FolioAllocationModelFromDomain converts a domain FolioAllocation to its model
func FolioAllocationModelFromDomain(a *dte.FolioAllocation) *FolioAllocationModel {
	return &FolioAllocationModel{
		ID:          a.ID,
		CAFID:       a.CAFID,
		Folio:       a.Folio,
		DocType:     int(a.DocType),
		Branch:      a.Branch,
		DocumentID:  a.DocumentID,
		AllocatedAt: a.AllocatedAt,
		Voided:      a.Voided,
		VoidedAt:    a.VoidedAt,
		VoidReason:  a.VoidReason,
	}
}
