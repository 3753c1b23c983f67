package models

import (
	"time"

	"github.com/erp/dte/internal/domain/dte"
	"github.com/google/uuid"
)

// StatusRecordModel keeps the latest authority status of each document
type StatusRecordModel struct {
	DocumentID uuid.UUID `gorm:"type:uuid;primaryKey"`
	State      string    `gorm:"type:varchar(30);not null"`
	Code       string    `gorm:"type:varchar(20);not null"`
	Detail     string    `gorm:"type:text"`
	TrackID    string    `gorm:"type:varchar(30)"`
	PolledAt   time.Time `gorm:"not null"`
}

// TableName returns the table name for GORM
func (StatusRecordModel) TableName() string {
	return "dte_status_records"
}

// ToDomain converts the model to a domain StatusRecord
func (m *StatusRecordModel) ToDomain() *dte.StatusRecord {
	return &dte.StatusRecord{
		DocumentID: m.DocumentID,
		State:      dte.DocumentState(m.State),
		Code:       m.Code,
		Detail:     m.Detail,
		TrackID:    m.TrackID,
		PolledAt:   m.PolledAt,
	}
}

// StatusRecordModelFromDomain converts a domain StatusRecord to its model
func StatusRecordModelFromDomain(r dte.StatusRecord) *StatusRecordModel {
	return &StatusRecordModel{
		DocumentID: r.DocumentID,
		State:      string(r.State),
		Code:       r.Code,
		Detail:     r.Detail,
		TrackID:    r.TrackID,
		PolledAt:   r.PolledAt,
	}
}
