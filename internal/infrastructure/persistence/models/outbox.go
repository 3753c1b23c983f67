package models

import (
	"time"

	"github.com/erp/dte/internal/domain/shared"
	"github.com/google/uuid"
)

// OutboxEntryModel stores domain events awaiting relay
type OutboxEntryModel struct {
	ID            uuid.UUID  `gorm:"type:uuid;primaryKey"`
	EventID       uuid.UUID  `gorm:"type:uuid;not null;uniqueIndex"`
	EventType     string     `gorm:"type:varchar(60);not null"`
	AggregateID   uuid.UUID  `gorm:"type:uuid;not null;index"`
	AggregateType string     `gorm:"type:varchar(30);not null"`
	Payload       []byte     `gorm:"not null"`
	Status        string     `gorm:"type:varchar(20);not null;index:idx_dte_outbox_status_created,priority:1"`
	RetryCount    int        `gorm:"not null;default:0"`
	MaxRetries    int        `gorm:"not null"`
	LastError     string     `gorm:"type:text"`
	NextRetryAt   *time.Time `gorm:"index"`
	ProcessedAt   *time.Time
	CreatedAt     time.Time `gorm:"not null;index:idx_dte_outbox_status_created,priority:2"`
	UpdatedAt     time.Time `gorm:"not null"`
}

// TableName returns the table name for GORM
func (OutboxEntryModel) TableName() string {
	return "dte_outbox"
}

// ToDomain converts the model to a domain OutboxEntry
func (m *OutboxEntryModel) ToDomain() *shared.OutboxEntry {
	return &shared.OutboxEntry{
		ID:            m.ID,
		EventID:       m.EventID,
		EventType:     m.EventType,
		AggregateID:   m.AggregateID,
		AggregateType: m.AggregateType,
		Payload:       m.Payload,
		Status:        shared.OutboxStatus(m.Status),
		RetryCount:    m.RetryCount,
		MaxRetries:    m.MaxRetries,
		LastError:     m.LastError,
		NextRetryAt:   m.NextRetryAt,
		ProcessedAt:   m.ProcessedAt,
		CreatedAt:     m.CreatedAt,
		UpdatedAt:     m.UpdatedAt,
	}
}

// OutboxEntryModelFromDomain converts a domain OutboxEntry to its model
func OutboxEntryModelFromDomain(e *shared.OutboxEntry) *OutboxEntryModel {
	return &OutboxEntryModel{
		ID:            e.ID,
		EventID:       e.EventID,
		EventType:     e.EventType,
		AggregateID:   e.AggregateID,
		AggregateType: e.AggregateType,
		Payload:       e.Payload,
		Status:        string(e.Status),
		RetryCount:    e.RetryCount,
		MaxRetries:    e.MaxRetries,
		LastError:     e.LastError,
		NextRetryAt:   e.NextRetryAt,
		ProcessedAt:   e.ProcessedAt,
		CreatedAt:     e.CreatedAt,
		UpdatedAt:     e.UpdatedAt,
	}
}
