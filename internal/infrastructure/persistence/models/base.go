package models

import (
	"time"

	"github.com/erp/dte/internal/domain/shared"
	"github.com/google/uuid"
)

// AggregateModel holds the identity, timestamps and optimistic lock version
// shared by aggregate tables.
type AggregateModel struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
	Version   int       `gorm:"not null;default:1"`
}

// FromDomain copies the aggregate root fields
func (m *AggregateModel) FromDomain(a shared.BaseAggregateRoot) {
	m.ID = a.ID
	m.CreatedAt = a.CreatedAt
	m.UpdatedAt = a.UpdatedAt
	m.Version = a.Version
}

// ToDomain rebuilds the aggregate root fields
func (m *AggregateModel) ToDomain() shared.BaseAggregateRoot {
	return shared.BaseAggregateRoot{
		BaseEntity: shared.BaseEntity{
			ID:        m.ID,
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		Version: m.Version,
	}
}

// All lists every model, in dependency order, for AutoMigrate
func All() []any {
	return []any{
		&CAFModel{},
		&FolioAllocationModel{},
		&DocumentModel{},
		&EnvelopeModel{},
		&StatusRecordModel{},
		&OutboxEntryModel{},
	}
}
