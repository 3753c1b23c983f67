package persistence

import (
	"context"

	"github.com/erp/dte/internal/domain/dte"
	"github.com/erp/dte/internal/infrastructure/persistence/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormStatusRecordRepository implements dte.StatusRecordRepository
type GormStatusRecordRepository struct {
	db *gorm.DB
}

// NewGormStatusRecordRepository creates a new GormStatusRecordRepository
func NewGormStatusRecordRepository(db *gorm.DB) *GormStatusRecordRepository {
	return &GormStatusRecordRepository{db: db}
}

// Upsert replaces the document's status record
func (r *GormStatusRecordRepository) Upsert(ctx context.Context, record dte.StatusRecord) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "document_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"state", "code", "detail", "track_id", "polled_at"}),
		}).
		Create(models.StatusRecordModelFromDomain(record)).Error
}

// FindByDocument returns the latest status record of a document
func (r *GormStatusRecordRepository) FindByDocument(ctx context.Context, documentID uuid.UUID) (*dte.StatusRecord, error) {
	var m models.StatusRecordModel
	if err := r.db.WithContext(ctx).Where("document_id = ?", documentID).First(&m).Error; err != nil {
		return nil, translate(err)
	}
	return m.ToDomain(), nil
}

var _ dte.StatusRecordRepository = (*GormStatusRecordRepository)(nil)
