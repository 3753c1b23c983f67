package persistence

import (
	"context"
	"time"

	"github.com/erp/dte/internal/domain/dte"
	"github.com/erp/dte/internal/domain/shared"
	"github.com/erp/dte/internal/infrastructure/persistence/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// GormCAFRepository implements dte.CAFRepository
type GormCAFRepository struct {
	db *gorm.DB
}

// NewGormCAFRepository creates a new GormCAFRepository
func NewGormCAFRepository(db *gorm.DB) *GormCAFRepository {
	return &GormCAFRepository{db: db}
}

// Create inserts a new CAF
func (r *GormCAFRepository) Create(ctx context.Context, caf *dte.CAF) error {
	return translate(r.db.WithContext(ctx).Create(models.CAFModelFromDomain(caf)).Error)
}

// FindByID finds a CAF by ID
func (r *GormCAFRepository) FindByID(ctx context.Context, id uuid.UUID) (*dte.CAF, error) {
	var m models.CAFModel
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&m).Error; err != nil {
		return nil, translate(err)
	}
	return m.ToDomain(), nil
}

// FindByFingerprint finds a CAF by the hash of its authorization block
func (r *GormCAFRepository) FindByFingerprint(ctx context.Context, fingerprint string) (*dte.CAF, error) {
	var m models.CAFModel
	if err := r.db.WithContext(ctx).Where("fingerprint = ?", fingerprint).First(&m).Error; err != nil {
		return nil, translate(err)
	}
	return m.ToDomain(), nil
}

// FindOverlapping returns CAFs of the same pool whose range intersects [start, end]
func (r *GormCAFRepository) FindOverlapping(ctx context.Context, issuerRUT string, docType dte.DocumentType, branch string, start, end int64) ([]dte.CAF, error) {
	var ms []models.CAFModel
	err := r.db.WithContext(ctx).
		Where("issuer_rut = ? AND doc_type = ? AND branch = ?", issuerRUT, int(docType), branch).
		Where("range_start <= ? AND range_end >= ?", end, start).
		Order("range_start ASC").
		Find(&ms).Error
	if err != nil {
		return nil, err
	}
	return cafsToDomain(ms), nil
}

// FindAll returns every CAF ordered by type, branch and range
func (r *GormCAFRepository) FindAll(ctx context.Context) ([]dte.CAF, error) {
	var ms []models.CAFModel
	if err := r.db.WithContext(ctx).Order("doc_type, branch, range_start").Find(&ms).Error; err != nil {
		return nil, err
	}
	return cafsToDomain(ms), nil
}

// SetHidden toggles the CAF's visibility to allocation
func (r *GormCAFRepository) SetHidden(ctx context.Context, id uuid.UUID, hidden bool, at time.Time) error {
	result := r.db.WithContext(ctx).Model(&models.CAFModel{}).
		Where("id = ?", id).
		Updates(map[string]any{"hidden": hidden, "updated_at": at})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return shared.ErrNotFound
	}
	return nil
}

func cafsToDomain(ms []models.CAFModel) []dte.CAF {
	out := make([]dte.CAF, len(ms))
	for i := range ms {
		out[i] = *ms[i].ToDomain()
	}
	return out
}

var _ dte.CAFRepository = (*GormCAFRepository)(nil)
