package persistence

import (
	"context"

	"github.com/erp/dte/internal/domain/dte"
	"github.com/erp/dte/internal/domain/shared"
	"github.com/erp/dte/internal/infrastructure/persistence/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// GormEnvelopeRepository implements dte.EnvelopeRepository
type GormEnvelopeRepository struct {
	db *gorm.DB
}

// NewGormEnvelopeRepository creates a new GormEnvelopeRepository
func NewGormEnvelopeRepository(db *gorm.DB) *GormEnvelopeRepository {
	return &GormEnvelopeRepository{db: db}
}

// Create inserts a new envelope
func (r *GormEnvelopeRepository) Create(ctx context.Context, env *dte.Envelope) error {
	return translate(r.db.WithContext(ctx).Create(models.EnvelopeModelFromDomain(env)).Error)
}

// Update saves the submission state with optimistic locking. Membership is
// fixed at creation.
func (r *GormEnvelopeRepository) Update(ctx context.Context, env *dte.Envelope) error {
	result := r.db.WithContext(ctx).Model(&models.EnvelopeModel{}).
		Where("id = ? AND version = ?", env.ID, env.Version).
		Updates(map[string]any{
			"signed_xml":   env.SignedXML,
			"state":        string(env.State),
			"track_id":     env.TrackID,
			"attempts":     env.Attempts,
			"submitted_at": env.SubmittedAt,
			"resolved_at":  env.ResolvedAt,
			"ack_code":     env.AckCode,
			"ack_detail":   env.AckDetail,
			"updated_at":   env.UpdatedAt,
			"version":      env.Version + 1,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return shared.ErrConcurrencyConflict
	}
	env.IncrementVersion()
	return nil
}

// FindByID finds an envelope by ID
func (r *GormEnvelopeRepository) FindByID(ctx context.Context, id uuid.UUID) (*dte.Envelope, error) {
	var m models.EnvelopeModel
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&m).Error; err != nil {
		return nil, translate(err)
	}
	return m.ToDomain(), nil
}

// FindByStates returns envelopes in any of the states, oldest first
func (r *GormEnvelopeRepository) FindByStates(ctx context.Context, states []dte.EnvelopeState, limit int) ([]dte.Envelope, error) {
	names := make([]string, len(states))
	for i, s := range states {
		names[i] = string(s)
	}

	q := r.db.WithContext(ctx).Where("state IN ?", names).Order("created_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var ms []models.EnvelopeModel
	if err := q.Find(&ms).Error; err != nil {
		return nil, err
	}
	out := make([]dte.Envelope, len(ms))
	for i := range ms {
		out[i] = *ms[i].ToDomain()
	}
	return out, nil
}

var _ dte.EnvelopeRepository = (*GormEnvelopeRepository)(nil)
