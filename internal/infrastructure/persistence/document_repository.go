package persistence

import (
	"context"

	"github.com/erp/dte/internal/domain/dte"
	"github.com/erp/dte/internal/domain/shared"
	"github.com/erp/dte/internal/infrastructure/persistence/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// GormDocumentRepository implements dte.DocumentRepository
type GormDocumentRepository struct {
	db *gorm.DB
}

// NewGormDocumentRepository creates a new GormDocumentRepository
func NewGormDocumentRepository(db *gorm.DB) *GormDocumentRepository {
	return &GormDocumentRepository{db: db}
}

// Create inserts a new document
func (r *GormDocumentRepository) Create(ctx context.Context, doc *dte.Document) error {
	return translate(r.db.WithContext(ctx).Create(models.DocumentModelFromDomain(doc)).Error)
}

// Update saves the mutable columns if nobody else changed the document
// since it was read, then bumps the in-memory version. The payload is
// write-once and never updated.
func (r *GormDocumentRepository) Update(ctx context.Context, doc *dte.Document) error {
	m := models.DocumentModelFromDomain(doc)
	result := r.db.WithContext(ctx).Model(&models.DocumentModel{}).
		Where("id = ? AND version = ?", doc.ID, doc.Version).
		Updates(map[string]any{
			"caf_id":        m.CAFID,
			"folio":         m.Folio,
			"total_net":     m.TotalNet,
			"total_exempt":  m.TotalExempt,
			"total_tax":     m.TotalTax,
			"total":         m.Total,
			"canonical_xml": m.CanonicalXML,
			"signed_xml":    m.SignedXML,
			"state":         m.State,
			"envelope_id":   m.EnvelopeID,
			"track_id":      m.TrackID,
			"status_code":   m.StatusCode,
			"status_detail": m.StatusDetail,
			"signed_at":     m.SignedAt,
			"submitted_at":  m.SubmittedAt,
			"resolved_at":   m.ResolvedAt,
			"updated_at":    m.UpdatedAt,
			"version":       doc.Version + 1,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return shared.ErrConcurrencyConflict
	}
	doc.IncrementVersion()
	return nil
}

// FindByID finds a document by ID
func (r *GormDocumentRepository) FindByID(ctx context.Context, id uuid.UUID) (*dte.Document, error) {
	var m models.DocumentModel
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&m).Error; err != nil {
		return nil, translate(err)
	}
	return m.ToDomain(), nil
}

// FindByIDs returns the documents with the given IDs in the order given
func (r *GormDocumentRepository) FindByIDs(ctx context.Context, ids []uuid.UUID) ([]dte.Document, error) {
	if len(ids) == 0 {
		return []dte.Document{}, nil
	}
	var ms []models.DocumentModel
	if err := r.db.WithContext(ctx).Where("id IN ?", ids).Find(&ms).Error; err != nil {
		return nil, err
	}

	byID := make(map[uuid.UUID]*models.DocumentModel, len(ms))
	for i := range ms {
		byID[ms[i].ID] = &ms[i]
	}
	out := make([]dte.Document, 0, len(ms))
	for _, id := range ids {
		if m, ok := byID[id]; ok {
			out = append(out, *m.ToDomain())
		}
	}
	return out, nil
}

// FindUnenveloped returns SIGNED documents not yet packed, oldest signature first
func (r *GormDocumentRepository) FindUnenveloped(ctx context.Context, limit int) ([]dte.Document, error) {
	var ms []models.DocumentModel
	err := r.db.WithContext(ctx).
		Where("state = ? AND envelope_id IS NULL", string(dte.StateSigned)).
		Order("signed_at ASC, folio ASC").
		Limit(limit).
		Find(&ms).Error
	if err != nil {
		return nil, err
	}
	out := make([]dte.Document, len(ms))
	for i := range ms {
		out[i] = *ms[i].ToDomain()
	}
	return out, nil
}

// AssignEnvelope claims the documents for an envelope. It fails with a
// concurrency conflict unless every document was still SIGNED and free, so
// a document can never sit in two unresolved envelopes.
func (r *GormDocumentRepository) AssignEnvelope(ctx context.Context, envelopeID uuid.UUID, documentIDs []uuid.UUID) error {
	if len(documentIDs) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&models.DocumentModel{}).
			Where("id IN ? AND state = ? AND envelope_id IS NULL", documentIDs, string(dte.StateSigned)).
			Updates(map[string]any{
				"envelope_id": envelopeID,
				"version":     gorm.Expr("version + 1"),
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected != int64(len(documentIDs)) {
			return shared.ErrConcurrencyConflict
		}
		return nil
	})
}

// ClaimReplacement records replacementID on a rejected document that has
// no replacement yet. The conditional update makes concurrent reissues of
// the same document race for a single row.
func (r *GormDocumentRepository) ClaimReplacement(ctx context.Context, originalID, replacementID uuid.UUID) error {
	result := r.db.WithContext(ctx).Model(&models.DocumentModel{}).
		Where("id = ? AND state = ? AND replaced_by_id IS NULL", originalID, string(dte.StateRejected)).
		Updates(map[string]any{
			"replaced_by_id": replacementID,
			"version":        gorm.Expr("version + 1"),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return shared.ErrConcurrencyConflict
	}
	return nil
}

// ReleaseReplacement clears the claim held by replacementID
func (r *GormDocumentRepository) ReleaseReplacement(ctx context.Context, originalID, replacementID uuid.UUID) error {
	return r.db.WithContext(ctx).Model(&models.DocumentModel{}).
		Where("id = ? AND replaced_by_id = ?", originalID, replacementID).
		Updates(map[string]any{
			"replaced_by_id": nil,
			"version":        gorm.Expr("version + 1"),
		}).Error
}

var _ dte.DocumentRepository = (*GormDocumentRepository)(nil)
