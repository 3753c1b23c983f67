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

// maxAllocationRounds bounds how often the pool re-reads candidates after
// losing a cursor race to a concurrent allocation.
const maxAllocationRounds = 5

// advanceCursorSQL moves the cursor one step only while it is inside the
// range, so two writers can never read the same folio: the second one
// either sees the bumped cursor or matches no row.
const advanceCursorSQL = `UPDATE dte_caf_files
SET next_folio = next_folio + 1, exhausted = (next_folio + 1 > range_end), updated_at = ?
WHERE id = ? AND hidden = ? AND next_folio <= range_end
RETURNING next_folio`

// GormFolioPool implements dte.FolioPool on the CAF table cursor
type GormFolioPool struct {
	db *gorm.DB
}

// NewGormFolioPool creates a new GormFolioPool
func NewGormFolioPool(db *gorm.DB) *GormFolioPool {
	return &GormFolioPool{db: db}
}

// Allocate hands out the lowest free folio of the issuer's eligible CAF
// with the lowest range and records the allocation in the same transaction.
func (p *GormFolioPool) Allocate(ctx context.Context, issuerRUT string, docType dte.DocumentType, branch string, documentID uuid.UUID, at time.Time) (*dte.FolioAllocation, *dte.CAF, error) {
	var (
		alloc *dte.FolioAllocation
		caf   *dte.CAF
	)

	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for round := 0; round < maxAllocationRounds; round++ {
			candidates, err := usableCAFs(tx, issuerRUT, docType, branch, at)
			if err != nil {
				return err
			}
			if len(candidates) == 0 {
				return dte.NewNoActiveCAFError(docType, branch)
			}

			for i := range candidates {
				m := &candidates[i]
				if m.Exhausted || m.NextFolio > m.RangeEnd {
					continue
				}
				folio, ok, err := advanceCursor(tx, m.ID, at)
				if err != nil {
					return err
				}
				if !ok {
					continue
				}

				c := m.ToDomain()
				c.NextFolio = folio + 1
				c.Exhausted = folio >= c.RangeEnd
				c.Touch(at)

				a := dte.NewFolioAllocation(c, folio, documentID, at)
				if err := tx.Create(models.FolioAllocationModelFromDomain(a)).Error; err != nil {
					return translate(err)
				}
				alloc, caf = a, c
				return nil
			}

			if !anyOpen(candidates) {
				return dte.NewFolioExhaustedError(docType, branch)
			}
		}
		return dte.NewFolioExhaustedError(docType, branch)
	})
	if err != nil {
		return nil, nil, err
	}
	return alloc, caf, nil
}

// usableCAFs returns the issuer's visible, unexpired CAFs of the pair by
// ascending range. Exhausted ones are included so callers can tell
// exhaustion from absence.
func usableCAFs(tx *gorm.DB, issuerRUT string, docType dte.DocumentType, branch string, at time.Time) ([]models.CAFModel, error) {
	var ms []models.CAFModel
	err := tx.Where("issuer_rut = ? AND doc_type = ? AND branch = ? AND hidden = ?", issuerRUT, int(docType), branch, false).
		Order("range_start ASC").
		Find(&ms).Error
	if err != nil {
		return nil, err
	}

	out := ms[:0]
	for _, m := range ms {
		if at.Before(m.ExpiresAt) {
			out = append(out, m)
		}
	}
	return out, nil
}

func anyOpen(ms []models.CAFModel) bool {
	for _, m := range ms {
		if !m.Exhausted && m.NextFolio <= m.RangeEnd {
			return true
		}
	}
	return false
}

func advanceCursor(tx *gorm.DB, cafID uuid.UUID, at time.Time) (int64, bool, error) {
	var next []int64
	if err := tx.Raw(advanceCursorSQL, at, cafID, false).Scan(&next).Error; err != nil {
		return 0, false, err
	}
	if len(next) == 0 {
		return 0, false, nil
	}
	return next[0] - 1, true, nil
}

// GormFolioAllocationRepository implements dte.FolioAllocationRepository
type GormFolioAllocationRepository struct {
	db *gorm.DB
}

// NewGormFolioAllocationRepository creates a new GormFolioAllocationRepository
func NewGormFolioAllocationRepository(db *gorm.DB) *GormFolioAllocationRepository {
	return &GormFolioAllocationRepository{db: db}
}

// FindByDocument returns the allocation held by a document
func (r *GormFolioAllocationRepository) FindByDocument(ctx context.Context, documentID uuid.UUID) (*dte.FolioAllocation, error) {
	var m models.FolioAllocationModel
	if err := r.db.WithContext(ctx).Where("document_id = ?", documentID).First(&m).Error; err != nil {
		return nil, translate(err)
	}
	return m.ToDomain(), nil
}

// VoidByDocument voids the document's folio. Voiding an already voided
// folio is a no-op that keeps the first reason.
func (r *GormFolioAllocationRepository) VoidByDocument(ctx context.Context, documentID uuid.UUID, reason string, at time.Time) error {
	result := r.db.WithContext(ctx).Model(&models.FolioAllocationModel{}).
		Where("document_id = ? AND voided = ?", documentID, false).
		Updates(map[string]any{
			"voided":      true,
			"voided_at":   at,
			"void_reason": reason,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected > 0 {
		return nil
	}

	var count int64
	if err := r.db.WithContext(ctx).Model(&models.FolioAllocationModel{}).
		Where("document_id = ?", documentID).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// ListVoidedFolios returns the voided folios of a CAF in ascending order
func (r *GormFolioAllocationRepository) ListVoidedFolios(ctx context.Context, cafID uuid.UUID) ([]int64, error) {
	var folios []int64
	err := r.db.WithContext(ctx).Model(&models.FolioAllocationModel{}).
		Where("caf_id = ? AND voided = ?", cafID, true).
		Order("folio ASC").
		Pluck("folio", &folios).Error
	if err != nil {
		return nil, err
	}
	return folios, nil
}

var (
	_ dte.FolioPool                 = (*GormFolioPool)(nil)
	_ dte.FolioAllocationRepository = (*GormFolioAllocationRepository)(nil)
)
