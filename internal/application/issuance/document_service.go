package issuance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/erp/dte/internal/domain/dte"
	"github.com/erp/dte/internal/domain/shared"
	"github.com/erp/dte/internal/infrastructure/storage"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultLowStockThreshold is the remaining-folio count that triggers a warning
const DefaultLowStockThreshold = 20

// DocumentService is the surface the rest of the application calls to issue
// tax documents. Issuing returns once the folio is durable and the document
// is signed; the authority's verdict arrives later through the pipeline.
type DocumentService struct {
	txScope    TransactionScope
	repos      TransactionalRepositories
	builder    DocumentBuilder
	signer     DocumentSigner
	keys       FolioKeyLoader
	companyKey dte.CompanyKey
	lowStock   int64
	options
}

// NewDocumentService creates a DocumentService
func NewDocumentService(
	txScope TransactionScope,
	repos TransactionalRepositories,
	builder DocumentBuilder,
	signer DocumentSigner,
	keys FolioKeyLoader,
	companyKey dte.CompanyKey,
	lowStock int64,
	opts ...Option,
) *DocumentService {
	if lowStock <= 0 {
		lowStock = DefaultLowStockThreshold
	}
	s := &DocumentService{
		txScope:    txScope,
		repos:      repos,
		builder:    builder,
		signer:     signer,
		keys:       keys,
		companyKey: companyKey,
		lowStock:   lowStock,
		options:    newOptions(opts),
	}
	s.logger = s.logger.Named("issuance")
	return s
}

// IssueDocument validates the payload, allocates a folio and signs the
// document. Validation failures consume no folio; failures after the
// allocation void it.
func (s *DocumentService) IssueDocument(ctx context.Context, req IssueRequest) (*IssueResult, error) {
	return s.issue(ctx, req.DocType, req.Branch, req.Payload, nil)
}

// Reissue issues a replacement for a rejected document on a fresh folio
func (s *DocumentService) Reissue(ctx context.Context, id uuid.UUID) (*IssueResult, error) {
	orig, err := s.repos.DocumentRepo().FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !orig.CanReissue() {
		return nil, shared.NewDomainError(dte.CodeDocumentNotReissuable,
			fmt.Sprintf("Document %s is %s, only rejected documents can be reissued", orig.ID, orig.State))
	}
	return s.issue(ctx, orig.DocType, orig.Branch, orig.Payload, &orig.ID)
}

func (s *DocumentService) issue(ctx context.Context, docType dte.DocumentType, branch string, payload dte.Payload, replaces *uuid.UUID) (*IssueResult, error) {
	if err := s.builder.Validate(docType, payload); err != nil {
		return nil, err
	}

	now := s.now()
	doc, err := dte.NewDocument(docType, branch, payload, now)
	if err != nil {
		return nil, err
	}
	doc.ReplacesID = replaces

	var c *dte.CAF
	err = s.txScope.Execute(ctx, func(repos TransactionalRepositories) error {
		if replaces != nil {
			if err := repos.DocumentRepo().ClaimReplacement(ctx, *replaces, doc.ID); err != nil {
				if errors.Is(err, shared.ErrConcurrencyConflict) {
					return shared.NewDomainError(dte.CodeDocumentNotReissuable,
						fmt.Sprintf("Document %s already has a replacement", *replaces))
				}
				return err
			}
		}
		alloc, allocated, err := repos.FolioPool().Allocate(ctx, doc.IssuerRUT, docType, branch, doc.ID, now)
		if err != nil {
			return err
		}
		if err := doc.AssignFolio(alloc.CAFID, alloc.Folio, now); err != nil {
			return err
		}
		c = allocated
		return repos.DocumentRepo().Create(ctx, doc)
	})
	if err != nil {
		return nil, err
	}

	log := s.logger.With(
		zap.String("document_id", doc.ID.String()),
		zap.Int("doc_type", int(docType)),
		zap.String("branch", branch),
		zap.Int64("folio", doc.Folio),
	)
	s.checkStock(ctx, c, log)

	canonical, totals, signed, err := s.render(doc, c, now)
	if err != nil {
		log.Warn("document could not be signed, voiding its folio", zap.Error(err))
		s.voidAfterFailure(ctx, doc.ID, err.Error(), log)
		return nil, err
	}

	err = s.txScope.Execute(ctx, func(repos TransactionalRepositories) error {
		if err := doc.MarkSigned(canonical, signed, totals, now); err != nil {
			return err
		}
		if err := repos.DocumentRepo().Update(ctx, doc); err != nil {
			return err
		}
		if err := repos.StatusRepo().Upsert(ctx, doc.StatusRecord(now)); err != nil {
			return err
		}
		return recordEvents(ctx, repos, doc)
	})
	if err != nil {
		log.Error("signed document could not be stored, voiding its folio", zap.Error(err))
		s.voidAfterFailure(ctx, doc.ID, "signed document could not be stored: "+err.Error(), log)
		return nil, err
	}
	s.publish(ctx, doc)

	key := storage.DocumentKey(doc.IssuerRUT, doc.DocType, doc.Folio)
	if err := s.archive.Put(ctx, key, signed, storage.ContentTypeXML); err != nil {
		log.Warn("failed to archive signed document", zap.String("key", key), zap.Error(err))
	}

	log.Info("document signed", zap.Int64("total", totals.Total))
	return &IssueResult{
		DocumentID: doc.ID,
		DocType:    doc.DocType,
		Folio:      doc.Folio,
		Total:      totals.Total,
		ReplacesID: doc.ReplacesID,
	}, nil
}

// render builds and signs the document. Any failure here happens after the
// folio was consumed.
func (s *DocumentService) render(doc *dte.Document, c *dte.CAF, now time.Time) (dte.CanonicalXML, dte.Totals, dte.SignedXML, error) {
	key, err := s.keys.Load(c)
	if err != nil {
		return nil, dte.Totals{}, nil, dte.NewSigningError("CAF key unavailable", err)
	}
	canonical, totals, err := s.builder.Build(doc.DocType, doc.Payload, doc.Folio)
	if err != nil {
		return nil, dte.Totals{}, nil, err
	}
	signed, err := s.signer.Sign(canonical, key, s.companyKey, now)
	if err != nil {
		return nil, dte.Totals{}, nil, err
	}
	return canonical, totals, signed, nil
}

// voidAfterFailure voids the document and its folio in one transaction
func (s *DocumentService) voidAfterFailure(ctx context.Context, id uuid.UUID, reason string, log *zap.Logger) {
	ctx = context.WithoutCancel(ctx)
	now := s.now()
	var doc *dte.Document
	err := s.txScope.Execute(ctx, func(repos TransactionalRepositories) error {
		var err error
		if doc, err = repos.DocumentRepo().FindByID(ctx, id); err != nil {
			return err
		}
		return voidDocument(ctx, repos, doc, reason, now)
	})
	if err != nil {
		log.Error("failed to void folio", zap.Error(err))
		return
	}
	s.publish(ctx, doc)
}

func voidDocument(ctx context.Context, repos TransactionalRepositories, doc *dte.Document, reason string, now time.Time) error {
	if err := doc.Void(reason, now); err != nil {
		return err
	}
	if err := repos.DocumentRepo().Update(ctx, doc); err != nil {
		return err
	}
	if err := repos.AllocationRepo().VoidByDocument(ctx, doc.ID, reason, now); err != nil {
		return err
	}
	if doc.ReplacesID != nil {
		if err := repos.DocumentRepo().ReleaseReplacement(ctx, *doc.ReplacesID, doc.ID); err != nil {
			return err
		}
	}
	if err := repos.StatusRepo().Upsert(ctx, doc.StatusRecord(now)); err != nil {
		return err
	}
	return recordEvents(ctx, repos, doc)
}

func (s *DocumentService) checkStock(ctx context.Context, c *dte.CAF, log *zap.Logger) {
	remaining := c.Remaining()
	s.metrics.RecordFolioStock(ctx, c.DocType, c.Branch, remaining)
	if remaining <= s.lowStock {
		log.Warn("folio stock running low",
			zap.String("caf_id", c.ID.String()),
			zap.Int64("remaining", remaining),
			zap.Int64("threshold", s.lowStock),
		)
	}
}

// GetStatus returns the latest known status of a document
func (s *DocumentService) GetStatus(ctx context.Context, id uuid.UUID) (*dte.StatusRecord, error) {
	return statusOf(ctx, s.repos, id)
}

func statusOf(ctx context.Context, repos TransactionalRepositories, id uuid.UUID) (*dte.StatusRecord, error) {
	rec, err := repos.StatusRepo().FindByDocument(ctx, id)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, shared.ErrNotFound) {
		return nil, err
	}
	doc, err := repos.DocumentRepo().FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	r := doc.StatusRecord(doc.UpdatedAt)
	return &r, nil
}

// Requeue returns a document whose submission failed to the queue of
// signed documents; the next dispatch packs it into a new envelope.
func (s *DocumentService) Requeue(ctx context.Context, id uuid.UUID) (*dte.StatusRecord, error) {
	now := s.now()
	var rec dte.StatusRecord
	err := s.txScope.Execute(ctx, func(repos TransactionalRepositories) error {
		doc, err := repos.DocumentRepo().FindByID(ctx, id)
		if err != nil {
			return err
		}
		if err := doc.Requeue(now); err != nil {
			return err
		}
		if err := repos.DocumentRepo().Update(ctx, doc); err != nil {
			return err
		}
		rec = doc.StatusRecord(now)
		return repos.StatusRepo().Upsert(ctx, rec)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("document requeued", zap.String("document_id", id.String()))
	return &rec, nil
}

// Abandon gives up on a document whose submission failed and voids its folio
func (s *DocumentService) Abandon(ctx context.Context, id uuid.UUID, reason string) (*dte.StatusRecord, error) {
	if reason == "" {
		reason = "abandoned by operator"
	}
	now := s.now()
	var doc *dte.Document
	err := s.txScope.Execute(ctx, func(repos TransactionalRepositories) error {
		var err error
		if doc, err = repos.DocumentRepo().FindByID(ctx, id); err != nil {
			return err
		}
		if doc.State != dte.StateSubmissionFailed {
			return shared.NewDomainError("INVALID_STATE",
				fmt.Sprintf("Only failed submissions can be abandoned, document %s is %s", doc.ID, doc.State))
		}
		return voidDocument(ctx, repos, doc, reason, now)
	})
	if err != nil {
		return nil, err
	}
	s.publish(ctx, doc)
	s.logger.Info("document abandoned",
		zap.String("document_id", id.String()),
		zap.Int64("folio", doc.Folio),
		zap.String("reason", reason),
	)
	rec := doc.StatusRecord(now)
	return &rec, nil
}
