package issuance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/erp/dte/internal/domain/dte"
	"github.com/erp/dte/internal/domain/shared"
	"github.com/erp/dte/internal/infrastructure/storage"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// CAFService ingests authorization files and reports on the folio pool
type CAFService struct {
	txScope  TransactionScope
	repos    TransactionalRepositories
	verifier CAFVerifier
	sealer   KeySealer
	validity time.Duration
	options
}

// NewCAFService creates a CAFService. A non-positive validity uses the
// authority's default lifetime.
func NewCAFService(
	txScope TransactionScope,
	repos TransactionalRepositories,
	verifier CAFVerifier,
	sealer KeySealer,
	validity time.Duration,
	opts ...Option,
) *CAFService {
	s := &CAFService{
		txScope:  txScope,
		repos:    repos,
		verifier: verifier,
		sealer:   sealer,
		validity: validity,
		options:  newOptions(opts),
	}
	s.logger = s.logger.Named("caf")
	return s
}

// Ingest verifies an authorization file and adds it to the pool. Files
// whose authority signature does not verify are never stored.
func (s *CAFService) Ingest(ctx context.Context, req IngestCAFRequest) (*CAFSummary, error) {
	branch := strings.TrimSpace(req.Branch)
	if branch == "" {
		return nil, shared.NewDomainError("INVALID_BRANCH", "Branch is required")
	}
	auth, err := s.verifier.Parse(req.Raw)
	if err != nil {
		s.logger.Warn("CAF rejected at ingestion", zap.String("branch", branch), zap.Error(err))
		return nil, err
	}
	sealed, err := s.sealer.Seal(auth.PrivateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("sealing CAF key: %w", err)
	}

	now := s.now()
	c, err := dte.NewCAF(dte.NewCAFParams{
		IssuerRUT:        auth.IssuerRUT,
		IssuerName:       auth.IssuerName,
		DocType:          auth.DocType,
		Branch:           branch,
		RangeStart:       auth.RangeStart,
		RangeEnd:         auth.RangeEnd,
		AuthorizedAt:     auth.AuthorizedAt,
		Validity:         s.validity,
		KeyID:            auth.KeyID,
		AuthorizationXML: auth.CAFElement,
		SealedPrivateKey: sealed,
		PublicKeyPEM:     auth.PublicKeyPEM,
		Fingerprint:      auth.Fingerprint,
	}, now)
	if err != nil {
		return nil, err
	}

	err = s.txScope.Execute(ctx, func(repos TransactionalRepositories) error {
		cafs := repos.CAFRepo()
		existing, err := cafs.FindByFingerprint(ctx, c.Fingerprint)
		switch {
		case err == nil:
			return shared.NewDomainError(dte.CodeDuplicateCAF,
				fmt.Sprintf("CAF was already ingested as %s", existing.ID))
		case !errors.Is(err, shared.ErrNotFound):
			return err
		}

		overlapping, err := cafs.FindOverlapping(ctx, c.IssuerRUT, c.DocType, c.Branch, c.RangeStart, c.RangeEnd)
		if err != nil {
			return err
		}
		if len(overlapping) > 0 {
			o := overlapping[0]
			return shared.NewDomainError(dte.CodeCAFRangeOverlap,
				fmt.Sprintf("Folios [%d, %d] overlap CAF %s [%d, %d]", c.RangeStart, c.RangeEnd, o.ID, o.RangeStart, o.RangeEnd))
		}
		return cafs.Create(ctx, c)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("CAF ingested",
		zap.String("caf_id", c.ID.String()),
		zap.String("issuer", c.IssuerRUT),
		zap.Int("doc_type", int(c.DocType)),
		zap.String("branch", c.Branch),
		zap.Int64("range_start", c.RangeStart),
		zap.Int64("range_end", c.RangeEnd),
		zap.Time("expires_at", c.ExpiresAt),
	)
	s.metrics.RecordFolioStock(ctx, c.DocType, c.Branch, c.Remaining())
	summary := ToCAFSummary(c, now)
	return &summary, nil
}

// List returns every CAF, grouped by type and branch, by ascending range
func (s *CAFService) List(ctx context.Context) ([]CAFSummary, error) {
	cafs, err := s.repos.CAFRepo().FindAll(ctx)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(cafs, func(i, j int) bool {
		a, b := cafs[i], cafs[j]
		if a.DocType != b.DocType {
			return a.DocType < b.DocType
		}
		if a.Branch != b.Branch {
			return a.Branch < b.Branch
		}
		return a.RangeStart < b.RangeStart
	})

	now := s.now()
	out := make([]CAFSummary, len(cafs))
	for i := range cafs {
		out[i] = ToCAFSummary(&cafs[i], now)
	}
	return out, nil
}

// Get returns one CAF
func (s *CAFService) Get(ctx context.Context, id uuid.UUID) (*CAFSummary, error) {
	c, err := s.repos.CAFRepo().FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	summary := ToCAFSummary(c, s.now())
	return &summary, nil
}

// SetVisibility hides a CAF from allocation or makes it eligible again.
// The cursor is never touched.
func (s *CAFService) SetVisibility(ctx context.Context, id uuid.UUID, hidden bool) (*CAFSummary, error) {
	if err := s.repos.CAFRepo().SetHidden(ctx, id, hidden, s.now()); err != nil {
		return nil, err
	}
	s.logger.Info("CAF visibility changed", zap.String("caf_id", id.String()), zap.Bool("hidden", hidden))
	return s.Get(ctx, id)
}

// HideExhausted hides every visible CAF that is exhausted or expired,
// optionally limited to one branch, and returns how many were hidden.
func (s *CAFService) HideExhausted(ctx context.Context, branch string) (int, error) {
	cafs, err := s.repos.CAFRepo().FindAll(ctx)
	if err != nil {
		return 0, err
	}
	now := s.now()
	hidden := 0
	for i := range cafs {
		c := &cafs[i]
		if c.Hidden || (branch != "" && c.Branch != branch) {
			continue
		}
		if status := c.Status(now); status != dte.CAFStatusExhausted && status != dte.CAFStatusExpired {
			continue
		}
		if err := s.repos.CAFRepo().SetHidden(ctx, c.ID, true, now); err != nil {
			return hidden, err
		}
		hidden++
	}
	if hidden > 0 {
		s.logger.Info("Spent CAFs hidden", zap.Int("count", hidden), zap.String("branch", branch))
	}
	return hidden, nil
}

// ReportVoidedFolios lists the voided folios of a CAF in ascending order
func (s *CAFService) ReportVoidedFolios(ctx context.Context, cafID uuid.UUID) (*VoidedFoliosReport, error) {
	c, err := s.repos.CAFRepo().FindByID(ctx, cafID)
	if err != nil {
		return nil, err
	}
	return s.voidedReport(ctx, c)
}

func (s *CAFService) voidedReport(ctx context.Context, c *dte.CAF) (*VoidedFoliosReport, error) {
	folios, err := s.repos.AllocationRepo().ListVoidedFolios(ctx, c.ID)
	if err != nil {
		return nil, err
	}
	if folios == nil {
		folios = []int64{}
	}
	return &VoidedFoliosReport{
		CAFID:       c.ID,
		IssuerRUT:   c.IssuerRUT,
		DocType:     c.DocType,
		Branch:      c.Branch,
		RangeStart:  c.RangeStart,
		RangeEnd:    c.RangeEnd,
		Folios:      folios,
		GeneratedAt: s.now(),
	}, nil
}

// ArchiveVoidedReports stores the voided-folio report of every CAF that
// has voided folios and returns how many reports were written.
func (s *CAFService) ArchiveVoidedReports(ctx context.Context) (int, error) {
	cafs, err := s.repos.CAFRepo().FindAll(ctx)
	if err != nil {
		return 0, err
	}

	written := 0
	for i := range cafs {
		c := &cafs[i]
		report, err := s.voidedReport(ctx, c)
		if err != nil {
			return written, err
		}
		if len(report.Folios) == 0 {
			continue
		}
		body, err := json.Marshal(report)
		if err != nil {
			return written, err
		}
		key := storage.VoidedReportKey(c.IssuerRUT, c.ID.String(), report.GeneratedAt)
		if err := s.archive.Put(ctx, key, body, storage.ContentTypeJSON); err != nil {
			return written, fmt.Errorf("archiving voided folios of CAF %s: %w", c.ID, err)
		}
		written++
		s.logger.Info("voided folio report archived",
			zap.String("caf_id", c.ID.String()),
			zap.Int("voided", len(report.Folios)),
			zap.String("key", key),
		)
	}
	return written, nil
}
