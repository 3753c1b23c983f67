package issuance

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/erp/dte/internal/domain/dte"
	"github.com/erp/dte/internal/infrastructure/authority"
	"github.com/erp/dte/internal/infrastructure/storage"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// PipelineConfig bounds the work done per run
type PipelineConfig struct {
	// PackBatch is how many signed documents one packing run reads
	PackBatch int
	// SubmitBatch is how many envelopes one dispatch run considers
	SubmitBatch int
	// PollBatch is how many envelopes one polling run considers
	PollBatch int
	// SLAWindow is how long the authority may stay silent before the
	// documents are marked UNKNOWN. Zero disables the check.
	SLAWindow time.Duration
}

func (c *PipelineConfig) applyDefaults() {
	if c.PackBatch <= 0 {
		c.PackBatch = 500
	}
	if c.SubmitBatch <= 0 {
		c.SubmitBatch = 50
	}
	if c.PollBatch <= 0 {
		c.PollBatch = 100
	}
}

// Pipeline moves signed documents to the authority and their verdicts
// back. Envelopes of one issuer and branch are submitted strictly in
// creation order under the branch lock; branches run in parallel.
type Pipeline struct {
	txScope    TransactionScope
	repos      TransactionalRepositories
	packager   EnvelopePackager
	authority  Authority
	locks      BranchLocker
	companyKey dte.CompanyKey
	cfg        PipelineConfig
	options
}

// NewPipeline creates a Pipeline
func NewPipeline(
	txScope TransactionScope,
	repos TransactionalRepositories,
	packager EnvelopePackager,
	auth Authority,
	locks BranchLocker,
	companyKey dte.CompanyKey,
	cfg PipelineConfig,
	opts ...Option,
) *Pipeline {
	cfg.applyDefaults()
	p := &Pipeline{
		txScope:    txScope,
		repos:      repos,
		packager:   packager,
		authority:  auth,
		locks:      locks,
		companyKey: companyKey,
		cfg:        cfg,
		options:    newOptions(opts),
	}
	p.logger = p.logger.Named("pipeline")
	return p
}

// Dispatch packs pending documents and submits every open envelope
func (p *Pipeline) Dispatch(ctx context.Context) error {
	if _, err := p.PackPending(ctx); err != nil {
		return err
	}
	_, err := p.SubmitOpen(ctx)
	return err
}

type lane struct {
	key    string
	issuer string
	branch string
	docs   []dte.Document
}

// PackPending groups signed, unpacked documents by issuer and branch into
// envelopes and returns how many envelopes were created. A document that
// cannot be packed is parked as SUBMISSION_FAILED and the rest of its lane
// goes on. Any other failure skips the remainder of the lane so later
// documents of the branch are not packed ahead of it.
func (p *Pipeline) PackPending(ctx context.Context) (int, error) {
	docs, err := p.repos.DocumentRepo().FindUnenveloped(ctx, p.cfg.PackBatch)
	if err != nil {
		return 0, err
	}

	var lanes []*lane
	byKey := map[string]*lane{}
	for _, d := range docs {
		key := d.IssuerRUT + ":" + d.Branch
		l, ok := byKey[key]
		if !ok {
			l = &lane{key: key, issuer: d.IssuerRUT, branch: d.Branch}
			byKey[key] = l
			lanes = append(lanes, l)
		}
		l.docs = append(l.docs, d)
	}

	limit := p.packager.Limit()
	packed := 0
	for _, l := range lanes {
		pending := l.docs
		for len(pending) > 0 {
			batch := pending[:min(limit, len(pending))]
			err := p.packEnvelope(ctx, l, batch)
			if err == nil {
				packed++
				pending = pending[len(batch):]
				continue
			}
			if ctx.Err() != nil {
				return packed, ctx.Err()
			}
			var bad *dte.UnpackableMemberError
			if errors.As(err, &bad) && bad.Index >= 0 && bad.Index < len(batch) {
				if perr := p.parkUnpackable(ctx, batch[bad.Index].ID, err); perr != nil {
					p.logger.Error("failed to park unpackable document",
						zap.String("document_id", batch[bad.Index].ID.String()), zap.Error(perr))
					break
				}
				pending = slices.Delete(pending, bad.Index, bad.Index+1)
				continue
			}
			p.logger.Error("failed to pack envelope",
				zap.String("issuer", l.issuer),
				zap.String("branch", l.branch),
				zap.Int("documents", len(batch)),
				zap.Error(err),
			)
			break
		}
	}
	return packed, nil
}

// parkUnpackable moves a SIGNED document that no envelope can carry to
// SUBMISSION_FAILED, where Requeue or Abandon resolves it.
func (p *Pipeline) parkUnpackable(ctx context.Context, id uuid.UUID, cause error) error {
	now := p.now()
	var doc *dte.Document
	err := p.txScope.Execute(ctx, func(repos TransactionalRepositories) error {
		var err error
		if doc, err = repos.DocumentRepo().FindByID(ctx, id); err != nil {
			return err
		}
		if doc.State != dte.StateSigned || doc.EnvelopeID != nil {
			return nil
		}
		if err := doc.MarkSubmissionFailed(cause.Error(), now); err != nil {
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
		return err
	}
	p.logger.Error("document cannot be packed, needs operator action",
		zap.String("document_id", id.String()),
		zap.String("branch", doc.Branch),
		zap.Int64("folio", doc.Folio),
		zap.Error(cause),
	)
	p.publish(ctx, doc)
	return nil
}

func (p *Pipeline) packEnvelope(ctx context.Context, l *lane, docs []dte.Document) error {
	ids := make([]uuid.UUID, len(docs))
	members := make([]dte.SignedXML, len(docs))
	for i := range docs {
		ids[i] = docs[i].ID
		members[i] = docs[i].SignedXML
	}

	now := p.now()
	env := dte.NewEnvelope(l.issuer, l.branch, ids, now)
	payload, err := p.packager.Pack(env.SetID, l.issuer, members, p.companyKey, now)
	if err != nil {
		return err
	}
	env.SignedXML = payload

	err = p.txScope.Execute(ctx, func(repos TransactionalRepositories) error {
		if err := repos.EnvelopeRepo().Create(ctx, env); err != nil {
			return err
		}
		return repos.DocumentRepo().AssignEnvelope(ctx, env.ID, ids)
	})
	if err != nil {
		return fmt.Errorf("storing envelope %s: %w", env.SetID, err)
	}

	key := storage.EnvelopeKey(l.issuer, env.SetID)
	if err := p.archive.Put(ctx, key, payload, storage.ContentTypeXML); err != nil {
		p.logger.Warn("failed to archive envelope", zap.String("key", key), zap.Error(err))
	}
	p.logger.Info("envelope packed",
		zap.String("envelope_id", env.ID.String()),
		zap.String("set_id", env.SetID),
		zap.String("branch", l.branch),
		zap.Int("documents", len(ids)),
	)
	return nil
}

// SubmitOpen submits OPEN envelopes and reconciles envelopes whose earlier
// submission had an unknown outcome. It returns how many were processed.
// A lane stops at an envelope that is still unresolved so the authority
// never sees a later envelope of the branch first.
func (p *Pipeline) SubmitOpen(ctx context.Context) (int, error) {
	envs, err := p.repos.EnvelopeRepo().FindByStates(ctx,
		[]dte.EnvelopeState{dte.EnvelopeOpen, dte.EnvelopeUnknown}, p.cfg.SubmitBatch)
	if err != nil {
		return 0, err
	}

	var order []string
	lanes := map[string][]uuid.UUID{}
	for _, env := range envs {
		if env.State == dte.EnvelopeUnknown && env.TrackID != "" {
			// received by the authority; the poller owns it
			continue
		}
		key := env.LockKey()
		if _, ok := lanes[key]; !ok {
			order = append(order, key)
		}
		lanes[key] = append(lanes[key], env.ID)
	}

	var (
		g    errgroup.Group
		done atomic.Int64
	)
	for _, key := range order {
		ids := lanes[key]
		g.Go(func() error {
			for _, id := range ids {
				proceed, err := p.submitLocked(ctx, key, id)
				if err != nil {
					return fmt.Errorf("lane %s: %w", key, err)
				}
				done.Add(1)
				if !proceed {
					p.logger.Warn("lane paused behind unresolved envelope",
						zap.String("lane", key), zap.String("envelope_id", id.String()))
					return nil
				}
			}
			return nil
		})
	}
	err = g.Wait()
	return int(done.Load()), err
}

// submitLocked submits one envelope under its branch lock. It reports
// whether later envelopes of the lane may follow.
func (p *Pipeline) submitLocked(ctx context.Context, key string, id uuid.UUID) (bool, error) {
	unlock, err := p.locks.Lock(ctx, key)
	if err != nil {
		return false, fmt.Errorf("acquiring branch lock: %w", err)
	}
	defer func() {
		if err := unlock(context.WithoutCancel(ctx)); err != nil {
			p.logger.Warn("failed to release branch lock", zap.String("lane", key), zap.Error(err))
		}
	}()

	// another instance may have handled the envelope while we waited
	env, err := p.repos.EnvelopeRepo().FindByID(ctx, id)
	if err != nil {
		return false, err
	}
	var maybeDelivered bool
	switch {
	case env.State == dte.EnvelopeOpen:
	case env.State == dte.EnvelopeUnknown && env.TrackID == "":
		maybeDelivered = true
	default:
		return true, nil
	}
	return p.submit(ctx, env, maybeDelivered)
}

func (p *Pipeline) submit(ctx context.Context, env *dte.Envelope, maybeDelivered bool) (bool, error) {
	log := p.logger.With(
		zap.String("envelope_id", env.ID.String()),
		zap.String("set_id", env.SetID),
		zap.String("branch", env.Branch),
		zap.Bool("maybe_delivered", maybeDelivered),
	)
	started := time.Now()
	verdict, err := p.authority.Submit(ctx, authority.Submission{
		EnvelopeID:     env.ID,
		SetID:          env.SetID,
		Payload:        env.SignedXML,
		MaybeDelivered: maybeDelivered,
	})
	elapsed := time.Since(started)

	var (
		unknown *dte.UnknownSubmissionStateError
		timeout *dte.TransportTimeoutError
		refused *dte.SubmissionRefusedError
		outcome string
		proceed = true
	)
	switch {
	case err == nil:
		outcome = strings.ToLower(string(verdict.Kind))
		log.Info("envelope submitted",
			zap.String("verdict", string(verdict.Kind)),
			zap.String("track_id", verdict.TrackID),
			zap.String("code", verdict.Code),
		)
		err = p.applyVerdict(ctx, env.ID, verdict)
	case errors.As(err, &unknown):
		outcome = "unknown"
		proceed = false
		log.Warn("submission outcome unknown, will reconcile", zap.Error(err))
		err = p.markUnknown(ctx, env.ID, err.Error())
	case errors.As(err, &timeout):
		outcome = "failed"
		log.Error("authority unreachable, documents need operator action",
			zap.Int("attempt", timeout.Attempts), zap.Error(err))
		err = p.markFailed(ctx, env.ID, err.Error())
	case errors.As(err, &refused):
		outcome = "failed"
		log.Error("authority refused the upload, documents need operator action",
			zap.Int("status", refused.Status), zap.Error(err))
		err = p.markFailed(ctx, env.ID, err.Error())
	default:
		return false, err
	}
	p.metrics.RecordSubmission(ctx, env.Branch, outcome, elapsed)
	if err != nil {
		return false, err
	}
	return proceed, nil
}
