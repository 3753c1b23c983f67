package issuance

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/erp/dte/internal/domain/dte"
	"github.com/erp/dte/internal/domain/shared"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// PollDue asks the authority for the verdict of every envelope that has a
// track id and is still unresolved. Envelopes without a track id are
// reconciled by the dispatcher. It returns how many envelopes were polled.
func (p *Pipeline) PollDue(ctx context.Context) (int, error) {
	envs, err := p.repos.EnvelopeRepo().FindByStates(ctx,
		[]dte.EnvelopeState{dte.EnvelopeSubmitted, dte.EnvelopeUnknown}, p.cfg.PollBatch)
	if err != nil {
		return 0, err
	}
	polled := 0
	for i := range envs {
		env := &envs[i]
		if env.TrackID == "" {
			continue
		}
		if err := p.pollEnvelope(ctx, env); err != nil {
			if ctx.Err() != nil {
				return polled, ctx.Err()
			}
			p.logger.Warn("poll failed",
				zap.String("envelope_id", env.ID.String()),
				zap.String("track_id", env.TrackID),
				zap.Error(err),
			)
			continue
		}
		polled++
	}
	return polled, nil
}

func (p *Pipeline) pollEnvelope(ctx context.Context, env *dte.Envelope) error {
	v, err := p.authority.Poll(ctx, env.TrackID)
	if err != nil {
		if ctx.Err() == nil && env.State == dte.EnvelopeSubmitted && env.SLAExceeded(p.cfg.SLAWindow, p.now()) {
			if expErr := p.expireSilent(ctx, env.ID, err); expErr != nil {
				return errors.Join(err, expErr)
			}
		}
		return err
	}
	if v.TrackID == "" {
		v.TrackID = env.TrackID
	}
	return p.applyVerdict(ctx, env.ID, v)
}

// PollDocument refreshes one document on demand and returns its status.
// Documents that are not waiting on the authority return their stored status.
func (p *Pipeline) PollDocument(ctx context.Context, id uuid.UUID) (*dte.StatusRecord, error) {
	doc, err := p.repos.DocumentRepo().FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if doc.State.AwaitsAuthority() && doc.EnvelopeID != nil {
		env, err := p.repos.EnvelopeRepo().FindByID(ctx, *doc.EnvelopeID)
		if err != nil {
			return nil, err
		}
		switch {
		case env.TrackID != "":
			err = p.pollEnvelope(ctx, env)
		case env.State == dte.EnvelopeUnknown:
			_, err = p.submitLocked(ctx, env.LockKey(), env.ID)
		}
		if err != nil {
			return nil, err
		}
	}
	return statusOf(ctx, p.repos, id)
}

// applyVerdict moves the envelope and its members to what the authority
// reported. Documents already final are left untouched.
func (p *Pipeline) applyVerdict(ctx context.Context, envelopeID uuid.UUID, v dte.Verdict) error {
	now := p.now()
	var (
		env     *dte.Envelope
		members []dte.Document
	)
	err := p.txScope.Execute(ctx, func(repos TransactionalRepositories) error {
		var err error
		if env, members, err = loadEnvelope(ctx, repos, envelopeID); err != nil {
			return err
		}
		changed := make([]bool, len(members))

		switch v.Kind {
		case dte.VerdictPending:
			switch {
			case env.State == dte.EnvelopeOpen || (env.State == dte.EnvelopeUnknown && env.TrackID == ""):
				if err := env.MarkSubmitted(v.TrackID, v.Code, v.Detail, now); err != nil {
					return err
				}
				for i := range members {
					d := &members[i]
					if d.State == dte.StateSigned || d.State == dte.StateUnknown {
						if err := d.MarkSubmitted(v.TrackID, now); err != nil {
							return err
						}
						changed[i] = true
					}
				}
			case env.SLAExceeded(p.cfg.SLAWindow, now):
				if err := expireSLA(env, members, changed, p.cfg.SLAWindow, now); err != nil {
					return err
				}
				p.logger.Warn("authority silent past SLA",
					zap.String("envelope_id", env.ID.String()),
					zap.String("track_id", env.TrackID),
					zap.Duration("sla", p.cfg.SLAWindow),
				)
			default:
				env.AckCode = v.Code
				env.AckDetail = v.Detail
				env.Touch(now)
			}

		case dte.VerdictAccepted, dte.VerdictRejected:
			if env.TrackID == "" {
				env.TrackID = v.TrackID
			}
			for i := range members {
				ok, err := settle(ctx, repos, &members[i], v, env.TrackID, now)
				if err != nil {
					return err
				}
				changed[i] = ok
			}
			if v.Kind == dte.VerdictRejected && len(v.Documents) == 0 {
				env.MarkRejected(v.Code, v.Detail, now)
			} else {
				env.MarkResolved(v.Code, v.Detail, now)
			}

		default:
			return fmt.Errorf("unexpected verdict %s for envelope %s", v.Kind, envelopeID)
		}

		return saveEnvelope(ctx, repos, env, members, changed, v, now)
	})
	if err != nil {
		return err
	}
	p.publishAll(ctx, env, members)
	return nil
}

// expireSLA moves an envelope the authority has been silent about past the
// window to UNKNOWN, together with its submitted members. They keep being polled.
func expireSLA(env *dte.Envelope, members []dte.Document, changed []bool, window time.Duration, now time.Time) error {
	detail := fmt.Sprintf("no verdict within %s of submission", window)
	env.MarkUnknown(detail, now)
	for i := range members {
		d := &members[i]
		if d.State != dte.StateSubmitted {
			continue
		}
		if err := d.MarkUnknown(detail, now); err != nil {
			return err
		}
		changed[i] = true
	}
	return nil
}

// expireSilent applies the SLA when the authority could not be reached at all
func (p *Pipeline) expireSilent(ctx context.Context, envelopeID uuid.UUID, cause error) error {
	now := p.now()
	var (
		env     *dte.Envelope
		members []dte.Document
		expired bool
	)
	err := p.txScope.Execute(ctx, func(repos TransactionalRepositories) error {
		var err error
		if env, members, err = loadEnvelope(ctx, repos, envelopeID); err != nil {
			return err
		}
		if env.State != dte.EnvelopeSubmitted || !env.SLAExceeded(p.cfg.SLAWindow, now) {
			return nil
		}
		changed := make([]bool, len(members))
		if err := expireSLA(env, members, changed, p.cfg.SLAWindow, now); err != nil {
			return err
		}
		expired = true
		return saveEnvelope(ctx, repos, env, members, changed, dte.Verdict{}, now)
	})
	if err != nil || !expired {
		return err
	}
	p.logger.Warn("authority unreachable past SLA",
		zap.String("envelope_id", env.ID.String()),
		zap.String("track_id", env.TrackID),
		zap.Duration("sla", p.cfg.SLAWindow),
		zap.Error(cause),
	)
	p.publishAll(ctx, env, members)
	return nil
}

// settle applies a final verdict to one member and voids the folio of a
// rejected document in the same transaction.
func settle(ctx context.Context, repos TransactionalRepositories, d *dte.Document, v dte.Verdict, trackID string, now time.Time) (bool, error) {
	switch d.State {
	case dte.StateAccepted, dte.StateRejected, dte.StateVoided:
		return false, nil
	}
	dv := v.ForDocument(d.DocType, d.Folio)
	if d.State == dte.StateSigned && dv.Kind == dte.VerdictAccepted {
		if err := d.MarkSubmitted(trackID, now); err != nil {
			return false, err
		}
	}
	if d.TrackID == "" {
		d.TrackID = trackID
	}
	switch dv.Kind {
	case dte.VerdictAccepted:
		if err := d.MarkAccepted(dv.Code, dv.Detail, now); err != nil {
			return false, err
		}
	case dte.VerdictRejected:
		if err := d.MarkRejected(dv.Code, dv.Detail, now); err != nil {
			return false, err
		}
		reason := "rejected by authority"
		if dv.Code != "" {
			reason += " (" + dv.Code + ")"
		}
		if err := repos.AllocationRepo().VoidByDocument(ctx, d.ID, reason, now); err != nil {
			return false, err
		}
	default:
		return false, nil
	}
	return true, nil
}

// markUnknown records that the envelope may or may not have reached the
// authority. Its members stay unresolved until reconciliation.
func (p *Pipeline) markUnknown(ctx context.Context, envelopeID uuid.UUID, detail string) error {
	return p.markUnresolved(ctx, envelopeID, func(env *dte.Envelope, d *dte.Document, now time.Time) (bool, error) {
		if env != nil {
			env.MarkUnknown(detail, now)
			return true, nil
		}
		if d.State != dte.StateSigned && d.State != dte.StateSubmitted {
			return false, nil
		}
		return true, d.MarkUnknown(detail, now)
	})
}

// markFailed parks the envelope's members for operator action
func (p *Pipeline) markFailed(ctx context.Context, envelopeID uuid.UUID, detail string) error {
	return p.markUnresolved(ctx, envelopeID, func(env *dte.Envelope, d *dte.Document, now time.Time) (bool, error) {
		if env != nil {
			env.MarkFailed(detail, now)
			return true, nil
		}
		if d.State != dte.StateSigned && d.State != dte.StateUnknown {
			return false, nil
		}
		return true, d.MarkSubmissionFailed(detail, now)
	})
}

// markUnresolved calls mark once for the envelope and once per member
func (p *Pipeline) markUnresolved(ctx context.Context, envelopeID uuid.UUID, mark func(*dte.Envelope, *dte.Document, time.Time) (bool, error)) error {
	now := p.now()
	var (
		env     *dte.Envelope
		members []dte.Document
	)
	err := p.txScope.Execute(ctx, func(repos TransactionalRepositories) error {
		var err error
		if env, members, err = loadEnvelope(ctx, repos, envelopeID); err != nil {
			return err
		}
		env.RecordAttempt(now)
		if _, err := mark(env, nil, now); err != nil {
			return err
		}
		changed := make([]bool, len(members))
		for i := range members {
			if changed[i], err = mark(nil, &members[i], now); err != nil {
				return err
			}
		}
		return saveEnvelope(ctx, repos, env, members, changed, dte.Verdict{}, now)
	})
	if err != nil {
		return err
	}
	p.publishAll(ctx, env, members)
	return nil
}

func loadEnvelope(ctx context.Context, repos TransactionalRepositories, id uuid.UUID) (*dte.Envelope, []dte.Document, error) {
	env, err := repos.EnvelopeRepo().FindByID(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	members, err := repos.DocumentRepo().FindByIDs(ctx, env.DocumentIDs)
	if err != nil {
		return nil, nil, err
	}
	return env, members, nil
}

// saveEnvelope writes the envelope and changed members, and refreshes the
// status record of every member
func saveEnvelope(ctx context.Context, repos TransactionalRepositories, env *dte.Envelope, members []dte.Document, changed []bool, v dte.Verdict, now time.Time) error {
	if err := repos.EnvelopeRepo().Update(ctx, env); err != nil {
		return err
	}
	for i := range members {
		d := &members[i]
		if changed[i] {
			if err := repos.DocumentRepo().Update(ctx, d); err != nil {
				return err
			}
		}
		rec := d.StatusRecord(now)
		if d.State.AwaitsAuthority() && v.Code != "" {
			rec.Code = v.Code
			rec.Detail = strings.TrimSpace(v.Detail)
		}
		if err := repos.StatusRepo().Upsert(ctx, rec); err != nil {
			return err
		}
	}
	roots := make([]shared.AggregateRoot, 0, len(members)+1)
	roots = append(roots, env)
	for i := range members {
		roots = append(roots, &members[i])
	}
	return recordEvents(ctx, repos, roots...)
}

func (p *Pipeline) publishAll(ctx context.Context, env *dte.Envelope, members []dte.Document) {
	p.publish(ctx, env)
	for i := range members {
		p.publish(ctx, &members[i])
	}
}
