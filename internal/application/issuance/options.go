package issuance

import (
	"context"
	"time"

	"github.com/erp/dte/internal/domain/shared"
	"go.uber.org/zap"
)

// options are the collaborators shared by every service of the package
type options struct {
	now     func() time.Time
	logger  *zap.Logger
	archive Archive
	metrics Metrics
	events  shared.EventPublisher
}

// Option configures a service
type Option func(*options)

// WithClock replaces the wall clock, which also fixes signing timestamps
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithArchive stores copies of signed documents, envelopes and reports
func WithArchive(a Archive) Option {
	return func(o *options) {
		o.archive = a
	}
}

// WithMetrics records submission outcomes and folio stock
func WithMetrics(m Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithEventPublisher publishes domain events in process right after each
// commit, alongside the outbox copy relayed later
func WithEventPublisher(p shared.EventPublisher) Option {
	return func(o *options) {
		o.events = p
	}
}

func newOptions(opts []Option) options {
	o := options{
		now:     time.Now,
		logger:  zap.NewNop(),
		archive: noopArchive{},
		metrics: noopMetrics{},
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// recordEvents writes the pending events of roots to the transaction's
// outbox. The events stay on the aggregates for publish after commit.
func recordEvents(ctx context.Context, repos TransactionalRepositories, roots ...shared.AggregateRoot) error {
	var events []shared.DomainEvent
	for _, root := range roots {
		events = append(events, root.GetDomainEvents()...)
	}
	if len(events) == 0 {
		return nil
	}
	return repos.Outbox().Record(ctx, events...)
}

// publish hands the aggregate's pending events to the publisher. Handler
// failures are logged by the bus and never undo a committed change.
func (o *options) publish(ctx context.Context, root shared.AggregateRoot) {
	events := root.GetDomainEvents()
	if len(events) == 0 {
		return
	}
	if o.events != nil {
		_ = o.events.Publish(ctx, events...)
	}
	root.ClearDomainEvents()
}

