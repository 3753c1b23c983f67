package event

import (
	"context"
	"time"

	"github.com/erp/dte/internal/domain/shared"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// OutboxRelayConfig holds configuration for the outbox relay
type OutboxRelayConfig struct {
	BatchSize int
	Retention time.Duration
}

// DefaultOutboxRelayConfig returns default configuration
func DefaultOutboxRelayConfig() OutboxRelayConfig {
	return OutboxRelayConfig{
		BatchSize: 100,
		Retention: 7 * 24 * time.Hour,
	}
}

// OutboxRelay moves committed outbox entries to the event bus. It does not
// own a loop; the scheduler calls RunOnce and Cleanup on its own cadence.
type OutboxRelay struct {
	repo       shared.OutboxRepository
	publisher  shared.EventPublisher
	serializer *EventSerializer
	config     OutboxRelayConfig
	logger     *zap.Logger
	now        func() time.Time
}

// OutboxRelayOption configures an OutboxRelay
type OutboxRelayOption func(*OutboxRelay)

// WithRelayClock overrides the relay's clock
func WithRelayClock(now func() time.Time) OutboxRelayOption {
	return func(r *OutboxRelay) { r.now = now }
}

// NewOutboxRelay creates a new outbox relay
func NewOutboxRelay(
	repo shared.OutboxRepository,
	publisher shared.EventPublisher,
	serializer *EventSerializer,
	config OutboxRelayConfig,
	logger *zap.Logger,
	opts ...OutboxRelayOption,
) *OutboxRelay {
	defaults := DefaultOutboxRelayConfig()
	if config.BatchSize <= 0 {
		config.BatchSize = defaults.BatchSize
	}
	if config.Retention <= 0 {
		config.Retention = defaults.Retention
	}
	r := &OutboxRelay{
		repo:       repo,
		publisher:  publisher,
		serializer: serializer,
		config:     config,
		logger:     logger.Named("outbox_relay"),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RunOnce relays one batch of pending entries and one batch of entries due
// for retry. It returns the number of entries delivered.
func (r *OutboxRelay) RunOnce(ctx context.Context) (int, error) {
	pending, err := r.repo.FindPending(ctx, r.config.BatchSize)
	if err != nil {
		return 0, err
	}
	sent, err := r.relay(ctx, pending)
	if err != nil {
		return sent, err
	}

	retryable, err := r.repo.FindRetryable(ctx, r.now(), r.config.BatchSize)
	if err != nil {
		return sent, err
	}
	more, err := r.relay(ctx, retryable)
	return sent + more, err
}

func (r *OutboxRelay) relay(ctx context.Context, entries []*shared.OutboxEntry) (int, error) {
	if len(entries) == 0 {
		return 0, nil
	}
	ids := make([]uuid.UUID, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}

	claimed, err := r.repo.MarkProcessing(ctx, ids, r.now())
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, entry := range claimed {
		if r.deliver(ctx, entry) {
			sent++
		}
	}
	return sent, nil
}

func (r *OutboxRelay) deliver(ctx context.Context, entry *shared.OutboxEntry) bool {
	ev, err := r.serializer.Deserialize(entry.EventType, entry.Payload)
	if err == nil {
		err = r.publisher.Publish(ctx, ev)
	}
	if err != nil {
		entry.MarkFailed(err.Error(), r.now())
		fields := []zap.Field{
			zap.String("event_id", entry.EventID.String()),
			zap.String("event_type", entry.EventType),
			zap.String("aggregate_id", entry.AggregateID.String()),
			zap.Int("retry_count", entry.RetryCount),
			zap.Error(err),
		}
		if entry.IsDead() {
			r.logger.Warn("event moved to dead letter queue", fields...)
		} else {
			r.logger.Error("failed to relay event", fields...)
		}
		if updateErr := r.repo.Update(ctx, entry); updateErr != nil {
			r.logger.Error("failed to update outbox entry", zap.Error(updateErr))
		}
		return false
	}

	entry.MarkSent(r.now())
	if err := r.repo.Update(ctx, entry); err != nil {
		r.logger.Error("failed to mark outbox entry as sent",
			zap.String("event_id", entry.EventID.String()),
			zap.Error(err),
		)
		return false
	}
	r.logger.Debug("event relayed",
		zap.String("event_id", entry.EventID.String()),
		zap.String("event_type", entry.EventType),
	)
	return true
}

// Cleanup removes delivered entries older than the retention window
func (r *OutboxRelay) Cleanup(ctx context.Context) (int64, error) {
	cutoff := r.now().Add(-r.config.Retention)
	deleted, err := r.repo.DeleteSentBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if deleted > 0 {
		r.logger.Info("cleaned up outbox entries",
			zap.Int64("deleted", deleted),
			zap.Time("cutoff", cutoff),
		)
	}
	return deleted, nil
}

// Backlog reports the number of entries per status
func (r *OutboxRelay) Backlog(ctx context.Context) (map[shared.OutboxStatus]int64, error) {
	return r.repo.CountByStatus(ctx)
}
