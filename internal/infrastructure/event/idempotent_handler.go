package event

import (
	"context"
	"sync/atomic"

	"github.com/erp/dte/internal/domain/shared"
	"go.uber.org/zap"
)

// IdempotencyStats is a snapshot of an idempotent handler's counters
type IdempotencyStats struct {
	EventsProcessed int64 `json:"events_processed"`
	EventsDuplicate int64 `json:"events_duplicate"`
	EventsFailed    int64 `json:"events_failed"`
}

// IdempotentHandler wraps an EventHandler so that each event reaches it at
// most once per TTL, even when the relay redelivers it. Keys are scoped by
// consumer name so two consumers of the same event do not shadow each other.
type IdempotentHandler struct {
	name    string
	handler shared.EventHandler
	store   shared.ProcessedEventStore
	config  shared.IdempotencyConfig
	logger  *zap.Logger

	processed atomic.Int64
	duplicate atomic.Int64
	failed    atomic.Int64
}

// IdempotentHandlerOption is a functional option for IdempotentHandler
type IdempotentHandlerOption func(*IdempotentHandler)

// WithIdempotencyConfig sets the idempotency configuration
func WithIdempotencyConfig(config shared.IdempotencyConfig) IdempotentHandlerOption {
	return func(h *IdempotentHandler) {
		h.config = config
	}
}

// NewIdempotentHandler creates a new idempotent handler wrapper
func NewIdempotentHandler(
	name string,
	handler shared.EventHandler,
	store shared.ProcessedEventStore,
	logger *zap.Logger,
	opts ...IdempotentHandlerOption,
) *IdempotentHandler {
	h := &IdempotentHandler{
		name:    name,
		handler: handler,
		store:   store,
		config:  shared.DefaultIdempotencyConfig(),
		logger:  logger,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// EventTypes returns the event types this handler is interested in
func (h *IdempotentHandler) EventTypes() []string {
	return h.handler.EventTypes()
}

// Handle processes the event unless this consumer already saw it
func (h *IdempotentHandler) Handle(ctx context.Context, event shared.DomainEvent) error {
	if !h.config.Enabled || h.store == nil {
		return h.handler.Handle(ctx, event)
	}

	eventID := event.EventID().String()
	isNew, err := h.store.MarkProcessed(ctx, h.name+":"+eventID, h.config.TTL)
	if err != nil {
		// A store outage must not drop events; duplicates are tolerable.
		h.logger.Warn("failed to check idempotency, processing anyway",
			zap.String("consumer", h.name),
			zap.String("event_id", eventID),
			zap.Error(err),
		)
	} else if !isNew {
		h.duplicate.Add(1)
		h.logger.Debug("duplicate event skipped",
			zap.String("consumer", h.name),
			zap.String("event_id", eventID),
			zap.String("event_type", event.EventType()),
		)
		return nil
	}

	if err := h.handler.Handle(ctx, event); err != nil {
		h.failed.Add(1)
		return err
	}
	h.processed.Add(1)
	return nil
}

// Stats returns a snapshot of the handler's counters
func (h *IdempotentHandler) Stats() IdempotencyStats {
	return IdempotencyStats{
		EventsProcessed: h.processed.Load(),
		EventsDuplicate: h.duplicate.Load(),
		EventsFailed:    h.failed.Load(),
	}
}

var _ shared.EventHandler = (*IdempotentHandler)(nil)
