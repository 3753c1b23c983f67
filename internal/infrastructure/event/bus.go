// Package event delivers domain events raised by the issuance pipeline to
// in-process subscribers such as metrics and audit logging.
package event

import (
	"context"
	"fmt"
	"sync"

	"github.com/erp/dte/internal/domain/shared"
	"go.uber.org/zap"
)

const allEvents = "*"

// InMemoryEventBus dispatches events synchronously to registered handlers.
// Handler failures are logged and never reach the publisher: by the time an
// event is published the state change it describes is already committed.
type InMemoryEventBus struct {
	mu       sync.RWMutex
	handlers map[string][]shared.EventHandler
	logger   *zap.Logger
}

// NewInMemoryEventBus creates a new in-memory event bus
func NewInMemoryEventBus(logger *zap.Logger) *InMemoryEventBus {
	return &InMemoryEventBus{
		handlers: make(map[string][]shared.EventHandler),
		logger:   logger.Named("event_bus"),
	}
}

// Subscribe registers a handler. Without explicit types the handler's own
// EventTypes are used; an empty list subscribes to everything.
func (b *InMemoryEventBus) Subscribe(handler shared.EventHandler, eventTypes ...string) {
	if len(eventTypes) == 0 {
		eventTypes = handler.EventTypes()
	}
	if len(eventTypes) == 0 {
		eventTypes = []string{allEvents}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range eventTypes {
		b.handlers[t] = append(b.handlers[t], handler)
	}
}

// Publish delivers each event to its handlers in subscription order
func (b *InMemoryEventBus) Publish(ctx context.Context, events ...shared.DomainEvent) error {
	for _, ev := range events {
		for _, h := range b.handlersFor(ev.EventType()) {
			if err := b.dispatch(ctx, h, ev); err != nil {
				b.logger.Error("handler failed to process event",
					zap.String("event_type", ev.EventType()),
					zap.String("event_id", ev.EventID().String()),
					zap.String("aggregate_id", ev.AggregateID().String()),
					zap.Error(err),
				)
			}
		}
	}
	return nil
}

func (b *InMemoryEventBus) handlersFor(eventType string) []shared.EventHandler {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]shared.EventHandler, 0, len(b.handlers[eventType])+len(b.handlers[allEvents]))
	out = append(out, b.handlers[eventType]...)
	return append(out, b.handlers[allEvents]...)
}

func (b *InMemoryEventBus) dispatch(ctx context.Context, h shared.EventHandler, ev shared.DomainEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return h.Handle(ctx, ev)
}

// LoggingHandler writes every event to the audit log
type LoggingHandler struct {
	logger *zap.Logger
}

// NewLoggingHandler creates a LoggingHandler
func NewLoggingHandler(logger *zap.Logger) *LoggingHandler {
	return &LoggingHandler{logger: logger.Named("audit")}
}

// Handle implements shared.EventHandler
func (h *LoggingHandler) Handle(_ context.Context, ev shared.DomainEvent) error {
	h.logger.Info("domain event",
		zap.String("event_type", ev.EventType()),
		zap.String("event_id", ev.EventID().String()),
		zap.String("aggregate_type", ev.AggregateType()),
		zap.String("aggregate_id", ev.AggregateID().String()),
		zap.Time("occurred_at", ev.OccurredAt()),
	)
	return nil
}

// EventTypes implements shared.EventHandler
func (h *LoggingHandler) EventTypes() []string { return nil }

var (
	_ shared.EventBus     = (*InMemoryEventBus)(nil)
	_ shared.EventHandler = (*LoggingHandler)(nil)
)
