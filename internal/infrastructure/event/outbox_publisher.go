package event

import (
	"context"
	"time"

	"github.com/erp/dte/internal/domain/shared"
)

// OutboxRecorder writes domain events to the outbox of the current
// transaction, so they commit or roll back with the change that raised them
type OutboxRecorder struct {
	repo       shared.OutboxRepository
	serializer *EventSerializer
}

// NewOutboxRecorder creates a recorder writing through repo
func NewOutboxRecorder(repo shared.OutboxRepository, serializer *EventSerializer) *OutboxRecorder {
	return &OutboxRecorder{repo: repo, serializer: serializer}
}

// Record implements shared.EventRecorder
func (p *OutboxRecorder) Record(ctx context.Context, events ...shared.DomainEvent) error {
	if len(events) == 0 {
		return nil
	}

	entries := make([]*shared.OutboxEntry, 0, len(events))
	for _, ev := range events {
		payload, err := p.serializer.Serialize(ev)
		if err != nil {
			return err
		}
		at := ev.OccurredAt()
		if at.IsZero() {
			at = time.Now()
		}
		entries = append(entries, shared.NewOutboxEntry(ev, payload, at))
	}
	return p.repo.Save(ctx, entries...)
}

var _ shared.EventRecorder = (*OutboxRecorder)(nil)
