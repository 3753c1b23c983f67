package testutil

import (
	"context"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/erp/dte/internal/domain/dte"
	"github.com/erp/dte/internal/domain/shared"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// EventRecorder is a bus subscriber that keeps the document events it
// receives in arrival order. With no event types it receives all of them.
type EventRecorder struct {
	mu     sync.Mutex
	types  []string
	events []shared.DomainEvent
	err    error
}

// NewEventRecorder creates a recorder subscribed to eventTypes
func NewEventRecorder(eventTypes ...string) *EventRecorder {
	return &EventRecorder{types: eventTypes}
}

// EventTypes implements shared.EventHandler
func (r *EventRecorder) EventTypes() []string { return r.types }

// Handle records the event and returns the error set by FailWith
func (r *EventRecorder) Handle(_ context.Context, event shared.DomainEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return r.err
}

// FailWith makes later Handle calls return err; nil restores success
func (r *EventRecorder) FailWith(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

// Events returns a copy of every recorded event
func (r *EventRecorder) Events() []shared.DomainEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.events)
}

// Count returns how many events were recorded
func (r *EventRecorder) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

// Types returns the type of every recorded event in arrival order
func (r *EventRecorder) Types() []string {
	var out []string
	for _, ev := range r.Events() {
		out = append(out, ev.EventType())
	}
	return out
}

// OfType returns the recorded events of one type
func (r *EventRecorder) OfType(eventType string) []shared.DomainEvent {
	var out []shared.DomainEvent
	for _, ev := range r.Events() {
		if ev.EventType() == eventType {
			out = append(out, ev)
		}
	}
	return out
}

// ForDocument returns the types of the events raised by one document
func (r *EventRecorder) ForDocument(id uuid.UUID) []string {
	var out []string
	for _, ev := range r.Events() {
		if ev.AggregateType() == dte.AggregateTypeDocument && ev.AggregateID() == id {
			out = append(out, ev.EventType())
		}
	}
	return out
}

// WaitFor polls until at least n events are recorded or timeout passes
func (r *EventRecorder) WaitFor(t testing.TB, n int, timeout time.Duration) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if r.Count() >= n {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return r.Count() >= n
}

// SignedInvoiceEvent builds the DocumentSigned event of a fixture invoice
// holding folio on the main branch.
func SignedInvoiceEvent(t testing.TB, folio int64) *dte.DocumentSignedEvent {
	t.Helper()
	doc, err := dte.NewDocument(dte.TypeInvoice, "main", InvoicePayload(), time.Now())
	require.NoError(t, err)
	doc.Folio = folio
	return dte.NewDocumentSignedEvent(doc)
}
