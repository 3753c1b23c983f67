package event

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/erp/dte/internal/domain/shared"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type testEvent struct {
	shared.BaseDomainEvent
}

func newTestEvent(eventType string) *testEvent {
	return &testEvent{
		BaseDomainEvent: shared.NewBaseDomainEvent(eventType, "Document", uuid.New(), time.Now()),
	}
}

type testHandler struct {
	mu      sync.Mutex
	types   []string
	handled []string
	err     error
	panics  bool
}

func (h *testHandler) Handle(_ context.Context, ev shared.DomainEvent) error {
	if h.panics {
		panic("boom")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handled = append(h.handled, ev.EventType())
	return h.err
}

func (h *testHandler) EventTypes() []string { return h.types }

func TestInMemoryEventBus_RoutesByType(t *testing.T) {
	bus := NewInMemoryEventBus(zap.NewNop())
	signed := &testHandler{types: []string{"DocumentSigned"}}
	all := &testHandler{}
	bus.Subscribe(signed)
	bus.Subscribe(all)

	err := bus.Publish(context.Background(), newTestEvent("DocumentSigned"), newTestEvent("FolioVoided"))
	assert.NoError(t, err)

	assert.Equal(t, []string{"DocumentSigned"}, signed.handled)
	assert.Equal(t, []string{"DocumentSigned", "FolioVoided"}, all.handled)
}

func TestInMemoryEventBus_ExplicitTypesOverrideHandler(t *testing.T) {
	bus := NewInMemoryEventBus(zap.NewNop())
	h := &testHandler{types: []string{"DocumentSigned"}}
	bus.Subscribe(h, "DocumentAccepted")

	_ = bus.Publish(context.Background(), newTestEvent("DocumentSigned"), newTestEvent("DocumentAccepted"))
	assert.Equal(t, []string{"DocumentAccepted"}, h.handled)
}

func TestInMemoryEventBus_HandlerFailuresAreIsolated(t *testing.T) {
	core, recorded := observer.New(zapcore.ErrorLevel)
	bus := NewInMemoryEventBus(zap.New(core))
	failing := &testHandler{err: errors.New("down")}
	panicking := &testHandler{panics: true}
	healthy := &testHandler{}
	bus.Subscribe(failing)
	bus.Subscribe(panicking)
	bus.Subscribe(healthy)

	err := bus.Publish(context.Background(), newTestEvent("SubmissionFailed"))
	assert.NoError(t, err)
	assert.Equal(t, []string{"SubmissionFailed"}, healthy.handled)
	assert.Equal(t, 2, recorded.FilterMessage("handler failed to process event").Len())
}

func TestLoggingHandler(t *testing.T) {
	core, recorded := observer.New(zapcore.InfoLevel)
	h := NewLoggingHandler(zap.New(core))
	ev := newTestEvent("DocumentRejected")

	assert.NoError(t, h.Handle(context.Background(), ev))
	entries := recorded.All()
	assert.Len(t, entries, 1)
	assert.Equal(t, ev.AggregateID().String(), entries[0].ContextMap()["aggregate_id"])
	assert.Nil(t, h.EventTypes())
}
