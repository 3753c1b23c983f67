package issuance_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/erp/dte/internal/application/issuance"
	"github.com/erp/dte/internal/domain/dte"
	"github.com/erp/dte/internal/infrastructure/authority"
	"github.com/erp/dte/internal/infrastructure/cache"
	"github.com/erp/dte/internal/infrastructure/caf"
	"github.com/erp/dte/internal/infrastructure/config"
	"github.com/erp/dte/internal/infrastructure/envelope"
	"github.com/erp/dte/internal/infrastructure/event"
	"github.com/erp/dte/internal/infrastructure/keystore"
	"github.com/erp/dte/internal/infrastructure/persistence"
	"github.com/erp/dte/internal/infrastructure/signing"
	"github.com/erp/dte/internal/infrastructure/storage"
	"github.com/erp/dte/internal/infrastructure/xmldte"
	"github.com/erp/dte/tests/testutil"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"
)

var testNow = time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)

type harness struct {
	now      time.Time
	repos    *persistence.Repositories
	cafs     *issuance.CAFService
	docs     *issuance.DocumentService
	pipeline *issuance.Pipeline
	auth     *scriptedAuthority
	signer   *flakySigner
	archive  *storage.MemoryArchive
	events   *testutil.EventRecorder
	relayed  *testutil.EventRecorder
	relay    *event.OutboxRelay
}

func newHarness(t *testing.T, cfg issuance.PipelineConfig) *harness {
	t.Helper()
	db, err := persistence.NewDatabase(&config.DatabaseConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "dte.db"),
	}, zap.NewNop(), gormlogger.Silent)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.AutoMigrate())

	sealer, err := keystore.NewAgeSealer("", "")
	require.NoError(t, err)

	h := &harness{
		now:     testNow,
		repos:   persistence.NewRepositories(db.DB),
		auth:    &scriptedAuthority{polls: map[string]dte.Verdict{}},
		signer:  &flakySigner{next: signing.NewSigner()},
		archive: storage.NewMemoryArchive(),
		events:  testutil.NewEventRecorder(),
	}
	bus := event.NewInMemoryEventBus(zap.NewNop())
	bus.Subscribe(h.events)

	h.relayed = testutil.NewEventRecorder()
	relayBus := event.NewInMemoryEventBus(zap.NewNop())
	relayBus.Subscribe(h.relayed)
	h.relay = event.NewOutboxRelay(event.NewGormOutboxRepository(db.DB), relayBus, event.NewDTESerializer(),
		event.OutboxRelayConfig{}, zap.NewNop(), event.WithRelayClock(func() time.Time { return h.now }))

	opts := []issuance.Option{
		issuance.WithClock(func() time.Time { return h.now }),
		issuance.WithArchive(h.archive),
		issuance.WithEventPublisher(bus),
	}
	scope := persistence.NewGormTransactionScope(db.DB)
	companyKey := testutil.CompanyKey(t, testNow)

	h.cafs = issuance.NewCAFService(scope, h.repos, caf.NewVerifier(testutil.TrustedKeys(t)), sealer, 0, opts...)
	h.docs = issuance.NewDocumentService(scope, h.repos,
		xmldte.NewBuilder(xmldte.NewValidator()), h.signer, caf.NewKeyLoader(sealer),
		companyKey, 0, opts...)
	h.pipeline = issuance.NewPipeline(scope, h.repos,
		envelope.NewPackager(envelope.Config{SenderRUT: testutil.ReceiverRUT, ResolutionNumber: 80, ResolutionDate: "2014-08-22"}),
		h.auth, cache.NewLocalBranchLock(), companyKey, cfg, opts...)
	return h
}

func (h *harness) ingest(t *testing.T, branch string, from, to int64) *issuance.CAFSummary {
	t.Helper()
	summary, err := h.cafs.Ingest(t.Context(), issuance.IngestCAFRequest{
		Branch: branch,
		Raw:    testutil.CAFXML(t, testutil.CAFSpec{From: from, To: to}),
	})
	require.NoError(t, err)
	return summary
}

func (h *harness) issueInvoice(t *testing.T, branch string) *issuance.IssueResult {
	t.Helper()
	res, err := h.docs.IssueDocument(t.Context(), issuance.IssueRequest{
		DocType: dte.TypeInvoice,
		Branch:  branch,
		Payload: testutil.InvoicePayload(),
	})
	require.NoError(t, err)
	return res
}

func (h *harness) document(t *testing.T, id uuid.UUID) *dte.Document {
	t.Helper()
	doc, err := h.repos.DocumentRepo().FindByID(context.Background(), id)
	require.NoError(t, err)
	return doc
}

func (h *harness) envelopes(t *testing.T, states ...dte.EnvelopeState) []dte.Envelope {
	t.Helper()
	envs, err := h.repos.EnvelopeRepo().FindByStates(context.Background(), states, 0)
	require.NoError(t, err)
	return envs
}

func (h *harness) eventTypes() []string {
	return h.events.Types()
}

// flakySigner fails the calls whose 1-based index is listed in failOn
type flakySigner struct {
	next   issuance.DocumentSigner
	mu     sync.Mutex
	calls  int
	failOn map[int]bool
}

func (s *flakySigner) Sign(canonical dte.CanonicalXML, key dte.FolioKey, companyKey dte.CompanyKey, at time.Time) (dte.SignedXML, error) {
	s.mu.Lock()
	s.calls++
	fail := s.failOn[s.calls]
	s.mu.Unlock()
	if fail {
		return nil, dte.NewSigningError("hardware token removed", errors.New("pkcs11: device error"))
	}
	return s.next.Sign(canonical, key, companyKey, at)
}

type submitFunc func(authority.Submission) (dte.Verdict, error)

// scriptedAuthority answers submits from a queue and polls from a table
type scriptedAuthority struct {
	mu        sync.Mutex
	submits   []submitFunc
	polls     map[string]dte.Verdict
	submitted []authority.Submission
	polled    []string
	pollErr   error
}

func (a *scriptedAuthority) onSubmit(fns ...submitFunc) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.submits = append(a.submits, fns...)
}

func (a *scriptedAuthority) setPoll(trackID string, v dte.Verdict) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.polls[trackID] = v
}

func (a *scriptedAuthority) Submit(_ context.Context, s authority.Submission) (dte.Verdict, error) {
	a.mu.Lock()
	a.submitted = append(a.submitted, s)
	if len(a.submits) == 0 {
		a.mu.Unlock()
		return dte.Verdict{}, errors.New("unexpected submit")
	}
	fn := a.submits[0]
	a.submits = a.submits[1:]
	a.mu.Unlock()
	return fn(s)
}

func (a *scriptedAuthority) failPolls(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pollErr = err
}

func (a *scriptedAuthority) Poll(_ context.Context, trackID string) (dte.Verdict, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.polled = append(a.polled, trackID)
	if a.pollErr != nil {
		return dte.Verdict{}, a.pollErr
	}
	v, ok := a.polls[trackID]
	if !ok {
		return dte.Pending(trackID, "EPR", "En proceso"), nil
	}
	return v, nil
}

func (a *scriptedAuthority) submissions() []authority.Submission {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]authority.Submission(nil), a.submitted...)
}

func pending(track string) submitFunc {
	return func(authority.Submission) (dte.Verdict, error) {
		return dte.Pending(track, "0", "Upload OK"), nil
	}
}

func rejecting(class dte.RejectionClass, code, detail string) submitFunc {
	return func(authority.Submission) (dte.Verdict, error) {
		return dte.Rejected("", class, code, detail), nil
	}
}

func ambiguous() submitFunc {
	return func(s authority.Submission) (dte.Verdict, error) {
		return dte.Verdict{}, &dte.UnknownSubmissionStateError{
			EnvelopeID: s.EnvelopeID,
			SetID:      s.SetID,
			Err:        errors.New("read tcp: connection reset by peer"),
		}
	}
}

func refusing(status int, detail string) submitFunc {
	return func(authority.Submission) (dte.Verdict, error) {
		return dte.Verdict{}, &dte.SubmissionRefusedError{Status: status, Detail: detail}
	}
}

func unreachable() submitFunc {
	return func(authority.Submission) (dte.Verdict, error) {
		return dte.Verdict{}, &dte.TransportTimeoutError{
			Attempts: 5,
			Elapsed:  90 * time.Second,
			Err:      errors.New("dial tcp: i/o timeout"),
		}
	}
}
