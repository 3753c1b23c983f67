//go:build integration

package integration

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/erp/dte/internal/application/issuance"
	"github.com/erp/dte/internal/domain/dte"
	"github.com/erp/dte/internal/domain/shared"
	"github.com/erp/dte/internal/infrastructure/caf"
	"github.com/erp/dte/internal/infrastructure/event"
	"github.com/erp/dte/internal/infrastructure/keystore"
	"github.com/erp/dte/internal/infrastructure/persistence"
	"github.com/erp/dte/internal/infrastructure/signing"
	"github.com/erp/dte/internal/infrastructure/xmldte"
	"github.com/erp/dte/tests/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var testNow = time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)

func newServices(t *testing.T, tdb *TestDB) (*issuance.CAFService, *issuance.DocumentService) {
	t.Helper()
	sealer, err := keystore.NewAgeSealer("", "")
	require.NoError(t, err)
	repos := persistence.NewRepositories(tdb.DB)
	scope := persistence.NewGormTransactionScope(tdb.DB)
	opts := []issuance.Option{issuance.WithClock(func() time.Time { return testNow })}

	cafs := issuance.NewCAFService(scope, repos, caf.NewVerifier(testutil.TrustedKeys(t)), sealer, 0, opts...)
	docs := issuance.NewDocumentService(scope, repos, xmldte.NewBuilder(xmldte.NewValidator()),
		signing.NewSigner(), caf.NewKeyLoader(sealer), testutil.CompanyKey(t, testNow), 0, opts...)
	return cafs, docs
}

func TestPostgres_ConcurrentIssuanceAssignsEachFolioOnce(t *testing.T) {
	tdb := NewTestDB(t)
	cafs, docs := newServices(t, tdb)
	ctx := context.Background()

	_, err := cafs.Ingest(ctx, issuance.IngestCAFRequest{
		Branch: "main",
		Raw:    testutil.CAFXML(t, testutil.CAFSpec{From: 1, To: 30}),
	})
	require.NoError(t, err)

	const workers = 20
	var (
		mu     sync.Mutex
		folios []int64
		wg     sync.WaitGroup
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := docs.IssueDocument(ctx, issuance.IssueRequest{
				DocType: dte.TypeInvoice,
				Branch:  "main",
				Payload: testutil.InvoicePayload(),
			})
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			folios = append(folios, res.Folio)
			mu.Unlock()
		}()
	}
	wg.Wait()

	sort.Slice(folios, func(i, j int) bool { return folios[i] < folios[j] })
	require.Len(t, folios, workers)
	for i, f := range folios {
		assert.EqualValues(t, i+1, f, "folios are dense and unique")
	}
}

func TestPostgres_OutboxRelayDeliversSignedEvents(t *testing.T) {
	tdb := NewTestDB(t)
	cafs, docs := newServices(t, tdb)
	ctx := context.Background()

	_, err := cafs.Ingest(ctx, issuance.IngestCAFRequest{
		Branch: "main",
		Raw:    testutil.CAFXML(t, testutil.CAFSpec{From: 1, To: 5}),
	})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := docs.IssueDocument(ctx, issuance.IssueRequest{
			DocType: dte.TypeInvoice, Branch: "main", Payload: testutil.InvoicePayload(),
		})
		require.NoError(t, err)
	}

	handler := testutil.NewEventRecorder(dte.EventTypeDocumentSigned)
	bus := event.NewInMemoryEventBus(zap.NewNop())
	bus.Subscribe(handler)
	repo := event.NewGormOutboxRepository(tdb.DB)
	relay := event.NewOutboxRelay(repo, bus, event.NewDTESerializer(), event.OutboxRelayConfig{}, zap.NewNop())

	sent, err := relay.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, sent)
	assert.Equal(t, 3, handler.Count())
	assert.Len(t, handler.OfType(dte.EventTypeDocumentSigned), 3)

	counts, err := relay.Backlog(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, counts[shared.OutboxStatusSent])
	assert.Zero(t, counts[shared.OutboxStatusPending])
}
