package router

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/erp/dte/internal/application/issuance"
	"github.com/erp/dte/internal/domain/dte"
	"github.com/erp/dte/internal/infrastructure/auth"
	"github.com/erp/dte/internal/infrastructure/authority"
	"github.com/erp/dte/internal/infrastructure/cache"
	"github.com/erp/dte/internal/infrastructure/caf"
	"github.com/erp/dte/internal/infrastructure/config"
	"github.com/erp/dte/internal/infrastructure/envelope"
	"github.com/erp/dte/internal/infrastructure/keystore"
	"github.com/erp/dte/internal/infrastructure/persistence"
	"github.com/erp/dte/internal/infrastructure/signing"
	"github.com/erp/dte/internal/infrastructure/xmldte"
	"github.com/erp/dte/internal/interfaces/http/dto"
	"github.com/erp/dte/internal/interfaces/http/handler"
	"github.com/erp/dte/internal/interfaces/http/middleware"
	"github.com/erp/dte/tests/testutil"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestRouterSetup(t *testing.T) {
	engine := gin.New()
	r := NewRouter(engine, WithAPIVersion("v2"))
	group := NewDomainGroup("test", "/test").
		Use(func(c *gin.Context) { c.Header("X-Group", "test"); c.Next() }).
		GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") }).
		PATCH("/:id", func(c *gin.Context) { c.String(http.StatusOK, c.Param("id")) })
	r.Register(group)
	r.Setup(func(c *gin.Context) { c.Header("X-API", "yes"); c.Next() })

	assert.Equal(t, "test", group.Name())
	assert.Equal(t, "/test", group.Prefix())

	w := testutil.Do(t, engine, testutil.Request{Path: "/api/v2/test/ping"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "pong", w.Body.String())
	assert.Equal(t, "test", w.Header().Get("X-Group"))
	assert.Equal(t, "yes", w.Header().Get("X-API"))

	w = testutil.Do(t, engine, testutil.Request{Method: http.MethodPatch, Path: "/api/v2/test/abc"})
	assert.Equal(t, "abc", w.Body.String())
}

// acceptingAuthority accepts every envelope once polled
type acceptingAuthority struct {
	mu     sync.Mutex
	tracks int
}

func (a *acceptingAuthority) Submit(context.Context, authority.Submission) (dte.Verdict, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tracks++
	return dte.Pending(fmt.Sprintf("T-%04d", a.tracks), "0", "Upload OK"), nil
}

func (a *acceptingAuthority) Poll(_ context.Context, trackID string) (dte.Verdict, error) {
	return dte.Accepted(trackID, "EPR", "Envio Procesado"), nil
}

type apiFixture struct {
	engine   *gin.Engine
	pipeline *issuance.Pipeline
	tokens   *auth.JWTService
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	now := time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)

	db, err := persistence.NewDatabase(&config.DatabaseConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "api.db"),
	}, zap.NewNop(), gormlogger.Silent)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.AutoMigrate())

	sealer, err := keystore.NewAgeSealer("", "")
	require.NoError(t, err)
	repos := persistence.NewRepositories(db.DB)
	scope := persistence.NewGormTransactionScope(db.DB)
	companyKey := testutil.CompanyKey(t, now)
	opts := []issuance.Option{issuance.WithClock(func() time.Time { return now })}

	cafs := issuance.NewCAFService(scope, repos, caf.NewVerifier(testutil.TrustedKeys(t)), sealer, 0, opts...)
	docs := issuance.NewDocumentService(scope, repos, xmldte.NewBuilder(xmldte.NewValidator()),
		signing.NewSigner(), caf.NewKeyLoader(sealer), companyKey, 0, opts...)
	pipeline := issuance.NewPipeline(scope, repos,
		envelope.NewPackager(envelope.Config{SenderRUT: testutil.ReceiverRUT, ResolutionNumber: 80, ResolutionDate: "2014-08-22"}),
		&acceptingAuthority{}, cache.NewLocalBranchLock(), companyKey, issuance.PipelineConfig{}, opts...)

	tokens, err := auth.NewJWTService(config.JWTConfig{Secret: "api-test-secret-with-32-characters", Issuer: "dte-engine"})
	require.NoError(t, err)

	engine, err := NewAPI(APIConfig{
		Version:   "test",
		CAFs:      cafs,
		Documents: docs,
		Poller:    pipeline,
		Health:    map[string]handler.HealthCheck{"database": db.Ping},
		Tokens:    tokens,
		RateLimit: 1000,
		RateBurst: 1000,
	})
	require.NoError(t, err)
	return &apiFixture{engine: engine, pipeline: pipeline, tokens: tokens}
}

func (f *apiFixture) call(t *testing.T, method, path string, body any, scopes ...string) *httptest.ResponseRecorder {
	t.Helper()
	token, err := f.tokens.Issue("erp-billing", scopes, time.Hour)
	require.NoError(t, err)
	req := testutil.Request{Method: method, Path: path, Body: body, Headers: map[string]string{
		middleware.AuthHeaderKey: middleware.BearerPrefix + token,
	}}
	if raw, ok := body.([]byte); ok {
		req.Body = nil
		req.Raw = raw
	}
	return testutil.Do(t, f.engine, req)
}

func TestAPI_IssueAndTrack(t *testing.T) {
	f := newAPIFixture(t)

	w := testutil.Do(t, f.engine, testutil.Request{Path: "/health"})
	assert.Equal(t, http.StatusOK, w.Code)

	w = testutil.Do(t, f.engine, testutil.Request{Path: "/api/v1/cafs"})
	testutil.AssertErrorCode(t, w, http.StatusUnauthorized, dto.ErrCodeUnauthorized)

	raw := testutil.CAFXML(t, testutil.CAFSpec{From: 1, To: 10})
	w = f.call(t, http.MethodPost, "/api/v1/cafs?branch=main", raw, auth.ScopeRead)
	testutil.AssertErrorCode(t, w, http.StatusForbidden, dto.ErrCodeForbidden)

	w = f.call(t, http.MethodPost, "/api/v1/cafs?branch=main", raw, auth.ScopeCAF)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	cafSummary := testutil.DecodeData[issuance.CAFSummary](t, w)
	assert.EqualValues(t, 10, cafSummary.Remaining)

	issue := issuance.IssueRequest{DocType: dte.TypeInvoice, Branch: "main", Payload: testutil.InvoicePayload()}
	w = f.call(t, http.MethodPost, "/api/v1/documents", issue, auth.ScopeIssue)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	issued := testutil.DecodeData[issuance.IssueResult](t, w)
	assert.EqualValues(t, 1, issued.Folio)

	bad := issue
	bad.Payload.Lines = nil
	w = f.call(t, http.MethodPost, "/api/v1/documents", bad, auth.ScopeIssue)
	testutil.AssertErrorCode(t, w, http.StatusUnprocessableEntity, dte.CodeSchemaValidation)

	statusPath := "/api/v1/documents/" + issued.DocumentID.String() + "/status"
	w = f.call(t, http.MethodGet, statusPath, nil, auth.ScopeRead)
	assert.Equal(t, dte.StateSigned, testutil.DecodeData[dte.StatusRecord](t, w).State)

	require.NoError(t, f.pipeline.Dispatch(t.Context()))

	w = f.call(t, http.MethodPost, "/api/v1/documents/"+issued.DocumentID.String()+"/poll", nil, auth.ScopeRead)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, dte.StateAccepted, testutil.DecodeData[dte.StatusRecord](t, w).State)

	w = f.call(t, http.MethodPost, "/api/v1/documents/"+issued.DocumentID.String()+"/requeue", nil, auth.ScopeOperate)
	testutil.AssertErrorCode(t, w, http.StatusUnprocessableEntity, dto.ErrCodeInvalidState)

	w = f.call(t, http.MethodGet, "/api/v1/cafs/"+cafSummary.ID.String()+"/voided-folios", nil, auth.ScopeRead)
	report := testutil.DecodeData[issuance.VoidedFoliosReport](t, w)
	assert.Empty(t, report.Folios)

	w = f.call(t, http.MethodGet, "/api/v1/nowhere", nil, auth.ScopeRead)
	testutil.AssertErrorCode(t, w, http.StatusNotFound, dto.ErrCodeNotFound)
}

func TestAPI_IdempotentIssue(t *testing.T) {
	f := newAPIFixture(t)
	raw := testutil.CAFXML(t, testutil.CAFSpec{From: 1, To: 10})
	require.Equal(t, http.StatusCreated, f.call(t, http.MethodPost, "/api/v1/cafs?branch=main", raw, auth.ScopeCAF).Code)

	token, err := f.tokens.Issue("erp-billing", []string{auth.ScopeIssue}, time.Hour)
	require.NoError(t, err)
	issue := testutil.Request{
		Method: http.MethodPost,
		Path:   "/api/v1/documents",
		Body:   issuance.IssueRequest{DocType: dte.TypeInvoice, Branch: "main", Payload: testutil.InvoicePayload()},
		Headers: map[string]string{
			middleware.AuthHeaderKey:     middleware.BearerPrefix + token,
			middleware.IdempotencyHeader: "order-7781",
		},
	}

	first := testutil.DecodeData[issuance.IssueResult](t, testutil.Do(t, f.engine, issue))
	second := testutil.DecodeData[issuance.IssueResult](t, testutil.Do(t, f.engine, issue))
	assert.Equal(t, first.DocumentID, second.DocumentID)
	assert.EqualValues(t, 1, second.Folio)

	issue.Headers[middleware.IdempotencyHeader] = "order-7782"
	third := testutil.DecodeData[issuance.IssueResult](t, testutil.Do(t, f.engine, issue))
	assert.EqualValues(t, 2, third.Folio)
}

func TestAPI_SwaggerDocs(t *testing.T) {
	tokens, err := auth.NewJWTService(config.JWTConfig{Secret: "api-test-secret-with-32-characters", Issuer: "dte-engine"})
	require.NoError(t, err)
	build := func(t *testing.T, sw middleware.SwaggerConfig) *gin.Engine {
		t.Helper()
		engine, err := NewAPI(APIConfig{Version: "test", Tokens: tokens, Swagger: sw})
		require.NoError(t, err)
		return engine
	}

	t.Run("disabled", func(t *testing.T) {
		w := testutil.Do(t, build(t, middleware.SwaggerConfig{}), testutil.Request{Path: "/swagger/doc.json"})
		testutil.AssertErrorCode(t, w, http.StatusNotFound, dto.ErrCodeNotFound)
	})

	t.Run("serves the API description", func(t *testing.T) {
		w := testutil.Do(t, build(t, middleware.SwaggerConfig{Enabled: true}), testutil.Request{Path: "/swagger/doc.json"})
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), "DTE Issuance Engine API")
		assert.Contains(t, w.Body.String(), "/documents/{id}/reissue")
		assert.Contains(t, w.Body.String(), "/cafs/hide-exhausted")
	})

	t.Run("address outside the allowlist", func(t *testing.T) {
		engine := build(t, middleware.SwaggerConfig{Enabled: true, AllowedIPs: []string{"10.0.0.0/8"}})
		w := testutil.Do(t, engine, testutil.Request{Path: "/swagger/doc.json"})
		testutil.AssertErrorCode(t, w, http.StatusForbidden, dto.ErrCodeForbidden)
	})

	t.Run("operator token required", func(t *testing.T) {
		engine := build(t, middleware.SwaggerConfig{Enabled: true, RequireAuth: true, AllowedIPs: []string{"192.0.2.0/24"}})
		w := testutil.Do(t, engine, testutil.Request{Path: "/swagger/doc.json"})
		testutil.AssertErrorCode(t, w, http.StatusUnauthorized, dto.ErrCodeUnauthorized)

		token, err := tokens.Issue("docs-reader", []string{auth.ScopeRead}, time.Hour)
		require.NoError(t, err)
		w = testutil.Do(t, engine, testutil.Request{Path: "/swagger/doc.json", Headers: map[string]string{
			middleware.AuthHeaderKey: middleware.BearerPrefix + token,
		}})
		assert.Equal(t, http.StatusOK, w.Code)
	})
}
