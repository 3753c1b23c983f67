package handler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/erp/dte/internal/application/issuance"
	"github.com/erp/dte/internal/domain/dte"
	"github.com/erp/dte/internal/domain/shared"
	"github.com/erp/dte/internal/interfaces/http/dto"
	"github.com/erp/dte/internal/interfaces/http/middleware"
	"github.com/erp/dte/tests/testutil"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// MockCAFUseCases implements CAFUseCases for testing
type MockCAFUseCases struct {
	mock.Mock
}

func (m *MockCAFUseCases) Ingest(ctx context.Context, req issuance.IngestCAFRequest) (*issuance.CAFSummary, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*issuance.CAFSummary), args.Error(1)
}

func (m *MockCAFUseCases) List(ctx context.Context) ([]issuance.CAFSummary, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]issuance.CAFSummary), args.Error(1)
}

func (m *MockCAFUseCases) SetVisibility(ctx context.Context, id uuid.UUID, hidden bool) (*issuance.CAFSummary, error) {
	args := m.Called(ctx, id, hidden)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*issuance.CAFSummary), args.Error(1)
}

func (m *MockCAFUseCases) HideExhausted(ctx context.Context, branch string) (int, error) {
	args := m.Called(ctx, branch)
	return args.Int(0), args.Error(1)
}

func (m *MockCAFUseCases) ReportVoidedFolios(ctx context.Context, id uuid.UUID) (*issuance.VoidedFoliosReport, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*issuance.VoidedFoliosReport), args.Error(1)
}

// MockDocumentUseCases implements DocumentUseCases and StatusPoller for testing
type MockDocumentUseCases struct {
	mock.Mock
}

func (m *MockDocumentUseCases) IssueDocument(ctx context.Context, req issuance.IssueRequest) (*issuance.IssueResult, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*issuance.IssueResult), args.Error(1)
}

func (m *MockDocumentUseCases) Reissue(ctx context.Context, id uuid.UUID) (*issuance.IssueResult, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*issuance.IssueResult), args.Error(1)
}

func (m *MockDocumentUseCases) record(args mock.Arguments) (*dte.StatusRecord, error) {
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*dte.StatusRecord), args.Error(1)
}

func (m *MockDocumentUseCases) GetStatus(ctx context.Context, id uuid.UUID) (*dte.StatusRecord, error) {
	return m.record(m.Called(ctx, id))
}

func (m *MockDocumentUseCases) Requeue(ctx context.Context, id uuid.UUID) (*dte.StatusRecord, error) {
	return m.record(m.Called(ctx, id))
}

func (m *MockDocumentUseCases) Abandon(ctx context.Context, id uuid.UUID, reason string) (*dte.StatusRecord, error) {
	return m.record(m.Called(ctx, id, reason))
}

func (m *MockDocumentUseCases) PollDocument(ctx context.Context, id uuid.UUID) (*dte.StatusRecord, error) {
	return m.record(m.Called(ctx, id))
}

func newRouter(cafs CAFUseCases, docs *MockDocumentUseCases) *gin.Engine {
	r := gin.New()
	r.Use(middleware.RequestID())
	ch := NewCAFHandler(cafs)
	r.POST("/cafs", ch.Ingest)
	r.GET("/cafs", ch.List)
	r.PATCH("/cafs/:id/visibility", ch.SetVisibility)
	r.POST("/cafs/hide-exhausted", ch.HideExhausted)
	r.GET("/cafs/:id/voided-folios", ch.VoidedFolios)
	dh := NewDocumentHandler(docs, docs)
	r.POST("/documents", dh.Issue)
	r.GET("/documents/:id/status", dh.Status)
	r.POST("/documents/:id/poll", dh.Poll)
	r.POST("/documents/:id/reissue", dh.Reissue)
	r.POST("/documents/:id/requeue", dh.Requeue)
	r.POST("/documents/:id/abandon", dh.Abandon)
	return r
}

func TestHandleError(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"not found", shared.ErrNotFound, http.StatusNotFound, dto.ErrCodeNotFound},
		{"wrapped invalid state", fmt.Errorf("requeue: %w", shared.NewDomainError("INVALID_STATE", "not failed")), http.StatusUnprocessableEntity, dto.ErrCodeInvalidState},
		{"no active caf", dte.NewNoActiveCAFError(dte.TypeInvoice, "main"), http.StatusConflict, dte.CodeNoActiveCAF},
		{"folio exhausted", dte.NewFolioExhaustedError(dte.TypeInvoice, "main"), http.StatusConflict, dte.CodeFolioExhausted},
		{"untrusted caf", dte.NewUntrustedCAFError("bad FRMA"), http.StatusUnprocessableEntity, dte.CodeUntrustedCAF},
		{"overlap", dte.ErrCAFRangeOverlap, http.StatusConflict, dte.CodeCAFRangeOverlap},
		{"signing", dte.NewSigningError("no key", errors.New("boom")), http.StatusInternalServerError, dte.CodeSigning},
		{"not reissuable", dte.ErrDocumentNotReissuable, http.StatusConflict, dte.CodeDocumentNotReissuable},
		{"plain error", errors.New("disk on fire"), http.StatusInternalServerError, dto.ErrCodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(w)
			c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
			c.Set(middleware.RequestIDKey, "req-42")

			(&BaseHandler{}).HandleError(c, tt.err)

			testutil.AssertErrorCode(t, w, tt.status, tt.code)
			assert.Contains(t, w.Body.String(), `"request_id":"req-42"`)
		})
	}
}

func TestHandleError_SchemaValidationDetails(t *testing.T) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodPost, "/", nil)

	err := dte.NewSchemaValidationError([]dte.FieldError{
		{Field: "Receiver.RUT", Reason: "required for document type 33"},
		{Field: "Lines", Reason: "at least one line"},
	})
	(&BaseHandler{}).HandleError(c, err)

	testutil.AssertErrorCode(t, w, http.StatusUnprocessableEntity, dte.CodeSchemaValidation)
	resp := testutil.DecodeResponse(t, w)
	assert.JSONEq(t,
		`[{"field":"Receiver.RUT","message":"required for document type 33"},{"field":"Lines","message":"at least one line"}]`,
		string(resp.Error.Details))
}

func TestCAFHandler_Ingest(t *testing.T) {
	raw := []byte(`<AUTORIZACION/>`)
	summary := &issuance.CAFSummary{ID: uuid.New(), Branch: "main", RangeStart: 1, RangeEnd: 50}

	t.Run("raw xml", func(t *testing.T) {
		cafs := new(MockCAFUseCases)
		cafs.On("Ingest", mock.Anything, issuance.IngestCAFRequest{Branch: "main", Raw: raw}).Return(summary, nil)

		w := testutil.Do(t, newRouter(cafs, nil), testutil.Request{
			Method:  http.MethodPost,
			Path:    "/cafs?branch=main",
			Raw:     raw,
			Headers: map[string]string{"Content-Type": "application/xml"},
		})

		assert.Equal(t, http.StatusCreated, w.Code)
		got := testutil.DecodeData[issuance.CAFSummary](t, w)
		assert.Equal(t, summary.ID, got.ID)
		cafs.AssertExpectations(t)
	})

	t.Run("multipart", func(t *testing.T) {
		cafs := new(MockCAFUseCases)
		cafs.On("Ingest", mock.Anything, issuance.IngestCAFRequest{Branch: "north", Raw: raw}).Return(summary, nil)

		var body bytes.Buffer
		mw := multipart.NewWriter(&body)
		require.NoError(t, mw.WriteField("branch", "north"))
		fw, err := mw.CreateFormFile("file", "caf.xml")
		require.NoError(t, err)
		_, _ = fw.Write(raw)
		require.NoError(t, mw.Close())

		w := testutil.Do(t, newRouter(cafs, nil), testutil.Request{
			Method:  http.MethodPost,
			Path:    "/cafs",
			Raw:     body.Bytes(),
			Headers: map[string]string{"Content-Type": mw.FormDataContentType()},
		})

		assert.Equal(t, http.StatusCreated, w.Code)
		cafs.AssertExpectations(t)
	})

	t.Run("empty body", func(t *testing.T) {
		cafs := new(MockCAFUseCases)
		w := testutil.Do(t, newRouter(cafs, nil), testutil.Request{Method: http.MethodPost, Path: "/cafs?branch=main"})
		testutil.AssertErrorCode(t, w, http.StatusBadRequest, dto.ErrCodeBadRequest)
		cafs.AssertNotCalled(t, "Ingest", mock.Anything, mock.Anything)
	})

	t.Run("duplicate", func(t *testing.T) {
		cafs := new(MockCAFUseCases)
		cafs.On("Ingest", mock.Anything, mock.Anything).Return(nil, dte.ErrDuplicateCAF)
		w := testutil.Do(t, newRouter(cafs, nil), testutil.Request{Method: http.MethodPost, Path: "/cafs?branch=main", Raw: raw})
		testutil.AssertErrorCode(t, w, http.StatusConflict, dte.CodeDuplicateCAF)
	})
}

func TestCAFHandler_ListVisibilityAndVoided(t *testing.T) {
	id := uuid.New()
	cafs := new(MockCAFUseCases)
	cafs.On("List", mock.Anything).Return([]issuance.CAFSummary{{ID: id}}, nil)
	cafs.On("SetVisibility", mock.Anything, id, true).Return(&issuance.CAFSummary{ID: id, Hidden: true}, nil)
	cafs.On("ReportVoidedFolios", mock.Anything, id).Return(&issuance.VoidedFoliosReport{CAFID: id, Folios: []int64{2, 7}}, nil)
	cafs.On("HideExhausted", mock.Anything, "north").Return(3, nil)
	r := newRouter(cafs, nil)

	w := testutil.Do(t, r, testutil.Request{Method: http.MethodPost, Path: "/cafs/hide-exhausted?branch=north"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, 3, testutil.DecodeData[HideExhaustedResponse](t, w).Hidden)

	list := testutil.DecodeData[[]issuance.CAFSummary](t, testutil.Do(t, r, testutil.Request{Path: "/cafs"}))
	require.Len(t, list, 1)

	w = testutil.Do(t, r, testutil.Request{Method: http.MethodPatch, Path: "/cafs/" + id.String() + "/visibility", Body: map[string]bool{"hidden": true}})
	assert.True(t, testutil.DecodeData[issuance.CAFSummary](t, w).Hidden)

	w = testutil.Do(t, r, testutil.Request{Method: http.MethodPatch, Path: "/cafs/" + id.String() + "/visibility", Body: map[string]string{}})
	testutil.AssertErrorCode(t, w, http.StatusBadRequest, dto.ErrCodeBadRequest)

	report := testutil.DecodeData[issuance.VoidedFoliosReport](t, testutil.Do(t, r, testutil.Request{Path: "/cafs/" + id.String() + "/voided-folios"}))
	assert.Equal(t, []int64{2, 7}, report.Folios)

	w = testutil.Do(t, r, testutil.Request{Path: "/cafs/not-a-uuid/voided-folios"})
	testutil.AssertErrorCode(t, w, http.StatusBadRequest, dto.ErrCodeBadRequest)
	cafs.AssertExpectations(t)
}

func TestDocumentHandler_Issue(t *testing.T) {
	docs := new(MockDocumentUseCases)
	req := issuance.IssueRequest{DocType: dte.TypeInvoice, Branch: "main", Payload: testutil.InvoicePayload()}
	result := &issuance.IssueResult{DocumentID: uuid.New(), DocType: dte.TypeInvoice, Folio: 12}
	docs.On("IssueDocument", mock.Anything, mock.MatchedBy(func(r issuance.IssueRequest) bool {
		return r.Branch == "main" && r.DocType == dte.TypeInvoice && len(r.Payload.Lines) == 2
	})).Return(result, nil).Once()
	r := newRouter(nil, docs)

	w := testutil.Do(t, r, testutil.Request{Method: http.MethodPost, Path: "/documents", Body: req})
	assert.Equal(t, http.StatusCreated, w.Code)
	got := testutil.DecodeData[map[string]any](t, w)
	assert.Equal(t, result.DocumentID.String(), got["document_id"])
	assert.EqualValues(t, 12, got["folio"])

	w = testutil.Do(t, r, testutil.Request{Method: http.MethodPost, Path: "/documents", Raw: []byte(`{"branch":`)})
	testutil.AssertErrorCode(t, w, http.StatusBadRequest, dto.ErrCodeBadRequest)

	docs.On("IssueDocument", mock.Anything, mock.Anything).Return(nil, dte.NewFolioExhaustedError(dte.TypeInvoice, "main")).Once()
	w = testutil.Do(t, r, testutil.Request{Method: http.MethodPost, Path: "/documents", Body: req})
	testutil.AssertErrorCode(t, w, http.StatusConflict, dte.CodeFolioExhausted)
	docs.AssertExpectations(t)
}

func TestDocumentHandler_Lifecycle(t *testing.T) {
	id := uuid.New()
	rec := func(state dte.DocumentState) *dte.StatusRecord {
		return &dte.StatusRecord{DocumentID: id, State: state, PolledAt: time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)}
	}
	docs := new(MockDocumentUseCases)
	docs.On("GetStatus", mock.Anything, id).Return(rec(dte.StateSubmitted), nil)
	docs.On("PollDocument", mock.Anything, id).Return(rec(dte.StateAccepted), nil)
	docs.On("Requeue", mock.Anything, id).Return(rec(dte.StateSigned), nil)
	docs.On("Abandon", mock.Anything, id, "customer cancelled").Return(rec(dte.StateVoided), nil)
	docs.On("Reissue", mock.Anything, id).Return(&issuance.IssueResult{DocumentID: uuid.New(), Folio: 13, ReplacesID: &id}, nil)
	r := newRouter(nil, docs)
	base := "/documents/" + id.String()

	st := testutil.DecodeData[dte.StatusRecord](t, testutil.Do(t, r, testutil.Request{Path: base + "/status"}))
	assert.Equal(t, dte.StateSubmitted, st.State)

	st = testutil.DecodeData[dte.StatusRecord](t, testutil.Do(t, r, testutil.Request{Method: http.MethodPost, Path: base + "/poll"}))
	assert.Equal(t, dte.StateAccepted, st.State)

	w := testutil.Do(t, r, testutil.Request{Method: http.MethodPost, Path: base + "/requeue"})
	assert.Equal(t, http.StatusAccepted, w.Code)

	w = testutil.Do(t, r, testutil.Request{Method: http.MethodPost, Path: base + "/abandon", Body: AbandonRequest{Reason: "customer cancelled"}})
	assert.Equal(t, dte.StateVoided, testutil.DecodeData[dte.StatusRecord](t, w).State)

	w = testutil.Do(t, r, testutil.Request{Method: http.MethodPost, Path: base + "/reissue"})
	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, &id, testutil.DecodeData[issuance.IssueResult](t, w).ReplacesID)
	docs.AssertExpectations(t)
}

func TestDocumentHandler_AbandonWithoutBody(t *testing.T) {
	id := uuid.New()
	docs := new(MockDocumentUseCases)
	docs.On("Abandon", mock.Anything, id, "").Return(nil, shared.NewDomainError("INVALID_STATE", "document is SIGNED"))

	w := testutil.Do(t, newRouter(nil, docs), testutil.Request{Method: http.MethodPost, Path: "/documents/" + id.String() + "/abandon"})
	testutil.AssertErrorCode(t, w, http.StatusUnprocessableEntity, dto.ErrCodeInvalidState)
}

func TestDocumentHandler_StatusNotFound(t *testing.T) {
	id := uuid.New()
	docs := new(MockDocumentUseCases)
	docs.On("GetStatus", mock.Anything, id).Return(nil, shared.ErrNotFound)

	w := testutil.Do(t, newRouter(nil, docs), testutil.Request{Path: "/documents/" + id.String() + "/status"})
	testutil.AssertErrorCode(t, w, http.StatusNotFound, dto.ErrCodeNotFound)
}

func TestSystemHandler_Health(t *testing.T) {
	ok := func(context.Context) error { return nil }
	down := func(context.Context) error { return errors.New("connection refused") }

	r := gin.New()
	r.GET("/healthy", NewSystemHandler("1.2.3", map[string]HealthCheck{"database": ok}).Health)
	r.GET("/degraded", NewSystemHandler("1.2.3", map[string]HealthCheck{"database": ok, "redis": down}).Health)

	w := testutil.Do(t, r, testutil.Request{Path: "/healthy"})
	h := testutil.DecodeData[HealthResponse](t, w)
	assert.Equal(t, "ok", h.Status)
	assert.Equal(t, "1.2.3", h.Version)
	assert.NotEmpty(t, h.GoVersion)

	w = testutil.Do(t, r, testutil.Request{Path: "/degraded"})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "connection refused")
}
