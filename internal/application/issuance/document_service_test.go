package issuance_test

import (
	"testing"

	"github.com/erp/dte/internal/application/issuance"
	"github.com/erp/dte/internal/domain/dte"
	"github.com/erp/dte/internal/domain/shared"
	"github.com/erp/dte/internal/infrastructure/signing"
	"github.com/erp/dte/internal/infrastructure/storage"
	"github.com/erp/dte/tests/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDocumentService_IssueDocument(t *testing.T) {
	t.Run("signs the document on the next folio", func(t *testing.T) {
		h := newHarness(t, issuance.PipelineConfig{})
		h.ingest(t, "main", 1, 50)

		res := h.issueInvoice(t, "main")
		assert.Equal(t, int64(1), res.Folio)
		assert.Equal(t, dte.TypeInvoice, res.DocType)
		assert.Positive(t, res.Total)

		doc := h.document(t, res.DocumentID)
		assert.Equal(t, dte.StateSigned, doc.State)
		assert.Equal(t, testutil.IssuerRUT, doc.IssuerRUT)
		assert.Nil(t, doc.EnvelopeID)

		verified, err := signing.Verify(doc.SignedXML)
		require.NoError(t, err)
		assert.Equal(t, int64(1), verified.Folio)

		status, err := h.docs.GetStatus(t.Context(), res.DocumentID)
		require.NoError(t, err)
		assert.Equal(t, dte.StateSigned, status.State)

		assert.Contains(t, h.archive.Keys(), storage.DocumentKey(testutil.IssuerRUT, dte.TypeInvoice, 1))
		assert.Contains(t, h.eventTypes(), dte.EventTypeDocumentSigned)
	})

	t.Run("a signing failure voids the consumed folio", func(t *testing.T) {
		h := newHarness(t, issuance.PipelineConfig{})
		cafSummary := h.ingest(t, "main", 1, 50)
		h.signer.failOn = map[int]bool{2: true}

		first := h.issueInvoice(t, "main")
		_, err := h.docs.IssueDocument(t.Context(), issuance.IssueRequest{
			DocType: dte.TypeInvoice,
			Branch:  "main",
			Payload: testutil.InvoicePayload(),
		})
		require.Error(t, err)
		assert.ErrorIs(t, err, dte.ErrSigning)
		third := h.issueInvoice(t, "main")
		fourth := h.issueInvoice(t, "main")

		assert.Equal(t, []int64{1, 3, 4}, []int64{first.Folio, third.Folio, fourth.Folio})

		report, err := h.cafs.ReportVoidedFolios(t.Context(), cafSummary.ID)
		require.NoError(t, err)
		assert.Equal(t, []int64{2}, report.Folios)
		assert.Contains(t, h.eventTypes(), dte.EventTypeFolioVoided)
	})

	t.Run("an invalid payload consumes no folio", func(t *testing.T) {
		h := newHarness(t, issuance.PipelineConfig{})
		h.ingest(t, "main", 1, 50)

		bad := testutil.InvoicePayload()
		bad.Lines = nil
		_, err := h.docs.IssueDocument(t.Context(), issuance.IssueRequest{
			DocType: dte.TypeInvoice,
			Branch:  "main",
			Payload: bad,
		})
		assert.ErrorIs(t, err, dte.ErrSchemaValidation)

		var schemaErr *dte.SchemaValidationError
		require.ErrorAs(t, err, &schemaErr)
		assert.NotEmpty(t, schemaErr.Fields)

		res := h.issueInvoice(t, "main")
		assert.Equal(t, int64(1), res.Folio)
	})

	t.Run("fails without an eligible CAF", func(t *testing.T) {
		h := newHarness(t, issuance.PipelineConfig{})
		h.ingest(t, "main", 1, 50)

		_, err := h.docs.IssueDocument(t.Context(), issuance.IssueRequest{
			DocType: dte.TypeInvoice,
			Branch:  "north",
			Payload: testutil.InvoicePayload(),
		})
		assert.ErrorIs(t, err, dte.ErrNoActiveCAF)
	})

	t.Run("only draws from the issuer's own CAFs", func(t *testing.T) {
		h := newHarness(t, issuance.PipelineConfig{})
		_, err := h.cafs.Ingest(t.Context(), issuance.IngestCAFRequest{
			Branch: "main",
			Raw:    testutil.CAFXML(t, testutil.CAFSpec{IssuerRUT: "11111111-1", From: 1, To: 50}),
		})
		require.NoError(t, err)

		_, err = h.docs.IssueDocument(t.Context(), issuance.IssueRequest{
			DocType: dte.TypeInvoice,
			Branch:  "main",
			Payload: testutil.InvoicePayload(),
		})
		assert.ErrorIs(t, err, dte.ErrNoActiveCAF)

		h.ingest(t, "main", 100, 150)
		res := h.issueInvoice(t, "main")
		assert.Equal(t, int64(100), res.Folio)
	})

	t.Run("fails once the range is used up", func(t *testing.T) {
		h := newHarness(t, issuance.PipelineConfig{})
		h.ingest(t, "main", 1, 2)
		h.issueInvoice(t, "main")
		h.issueInvoice(t, "main")

		_, err := h.docs.IssueDocument(t.Context(), issuance.IssueRequest{
			DocType: dte.TypeInvoice,
			Branch:  "main",
			Payload: testutil.InvoicePayload(),
		})
		assert.ErrorIs(t, err, dte.ErrFolioExhausted)
	})
}

func TestDocumentService_Reissue(t *testing.T) {
	h := newHarness(t, issuance.PipelineConfig{})
	h.ingest(t, "main", 1, 50)
	rejected := h.issueInvoice(t, "main")
	h.auth.onSubmit(rejecting(dte.RejectionSchema, "RSC", "Rechazado por error en schema"))
	require.NoError(t, h.pipeline.Dispatch(t.Context()))
	require.Equal(t, dte.StateRejected, h.document(t, rejected.DocumentID).State)

	res, err := h.docs.Reissue(t.Context(), rejected.DocumentID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Folio)
	require.NotNil(t, res.ReplacesID)
	assert.Equal(t, rejected.DocumentID, *res.ReplacesID)

	replacement := h.document(t, res.DocumentID)
	assert.Equal(t, dte.StateSigned, replacement.State)
	assert.Equal(t, rejected.DocumentID, *replacement.ReplacesID)

	_, err = h.docs.Reissue(t.Context(), res.DocumentID)
	assert.ErrorIs(t, err, dte.ErrDocumentNotReissuable)

	_, err = h.docs.Reissue(t.Context(), testutil.NewTestUUID("missing"))
	assert.ErrorIs(t, err, shared.ErrNotFound)
}

func TestDocumentService_ReissueOncePerRejection(t *testing.T) {
	h := newHarness(t, issuance.PipelineConfig{})
	h.ingest(t, "main", 1, 50)
	rejected := h.issueInvoice(t, "main")
	h.auth.onSubmit(rejecting(dte.RejectionSchema, "RSC", "Rechazado por error en schema"))
	require.NoError(t, h.pipeline.Dispatch(t.Context()))

	first, err := h.docs.Reissue(t.Context(), rejected.DocumentID)
	require.NoError(t, err)

	_, err = h.docs.Reissue(t.Context(), rejected.DocumentID)
	assert.ErrorIs(t, err, dte.ErrDocumentNotReissuable)

	orig := h.document(t, rejected.DocumentID)
	assert.Equal(t, dte.StateRejected, orig.State)
	require.NotNil(t, orig.ReplacedByID)
	assert.Equal(t, first.DocumentID, *orig.ReplacedByID)
	assert.False(t, orig.CanReissue())

	// the losing call consumed no folio
	next := h.issueInvoice(t, "main")
	assert.Equal(t, first.Folio+1, next.Folio)
}

func TestDocumentService_ReissueAfterVoidedReplacement(t *testing.T) {
	h := newHarness(t, issuance.PipelineConfig{})
	h.ingest(t, "main", 1, 50)
	rejected := h.issueInvoice(t, "main")
	h.auth.onSubmit(rejecting(dte.RejectionSchema, "RSC", "Rechazado por error en schema"))
	require.NoError(t, h.pipeline.Dispatch(t.Context()))

	h.signer.failOn = map[int]bool{2: true}
	_, err := h.docs.Reissue(t.Context(), rejected.DocumentID)
	require.ErrorIs(t, err, dte.ErrSigning)
	assert.Nil(t, h.document(t, rejected.DocumentID).ReplacedByID)

	res, err := h.docs.Reissue(t.Context(), rejected.DocumentID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.Folio)
	assert.Equal(t, res.DocumentID, *h.document(t, rejected.DocumentID).ReplacedByID)
}

func TestDocumentService_RequeueAndAbandon(t *testing.T) {
	h := newHarness(t, issuance.PipelineConfig{})
	summary := h.ingest(t, "main", 1, 50)
	first := h.issueInvoice(t, "main")
	second := h.issueInvoice(t, "main")

	h.auth.onSubmit(unreachable())
	require.NoError(t, h.pipeline.Dispatch(t.Context()))
	assert.Equal(t, dte.StateSubmissionFailed, h.document(t, first.DocumentID).State)
	assert.Equal(t, dte.StateSubmissionFailed, h.document(t, second.DocumentID).State)

	_, err := h.docs.Abandon(t.Context(), first.DocumentID, "")
	require.NoError(t, err)
	abandoned := h.document(t, first.DocumentID)
	assert.Equal(t, dte.StateVoided, abandoned.State)
	assert.Equal(t, "abandoned by operator", abandoned.StatusDetail)

	rec, err := h.docs.Requeue(t.Context(), second.DocumentID)
	require.NoError(t, err)
	assert.Equal(t, dte.StateSigned, rec.State)
	requeued := h.document(t, second.DocumentID)
	assert.Nil(t, requeued.EnvelopeID)

	_, err = h.docs.Requeue(t.Context(), first.DocumentID)
	assert.Error(t, err)
	_, err = h.docs.Abandon(t.Context(), second.DocumentID, "")
	assert.Error(t, err)

	h.auth.onSubmit(pending("T-200"))
	require.NoError(t, h.pipeline.Dispatch(t.Context()))
	resent := h.document(t, second.DocumentID)
	assert.Equal(t, dte.StateSubmitted, resent.State)
	assert.Equal(t, "T-200", resent.TrackID)
	assert.Len(t, h.auth.submissions(), 2)

	report, err := h.cafs.ReportVoidedFolios(t.Context(), summary.ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{first.Folio}, report.Folios)
}
