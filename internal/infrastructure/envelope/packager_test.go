package envelope_test

import (
	"bytes"
	"testing"
	"time"

	"github.com/erp/dte/internal/domain/dte"
	"github.com/erp/dte/internal/infrastructure/envelope"
	"github.com/erp/dte/internal/infrastructure/signing"
	"github.com/erp/dte/internal/infrastructure/xmldte"
	"github.com/erp/dte/internal/infrastructure/xmlsig"
	"github.com/erp/dte/tests/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var packedAt = time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)

func signedDocument(t *testing.T, docType dte.DocumentType, payload dte.Payload, folio int64) dte.SignedXML {
	t.Helper()
	canonical, _, err := xmldte.NewBuilder(nil).Build(docType, payload, folio)
	require.NoError(t, err)
	key := testutil.FolioKey(t, testutil.CAFSpec{DocType: docType, From: 1, To: 100})
	signed, err := signing.NewSigner().Sign(canonical, key, testutil.CompanyKey(t, packedAt), packedAt)
	require.NoError(t, err)
	return signed
}

func newPackager(limit int) *envelope.Packager {
	return envelope.NewPackager(envelope.Config{
		MaxDocuments:     limit,
		SenderRUT:        "11111111-1",
		ResolutionNumber: 80,
		ResolutionDate:   "2014-08-22",
	})
}

func TestPackager_Pack(t *testing.T) {
	members := []dte.SignedXML{
		signedDocument(t, dte.TypeInvoice, testutil.InvoicePayload(), 10),
		signedDocument(t, dte.TypeReceipt, testutil.ReceiptPayload(), 3),
		signedDocument(t, dte.TypeInvoice, testutil.InvoicePayload(), 11),
	}
	packager := newPackager(0)
	assert.Equal(t, dte.DefaultEnvelopeLimit, packager.Limit())

	data, err := packager.Pack("SetDoc0123456789ab", testutil.IssuerRUT, members, testutil.CompanyKey(t, packedAt), packedAt)
	require.NoError(t, err)

	t.Run("latin1 declaration and bytes", func(t *testing.T) {
		assert.True(t, bytes.HasPrefix(data, []byte(`<?xml version="1.0" encoding="ISO-8859-1"?>`)))
		// Ñ is a single byte in ISO-8859-1
		assert.True(t, bytes.Contains(data, []byte("Constructora \xd1uble")))
	})

	t.Run("caratula", func(t *testing.T) {
		doc, err := xmlsig.ReadDocument(data)
		require.NoError(t, err)
		caratula := doc.FindElement("//SetDTE/Caratula")
		require.NotNil(t, caratula)
		assert.Equal(t, testutil.IssuerRUT, caratula.SelectElement("RutEmisor").Text())
		assert.Equal(t, "11111111-1", caratula.SelectElement("RutEnvia").Text())
		assert.Equal(t, dte.AuthorityRUT, caratula.SelectElement("RutReceptor").Text())
		assert.Equal(t, "80", caratula.SelectElement("NroResol").Text())
		assert.Equal(t, "2026-03-10T10:00:00", caratula.SelectElement("TmstFirmaEnv").Text())

		subs := caratula.SelectElements("SubTotDTE")
		require.Len(t, subs, 2)
		assert.Equal(t, "33", subs[0].SelectElement("TpoDTE").Text())
		assert.Equal(t, "2", subs[0].SelectElement("NroDTE").Text())
		assert.Equal(t, "39", subs[1].SelectElement("TpoDTE").Text())
		assert.Equal(t, "1", subs[1].SelectElement("NroDTE").Text())
	})

	t.Run("verifies with members in input order", func(t *testing.T) {
		opened, err := envelope.Verify(data)
		require.NoError(t, err)
		assert.Equal(t, "SetDoc0123456789ab", opened.SetID)
		require.Len(t, opened.Members, 3)
		assert.Equal(t, int64(10), opened.Members[0].Folio)
		assert.Equal(t, int64(3), opened.Members[1].Folio)
		assert.Equal(t, int64(11), opened.Members[2].Folio)
	})

	t.Run("deterministic", func(t *testing.T) {
		again, err := packager.Pack("SetDoc0123456789ab", testutil.IssuerRUT, members, testutil.CompanyKey(t, packedAt), packedAt)
		require.NoError(t, err)
		assert.Equal(t, data, again)
	})

	t.Run("tampered envelope fails", func(t *testing.T) {
		tampered := bytes.Replace(data, []byte("<NroResol>80</NroResol>"), []byte("<NroResol>81</NroResol>"), 1)
		_, err := envelope.Verify(tampered)
		assert.Error(t, err)
	})
}

func TestPackager_Rejections(t *testing.T) {
	member := signedDocument(t, dte.TypeInvoice, testutil.InvoicePayload(), 1)
	key := testutil.CompanyKey(t, packedAt)

	t.Run("too large", func(t *testing.T) {
		_, err := newPackager(2).Pack("SetDocA", testutil.IssuerRUT, []dte.SignedXML{member, member, member}, key, packedAt)
		assert.ErrorIs(t, err, dte.ErrEnvelopeTooLarge)
	})

	t.Run("empty", func(t *testing.T) {
		_, err := newPackager(2).Pack("SetDocA", testutil.IssuerRUT, nil, key, packedAt)
		assert.Error(t, err)
	})

	t.Run("foreign issuer", func(t *testing.T) {
		_, err := newPackager(2).Pack("SetDocA", testutil.ReceiverRUT, []dte.SignedXML{member}, key, packedAt)
		assert.ErrorContains(t, err, "belongs to issuer")
	})

	t.Run("member with broken signature", func(t *testing.T) {
		broken := bytes.Replace(member, []byte("<Folio>1</Folio>"), []byte("<Folio>2</Folio>"), 1)
		_, err := newPackager(2).Pack("SetDocA", testutil.IssuerRUT, []dte.SignedXML{member, broken}, key, packedAt)
		assert.ErrorContains(t, err, "does not verify")
		assert.ErrorIs(t, err, dte.ErrUnpackableDocument)

		var bad *dte.UnpackableMemberError
		require.ErrorAs(t, err, &bad)
		assert.Equal(t, 1, bad.Index)
	})

	t.Run("revoked company key", func(t *testing.T) {
		revoked := key
		revoked.Revoked = true
		_, err := newPackager(2).Pack("SetDocA", testutil.IssuerRUT, []dte.SignedXML{member}, revoked, packedAt)
		assert.ErrorIs(t, err, dte.ErrSigning)
	})
}
