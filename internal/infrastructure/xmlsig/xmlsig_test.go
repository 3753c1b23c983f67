package xmlsig_test

import (
	"testing"

	"github.com/beevik/etree"
	"github.com/erp/dte/internal/infrastructure/xmlsig"
	"github.com/erp/dte/tests/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/encoding/charmap"
)

func buildDocument(t *testing.T) (*etree.Element, *etree.Element) {
	t.Helper()
	doc := etree.NewDocument()
	root := doc.CreateElement("DTE")
	root.CreateAttr("xmlns", "http://www.sii.cl/SiiDte")
	root.CreateAttr("version", "1.0")
	documento := root.CreateElement("Documento")
	documento.CreateAttr("ID", "T33F1")
	documento.CreateElement("Folio").SetText("1")
	documento.CreateElement("RznSoc").SetText("Ñandú & Cía")
	return root, documento
}

func TestCanonicalize_RendersInheritedNamespace(t *testing.T) {
	_, documento := buildDocument(t)

	out, err := xmlsig.Canonicalize(documento)
	require.NoError(t, err)
	assert.Equal(t,
		`<Documento xmlns="http://www.sii.cl/SiiDte" ID="T33F1"><Folio>1</Folio><RznSoc>Ñandú &amp; Cía</RznSoc></Documento>`,
		string(out))
}

func TestSignEnveloped(t *testing.T) {
	key := testutil.CompanyPrivateKey(t)
	cert := testutil.CompanyCertificate(t, 7, testutil.Now.AddDate(-1, 0, 0), testutil.Now.AddDate(1, 0, 0))

	t.Run("round trip", func(t *testing.T) {
		root, documento := buildDocument(t)
		sig, err := xmlsig.SignEnveloped(root, documento, "T33F1", key, cert)
		require.NoError(t, err)
		assert.Equal(t, "#T33F1", sig.FindElement("./SignedInfo/Reference").SelectAttrValue("URI", ""))
		assert.NotNil(t, sig.FindElement("./KeyInfo/KeyValue/RSAKeyValue/Modulus"))

		got, err := xmlsig.VerifyEnveloped(root, documento, "T33F1")
		require.NoError(t, err)
		assert.Equal(t, cert.SerialNumber, got.SerialNumber)
	})

	t.Run("deterministic", func(t *testing.T) {
		rootA, docA := buildDocument(t)
		rootB, docB := buildDocument(t)
		_, err := xmlsig.SignEnveloped(rootA, docA, "T33F1", key, cert)
		require.NoError(t, err)
		_, err = xmlsig.SignEnveloped(rootB, docB, "T33F1", key, cert)
		require.NoError(t, err)

		a, err := xmlsig.Serialize(rootA)
		require.NoError(t, err)
		b, err := xmlsig.Serialize(rootB)
		require.NoError(t, err)
		assert.Equal(t, a, b)
	})

	t.Run("tampered content fails", func(t *testing.T) {
		root, documento := buildDocument(t)
		_, err := xmlsig.SignEnveloped(root, documento, "T33F1", key, cert)
		require.NoError(t, err)

		documento.SelectElement("Folio").SetText("2")
		_, err = xmlsig.VerifyEnveloped(root, documento, "T33F1")
		assert.ErrorContains(t, err, "digest mismatch")
	})

	t.Run("tampered signature value fails", func(t *testing.T) {
		root, documento := buildDocument(t)
		sig, err := xmlsig.SignEnveloped(root, documento, "T33F1", key, cert)
		require.NoError(t, err)

		sig.FindElement("./SignedInfo/Reference/DigestMethod").CreateAttr("Algorithm", xmlsig.SHA1Algorithm+"x")
		_, err = xmlsig.VerifyEnveloped(root, documento, "T33F1")
		assert.ErrorContains(t, err, "signature value invalid")
	})

	t.Run("survives reparse inside a new parent", func(t *testing.T) {
		root, documento := buildDocument(t)
		_, err := xmlsig.SignEnveloped(root, documento, "T33F1", key, cert)
		require.NoError(t, err)
		data, err := xmlsig.Serialize(root)
		require.NoError(t, err)

		parsed, err := xmlsig.ReadDocument(data)
		require.NoError(t, err)
		env := etree.NewDocument()
		envRoot := env.CreateElement("EnvioDTE")
		envRoot.CreateAttr("xmlns", "http://www.sii.cl/SiiDte")
		set := envRoot.CreateElement("SetDTE")
		member := parsed.Root().Copy()
		member.RemoveAttr("xmlns")
		set.AddChild(member)

		_, err = xmlsig.VerifyEnveloped(member, member.SelectElement("Documento"), "T33F1")
		assert.NoError(t, err)
	})

	t.Run("empty reference signs the whole parent", func(t *testing.T) {
		doc := etree.NewDocument()
		root := doc.CreateElement("getToken")
		root.CreateElement("item").CreateElement("Semilla").SetText("0123456789")

		_, err := xmlsig.SignEnveloped(root, root, "", key, cert)
		require.NoError(t, err)
		_, err = xmlsig.VerifyEnveloped(root, root, "")
		assert.NoError(t, err)

		root.FindElement("./item/Semilla").SetText("1")
		_, err = xmlsig.VerifyEnveloped(root, root, "")
		assert.Error(t, err)
	})

	t.Run("missing signature", func(t *testing.T) {
		root, documento := buildDocument(t)
		_, err := xmlsig.VerifyEnveloped(root, documento, "T33F1")
		assert.ErrorIs(t, err, xmlsig.ErrSignatureMissing)
	})

	t.Run("wrong id", func(t *testing.T) {
		root, documento := buildDocument(t)
		_, err := xmlsig.SignEnveloped(root, documento, "T33F2", key, cert)
		assert.Error(t, err)
	})
}

func TestReadDocument_Latin1(t *testing.T) {
	body, err := charmap.ISO8859_1.NewEncoder().String(`<?xml version="1.0" encoding="ISO-8859-1"?><R><G>Recepción</G></R>`)
	require.NoError(t, err)

	doc, err := xmlsig.ReadDocument([]byte(body))
	require.NoError(t, err)
	assert.Equal(t, "Recepción", doc.FindElement("//G").Text())

	_, err = xmlsig.ReadDocument([]byte(`<?xml version="1.0" encoding="EBCDIC"?><R/>`))
	assert.Error(t, err)
}
