package dte

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func newTestCAF(t *testing.T, start, end int64) *CAF {
	t.Helper()
	caf, err := NewCAF(NewCAFParams{
		IssuerRUT:        "76543210-3",
		IssuerName:       "Comercial Andes SpA",
		DocType:          TypeInvoice,
		Branch:           "1",
		RangeStart:       start,
		RangeEnd:         end,
		AuthorizedAt:     testNow.AddDate(0, 0, -10),
		AuthorizationXML: []byte("<CAF/>"),
		SealedPrivateKey: []byte("sealed"),
	}, testNow)
	require.NoError(t, err)
	return caf
}

func TestNewCAF(t *testing.T) {
	t.Run("cursor starts at range start", func(t *testing.T) {
		caf := newTestCAF(t, 1, 100)
		assert.Equal(t, int64(1), caf.NextFolio)
		assert.Equal(t, int64(100), caf.Size())
		assert.Equal(t, int64(100), caf.Remaining())
		assert.Equal(t, int64(0), caf.Used())
		assert.Equal(t, caf.AuthorizedAt.Add(DefaultCAFValidity), caf.ExpiresAt)
	})

	t.Run("rejects invalid range", func(t *testing.T) {
		_, err := NewCAF(NewCAFParams{
			IssuerRUT:        "76543210-3",
			DocType:          TypeInvoice,
			Branch:           "1",
			RangeStart:       10,
			RangeEnd:         5,
			AuthorizationXML: []byte("<CAF/>"),
			SealedPrivateKey: []byte("k"),
		}, testNow)
		assert.Error(t, err)
	})

	t.Run("rejects invalid issuer", func(t *testing.T) {
		_, err := NewCAF(NewCAFParams{
			IssuerRUT:        "76543210-9",
			DocType:          TypeInvoice,
			Branch:           "1",
			RangeStart:       1,
			RangeEnd:         5,
			AuthorizationXML: []byte("<CAF/>"),
			SealedPrivateKey: []byte("k"),
		}, testNow)
		assert.Error(t, err)
	})
}

func TestCAF_Status(t *testing.T) {
	caf := newTestCAF(t, 1, 3)
	assert.Equal(t, CAFStatusActive, caf.Status(testNow))
	assert.True(t, caf.IsEligible(testNow))

	caf.Hide(testNow)
	assert.Equal(t, CAFStatusHidden, caf.Status(testNow))
	assert.False(t, caf.IsEligible(testNow))
	caf.Show(testNow)
	assert.True(t, caf.IsEligible(testNow))

	assert.Equal(t, CAFStatusExpired, caf.Status(caf.ExpiresAt))
	assert.False(t, caf.IsEligible(caf.ExpiresAt))

	caf.NextFolio = 4
	assert.Equal(t, CAFStatusExhausted, caf.Status(testNow))
	assert.Equal(t, int64(0), caf.Remaining())
	assert.Equal(t, int64(3), caf.Used())
}

func TestCAF_Overlaps(t *testing.T) {
	a := newTestCAF(t, 1, 100)
	b := newTestCAF(t, 100, 200)
	c := newTestCAF(t, 101, 200)

	assert.True(t, a.Overlaps(b))
	assert.False(t, a.Overlaps(c))

	c.Branch = "2"
	b.Branch = "2"
	assert.False(t, a.Overlaps(b), "different branch never overlaps")
}

func TestFolioAllocation_Void(t *testing.T) {
	caf := newTestCAF(t, 1, 100)
	alloc := NewFolioAllocation(caf, 7, caf.ID, testNow)
	alloc.Void("signing failed", testNow)
	alloc.Void("second reason", testNow.Add(time.Hour))

	assert.True(t, alloc.Voided)
	assert.Equal(t, "signing failed", alloc.VoidReason)
	assert.Equal(t, testNow, *alloc.VoidedAt)
}
