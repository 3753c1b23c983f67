package dte

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRUTCheckDigit(t *testing.T) {
	tests := []struct {
		body int64
		want string
	}{
		{60803000, "K"},
		{66666666, "6"},
		{76543210, "3"},
		{11111111, "1"},
		{12345678, "5"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, RUTCheckDigit(tt.body), "body %d", tt.body)
	}
}

func TestNormalizeRUT(t *testing.T) {
	t.Run("accepts dotted and lower-case input", func(t *testing.T) {
		got, err := NormalizeRUT("60.803.000-k")
		require.NoError(t, err)
		assert.Equal(t, AuthorityRUT, got)
	})

	t.Run("accepts input without dash", func(t *testing.T) {
		got, err := NormalizeRUT("123456785")
		require.NoError(t, err)
		assert.Equal(t, "12345678-5", got)
	})

	t.Run("rejects wrong check digit", func(t *testing.T) {
		_, err := NormalizeRUT("12345678-9")
		assert.Error(t, err)
	})

	t.Run("rejects garbage", func(t *testing.T) {
		for _, raw := range []string{"", "-", "abc-1", "0-0", "1"} {
			assert.False(t, IsValidRUT(raw), raw)
		}
	})
}

func TestSplitRUT(t *testing.T) {
	body, dv, err := SplitRUT("76.543.210-3")
	require.NoError(t, err)
	assert.Equal(t, "76543210", body)
	assert.Equal(t, "3", dv)
}
