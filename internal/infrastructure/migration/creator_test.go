package migration

import (
	"os"
	"path/filepath"
	"testing"
	"testing/fstest"

	"github.com/erp/dte/migrations"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeName(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"add caf index", "add_caf_index"},
		{"Add-Voided-Index", "add_voided_index"},
		{"add__track__id", "add_track_id"},
		{"   spaces   ", "spaces"},
		{"special!@#$chars", "specialchars"},
		{"_leading", "leading"},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, sanitizeName(tt.input))
		})
	}
}

func TestCreateMigration_NumbersAfterHighestVersion(t *testing.T) {
	dir := t.TempDir()

	first, err := CreateMigration(dir, "create dte tables", "")
	require.NoError(t, err)
	assert.Equal(t, uint(1), first.Version)
	assert.Equal(t, "000001_create_dte_tables.up.sql", filepath.Base(first.UpPath))

	second, err := CreateMigration(dir, "Add track index", "speeds up polling")
	require.NoError(t, err)
	assert.Equal(t, uint(2), second.Version)
	assert.FileExists(t, second.DownPath)

	content, err := os.ReadFile(second.UpPath)
	require.NoError(t, err)
	assert.Contains(t, string(content), "add_track_index: speeds up polling")

	_, err = CreateMigration(dir, "!!!", "")
	assert.Error(t, err)
}

func TestListMigrations(t *testing.T) {
	t.Run("embedded schema is complete and ordered", func(t *testing.T) {
		list, err := ListMigrations(migrations.FS)
		require.NoError(t, err)
		require.NotEmpty(t, list)
		assert.Equal(t, uint(1), list[0].Version)
		assert.Equal(t, "create_dte_tables", list[0].Name)
		for i := 1; i < len(list); i++ {
			assert.Greater(t, list[i].Version, list[i-1].Version)
		}
	})

	t.Run("missing down file", func(t *testing.T) {
		src := fstest.MapFS{
			"000001_a.up.sql":   {Data: []byte("")},
			"000001_a.down.sql": {Data: []byte("")},
			"000002_b.up.sql":   {Data: []byte("")},
		}
		_, err := ListMigrations(src)
		assert.ErrorContains(t, err, "000002_b has no down file")
	})

	t.Run("missing directory", func(t *testing.T) {
		list, err := ListMigrations(os.DirFS(filepath.Join(t.TempDir(), "nope")))
		require.NoError(t, err)
		assert.Empty(t, list)
	})
}
