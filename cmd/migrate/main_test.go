package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMigrations_SortedSQLOnly(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "0002_b.sql"), []byte("SELECT 2;"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "0001_a.sql"), []byte("SELECT 1;"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("docs"), 0o600))

	migrations, err := loadMigrations(dir)
	require.NoError(t, err)
	require.Len(t, migrations, 2)
	assert.Equal(t, "0001_a.sql", migrations[0].filename)
	assert.Equal(t, "0002_b.sql", migrations[1].filename)
	assert.Equal(t, calculateChecksum([]byte("SELECT 1;")), migrations[0].checksum)
}

func TestLoadMigrations_MissingDir(t *testing.T) {
	_, err := loadMigrations(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}

func TestPendingAndChangedMigrations(t *testing.T) {
	migrations := []migration{
		{filename: "0001_a.sql", checksum: "aaa"},
		{filename: "0002_b.sql", checksum: "bbb"},
		{filename: "0003_c.sql", checksum: "ccc"},
	}
	executed := map[string]string{
		"0001_a.sql": "aaa",
		"0002_b.sql": "old",
	}

	pending := pendingMigrations(migrations, executed)
	require.Len(t, pending, 1)
	assert.Equal(t, "0003_c.sql", pending[0].filename)

	assert.Equal(t, []string{"0002_b.sql"}, changedMigrations(migrations, executed))
}

func TestCalculateChecksum(t *testing.T) {
	sum := calculateChecksum([]byte(""))
	assert.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", sum)
	assert.Len(t, calculateChecksum([]byte("CREATE TABLE x();")), 64)
}
