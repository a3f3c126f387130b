package db

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrationVersionsAreOrdered(t *testing.T) {
	versions, err := migrationVersions()
	require.NoError(t, err)
	require.NotEmpty(t, versions)

	assert.Equal(t, "001_init.sql", versions[0])
	assert.IsIncreasing(t, versions)
}

func TestInitMigrationCreatesAuthTables(t *testing.T) {
	script, err := migrationFiles.ReadFile("migrations/001_init.sql")
	require.NoError(t, err)

	for _, table := range []string{"users", "auth_state"} {
		assert.True(t, strings.Contains(string(script), "CREATE TABLE IF NOT EXISTS "+table+" ("), table)
	}
}
