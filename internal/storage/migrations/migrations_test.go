package migrations

import (
	"io/fs"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitStatements(t *testing.T) {
	sql := `
-- leading comment
CREATE TABLE a (x Int32);

  -- indented comment
CREATE TABLE b (
    y String
);
`
	stmts := SplitStatements(sql)
	require.Len(t, stmts, 2)
	assert.Equal(t, "CREATE TABLE a (x Int32)", stmts[0])
	assert.True(t, strings.HasPrefix(stmts[1], "CREATE TABLE b ("))
}

func TestValidateNoSemicolonInStrings(t *testing.T) {
	assert.NoError(t, ValidateNoSemicolonInStrings("SELECT 'a'; SELECT 'it''s'"))
	assert.Error(t, ValidateNoSemicolonInStrings("SELECT 'a;b'"))
}

func TestEmbeddedMigrations(t *testing.T) {
	for _, tc := range []struct {
		fsys fs.FS
		dir  string
	}{
		{ClickhouseFS, "clickhouse"},
		{PostgresFS, "postgres"},
	} {
		files, err := sqlFiles(tc.fsys, tc.dir)
		require.NoError(t, err)
		require.NotEmpty(t, files, tc.dir)

		for _, f := range files {
			data, err := fs.ReadFile(tc.fsys, f)
			require.NoError(t, err)
			assert.NoError(t, ValidateNoSemicolonInStrings(string(data)), f)
			assert.NotEmpty(t, SplitStatements(string(data)), f)
		}
	}
}

func TestDatabaseFromDSN(t *testing.T) {
	db, err := databaseFromDSN("clickhouse://default:@localhost:9000/flow")
	require.NoError(t, err)
	assert.Equal(t, "flow", db)

	_, err = databaseFromDSN("clickhouse://localhost:9000")
	assert.Error(t, err)
}
