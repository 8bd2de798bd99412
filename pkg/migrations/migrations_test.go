package migrations

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const testSchema = `
create table if not exists a (id integer primary key);
create table if not exists b (id integer primary key);
`

func TestApply(t *testing.T) {
	db, err := OpenDB(filepath.Join(t.TempDir(), "state", "test.db"))
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	require.NoError(t, Apply(ctx, db, testSchema))
	// applying twice must be harmless
	require.NoError(t, Apply(ctx, db, testSchema))

	var count int
	err = db.QueryRow("select count(*) from sqlite_master where type = 'table'").Scan(&count)
	require.NoError(t, err)
	require.Equal(t, 2, count)

	require.Error(t, Apply(ctx, db, "create tabel broken"))
}
