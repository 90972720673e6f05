package db

import (
	"io/fs"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDriverURL(t *testing.T) {
	require.Equal(t, "pgx5://u:p@localhost:5432/subs?sslmode=disable", driverURL("postgres://u:p@localhost:5432/subs?sslmode=disable"))
	require.Equal(t, "pgx5://localhost/subs", driverURL("postgresql://localhost/subs"))
	require.Equal(t, "pgx5://localhost/subs", driverURL("pgx5://localhost/subs"))
}

func TestMigrationsArePaired(t *testing.T) {
	ups, err := fs.Glob(migrationsFS, "migrations/*.up.sql")
	require.NoError(t, err)
	downs, err := fs.Glob(migrationsFS, "migrations/*.down.sql")
	require.NoError(t, err)
	require.NotEmpty(t, ups)
	require.Len(t, downs, len(ups))
}
