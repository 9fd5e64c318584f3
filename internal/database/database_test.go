package database

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

func TestOpenSnapshotUsesSQLiteForPaths(t *testing.T) {
	db, err := OpenSnapshot("file::memory:?cache=shared")
	require.NoError(t, err)
	require.Equal(t, "sqlite", db.Dialector.Name())
}

func TestOpenSnapshotRejectsEmptyDSN(t *testing.T) {
	_, err := OpenSnapshot("  ")
	require.Error(t, err)
}

func TestIsPostgresDSN(t *testing.T) {
	require.True(t, isPostgresDSN("postgres://ims:secret@db:5432/ims"))
	require.True(t, isPostgresDSN("host=db user=ims dbname=ims"))
	require.False(t, isPostgresDSN("/var/lib/ims/snapshot.db"))
}

func TestConnectRedisPingsServer(t *testing.T) {
	server := miniredis.RunT(t)

	client, err := ConnectRedis(context.Background(), "redis://" + server.Addr())
	require.NoError(t, err)
	defer client.Close()

	_, err = ConnectRedis(context.Background(), "")
	require.Error(t, err)
}
