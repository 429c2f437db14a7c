package rbac

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestSnapshotStore(t *testing.T) *SnapshotStore {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewSnapshotStore(client, time.Minute)
}

func TestSnapshotRoundTrip(t *testing.T) {
	store := newTestSnapshotStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	saved := &UserPermissions{
		UserID:      7,
		Roles:       []Role{{ID: 1, Name: "student", Level: 1, IsActive: true}},
		Effective:   []string{"courses:read", "grades:read"},
		LastUpdated: now,
		CacheExpiry: now.Add(time.Minute),
	}
	require.NoError(t, store.Save(ctx, saved))

	loaded, err := store.Load(ctx, 7)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	require.Equal(t, saved.UserID, loaded.UserID)
	require.Equal(t, saved.Effective, loaded.Effective)
	require.Len(t, loaded.Roles, 1)
	require.Equal(t, "student", loaded.Roles[0].Name)
	require.True(t, saved.CacheExpiry.Equal(loaded.CacheExpiry))
}

func TestSnapshotLoadMissing(t *testing.T) {
	store := newTestSnapshotStore(t)

	loaded, err := store.Load(context.Background(), 404)
	require.NoError(t, err)
	require.Nil(t, loaded)
}

func TestSnapshotDelete(t *testing.T) {
	store := newTestSnapshotStore(t)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, &UserPermissions{UserID: 7, Effective: []string{"courses:read"}}))
	require.NoError(t, store.Delete(ctx, 7))

	loaded, err := store.Load(ctx, 7)
	require.NoError(t, err)
	require.Nil(t, loaded)

	// Deleting an absent snapshot is a no-op.
	require.NoError(t, store.Delete(ctx, 7))
}

func TestSnapshotNilStore(t *testing.T) {
	var store *SnapshotStore
	require.NoError(t, store.Save(context.Background(), &UserPermissions{UserID: 1}))
	loaded, err := store.Load(context.Background(), 1)
	require.NoError(t, err)
	require.Nil(t, loaded)
}
