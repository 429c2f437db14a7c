package rbac

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, repo RepositoryPort) *Manager {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := NewManager(NewResolver(repo, time.Minute), nil, logger, time.Hour)
	t.Cleanup(m.Close)
	return m
}

func TestPrimeInstallsCache(t *testing.T) {
	repo := newMemoryRBACRepo()
	repo.addUser(1)
	p := repo.addPermission("courses", "read")
	role := repo.addRole("student", 1, p.ID)
	repo.grant(1, role.ID)

	m := newTestManager(t, repo)

	cache, err := m.Prime(context.Background(), 1, CoarseStudent, RequestContext{})
	require.NoError(t, err)
	require.True(t, cache.Resolved())
	require.True(t, cache.HasPermission("courses:read", RequestContext{}))

	got, ok := m.Cache(1)
	require.True(t, ok)
	require.Same(t, cache, got)
}

func TestPrimeUnknownUser(t *testing.T) {
	m := newTestManager(t, newMemoryRBACRepo())

	_, err := m.Prime(context.Background(), 99, CoarseStudent, RequestContext{})
	require.ErrorIs(t, err, ErrNotFound)

	_, ok := m.Cache(99)
	require.False(t, ok)
}

func TestPrimeAppliesFallbackWhenStoreUnavailable(t *testing.T) {
	repo := newMemoryRBACRepo()
	repo.failAll = true
	m := newTestManager(t, repo)

	cache, err := m.Prime(context.Background(), 1, CoarseStudent, RequestContext{})
	require.NoError(t, err)
	require.True(t, cache.Resolved())
	require.Equal(t, []string{"courses:read", "grades:read", "payments:read", "support:create"}, cache.Snapshot().Effective)
	require.False(t, cache.HasPermission("users:manage", RequestContext{}))
}

func TestEvictClearsCache(t *testing.T) {
	repo := newMemoryRBACRepo()
	repo.addUser(1)
	p := repo.addPermission("courses", "read")
	role := repo.addRole("student", 1, p.ID)
	repo.grant(1, role.ID)

	m := newTestManager(t, repo)
	cache, err := m.Prime(context.Background(), 1, CoarseStudent, RequestContext{})
	require.NoError(t, err)

	m.Evict(context.Background(), 1)

	_, ok := m.Cache(1)
	require.False(t, ok)
	// The evicted cache answers nothing, even for holders of the old pointer.
	require.False(t, cache.Resolved())
	require.False(t, cache.HasPermission("courses:read", RequestContext{}))
}

func TestRefreshPicksUpRoleChanges(t *testing.T) {
	repo := newMemoryRBACRepo()
	repo.addUser(1)
	read := repo.addPermission("courses", "read")
	role := repo.addRole("student", 1, read.ID)
	repo.grant(1, role.ID)

	m := newTestManager(t, repo)
	cache, err := m.Prime(context.Background(), 1, CoarseStudent, RequestContext{})
	require.NoError(t, err)
	require.False(t, cache.HasPermission("grades:update", RequestContext{}))

	update := repo.addPermission("grades", "update")
	require.NoError(t, repo.AttachPermission(context.Background(), role.ID, update.ID))

	require.NoError(t, m.Refresh(context.Background(), 1, RequestContext{}))
	require.True(t, cache.HasPermission("grades:update", RequestContext{}))
}

func TestRefreshAfterRevokeDropsPermission(t *testing.T) {
	repo := newMemoryRBACRepo()
	repo.addUser(1)
	p := repo.addPermission("grades", "update")
	role := repo.addRole("grader", 5, p.ID)
	repo.grant(1, role.ID)

	m := newTestManager(t, repo)
	cache, err := m.Prime(context.Background(), 1, CoarseStaff, RequestContext{})
	require.NoError(t, err)
	require.True(t, cache.HasPermission("grades:update", RequestContext{}))

	require.NoError(t, repo.Revoke(context.Background(), 1, role.ID))
	require.NoError(t, m.Refresh(context.Background(), 1, RequestContext{}))
	require.False(t, cache.HasPermission("grades:update", RequestContext{}))
}

func TestRefreshFailureRetainsSnapshot(t *testing.T) {
	repo := newMemoryRBACRepo()
	repo.addUser(1)
	p := repo.addPermission("courses", "read")
	role := repo.addRole("student", 1, p.ID)
	repo.grant(1, role.ID)

	m := newTestManager(t, repo)
	cache, err := m.Prime(context.Background(), 1, CoarseStudent, RequestContext{})
	require.NoError(t, err)

	repo.mu.Lock()
	repo.failAll = true
	repo.mu.Unlock()

	err = m.Refresh(context.Background(), 1, RequestContext{})
	require.ErrorIs(t, err, ErrResolutionUnavailable)
	// Stale-but-available beats locking the user out mid-session.
	require.True(t, cache.Resolved())
	require.True(t, cache.HasPermission("courses:read", RequestContext{}))
}

func TestRefreshWithoutPrimedCache(t *testing.T) {
	m := newTestManager(t, newMemoryRBACRepo())
	require.Error(t, m.Refresh(context.Background(), 1, RequestContext{}))
}

func newSnapshotManager(t *testing.T, repo RepositoryPort) (*Manager, *SnapshotStore) {
	t.Helper()
	store := newTestSnapshotStore(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := NewManager(NewResolver(repo, time.Minute), store, logger, time.Hour)
	t.Cleanup(m.Close)
	return m, store
}

func TestPrimeRecoversStoredSnapshotDuringOutage(t *testing.T) {
	repo := newMemoryRBACRepo()
	repo.addUser(1)
	m, store := newSnapshotManager(t, repo)
	require.NoError(t, store.Save(context.Background(), projection(1, []string{"grades:update"})))

	repo.mu.Lock()
	repo.failAll = true
	repo.mu.Unlock()

	cache, err := m.Prime(context.Background(), 1, CoarseStudent, RequestContext{})
	require.NoError(t, err)
	require.True(t, cache.Resolved())
	// The stored projection wins over the minimal coarse-role set.
	require.Equal(t, []string{"grades:update"}, cache.Snapshot().Effective)
	require.False(t, cache.HasPermission("payments:read", RequestContext{}))
}

func TestPrimeIgnoresExpiredStoredSnapshot(t *testing.T) {
	repo := newMemoryRBACRepo()
	repo.addUser(1)
	m, store := newSnapshotManager(t, repo)

	snap := projection(1, []string{"grades:update"})
	snap.CacheExpiry = time.Now().UTC().Add(-time.Minute)
	require.NoError(t, store.Save(context.Background(), snap))

	repo.mu.Lock()
	repo.failAll = true
	repo.mu.Unlock()

	cache, err := m.Prime(context.Background(), 1, CoarseStudent, RequestContext{})
	require.NoError(t, err)
	require.Equal(t, []string{"courses:read", "grades:read", "payments:read", "support:create"}, cache.Snapshot().Effective)
	require.False(t, cache.HasPermission("grades:update", RequestContext{}))
}

func TestPrimeWithoutStoredSnapshotFallsBack(t *testing.T) {
	repo := newMemoryRBACRepo()
	repo.addUser(1)
	m, _ := newSnapshotManager(t, repo)

	repo.mu.Lock()
	repo.failAll = true
	repo.mu.Unlock()

	cache, err := m.Prime(context.Background(), 1, CoarseStudent, RequestContext{})
	require.NoError(t, err)
	require.Equal(t, []string{"courses:read", "grades:read", "payments:read", "support:create"}, cache.Snapshot().Effective)
}

func TestPrimeSavesSnapshotAfterResolve(t *testing.T) {
	repo := newMemoryRBACRepo()
	repo.addUser(1)
	p := repo.addPermission("courses", "read")
	role := repo.addRole("student", 1, p.ID)
	repo.grant(1, role.ID)

	m, store := newSnapshotManager(t, repo)
	_, err := m.Prime(context.Background(), 1, CoarseStudent, RequestContext{})
	require.NoError(t, err)

	saved, err := store.Load(context.Background(), 1)
	require.NoError(t, err)
	require.NotNil(t, saved)
	require.Equal(t, []string{"courses:read"}, saved.Effective)
}

func TestEvictDeletesStoredSnapshot(t *testing.T) {
	repo := newMemoryRBACRepo()
	repo.addUser(1)
	p := repo.addPermission("courses", "read")
	role := repo.addRole("student", 1, p.ID)
	repo.grant(1, role.ID)

	m, store := newSnapshotManager(t, repo)
	_, err := m.Prime(context.Background(), 1, CoarseStudent, RequestContext{})
	require.NoError(t, err)

	m.Evict(context.Background(), 1)

	saved, err := store.Load(context.Background(), 1)
	require.NoError(t, err)
	require.Nil(t, saved)
}
