package rbac

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DefaultRefreshInterval is how often a primed session re-resolves in the
// background to pick up server-side role changes.
const DefaultRefreshInterval = 5 * time.Minute

// Manager owns one SessionCache per authenticated user session. Caches are
// created by Prime on login and destroyed by Evict on logout, including the
// background refresh task each cache carries.
type Manager struct {
	resolver  *Resolver
	snapshots *SnapshotStore
	logger    *slog.Logger
	interval  time.Duration

	mu      sync.Mutex
	entries map[int64]*managedCache

	onRefresh func(outcome string)
}

type managedCache struct {
	cache  *SessionCache
	cancel context.CancelFunc
}

// NewManager constructs a Manager. The snapshot store is optional; without
// it sessions always start from a fresh resolve.
func NewManager(resolver *Resolver, snapshots *SnapshotStore, logger *slog.Logger, interval time.Duration) *Manager {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	return &Manager{
		resolver:  resolver,
		snapshots: snapshots,
		logger:    logger,
		interval:  interval,
		entries:   make(map[int64]*managedCache),
	}
}

// Prime resolves permissions for a freshly authenticated user and installs a
// session cache for them. Resolution errors on this initial load are
// user-visible: an unknown user propagates ErrNotFound, while an unreachable
// backing store applies the minimal coarse-role fallback instead of locking
// the user out.
func (m *Manager) Prime(ctx context.Context, userID int64, coarse CoarseRole, reqCtx RequestContext) (*SessionCache, error) {
	cache := NewSessionCache()

	// A snapshot persisted from a previous session is provisional: it only
	// pre-populates the cache when still within its expiry, and the resolve
	// below replaces it regardless.
	if m.snapshots != nil {
		if snap, err := m.snapshots.Load(ctx, userID); err == nil && snap != nil && !snap.Expired(m.now()) {
			cache.SetUserPermissions(snap)
		}
	}

	resolved, err := m.resolver.Resolve(ctx, userID, reqCtx)
	switch {
	case err == nil:
		cache.SetUserPermissions(resolved)
		m.saveSnapshot(ctx, resolved)
	case errors.Is(err, ErrNotFound):
		return nil, err
	case IsUnavailable(err):
		if m.logger != nil {
			m.logger.Warn("permission resolution unavailable, applying fallback",
				slog.Int64("user_id", userID), slog.String("coarse_role", string(coarse)), slog.Any("error", err))
		}
		// A still-valid stored snapshot is a better answer than the minimal
		// coarse-role set; only fall back when the cache has nothing.
		if !cache.Resolved() {
			cache.SetUserPermissions(m.resolver.Fallback(userID, coarse))
		}
	default:
		return nil, err
	}

	refreshCtx, cancel := context.WithCancel(context.Background())
	entry := &managedCache{cache: cache, cancel: cancel}

	m.mu.Lock()
	if prev, ok := m.entries[userID]; ok {
		prev.cancel()
	}
	m.entries[userID] = entry
	m.mu.Unlock()

	go m.refreshLoop(refreshCtx, userID, cache, reqCtx)
	return cache, nil
}

// ObserveRefreshes registers a callback receiving "success" or "failure"
// after every refresh attempt, background or forced.
func (m *Manager) ObserveRefreshes(fn func(outcome string)) {
	m.onRefresh = fn
}

// Cache returns the session cache for a user, when one is primed.
func (m *Manager) Cache(userID int64) (*SessionCache, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[userID]
	if !ok {
		return nil, false
	}
	return entry.cache, true
}

// Evict tears down a user's cache on logout: the refresh task is cancelled
// and the cache cleared before this returns, so no guard read after logout
// sees stale permissions and no in-flight resolve can repopulate the cache.
func (m *Manager) Evict(ctx context.Context, userID int64) {
	m.mu.Lock()
	entry, ok := m.entries[userID]
	delete(m.entries, userID)
	m.mu.Unlock()
	if !ok {
		return
	}
	entry.cancel()
	entry.cache.ClearUserPermissions()
	if m.snapshots != nil {
		if err := m.snapshots.Delete(ctx, userID); err != nil && m.logger != nil {
			m.logger.Warn("delete permission snapshot", slog.Int64("user_id", userID), slog.Any("error", err))
		}
	}
}

// Refresh re-resolves immediately, outside the timer schedule. Errors retain
// the current snapshot.
func (m *Manager) Refresh(ctx context.Context, userID int64, reqCtx RequestContext) error {
	cache, ok := m.Cache(userID)
	if !ok {
		return fmt.Errorf("rbac: no primed cache for user %d", userID)
	}
	return m.refreshOnce(ctx, userID, cache, reqCtx)
}

// Close evicts every managed cache. Used on shutdown.
func (m *Manager) Close() {
	m.mu.Lock()
	entries := m.entries
	m.entries = make(map[int64]*managedCache)
	m.mu.Unlock()
	for _, entry := range entries {
		entry.cancel()
		entry.cache.ClearUserPermissions()
	}
}

func (m *Manager) refreshLoop(ctx context.Context, userID int64, cache *SessionCache, reqCtx RequestContext) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.refreshOnce(ctx, userID, cache, reqCtx); err != nil && m.logger != nil {
				m.logger.Warn("background permission refresh failed",
					slog.Int64("user_id", userID), slog.Any("error", errors.Join(ErrStaleCache, err)))
			}
		}
	}
}

// refreshOnce re-resolves and swaps the snapshot in. A failure leaves the
// existing, possibly stale, snapshot untouched: stale-but-available beats
// locking the user out of the whole UI mid-session.
func (m *Manager) refreshOnce(ctx context.Context, userID int64, cache *SessionCache, reqCtx RequestContext) error {
	generation := cache.Generation()
	resolved, err := m.resolver.Resolve(ctx, userID, reqCtx)
	if m.onRefresh != nil {
		outcome := "success"
		if err != nil {
			outcome = "failure"
		}
		m.onRefresh(outcome)
	}
	if err != nil {
		return err
	}
	if !cache.SetIfGeneration(resolved, generation) {
		// Cache was cleared while the resolve was in flight; drop the result.
		return nil
	}
	m.saveSnapshot(ctx, resolved)
	return nil
}

func (m *Manager) saveSnapshot(ctx context.Context, p *UserPermissions) {
	if m.snapshots == nil || p == nil {
		return
	}
	if err := m.snapshots.Save(ctx, p); err != nil && m.logger != nil {
		m.logger.Warn("save permission snapshot", slog.Int64("user_id", p.UserID), slog.Any("error", err))
	}
}

func (m *Manager) now() time.Time {
	return m.resolver.clock()
}
