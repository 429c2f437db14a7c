package rbac

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// memoCacheSize bounds the per-session memoization cache for conditional
// permission checks.
const memoCacheSize = 512

// SessionCache holds one authenticated session's resolved permissions and
// answers authorization queries synchronously, without a round trip per
// check. It is created on login and destroyed on logout; tests instantiate
// independent instances freely.
//
// The snapshot is replaced atomically under the lock: concurrent readers see
// either the previous projection or the new one in full, never a mix.
type SessionCache struct {
	mu         sync.RWMutex
	snapshot   *UserPermissions
	effective  map[string]struct{}
	wildcard   bool
	generation uint64
	memo       *lru.Cache[string, bool]
}

// NewSessionCache constructs an empty cache in the unresolved state.
func NewSessionCache() *SessionCache {
	memo, _ := lru.New[string, bool](memoCacheSize)
	return &SessionCache{memo: memo}
}

// SetUserPermissions replaces the cached projection and wipes memoized
// conditional checks.
func (c *SessionCache) SetUserPermissions(p *UserPermissions) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.install(p)
}

// SetIfGeneration installs the projection only when the cache has not been
// cleared since the given generation was observed. A resolve that was in
// flight during a logout arrives with a stale generation and is discarded,
// so it cannot resurrect permissions.
func (c *SessionCache) SetIfGeneration(p *UserPermissions, generation uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generation != generation {
		return false
	}
	c.install(p)
	return true
}

func (c *SessionCache) install(p *UserPermissions) {
	c.snapshot = p
	c.memo.Purge()
	if p == nil {
		c.effective = nil
		c.wildcard = false
		return
	}
	c.effective = p.EffectiveSet()
	_, c.wildcard = c.effective[WildcardPermission]
}

// ClearUserPermissions wipes all state immediately. No stale permission
// survives a logout.
func (c *SessionCache) ClearUserPermissions() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snapshot = nil
	c.effective = nil
	c.wildcard = false
	c.generation++
	c.memo.Purge()
}

// Generation returns the clear counter. Callers starting an asynchronous
// resolve capture it and pass it back through SetIfGeneration.
func (c *SessionCache) Generation() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.generation
}

// Resolved reports whether a projection is present. Guards treat an
// unresolved cache as "checking", never as denied or granted.
func (c *SessionCache) Resolved() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshot != nil
}

// Expired reports whether the projection needs re-resolution. An expired
// snapshot keeps answering reads until the refresh lands.
func (c *SessionCache) Expired(now time.Time) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.snapshot == nil {
		return true
	}
	return c.snapshot.Expired(now)
}

// Snapshot returns the current projection, or nil when unresolved.
func (c *SessionCache) Snapshot() *UserPermissions {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshot
}

// HasPermission reports whether the effective set grants the permission,
// optionally narrowed by caller-supplied conditions evaluated against the
// request context. The wildcard grants everything. Results of conditional
// checks are memoized until the snapshot changes.
func (c *SessionCache) HasPermission(name string, reqCtx RequestContext, conds ...Condition) bool {
	name = strings.TrimSpace(strings.ToLower(name))
	if name == "" {
		return false
	}

	key := memoKey(name, reqCtx, conds)
	c.mu.RLock()
	if v, ok := c.memo.Get(key); ok {
		c.mu.RUnlock()
		return v
	}
	granted := false
	if c.snapshot != nil {
		if c.wildcard {
			granted = true
		} else {
			_, granted = c.effective[name]
		}
	}
	c.mu.RUnlock()

	if granted && len(conds) > 0 {
		granted = EvaluateConditions(conds, reqCtx)
	}

	c.mu.Lock()
	c.memo.Add(key, granted)
	c.mu.Unlock()
	return granted
}

// HasAnyPermission short-circuits on the first satisfied permission.
func (c *SessionCache) HasAnyPermission(names []string, reqCtx RequestContext) bool {
	for _, n := range names {
		if c.HasPermission(n, reqCtx) {
			return true
		}
	}
	return false
}

// HasAllPermissions short-circuits on the first missing permission.
func (c *SessionCache) HasAllPermissions(names []string, reqCtx RequestContext) bool {
	if len(names) == 0 {
		return true
	}
	for _, n := range names {
		if !c.HasPermission(n, reqCtx) {
			return false
		}
	}
	return true
}

// HasRole tests membership in the resolved roles by name or numeric ID.
func (c *SessionCache) HasRole(nameOrID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.snapshot == nil {
		return false
	}
	for _, role := range c.snapshot.Roles {
		if strings.EqualFold(role.Name, nameOrID) {
			return true
		}
		if nameOrID != "" && nameOrID == formatID(role.ID) {
			return true
		}
	}
	return false
}

// HasAnyRole reports whether any of the names matches a resolved role.
func (c *SessionCache) HasAnyRole(names []string) bool {
	for _, n := range names {
		if c.HasRole(n) {
			return true
		}
	}
	return false
}

// CanAccessResource is sugar for HasPermission(resource + ":" + action).
func (c *SessionCache) CanAccessResource(resource, action string, reqCtx RequestContext) bool {
	return c.HasPermission(Perm(resource, action).String(), reqCtx)
}

// IsAdmin reports whether the session holds an elevated role.
func (c *SessionCache) IsAdmin() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.snapshot == nil {
		return false
	}
	for _, role := range c.snapshot.Roles {
		if role.Level >= AdminRoleLevel {
			return true
		}
		if strings.EqualFold(role.Name, RoleNameAdmin) || strings.EqualFold(role.Name, RoleNameSystemAdmin) {
			return true
		}
	}
	return false
}

// IsSystemAdmin reports whether the session holds the system administrator
// role specifically.
func (c *SessionCache) IsSystemAdmin() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.snapshot == nil {
		return false
	}
	for _, role := range c.snapshot.Roles {
		if strings.EqualFold(role.Name, RoleNameSystemAdmin) || role.Level >= MaxRoleLevel {
			return true
		}
	}
	return false
}

func memoKey(name string, reqCtx RequestContext, conds []Condition) string {
	if len(conds) == 0 {
		return name
	}
	now := reqCtx.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	h := sha256.New()
	h.Write([]byte(reqCtx.Department))
	h.Write([]byte{0})
	h.Write([]byte(reqCtx.Semester))
	h.Write([]byte{0})
	h.Write([]byte(reqCtx.IP))
	h.Write([]byte{0})
	// Minute bucket: a memoized time_window answer crosses the window
	// boundary at most one minute late.
	h.Write([]byte(now.UTC().Truncate(time.Minute).Format(time.RFC3339)))
	if raw, err := json.Marshal(conds); err == nil {
		h.Write(raw)
	}
	return name + "|" + hex.EncodeToString(h.Sum(nil)[:8])
}

func formatID(id int64) string {
	return strconv.FormatInt(id, 10)
}
