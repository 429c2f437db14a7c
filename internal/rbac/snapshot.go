package rbac

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// SnapshotStore persists resolved projections in Redis so a returning
// session can start from a warm cache. Stored snapshots are a convenience,
// never an authority: every privileged server operation re-checks
// permissions independently, and loads past CacheExpiry are discarded.
type SnapshotStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewSnapshotStore constructs the store. The TTL should match the resolver's
// snapshot lifetime.
func NewSnapshotStore(client *redis.Client, ttl time.Duration) *SnapshotStore {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &SnapshotStore{client: client, ttl: ttl}
}

// Save writes the projection under the user's key.
func (s *SnapshotStore) Save(ctx context.Context, p *UserPermissions) error {
	if s == nil || s.client == nil || p == nil {
		return nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, snapshotKey(p.UserID), data, s.ttl).Err()
}

// Load reads the stored projection, returning nil when absent.
func (s *SnapshotStore) Load(ctx context.Context, userID int64) (*UserPermissions, error) {
	if s == nil || s.client == nil {
		return nil, nil
	}
	payload, err := s.client.Get(ctx, snapshotKey(userID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	var snap UserPermissions
	if err := json.Unmarshal(payload, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// Delete removes the stored projection, if any.
func (s *SnapshotStore) Delete(ctx context.Context, userID int64) error {
	if s == nil || s.client == nil {
		return nil
	}
	err := s.client.Del(ctx, snapshotKey(userID)).Err()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	return err
}

func snapshotKey(userID int64) string {
	return fmt.Sprintf("rbac:snapshot:%d", userID)
}
