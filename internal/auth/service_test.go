package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/varsity-erp/varsity-erp/internal/rbac"
	"github.com/varsity-erp/varsity-erp/internal/shared"
)

type memoryAuthRepo struct {
	users    map[string]*User
	sessions map[string]int64
}

func newMemoryAuthRepo() *memoryAuthRepo {
	return &memoryAuthRepo{
		users:    make(map[string]*User),
		sessions: make(map[string]int64),
	}
}

func (r *memoryAuthRepo) addUser(t *testing.T, email, password string, active bool) *User {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	require.NoError(t, err)
	user := &User{
		ID:           int64(len(r.users) + 1),
		Email:        email,
		Name:         "Test User",
		PasswordHash: string(hash),
		CoarseRole:   rbac.CoarseStudent,
		IsActive:     active,
	}
	r.users[email] = user
	return user
}

func (r *memoryAuthRepo) FindByEmail(ctx context.Context, email string) (*User, error) {
	user, ok := r.users[email]
	if !ok {
		return nil, shared.ErrNotFound
	}
	return user, nil
}

func (r *memoryAuthRepo) CreateSession(ctx context.Context, id string, userID int64, expiresAt time.Time, ip, ua string) error {
	r.sessions[id] = userID
	return nil
}

func (r *memoryAuthRepo) DeleteSession(ctx context.Context, id string) error {
	delete(r.sessions, id)
	return nil
}

var _ Repository = (*memoryAuthRepo)(nil)

func TestAuthenticate(t *testing.T) {
	repo := newMemoryAuthRepo()
	repo.addUser(t, "student@varsity.local", "correct horse", true)
	svc := NewService(repo)

	user, err := svc.Authenticate(context.Background(), "student@varsity.local", "correct horse")
	require.NoError(t, err)
	require.Equal(t, "student@varsity.local", user.Email)
	require.Equal(t, rbac.CoarseStudent, user.CoarseRole)
}

func TestAuthenticateWrongPassword(t *testing.T) {
	repo := newMemoryAuthRepo()
	repo.addUser(t, "student@varsity.local", "correct horse", true)
	svc := NewService(repo)

	_, err := svc.Authenticate(context.Background(), "student@varsity.local", "battery staple")
	require.ErrorIs(t, err, shared.ErrInvalidCredentials)
}

func TestAuthenticateUnknownEmail(t *testing.T) {
	svc := NewService(newMemoryAuthRepo())

	_, err := svc.Authenticate(context.Background(), "nobody@varsity.local", "anything")
	require.ErrorIs(t, err, shared.ErrInvalidCredentials)
}

func TestAuthenticateInactiveAccount(t *testing.T) {
	repo := newMemoryAuthRepo()
	repo.addUser(t, "suspended@varsity.local", "correct horse", false)
	svc := NewService(repo)

	_, err := svc.Authenticate(context.Background(), "suspended@varsity.local", "correct horse")
	require.ErrorIs(t, err, shared.ErrInvalidCredentials)
}

func TestSessionLifecycle(t *testing.T) {
	repo := newMemoryAuthRepo()
	svc := NewService(repo)

	require.NoError(t, svc.RegisterSession(context.Background(), "sess-1", 1, time.Now().Add(time.Hour), "10.0.0.1", "test-agent"))
	require.Contains(t, repo.sessions, "sess-1")

	require.NoError(t, svc.RemoveSession(context.Background(), "sess-1"))
	require.NotContains(t, repo.sessions, "sess-1")
}
