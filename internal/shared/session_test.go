package shared

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestSessionManager(t *testing.T) (*SessionManager, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewSessionManager(client, "varsity_session", "secret", time.Hour, false), mr
}

func TestSessionLoadWithoutCookieCreatesNew(t *testing.T) {
	sm, _ := newTestSessionManager(t)

	sess, err := sm.Load(context.Background(), httptest.NewRequest(http.MethodGet, "/", nil))
	require.NoError(t, err)
	require.NotEmpty(t, sess.ID)
	require.Empty(t, sess.User())
}

func TestSessionCommitRoundtrip(t *testing.T) {
	sm, _ := newTestSessionManager(t)
	ctx := context.Background()

	sess, err := sm.Load(ctx, httptest.NewRequest(http.MethodGet, "/", nil))
	require.NoError(t, err)
	sess.SetUser("42")
	sess.Set(SessionKeyCoarseRole, "student")

	w := httptest.NewRecorder()
	require.NoError(t, sm.Commit(ctx, w, httptest.NewRequest(http.MethodGet, "/", nil), sess))

	cookies := w.Result().Cookies()
	require.Len(t, cookies, 1)
	require.Equal(t, "varsity_session", cookies[0].Name)
	require.Equal(t, sess.ID, cookies[0].Value)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(cookies[0])
	loaded, err := sm.Load(ctx, req)
	require.NoError(t, err)
	require.Equal(t, "42", loaded.User())
	require.Equal(t, "student", loaded.Get(SessionKeyCoarseRole))
}

func TestSessionDestroyDeletesStateAndCookie(t *testing.T) {
	sm, mr := newTestSessionManager(t)
	ctx := context.Background()

	sess, err := sm.Load(ctx, httptest.NewRequest(http.MethodGet, "/", nil))
	require.NoError(t, err)
	sess.SetUser("42")
	require.NoError(t, sm.Commit(ctx, httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil), sess))
	require.True(t, mr.Exists("session:"+sess.ID))

	sm.Destroy(sess)
	w := httptest.NewRecorder()
	require.NoError(t, sm.Commit(ctx, w, httptest.NewRequest(http.MethodGet, "/", nil), sess))

	require.False(t, mr.Exists("session:"+sess.ID))
	cookies := w.Result().Cookies()
	require.Len(t, cookies, 1)
	require.Equal(t, -1, cookies[0].MaxAge)
}

func TestSessionDeleteRemovesValue(t *testing.T) {
	sm, _ := newTestSessionManager(t)

	sess, err := sm.Load(context.Background(), httptest.NewRequest(http.MethodGet, "/", nil))
	require.NoError(t, err)
	sess.Set("dept", "mathematics")
	require.Equal(t, "mathematics", sess.Get("dept"))
	sess.Delete("dept")
	require.Empty(t, sess.Get("dept"))
}
