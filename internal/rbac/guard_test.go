package rbac

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func resolvedCache(effective []string, roles ...Role) *SessionCache {
	cache := NewSessionCache()
	cache.SetUserPermissions(projection(1, effective, roles...))
	return cache
}

func TestGuardChecking(t *testing.T) {
	g := Guard{Permissions: []string{"courses:read"}}

	require.Equal(t, DecisionChecking, g.Evaluate(nil, RequestContext{}))
	require.Equal(t, DecisionChecking, g.Evaluate(NewSessionCache(), RequestContext{}))
}

func TestEmptyGuardGrants(t *testing.T) {
	g := Guard{}
	require.True(t, g.Empty())
	require.Equal(t, DecisionGranted, g.Evaluate(resolvedCache(nil), RequestContext{}))
}

func TestGuardPermissionAnySemantics(t *testing.T) {
	cache := resolvedCache([]string{"courses:read"})
	g := Guard{Permissions: []string{"courses:manage", "courses:read"}}

	require.Equal(t, DecisionGranted, g.Evaluate(cache, RequestContext{}))

	g.Permissions = []string{"courses:manage", "users:manage"}
	require.Equal(t, DecisionDenied, g.Evaluate(cache, RequestContext{}))
}

func TestGuardPermissionAllSemantics(t *testing.T) {
	cache := resolvedCache([]string{"courses:read", "grades:read"})
	g := Guard{Permissions: []string{"courses:read", "grades:read"}, RequireAll: true}
	require.Equal(t, DecisionGranted, g.Evaluate(cache, RequestContext{}))

	g.Permissions = append(g.Permissions, "users:manage")
	require.Equal(t, DecisionDenied, g.Evaluate(cache, RequestContext{}))
}

func TestGuardRoles(t *testing.T) {
	cache := resolvedCache(nil, Role{ID: 1, Name: "staff", Level: 5})

	require.Equal(t, DecisionGranted, Guard{Roles: []string{"admin", "staff"}}.Evaluate(cache, RequestContext{}))
	require.Equal(t, DecisionDenied, Guard{Roles: []string{"admin"}}.Evaluate(cache, RequestContext{}))
	require.Equal(t, DecisionDenied, Guard{Roles: []string{"admin", "staff"}, RequireAll: true}.Evaluate(cache, RequestContext{}))
}

func TestGuardResourceAction(t *testing.T) {
	cache := resolvedCache([]string{"courses:read"})

	require.Equal(t, DecisionGranted, Guard{Resource: "courses", Action: "read"}.Evaluate(cache, RequestContext{}))
	require.Equal(t, DecisionDenied, Guard{Resource: "courses", Action: "manage"}.Evaluate(cache, RequestContext{}))
}

func TestGuardCategoriesCombineWithAnd(t *testing.T) {
	cache := resolvedCache([]string{"courses:read"}, Role{ID: 1, Name: "staff", Level: 5})

	g := Guard{Permissions: []string{"courses:read"}, Roles: []string{"staff"}}
	require.Equal(t, DecisionGranted, g.Evaluate(cache, RequestContext{}))

	g.Roles = []string{"admin"}
	require.Equal(t, DecisionDenied, g.Evaluate(cache, RequestContext{}))
}

func TestGateRenderGranted(t *testing.T) {
	gate := Gate{Guard: Guard{Permissions: []string{"courses:read"}}}
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/courses", nil)

	gate.Render(w, r, resolvedCache([]string{"courses:read"}), RequestContext{}, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("catalog"))
	})

	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "catalog", w.Body.String())
}

func TestGateRenderChecking(t *testing.T) {
	gate := Gate{Guard: Guard{Permissions: []string{"courses:read"}}}
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/courses", nil)

	gate.Render(w, r, NewSessionCache(), RequestContext{}, func(http.ResponseWriter, *http.Request) {
		t.Fatal("content must not render while checking")
	})

	require.Equal(t, http.StatusAccepted, w.Code)
}

func TestGateRenderDeniedHidesContent(t *testing.T) {
	gate := Gate{Guard: Guard{Permissions: []string{"users:manage"}}}
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/admin", nil)

	gate.Render(w, r, resolvedCache([]string{"courses:read"}), RequestContext{}, func(http.ResponseWriter, *http.Request) {
		t.Fatal("content must not render when denied")
	})

	require.Equal(t, http.StatusNoContent, w.Code)
	require.Empty(t, w.Body.String())
}

func TestGateRenderDeniedWithFallback(t *testing.T) {
	gate := Gate{
		Guard: Guard{Permissions: []string{"users:manage"}, ShowFallback: true},
		Fallback: func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("ask your administrator"))
		},
	}
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/admin", nil)

	gate.Render(w, r, resolvedCache(nil), RequestContext{}, func(http.ResponseWriter, *http.Request) {
		t.Fatal("content must not render when denied")
	})

	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "ask your administrator", w.Body.String())
}

func TestGateRenderDeniedDefaultNotice(t *testing.T) {
	gate := Gate{Guard: Guard{Permissions: []string{"users:manage"}, ShowFallback: true}}
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/admin", nil)

	gate.Render(w, r, resolvedCache(nil), RequestContext{}, func(http.ResponseWriter, *http.Request) {})

	require.Equal(t, http.StatusForbidden, w.Code)
	require.Contains(t, w.Body.String(), "insufficient permission")
}

func TestLoginRedirectURL(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/courses?dept=cs", nil)
	require.Equal(t, "/auth/login?next=%2Fcourses%3Fdept%3Dcs", LoginRedirectURL("/auth/login", r))

	r = httptest.NewRequest(http.MethodGet, "/", nil)
	require.Equal(t, "/auth/login?next=%2F", LoginRedirectURL("/auth/login", r))
}
