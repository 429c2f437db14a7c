package rbac

import (
	"net/http"
	"net/url"
	"strings"
)

// Decision is the outcome of evaluating a guard against a session cache.
type Decision int

// Guard decisions.
const (
	// DecisionChecking means permission data is not yet available. Content
	// is neither revealed nor denied until the cache resolves.
	DecisionChecking Decision = iota
	// DecisionUnauthenticated means no signed-in session backs the request.
	DecisionUnauthenticated
	// DecisionGranted allows the gated content.
	DecisionGranted
	// DecisionDenied refuses the gated content.
	DecisionDenied
)

func (d Decision) String() string {
	switch d {
	case DecisionChecking:
		return "checking"
	case DecisionUnauthenticated:
		return "unauthenticated"
	case DecisionGranted:
		return "granted"
	case DecisionDenied:
		return "denied"
	}
	return "unknown"
}

// Guard describes an access requirement: permission checks, role checks and
// a resource:action check, each optional and combined with AND across the
// three categories. Within a category the default is ANY semantics;
// RequireAll switches to ALL.
type Guard struct {
	Permissions []string
	Roles       []string
	Resource    string
	Action      string
	RequireAll  bool

	// ShowFallback controls whether a denied route renders an in-place
	// "access denied" response instead of redirecting to FallbackPath.
	ShowFallback bool
	FallbackPath string
}

// Empty reports whether the guard imposes no requirement.
func (g Guard) Empty() bool {
	return len(g.Permissions) == 0 && len(g.Roles) == 0 && g.Resource == ""
}

// Evaluate computes the access decision from the cache snapshot alone. It is
// pure: two evaluations over the same snapshot yield the same decision, and
// it performs no I/O. A nil or unresolved cache yields DecisionChecking so
// callers never flash wrongly gated content during startup.
func (g Guard) Evaluate(cache *SessionCache, reqCtx RequestContext) Decision {
	if cache == nil || !cache.Resolved() {
		return DecisionChecking
	}
	if g.Empty() {
		return DecisionGranted
	}

	if len(g.Permissions) > 0 {
		ok := cache.HasAnyPermission(g.Permissions, reqCtx)
		if g.RequireAll {
			ok = cache.HasAllPermissions(g.Permissions, reqCtx)
		}
		if !ok {
			return DecisionDenied
		}
	}

	if len(g.Roles) > 0 {
		ok := cache.HasAnyRole(g.Roles)
		if g.RequireAll {
			ok = g.hasAllRoles(cache)
		}
		if !ok {
			return DecisionDenied
		}
	}

	if g.Resource != "" {
		if !cache.CanAccessResource(g.Resource, g.Action, reqCtx) {
			return DecisionDenied
		}
	}

	return DecisionGranted
}

func (g Guard) hasAllRoles(cache *SessionCache) bool {
	for _, role := range g.Roles {
		if !cache.HasRole(role) {
			return false
		}
	}
	return true
}

// Gate wraps a rendering decision for a UI fragment: the handler supplies
// the gated content and an optional fallback, and Render picks one based on
// the guard decision. Denied fragments render nothing, the fallback, or a
// default insufficient-permission notice depending on ShowFallback.
type Gate struct {
	Guard    Guard
	Fallback func(http.ResponseWriter, *http.Request)
}

// Render serves content through the gate. Checking renders nothing with a
// 202 so clients retry; denial follows the ShowFallback contract.
func (gt Gate) Render(w http.ResponseWriter, r *http.Request, cache *SessionCache, reqCtx RequestContext, content func(http.ResponseWriter, *http.Request)) {
	switch gt.Guard.Evaluate(cache, reqCtx) {
	case DecisionGranted:
		content(w, r)
	case DecisionChecking:
		w.WriteHeader(http.StatusAccepted)
	default:
		if !gt.Guard.ShowFallback {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		if gt.Fallback != nil {
			gt.Fallback(w, r)
			return
		}
		http.Error(w, "insufficient permission", http.StatusForbidden)
	}
}

// LoginRedirectURL builds the login URL preserving the originally requested
// location for the post-login return.
func LoginRedirectURL(loginPath string, r *http.Request) string {
	next := r.URL.Path
	if r.URL.RawQuery != "" {
		next += "?" + r.URL.RawQuery
	}
	if next == "" || !strings.HasPrefix(next, "/") {
		return loginPath
	}
	return loginPath + "?next=" + url.QueryEscape(next)
}
