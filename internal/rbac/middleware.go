package rbac

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"log/slog"

	"github.com/varsity-erp/varsity-erp/internal/platform/httpx"
	"github.com/varsity-erp/varsity-erp/internal/shared"
)

// DefaultLoginPath is where unauthenticated navigation is redirected.
const DefaultLoginPath = "/auth/login"

// Middleware wires authorization gates for HTTP handlers. Checks are
// answered from the per-session permission cache; the resolver is only hit
// when a session has no fresh cache yet.
type Middleware struct {
	Manager   *Manager
	Logger    *slog.Logger
	LoginPath string

	// Observe, when set, receives every guard decision for metrics.
	Observe func(decision string)
}

// RouteGuard gates navigation on the guard's access computation.
//
// State machine: no authenticated session redirects to login preserving the
// requested location; permission data not yet available answers 503 with
// Retry-After rather than revealing or denying content; denial redirects to
// the guard's fallback route or renders an in-place access-denied response.
func (m Middleware) RouteGuard(g Guard) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, sess, ok := m.currentUser(r)
			if !ok {
				// Also covers a session whose token was cleared mid-flight:
				// the next render lands here, not on stale authorization.
				if m.Observe != nil {
					m.Observe(DecisionUnauthenticated.String())
				}
				http.Redirect(w, r, LoginRedirectURL(m.loginPath(), r), http.StatusSeeOther)
				return
			}

			reqCtx := RequestContextFromHTTP(r, sess)
			cache := m.freshCache(r, sess, userID, reqCtx)

			decision := g.Evaluate(cache, reqCtx)
			if m.Observe != nil {
				m.Observe(decision.String())
			}
			switch decision {
			case DecisionGranted:
				next.ServeHTTP(w, r)
			case DecisionChecking:
				httpx.RespondError(w, fmt.Errorf("%w: permissions not yet resolved", httpx.ErrUnavailable))
			case DecisionUnauthenticated:
				http.Redirect(w, r, LoginRedirectURL(m.loginPath(), r), http.StatusSeeOther)
			default:
				if g.ShowFallback || g.FallbackPath == "" {
					http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
					return
				}
				http.Redirect(w, r, g.FallbackPath, http.StatusSeeOther)
			}
		})
	}
}

// RequireAny ensures the current user has at least one of the permissions.
func (m Middleware) RequireAny(perms ...string) func(http.Handler) http.Handler {
	return m.RouteGuard(Guard{Permissions: normalizePermissions(perms), ShowFallback: true})
}

// RequireAll ensures the current user has all of the permissions.
func (m Middleware) RequireAll(perms ...string) func(http.Handler) http.Handler {
	return m.RouteGuard(Guard{Permissions: normalizePermissions(perms), RequireAll: true, ShowFallback: true})
}

// freshCache returns the session cache, priming or refreshing it when
// missing or expired. Reads keep answering from the prior snapshot while a
// refresh is in flight; only the initial load blocks.
func (m Middleware) freshCache(r *http.Request, sess *shared.Session, userID int64, reqCtx RequestContext) *SessionCache {
	if m.Manager == nil {
		return nil
	}
	cache, ok := m.Manager.Cache(userID)
	if !ok {
		// Session survived a process restart; rebuild the cache from the
		// snapshot store plus a resolve.
		coarse := CoarseRole(sess.Get(shared.SessionKeyCoarseRole))
		primed, err := m.Manager.Prime(r.Context(), userID, coarse, reqCtx)
		if err != nil {
			if m.Logger != nil {
				m.Logger.Warn("prime permission cache", slog.Int64("user_id", userID), slog.Any("error", err))
			}
			return nil
		}
		return primed
	}
	if cache.Expired(time.Now().UTC()) {
		// Stale snapshot keeps serving until the refresh lands.
		if err := m.Manager.Refresh(r.Context(), userID, reqCtx); err != nil && m.Logger != nil {
			m.Logger.Warn("refresh permission cache", slog.Int64("user_id", userID), slog.Any("error", err))
		}
	}
	return cache
}

func (m Middleware) currentUser(r *http.Request) (int64, *shared.Session, bool) {
	sess := shared.SessionFromContext(r.Context())
	if sess == nil {
		return 0, nil, false
	}
	raw := strings.TrimSpace(sess.User())
	if raw == "" {
		return 0, nil, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		if m.Logger != nil {
			m.Logger.Error("rbac parse user id", slog.String("value", raw))
		}
		return 0, nil, false
	}
	return id, sess, true
}

func (m Middleware) loginPath() string {
	if m.LoginPath != "" {
		return m.LoginPath
	}
	return DefaultLoginPath
}

// RequestContextFromHTTP builds the condition-evaluation context from the
// request and session attributes.
func RequestContextFromHTTP(r *http.Request, sess *shared.Session) RequestContext {
	reqCtx := RequestContext{
		IP:  clientIP(r),
		Now: time.Now().UTC(),
	}
	if sess != nil {
		reqCtx.Department = sess.Get(shared.SessionKeyDepartment)
		reqCtx.Semester = sess.Get(shared.SessionKeySemester)
	}
	return reqCtx
}

func clientIP(r *http.Request) string {
	host := r.RemoteAddr
	if i := strings.LastIndexByte(host, ':'); i >= 0 {
		host = host[:i]
	}
	return strings.Trim(host, "[]")
}

func normalizePermissions(perms []string) []string {
	unique := make(map[string]struct{}, len(perms))
	normalized := make([]string, 0, len(perms))
	for _, p := range perms {
		p = strings.TrimSpace(strings.ToLower(p))
		if p == "" {
			continue
		}
		if _, ok := unique[p]; ok {
			continue
		}
		unique[p] = struct{}{}
		normalized = append(normalized, p)
	}
	return normalized
}
