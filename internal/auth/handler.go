package auth

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/go-playground/validator/v10"

	"github.com/varsity-erp/varsity-erp/internal/platform/httpx"
	"github.com/varsity-erp/varsity-erp/internal/rbac"
	"github.com/varsity-erp/varsity-erp/internal/shared"
)

// Handler wires HTTP endpoints for authentication flows. Login primes the
// permission cache; logout evicts it before the session is destroyed.
type Handler struct {
	logger         *slog.Logger
	service        *Service
	sessionManager *shared.SessionManager
	csrfManager    *shared.CSRFManager
	permissions    *rbac.Manager
	validator      *validator.Validate
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, service *Service, sessions *shared.SessionManager, csrf *shared.CSRFManager, permissions *rbac.Manager) *Handler {
	return &Handler{
		logger:         logger,
		service:        service,
		sessionManager: sessions,
		csrfManager:    csrf,
		permissions:    permissions,
		validator:      validator.New(),
	}
}

// MountRoutes registers auth routes on the provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(httprate.Limit(10, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP)))
		r.Post("/login", h.handleLogin)
	})
	r.Post("/logout", h.handleLogout)
	r.Get("/csrf", h.handleCSRF)
}

type loginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=8"`
}

type loginResponse struct {
	UserID      int64                 `json:"user_id"`
	Name        string                `json:"name"`
	Email       string                `json:"email"`
	CoarseRole  string                `json:"coarse_role"`
	Permissions *rbac.UserPermissions `json:"permissions"`
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "email and password are required")
		return
	}

	user, err := h.service.Authenticate(r.Context(), strings.TrimSpace(req.Email), req.Password)
	if err != nil {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "invalid email or password")
		return
	}

	sess := shared.SessionFromContext(r.Context())
	if sess == nil {
		h.logger.Error("session missing during login")
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}
	sess.SetUser(strconv.FormatInt(user.ID, 10))
	sess.Set(shared.SessionKeyCoarseRole, string(user.CoarseRole))
	sess.Set(shared.SessionKeyDepartment, user.Department)

	// Initial resolve. An unreachable backing store falls back to the
	// minimal coarse-role set inside Prime; an unknown user is fatal.
	reqCtx := rbac.RequestContextFromHTTP(r, sess)
	cache, err := h.permissions.Prime(r.Context(), user.ID, user.CoarseRole, reqCtx)
	if err != nil {
		h.logger.Error("prime permissions", slog.Int64("user_id", user.ID), slog.Any("error", err))
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "account cannot be authorized")
		return
	}

	expiresAt := time.Now().Add(h.sessionManager.TTL())
	if err := h.service.RegisterSession(r.Context(), sess.ID, user.ID, expiresAt, r.RemoteAddr, r.UserAgent()); err != nil {
		h.logger.Warn("register session", slog.Any("error", err))
	}

	httpx.JSON(w, http.StatusOK, loginResponse{
		UserID:      user.ID,
		Name:        user.Name,
		Email:       user.Email,
		CoarseRole:  string(user.CoarseRole),
		Permissions: cache.Snapshot(),
	})
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	sess := shared.SessionFromContext(r.Context())
	if sess != nil {
		// Permission state is wiped before the redirect so no guard read
		// after this point can see the old grants.
		if raw := sess.User(); raw != "" {
			if userID, err := strconv.ParseInt(raw, 10, 64); err == nil {
				h.permissions.Evict(r.Context(), userID)
			}
		}
		if err := h.service.RemoveSession(r.Context(), sess.ID); err != nil {
			h.logger.Warn("remove session", slog.Any("error", err))
		}
		h.sessionManager.Destroy(sess)
	}
	httpx.JSON(w, http.StatusOK, map[string]string{"status": "signed_out"})
}

// handleCSRF hands the SPA a token for subsequent mutating requests.
func (h *Handler) handleCSRF(w http.ResponseWriter, r *http.Request) {
	sess := shared.SessionFromContext(r.Context())
	token, err := h.csrfManager.EnsureToken(r.Context(), sess)
	if err != nil {
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]string{"csrf_token": token})
}
