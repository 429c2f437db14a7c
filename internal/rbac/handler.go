package rbac

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/varsity-erp/varsity-erp/internal/platform/httpx"
	"github.com/varsity-erp/varsity-erp/internal/shared"
)

// Handler exposes the RBAC management and introspection API.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	manager   *Manager
	mw        Middleware
	validator *validator.Validate
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, service *Service, manager *Manager, mw Middleware) *Handler {
	return &Handler{
		logger:    logger,
		service:   service,
		manager:   manager,
		mw:        mw,
		validator: validator.New(),
	}
}

// MountRoutes registers the RBAC routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.mw.RequireAny(shared.PermPermissionsRead, shared.PermRolesManage))
		r.Get("/permissions", h.listPermissions)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.mw.RequireAny(shared.PermPermissionsManage))
		r.Post("/permissions", h.createPermission)
		r.Delete("/permissions/{id}", h.deactivatePermission)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.mw.RequireAny(shared.PermRolesRead, shared.PermRolesManage))
		r.Get("/roles", h.listRoles)
		r.Get("/roles/{id}", h.getRole)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.mw.RequireAny(shared.PermRolesManage))
		r.Post("/roles", h.createRole)
		r.Put("/roles/{id}", h.updateRole)
		r.Delete("/roles/{id}", h.deleteRole)
		r.Put("/roles/{id}/permissions", h.setRolePermissions)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.mw.RequireAny(shared.PermUsersManage))
		r.Post("/users/{userID}/roles/{roleID}", h.assignRole)
		r.Delete("/users/{userID}/roles/{roleID}", h.revokeRole)
	})
	// Introspection for the signed-in user; any authenticated session.
	r.Group(func(r chi.Router) {
		r.Use(h.mw.RouteGuard(Guard{}))
		r.Get("/me/permissions", h.myPermissions)
		r.Post("/me/refresh", h.refreshMyPermissions)
	})
}

func (h *Handler) listPermissions(w http.ResponseWriter, r *http.Request) {
	perms, err := h.service.ListPermissions(r.Context())
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, permissionViews(perms))
}

type createPermissionRequest struct {
	Resource    string      `json:"resource" validate:"required"`
	Action      string      `json:"action" validate:"required"`
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Category    string      `json:"category" validate:"required"`
	Conditions  []Condition `json:"conditions"`
}

func (h *Handler) createPermission(w http.ResponseWriter, r *http.Request) {
	var req createPermissionRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	perm, err := h.service.EnsurePermission(r.Context(), Permission{
		PermID:      Perm(req.Resource, req.Action),
		Name:        req.Name,
		Description: req.Description,
		Category:    Category(req.Category),
		Conditions:  req.Conditions,
	})
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, permissionView(perm))
}

func (h *Handler) deactivatePermission(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", err.Error())
		return
	}
	if err := h.service.DeactivatePermission(r.Context(), id); err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) listRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := h.service.ListRoles(r.Context())
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, roles)
}

func (h *Handler) getRole(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", err.Error())
		return
	}
	role, err := h.service.GetRole(r.Context(), id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, role)
}

type roleRequest struct {
	Name        string `json:"name" validate:"required"`
	Description string `json:"description"`
	Category    string `json:"category" validate:"required"`
	Level       int    `json:"level" validate:"required,min=1,max=10"`
	IsActive    *bool  `json:"is_active"`
}

func (h *Handler) createRole(w http.ResponseWriter, r *http.Request) {
	var req roleRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	role, err := h.service.CreateRole(r.Context(), Role{
		Name:        req.Name,
		Description: req.Description,
		Category:    Category(req.Category),
		Level:       req.Level,
		CreatedBy:   currentUserID(r),
	})
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, role)
}

func (h *Handler) updateRole(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", err.Error())
		return
	}
	var req roleRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}
	role, err := h.service.UpdateRole(r.Context(), Role{
		ID:          id,
		Name:        req.Name,
		Description: req.Description,
		Category:    Category(req.Category),
		Level:       req.Level,
		IsActive:    active,
	})
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, role)
}

func (h *Handler) deleteRole(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", err.Error())
		return
	}
	if err := h.service.DeleteRole(r.Context(), id); err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type setRolePermissionsRequest struct {
	PermissionIDs []int64 `json:"permission_ids" validate:"required"`
}

func (h *Handler) setRolePermissions(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", err.Error())
		return
	}
	var req setRolePermissionsRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	if err := h.service.SetRolePermissions(r.Context(), id, req.PermissionIDs); err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type assignRoleRequest struct {
	ExpiresAt  *time.Time  `json:"expires_at"`
	Conditions []Condition `json:"conditions"`
}

func (h *Handler) assignRole(w http.ResponseWriter, r *http.Request) {
	userID, err := pathID(r, "userID")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", err.Error())
		return
	}
	roleID, err := pathID(r, "roleID")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", err.Error())
		return
	}
	var req assignRoleRequest
	if r.ContentLength > 0 {
		if err := httpx.DecodeJSON(r, &req); err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
			return
		}
	}
	assignment, err := h.service.AssignRole(r.Context(), userID, roleID, currentUserID(r), req.ExpiresAt, req.Conditions)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, assignment)
}

func (h *Handler) revokeRole(w http.ResponseWriter, r *http.Request) {
	userID, err := pathID(r, "userID")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", err.Error())
		return
	}
	roleID, err := pathID(r, "roleID")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", err.Error())
		return
	}
	if err := h.service.RevokeRole(r.Context(), userID, roleID); err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) myPermissions(w http.ResponseWriter, r *http.Request) {
	userID := currentUserID(r)
	cache, ok := h.manager.Cache(userID)
	if !ok || !cache.Resolved() {
		httpx.Problem(w, http.StatusServiceUnavailable, "Resolving", "permissions not yet resolved")
		return
	}
	httpx.JSON(w, http.StatusOK, cache.Snapshot())
}

func (h *Handler) refreshMyPermissions(w http.ResponseWriter, r *http.Request) {
	userID := currentUserID(r)
	sess := shared.SessionFromContext(r.Context())
	if err := h.manager.Refresh(r.Context(), userID, RequestContextFromHTTP(r, sess)); err != nil {
		h.respondError(w, err)
		return
	}
	cache, _ := h.manager.Cache(userID)
	httpx.JSON(w, http.StatusOK, cache.Snapshot())
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrDuplicate):
		httpx.Problem(w, http.StatusConflict, "Duplicate", err.Error())
	case errors.Is(err, ErrSystemRole):
		httpx.Problem(w, http.StatusForbidden, "System Role", err.Error())
	case errors.Is(err, ErrRoleAssigned):
		httpx.Problem(w, http.StatusConflict, "Role In Use", err.Error())
	case errors.Is(err, ErrResolutionUnavailable):
		httpx.Problem(w, http.StatusServiceUnavailable, "Resolution Unavailable", err.Error())
	default:
		if h.logger != nil {
			h.logger.Error("rbac handler", slog.Any("error", err))
		}
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}

// permissionView serializes the tagged identifier into its wire string.
type permissionJSON struct {
	ID          int64       `json:"id"`
	Permission  string      `json:"permission"`
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Category    Category    `json:"category"`
	IsActive    bool        `json:"is_active"`
	Conditions  []Condition `json:"conditions,omitempty"`
}

func permissionView(p Permission) permissionJSON {
	return permissionJSON{
		ID:          p.ID,
		Permission:  p.PermID.String(),
		Name:        p.Name,
		Description: p.Description,
		Category:    p.Category,
		IsActive:    p.IsActive,
		Conditions:  p.Conditions,
	}
}

func permissionViews(perms []Permission) []permissionJSON {
	out := make([]permissionJSON, len(perms))
	for i, p := range perms {
		out[i] = permissionView(p)
	}
	return out
}

func pathID(r *http.Request, name string) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, name), 10, 64)
}

func currentUserID(r *http.Request) int64 {
	sess := shared.SessionFromContext(r.Context())
	if sess == nil {
		return 0
	}
	id, _ := strconv.ParseInt(sess.User(), 10, 64)
	return id
}
