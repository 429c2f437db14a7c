package courses

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/varsity-erp/varsity-erp/internal/platform/httpx"
	"github.com/varsity-erp/varsity-erp/internal/rbac"
	"github.com/varsity-erp/varsity-erp/internal/shared"
)

// Handler exposes course catalog endpoints behind the route guard.
type Handler struct {
	logger  *slog.Logger
	service *Service
	rbac    rbac.Middleware
}

// NewHandler builds a Handler instance.
func NewHandler(logger *slog.Logger, service *Service, mw rbac.Middleware) *Handler {
	return &Handler{logger: logger, service: service, rbac: mw}
}

// MountRoutes registers course routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RouteGuard(rbac.Guard{
			Resource:     "courses",
			Action:       "read",
			FallbackPath: "/",
		}))
		r.Get("/", h.listCourses)
		r.Get("/{id}", h.getCourse)
	})
}

func (h *Handler) listCourses(w http.ResponseWriter, r *http.Request) {
	list, err := h.service.ListCourses(r.Context(), r.URL.Query().Get("department"))
	if err != nil {
		h.logger.Error("list courses", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}
	httpx.JSON(w, http.StatusOK, list)
}

func (h *Handler) getCourse(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", err.Error())
		return
	}
	course, err := h.service.GetCourse(r.Context(), id)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			httpx.Problem(w, http.StatusNotFound, "Not Found", "course not found")
			return
		}
		h.logger.Error("get course", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}
	httpx.JSON(w, http.StatusOK, course)
}
