package users

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/gatehouse-id/gatehouse/internal/platform/httpx"
	"github.com/gatehouse-id/gatehouse/internal/roles"
)

// Authorizer exposes the authentication and authorization middleware the
// handler mounts in front of its routes.
type Authorizer interface {
	Authenticate(next http.Handler) http.Handler
	RequirePermission(perm roles.Permission) func(http.Handler) http.Handler
}

// ActorResolver returns the acting user resolved by the auth middleware.
type ActorResolver func(r *http.Request) *User

// Handler manages user directory endpoints.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	authz    Authorizer
	actor    ActorResolver
	validate *validator.Validate
}

// NewHandler builds a Handler instance.
func NewHandler(logger *slog.Logger, service *Service, authz Authorizer, actor ActorResolver) *Handler {
	return &Handler{
		logger:   logger,
		service:  service,
		authz:    authz,
		actor:    actor,
		validate: validator.New(),
	}
}

// MountRoutes registers user directory routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.authz.Authenticate)

		r.Group(func(r chi.Router) {
			r.Use(h.authz.RequirePermission(roles.PermProfileRead))
			r.Get("/me", h.me)
		})
		r.Group(func(r chi.Router) {
			r.Use(h.authz.RequirePermission(roles.PermProfileUpdate))
			r.Put("/me", h.updateMe)
			r.Put("/me/password", h.changePassword)
		})

		r.Get("/hierarchy", h.hierarchy)

		r.Group(func(r chi.Router) {
			r.Use(h.authz.RequirePermission(roles.PermUsersRead))
			r.Get("/", h.list)
			r.Get("/manageable", h.listManageable)
			r.Get("/by-role/{role}", h.listByRole)
			r.Get("/{id}", h.get)
		})
		r.Group(func(r chi.Router) {
			r.Use(h.authz.RequirePermission(roles.PermUsersCreate))
			r.Post("/", h.create)
		})
		r.Group(func(r chi.Router) {
			r.Use(h.authz.RequirePermission(roles.PermUsersUpdate))
			r.Put("/{id}", h.update)
		})
		r.Group(func(r chi.Router) {
			r.Use(h.authz.RequirePermission(roles.PermUsersDelete))
			r.Delete("/{id}", h.delete)
		})
	})
}

// Public is the externally visible projection of a user record.
type Public struct {
	ID            int64      `json:"id"`
	Email         string     `json:"email"`
	Username      string     `json:"username"`
	FullName      string     `json:"full_name,omitempty"`
	AvatarURL     string     `json:"avatar_url,omitempty"`
	IsActive      bool       `json:"is_active"`
	Role          roles.Role `json:"role"`
	IsOAuthUser   bool       `json:"is_oauth_user"`
	EmailVerified bool       `json:"email_verified"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// NewPublic projects a user record for API responses.
func NewPublic(u *User) Public {
	return Public{
		ID:            u.ID,
		Email:         u.Email,
		Username:      u.Username,
		FullName:      u.FullName,
		AvatarURL:     u.AvatarURL,
		IsActive:      u.IsActive,
		Role:          u.Role,
		IsOAuthUser:   u.IsOAuthUser,
		EmailVerified: u.EmailVerified,
		CreatedAt:     u.CreatedAt,
		UpdatedAt:     u.UpdatedAt,
	}
}

func publicList(us []User) []Public {
	out := make([]Public, len(us))
	for i := range us {
		out[i] = NewPublic(&us[i])
	}
	return out
}

type createRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Username string `json:"username" validate:"required,min=3"`
	FullName string `json:"full_name"`
	Password string `json:"password" validate:"required,min=8"`
	Role     string `json:"role" validate:"required"`
}

type updateRequest struct {
	Email     *string `json:"email" validate:"omitempty,email"`
	Username  *string `json:"username" validate:"omitempty,min=3"`
	FullName  *string `json:"full_name"`
	AvatarURL *string `json:"avatar_url"`
	IsActive  *bool   `json:"is_active"`
	Role      *string `json:"role"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password" validate:"required"`
	NewPassword     string `json:"new_password" validate:"required,min=8"`
}

func (h *Handler) me(w http.ResponseWriter, r *http.Request) {
	actor := h.actor(r)
	httpx.JSON(w, http.StatusOK, NewPublic(actor))
}

func (h *Handler) updateMe(w http.ResponseWriter, r *http.Request) {
	actor := h.actor(r)
	var req updateRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, fmt.Errorf("malformed request body: %w", httpx.ErrValidation))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%v: %w", err, httpx.ErrValidation))
		return
	}
	if req.Role != nil || req.IsActive != nil {
		httpx.RespondError(w, fmt.Errorf("role and active flag cannot be changed on own profile: %w", httpx.ErrForbidden))
		return
	}
	updated, err := h.service.Update(r.Context(), actor.ID, UpdateInput{
		Email:     req.Email,
		Username:  req.Username,
		FullName:  req.FullName,
		AvatarURL: req.AvatarURL,
	})
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, NewPublic(updated))
}

func (h *Handler) changePassword(w http.ResponseWriter, r *http.Request) {
	actor := h.actor(r)
	var req changePasswordRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, fmt.Errorf("malformed request body: %w", httpx.ErrValidation))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%v: %w", err, httpx.ErrValidation))
		return
	}
	if err := h.service.UpdatePassword(r.Context(), actor.ID, req.CurrentPassword, req.NewPassword); err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]string{"message": "password updated"})
}

func (h *Handler) hierarchy(w http.ResponseWriter, r *http.Request) {
	actor := h.actor(r)
	info, err := h.service.HierarchyInfo(r.Context(), actor)
	if err != nil {
		h.logger.Error("hierarchy info", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, info)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	offset, limit := pageParams(r)
	us, err := h.service.List(r.Context(), offset, limit)
	if err != nil {
		h.logger.Error("list users", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, publicList(us))
}

func (h *Handler) listManageable(w http.ResponseWriter, r *http.Request) {
	actor := h.actor(r)
	offset, limit := pageParams(r)
	us, err := h.service.ListManageableBy(r.Context(), actor, offset, limit)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, publicList(us))
}

func (h *Handler) listByRole(w http.ResponseWriter, r *http.Request) {
	role, ok := roles.Parse(chi.URLParam(r, "role"))
	if !ok {
		httpx.RespondError(w, fmt.Errorf("unknown role: %w", httpx.ErrValidation))
		return
	}
	offset, limit := pageParams(r)
	us, err := h.service.ListByRole(r.Context(), role, offset, limit)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, publicList(us))
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	actor := h.actor(r)
	id, err := idParam(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	user, err := h.service.FindByID(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if user == nil {
		httpx.RespondError(w, fmt.Errorf("user %d: %w", id, httpx.ErrNotFound))
		return
	}
	if !roles.CanAccess(actor.Role, user.Role) {
		httpx.RespondError(w, fmt.Errorf("cannot view a %s account: %w", user.Role, httpx.ErrForbidden))
		return
	}
	httpx.JSON(w, http.StatusOK, NewPublic(user))
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	actor := h.actor(r)
	var req createRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, fmt.Errorf("malformed request body: %w", httpx.ErrValidation))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%v: %w", err, httpx.ErrValidation))
		return
	}
	role, ok := roles.Parse(req.Role)
	if !ok {
		httpx.RespondError(w, fmt.Errorf("unknown role %q: %w", req.Role, httpx.ErrValidation))
		return
	}
	// The directory persists roles as given; escalation is stopped here, at
	// the authorization layer.
	if !roles.CanManage(actor.Role, role) {
		httpx.RespondError(w, fmt.Errorf("cannot create a %s account: %w", role, httpx.ErrForbidden))
		return
	}
	user, err := h.service.Create(r.Context(), CreateInput{
		Email:    req.Email,
		Username: req.Username,
		FullName: req.FullName,
		Password: req.Password,
		Role:     role,
	})
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, NewPublic(user))
}

func (h *Handler) update(w http.ResponseWriter, r *http.Request) {
	actor := h.actor(r)
	id, err := idParam(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req updateRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, fmt.Errorf("malformed request body: %w", httpx.ErrValidation))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%v: %w", err, httpx.ErrValidation))
		return
	}

	input := UpdateInput{
		Email:     req.Email,
		Username:  req.Username,
		FullName:  req.FullName,
		AvatarURL: req.AvatarURL,
		IsActive:  req.IsActive,
	}
	if req.Role != nil {
		role, ok := roles.Parse(*req.Role)
		if !ok {
			httpx.RespondError(w, fmt.Errorf("unknown role %q: %w", *req.Role, httpx.ErrValidation))
			return
		}
		if err := h.service.ValidateRoleChange(r.Context(), actor, id, role); err != nil {
			httpx.RespondError(w, err)
			return
		}
		input.Role = &role
	}

	updated, err := h.service.Update(r.Context(), id, input)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, NewPublic(updated))
}

func (h *Handler) delete(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.service.Delete(r.Context(), id); err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]string{"message": "user deleted"})
}

func idParam(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid id: %w", httpx.ErrValidation)
	}
	return id, nil
}

func pageParams(r *http.Request) (offset, limit int) {
	offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	if offset < 0 {
		offset = 0
	}
	return offset, limit
}
