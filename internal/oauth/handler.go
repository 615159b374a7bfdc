package oauth

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/gatehouse-id/gatehouse/internal/observability"
	"github.com/gatehouse-id/gatehouse/internal/platform/httpx"
	"github.com/gatehouse-id/gatehouse/internal/users"
)

// Authorizer guards the link-management routes.
type Authorizer interface {
	Authenticate(next http.Handler) http.Handler
}

// ActorResolver recovers the authenticated user from a request.
type ActorResolver func(r *http.Request) *users.User

// Handler exposes the provider login and link-management endpoints.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	authz    Authorizer
	actor    ActorResolver
	metrics  *observability.Metrics
	validate *validator.Validate
}

// NewHandler constructs a Handler instance. Metrics may be nil.
func NewHandler(logger *slog.Logger, service *Service, authz Authorizer, actor ActorResolver, metrics *observability.Metrics) *Handler {
	return &Handler{
		logger:   logger,
		service:  service,
		authz:    authz,
		actor:    actor,
		metrics:  metrics,
		validate: validator.New(),
	}
}

// MountRoutes registers oauth routes on the provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/providers", h.providers)
	r.Post("/login", h.begin)
	r.Get("/callback", h.callback)

	r.Group(func(r chi.Router) {
		r.Use(h.authz.Authenticate)
		r.Post("/link", h.link)
		r.Delete("/unlink", h.unlink)
		r.Get("/accounts", h.accounts)
		r.Get("/profile", h.profile)
	})
}

type beginRequest struct {
	Provider    string `json:"provider" validate:"required"`
	RedirectURI string `json:"redirect_uri" validate:"required,url"`
}

type beginResponse struct {
	AuthorizationURL string `json:"authorization_url"`
	State            string `json:"state"`
}

type tokenResponse struct {
	AccessToken string       `json:"access_token"`
	TokenType   string       `json:"token_type"`
	User        users.Public `json:"user"`
}

type linkRequest struct {
	Provider string `json:"provider" validate:"required"`
	Code     string `json:"code" validate:"required"`
	State    string `json:"state" validate:"required"`
}

type unlinkRequest struct {
	Provider string `json:"provider" validate:"required"`
}

func (h *Handler) providers(w http.ResponseWriter, r *http.Request) {
	httpx.JSON(w, http.StatusOK, map[string][]Provider{"providers": h.service.Providers()})
}

func (h *Handler) begin(w http.ResponseWriter, r *http.Request) {
	var req beginRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, fmt.Errorf("malformed request body: %w", httpx.ErrValidation))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%v: %w", err, httpx.ErrValidation))
		return
	}
	provider, ok := ParseProvider(req.Provider)
	if !ok {
		httpx.RespondError(w, fmt.Errorf("unsupported provider %q: %w", req.Provider, httpx.ErrValidation))
		return
	}

	authURL, state, err := h.service.BeginAuthorization(provider, req.RedirectURI)
	if err != nil {
		h.logger.Error("begin oauth authorization", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, beginResponse{AuthorizationURL: authURL, State: state})
}

func (h *Handler) callback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	provider, ok := ParseProvider(q.Get("provider"))
	if !ok {
		httpx.RespondError(w, fmt.Errorf("unsupported provider %q: %w", q.Get("provider"), httpx.ErrValidation))
		return
	}
	code, state := q.Get("code"), q.Get("state")
	if code == "" || state == "" {
		httpx.RespondError(w, fmt.Errorf("code and state are required: %w", httpx.ErrValidation))
		return
	}

	user, access, err := h.service.HandleCallback(r.Context(), provider, code, state)
	if err != nil {
		h.metrics.ObserveLogin(string(provider), "failure")
		h.logger.Error("oauth callback", slog.String("provider", string(provider)), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	h.metrics.ObserveLogin(string(provider), "success")
	httpx.JSON(w, http.StatusOK, tokenResponse{
		AccessToken: access,
		TokenType:   "bearer",
		User:        users.NewPublic(user),
	})
}

func (h *Handler) link(w http.ResponseWriter, r *http.Request) {
	actor := h.actor(r)

	var req linkRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, fmt.Errorf("malformed request body: %w", httpx.ErrValidation))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%v: %w", err, httpx.ErrValidation))
		return
	}
	provider, ok := ParseProvider(req.Provider)
	if !ok {
		httpx.RespondError(w, fmt.Errorf("unsupported provider %q: %w", req.Provider, httpx.ErrValidation))
		return
	}

	acct, err := h.service.LinkAccount(r.Context(), actor, provider, req.Code, req.State)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, NewPublic(acct))
}

func (h *Handler) unlink(w http.ResponseWriter, r *http.Request) {
	actor := h.actor(r)

	var req unlinkRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, fmt.Errorf("malformed request body: %w", httpx.ErrValidation))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%v: %w", err, httpx.ErrValidation))
		return
	}
	provider, ok := ParseProvider(req.Provider)
	if !ok {
		httpx.RespondError(w, fmt.Errorf("unsupported provider %q: %w", req.Provider, httpx.ErrValidation))
		return
	}

	if err := h.service.UnlinkAccount(r.Context(), actor, provider); err != nil {
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) accounts(w http.ResponseWriter, r *http.Request) {
	actor := h.actor(r)

	accounts, err := h.service.ListAccounts(r.Context(), actor.ID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string][]Public{"accounts": accounts})
}

type profileResponse struct {
	User     users.Public `json:"user"`
	Accounts []Public     `json:"accounts"`
}

// profile returns the actor's directory entry together with their linked
// provider identities in one round trip.
func (h *Handler) profile(w http.ResponseWriter, r *http.Request) {
	actor := h.actor(r)

	accounts, err := h.service.ListAccounts(r.Context(), actor.ID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, profileResponse{
		User:     users.NewPublic(actor),
		Accounts: accounts,
	})
}
