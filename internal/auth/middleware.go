package auth

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gatehouse-id/gatehouse/internal/platform/httpx"
	"github.com/gatehouse-id/gatehouse/internal/roles"
	"github.com/gatehouse-id/gatehouse/internal/users"
)

type ctxKey string

const actorKey ctxKey = "auth_actor"

// ActorSource loads the acting user for a verified token subject.
type ActorSource interface {
	FindByID(ctx context.Context, id int64) (*users.User, error)
}

// Middleware resolves the acting user from a bearer token and applies
// role/permission predicates before handlers run.
type Middleware struct {
	Tokens *TokenManager
	Users  ActorSource
	Logger *slog.Logger
}

// Authenticate verifies the bearer token, loads the user, and rejects
// inactive accounts. The resolved actor is stored in the request context.
func (m Middleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			httpx.RespondError(w, fmt.Errorf("missing bearer token: %w", httpx.ErrUnauthorized))
			return
		}
		userID, err := m.Tokens.Verify(token)
		if err != nil {
			httpx.RespondError(w, err)
			return
		}
		actor, err := m.Users.FindByID(r.Context(), userID)
		if err != nil {
			if m.Logger != nil {
				m.Logger.Error("load actor", slog.Int64("user_id", userID), slog.Any("error", err))
			}
			httpx.RespondError(w, err)
			return
		}
		if actor == nil {
			httpx.RespondError(w, fmt.Errorf("unknown token subject: %w", httpx.ErrUnauthorized))
			return
		}
		if !actor.IsActive {
			httpx.RespondError(w, fmt.Errorf("account is inactive: %w", httpx.ErrForbidden))
			return
		}
		next.ServeHTTP(w, r.WithContext(ContextWithActor(r.Context(), actor)))
	})
}

// RequirePermission allows the request only when the actor's role holds the
// permission. Must run after Authenticate.
func (m Middleware) RequirePermission(perm roles.Permission) func(http.Handler) http.Handler {
	return m.require(func(actor *users.User) bool {
		return HasPermission(actor, perm)
	})
}

// RequireRole allows the request only when the actor's role level satisfies
// the required role. Must run after Authenticate.
func (m Middleware) RequireRole(role roles.Role) func(http.Handler) http.Handler {
	return m.require(func(actor *users.User) bool {
		return actor != nil && roles.CanAccess(actor.Role, role)
	})
}

func (m Middleware) require(allowed func(*users.User) bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor := ActorFromContext(r.Context())
			if actor == nil {
				httpx.RespondError(w, fmt.Errorf("no authenticated actor: %w", httpx.ErrUnauthorized))
				return
			}
			if !allowed(actor) {
				httpx.RespondError(w, fmt.Errorf("insufficient role: %w", httpx.ErrForbidden))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// HasPermission reports whether the actor's role grants the permission.
// Exposed as a pure predicate so authorization rules stay independently
// testable.
func HasPermission(actor *users.User, perm roles.Permission) bool {
	return actor != nil && roles.HasPermission(actor.Role, perm)
}

// ContextWithActor stores the acting user in the context.
func ContextWithActor(ctx context.Context, actor *users.User) context.Context {
	return context.WithValue(ctx, actorKey, actor)
}

// ActorFromContext returns the acting user or nil.
func ActorFromContext(ctx context.Context) *users.User {
	actor, _ := ctx.Value(actorKey).(*users.User)
	return actor
}

// ActorFromRequest adapts ActorFromContext to the handler resolver shape.
func ActorFromRequest(r *http.Request) *users.User {
	return ActorFromContext(r.Context())
}
