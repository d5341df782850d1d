// Package authz resolves bearer tokens to principals and gates API actions.
package authz

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	fberrors "github.com/osvaldoandrade/fnbay/internal/errors"
)

// Actions checked by the control API.
const (
	ActionTenantWrite      = "fb:tenant:write"
	ActionFunctionCreate   = "fb:function:create"
	ActionFunctionRead     = "fb:function:read"
	ActionFunctionInvoke   = "fb:function:invoke"
	ActionDeploymentCreate = "fb:deployment:create"
	ActionDeploymentRead   = "fb:deployment:read"
)

type Principal struct {
	Sub    string   `json:"sub"`
	Tenant string   `json:"tenant"`
	Roles  []string `json:"roles"`
	Exp    int64    `json:"exp"`
}

type Provider interface {
	Name() string
	Introspect(ctx context.Context, token string) (Principal, error)
}

type contextKey string

const principalKey contextKey = "principal"

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey).(Principal)
	return p, ok
}

func WithPrincipal(ctx context.Context, principal Principal) context.Context {
	return context.WithValue(ctx, principalKey, principal)
}

func AuthnMiddleware(provider Provider) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if !strings.HasPrefix(authHeader, "Bearer ") {
				fberrors.WriteHTTP(w, fberrors.New(fberrors.FBAuthnMissingToken, "missing bearer token"), "")
				return
			}
			token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
			principal, err := provider.Introspect(r.Context(), token)
			if err != nil {
				fberrors.WriteHTTP(w, err, "")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
		})
	}
}

func CheckAction(principal Principal, action string) bool {
	for _, role := range principal.Roles {
		if role == "role:admin" || role == "admin" {
			return true
		}
		if role == action || role == "action:"+action {
			return true
		}
	}
	return false
}

func RequireAction(action string, resourceFn func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, ok := PrincipalFromContext(r.Context())
			if !ok {
				fberrors.WriteHTTP(w, fberrors.New(fberrors.FBAuthnInvalidToken, "principal missing in context"), "")
				return
			}
			if !CheckAction(principal, action) {
				msg := fmt.Sprintf("action denied: %s resource=%s", action, resourceFn(r))
				fberrors.WriteHTTP(w, fberrors.New(fberrors.FBAuthzDenied, msg), "")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireTenant rejects principals bound to a tenant other than the one the
// request addresses. Admins may address any tenant.
func RequireTenant(principal Principal, tenant string) error {
	if principal.Tenant == tenant {
		return nil
	}
	for _, role := range principal.Roles {
		if role == "role:admin" || role == "admin" {
			return nil
		}
	}
	return fberrors.New(fberrors.FBAuthzResourceMis, "principal is not a member of tenant "+tenant)
}
