package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"

	"github.com/softwell/mailproxy/internal/pkg/logger"
	"github.com/softwell/mailproxy/internal/storage"
)

// TokenHeader carries the API credential on every authenticated request.
const TokenHeader = "X-API-Token"

// scope is the authorization context of one request: either the global
// token, or a single tenant.
type scope struct {
	global   bool
	tenantID string
}

type scopeKey struct{}

func scopeFrom(ctx context.Context) scope {
	s, _ := ctx.Value(scopeKey{}).(scope)
	return s
}

type authenticator struct {
	store       AuthStore
	globalToken string
}

// middleware authenticates the request and stashes its scope in the
// context. A configured global token takes precedence; otherwise the
// instance row's token is consulted, then tenant-scoped keys.
func (a *authenticator) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get(TokenHeader)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing api token")
			return
		}

		if a.isGlobal(r.Context(), token) {
			ctx := context.WithValue(r.Context(), scopeKey{}, scope{global: true})
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		tenant, err := a.store.GetTenantByToken(r.Context(), token)
		switch {
		case errors.Is(err, storage.ErrExpiredKey):
			writeError(w, http.StatusUnauthorized, "api token expired")
			return
		case errors.Is(err, storage.ErrNotFound):
			writeError(w, http.StatusUnauthorized, "invalid api token")
			return
		case err != nil:
			logger.Error("token lookup failed", "error", err)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}

		ctx := context.WithValue(r.Context(), scopeKey{}, scope{tenantID: tenant.ID})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *authenticator) isGlobal(ctx context.Context, token string) bool {
	if a.globalToken != "" {
		return subtle.ConstantTimeCompare([]byte(token), []byte(a.globalToken)) == 1
	}
	inst, err := a.store.GetInstance(ctx)
	if err != nil || inst.APIToken == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(inst.APIToken)) == 1
}
