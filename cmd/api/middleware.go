package main

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"billswap/apperr"
	"billswap/auth"
)

type principalKey struct{}

func withPrincipal(ctx context.Context, p auth.Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFrom(ctx context.Context) (auth.Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(auth.Principal)
	return p, ok
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, apperr.CodeForbidden, "missing bearer token")
			return
		}
		p, err := s.auth.VerifyToken(token)
		if err != nil {
			s.log().Debug("token rejected", "error", err)
			writeError(w, http.StatusUnauthorized, apperr.CodeForbidden, "invalid token")
			return
		}
		next.ServeHTTP(w, r.WithContext(withPrincipal(r.Context(), p)))
	})
}

func requireRole(role auth.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := principalFrom(r.Context())
			if !ok || p.Role != role {
				writeError(w, http.StatusForbidden, apperr.CodeForbidden, "requires "+string(role)+" role")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// requireUUID rejects requests whose route parameter is not a UUID before
// they reach a query against a uuid column.
func requireUUID(param string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, err := uuid.Parse(chi.URLParam(r, param)); err != nil {
				writeError(w, http.StatusBadRequest, apperr.CodeInvalidInput, param+" must be a UUID")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
