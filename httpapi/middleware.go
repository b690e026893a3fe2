package httpapi

import (
	"context"
	"net/http"
	"strings"

	"lexflow/auth"
)

type contextKey string

const actorKey contextKey = "actor"

// requireAuth verifies the bearer token and stores the resolved actor
// in the request context. The actor identity always comes from the
// token, never from the request body.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "missing bearer token"})
			return
		}

		actor, err := s.auth.VerifyToken(token)
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "invalid token"})
			return
		}

		ctx := context.WithValue(r.Context(), actorKey, actor)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func actorFrom(r *http.Request) auth.Actor {
	actor, _ := r.Context().Value(actorKey).(auth.Actor)
	return actor
}
