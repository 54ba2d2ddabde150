package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/equipsync/equipsync-go/internal/crypto"
)

type contextKey string

const organizationIDKey contextKey = "organization_id"

// JWTAuth validates the bearer token and injects the caller's organization
// id into the request context. Tokens are issued by the external
// permission layer; this service only verifies them.
func JWTAuth(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" {
				unauthorized(w, "missing authorization header")
				return
			}

			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || token == "" {
				unauthorized(w, "invalid authorization header format")
				return
			}

			claims, err := crypto.ValidateToken(token, secret)
			if err != nil {
				unauthorized(w, "invalid or expired token")
				return
			}
			if claims.OrganizationID == "" {
				unauthorized(w, "token has no organization scope")
				return
			}

			ctx := context.WithValue(r.Context(), organizationIDKey, claims.OrganizationID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// OperatorKey gates operator-only endpoints (resolve, retry, cancel) on a
// shared API key carried in X-API-Key and verified against its stored
// argon2id hash. With no hash configured the endpoints are disabled.
func OperatorKey(keyHash string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if keyHash == "" {
				forbidden(w, "operator endpoints are not configured")
				return
			}

			key := r.Header.Get("X-API-Key")
			if key == "" {
				unauthorized(w, "missing operator key")
				return
			}

			ok, err := crypto.VerifySecret(key, keyHash)
			if err != nil || !ok {
				forbidden(w, "invalid operator key")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// OrgIDFromContext extracts the authenticated organization id.
func OrgIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(organizationIDKey).(string)
	return id, ok
}

func unauthorized(w http.ResponseWriter, message string) {
	writeError(w, http.StatusUnauthorized, message)
}

func forbidden(w http.ResponseWriter, message string) {
	writeError(w, http.StatusForbidden, message)
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
