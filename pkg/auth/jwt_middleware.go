package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// Token sources, in lookup order.
const (
	SourceQuery  = "query"
	SourceHeader = "header"
	SourceBearer = "bearer"
)

// extractBearerToken extracts the token from the Authorization header.
func extractBearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return parts[1]
}

// TokenFromRequest finds a credential on an upgrade request: the token query
// parameter, a token header, or an Authorization bearer.
func TokenFromRequest(r *http.Request) (token, source string) {
	if t := r.URL.Query().Get("token"); t != "" {
		return t, SourceQuery
	}
	if t := r.Header.Get("token"); t != "" {
		return t, SourceHeader
	}
	if t := extractBearerToken(r.Header.Get("Authorization")); t != "" {
		return t, SourceBearer
	}
	return "", ""
}

// InternalTokenMiddleware guards service-to-service endpoints with a shared
// token in X-Internal-Token. An empty token leaves the endpoint open.
func InternalTokenMiddleware(token string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if token != "" {
			got := r.Header.Get("X-Internal-Token")
			if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}
