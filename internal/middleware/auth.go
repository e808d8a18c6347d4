package middleware

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/deviceguard/server/internal/config"
	"github.com/deviceguard/server/internal/observability"
)

type contextKey string

const (
	NodeContextKey contextKey = "node"
)

// TokenValidator resolves a node session token to the node it was issued to
type TokenValidator interface {
	NodeIDFromToken(token string) (string, error)
}

// GetNodeIDFromContext retrieves the authenticated node from request context
func GetNodeIDFromContext(ctx context.Context) string {
	if nodeID, ok := ctx.Value(NodeContextKey).(string); ok {
		return nodeID
	}
	return ""
}

// WithNodeID returns a context carrying an authenticated node id
func WithNodeID(ctx context.Context, nodeID string) context.Context {
	return context.WithValue(ctx, NodeContextKey, nodeID)
}

// APIKeyAuth creates middleware for operator API key authentication.
// Health checks, swagger and the node API are served without the key.
func APIKeyAuth(security config.Security) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			path := r.URL.Path
			if path == "/health" || path == "/api/health" {
				next.ServeHTTP(w, r)
				return
			}

			// Only operator API routes need the key
			if !strings.HasPrefix(path, "/api") || strings.HasPrefix(path, "/api/node/") {
				next.ServeHTTP(w, r)
				return
			}

			providedKey := r.Header.Get(security.APIKeyHeader)
			if providedKey == "" {
				writeUnauthorized(w, "API key is required.")
				return
			}

			// Constant-time comparison to prevent timing attacks
			if !constantTimeEquals(security.APIKey, providedKey) {
				observability.WithField("path", path).Warn("Rejected request with invalid API key")
				writeUnauthorized(w, "Invalid API key.")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// NodeAuth creates middleware for node session tokens. The token is read from
// the Authorization bearer header or, for websocket upgrades, the token query parameter.
func NodeAuth(validator TokenValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				token = r.URL.Query().Get("token")
			}
			if token == "" {
				writeUnauthorized(w, "Node session token is required.")
				return
			}

			nodeID, err := validator.NodeIDFromToken(token)
			if err != nil {
				observability.WithContext(r.Context()).Warnf("Rejected node token: %v", err)
				writeUnauthorized(w, "Node session expired or invalid.")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithNodeID(r.Context(), nodeID)))
		})
	}
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if len(header) > 7 && strings.EqualFold(header[:7], "Bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}

func writeUnauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// constantTimeEquals performs a constant-time string comparison
func constantTimeEquals(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
