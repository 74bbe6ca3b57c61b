package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/credpool/pool-server-go/internal/audit"
	"github.com/credpool/pool-server-go/internal/util"
)

type contextKey string

const adminContextKey contextKey = "admin"

// IsAdmin reports whether the request cleared the admin tier. Requests
// are implicitly admin when no admin token hash is configured.
func IsAdmin(ctx context.Context) bool {
	admin, ok := ctx.Value(adminContextKey).(bool)
	return ok && admin
}

// WithAdmin marks the request context as having cleared (or not cleared)
// the admin tier.
func WithAdmin(ctx context.Context, admin bool) context.Context {
	return context.WithValue(ctx, adminContextKey, admin)
}

// AuthMiddleware enforces the two bearer tiers. The service token gates
// every API route; the admin token additionally gates pool mutation and
// unredacted credential reads. Either may be left unconfigured, which
// disables that tier.
type AuthMiddleware struct {
	serviceHash string
	adminHash   string
}

func NewAuthMiddleware(serviceToken, adminTokenHash string) *AuthMiddleware {
	m := &AuthMiddleware{adminHash: adminTokenHash}
	if serviceToken != "" {
		m.serviceHash = util.HashToken(serviceToken)
	}
	return m
}

// RequireService admits requests carrying the service token or the
// admin token. With no service token configured everything passes.
func (m *AuthMiddleware) RequireService(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := extractToken(r)

		if m.serviceHash == "" {
			next.ServeHTTP(w, r.WithContext(m.grant(r.Context(), m.isAdminToken(token))))
			return
		}

		if token == "" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{
				"error": "Missing authentication token",
			})
			return
		}

		if util.ConstantTimeEqual(util.HashToken(token), m.serviceHash) {
			next.ServeHTTP(w, r.WithContext(m.grant(r.Context(), false)))
			return
		}
		if m.isAdminToken(token) {
			next.ServeHTTP(w, r.WithContext(m.grant(r.Context(), true)))
			return
		}

		log.Warn().Str("path", r.URL.Path).Msg("invalid bearer token attempt")
		audit.LogFromRequest(r, audit.Event{
			Type:    audit.EventAuthFailure,
			Details: map[string]interface{}{"path": r.URL.Path},
		})
		writeJSON(w, http.StatusUnauthorized, map[string]string{
			"error": "Invalid token",
		})
	})
}

// RequireAdmin admits only requests whose bearer token matches the admin
// hash. With no admin hash configured the service tier is sufficient.
func (m *AuthMiddleware) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if IsAdmin(r.Context()) {
			next.ServeHTTP(w, r)
			return
		}
		if m.isAdminToken(extractToken(r)) {
			next.ServeHTTP(w, r.WithContext(m.grant(r.Context(), true)))
			return
		}

		log.Warn().Str("path", r.URL.Path).Msg("admin operation without admin token")
		audit.LogFromRequest(r, audit.Event{
			Type:    audit.EventAdminDenied,
			Details: map[string]interface{}{"path": r.URL.Path},
		})
		writeJSON(w, http.StatusForbidden, map[string]string{
			"error": "Admin token required",
		})
	})
}

func (m *AuthMiddleware) grant(ctx context.Context, admin bool) context.Context {
	if m.adminHash == "" {
		admin = true
	}
	return WithAdmin(ctx, admin)
}

func (m *AuthMiddleware) isAdminToken(token string) bool {
	return token != "" && m.adminHash != "" && util.CheckTokenHash(token, m.adminHash)
}

func extractToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimPrefix(authHeader, "Bearer ")
	}
	return ""
}
