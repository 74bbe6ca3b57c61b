package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/credpool/pool-server-go/internal/audit"
	apperrors "github.com/credpool/pool-server-go/internal/errors"
	"github.com/credpool/pool-server-go/internal/httputil"
	"github.com/credpool/pool-server-go/internal/middleware"
	"github.com/credpool/pool-server-go/internal/model"
	"github.com/credpool/pool-server-go/internal/service"
	"github.com/credpool/pool-server-go/internal/util"
)

type PoolHandler struct {
	poolService    *service.PoolService
	refreshService *service.TokenRefreshService
	requireAdmin   func(http.Handler) http.Handler
}

func NewPoolHandler(
	poolService *service.PoolService,
	refreshService *service.TokenRefreshService,
	requireAdmin func(http.Handler) http.Handler,
) *PoolHandler {
	return &PoolHandler{
		poolService:    poolService,
		refreshService: refreshService,
		requireAdmin:   requireAdmin,
	}
}

func (h *PoolHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/allocate", h.Allocate)
	r.Post("/release", h.Release)
	r.Get("/status", h.Status)
	r.Get("/", h.ListAccounts)
	r.Get("/{email}", h.GetAccount)

	r.Group(func(r chi.Router) {
		r.Use(h.requireAdmin)
		r.Post("/refresh-tokens", h.RefreshTokens)
		r.Post("/replenish", h.Replenish)
	})

	return r
}

// POST /accounts/allocate
// Core API: claim accounts for a workload session. Responds 200 with
// success=false when the pool is exhausted; errors are reserved for
// invalid requests and store failures.
func (h *PoolHandler) Allocate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string `json:"session_id"`
		Count     int    `json:"count"`
	}
	if err := decodeBody(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}

	result, err := h.poolService.Allocate(r.Context(), req.SessionID, req.Count)
	if err != nil {
		writeError(w, err, "allocation failed")
		return
	}

	audit.LogFromRequest(r, audit.Event{
		Type:      audit.EventAllocate,
		SessionID: result.SessionID,
		Details: map[string]interface{}{
			"requested": req.Count,
			"allocated": len(result.Accounts),
			"partial":   result.Partial,
		},
	})

	writeJSON(w, http.StatusOK, map[string]any{
		"success":    result.Success,
		"partial":    result.Partial,
		"session_id": result.SessionID,
		"accounts":   result.Accounts,
		"message":    result.Message,
	})
}

// POST /accounts/release
// Idempotent: releasing an unknown or already-released session reports
// zero accounts instead of an error.
func (h *PoolHandler) Release(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string `json:"session_id"`
	}
	if err := decodeBody(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}
	if req.SessionID == "" {
		httputil.WriteError(w, apperrors.MissingRequired("session_id"))
		return
	}

	released, err := h.poolService.Release(r.Context(), req.SessionID)
	if err != nil {
		writeError(w, err, "release failed")
		return
	}

	audit.LogFromRequest(r, audit.Event{
		Type:      audit.EventRelease,
		SessionID: req.SessionID,
		Details:   map[string]interface{}{"released": released},
	})

	writeJSON(w, http.StatusOK, map[string]any{
		"success":        true,
		"released_count": released,
	})
}

// GET /accounts/status
func (h *PoolHandler) Status(w http.ResponseWriter, r *http.Request) {
	stats, err := h.poolService.Status(r.Context())
	if err != nil {
		writeError(w, err, "pool status query failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"pool_stats": map[string]int{
			"available":  stats.Available,
			"in_use":     stats.InUse,
			"refreshing": stats.Refreshing,
			"expired":    stats.Expired,
			"retired":    stats.Retired,
			"total":      stats.Total,
		},
		"active_sessions": stats.ActiveSessions,
		"health":          stats.Health,
		"min_pool_size":   stats.MinPoolSize,
		"timestamp":       time.Now().UTC().Format(time.RFC3339),
	})
}

// POST /accounts/refresh-tokens
// Admin API: refresh one account by email, or every available account
// when email is omitted. force bypasses the expiry and interval checks.
func (h *PoolHandler) RefreshTokens(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
		Force bool   `json:"force"`
	}
	if err := decodeBody(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}

	if req.Email != "" {
		if !util.IsValidEmail(req.Email) {
			httputil.WriteError(w, apperrors.InvalidInput("email", "must be a valid email address"))
			return
		}
		performed, err := h.refreshService.Refresh(r.Context(), req.Email, req.Force)
		if err != nil {
			writeError(w, err, "token refresh failed")
			return
		}
		count := 0
		if performed {
			count = 1
		}
		audit.LogFromRequest(r, audit.Event{
			Type:    audit.EventTokenRefresh,
			Email:   req.Email,
			Details: map[string]interface{}{"force": req.Force, "refreshed": count},
		})
		writeJSON(w, http.StatusOK, map[string]any{"refreshed_count": count})
		return
	}

	count, err := h.refreshService.RefreshAvailable(r.Context(), req.Force)
	if err != nil {
		writeError(w, err, "bulk token refresh failed")
		return
	}
	audit.LogFromRequest(r, audit.Event{
		Type:    audit.EventTokenRefresh,
		Details: map[string]interface{}{"force": req.Force, "refreshed": count},
	})
	writeJSON(w, http.StatusOK, map[string]any{"refreshed_count": count})
}

// POST /accounts/replenish
// Admin API: provision new accounts, bounded by remaining pool capacity.
func (h *PoolHandler) Replenish(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Count int `json:"count"`
	}
	if err := decodeBody(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}
	if req.Count < 0 {
		httputil.WriteError(w, apperrors.InvalidInput("count", "must not be negative"))
		return
	}

	provisioned, err := h.poolService.Replenish(r.Context(), req.Count)
	if err != nil {
		writeError(w, err, "replenish failed")
		return
	}

	stats, err := h.poolService.Status(r.Context())
	if err != nil {
		writeError(w, err, "pool status query failed")
		return
	}

	audit.LogFromRequest(r, audit.Event{
		Type:    audit.EventReplenish,
		Details: map[string]interface{}{"provisioned": provisioned},
	})

	writeJSON(w, http.StatusOK, map[string]any{
		"provisioned_count": provisioned,
		"available":         stats.Available,
	})
}

// POST /pool/refresh
// Admin API: prune terminal accounts and restore the pool floor.
func (h *PoolHandler) RefreshPool(w http.ResponseWriter, r *http.Request) {
	pruned, provisioned, err := h.poolService.RefreshPool(r.Context())
	if err != nil {
		writeError(w, err, "pool refresh failed")
		return
	}

	audit.LogFromRequest(r, audit.Event{
		Type:    audit.EventPoolRefresh,
		Details: map[string]interface{}{"pruned": pruned, "provisioned": provisioned},
	})

	writeJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"pruned":      pruned,
		"provisioned": provisioned,
	})
}

// GET /accounts
// Paginated listing, optionally filtered by ?status=. Credentials are
// redacted unless the caller cleared the admin tier.
func (h *PoolHandler) ListAccounts(w http.ResponseWriter, r *http.Request) {
	params := ParsePagination(r)

	status := model.AccountStatus(r.URL.Query().Get("status"))
	if status != "" && !status.Valid() {
		httputil.WriteError(w, apperrors.InvalidInput("status", "unknown account status"))
		return
	}

	accounts, err := h.poolService.ListAccounts(r.Context(), status, params.Limit, params.Offset)
	if err != nil {
		writeError(w, err, "account listing failed")
		return
	}

	if !middleware.IsAdmin(r.Context()) {
		for i := range accounts {
			accounts[i] = accounts[i].Redacted()
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"items": accounts,
		"total": len(accounts),
	})
}

// GET /accounts/{email}
// Credentials are redacted unless the caller cleared the admin tier.
func (h *PoolHandler) GetAccount(w http.ResponseWriter, r *http.Request) {
	email := chi.URLParam(r, "email")

	account, err := h.poolService.FindAccount(r.Context(), email)
	if err != nil {
		writeError(w, err, "account lookup failed")
		return
	}

	if middleware.IsAdmin(r.Context()) {
		writeJSON(w, http.StatusOK, account)
		return
	}
	writeJSON(w, http.StatusOK, account.Redacted())
}

// GET /health
// Liveness plus the current pool health tier. A store failure degrades
// pool_health to unknown; the probe itself still answers 200.
func (h *PoolHandler) Health(w http.ResponseWriter, r *http.Request) {
	health := "unknown"
	if stats, err := h.poolService.Status(r.Context()); err == nil {
		health = string(stats.Health)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"timestamp":   time.Now().UTC().Format(time.RFC3339),
		"pool_health": health,
	})
}
