package config

import "time"

// Database connection pool settings
const (
	DBMaxOpenConns    = 25
	DBMaxIdleConns    = 5
	DBConnMaxLifetime = 5 * time.Minute
)

// HTTP server timeouts
const (
	ServerRequestTimeout  = 60 * time.Second
	ServerReadTimeout     = 15 * time.Second
	ServerIdleTimeout     = 120 * time.Second
	ServerShutdownTimeout = 30 * time.Second
)

// Database ping timeout for health checks
const DBPingTimeout = 5 * time.Second

// How long a freshly minted id_token is assumed valid when the refresh
// endpoint returns no expires_in and the token carries no exp claim.
const DefaultTokenTTL = time.Hour

// Tokens within this skew of expiry are treated as already expired.
const TokenExpirySkew = 30 * time.Second

// Startup timeout for reclaiming orphaned allocations.
const ReclaimTimeout = 10 * time.Second

// Upper bound on accounts refreshed per maintenance pass.
const RefreshBatchLimit = 50

// Budget for one full maintenance pass. Provisioning and token refresh
// both call external services, so this is far looser than the interval;
// passes never overlap regardless.
const MaintenanceRunTimeout = 10 * time.Minute

// Terminal accounts stay visible this long before the maintenance loop
// deletes them, leaving a window for inspection.
const TerminalGracePeriod = 24 * time.Hour
