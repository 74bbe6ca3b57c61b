package model

import (
	"time"
)

// Session is an in-memory lease over one or more allocated accounts.
// Sessions are not persisted; the durable link is accounts.session_id,
// which lets a restart reclaim accounts whose session died with the
// process.
type Session struct {
	ID            string    `json:"session_id"`
	AccountEmails []string  `json:"account_emails"`
	CreatedAt     time.Time `json:"created_at"`
	LastTouchedAt time.Time `json:"last_touched_at"`
}

// Expired reports whether the session has been idle longer than timeout.
func (s *Session) Expired(now time.Time, timeout time.Duration) bool {
	return now.Sub(s.LastTouchedAt) >= timeout
}

// PoolStats is a point-in-time census of the pool, grouped by status.
type PoolStats struct {
	Total          int        `json:"total"`
	Available      int        `json:"available"`
	InUse          int        `json:"in_use"`
	Refreshing     int        `json:"refreshing"`
	Expired        int        `json:"expired"`
	Retired        int        `json:"retired"`
	ActiveSessions int        `json:"active_sessions"`
	MinPoolSize    int        `json:"min_pool_size"`
	MaxPoolSize    int        `json:"max_pool_size"`
	Health         PoolHealth `json:"health"`
}
