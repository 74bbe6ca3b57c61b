package model

import (
	"time"
)

// Account is a credentialed identity held by the pool. Email is the
// primary key. IDToken and RefreshToken are live credentials and are
// only serialized on allocation responses; inspection views must use
// Redacted instead.
type Account struct {
	Email          string        `db:"email" json:"email"`
	LocalID        string        `db:"local_id" json:"local_id"`
	IDToken        string        `db:"id_token" json:"id_token"`
	RefreshToken   string        `db:"refresh_token" json:"refresh_token"`
	Status         AccountStatus `db:"status" json:"status"`
	SessionID      *string       `db:"session_id" json:"session_id,omitempty"`
	UseCount       int           `db:"use_count" json:"use_count"`
	CreatedAt      time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time     `db:"updated_at" json:"updated_at"`
	LastUsedAt     *time.Time    `db:"last_used_at" json:"last_used_at,omitempty"`
	LastRefreshAt  *time.Time    `db:"last_refresh_at" json:"last_refresh_at,omitempty"`
	TokenExpiresAt *time.Time    `db:"token_expires_at" json:"token_expires_at,omitempty"`
}

type CreateAccountParams struct {
	Email        string
	LocalID      string
	IDToken      string
	RefreshToken string
}

// RedactedPlaceholder stands in for credential values on inspection
// responses.
const RedactedPlaceholder = "<redacted>"

// Redacted returns a copy with credential values replaced by a
// placeholder. Empty credentials stay empty so callers can still see
// which fields were never populated.
func (a *Account) Redacted() Account {
	redacted := *a
	if redacted.IDToken != "" {
		redacted.IDToken = RedactedPlaceholder
	}
	if redacted.RefreshToken != "" {
		redacted.RefreshToken = RedactedPlaceholder
	}
	return redacted
}

// TokenExpired reports whether the id_token is past (or within skew of)
// its recorded expiry. Accounts with no recorded expiry are treated as
// expired so they get refreshed on first allocation.
func (a *Account) TokenExpired(now time.Time, skew time.Duration) bool {
	if a.TokenExpiresAt == nil {
		return true
	}
	return !now.Add(skew).Before(*a.TokenExpiresAt)
}
