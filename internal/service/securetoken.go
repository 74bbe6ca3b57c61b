package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"

	"github.com/credpool/pool-server-go/internal/config"
)

// Refresh errors the token issuer reports for credentials that will
// never work again. Accounts hitting these are retired instead of retried.
var permanentRefreshErrors = []string{
	"TOKEN_EXPIRED",
	"USER_DISABLED",
	"USER_NOT_FOUND",
	"INVALID_REFRESH_TOKEN",
	"INVALID_GRANT_TYPE",
	"MISSING_REFRESH_TOKEN",
}

// RefreshResult carries the fields of a successful token exchange.
// RefreshToken and LocalID are empty when the issuer did not rotate them.
type RefreshResult struct {
	IDToken      string
	RefreshToken string
	LocalID      string
	ExpiresAt    *time.Time
}

// RefreshError distinguishes credentials that are permanently dead from
// transient issuer failures.
type RefreshError struct {
	Reason    string
	Permanent bool
}

func (e *RefreshError) Error() string {
	if e.Permanent {
		return fmt.Sprintf("refresh permanently failed: %s", e.Reason)
	}
	return fmt.Sprintf("refresh failed: %s", e.Reason)
}

// SecureTokenClient exchanges refresh tokens for fresh id tokens against
// the Google Secure Token endpoint.
type SecureTokenClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewSecureTokenClient(baseURL, apiKey string, timeout time.Duration) *SecureTokenClient {
	return &SecureTokenClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

type secureTokenRequest struct {
	GrantType    string `json:"grant_type"`
	RefreshToken string `json:"refresh_token"`
}

type secureTokenResponse struct {
	IDToken      string `json:"id_token"`
	RefreshToken string `json:"refresh_token"`
	UserID       string `json:"user_id"`
	ExpiresIn    string `json:"expires_in"`
}

type secureTokenErrorResponse struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (c *SecureTokenClient) Exchange(ctx context.Context, refreshToken string) (*RefreshResult, error) {
	if c.apiKey == "" {
		return nil, &RefreshError{Reason: "no API key configured", Permanent: false}
	}

	body, err := json.Marshal(secureTokenRequest{
		GrantType:    "refresh_token",
		RefreshToken: refreshToken,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	url := fmt.Sprintf("%s?key=%s", c.baseURL, c.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.client.Do(req)
	elapsed := time.Since(start)

	if err != nil {
		log.Error().Err(err).Dur("elapsed", elapsed).Msg("secure token request error")
		return nil, &RefreshError{Reason: err.Error(), Permanent: false}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &RefreshError{Reason: fmt.Sprintf("read response: %v", err), Permanent: false}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		reason := fmt.Sprintf("HTTP %d", resp.StatusCode)
		var errResp secureTokenErrorResponse
		if json.Unmarshal(respBody, &errResp) == nil && errResp.Error.Message != "" {
			reason = fmt.Sprintf("HTTP %d: %s", resp.StatusCode, errResp.Error.Message)
		}
		log.Error().
			Int("status", resp.StatusCode).
			Dur("elapsed", elapsed).
			Str("reason", reason).
			Msg("secure token exchange failed")
		return nil, &RefreshError{
			Reason:    reason,
			Permanent: resp.StatusCode == http.StatusBadRequest && isPermanentReason(reason),
		}
	}

	var tokenResp secureTokenResponse
	if err := json.Unmarshal(respBody, &tokenResp); err != nil {
		return nil, &RefreshError{Reason: fmt.Sprintf("decode response: %v", err), Permanent: false}
	}
	if tokenResp.IDToken == "" {
		return nil, &RefreshError{Reason: "response missing id_token", Permanent: false}
	}

	result := &RefreshResult{
		IDToken:      tokenResp.IDToken,
		RefreshToken: tokenResp.RefreshToken,
		LocalID:      tokenResp.UserID,
		ExpiresAt:    tokenExpiry(tokenResp.IDToken, tokenResp.ExpiresIn, time.Now()),
	}

	log.Debug().Dur("elapsed", elapsed).Msg("secure token exchange successful")
	return result, nil
}

func isPermanentReason(reason string) bool {
	for _, code := range permanentRefreshErrors {
		if strings.Contains(reason, code) {
			return true
		}
	}
	return false
}

// tokenExpiry derives the expiry of a freshly issued id_token. The JWT exp
// claim wins when present; expires_in is the fallback, then the default TTL.
// The token signature is not verified, only the claim is read.
func tokenExpiry(idToken, expiresIn string, now time.Time) *time.Time {
	parser := jwt.NewParser(jwt.WithoutClaimsValidation())
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(idToken, claims); err == nil {
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
			t := exp.Time
			return &t
		}
	}

	if expiresIn != "" {
		if secs, err := strconv.Atoi(expiresIn); err == nil && secs > 0 {
			t := now.Add(time.Duration(secs) * time.Second)
			return &t
		}
	}

	t := now.Add(config.DefaultTokenTTL)
	return &t
}
