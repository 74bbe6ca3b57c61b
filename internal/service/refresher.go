package service

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/credpool/pool-server-go/internal/config"
	apperrors "github.com/credpool/pool-server-go/internal/errors"
	"github.com/credpool/pool-server-go/internal/model"
	"github.com/credpool/pool-server-go/internal/repository"
	"github.com/credpool/pool-server-go/internal/util"
)

// TokenExchanger trades a refresh token for a fresh id token.
type TokenExchanger interface {
	Exchange(ctx context.Context, refreshToken string) (*RefreshResult, error)
}

// TokenRefreshService keeps account credentials usable. It is the only
// writer of token columns, and every refresh is serialized through the
// refreshing status so an account is never exchanged twice concurrently.
//
// Refreshing more often than minInterval gets accounts flagged by the
// issuer, so the interval is enforced even across force paths unless the
// caller explicitly overrides it.
type TokenRefreshService struct {
	repo        repository.AccountRepository
	exchanger   TokenExchanger
	minInterval time.Duration
	buffer      time.Duration
	timeout     time.Duration
}

func NewTokenRefreshService(
	repo repository.AccountRepository,
	exchanger TokenExchanger,
	minInterval, buffer, timeout time.Duration,
) *TokenRefreshService {
	return &TokenRefreshService{
		repo:        repo,
		exchanger:   exchanger,
		minInterval: minInterval,
		buffer:      buffer,
		timeout:     timeout,
	}
}

// RefreshDue refreshes every circulating account whose token expires
// within the buffer window and whose last refresh is older than the
// minimum interval. Individual failures are logged and skipped. Returns
// the number of accounts actually refreshed.
func (s *TokenRefreshService) RefreshDue(ctx context.Context, now time.Time) (int, error) {
	deadline := now.Add(s.buffer)
	refreshedBefore := now.Add(-s.minInterval)

	candidates, err := s.repo.DueForRefresh(ctx, deadline, refreshedBefore, config.RefreshBatchLimit)
	if err != nil {
		return 0, apperrors.Store(err)
	}

	refreshed := 0
	for i := range candidates {
		if ctx.Err() != nil {
			return refreshed, ctx.Err()
		}
		account := &candidates[i]
		if err := s.refreshOne(ctx, account); err != nil {
			log.Warn().
				Err(err).
				Str("email", util.MaskEmail(account.Email)).
				Msg("background refresh failed")
			continue
		}
		refreshed++
	}

	if refreshed > 0 {
		log.Info().Int("refreshed", refreshed).Int("candidates", len(candidates)).Msg("background token refresh complete")
	}
	return refreshed, nil
}

// Refresh refreshes a single account on demand. With force false the
// call is throttled by the minimum interval and skipped entirely when
// the token is not near expiry; force bypasses both checks. Returns
// whether an exchange was actually performed.
func (s *TokenRefreshService) Refresh(ctx context.Context, email string, force bool) (bool, error) {
	account, err := s.repo.FindByEmail(ctx, email)
	if err != nil {
		return false, apperrors.Store(err)
	}
	if account == nil {
		return false, apperrors.UnknownAccount(email)
	}
	if account.Status.Terminal() {
		return false, apperrors.New(apperrors.ErrCodeRefreshFailed,
			"Account is retired and cannot be refreshed").WithDetails(map[string]string{"status": string(account.Status)})
	}

	now := time.Now()
	if !force {
		if s.throttled(account, now) {
			return false, apperrors.RefreshThrottled(email)
		}
		if !account.TokenExpired(now, s.buffer) {
			return false, nil
		}
	}

	if err := s.refreshOne(ctx, account); err != nil {
		return false, err
	}
	return true, nil
}

// RefreshAvailable walks every available account and refreshes the due
// ones. force bypasses the due and interval checks. Used by the manual
// bulk refresh endpoint.
func (s *TokenRefreshService) RefreshAvailable(ctx context.Context, force bool) (int, error) {
	accounts, err := s.repo.ListByStatus(ctx, model.StatusAvailable)
	if err != nil {
		return 0, apperrors.Store(err)
	}

	now := time.Now()
	refreshed := 0
	for i := range accounts {
		if ctx.Err() != nil {
			return refreshed, ctx.Err()
		}
		account := &accounts[i]
		if !force {
			if s.throttled(account, now) || !account.TokenExpired(now, s.buffer) {
				continue
			}
		}
		if err := s.refreshOne(ctx, account); err != nil {
			log.Warn().
				Err(err).
				Str("email", util.MaskEmail(account.Email)).
				Msg("bulk refresh failed")
			continue
		}
		refreshed++
	}

	log.Info().Int("refreshed", refreshed).Int("scanned", len(accounts)).Msg("bulk token refresh complete")
	return refreshed, nil
}

// RefreshIfDue refreshes a just-claimed account when its token is expired
// or near expiry and the interval allows. Any failure hands back the
// original account so allocation never blocks on a broken issuer.
func (s *TokenRefreshService) RefreshIfDue(ctx context.Context, account *model.Account) *model.Account {
	now := time.Now()
	if !account.TokenExpired(now, s.buffer) || s.throttled(account, now) {
		return account
	}

	if err := s.refreshOne(ctx, account); err != nil {
		log.Warn().
			Err(err).
			Str("email", util.MaskEmail(account.Email)).
			Msg("allocation-time refresh failed, handing out account unchanged")
		return account
	}

	updated, err := s.repo.FindByEmail(ctx, account.Email)
	if err != nil || updated == nil {
		return account
	}
	return updated
}

func (s *TokenRefreshService) throttled(account *model.Account, now time.Time) bool {
	return account.LastRefreshAt != nil && now.Sub(*account.LastRefreshAt) < s.minInterval
}

// refreshOne performs the serialized exchange for one account. The caller
// has already decided the refresh should happen; this method only guards
// against concurrent refreshes via the status CAS.
func (s *TokenRefreshService) refreshOne(ctx context.Context, account *model.Account) error {
	// A CAS from refreshing to refreshing would succeed and break the
	// one-exchange-at-a-time guarantee, so reject the state outright.
	if account.Status == model.StatusRefreshing {
		return apperrors.New(apperrors.ErrCodeRefreshThrottled,
			"Refresh already in progress for "+account.Email)
	}

	now := time.Now()

	ok, err := s.repo.UpdateStatusIf(ctx, account.Email, account.Status, model.StatusRefreshing, now)
	if err != nil {
		return apperrors.Store(err)
	}
	if !ok {
		return apperrors.New(apperrors.ErrCodeRefreshThrottled,
			"Refresh already in progress for "+account.Email)
	}

	exchangeCtx, cancel := context.WithTimeout(ctx, s.timeout)
	result, err := s.exchanger.Exchange(exchangeCtx, account.RefreshToken)
	cancel()

	if err != nil {
		var refreshErr *RefreshError
		if errors.As(err, &refreshErr) && refreshErr.Permanent {
			// Dead credentials. Retire the account; the maintenance
			// loop prunes it later.
			if _, casErr := s.repo.UpdateStatusIf(ctx, account.Email, model.StatusRefreshing, model.StatusExpired, time.Now()); casErr != nil {
				log.Error().Err(casErr).Str("email", util.MaskEmail(account.Email)).Msg("failed to retire account after permanent refresh error")
			} else {
				log.Warn().
					Str("email", util.MaskEmail(account.Email)).
					Str("reason", refreshErr.Reason).
					Msg("account retired, credentials permanently rejected")
			}
			return apperrors.RefreshFailed(account.Email, err)
		}

		// Transient failure. Put the account back in circulation with its
		// old token; the next pass retries.
		if _, finErr := s.repo.FinishRefresh(ctx, account.Email, time.Now()); finErr != nil {
			log.Error().Err(finErr).Str("email", util.MaskEmail(account.Email)).Msg("failed to restore account after refresh error")
		}
		return apperrors.RefreshFailed(account.Email, err)
	}

	if _, err := s.repo.UpdateTokens(ctx, account.Email, result.IDToken, result.RefreshToken, result.LocalID, result.ExpiresAt, time.Now()); err != nil {
		if _, finErr := s.repo.FinishRefresh(ctx, account.Email, time.Now()); finErr != nil {
			log.Error().Err(finErr).Str("email", util.MaskEmail(account.Email)).Msg("failed to restore account after store error")
		}
		return apperrors.Store(err)
	}

	if _, err := s.repo.FinishRefresh(ctx, account.Email, time.Now()); err != nil {
		return apperrors.Store(err)
	}

	log.Debug().Str("email", util.MaskEmail(account.Email)).Msg("token refreshed")
	return nil
}
