package service

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/credpool/pool-server-go/internal/config"
	apperrors "github.com/credpool/pool-server-go/internal/errors"
	"github.com/credpool/pool-server-go/internal/model"
	"github.com/credpool/pool-server-go/internal/repository"
	"github.com/credpool/pool-server-go/internal/util"
)

// AccountRefresher is the slice of the refresh service that allocation
// needs: best-effort freshening of a just-claimed account.
type AccountRefresher interface {
	RefreshIfDue(ctx context.Context, account *model.Account) *model.Account
}

// PoolService owns the account pool: allocation, release, replenishment
// and session expiry. Cross-process safety comes from the store's atomic
// statements; the in-memory registry only tracks session idle times.
type PoolService struct {
	repo        repository.AccountRepository
	provisioner Provisioner
	refresher   AccountRefresher
	registry    *sessionRegistry
	cfg         *config.Config
}

func NewPoolService(
	repo repository.AccountRepository,
	provisioner Provisioner,
	refresher AccountRefresher,
	cfg *config.Config,
) *PoolService {
	return &PoolService{
		repo:        repo,
		provisioner: provisioner,
		refresher:   refresher,
		registry:    newSessionRegistry(),
		cfg:         cfg,
	}
}

// AllocateResult distinguishes fully satisfied, partially satisfied and
// failed allocations so callers can decide whether to proceed or retry.
type AllocateResult struct {
	Success   bool
	Partial   bool
	SessionID string
	Accounts  []model.Account
	Message   string
}

// Allocate claims up to count available accounts for the session,
// creating the session when sessionID is empty. When supply is short it
// attempts one bounded synchronous emergency replenish, then returns
// whatever could be claimed: all requested accounts, a partial result,
// or a hard failure with the pool unchanged. It never waits for
// background replenishment.
func (s *PoolService) Allocate(ctx context.Context, sessionID string, count int) (*AllocateResult, error) {
	if count == 0 {
		count = s.cfg.DefaultAllocateCount
	}
	if count < 1 || count > s.cfg.MaxAllocateCount {
		return nil, apperrors.InvalidInput("count",
			fmt.Sprintf("must be between 1 and %d", s.cfg.MaxAllocateCount))
	}

	if sessionID == "" {
		sessionID = newSessionID()
	}

	now := time.Now()
	claimed, err := s.repo.ClaimAvailable(ctx, sessionID, count, now)
	if err != nil {
		return nil, apperrors.Store(err)
	}

	if len(claimed) < count {
		if added := s.emergencyReplenish(ctx, count-len(claimed)); added > 0 {
			more, err := s.repo.ClaimAvailable(ctx, sessionID, count-len(claimed), time.Now())
			if err != nil {
				return nil, apperrors.Store(err)
			}
			claimed = append(claimed, more...)
		}
	}

	if len(claimed) == 0 {
		log.Warn().Str("session_id", sessionID).Int("requested", count).Msg("allocation failed, pool exhausted")
		return &AllocateResult{
			Success:   false,
			SessionID: sessionID,
			Accounts:  []model.Account{},
			Message:   "no accounts available, pool may be exhausted",
		}, nil
	}

	emails := make([]string, len(claimed))
	for i, a := range claimed {
		emails[i] = a.Email
	}
	s.registry.upsert(sessionID, emails, time.Now())

	// Hand out live tokens. Runs after the claim committed, outside any
	// lock; a failed refresh hands out the account with its old token.
	if s.refresher != nil {
		for i := range claimed {
			claimed[i] = *s.refresher.RefreshIfDue(ctx, &claimed[i])
		}
	}

	result := &AllocateResult{
		Success:   true,
		SessionID: sessionID,
		Accounts:  claimed,
	}
	if len(claimed) < count {
		result.Partial = true
		result.Message = fmt.Sprintf("allocated %d of %d requested accounts", len(claimed), count)
		log.Warn().
			Str("session_id", sessionID).
			Int("requested", count).
			Int("allocated", len(claimed)).
			Msg("partial allocation")
	} else {
		log.Info().
			Str("session_id", sessionID).
			Int("allocated", len(claimed)).
			Msg("accounts allocated")
	}

	return result, nil
}

// Release returns every account held by the session and drops the
// session. Idempotent: unknown or already-released sessions release
// zero accounts without error.
func (s *PoolService) Release(ctx context.Context, sessionID string) (int, error) {
	released, err := s.repo.ReleaseSession(ctx, sessionID, time.Now())
	if err != nil {
		return 0, apperrors.Store(err)
	}
	s.registry.remove(sessionID)

	if released > 0 {
		log.Info().Str("session_id", sessionID).Int("released", released).Msg("session released")
	} else {
		log.Debug().Str("session_id", sessionID).Msg("release of unknown or empty session")
	}
	return released, nil
}

// Status reports a point-in-time census of the pool.
func (s *PoolService) Status(ctx context.Context) (*model.PoolStats, error) {
	counts, err := s.repo.CountsByStatus(ctx)
	if err != nil {
		return nil, apperrors.Store(err)
	}

	stats := &model.PoolStats{
		Available:      counts[model.StatusAvailable],
		InUse:          counts[model.StatusInUse],
		Refreshing:     counts[model.StatusRefreshing],
		Expired:        counts[model.StatusExpired],
		Retired:        counts[model.StatusRetired],
		ActiveSessions: s.registry.count(),
		MinPoolSize:    s.cfg.MinPoolSize,
		MaxPoolSize:    s.cfg.MaxPoolSize,
	}
	for _, n := range counts {
		stats.Total += n
	}
	stats.Health = model.HealthFor(stats.Available, s.cfg.MinPoolSize)
	return stats, nil
}

// FindAccount looks up a single account by email.
func (s *PoolService) FindAccount(ctx context.Context, email string) (*model.Account, error) {
	account, err := s.repo.FindByEmail(ctx, email)
	if err != nil {
		return nil, apperrors.Store(err)
	}
	if account == nil {
		return nil, apperrors.UnknownAccount(email)
	}
	return account, nil
}

// ListAccounts pages through the pool, newest first. An empty status
// returns accounts in every state.
func (s *PoolService) ListAccounts(ctx context.Context, status model.AccountStatus, limit, offset int) ([]model.Account, error) {
	accounts, err := s.repo.List(ctx, status, limit, offset)
	if err != nil {
		return nil, apperrors.Store(err)
	}
	return accounts, nil
}

// Replenish provisions up to target new accounts, bounded by remaining
// pool capacity. Individual provisioning failures are logged and
// skipped; the return value is how many accounts were actually added.
func (s *PoolService) Replenish(ctx context.Context, target int) (int, error) {
	if !s.provisioner.Enabled() {
		return 0, apperrors.ProvisionerDisabled()
	}
	if target <= 0 {
		target = s.cfg.ReplenishBatchSize
	}

	counts, err := s.repo.CountsByStatus(ctx)
	if err != nil {
		return 0, apperrors.Store(err)
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	if capacity := s.cfg.MaxPoolSize - total; target > capacity {
		target = capacity
	}
	if target <= 0 {
		log.Debug().Int("total", total).Int("max", s.cfg.MaxPoolSize).Msg("pool at capacity, skipping replenish")
		return 0, nil
	}

	return s.provision(ctx, target), nil
}

// EnsureFloor tops the pool back up to MIN_POOL_SIZE available accounts.
// Called by the maintenance loop.
func (s *PoolService) EnsureFloor(ctx context.Context) (int, error) {
	counts, err := s.repo.CountsByStatus(ctx)
	if err != nil {
		return 0, apperrors.Store(err)
	}

	available := counts[model.StatusAvailable]
	if available >= s.cfg.MinPoolSize {
		return 0, nil
	}
	if !s.provisioner.Enabled() {
		log.Warn().
			Int("available", available).
			Int("min", s.cfg.MinPoolSize).
			Msg("pool below floor and no provisioner configured")
		return 0, nil
	}

	log.Info().
		Int("available", available).
		Int("min", s.cfg.MinPoolSize).
		Msg("pool below floor, replenishing")
	return s.Replenish(ctx, s.cfg.MinPoolSize-available)
}

// SweepExpiredSessions releases every session idle longer than the
// timeout, as if Release had been called on each.
func (s *PoolService) SweepExpiredSessions(ctx context.Context, now time.Time) (int, error) {
	ids := s.registry.expired(now, s.cfg.SessionTimeout())
	swept := 0
	for _, id := range ids {
		released, err := s.Release(ctx, id)
		if err != nil {
			log.Error().Err(err).Str("session_id", id).Msg("failed to sweep expired session")
			continue
		}
		log.Info().Str("session_id", id).Int("released", released).Msg("expired session swept")
		swept++
	}
	return swept, nil
}

// PruneTerminal deletes expired and retired accounts that have sat
// terminal for at least the grace period.
func (s *PoolService) PruneTerminal(ctx context.Context) (int, error) {
	n, err := s.repo.DeleteTerminal(ctx, time.Now().Add(-config.TerminalGracePeriod))
	if err != nil {
		return 0, apperrors.Store(err)
	}
	if n > 0 {
		log.Info().Int("pruned", n).Msg("terminal accounts pruned")
	}
	return n, nil
}

// ReclaimOrphans returns every claimed or mid-refresh account to the
// available pool. Only safe at startup, before any session exists.
func (s *PoolService) ReclaimOrphans(ctx context.Context) (int, error) {
	n, err := s.repo.ReleaseAll(ctx, time.Now())
	if err != nil {
		return 0, apperrors.Store(err)
	}
	if n > 0 {
		log.Info().Int("reclaimed", n).Msg("orphaned allocations reclaimed")
	}
	return n, nil
}

// RefreshPool prunes terminal accounts and restores the pool floor.
// Backs the manual pool refresh endpoint.
func (s *PoolService) RefreshPool(ctx context.Context) (pruned, provisioned int, err error) {
	pruned, err = s.PruneTerminal(ctx)
	if err != nil {
		return 0, 0, err
	}
	provisioned, err = s.EnsureFloor(ctx)
	if err != nil {
		return pruned, 0, err
	}
	return pruned, provisioned, nil
}

// emergencyReplenish synchronously provisions a small burst when an
// allocation finds the pool short. Best effort: failures only log.
func (s *PoolService) emergencyReplenish(ctx context.Context, shortfall int) int {
	if !s.provisioner.Enabled() {
		return 0
	}
	target := shortfall
	if target > s.cfg.EmergencyReplenishCount {
		target = s.cfg.EmergencyReplenishCount
	}

	log.Warn().Int("shortfall", shortfall).Int("target", target).Msg("emergency replenish triggered")
	added, err := s.Replenish(ctx, target)
	if err != nil {
		log.Error().Err(err).Msg("emergency replenish failed")
		return 0
	}
	return added
}

// provision runs target single-account provisioning attempts through a
// bounded worker pool. Each attempt gets its own timeout; failures and
// duplicate emails are logged and skipped.
func (s *PoolService) provision(ctx context.Context, target int) int {
	workers := s.cfg.ProvisionConcurrency
	if workers > target {
		workers = target
	}

	attempts := make(chan struct{}, target)
	for i := 0; i < target; i++ {
		attempts <- struct{}{}
	}
	close(attempts)

	var inserted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range attempts {
				if ctx.Err() != nil {
					return
				}
				if s.provisionOne(ctx) {
					inserted.Add(1)
				}
			}
		}()
	}
	wg.Wait()

	n := int(inserted.Load())
	log.Info().Int("target", target).Int("provisioned", n).Msg("replenish batch complete")
	return n
}

func (s *PoolService) provisionOne(ctx context.Context) bool {
	attemptCtx, cancel := context.WithTimeout(ctx, s.cfg.ProvisionTimeout())
	defer cancel()

	batch, err := s.provisioner.Provision(attemptCtx, 1)
	if err != nil {
		log.Warn().Err(err).Msg("provisioning attempt failed")
		return false
	}

	ok := false
	for _, params := range batch {
		account, err := s.repo.Insert(ctx, params)
		if err != nil {
			log.Error().Err(err).Str("email", util.MaskEmail(params.Email)).Msg("failed to store provisioned account")
			continue
		}
		if account == nil {
			log.Warn().Str("email", util.MaskEmail(params.Email)).Msg("provisioner returned duplicate account, skipping")
			continue
		}
		log.Info().Str("email", util.MaskEmail(account.Email)).Msg("account provisioned")
		ok = true
	}
	return ok
}

func newSessionID() string {
	return fmt.Sprintf("session_%s_%d", uuid.NewString()[:8], time.Now().Unix())
}
