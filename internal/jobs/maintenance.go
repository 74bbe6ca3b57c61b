package jobs

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/credpool/pool-server-go/internal/config"
)

// PoolMaintainer is the slice of the pool service the maintenance loop
// drives.
type PoolMaintainer interface {
	SweepExpiredSessions(ctx context.Context, now time.Time) (int, error)
	PruneTerminal(ctx context.Context) (int, error)
	EnsureFloor(ctx context.Context) (int, error)
}

// TokenRefresher refreshes every account due for a new token.
type TokenRefresher interface {
	RefreshDue(ctx context.Context, now time.Time) (int, error)
}

// MaintenanceJob periodically sweeps idle sessions, prunes terminal
// accounts, restores the pool floor and refreshes expiring tokens.
// Passes run serially; a slow pass delays the next tick instead of
// overlapping it.
type MaintenanceJob struct {
	pool      PoolMaintainer
	refresher TokenRefresher
	interval  time.Duration
	done      chan struct{}
}

func NewMaintenanceJob(pool PoolMaintainer, refresher TokenRefresher, interval time.Duration) *MaintenanceJob {
	return &MaintenanceJob{
		pool:      pool,
		refresher: refresher,
		interval:  interval,
		done:      make(chan struct{}),
	}
}

func (j *MaintenanceJob) Start() {
	go j.run()
	log.Info().Dur("interval", j.interval).Msg("maintenance job started")
}

func (j *MaintenanceJob) Stop() {
	close(j.done)
	log.Info().Msg("maintenance job stopped")
}

func (j *MaintenanceJob) run() {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.maintain()

	for {
		select {
		case <-j.done:
			return
		case <-ticker.C:
			j.maintain()
		}
	}
}

func (j *MaintenanceJob) maintain() {
	ctx, cancel := context.WithTimeout(context.Background(), config.MaintenanceRunTimeout)
	defer cancel()

	now := time.Now()
	j.runTask(ctx, "expired sessions", func(ctx context.Context) (int, error) {
		return j.pool.SweepExpiredSessions(ctx, now)
	})
	j.runTask(ctx, "terminal accounts", j.pool.PruneTerminal)
	j.runTask(ctx, "pool floor", j.pool.EnsureFloor)
	if j.refresher != nil {
		j.runTask(ctx, "due tokens", func(ctx context.Context) (int, error) {
			return j.refresher.RefreshDue(ctx, now)
		})
	}
}

func (j *MaintenanceJob) runTask(ctx context.Context, name string, fn func(context.Context) (int, error)) {
	count, err := fn(ctx)
	if err != nil {
		log.Error().Err(err).Msgf("maintenance task failed: %s", name)
	} else if count > 0 {
		log.Info().Int("count", count).Msgf("maintenance handled %s", name)
	}
}
