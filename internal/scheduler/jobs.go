package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Job names.
const (
	JobHealthCheck     = "health_check"
	JobRegistryCleanup = "registry_cleanup"
	JobHistoryPrune    = "history_prune"
	JobLimiterPrune    = "rate_limiter_prune"
)

// Pinger checks engine reachability.
type Pinger interface {
	Ping(ctx context.Context) error
	State() string
}

// Cleaner evicts tasks from the registry.
type Cleaner interface {
	Sweep(maxAge time.Duration) int
	EvictObserved(grace time.Duration) int
}

// AgePruner drops entries older than maxAge and reports how many went.
type AgePruner interface {
	Prune(maxAge time.Duration) int
}

// HistoryPruner deletes persisted history recorded before a cutoff.
type HistoryPruner interface {
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// HealthCheck pings the engine every interval. A failed ping drops the link
// and the transport reconnects on its own; the job only reports it.
func HealthCheck(p Pinger, interval time.Duration) Job {
	return Job{
		Name:     JobHealthCheck,
		Interval: interval,
		Timeout:  interval,
		Run: func(ctx context.Context, logger *slog.Logger) error {
			if err := p.Ping(ctx); err != nil {
				return fmt.Errorf("engine ping (state %s): %w", p.State(), err)
			}
			return nil
		},
	}
}

// RegistryCleanup sweeps tasks older than retention, evicts observed terminal
// tasks after grace and drops progress topics that closed before retention.
// progress may be nil.
func RegistryCleanup(c Cleaner, progress AgePruner, interval, retention, grace time.Duration) Job {
	return Job{
		Name:     JobRegistryCleanup,
		Interval: interval,
		Run: func(_ context.Context, logger *slog.Logger) error {
			swept := c.Sweep(retention)
			observed := c.EvictObserved(grace)
			pruned := 0
			if progress != nil {
				pruned = progress.Prune(retention)
			}
			if swept+observed+pruned > 0 {
				logger.Info("registry cleanup",
					"swept", swept,
					"observed_evicted", observed,
					"progress_pruned", pruned,
				)
			}
			return nil
		},
	}
}

// HistoryPrune deletes history rows older than retention.
func HistoryPrune(p HistoryPruner, interval, retention time.Duration) Job {
	return Job{
		Name:     JobHistoryPrune,
		Interval: interval,
		Run: func(ctx context.Context, logger *slog.Logger) error {
			n, err := p.Prune(ctx, time.Now().UTC().Add(-retention))
			if err != nil {
				return fmt.Errorf("prune history: %w", err)
			}
			if n > 0 {
				logger.Info("history pruned", "rows", n)
			}
			return nil
		},
	}
}

// LimiterPrune forgets rate limiter state for clients idle longer than idle.
func LimiterPrune(p AgePruner, interval, idle time.Duration) Job {
	return Job{
		Name:     JobLimiterPrune,
		Interval: interval,
		Run: func(_ context.Context, logger *slog.Logger) error {
			if n := p.Prune(idle); n > 0 {
				logger.Debug("idle rate limiters pruned", "clients", n)
			}
			return nil
		},
	}
}
