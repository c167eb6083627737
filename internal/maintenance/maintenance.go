// Package maintenance runs the janitorial tasks: stale-claim recovery,
// completed-message and acked-response pruning, and the conversation
// TTL sweep. Everything shares one cooperative timer so the dispatcher
// is never starved by housekeeping.
package maintenance

import (
	"context"
	"log/slog"
	"time"

	"github.com/crewdhq/crewd/internal/config"
	"github.com/crewdhq/crewd/internal/queue"
	"github.com/crewdhq/crewd/internal/team"
)

type Loop struct {
	store queue.Store
	cfg   *config.Config
	convs *team.Tracker

	tick       time.Duration
	staleEvery time.Duration
	pruneEvery time.Duration
	sweepEvery time.Duration

	lastStale time.Time
	lastPrune time.Time
	lastSweep time.Time
}

func New(store queue.Store, cfg *config.Config, convs *team.Tracker) *Loop {
	return &Loop{
		store:      store,
		cfg:        cfg,
		convs:      convs,
		tick:       time.Minute,
		staleEvery: 5 * time.Minute,
		pruneEvery: time.Hour,
		sweepEvery: 30 * time.Minute,
	}
}

// Run executes tasks until ctx is cancelled. Task errors are logged and
// retried on the next due tick.
func (l *Loop) Run(ctx context.Context) {
	slog.Info("maintenance.started",
		"stale_every", l.staleEvery, "prune_every", l.pruneEvery, "sweep_every", l.sweepEvery)

	ticker := time.NewTicker(l.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("maintenance.stopped")
			return
		case now := <-ticker.C:
			l.step(ctx, now)
		}
	}
}

// step runs every task whose interval has elapsed. All tasks fire on
// the first tick after start.
func (l *Loop) step(ctx context.Context, now time.Time) {
	if now.Sub(l.lastStale) >= l.staleEvery {
		l.lastStale = now
		l.recoverStale(ctx)
	}
	if now.Sub(l.lastPrune) >= l.pruneEvery {
		l.lastPrune = now
		l.prune(ctx)
	}
	if now.Sub(l.lastSweep) >= l.sweepEvery {
		l.lastSweep = now
		l.sweep()
	}
}

func (l *Loop) recoverStale(ctx context.Context) {
	n, err := l.store.RecoverStale(ctx, l.cfg.StaleAfter())
	if err != nil {
		slog.Error("maintenance.stale_recovery_failed", "error", err)
		return
	}
	if n > 0 {
		slog.Warn("maintenance.stale_recovered", "count", n, "older_than", l.cfg.StaleAfter())
	}
}

func (l *Loop) prune(ctx context.Context) {
	retention := l.cfg.Retention()
	msgs, err := l.store.PruneCompleted(ctx, retention)
	if err != nil {
		slog.Error("maintenance.prune_messages_failed", "error", err)
	}
	resps, err := l.store.PruneAcked(ctx, retention)
	if err != nil {
		slog.Error("maintenance.prune_responses_failed", "error", err)
	}
	if msgs > 0 || resps > 0 {
		slog.Info("maintenance.pruned", "messages", msgs, "responses", resps, "retention", retention)
	}
}

func (l *Loop) sweep() {
	for _, id := range l.convs.SweepExpired() {
		slog.Warn("conversation.expired", "conversationId", id)
	}
}
