// Package dispatch is the scheduling core: it claims pending queue rows
// and runs them through the processing funnel, one in-flight message per
// agent, different agents in parallel.
package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/crewdhq/crewd/internal/bus"
	"github.com/crewdhq/crewd/internal/config"
	"github.com/crewdhq/crewd/internal/queue"
)

// Dispatcher owns the claim loop. Mutual exclusion per agent is a busy
// flag rather than a worker goroutine per agent, so idle agents cost
// nothing and the map never outlives its backlog.
type Dispatcher struct {
	store queue.Store
	cfg   *config.Config
	proc  *Processor
	bus   bus.Publisher

	// wake re-runs the claim cycle after a message finishes, so a
	// same-agent backlog drains without waiting for the next tick.
	wake chan struct{}

	mu      sync.Mutex
	active  map[string]bool
	stopped bool
	wg      sync.WaitGroup
}

func New(store queue.Store, cfg *config.Config, proc *Processor, pub bus.Publisher) *Dispatcher {
	return &Dispatcher{
		store:  store,
		cfg:    cfg,
		proc:   proc,
		bus:    pub,
		wake:   make(chan struct{}, 1),
		active: make(map[string]bool),
	}
}

// Run claims and processes messages until ctx is cancelled, then waits
// for in-flight work to finish.
func (d *Dispatcher) Run(ctx context.Context) {
	d.bus.Emit(bus.EventProcessorStart, map[string]any{"agents": len(d.cfg.Agents)})
	slog.Info("dispatch.started", "agents", len(d.cfg.Agents), "poll", d.cfg.PollInterval())

	ticker := time.NewTicker(d.cfg.PollInterval())
	defer ticker.Stop()

	d.cycle(ctx)
	for {
		select {
		case <-ctx.Done():
			d.drain()
			return
		case <-d.store.Notify():
		case <-d.wake:
		case <-ticker.C:
		}
		d.cycle(ctx)
	}
}

// cycle claims at most one message per idle agent and hands each claim
// to a worker goroutine.
func (d *Dispatcher) cycle(ctx context.Context) {
	agents, err := d.store.PendingAgents(ctx)
	if err != nil {
		if ctx.Err() == nil {
			slog.Error("dispatch.pending_agents_failed", "error", err)
		}
		return
	}

	for _, agentID := range agents {
		if !d.acquire(agentID) {
			continue
		}
		msg, err := d.store.ClaimNext(ctx, agentID)
		if err != nil || msg == nil {
			// Nothing claimable; releasing without a poke, otherwise an
			// empty claim would wake the loop forever.
			d.release(agentID, false)
			if err != nil && ctx.Err() == nil {
				slog.Error("dispatch.claim_failed", "agent", agentID, "error", err)
			}
			continue
		}
		go d.runOne(ctx, agentID, msg)
	}
}

// acquire marks an agent busy. Refused after drain started so shutdown
// waits on a fixed set of workers.
func (d *Dispatcher) acquire(agentID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped || d.active[agentID] {
		return false
	}
	d.active[agentID] = true
	d.wg.Add(1)
	return true
}

func (d *Dispatcher) release(agentID string, poke bool) {
	d.mu.Lock()
	delete(d.active, agentID)
	d.mu.Unlock()
	d.wg.Done()
	if poke {
		select {
		case d.wake <- struct{}{}:
		default:
		}
	}
}

func (d *Dispatcher) runOne(ctx context.Context, agentID string, msg *queue.Message) {
	defer d.release(agentID, true)
	slog.Info("dispatch.claimed",
		"agent", agentID, "messageId", msg.MessageID, "channel", msg.Channel, "internal", msg.Internal())
	d.proc.Process(ctx, msg)
}

// drain refuses new claims and waits for in-flight messages.
func (d *Dispatcher) drain() {
	d.mu.Lock()
	d.stopped = true
	d.mu.Unlock()
	d.wg.Wait()
	slog.Info("dispatch.stopped")
}
