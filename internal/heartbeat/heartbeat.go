// Package heartbeat periodically self-prompts an agent so a wedged
// provider is noticed before a user hits it. Replies drain to the log
// instead of a chat channel.
package heartbeat

import (
	"context"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"
	"github.com/google/uuid"

	"github.com/crewdhq/crewd/internal/config"
	"github.com/crewdhq/crewd/internal/queue"
)

// Channel is the reserved queue channel for heartbeat traffic.
const Channel = "heartbeat"

// DefaultPrompt is used when monitoring.heartbeat_prompt is unset.
const DefaultPrompt = "Heartbeat check: reply with a one-line status of your current work."

const defaultAckMaxChars = 300

type Heartbeat struct {
	store queue.Store
	cfg   *config.Config
	cron  *gronx.Gronx
}

func New(store queue.Store, cfg *config.Config) *Heartbeat {
	return &Heartbeat{store: store, cfg: cfg, cron: gronx.New()}
}

// Run emits heartbeats until ctx is cancelled. A zero
// monitoring.heartbeat_interval disables the producer.
func (h *Heartbeat) Run(ctx context.Context) {
	interval := time.Duration(h.cfg.Monitoring.HeartbeatInterval) * time.Second
	if interval <= 0 {
		slog.Info("heartbeat.disabled")
		return
	}
	slog.Info("heartbeat.started", "interval", interval, "target", h.target())

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("heartbeat.stopped")
			return
		case now := <-ticker.C:
			h.beat(ctx, now)
			h.drain(ctx)
		}
	}
}

// beat enqueues one self-prompt when now falls inside active hours. A
// malformed cron expression is logged and treated as always-active so a
// config typo never silently disables monitoring.
func (h *Heartbeat) beat(ctx context.Context, now time.Time) {
	if expr := h.cfg.Monitoring.ActiveHours; expr != "" {
		due, err := h.cron.IsDue(expr, now)
		if err != nil {
			slog.Warn("heartbeat.bad_active_hours", "expr", expr, "error", err)
		} else if !due {
			return
		}
	}

	prompt := h.cfg.Monitoring.HeartbeatPrompt
	if prompt == "" {
		prompt = DefaultPrompt
	}
	msg := &queue.Message{
		MessageID:   "hb-" + uuid.NewString(),
		Channel:     Channel,
		Sender:      Channel,
		TargetAgent: h.target(),
		Text:        prompt,
	}
	if _, err := h.store.Enqueue(ctx, msg); err != nil {
		slog.Error("heartbeat.enqueue_failed", "error", err)
		return
	}
	slog.Debug("heartbeat.sent", "agent", h.target())
}

// drain logs a preview of each heartbeat reply and acks it.
func (h *Heartbeat) drain(ctx context.Context) {
	resps, err := h.store.PendingResponses(ctx, Channel)
	if err != nil {
		slog.Error("heartbeat.drain_failed", "error", err)
		return
	}
	for _, r := range resps {
		slog.Info("heartbeat.reply", "agent", r.Agent, "reply", preview(r.Text, h.maxChars()))
		if err := h.store.AckResponse(ctx, r.ID); err != nil {
			slog.Error("heartbeat.ack_failed", "id", r.ID, "error", err)
		}
	}
}

func (h *Heartbeat) target() string {
	if t := h.cfg.Monitoring.HeartbeatTarget; t != "" {
		return t
	}
	return h.cfg.ResolveDefaultAgentID()
}

func (h *Heartbeat) maxChars() int {
	if n := h.cfg.Monitoring.AckMaxChars; n > 0 {
		return n
	}
	return defaultAckMaxChars
}

func preview(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "…"
}
