package heartbeat

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/crewdhq/crewd/internal/config"
	"github.com/crewdhq/crewd/internal/queue"
)

func newHeartbeat(t *testing.T, cfg *config.Config) (*Heartbeat, queue.Store) {
	t.Helper()
	store, err := queue.OpenSQLite(filepath.Join(t.TempDir(), "queue.db"), queue.Options{DefaultAgent: "default"})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return New(store, cfg), store
}

// Monday noon, for deterministic cron gating.
var monday = time.Date(2026, time.January, 5, 12, 0, 0, 0, time.UTC)

func TestBeatEnqueuesPrompt(t *testing.T) {
	cfg := &config.Config{
		Agents: map[string]*config.AgentConfig{"default": {ID: "default", Provider: "claude"}},
	}
	cfg.Monitoring.HeartbeatPrompt = "status?"
	h, store := newHeartbeat(t, cfg)

	h.beat(context.Background(), monday)

	msg, err := store.ClaimNext(context.Background(), "default")
	if err != nil || msg == nil {
		t.Fatalf("heartbeat row missing: %v", err)
	}
	if msg.Channel != Channel || msg.Sender != Channel {
		t.Errorf("channel/sender = %q/%q", msg.Channel, msg.Sender)
	}
	if msg.Text != "status?" {
		t.Errorf("text = %q", msg.Text)
	}
	if !strings.HasPrefix(msg.MessageID, "hb-") {
		t.Errorf("messageId = %q", msg.MessageID)
	}
}

func TestBeatDefaultsPromptAndTarget(t *testing.T) {
	cfg := &config.Config{
		Agents: map[string]*config.AgentConfig{"ops": {ID: "ops", Provider: "claude"}},
	}
	h, store := newHeartbeat(t, cfg)

	h.beat(context.Background(), monday)

	msg, err := store.ClaimNext(context.Background(), "ops")
	if err != nil || msg == nil {
		t.Fatalf("heartbeat row missing: %v", err)
	}
	if msg.TargetAgent != "ops" {
		t.Errorf("target = %q, want first configured agent", msg.TargetAgent)
	}
	if msg.Text != DefaultPrompt {
		t.Errorf("text = %q", msg.Text)
	}
}

func TestActiveHoursGate(t *testing.T) {
	cfg := &config.Config{
		Agents: map[string]*config.AgentConfig{"default": {ID: "default", Provider: "claude"}},
	}
	cfg.Monitoring.ActiveHours = "* * * * 0" // Sundays only
	h, store := newHeartbeat(t, cfg)

	h.beat(context.Background(), monday)
	if counts, _ := store.Status(context.Background()); counts.Incoming != 0 {
		t.Fatalf("out-of-hours beat enqueued: %+v", counts)
	}

	cfg.Monitoring.ActiveHours = "* * * * 1" // Mondays
	h.beat(context.Background(), monday)
	if counts, _ := store.Status(context.Background()); counts.Incoming != 1 {
		t.Fatalf("in-hours beat missing: %+v", counts)
	}
}

func TestDrainLogsAndAcks(t *testing.T) {
	cfg := &config.Config{
		Agents: map[string]*config.AgentConfig{"default": {ID: "default", Provider: "claude"}},
	}
	h, store := newHeartbeat(t, cfg)
	ctx := context.Background()

	if _, err := store.EnqueueResponse(ctx, &queue.Response{
		MessageID: "hb-1", Channel: Channel, Sender: Channel, Agent: "default", Text: "all good",
	}); err != nil {
		t.Fatal(err)
	}

	h.drain(ctx)

	resps, err := store.PendingResponses(ctx, Channel)
	if err != nil {
		t.Fatal(err)
	}
	if len(resps) != 0 {
		t.Errorf("replies not acked: %d left", len(resps))
	}
}

func TestRunDisabledReturns(t *testing.T) {
	cfg := &config.Config{
		Agents: map[string]*config.AgentConfig{"default": {ID: "default", Provider: "claude"}},
	}
	h, _ := newHeartbeat(t, cfg)

	done := make(chan struct{})
	go func() {
		h.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run should return immediately when disabled")
	}
}

func TestPreviewTruncates(t *testing.T) {
	if got := preview("héllo wörld", 5); got != "héllo…" {
		t.Errorf("preview = %q", got)
	}
	if got := preview("short", 300); got != "short" {
		t.Errorf("preview = %q", got)
	}
}
