package maintenance

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/crewdhq/crewd/internal/config"
	"github.com/crewdhq/crewd/internal/queue"
	"github.com/crewdhq/crewd/internal/team"
)

func newLoop(t *testing.T, cfg *config.Config) (*Loop, queue.Store, *team.Tracker) {
	t.Helper()
	store, err := queue.OpenSQLite(filepath.Join(t.TempDir(), "queue.db"), queue.Options{DefaultAgent: "default"})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	convs := team.NewTracker(cfg.ConversationMaxMessages(), cfg.ConversationTTL())
	return New(store, cfg, convs), store, convs
}

func TestStepRecoversStaleClaims(t *testing.T) {
	cfg := &config.Config{}
	cfg.Queue.StaleAfter = "1ms"
	l, store, _ := newLoop(t, cfg)
	ctx := context.Background()

	if _, err := store.Enqueue(ctx, &queue.Message{MessageID: "m1", Channel: "cli", Sender: "a", Text: "x"}); err != nil {
		t.Fatal(err)
	}
	if msg, err := store.ClaimNext(ctx, "default"); err != nil || msg == nil {
		t.Fatalf("claim: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	l.step(ctx, time.Now())

	counts, err := store.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if counts.Processing != 0 || counts.Incoming != 1 {
		t.Errorf("stale claim not recovered: %+v", counts)
	}
}

func TestStepPrunesOldRows(t *testing.T) {
	cfg := &config.Config{}
	cfg.Queue.Retention = "1ms"
	l, store, _ := newLoop(t, cfg)
	ctx := context.Background()

	msg, err := store.Enqueue(ctx, &queue.Message{MessageID: "m1", Channel: "cli", Sender: "a", Text: "x"})
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Complete(ctx, msg.ID); err != nil {
		t.Fatal(err)
	}
	respID, err := store.EnqueueResponse(ctx, &queue.Response{MessageID: "m1", Channel: "cli", Sender: "a", Text: "y"})
	if err != nil {
		t.Fatal(err)
	}
	if err := store.AckResponse(ctx, respID); err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)

	l.step(ctx, time.Now())

	counts, err := store.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if counts.Incoming+counts.Processing+counts.Outgoing+counts.Dead != 0 {
		t.Errorf("rows not pruned: %+v", counts)
	}
	if resps, _ := store.RecentResponses(ctx, 10); len(resps) != 0 {
		t.Errorf("acked responses not pruned: %d left", len(resps))
	}
}

func TestStepSweepsExpiredConversations(t *testing.T) {
	cfg := &config.Config{}
	cfg.Conversation.TTL = "1ms"
	l, _, convs := newLoop(t, cfg)

	tm := &config.TeamConfig{ID: "dev", Agents: []string{"a", "b"}, LeaderAgent: "a"}
	convs.Start("cli", "Bob", "", "m1", tm)
	time.Sleep(5 * time.Millisecond)

	l.step(context.Background(), time.Now())

	if convs.Active() != 0 {
		t.Errorf("expired conversation not swept, active = %d", convs.Active())
	}
}

func TestIntervalsGateTasks(t *testing.T) {
	cfg := &config.Config{}
	cfg.Queue.StaleAfter = "1ms"
	l, store, _ := newLoop(t, cfg)
	ctx := context.Background()

	if _, err := store.Enqueue(ctx, &queue.Message{MessageID: "m1", Channel: "cli", Sender: "a", Text: "x"}); err != nil {
		t.Fatal(err)
	}
	if _, err := store.ClaimNext(ctx, "default"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)

	// First step runs the recovery; a second step within the interval
	// must not.
	now := time.Now()
	l.step(ctx, now)

	if _, err := store.ClaimNext(ctx, "default"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)
	l.step(ctx, now.Add(time.Minute))

	counts, _ := store.Status(ctx)
	if counts.Processing != 1 {
		t.Errorf("stale recovery ran inside its interval: %+v", counts)
	}

	// Past the interval it runs again.
	l.step(ctx, now.Add(6*time.Minute))
	counts, _ = store.Status(ctx)
	if counts.Processing != 0 || counts.Incoming != 1 {
		t.Errorf("stale recovery did not run after the interval: %+v", counts)
	}
}
