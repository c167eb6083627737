package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func openTestStore(t *testing.T, opts Options) *SQLiteStore {
	t.Helper()
	if opts.DefaultAgent == "" {
		opts.DefaultAgent = "solo"
	}
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "queue.db"), opts)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func mustEnqueue(t *testing.T, s *SQLiteStore, msg *Message) *Message {
	t.Helper()
	stored, err := s.Enqueue(context.Background(), msg)
	if err != nil {
		t.Fatalf("enqueue %s: %v", msg.MessageID, err)
	}
	return stored
}

func mustClaim(t *testing.T, s *SQLiteStore, agentID string) *Message {
	t.Helper()
	msg, err := s.ClaimNext(context.Background(), agentID)
	if err != nil {
		t.Fatalf("claim %s: %v", agentID, err)
	}
	if msg == nil {
		t.Fatalf("no pending row for %s", agentID)
	}
	return msg
}

// backdate rewrites a timestamp column so retention and staleness
// cutoffs can be crossed without sleeping.
func backdate(t *testing.T, s *SQLiteStore, table, col string, id int64, to time.Time) {
	t.Helper()
	res, err := s.writer.Exec(
		fmt.Sprintf("UPDATE %s SET %s = ? WHERE id = ?", table, col), toMillis(to), id)
	if err != nil {
		t.Fatalf("backdate %s.%s: %v", table, col, err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		t.Fatalf("backdate %s.%s: row %d not found", table, col, id)
	}
}

func countRows(t *testing.T, s *SQLiteStore, table string) int {
	t.Helper()
	var n int
	if err := s.reader.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&n); err != nil {
		t.Fatalf("count %s: %v", table, err)
	}
	return n
}

func TestEnqueueRejectsDuplicateMessageID(t *testing.T) {
	s := openTestStore(t, Options{})
	ctx := context.Background()

	stored := mustEnqueue(t, s, &Message{MessageID: "m1", Channel: "cli", Sender: "Bob", Text: "hello"})
	if stored.ID == 0 || stored.Status != StatusPending || stored.CreatedAt.IsZero() {
		t.Errorf("stored = %+v", stored)
	}

	if _, err := s.Enqueue(ctx, &Message{MessageID: "m1", Channel: "telegram", Sender: "Eve", Text: "replay"}); !errors.Is(err, ErrDuplicateID) {
		t.Errorf("duplicate enqueue err = %v, want ErrDuplicateID", err)
	}
	if got := countRows(t, s, "messages"); got != 1 {
		t.Errorf("rows = %d, want 1", got)
	}
}

func TestClaimNextFIFOAndDefaultRouting(t *testing.T) {
	s := openTestStore(t, Options{DefaultAgent: "solo"})
	ctx := context.Background()

	u1 := mustEnqueue(t, s, &Message{MessageID: "u1", Channel: "cli", Sender: "Bob", Text: "first"})
	c1 := mustEnqueue(t, s, &Message{MessageID: "c1", Channel: "cli", Sender: "Bob", TargetAgent: "coder", Text: "targeted"})
	u2 := mustEnqueue(t, s, &Message{MessageID: "u2", Channel: "cli", Sender: "Bob", Text: "second"})

	// The default agent drains untargeted rows in insertion order and
	// never sees the targeted one.
	got := mustClaim(t, s, "solo")
	if got.ID != u1.ID || got.Status != StatusProcessing || got.ClaimedBy != "solo" {
		t.Errorf("first claim = %+v, want row %d processing", got, u1.ID)
	}
	if got = mustClaim(t, s, "solo"); got.ID != u2.ID {
		t.Errorf("second claim = %d, want %d", got.ID, u2.ID)
	}
	if msg, err := s.ClaimNext(ctx, "solo"); err != nil || msg != nil {
		t.Errorf("drained claim = %+v, %v; want nil, nil", msg, err)
	}

	// The targeted row waits for its agent.
	if got = mustClaim(t, s, "coder"); got.ID != c1.ID {
		t.Errorf("coder claim = %d, want %d", got.ID, c1.ID)
	}
	if msg, err := s.ClaimNext(ctx, "coder"); err != nil || msg != nil {
		t.Errorf("coder drained claim = %+v, %v; want nil, nil", msg, err)
	}
}

func TestConcurrentClaimsAreExclusive(t *testing.T) {
	s := openTestStore(t, Options{DefaultAgent: "solo"})

	const rows = 24
	for i := 0; i < rows; i++ {
		mustEnqueue(t, s, &Message{MessageID: fmt.Sprintf("m%d", i), Channel: "cli", Sender: "Bob", Text: "work"})
	}

	var mu sync.Mutex
	claimed := make(map[int64]int)
	var wg sync.WaitGroup
	for w := 0; w < 6; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				msg, err := s.ClaimNext(context.Background(), "solo")
				if err != nil {
					t.Errorf("claim: %v", err)
					return
				}
				if msg == nil {
					return
				}
				mu.Lock()
				claimed[msg.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(claimed) != rows {
		t.Fatalf("claimed %d distinct rows, want %d", len(claimed), rows)
	}
	for id, n := range claimed {
		if n != 1 {
			t.Errorf("row %d claimed %d times", id, n)
		}
	}
}

func TestFailRequeuesUntilDeadLetter(t *testing.T) {
	s := openTestStore(t, Options{DefaultAgent: "solo", MaxRetries: 2})
	ctx := context.Background()

	stored := mustEnqueue(t, s, &Message{MessageID: "m1", Channel: "cli", Sender: "Bob", Text: "boom"})

	// First failure: back to pending with the budget decremented.
	mustClaim(t, s, "solo")
	if err := s.Fail(ctx, stored.ID, "exit code 1"); err != nil {
		t.Fatal(err)
	}
	retried := mustClaim(t, s, "solo")
	if retried.Retries != 1 || retried.LastError != "exit code 1" {
		t.Errorf("requeued row = %+v", retried)
	}

	// Second failure exhausts the budget.
	if err := s.Fail(ctx, stored.ID, "exit code 2"); err != nil {
		t.Fatal(err)
	}
	if msg, _ := s.ClaimNext(ctx, "solo"); msg != nil {
		t.Errorf("dead row was claimed: %+v", msg)
	}

	dead, err := s.DeadMessages(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(dead) != 1 || dead[0].Retries != 2 || dead[0].LastError != "exit code 2" {
		t.Errorf("dead = %+v", dead)
	}

	counts, err := s.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if counts.Incoming != 0 || counts.Processing != 0 || counts.Dead != 1 {
		t.Errorf("counts = %+v", counts)
	}

	if err := s.Fail(ctx, 9999, "ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("fail missing row err = %v, want ErrNotFound", err)
	}
}

func TestRetryDeadResetsBudget(t *testing.T) {
	s := openTestStore(t, Options{DefaultAgent: "solo", MaxRetries: 1})
	ctx := context.Background()

	stored := mustEnqueue(t, s, &Message{MessageID: "m1", Channel: "cli", Sender: "Bob", Text: "boom"})
	mustClaim(t, s, "solo")
	if err := s.Fail(ctx, stored.ID, "exit code 1"); err != nil {
		t.Fatal(err)
	}

	if err := s.RetryDead(ctx, stored.ID); err != nil {
		t.Fatal(err)
	}
	revived := mustClaim(t, s, "solo")
	if revived.Retries != 0 || revived.LastError != "" {
		t.Errorf("revived row = %+v, want a clean slate", revived)
	}

	// Only dead rows can be retried.
	if err := s.RetryDead(ctx, stored.ID); !errors.Is(err, ErrNotDead) {
		t.Errorf("retry processing row err = %v, want ErrNotDead", err)
	}
	if err := s.RetryDead(ctx, 9999); !errors.Is(err, ErrNotDead) {
		t.Errorf("retry missing row err = %v, want ErrNotDead", err)
	}
}

func TestDeleteDeadRequiresDeadStatus(t *testing.T) {
	s := openTestStore(t, Options{DefaultAgent: "solo", MaxRetries: 1})
	ctx := context.Background()

	keep := mustEnqueue(t, s, &Message{MessageID: "m1", Channel: "cli", Sender: "Bob", Text: "keep"})
	doomed := mustEnqueue(t, s, &Message{MessageID: "m2", Channel: "cli", Sender: "Bob", Text: "boom"})

	if err := s.DeleteDead(ctx, keep.ID); !errors.Is(err, ErrNotDead) {
		t.Errorf("delete pending row err = %v, want ErrNotDead", err)
	}

	mustClaim(t, s, "solo")
	mustClaim(t, s, "solo")
	if err := s.Fail(ctx, doomed.ID, "exit code 1"); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteDead(ctx, doomed.ID); err != nil {
		t.Fatal(err)
	}

	dead, err := s.DeadMessages(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(dead) != 0 {
		t.Errorf("dead = %+v, want none", dead)
	}
	if got := countRows(t, s, "messages"); got != 1 {
		t.Errorf("rows = %d, want the kept row only", got)
	}
}

func TestRecoverStaleRequeuesOldClaims(t *testing.T) {
	s := openTestStore(t, Options{DefaultAgent: "solo"})
	ctx := context.Background()

	orphan := mustEnqueue(t, s, &Message{MessageID: "m1", Channel: "cli", Sender: "Bob", Text: "stuck"})
	mustEnqueue(t, s, &Message{MessageID: "m2", Channel: "cli", Sender: "Bob", Text: "waiting"})
	mustClaim(t, s, "solo")
	backdate(t, s, "messages", "updated_ts", orphan.ID, time.Now().Add(-time.Hour))

	n, err := s.RecoverStale(ctx, 30*time.Minute)
	if err != nil || n != 1 {
		t.Fatalf("recover = %d, %v; want 1 row", n, err)
	}
	if n, err = s.RecoverStale(ctx, 30*time.Minute); err != nil || n != 0 {
		t.Fatalf("second recover = %d, %v; want 0 rows", n, err)
	}

	// Recovery restores FIFO position: the orphan is claimable first.
	got := mustClaim(t, s, "solo")
	if got.ID != orphan.ID || got.ClaimedBy != "solo" {
		t.Errorf("reclaimed row = %+v, want %d", got, orphan.ID)
	}
}

func TestPruneCompletedKeepsDeadRows(t *testing.T) {
	s := openTestStore(t, Options{DefaultAgent: "solo", MaxRetries: 1})
	ctx := context.Background()

	old := mustEnqueue(t, s, &Message{MessageID: "m1", Channel: "cli", Sender: "Bob", Text: "done long ago"})
	mustEnqueue(t, s, &Message{MessageID: "m2", Channel: "cli", Sender: "Bob", Text: "done just now"})
	deadRow := mustEnqueue(t, s, &Message{MessageID: "m3", Channel: "cli", Sender: "Bob", Text: "boom"})

	for i := 0; i < 2; i++ {
		msg := mustClaim(t, s, "solo")
		if err := s.Complete(ctx, msg.ID); err != nil {
			t.Fatal(err)
		}
	}
	mustClaim(t, s, "solo")
	if err := s.Fail(ctx, deadRow.ID, "exit code 1"); err != nil {
		t.Fatal(err)
	}
	backdate(t, s, "messages", "updated_ts", old.ID, time.Now().Add(-2*time.Hour))
	backdate(t, s, "messages", "updated_ts", deadRow.ID, time.Now().Add(-2*time.Hour))

	n, err := s.PruneCompleted(ctx, time.Hour)
	if err != nil || n != 1 {
		t.Fatalf("prune = %d, %v; want the old completed row only", n, err)
	}
	if got := countRows(t, s, "messages"); got != 2 {
		t.Errorf("rows = %d, want fresh completed + dead", got)
	}
	dead, err := s.DeadMessages(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(dead) != 1 || dead[0].ID != deadRow.ID {
		t.Errorf("dead = %+v, prune must never touch dead rows", dead)
	}
}

func TestPruneAckedRespectsRetention(t *testing.T) {
	s := openTestStore(t, Options{})
	ctx := context.Background()

	ids := make([]int64, 3)
	for i := range ids {
		id, err := s.EnqueueResponse(ctx, &Response{MessageID: fmt.Sprintf("m%d", i), Channel: "cli", Text: "reply"})
		if err != nil {
			t.Fatal(err)
		}
		ids[i] = id
	}
	if err := s.AckResponse(ctx, ids[0]); err != nil {
		t.Fatal(err)
	}
	if err := s.AckResponse(ctx, ids[1]); err != nil {
		t.Fatal(err)
	}
	backdate(t, s, "responses", "acked_ts", ids[0], time.Now().Add(-2*time.Hour))
	// An old but never-acked row must survive any retention window.
	backdate(t, s, "responses", "created_ts", ids[2], time.Now().Add(-2*time.Hour))

	n, err := s.PruneAcked(ctx, time.Hour)
	if err != nil || n != 1 {
		t.Fatalf("prune = %d, %v; want the old acked row only", n, err)
	}
	if got := countRows(t, s, "responses"); got != 2 {
		t.Errorf("rows = %d, want fresh acked + pending", got)
	}
	pending, err := s.PendingResponses(ctx, "cli")
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].ID != ids[2] {
		t.Errorf("pending = %+v, want the unacked row", pending)
	}
}

func TestAckResponseIsIdempotent(t *testing.T) {
	s := openTestStore(t, Options{})
	ctx := context.Background()

	id, err := s.EnqueueResponse(ctx, &Response{MessageID: "m1", Channel: "telegram", Text: "pong"})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.AckResponse(ctx, id); err != nil {
		t.Fatal(err)
	}
	pending, err := s.PendingResponses(ctx, "telegram")
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Errorf("pending after ack = %+v", pending)
	}

	recent, err := s.RecentResponses(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 1 || recent[0].Status != RespAcked || recent[0].AckedAt.IsZero() {
		t.Fatalf("acked row = %+v", recent)
	}
	first := recent[0].AckedAt

	// A second ack is a no-op that preserves the original timestamp.
	time.Sleep(10 * time.Millisecond)
	if err := s.AckResponse(ctx, id); err != nil {
		t.Fatal(err)
	}
	recent, err = s.RecentResponses(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if !recent[0].AckedAt.Equal(first) {
		t.Errorf("ackedAt = %v, want original %v", recent[0].AckedAt, first)
	}

	if err := s.AckResponse(ctx, 9999); !errors.Is(err, ErrNotFound) {
		t.Errorf("ack missing row err = %v, want ErrNotFound", err)
	}
}

func TestRecentResponsesNewestFirst(t *testing.T) {
	s := openTestStore(t, Options{})
	ctx := context.Background()

	var last int64
	for i := 0; i < 3; i++ {
		id, err := s.EnqueueResponse(ctx, &Response{MessageID: fmt.Sprintf("m%d", i), Channel: "cli", Text: "reply"})
		if err != nil {
			t.Fatal(err)
		}
		last = id
	}

	recent, err := s.RecentResponses(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 2 || recent[0].ID != last {
		t.Errorf("recent = %+v, want newest row first", recent)
	}

	// A non-positive limit falls back to the default window.
	recent, err = s.RecentResponses(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 3 {
		t.Errorf("recent with default limit = %d rows, want 3", len(recent))
	}
}

func TestPendingAgentsFoldUntargetedIntoDefault(t *testing.T) {
	s := openTestStore(t, Options{DefaultAgent: "solo"})
	ctx := context.Background()

	mustEnqueue(t, s, &Message{MessageID: "m1", Channel: "cli", Sender: "Bob", Text: "a"})
	mustEnqueue(t, s, &Message{MessageID: "m2", Channel: "cli", Sender: "Bob", TargetAgent: "coder", Text: "b"})
	mustEnqueue(t, s, &Message{MessageID: "m3", Channel: "cli", Sender: "Bob", TargetAgent: "coder", Text: "c"})
	// A claimed row is no longer pending and must not surface.
	mustEnqueue(t, s, &Message{MessageID: "m4", Channel: "cli", Sender: "Bob", TargetAgent: "writer", Text: "d"})
	mustClaim(t, s, "writer")

	agents, err := s.PendingAgents(ctx)
	if err != nil {
		t.Fatal(err)
	}
	got := make(map[string]bool, len(agents))
	for _, a := range agents {
		got[a] = true
	}
	if len(agents) != 2 || !got["solo"] || !got["coder"] {
		t.Errorf("pending agents = %v, want solo and coder only", agents)
	}
}

func TestNotifyCoalesces(t *testing.T) {
	s := openTestStore(t, Options{})

	mustEnqueue(t, s, &Message{MessageID: "m1", Channel: "cli", Sender: "Bob", Text: "a"})
	mustEnqueue(t, s, &Message{MessageID: "m2", Channel: "cli", Sender: "Bob", Text: "b"})

	select {
	case <-s.Notify():
	default:
		t.Fatal("no wake signal after enqueue")
	}
	select {
	case <-s.Notify():
		t.Fatal("wake signals should coalesce into one")
	default:
	}
}

// TestOpenMigratesLegacySchema opens a database created before the
// conversation and dead-letter columns existed and checks both that the
// old rows stay readable and that new writes carry the full shape.
func TestOpenMigratesLegacySchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")

	legacy, err := sql.Open("sqlite", "file:"+path)
	if err != nil {
		t.Fatal(err)
	}
	const legacySchema = `
	CREATE TABLE messages (
		id           INTEGER PRIMARY KEY,
		message_id   TEXT NOT NULL UNIQUE,
		channel      TEXT NOT NULL,
		sender       TEXT NOT NULL DEFAULT '',
		sender_id    TEXT NOT NULL DEFAULT '',
		text         TEXT NOT NULL DEFAULT '',
		target_agent TEXT NOT NULL DEFAULT '',
		status       TEXT NOT NULL DEFAULT 'pending',
		retries      INTEGER NOT NULL DEFAULT 0,
		created_ts   INTEGER NOT NULL,
		updated_ts   INTEGER NOT NULL
	);
	CREATE TABLE responses (
		id         INTEGER PRIMARY KEY,
		message_id TEXT NOT NULL,
		channel    TEXT NOT NULL,
		sender     TEXT NOT NULL DEFAULT '',
		sender_id  TEXT NOT NULL DEFAULT '',
		text       TEXT NOT NULL DEFAULT '',
		agent      TEXT NOT NULL DEFAULT '',
		status     TEXT NOT NULL DEFAULT 'pending',
		created_ts INTEGER NOT NULL
	);`
	if _, err := legacy.Exec(legacySchema); err != nil {
		t.Fatal(err)
	}
	now := toMillis(time.Now())
	if _, err := legacy.Exec(
		`INSERT INTO messages (message_id, channel, sender, text, created_ts, updated_ts)
		 VALUES ('old-1', 'cli', 'Old Bob', 'written by an earlier build', ?, ?)`, now, now); err != nil {
		t.Fatal(err)
	}
	if err := legacy.Close(); err != nil {
		t.Fatal(err)
	}

	s, err := OpenSQLite(path, Options{DefaultAgent: "solo"})
	if err != nil {
		t.Fatalf("open migrated store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	ctx := context.Background()

	got := mustClaim(t, s, "solo")
	if got.MessageID != "old-1" || got.Text != "written by an earlier build" {
		t.Errorf("legacy row = %+v", got)
	}
	if got.Files != nil || got.ConversationID != "" || got.LastError != "" {
		t.Errorf("legacy row should read empty for migrated columns: %+v", got)
	}

	// The full current shape round-trips through the migrated file.
	stored := mustEnqueue(t, s, &Message{
		MessageID:      "new-1",
		Channel:        "telegram",
		Sender:         "Alice",
		Files:          []string{"/tmp/a.png"},
		ConversationID: "conv-1",
		FromAgent:      "coder",
		Text:           "current build",
	})
	fresh := mustClaim(t, s, "solo")
	if fresh.ID != stored.ID || len(fresh.Files) != 1 || fresh.ConversationID != "conv-1" || fresh.FromAgent != "coder" {
		t.Errorf("fresh row = %+v", fresh)
	}

	if _, err := s.EnqueueResponse(ctx, &Response{
		MessageID: "new-1",
		Channel:   "telegram",
		Text:      "reply",
		Metadata:  map[string]string{"kind": "direct"},
	}); err != nil {
		t.Fatalf("enqueue response on migrated file: %v", err)
	}
	pending, err := s.PendingResponses(ctx, "telegram")
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].Metadata["kind"] != "direct" {
		t.Errorf("migrated responses table = %+v", pending)
	}
}
