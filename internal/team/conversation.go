// Package team tracks multi-agent conversations: the branching
// exchanges that start when a message routes to a team and continue
// while agents hand work to teammates by mentioning them. A
// conversation folds every branch's reply into one user-facing
// response once all branches have completed.
package team

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/crewdhq/crewd/internal/config"
)

// Step is one completed agent turn inside a conversation.
type Step struct {
	AgentID string
	Text    string
}

// Conversation is the in-memory state of one team exchange. All field
// access goes through methods that hold the conversation's own mutex;
// callers must never keep the lock across an agent invocation.
type Conversation struct {
	ID        string
	Channel   string
	Sender    string
	SenderID  string
	OriginID  string // message id of the user message that started the chain
	Team      *config.TeamConfig
	StartedAt time.Time

	mu          sync.Mutex
	pending     int
	steps       []Step
	files       []string
	fileSeen    map[string]bool
	total       int
	maxTotal    int
	mentionsOut map[string]int // hand-offs issued, by mentioning agent
}

// Tracker owns all live conversations. Conversations are created when
// a team-routed message completes its first step and removed when
// their last branch drains or the TTL sweep reaps them.
type Tracker struct {
	conversations sync.Map // id → *Conversation
	maxMessages   int
	ttl           time.Duration
}

// NewTracker creates a Tracker with the given per-conversation message
// cap and abandonment TTL.
func NewTracker(maxMessages int, ttl time.Duration) *Tracker {
	if maxMessages <= 0 {
		maxMessages = 20
	}
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &Tracker{maxMessages: maxMessages, ttl: ttl}
}

// Start registers a new conversation for a team-routed message. The id
// is the origin message id plus a millisecond timestamp, unique and
// stable for observability. The conversation begins with one pending
// branch: the step being processed by the caller.
func (t *Tracker) Start(channel, sender, senderID, originMessageID string, tm *config.TeamConfig) *Conversation {
	c := &Conversation{
		ID:          fmt.Sprintf("%s-%d", originMessageID, time.Now().UnixMilli()),
		Channel:     channel,
		Sender:      sender,
		SenderID:    senderID,
		OriginID:    originMessageID,
		Team:        tm,
		StartedAt:   time.Now(),
		pending:     1,
		maxTotal:    t.maxMessages,
		fileSeen:    make(map[string]bool),
		mentionsOut: make(map[string]int),
	}
	t.conversations.Store(c.ID, c)
	return c
}

// Lookup returns the live conversation with the given id. A miss means
// the conversation completed or was swept; branch bookkeeping against
// a miss is a no-op for the caller.
func (t *Tracker) Lookup(id string) (*Conversation, bool) {
	v, ok := t.conversations.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*Conversation), true
}

// Remove drops a conversation from the tracker.
func (t *Tracker) Remove(id string) {
	t.conversations.Delete(id)
}

// Active returns the number of live conversations.
func (t *Tracker) Active() int {
	n := 0
	t.conversations.Range(func(any, any) bool {
		n++
		return true
	})
	return n
}

// SweepExpired removes every conversation older than the TTL and
// returns their ids. Branches of a swept conversation that complete
// later find no conversation and no-op.
func (t *Tracker) SweepExpired() []string {
	cutoff := time.Now().Add(-t.ttl)
	var removed []string
	t.conversations.Range(func(key, value any) bool {
		c := value.(*Conversation)
		if c.StartedAt.Before(cutoff) {
			t.conversations.Delete(key)
			removed = append(removed, c.ID)
		}
		return true
	})
	return removed
}

// AppendStep records a completed agent turn and merges its file
// attachments into the conversation's file set (first-seen order).
func (c *Conversation) AppendStep(agentID, text string, files []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.steps = append(c.steps, Step{AgentID: agentID, Text: text})
	c.total++
	for _, f := range files {
		if f == "" || c.fileSeen[f] {
			continue
		}
		c.fileSeen[f] = true
		c.files = append(c.files, f)
	}
}

// UnderCap reports whether the conversation may still fan out new
// teammate messages.
func (c *Conversation) UnderCap() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total < c.maxTotal
}

// AddBranch accounts for one successfully enqueued teammate follow-up
// issued by fromAgent. Must be called before the issuing branch
// finishes so pending never drains early.
func (c *Conversation) AddBranch(fromAgent string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending++
	c.mentionsOut[fromAgent]++
}

// FinishBranch marks the calling branch complete and reports whether
// it was the last one.
func (c *Conversation) FinishBranch() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending--
	return c.pending <= 0
}

// OthersPending returns how many branches besides the caller's are
// still in flight.
func (c *Conversation) OthersPending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending <= 1 {
		return 0
	}
	return c.pending - 1
}

// Pending returns the live branch count.
func (c *Conversation) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending
}

// StepCount returns the number of recorded turns.
func (c *Conversation) StepCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.steps)
}

// ComposeReply renders the final user-facing text: every step in
// completion order, each prefixed with the agent's display name, plus
// the collected attachments in first-seen order. nameFor maps agent
// ids to display names.
func (c *Conversation) ComposeReply(nameFor func(string) string) (string, []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	blocks := make([]string, 0, len(c.steps))
	for _, s := range c.steps {
		name := s.AgentID
		if nameFor != nil {
			name = nameFor(s.AgentID)
		}
		blocks = append(blocks, fmt.Sprintf("**%s**:\n%s", name, strings.TrimSpace(s.Text)))
	}

	files := make([]string, len(c.files))
	copy(files, c.files)
	return strings.Join(blocks, "\n\n"), files
}
