// Package queue is the durable message queue at the heart of the
// daemon: inbound messages and outbound responses live in an embedded
// SQLite database (or Postgres in managed mode) with atomic claim,
// retry, and dead-letter state transitions.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Message statuses.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusDead       = "dead"
)

// Response statuses.
const (
	RespPending = "pending"
	RespAcked   = "acked"
)

var (
	// ErrDuplicateID is returned by Enqueue when the client message id
	// already exists.
	ErrDuplicateID = errors.New("queue: message id already exists")
	// ErrNotDead is returned by RetryDead/DeleteDead for rows not in
	// the dead state.
	ErrNotDead = errors.New("queue: message is not dead")
	// ErrNotFound is returned when the referenced row does not exist.
	ErrNotFound = errors.New("queue: not found")
)

// Message is one inbound queue row.
type Message struct {
	ID             int64     `json:"id"`
	MessageID      string    `json:"messageId"`
	Channel        string    `json:"channel"`
	Sender         string    `json:"sender"`
	SenderID       string    `json:"senderId,omitempty"`
	Text           string    `json:"message"`
	TargetAgent    string    `json:"agent,omitempty"`          // empty = route at claim time
	Files          []string  `json:"files,omitempty"`          // uploaded artefact paths, ordered
	ConversationID string    `json:"conversationId,omitempty"` // non-empty marks an internal follow-up
	FromAgent      string    `json:"fromAgent,omitempty"`      // teammate that produced this follow-up
	Status         string    `json:"status"`
	Retries        int       `json:"retries"`
	LastError      string    `json:"lastError,omitempty"`
	ClaimedBy      string    `json:"claimedBy,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// Internal reports whether the message is a teammate follow-up rather
// than an external submission.
func (m *Message) Internal() bool { return m.ConversationID != "" }

// Response is one outbound queue row.
type Response struct {
	ID           int64             `json:"id"`
	MessageID    string            `json:"messageId"`
	Channel      string            `json:"channel"`
	Sender       string            `json:"sender"`
	SenderID     string            `json:"senderId,omitempty"`
	Text         string            `json:"message"`
	OriginalText string            `json:"originalMessage,omitempty"`
	Agent        string            `json:"agent,omitempty"`
	Files        []string          `json:"files,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	Status       string            `json:"status"`
	CreatedAt    time.Time         `json:"timestamp"`
	AckedAt      time.Time         `json:"ackedAt,omitempty"`
}

// StatusCounts is the queue snapshot served by /api/queue/status.
type StatusCounts struct {
	Incoming   int `json:"incoming"`   // pending messages
	Processing int `json:"processing"` // claimed messages
	Outgoing   int `json:"outgoing"`   // pending responses
	Dead       int `json:"dead"`       // dead-lettered messages
}

// Options configure a store backend.
type Options struct {
	DefaultAgent string // agent that claims rows with no target
	MaxRetries   int    // failures before dead-letter (default 5)
}

// Store is the durable queue contract shared by the SQLite and
// Postgres backends. All mutations are atomic; concurrent in-process
// callers are safe.
type Store interface {
	// Messages.
	Enqueue(ctx context.Context, msg *Message) (*Message, error)
	ClaimNext(ctx context.Context, agentID string) (*Message, error)
	Complete(ctx context.Context, id int64) error
	Fail(ctx context.Context, id int64, errText string) error
	PendingAgents(ctx context.Context) ([]string, error)

	// Responses.
	EnqueueResponse(ctx context.Context, resp *Response) (int64, error)
	PendingResponses(ctx context.Context, channel string) ([]Response, error)
	AckResponse(ctx context.Context, id int64) error
	RecentResponses(ctx context.Context, limit int) ([]Response, error)

	// Operator and maintenance surface.
	Status(ctx context.Context) (StatusCounts, error)
	DeadMessages(ctx context.Context) ([]Message, error)
	RetryDead(ctx context.Context, id int64) error
	DeleteDead(ctx context.Context, id int64) error
	RecoverStale(ctx context.Context, olderThan time.Duration) (int, error)
	PruneCompleted(ctx context.Context, olderThan time.Duration) (int, error)
	PruneAcked(ctx context.Context, olderThan time.Duration) (int, error)

	// Notify wakes the dispatcher after enqueues, retries, and stale
	// recovery. The channel has capacity one; signals may coalesce.
	Notify() <-chan struct{}

	Close() error
}

// ==================================================================
// Shared encoding helpers
// ==================================================================

func encodeStrings(ss []string) string {
	if len(ss) == 0 {
		return "[]"
	}
	b, err := json.Marshal(ss)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func decodeStrings(s string) []string {
	if s == "" || s == "[]" {
		return nil
	}
	var ss []string
	if err := json.Unmarshal([]byte(s), &ss); err != nil {
		return nil
	}
	return ss
}

func encodeMeta(m map[string]string) string {
	if len(m) == 0 {
		return "{}"
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func decodeMeta(s string) map[string]string {
	if s == "" || s == "{}" {
		return nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil
	}
	return m
}

// unix-ms timestamp helpers shared by both backends.

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
