package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const messageCols = `id, message_id, channel, sender, sender_id, text, target_agent,
	files, conversation_id, from_agent, status, retries, last_error, claimed_by,
	created_ts, updated_ts`

// Enqueue implements Store. The returned message carries the surrogate
// id and timestamps assigned by the store.
func (s *SQLiteStore) Enqueue(ctx context.Context, msg *Message) (*Message, error) {
	now := time.Now()
	res, err := s.writer.ExecContext(ctx, `
		INSERT INTO messages (message_id, channel, sender, sender_id, text, target_agent,
			files, conversation_id, from_agent, status, retries, created_ts, updated_ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		msg.MessageID, msg.Channel, msg.Sender, msg.SenderID, msg.Text, msg.TargetAgent,
		encodeStrings(msg.Files), msg.ConversationID, msg.FromAgent, StatusPending,
		toMillis(now), toMillis(now),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicateID
		}
		return nil, fmt.Errorf("enqueue: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("enqueue id: %w", err)
	}

	stored := *msg
	stored.ID = id
	stored.Status = StatusPending
	stored.Retries = 0
	stored.CreatedAt = now
	stored.UpdatedAt = now

	s.wake()
	return &stored, nil
}

// ClaimNext implements Store. The immediate transaction guarantees two
// concurrent claimers never observe the same pending row.
func (s *SQLiteStore) ClaimNext(ctx context.Context, agentID string) (*Message, error) {
	tx, err := s.writer.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("claim begin: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT `+messageCols+` FROM messages
		WHERE status = ? AND (target_agent = ? OR (target_agent = '' AND ? = ?))
		ORDER BY id LIMIT 1`,
		StatusPending, agentID, agentID, s.defaultAgent,
	)
	msg, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("claim select: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE messages SET status = ?, claimed_by = ?, updated_ts = ?
		WHERE id = ? AND status = ?`,
		StatusProcessing, agentID, toMillis(time.Now()), msg.ID, StatusPending,
	)
	if err != nil {
		return nil, fmt.Errorf("claim update: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return nil, nil
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("claim commit: %w", err)
	}

	msg.Status = StatusProcessing
	msg.ClaimedBy = agentID
	return msg, nil
}

// Complete implements Store.
func (s *SQLiteStore) Complete(ctx context.Context, id int64) error {
	_, err := s.writer.ExecContext(ctx, `
		UPDATE messages SET status = ?, updated_ts = ? WHERE id = ?`,
		StatusCompleted, toMillis(time.Now()), id,
	)
	if err != nil {
		return fmt.Errorf("complete: %w", err)
	}
	return nil
}

// Fail implements Store: bumps the retry counter and either requeues
// the row or dead-letters it once the retry budget is spent.
func (s *SQLiteStore) Fail(ctx context.Context, id int64, errText string) error {
	tx, err := s.writer.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("fail begin: %w", err)
	}
	defer tx.Rollback()

	var retries int
	if err := tx.QueryRowContext(ctx,
		`SELECT retries FROM messages WHERE id = ?`, id).Scan(&retries); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("fail select: %w", err)
	}

	retries++
	status := StatusPending
	if retries >= s.maxRetries {
		status = StatusDead
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE messages SET status = ?, retries = ?, last_error = ?, claimed_by = '', updated_ts = ?
		WHERE id = ?`,
		status, retries, errText, toMillis(time.Now()), id,
	); err != nil {
		return fmt.Errorf("fail update: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("fail commit: %w", err)
	}

	if status == StatusPending {
		s.wake()
	}
	return nil
}

// PendingAgents implements Store. Untargeted rows surface as the
// default agent.
func (s *SQLiteStore) PendingAgents(ctx context.Context) ([]string, error) {
	rows, err := s.reader.QueryContext(ctx,
		`SELECT DISTINCT target_agent FROM messages WHERE status = ?`, StatusPending)
	if err != nil {
		return nil, fmt.Errorf("pending agents: %w", err)
	}
	defer rows.Close()

	seen := make(map[string]bool)
	var agents []string
	for rows.Next() {
		var target string
		if err := rows.Scan(&target); err != nil {
			return nil, err
		}
		if target == "" {
			target = s.defaultAgent
		}
		if !seen[target] {
			seen[target] = true
			agents = append(agents, target)
		}
	}
	return agents, rows.Err()
}

// DeadMessages implements Store, oldest first.
func (s *SQLiteStore) DeadMessages(ctx context.Context) ([]Message, error) {
	rows, err := s.reader.QueryContext(ctx,
		`SELECT `+messageCols+` FROM messages WHERE status = ? ORDER BY id`, StatusDead)
	if err != nil {
		return nil, fmt.Errorf("dead messages: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// RetryDead implements Store: a fresh start with the retry counter reset.
func (s *SQLiteStore) RetryDead(ctx context.Context, id int64) error {
	res, err := s.writer.ExecContext(ctx, `
		UPDATE messages SET status = ?, retries = 0, last_error = '', claimed_by = '', updated_ts = ?
		WHERE id = ? AND status = ?`,
		StatusPending, toMillis(time.Now()), id, StatusDead,
	)
	if err != nil {
		return fmt.Errorf("retry dead: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotDead
	}
	s.wake()
	return nil
}

// DeleteDead implements Store.
func (s *SQLiteStore) DeleteDead(ctx context.Context, id int64) error {
	res, err := s.writer.ExecContext(ctx,
		`DELETE FROM messages WHERE id = ? AND status = ?`, id, StatusDead)
	if err != nil {
		return fmt.Errorf("delete dead: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotDead
	}
	return nil
}

// RecoverStale implements Store: processing rows whose claimer went
// quiet are returned to the pending pool.
func (s *SQLiteStore) RecoverStale(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := toMillis(time.Now().Add(-olderThan))
	res, err := s.writer.ExecContext(ctx, `
		UPDATE messages SET status = ?, claimed_by = '', updated_ts = ?
		WHERE status = ? AND updated_ts < ?`,
		StatusPending, toMillis(time.Now()), StatusProcessing, cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("recover stale: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.wake()
	}
	return int(n), nil
}

// PruneCompleted implements Store. Dead rows are never pruned.
func (s *SQLiteStore) PruneCompleted(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := toMillis(time.Now().Add(-olderThan))
	res, err := s.writer.ExecContext(ctx,
		`DELETE FROM messages WHERE status = ? AND updated_ts < ?`, StatusCompleted, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune completed: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*Message, error) {
	var m Message
	var files string
	var createdMS, updatedMS int64
	if err := row.Scan(&m.ID, &m.MessageID, &m.Channel, &m.Sender, &m.SenderID, &m.Text,
		&m.TargetAgent, &files, &m.ConversationID, &m.FromAgent, &m.Status, &m.Retries,
		&m.LastError, &m.ClaimedBy, &createdMS, &updatedMS); err != nil {
		return nil, err
	}
	m.Files = decodeStrings(files)
	m.CreatedAt = fromMillis(createdMS)
	m.UpdatedAt = fromMillis(updatedMS)
	return &m, nil
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	var out []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		code := se.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE ||
			code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY ||
			code == sqlite3.SQLITE_CONSTRAINT
	}
	// The driver wraps some constraint failures as plain errors.
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
