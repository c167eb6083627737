package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"

	"github.com/crewdhq/crewd/internal/queue"
)

const messageCols = `id, message_id, channel, sender, sender_id, text, target_agent,
	files, conversation_id, from_agent, status, retries, last_error, claimed_by,
	created_at, updated_at`

// Enqueue implements queue.Store.
func (s *Store) Enqueue(ctx context.Context, msg *queue.Message) (*queue.Message, error) {
	now := time.Now()

	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO messages (message_id, channel, sender, sender_id, text, target_agent,
			files, conversation_id, from_agent, status, retries, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 0, $11, $11)
		RETURNING id`,
		msg.MessageID, msg.Channel, msg.Sender, msg.SenderID, msg.Text, msg.TargetAgent,
		pq.Array(msg.Files), msg.ConversationID, msg.FromAgent, queue.StatusPending, now,
	).Scan(&id)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, queue.ErrDuplicateID
		}
		return nil, fmt.Errorf("enqueue: %w", err)
	}

	stored := *msg
	stored.ID = id
	stored.Status = queue.StatusPending
	stored.Retries = 0
	stored.CreatedAt = now
	stored.UpdatedAt = now

	s.wake()
	return &stored, nil
}

// ClaimNext implements queue.Store. SKIP LOCKED lets concurrent
// claimers for different agents proceed without blocking while still
// handing each pending row to exactly one claimer.
func (s *Store) ClaimNext(ctx context.Context, agentID string) (*queue.Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("claim begin: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT `+messageCols+` FROM messages
		WHERE status = $1 AND (target_agent = $2 OR (target_agent = '' AND $2 = $3))
		ORDER BY id
		FOR UPDATE SKIP LOCKED
		LIMIT 1`,
		queue.StatusPending, agentID, s.defaultAgent,
	)
	msg, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("claim select: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE messages SET status = $1, claimed_by = $2, updated_at = $3 WHERE id = $4`,
		queue.StatusProcessing, agentID, time.Now(), msg.ID,
	); err != nil {
		return nil, fmt.Errorf("claim update: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("claim commit: %w", err)
	}

	msg.Status = queue.StatusProcessing
	msg.ClaimedBy = agentID
	return msg, nil
}

// Complete implements queue.Store.
func (s *Store) Complete(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE messages SET status = $1, updated_at = $2 WHERE id = $3`,
		queue.StatusCompleted, time.Now(), id)
	if err != nil {
		return fmt.Errorf("complete: %w", err)
	}
	return nil
}

// Fail implements queue.Store.
func (s *Store) Fail(ctx context.Context, id int64, errText string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("fail begin: %w", err)
	}
	defer tx.Rollback()

	var retries int
	if err := tx.QueryRowContext(ctx,
		`SELECT retries FROM messages WHERE id = $1 FOR UPDATE`, id).Scan(&retries); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return queue.ErrNotFound
		}
		return fmt.Errorf("fail select: %w", err)
	}

	retries++
	status := queue.StatusPending
	if retries >= s.maxRetries {
		status = queue.StatusDead
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE messages SET status = $1, retries = $2, last_error = $3, claimed_by = '', updated_at = $4
		WHERE id = $5`,
		status, retries, errText, time.Now(), id,
	); err != nil {
		return fmt.Errorf("fail update: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("fail commit: %w", err)
	}

	if status == queue.StatusPending {
		s.wake()
	}
	return nil
}

// PendingAgents implements queue.Store.
func (s *Store) PendingAgents(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT target_agent FROM messages WHERE status = $1`, queue.StatusPending)
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

// DeadMessages implements queue.Store.
func (s *Store) DeadMessages(ctx context.Context) ([]queue.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageCols+` FROM messages WHERE status = $1 ORDER BY id`, queue.StatusDead)
	if err != nil {
		return nil, fmt.Errorf("dead messages: %w", err)
	}
	defer rows.Close()

	var out []queue.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

// RetryDead implements queue.Store.
func (s *Store) RetryDead(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages SET status = $1, retries = 0, last_error = '', claimed_by = '', updated_at = $2
		WHERE id = $3 AND status = $4`,
		queue.StatusPending, time.Now(), id, queue.StatusDead)
	if err != nil {
		return fmt.Errorf("retry dead: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return queue.ErrNotDead
	}
	s.wake()
	return nil
}

// DeleteDead implements queue.Store.
func (s *Store) DeleteDead(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM messages WHERE id = $1 AND status = $2`, id, queue.StatusDead)
	if err != nil {
		return fmt.Errorf("delete dead: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return queue.ErrNotDead
	}
	return nil
}

// RecoverStale implements queue.Store.
func (s *Store) RecoverStale(ctx context.Context, olderThan time.Duration) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages SET status = $1, claimed_by = '', updated_at = $2
		WHERE status = $3 AND updated_at < $4`,
		queue.StatusPending, time.Now(), queue.StatusProcessing, time.Now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("recover stale: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.wake()
	}
	return int(n), nil
}

// PruneCompleted implements queue.Store.
func (s *Store) PruneCompleted(ctx context.Context, olderThan time.Duration) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM messages WHERE status = $1 AND updated_at < $2`,
		queue.StatusCompleted, time.Now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("prune completed: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*queue.Message, error) {
	var m queue.Message
	var files []string
	if err := row.Scan(&m.ID, &m.MessageID, &m.Channel, &m.Sender, &m.SenderID, &m.Text,
		&m.TargetAgent, pq.Array(&files), &m.ConversationID, &m.FromAgent, &m.Status,
		&m.Retries, &m.LastError, &m.ClaimedBy, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return nil, err
	}
	m.Files = files
	return &m, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
