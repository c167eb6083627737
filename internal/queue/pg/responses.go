package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/crewdhq/crewd/internal/queue"
)

const responseCols = `id, message_id, channel, sender, sender_id, text, original_text,
	agent, files, metadata, status, created_at, acked_at`

// EnqueueResponse implements queue.Store.
func (s *Store) EnqueueResponse(ctx context.Context, resp *queue.Response) (int64, error) {
	meta, err := json.Marshal(orEmptyMeta(resp.Metadata))
	if err != nil {
		return 0, fmt.Errorf("encode metadata: %w", err)
	}

	var id int64
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO responses (message_id, channel, sender, sender_id, text, original_text,
			agent, files, metadata, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id`,
		resp.MessageID, resp.Channel, resp.Sender, resp.SenderID, resp.Text, resp.OriginalText,
		resp.Agent, pq.Array(resp.Files), meta, queue.RespPending, time.Now(),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("enqueue response: %w", err)
	}
	return id, nil
}

// PendingResponses implements queue.Store.
func (s *Store) PendingResponses(ctx context.Context, channel string) ([]queue.Response, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+responseCols+` FROM responses
		WHERE channel = $1 AND status = $2 ORDER BY id`,
		channel, queue.RespPending)
	if err != nil {
		return nil, fmt.Errorf("pending responses: %w", err)
	}
	defer rows.Close()
	return scanResponses(rows)
}

// AckResponse implements queue.Store.
func (s *Store) AckResponse(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE responses SET status = $1, acked_at = $2 WHERE id = $3 AND status = $4`,
		queue.RespAcked, time.Now(), id, queue.RespPending)
	if err != nil {
		return fmt.Errorf("ack response: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var one int
		err := s.db.QueryRowContext(ctx,
			`SELECT 1 FROM responses WHERE id = $1`, id).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return queue.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("ack response check: %w", err)
		}
	}
	return nil
}

// RecentResponses implements queue.Store.
func (s *Store) RecentResponses(ctx context.Context, limit int) ([]queue.Response, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+responseCols+` FROM responses ORDER BY created_at DESC, id DESC LIMIT $1`,
		limit)
	if err != nil {
		return nil, fmt.Errorf("recent responses: %w", err)
	}
	defer rows.Close()
	return scanResponses(rows)
}

// PruneAcked implements queue.Store.
func (s *Store) PruneAcked(ctx context.Context, olderThan time.Duration) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM responses WHERE status = $1 AND acked_at < $2`,
		queue.RespAcked, time.Now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("prune acked: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Status implements queue.Store.
func (s *Store) Status(ctx context.Context) (queue.StatusCounts, error) {
	var counts queue.StatusCounts

	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM messages GROUP BY status`)
	if err != nil {
		return counts, fmt.Errorf("status messages: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return counts, err
		}
		switch status {
		case queue.StatusPending:
			counts.Incoming = n
		case queue.StatusProcessing:
			counts.Processing = n
		case queue.StatusDead:
			counts.Dead = n
		}
	}
	if err := rows.Err(); err != nil {
		return counts, err
	}

	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM responses WHERE status = $1`, queue.RespPending,
	).Scan(&counts.Outgoing); err != nil {
		return counts, fmt.Errorf("status responses: %w", err)
	}
	return counts, nil
}

func scanResponses(rows *sql.Rows) ([]queue.Response, error) {
	var out []queue.Response
	for rows.Next() {
		var r queue.Response
		var files []string
		var meta []byte
		var acked sql.NullTime
		if err := rows.Scan(&r.ID, &r.MessageID, &r.Channel, &r.Sender, &r.SenderID,
			&r.Text, &r.OriginalText, &r.Agent, pq.Array(&files), &meta, &r.Status,
			&r.CreatedAt, &acked); err != nil {
			return nil, err
		}
		r.Files = files
		if acked.Valid {
			r.AckedAt = acked.Time
		}
		if len(meta) > 0 {
			var m map[string]string
			if err := json.Unmarshal(meta, &m); err == nil && len(m) > 0 {
				r.Metadata = m
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func orEmptyMeta(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
