package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const responseCols = `id, message_id, channel, sender, sender_id, text, original_text,
	agent, files, metadata, status, created_ts, acked_ts`

// EnqueueResponse implements Store and returns the surrogate id.
func (s *SQLiteStore) EnqueueResponse(ctx context.Context, resp *Response) (int64, error) {
	now := time.Now()
	res, err := s.writer.ExecContext(ctx, `
		INSERT INTO responses (message_id, channel, sender, sender_id, text, original_text,
			agent, files, metadata, status, created_ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		resp.MessageID, resp.Channel, resp.Sender, resp.SenderID, resp.Text, resp.OriginalText,
		resp.Agent, encodeStrings(resp.Files), encodeMeta(resp.Metadata), RespPending,
		toMillis(now),
	)
	if err != nil {
		return 0, fmt.Errorf("enqueue response: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("enqueue response id: %w", err)
	}
	return id, nil
}

// PendingResponses implements Store, oldest first.
func (s *SQLiteStore) PendingResponses(ctx context.Context, channel string) ([]Response, error) {
	rows, err := s.reader.QueryContext(ctx, `
		SELECT `+responseCols+` FROM responses
		WHERE channel = ? AND status = ? ORDER BY id`,
		channel, RespPending,
	)
	if err != nil {
		return nil, fmt.Errorf("pending responses: %w", err)
	}
	defer rows.Close()
	return scanResponses(rows)
}

// AckResponse implements Store. Acking an already-acked row is a
// no-op; the original acked_ts is preserved.
func (s *SQLiteStore) AckResponse(ctx context.Context, id int64) error {
	res, err := s.writer.ExecContext(ctx, `
		UPDATE responses SET status = ?, acked_ts = ? WHERE id = ? AND status = ?`,
		RespAcked, toMillis(time.Now()), id, RespPending,
	)
	if err != nil {
		return fmt.Errorf("ack response: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var one int
		err := s.reader.QueryRowContext(ctx,
			`SELECT 1 FROM responses WHERE id = ?`, id).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("ack response check: %w", err)
		}
	}
	return nil
}

// RecentResponses implements Store, newest first.
func (s *SQLiteStore) RecentResponses(ctx context.Context, limit int) ([]Response, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.reader.QueryContext(ctx, `
		SELECT `+responseCols+` FROM responses ORDER BY created_ts DESC, id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("recent responses: %w", err)
	}
	defer rows.Close()
	return scanResponses(rows)
}

// PruneAcked implements Store.
func (s *SQLiteStore) PruneAcked(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := toMillis(time.Now().Add(-olderThan))
	res, err := s.writer.ExecContext(ctx, `
		DELETE FROM responses WHERE status = ? AND acked_ts > 0 AND acked_ts < ?`,
		RespAcked, cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("prune acked: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Status implements Store.
func (s *SQLiteStore) Status(ctx context.Context) (StatusCounts, error) {
	var counts StatusCounts

	rows, err := s.reader.QueryContext(ctx,
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
		case StatusPending:
			counts.Incoming = n
		case StatusProcessing:
			counts.Processing = n
		case StatusDead:
			counts.Dead = n
		}
	}
	if err := rows.Err(); err != nil {
		return counts, err
	}

	if err := s.reader.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM responses WHERE status = ?`, RespPending,
	).Scan(&counts.Outgoing); err != nil {
		return counts, fmt.Errorf("status responses: %w", err)
	}
	return counts, nil
}

func scanResponses(rows *sql.Rows) ([]Response, error) {
	var out []Response
	for rows.Next() {
		var r Response
		var files, meta string
		var createdMS, ackedMS int64
		if err := rows.Scan(&r.ID, &r.MessageID, &r.Channel, &r.Sender, &r.SenderID,
			&r.Text, &r.OriginalText, &r.Agent, &files, &meta, &r.Status,
			&createdMS, &ackedMS); err != nil {
			return nil, err
		}
		r.Files = decodeStrings(files)
		r.Metadata = decodeMeta(meta)
		r.CreatedAt = fromMillis(createdMS)
		r.AckedAt = fromMillis(ackedMS)
		out = append(out, r)
	}
	return out, rows.Err()
}
