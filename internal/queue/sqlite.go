package queue

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

const sqliteBusyTimeoutMS = 5000

// schemaSQL is the authoritative shape of a fresh database. Older
// databases are brought forward column-by-column in ensureColumns, so
// opening a file written by an earlier build is always safe.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS messages (
	id              INTEGER PRIMARY KEY,
	message_id      TEXT NOT NULL UNIQUE,
	channel         TEXT NOT NULL,
	sender          TEXT NOT NULL DEFAULT '',
	sender_id       TEXT NOT NULL DEFAULT '',
	text            TEXT NOT NULL DEFAULT '',
	target_agent    TEXT NOT NULL DEFAULT '',
	files           TEXT NOT NULL DEFAULT '[]',
	conversation_id TEXT NOT NULL DEFAULT '',
	from_agent      TEXT NOT NULL DEFAULT '',
	status          TEXT NOT NULL DEFAULT 'pending',
	retries         INTEGER NOT NULL DEFAULT 0,
	last_error      TEXT NOT NULL DEFAULT '',
	claimed_by      TEXT NOT NULL DEFAULT '',
	created_ts      INTEGER NOT NULL,
	updated_ts      INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_claim
	ON messages(status, target_agent, id);

CREATE TABLE IF NOT EXISTS responses (
	id            INTEGER PRIMARY KEY,
	message_id    TEXT NOT NULL,
	channel       TEXT NOT NULL,
	sender        TEXT NOT NULL DEFAULT '',
	sender_id     TEXT NOT NULL DEFAULT '',
	text          TEXT NOT NULL DEFAULT '',
	original_text TEXT NOT NULL DEFAULT '',
	agent         TEXT NOT NULL DEFAULT '',
	files         TEXT NOT NULL DEFAULT '[]',
	metadata      TEXT NOT NULL DEFAULT '{}',
	status        TEXT NOT NULL DEFAULT 'pending',
	created_ts    INTEGER NOT NULL,
	acked_ts      INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_responses_deliver
	ON responses(channel, status, id);
CREATE INDEX IF NOT EXISTS idx_responses_recent
	ON responses(created_ts);
`

// migratableColumns lists columns added after the first release, so a
// database created by an older build gains them at open time. Unknown
// extra columns in newer databases are simply never read.
var migratableColumns = map[string][]string{
	"messages": {
		"files TEXT NOT NULL DEFAULT '[]'",
		"conversation_id TEXT NOT NULL DEFAULT ''",
		"from_agent TEXT NOT NULL DEFAULT ''",
		"last_error TEXT NOT NULL DEFAULT ''",
		"claimed_by TEXT NOT NULL DEFAULT ''",
	},
	"responses": {
		"original_text TEXT NOT NULL DEFAULT ''",
		"files TEXT NOT NULL DEFAULT '[]'",
		"metadata TEXT NOT NULL DEFAULT '{}'",
		"acked_ts INTEGER NOT NULL DEFAULT 0",
	},
}

// SQLiteStore is the standalone-mode backend. One writer connection
// (serialised, immediate transactions) plus a small read-only pool.
type SQLiteStore struct {
	writer       *sql.DB
	reader       *sql.DB
	defaultAgent string
	maxRetries   int
	notify       chan struct{}
}

var _ Store = (*SQLiteStore)(nil)

// OpenSQLite opens (and if needed creates) the queue database at path.
func OpenSQLite(path string, opts Options) (*SQLiteStore, error) {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 5
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	writer, err := sql.Open("sqlite", sqliteDSN(path, true))
	if err != nil {
		return nil, fmt.Errorf("open sqlite writer: %w", err)
	}
	// A single writer connection avoids SQLITE_BUSY between in-process
	// writers; WAL keeps readers unblocked.
	writer.SetMaxOpenConns(1)

	reader, err := sql.Open("sqlite", sqliteDSN(path, false))
	if err != nil {
		writer.Close()
		return nil, fmt.Errorf("open sqlite reader: %w", err)
	}
	reader.SetMaxOpenConns(4)

	s := &SQLiteStore{
		writer:       writer,
		reader:       reader,
		defaultAgent: opts.DefaultAgent,
		maxRetries:   opts.MaxRetries,
		notify:       make(chan struct{}, 1),
	}

	if err := s.ensureSchema(context.Background()); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func sqliteDSN(path string, writer bool) string {
	v := url.Values{}
	v.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", sqliteBusyTimeoutMS))
	v.Add("_pragma", "journal_mode(WAL)")
	v.Add("_pragma", "synchronous(NORMAL)")
	v.Add("_pragma", "foreign_keys(ON)")
	if writer {
		// BEGIN IMMEDIATE takes the write lock up front so claim
		// transactions never deadlock on lock upgrade.
		v.Set("_txlock", "immediate")
	} else {
		v.Set("mode", "ro")
	}
	return "file:" + path + "?" + v.Encode()
}

func (s *SQLiteStore) ensureSchema(ctx context.Context) error {
	if _, err := s.writer.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	for table, cols := range migratableColumns {
		if err := s.ensureColumns(ctx, table, cols); err != nil {
			return err
		}
	}
	return nil
}

// ensureColumns adds any missing columns to an existing table.
func (s *SQLiteStore) ensureColumns(ctx context.Context, table string, defs []string) error {
	rows, err := s.writer.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return fmt.Errorf("inspect %s: %w", table, err)
	}
	existing := make(map[string]bool)
	for rows.Next() {
		var (
			cid     int
			name    string
			ctype   string
			notnull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			rows.Close()
			return err
		}
		existing[name] = true
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	for _, def := range defs {
		col := strings.Fields(def)[0]
		if existing[col] {
			continue
		}
		if _, err := s.writer.ExecContext(ctx,
			fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s", table, def)); err != nil {
			return fmt.Errorf("add column %s.%s: %w", table, col, err)
		}
		slog.Info("queue.schema_migrated", "table", table, "column", col)
	}
	return nil
}

// Notify implements Store.
func (s *SQLiteStore) Notify() <-chan struct{} { return s.notify }

func (s *SQLiteStore) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Close releases both connection pools.
func (s *SQLiteStore) Close() error {
	rerr := s.reader.Close()
	werr := s.writer.Close()
	if werr != nil {
		return werr
	}
	return rerr
}
