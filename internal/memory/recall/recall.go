// Package recall implements the append-only, full-text-searchable
// conversation log that trimmed chat turns spill into.
package recall

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // pure-Go driver, matches the teacher's sqlitevec backend

	nexuserrors "github.com/sleeptime/nexus/internal/errors"
)

// Message is a single recall log row.
type Message struct {
	ID        int64
	Role      string
	Content   string
	Timestamp time.Time
	TaskPath  string
}

// Log is the append-only recall store. A Log may be shared by multiple
// goroutines; the underlying *sql.DB serializes writers.
type Log struct {
	db    *sql.DB
	ftsOK bool
}

// Open creates (or reuses) the recall database at path, enabling the FTS5
// virtual table when the build supports it and falling back to a plain
// substring predicate otherwise.
func Open(path string) (*Log, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, nexuserrors.Newf(nexuserrors.Storage, "recall.Open", "open recall database: %w", err)
	}

	l := &Log{db: db}
	if err := l.init(); err != nil {
		db.Close()
		return nil, err
	}
	return l, nil
}

func (l *Log) init() error {
	_, err := l.db.Exec(`
		CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			timestamp DATETIME NOT NULL,
			task_path TEXT NOT NULL DEFAULT ''
		)
	`)
	if err != nil {
		return nexuserrors.Newf(nexuserrors.Storage, "recall.init", "create messages table: %w", err)
	}

	_, ftsErr := l.db.Exec(`
		CREATE VIRTUAL TABLE IF NOT EXISTS messages_fts USING fts5(
			content, content='messages', content_rowid='id'
		)
	`)
	l.ftsOK = ftsErr == nil
	if l.ftsOK {
		_, err = l.db.Exec(`
			CREATE TRIGGER IF NOT EXISTS messages_ai AFTER INSERT ON messages BEGIN
				INSERT INTO messages_fts(rowid, content) VALUES (new.id, new.content);
			END
		`)
		if err != nil {
			return nexuserrors.Newf(nexuserrors.Storage, "recall.init", "create fts sync trigger: %w", err)
		}
	}
	return nil
}

// Append inserts each message with the current UTC timestamp. taskPath
// namespaces the message under a sleep-time task subtree; pass "" for the
// foreground log.
func (l *Log) Append(ctx context.Context, messages []Message, taskPath string) error {
	if len(messages) == 0 {
		return nil
	}
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nexuserrors.Newf(nexuserrors.Storage, "recall.Append", "begin transaction: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO messages (role, content, timestamp, task_path) VALUES (?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return nexuserrors.Newf(nexuserrors.Storage, "recall.Append", "prepare insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, m := range messages {
		ts := m.Timestamp
		if ts.IsZero() {
			ts = now
		}
		path := m.TaskPath
		if path == "" {
			path = taskPath
		}
		if _, err := stmt.ExecContext(ctx, m.Role, m.Content, ts, path); err != nil {
			tx.Rollback()
			return nexuserrors.Newf(nexuserrors.Storage, "recall.Append", "insert message: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nexuserrors.Newf(nexuserrors.Storage, "recall.Append", "commit: %w", err)
	}
	return nil
}

// Get returns the single message with the given id, or false if absent.
func (l *Log) Get(ctx context.Context, id int64) (Message, bool, error) {
	row := l.db.QueryRowContext(ctx, `SELECT id, role, content, timestamp, task_path FROM messages WHERE id = ?`, id)
	var m Message
	if err := row.Scan(&m.ID, &m.Role, &m.Content, &m.Timestamp, &m.TaskPath); err != nil {
		if err == sql.ErrNoRows {
			return Message{}, false, nil
		}
		return Message{}, false, nexuserrors.Newf(nexuserrors.Storage, "recall.Get", "scan message %d: %w", id, err)
	}
	return m, true, nil
}

// ConversationSearch locates up to limit matches for query, most recent
// first, then expands each match id m into the neighbor window
// [max(1, m-before), m+after] with after = floor(n/2), before = n - after,
// returned ascending by id. The second return value is the list of match
// ids in match order (before expansion).
func (l *Log) ConversationSearch(ctx context.Context, query string, nNeighbors, limit int) ([][]Message, []int64, error) {
	if limit <= 0 {
		limit = 1
	}
	matchIDs, err := l.matchIDs(ctx, query, limit)
	if err != nil {
		return nil, nil, err
	}

	after := nNeighbors / 2
	before := nNeighbors - after

	windows := make([][]Message, 0, len(matchIDs))
	for _, m := range matchIDs {
		lo := m - int64(before)
		if lo < 1 {
			lo = 1
		}
		hi := m + int64(after)
		window, err := l.window(ctx, lo, hi)
		if err != nil {
			return nil, nil, err
		}
		windows = append(windows, window)
	}
	return windows, matchIDs, nil
}

func (l *Log) matchIDs(ctx context.Context, query string, limit int) ([]int64, error) {
	var rows *sql.Rows
	var err error
	if l.ftsOK {
		rows, err = l.db.QueryContext(ctx, `
			SELECT m.id FROM messages m
			JOIN messages_fts f ON f.rowid = m.id
			WHERE messages_fts MATCH ?
			ORDER BY m.id DESC
			LIMIT ?
		`, ftsQuery(query), limit)
	}
	if !l.ftsOK || err != nil {
		rows, err = l.db.QueryContext(ctx, `
			SELECT id FROM messages
			WHERE content LIKE ?
			ORDER BY id DESC
			LIMIT ?
		`, "%"+query+"%", limit)
	}
	if err != nil {
		return nil, nexuserrors.Newf(nexuserrors.Storage, "recall.matchIDs", "search: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, nexuserrors.Newf(nexuserrors.Storage, "recall.matchIDs", "scan match: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// ftsQuery quotes the raw query as a single FTS5 phrase so punctuation in
// user text does not get parsed as query syntax.
func ftsQuery(query string) string {
	return `"` + strings.ReplaceAll(query, `"`, `""`) + `"`
}

func (l *Log) window(ctx context.Context, lo, hi int64) ([]Message, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, role, content, timestamp, task_path FROM messages
		WHERE id >= ? AND id <= ?
		ORDER BY id ASC
	`, lo, hi)
	if err != nil {
		return nil, nexuserrors.Newf(nexuserrors.Storage, "recall.window", "query window [%d,%d]: %w", lo, hi, err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.Role, &m.Content, &m.Timestamp, &m.TaskPath); err != nil {
			return nil, nexuserrors.Newf(nexuserrors.Storage, "recall.window", "scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, nil
}

// Close releases the underlying database handle.
func (l *Log) Close() error {
	return l.db.Close()
}

// String renders a message as the "role: content" pairs the unified search
// report and context spill feed into the model.
func (m Message) String() string {
	return fmt.Sprintf("%s: %s", m.Role, m.Content)
}
