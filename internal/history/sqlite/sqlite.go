package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/loykin/procwarden/internal/history"
)

var schema = []string{`
CREATE TABLE IF NOT EXISTS task_history(
	seq         INTEGER PRIMARY KEY AUTOINCREMENT,
	occurred_ns INTEGER NOT NULL,
	event       TEXT    NOT NULL,
	task_id     TEXT    NOT NULL,
	path        TEXT    NOT NULL,
	name        TEXT,
	pid         INTEGER NOT NULL DEFAULT 0,
	reason      TEXT,
	error       TEXT
)`,
	`CREATE INDEX IF NOT EXISTS idx_task_history_task ON task_history(task_id, occurred_ns)`,
}

// Sink keeps history events in a local SQLite file. It is also a
// history.Reader, which makes it the usual backing store for the
// /tasks/:id/history endpoint on a single host.
type Sink struct {
	db     *sql.DB
	insert *sql.Stmt
}

var _ history.Reader = (*Sink)(nil)

// New opens (and if needed creates) the database.
// Accepted forms: "sqlite:///path/to/file.db", "sqlite://:memory:", "/path/to/file.db".
func New(dsn string) (*Sink, error) {
	path := strings.TrimSpace(dsn)
	if len(path) >= len("sqlite://") && strings.EqualFold(path[:len("sqlite://")], "sqlite://") {
		path = path[len("sqlite://"):]
	}
	if path == "" {
		return nil, errors.New("empty SQLite DSN")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// one writer; also keeps :memory: on a single connection
	db.SetMaxOpenConns(1)

	for _, q := range schema {
		if _, err := db.Exec(q); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite schema: %w", err)
		}
	}
	insert, err := db.Prepare(`INSERT INTO task_history
		(occurred_ns, event, task_id, path, name, pid, reason, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Sink{db: db, insert: insert}, nil
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	at := e.OccurredAt
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.insert.ExecContext(ctx, at.UnixNano(), string(e.Type), e.TaskID, e.Path,
		history.NullString(e.Name), e.PID, history.NullString(e.Reason), history.NullString(e.Error))
	return err
}

// Events returns the newest events for taskID first. Events recorded with the
// same timestamp come back in reverse insertion order.
func (s *Sink) Events(ctx context.Context, taskID string, limit int) ([]history.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT occurred_ns, event, task_id, path, name, pid, reason, error
		FROM task_history WHERE task_id = ?
		ORDER BY occurred_ns DESC, seq DESC LIMIT ?`, taskID, history.ClampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []history.Event
	for rows.Next() {
		var (
			ns                  int64
			typ                 string
			name, reason, errTx sql.NullString
			e                   history.Event
		)
		if err := rows.Scan(&ns, &typ, &e.TaskID, &e.Path, &name, &e.PID, &reason, &errTx); err != nil {
			return nil, err
		}
		e.Type = history.EventType(typ)
		e.OccurredAt = time.Unix(0, ns).UTC()
		e.Name, e.Reason, e.Error = name.String, reason.String, errTx.String
		out = append(out, e)
	}
	return out, rows.Err()
}

// Count returns how many events were recorded for taskID.
func (s *Sink) Count(ctx context.Context, taskID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM task_history WHERE task_id = ?`, taskID).Scan(&n)
	return n, err
}

func (s *Sink) Close() error {
	if s.db == nil {
		return nil
	}
	return errors.Join(s.insert.Close(), s.db.Close())
}
