package journal

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

type SQLite struct {
	db *sql.DB
}

func NewSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}

	if _, err := db.Exec(Schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("journal: sqlite schema: %w", err)
	}

	return &SQLite{db: db}, nil
}

func (j *SQLite) Write(ctx context.Context, ev Event) error {
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO events
		(event_id, session_id, seq, time, type, payload)
		VALUES (?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.Session, ev.Seq, formatTime(ev.Time), string(ev.Type), string(ev.Payload),
	)
	return err
}

// ListEvents returns matching events ordered by session and sequence.
func (j *SQLite) ListEvents(ctx context.Context, f Filter) ([]Event, error) {
	where, args := whereClause(f,
		func(int) string { return "?" },
		func(t time.Time) any { return formatTime(t) })

	rows, err := j.db.QueryContext(ctx, `
		SELECT event_id, session_id, seq, time, type, payload
		FROM events`+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			ev      Event
			ts, typ string
			payload string
		)
		if err := rows.Scan(&ev.ID, &ev.Session, &ev.Seq, &ts, &typ, &payload); err != nil {
			return nil, err
		}
		if ev.Time, err = parseTime(ts); err != nil {
			return nil, fmt.Errorf("journal: event %s: %w", ev.ID, err)
		}
		ev.Type = EventType(typ)
		ev.Payload = []byte(payload)
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Sessions lists the session IDs present in the journal, oldest first.
func (j *SQLite) Sessions(ctx context.Context) ([]string, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT session_id FROM events
		GROUP BY session_id
		ORDER BY MIN(time) ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (j *SQLite) Close() error {
	return j.db.Close()
}
