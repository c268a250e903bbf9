package journal

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres writes events through a pgx pool.
type Postgres struct {
	db *pgxpool.Pool
}

func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("journal: postgres connect: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := db.Exec(ctx, PostgresSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal: postgres schema: %w", err)
	}
	return &Postgres{db: db}, nil
}

func (j *Postgres) Write(ctx context.Context, ev Event) error {
	ctx, cancel := context.WithTimeout(ctx, 4*time.Second)
	defer cancel()
	_, err := j.db.Exec(ctx, `
		INSERT INTO events (event_id, session_id, seq, time, type, payload)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		ev.ID, ev.Session, ev.Seq, ev.Time.UTC(), string(ev.Type), string(ev.Payload),
	)
	return err
}

func (j *Postgres) ListEvents(ctx context.Context, f Filter) ([]Event, error) {
	where, args := whereClause(f,
		func(n int) string { return fmt.Sprintf("$%d", n) },
		func(t time.Time) any { return t.UTC() })

	rows, err := j.db.Query(ctx, `
		SELECT event_id, session_id, seq, time, type, payload
		FROM events`+where, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Event, error) {
		var (
			ev           Event
			typ, payload string
		)
		if err := row.Scan(&ev.ID, &ev.Session, &ev.Seq, &ev.Time, &typ, &payload); err != nil {
			return Event{}, err
		}
		ev.Time = ev.Time.UTC()
		ev.Type = EventType(typ)
		ev.Payload = []byte(payload)
		return ev, nil
	})
}

func (j *Postgres) Close() error {
	j.db.Close()
	return nil
}
