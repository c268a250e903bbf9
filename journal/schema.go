package journal

// Schema is the SQLite event table. Times are stored as RFC3339Nano text and
// payloads as the exact JSON that was appended.
const Schema = `
CREATE TABLE IF NOT EXISTS events (
	event_id   TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	seq        INTEGER NOT NULL,
	time       TEXT NOT NULL,
	type       TEXT NOT NULL,
	payload    TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_id, seq);
CREATE INDEX IF NOT EXISTS idx_events_type ON events(type);
`

// PostgresSchema is the same table for Postgres.
const PostgresSchema = `
CREATE TABLE IF NOT EXISTS events (
	event_id   TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	seq        BIGINT NOT NULL,
	time       TIMESTAMPTZ NOT NULL,
	type       TEXT NOT NULL,
	payload    TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_id, seq);
`
