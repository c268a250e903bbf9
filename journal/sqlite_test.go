package journal

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSQLite(t *testing.T) (*SQLite, string) {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "test.db")

	j, err := NewSQLite(path)
	require.NoError(t, err)

	return j, path
}

func sampleEvents(session string) []Event {
	return []Event{
		{ID: session + "-1", Session: session, Seq: 1, Time: t0, Type: SessionStarted, Payload: []byte(`{"name":"demo"}`)},
		{ID: session + "-2", Session: session, Seq: 2, Time: t0.Add(24 * time.Hour), Type: PnL, Payload: []byte(`{"equity":100}`)},
		{ID: session + "-3", Session: session, Seq: 3, Time: t0.Add(48 * time.Hour), Type: PnL, Payload: []byte(`{"equity":101}`)},
	}
}

func TestSQLiteSchemaCreated(t *testing.T) {
	t.Parallel()

	j, path := newTestSQLite(t)
	assert.NoError(t, j.Close())

	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	var name string
	err = db.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name='events'`).Scan(&name)
	require.NoError(t, err)
	assert.Equal(t, "events", name)
}

func TestSQLiteRoundTrip(t *testing.T) {
	t.Parallel()

	j, _ := newTestSQLite(t)
	defer j.Close()
	ctx := context.Background()

	for _, ev := range append(sampleEvents("a"), sampleEvents("b")...) {
		require.NoError(t, j.Write(ctx, ev))
	}

	got, err := j.ListEvents(ctx, Filter{Session: "a"})
	require.NoError(t, err)
	assert.Equal(t, sampleEvents("a"), got)

	got, err = j.ListEvents(ctx, Filter{Types: []EventType{PnL}, Since: t0.Add(time.Hour)})
	require.NoError(t, err)
	require.Len(t, got, 4)
	assert.Equal(t, "a-2", got[0].ID)

	got, err = j.ListEvents(ctx, Filter{Until: t0.Add(24 * time.Hour), Limit: 1})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "a-1", got[0].ID)

	sessions, err := j.Sessions(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, sessions)
}

func TestSQLiteDuplicateIDRejected(t *testing.T) {
	t.Parallel()

	j, _ := newTestSQLite(t)
	defer j.Close()
	ctx := context.Background()

	ev := sampleEvents("a")[0]
	require.NoError(t, j.Write(ctx, ev))
	assert.Error(t, j.Write(ctx, ev))
}

func TestSQLiteSubsecondOrdering(t *testing.T) {
	t.Parallel()

	j, _ := newTestSQLite(t)
	defer j.Close()
	ctx := context.Background()

	whole := Event{ID: "1", Session: "s", Seq: 1, Time: t0.Add(time.Second), Type: Snapshot, Payload: []byte("{}")}
	frac := Event{ID: "2", Session: "s", Seq: 2, Time: t0.Add(1500 * time.Millisecond), Type: Snapshot, Payload: []byte("{}")}
	require.NoError(t, j.Write(ctx, whole))
	require.NoError(t, j.Write(ctx, frac))

	got, err := j.ListEvents(ctx, Filter{Since: t0.Add(1200 * time.Millisecond)})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "2", got[0].ID)
}
