package journal

import (
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCSVHeader(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "events.csv")
	j, err := NewCSV(path)
	require.NoError(t, err)
	require.NoError(t, j.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	header, err := csv.NewReader(strings.NewReader(string(data))).Read()
	require.NoError(t, err)
	assert.Equal(t, []string{"time", "event_id", "session_id", "seq", "type", "payload"}, header)
}

func TestCSVRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "events.csv")
	j, err := NewCSV(path)
	require.NoError(t, err)
	ctx := context.Background()

	for _, ev := range sampleEvents("a") {
		require.NoError(t, j.Write(ctx, ev))
	}

	got, err := j.ListEvents(ctx, Filter{Types: []EventType{PnL}})
	require.NoError(t, err)
	assert.Equal(t, sampleEvents("a")[1:], got)
	require.NoError(t, j.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	rows, err := csv.NewReader(strings.NewReader(string(data))).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 4)
	assert.Equal(t, []string{"2024-01-01T00:00:00.000000000Z", "a-1", "a", "1", "session_started", `{"name":"demo"}`}, rows[1])

	got, err = LoadCSV(path, Filter{Session: "a", Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, sampleEvents("a")[:2], got)

	_, err = LoadCSV(filepath.Join(t.TempDir(), "missing.csv"), Filter{})
	assert.Error(t, err)
}

func TestReadCSVErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
	}{
		{"empty", ""},
		{"bad header", "when,event_id,session_id,seq,type,payload\n"},
		{"bad time", "time,event_id,session_id,seq,type,payload\nyesterday,a,s,1,pnl,{}\n"},
		{"bad seq", "time,event_id,session_id,seq,type,payload\n2024-01-01T00:00:00.000000000Z,a,s,x,pnl,{}\n"},
		{"short row", "time,event_id,session_id,seq,type,payload\n2024-01-01T00:00:00.000000000Z,a\n"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := ReadCSV(strings.NewReader(tt.in))
			assert.Error(t, err)
		})
	}
}
