package data

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rustyeddy/yieldtrader/errs"
)

var day0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func day(n int) time.Time { return day0.Add(time.Duration(n) * 24 * time.Hour) }

func TestHistoricalExactMatch(t *testing.T) {
	t.Parallel()

	h, err := NewHistorical([]Point{
		{Time: day(2), Series: "price:ETH", Value: 2200},
		{Time: day(0), Series: "price:ETH", Value: 2000},
		{Time: day(1), Series: "price:ETH", Value: 2100},
	})
	require.NoError(t, err)

	v, err := h.Query(context.Background(), day(1), "price:ETH")
	require.NoError(t, err)
	assert.Equal(t, 2100.0, v.V)
	assert.Equal(t, day(1), v.AsOf)
	assert.False(t, v.Stale)

	first, last, ok := h.Range("price:ETH")
	require.True(t, ok)
	assert.Equal(t, day(0), first)
	assert.Equal(t, day(2), last)
}

func TestHistoricalFailsFast(t *testing.T) {
	t.Parallel()

	h, err := NewHistorical([]Point{
		{Time: day(0), Series: "rate:aave:USDC", Value: 0.05},
		{Time: day(2), Series: "rate:aave:USDC", Value: 0.05},
	})
	require.NoError(t, err)

	tests := []struct {
		name string
		ts   time.Time
		key  string
	}{
		{"before range", day(-1), "rate:aave:USDC"},
		{"after range", day(3), "rate:aave:USDC"},
		{"gap is not interpolated", day(1), "rate:aave:USDC"},
		{"between points", day(0).Add(time.Hour), "rate:aave:USDC"},
		{"unknown series", day(0), "rate:compound:USDC"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			v, err := h.Query(context.Background(), tt.ts, tt.key)
			require.Error(t, err)
			assert.ErrorIs(t, err, errs.ErrDataUnavailable)
			assert.True(t, IsUnavailable(err))
			assert.Equal(t, Value{}, v)

			var de *errs.DataUnavailableError
			require.ErrorAs(t, err, &de)
			assert.Equal(t, tt.key, de.Key)
		})
	}
}

func TestHistoricalRejectsDuplicates(t *testing.T) {
	t.Parallel()

	_, err := NewHistorical([]Point{
		{Time: day(0), Series: "price:ETH", Value: 1},
		{Time: day(0), Series: "price:ETH", Value: 2},
	})
	assert.Error(t, err)
}

func TestReadCSV(t *testing.T) {
	t.Parallel()

	in := strings.Join([]string{
		"time,series,value",
		"2024-01-01T00:00:00Z,price:ETH,2000",
		"",
		" 2024-01-02T00:00:00Z , price:ETH , 2100.5 ",
		"2024-01-01T00:00:00.000000000Z,rate:aave:USDC,0.05",
	}, "\n")

	h, err := ReadCSV(strings.NewReader(in))
	require.NoError(t, err)
	assert.Equal(t, []string{"price:ETH", "rate:aave:USDC"}, h.Series())

	v, err := h.Query(context.Background(), day(1), "price:ETH")
	require.NoError(t, err)
	assert.Equal(t, 2100.5, v.V)
}

func TestReadCSVErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
	}{
		{"short row", "2024-01-01T00:00:00Z,price:ETH\n"},
		{"bad time", "yesterday,price:ETH,1\n"},
		{"bad value", "2024-01-01T00:00:00Z,price:ETH,abc\n"},
		{"empty series", "2024-01-01T00:00:00Z,,1\n"},
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

func TestLoadCSV(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "series.csv")
	require.NoError(t, os.WriteFile(path, []byte("2024-01-01T00:00:00Z,price:ETH,2000\n"), 0o644))

	h, err := LoadCSV(path)
	require.NoError(t, err)

	v, err := h.Query(context.Background(), day(0), "price:ETH")
	require.NoError(t, err)
	assert.Equal(t, 2000.0, v.V)

	_, err = LoadCSV(filepath.Join(t.TempDir(), "missing.csv"))
	assert.Error(t, err)
}
