package market

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseKey(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    Key
		wantErr bool
	}{
		{"aave/USDC", Key{"aave", "USDC"}, false},
		{"cex/ETH-PERP", Key{"cex", "ETH-PERP"}, false},
		{"aave", Key{}, true},
		{"/USDC", Key{}, true},
		{"aave/", Key{}, true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			got, err := ParseKey(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestKeyAsJSONMapKey(t *testing.T) {
	t.Parallel()

	m := map[Key]float64{
		{Venue: "wallet", Asset: "USDC"}: 10,
		{Venue: "aave", Asset: "USDC"}:   90,
	}
	b, err := json.Marshal(m)
	require.NoError(t, err)
	assert.Equal(t, `{"aave/USDC":90,"wallet/USDC":10}`, string(b))

	var back map[Key]float64
	require.NoError(t, json.Unmarshal(b, &back))
	assert.Equal(t, m, back)
}

func TestKeysSorted(t *testing.T) {
	t.Parallel()

	m := map[Key]int{
		{"wallet", "USDC"}: 1,
		{"aave", "USDC"}:   1,
		{"aave", "ETH"}:    1,
	}
	assert.Equal(t, []Key{{"aave", "ETH"}, {"aave", "USDC"}, {"wallet", "USDC"}}, Keys(m))
}

func TestSnapshotMarkStale(t *testing.T) {
	t.Parallel()

	s := NewSnapshot(time.Unix(0, 0))
	assert.False(t, s.IsStale())

	s.MarkStale("price:ETH")
	s.MarkStale("funding:cex:ETH-PERP")
	s.MarkStale("price:ETH")

	assert.True(t, s.IsStale())
	assert.Equal(t, []string{"funding:cex:ETH-PERP", "price:ETH"}, s.Stale)
}
