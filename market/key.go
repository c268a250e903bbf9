package market

import (
	"fmt"
	"sort"
	"strings"
)

// Key identifies one holding: an asset held at a venue. Negative quantities
// are debt (lending venues) or short exposure (perps).
type Key struct {
	Venue string
	Asset string
}

func (k Key) String() string { return k.Venue + "/" + k.Asset }

// MarshalText lets Key be used as a JSON object key.
func (k Key) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *Key) UnmarshalText(b []byte) error {
	parsed, err := ParseKey(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// ParseKey parses "venue/asset".
func ParseKey(s string) (Key, error) {
	venue, asset, ok := strings.Cut(s, "/")
	if !ok || venue == "" || asset == "" {
		return Key{}, fmt.Errorf("market: bad key %q (want venue/asset)", s)
	}
	return Key{Venue: venue, Asset: asset}, nil
}

// SortKeys orders keys by venue then asset.
func SortKeys(keys []Key) {
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Venue != keys[j].Venue {
			return keys[i].Venue < keys[j].Venue
		}
		return keys[i].Asset < keys[j].Asset
	})
}

// Keys returns the keys of m in sorted order.
func Keys[V any](m map[Key]V) []Key {
	out := make([]Key, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	SortKeys(out)
	return out
}
