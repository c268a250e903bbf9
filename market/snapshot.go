package market

import (
	"sort"
	"time"
)

// Year is the accrual basis for APYs and funding rates.
const Year = 365 * 24 * time.Hour

// Years converts d to a fraction of Year.
func Years(d time.Duration) float64 { return float64(d) / float64(Year) }

// Snapshot is the point-in-time market view every component of a timestep
// reads. Prices are quoted in the session base asset; rates are annualised.
type Snapshot struct {
	Time        time.Time          `json:"time"`
	Prices      map[string]float64 `json:"prices"`
	SupplyRates map[Key]float64    `json:"supply_rates,omitempty"`
	BorrowRates map[Key]float64    `json:"borrow_rates,omitempty"`
	Funding     map[Key]float64    `json:"funding,omitempty"`

	// Series served from a last-known value rather than a fresh read.
	Stale []string `json:"stale,omitempty"`
}

// NewSnapshot returns an empty snapshot for t.
func NewSnapshot(t time.Time) Snapshot {
	return Snapshot{
		Time:        t,
		Prices:      map[string]float64{},
		SupplyRates: map[Key]float64{},
		BorrowRates: map[Key]float64{},
		Funding:     map[Key]float64{},
	}
}

// Price returns the price of asset.
func (s Snapshot) Price(asset string) (float64, bool) {
	p, ok := s.Prices[asset]
	return p, ok
}

// IsStale reports whether any series was served stale.
func (s Snapshot) IsStale() bool { return len(s.Stale) > 0 }

// MarkStale records a stale series, keeping the list sorted and unique.
func (s *Snapshot) MarkStale(series string) {
	i := sort.SearchStrings(s.Stale, series)
	if i < len(s.Stale) && s.Stale[i] == series {
		return
	}
	s.Stale = append(s.Stale, "")
	copy(s.Stale[i+1:], s.Stale[i:])
	s.Stale[i] = series
}
