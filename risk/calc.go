package risk

import "math"

// Leverage is gross notional over equity.
func Leverage(gross, equity float64) float64 {
	if equity <= 0 {
		if gross == 0 {
			return 0
		}
		return math.Inf(1)
	}
	return gross / equity
}

// Drawdown is the fractional fall of equity from peak.
func Drawdown(peak, equity float64) float64 {
	if peak <= 0 || equity >= peak {
		return 0
	}
	return (peak - equity) / peak
}
