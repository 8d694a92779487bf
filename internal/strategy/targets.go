// targets.go places stops and profit targets at order time and rescales
// them as a position ages. Rates are percentages from the entry price.
package strategy

import (
	"math"

	"kis-daytrader/internal/config"
)

// DynamicStopRate widens the base stop as a position seasons: early noise
// should not shake out an entry, but an aging position earns less rope.
// Base is negative (e.g. -2.0); returned values stay negative.
func DynamicStopRate(base float64, holdingMinutes float64) float64 {
	switch {
	case holdingMinutes < 10:
		return base * 1.5 // room for entry noise
	case holdingMinutes < 30:
		return base * 1.2
	case holdingMinutes < 60:
		return base
	default:
		return base * 0.8 // tighten on stale positions
	}
}

// StopLossPrice converts the configured stop rate into an absolute price.
func StopLossPrice(buyPrice float64, risk config.RiskConfig) float64 {
	return roundToTick(buyPrice * (1 + risk.StopLossRate/100))
}

// TargetPrice converts the take-profit rate into an absolute price.
func TargetPrice(buyPrice float64, risk config.RiskConfig) float64 {
	return roundToTick(buyPrice * (1 + risk.TakeProfitRate/100))
}

// TrailingTarget recomputes the dynamic target from the running peak:
// the exit trails the peak by trailing_stop_ratio percent, never below
// the entry-anchored floor once the position is in profit.
func TrailingTarget(buyPrice, peakPrice float64, risk config.RiskConfig) float64 {
	if peakPrice <= 0 || buyPrice <= 0 {
		return 0
	}
	trail := peakPrice * (1 - risk.TrailingStopRatio/100)
	if trail < buyPrice && peakPrice > buyPrice {
		trail = buyPrice // lock breakeven once the trade has worked
	}
	return roundToTick(trail)
}

// roundToTick snaps a price to the exchange tick grid for its band.
// KRX ticks: <2,000 → 1, <5,000 → 5, <20,000 → 10, <50,000 → 50,
// <200,000 → 100, <500,000 → 500, else 1,000.
func roundToTick(price float64) float64 {
	if price <= 0 {
		return 0
	}
	var tick float64
	switch {
	case price < 2_000:
		tick = 1
	case price < 5_000:
		tick = 5
	case price < 20_000:
		tick = 10
	case price < 50_000:
		tick = 50
	case price < 200_000:
		tick = 100
	case price < 500_000:
		tick = 500
	default:
		tick = 1_000
	}
	return math.Round(price/tick) * tick
}
