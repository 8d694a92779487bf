// book.go provides derived orderbook readings over RealtimeData.
//
// The gateway keeps the top 5 depth levels per symbol in the realtime
// sub-store; these helpers turn that mirror into the micro-structure inputs
// the analyzers and the intraday scanner use: spread, bid/ask skew, and a
// liquidity-flavored orderbook score.
package store

import (
	"math"
	"time"
)

// BestBid returns the top-of-book bid, 0 when the book side is empty.
func (rt RealtimeData) BestBid() float64 { return rt.BidPrices[0] }

// BestAsk returns the top-of-book ask, 0 when the book side is empty.
func (rt RealtimeData) BestAsk() float64 { return rt.AskPrices[0] }

// SpreadRatio is (ask − bid) / bid × 100. Returns -1 when either side is
// missing so callers can distinguish "wide" from "unknown".
func (rt RealtimeData) SpreadRatio() float64 {
	bid, ask := rt.BestBid(), rt.BestAsk()
	if bid <= 0 || ask <= 0 || ask < bid {
		return -1
	}
	return (ask - bid) / bid * 100
}

// BidAskRatio is total bid quantity over total ask quantity across the
// mirrored depth. Falls back to the exchange-reported totals when the depth
// arrays are empty. Returns 0 when no ask interest is known.
func (rt RealtimeData) BidAskRatio() float64 {
	bidQty, askQty := rt.depthTotals()
	if askQty == 0 {
		return 0
	}
	return float64(bidQty) / float64(askQty)
}

func (rt RealtimeData) depthTotals() (bid, ask int64) {
	for i := 0; i < 5; i++ {
		bid += rt.BidQtys[i]
		ask += rt.AskQtys[i]
	}
	if bid == 0 {
		bid = rt.TotalBidQty
	}
	if ask == 0 {
		ask = rt.TotalAskQty
	}
	return bid, ask
}

// OrderbookScore condenses spread and skew into 0–10 for the intraday
// scanner: tight spread and bid-heavy depth score high.
func (rt RealtimeData) OrderbookScore() float64 {
	spread := rt.SpreadRatio()
	if spread < 0 {
		return 0
	}

	score := 0.0
	switch {
	case spread <= 0.1:
		score += 5
	case spread <= 0.2:
		score += 4
	case spread <= 0.3:
		score += 3
	case spread <= 0.5:
		score += 1
	}

	ratio := rt.BidAskRatio()
	switch {
	case ratio >= 2.0:
		score += 5
	case ratio >= 1.5:
		score += 4
	case ratio >= 1.2:
		score += 3
	case ratio >= 1.0:
		score += 1
	}
	return score
}

// LiquidityScore is a 0–10 composite of quote freshness and log-scaled
// contract volume. Quotes older than the window contribute nothing.
func (rt RealtimeData) LiquidityScore(now time.Time, window time.Duration) float64 {
	score := 0.0
	if !rt.LastUpdated.IsZero() && now.Sub(rt.LastUpdated) <= window {
		age := now.Sub(rt.LastUpdated).Seconds()
		score += 5 * (1 - age/window.Seconds())
	}
	if rt.ContractVolume > 0 {
		// log10(10_000 shares) saturates the volume half.
		score += math.Min(math.Log10(float64(rt.ContractVolume)+1)/4*5, 5)
	}
	if score > 10 {
		score = 10
	}
	return score
}

// DepthSufficient reports whether enough realtime inputs have arrived to
// score the symbol: at least two of {orderbook depth, turnover, contracts}.
func (rt RealtimeData) DepthSufficient() bool {
	n := 0
	if rt.BestBid() > 0 && rt.BestAsk() > 0 {
		n++
	}
	if rt.VolumeTurnoverRate > 0 {
		n++
	}
	if rt.BuyContracts+rt.SellContracts > 0 {
		n++
	}
	return n >= 2
}

// PullbackFromHigh is the percent decline from today's high, 0 when unknown.
func (rt RealtimeData) PullbackFromHigh() float64 {
	if rt.TodayHigh <= 0 || rt.CurrentPrice <= 0 {
		return 0
	}
	return (rt.TodayHigh - rt.CurrentPrice) / rt.TodayHigh * 100
}
