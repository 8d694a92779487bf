// buy.go scores entry opportunities. The pipeline runs hard rejects,
// realtime pre-filters, a momentum gate, then additive components; the
// composite must clear the phase-dependent threshold.
package strategy

import (
	"fmt"
	"time"

	"kis-daytrader/internal/config"
	"kis-daytrader/internal/store"
	"kis-daytrader/pkg/types"
)

// BuyDecision explains the verdict. Reason is set on rejection.
type BuyDecision struct {
	Buy      bool
	Score    float64
	Momentum float64
	Reason   string
}

func reject(reason string) BuyDecision { return BuyDecision{Reason: reason} }

// AnalyzeBuy is pure: snapshot + phase + clock + config in, verdict out.
func AnalyzeBuy(snap *store.Snapshot, phase types.MarketPhase, now time.Time, perf config.PerfConfig) BuyDecision {
	if snap == nil {
		return reject("no snapshot")
	}
	rt := snap.RT

	// Hard rejects.
	switch {
	case rt.TradingHalt:
		return reject("trading_halt")
	case rt.VIActive:
		return reject("vi_active")
	case rt.PriceChangeRate <= -5:
		return reject(fmt.Sprintf("change_rate %.1f collapsed", rt.PriceChangeRate))
	case !rt.DepthSufficient():
		return reject("insufficient_realtime_data")
	}
	if spread := rt.SpreadRatio(); spread < 0 || spread > perf.MaxSpreadRatioForBuy {
		return reject(fmt.Sprintf("spread %.2f%% too wide", spread))
	}

	// Pre-filters: realtime quality gates before any scoring.
	liquidity := rt.LiquidityScore(now, 30*time.Second)
	switch {
	case rt.BidAskRatio() < perf.MinBidAskRatioForBuy:
		return reject("bid_ask_ratio")
	case rt.BuyRatio < perf.MinBuyRatioForBuy:
		return reject("buy_ratio")
	case rt.ContractStrength < perf.MinContractStrengthForBuy:
		return reject("contract_strength")
	case rt.PriceChangeRate >= perf.MaxPriceChangeRateForBuy:
		return reject("already_extended")
	case liquidity < perf.MinLiquidityScoreForBuy:
		return reject("liquidity")
	}

	momentum := momentumScore(rt, phase)
	if momentum < perf.MinMomentum(string(phase)) {
		return BuyDecision{Momentum: momentum, Reason: "momentum_floor"}
	}

	score := momentum
	score += divergenceScore(snap)
	score += timeSensitivityScore(rt, phase, now)
	score += rt.OrderbookScore()
	score += contractImbalanceScore(rt)
	score += volumeQualityScore(rt)
	score += buyRatioBonus(rt.BuyRatio)
	score += patternBonus(snap.Ref.PatternScore)
	if score > 100 {
		score = 100
	}

	if score < perf.BuyScoreThreshold(string(phase)) {
		return BuyDecision{Score: score, Momentum: momentum, Reason: "below_threshold"}
	}
	return BuyDecision{Buy: true, Score: score, Momentum: momentum}
}

// momentumScore is the 0–40 gate: price move, volume expansion and
// contract strength, tiered, with a small phase multiplier.
func momentumScore(rt store.RealtimeData, phase types.MarketPhase) float64 {
	var s float64

	switch {
	case rt.PriceChangeRate >= 3:
		s += 16
	case rt.PriceChangeRate >= 1.5:
		s += 12
	case rt.PriceChangeRate >= 0.5:
		s += 7
	case rt.PriceChangeRate > 0:
		s += 3
	}

	switch {
	case rt.VolumeSpikeRatio >= 3:
		s += 14
	case rt.VolumeSpikeRatio >= 2:
		s += 10
	case rt.VolumeSpikeRatio >= 1.3:
		s += 5
	}

	switch {
	case rt.ContractStrength >= 150:
		s += 10
	case rt.ContractStrength >= 120:
		s += 7
	case rt.ContractStrength >= 100:
		s += 3
	}

	s *= phaseMomentumMultiplier(phase)
	if s > 40 {
		s = 40
	}
	return s
}

// divergenceScore (0–25): distance from SMA20 plus position within the
// day's range. Near support with room overhead scores best.
func divergenceScore(snap *store.Snapshot) float64 {
	rt := snap.RT
	var s float64

	if sma := snap.Ref.SMA20; sma > 0 && rt.CurrentPrice > 0 {
		above := (rt.CurrentPrice - sma) / sma * 100
		switch {
		case above >= 0 && above <= 3:
			s += 15 // riding the mean, not extended
		case above > 3 && above <= 6:
			s += 8
		case above < 0 && above >= -2:
			s += 10
		}
	}

	if rt.TodayHigh > rt.TodayLow {
		pos := (rt.CurrentPrice - rt.TodayLow) / (rt.TodayHigh - rt.TodayLow)
		if pos >= 0.5 && pos <= 0.85 {
			s += 10 // strong but not chasing the high print
		} else if pos > 0.85 {
			s += 4
		}
	}

	if s > 25 {
		s = 25
	}
	return s
}

// timeSensitivityScore (0–15): phase, minute-of-hour, and whether the
// tape is actually active right now.
func timeSensitivityScore(rt store.RealtimeData, phase types.MarketPhase, now time.Time) float64 {
	var s float64

	switch phase {
	case types.PhaseOpening:
		s += 7
	case types.PhaseActive:
		s += 5
	case types.PhaseLunch:
		s += 1
	case types.PhasePreClose:
		s += 2
	}

	// The first minutes of each hour tend to carry fresh order flow.
	if m := now.In(KST).Minute(); m < 10 || (m >= 30 && m < 40) {
		s += 3
	}

	if rt.ContractVolume > 0 && now.Sub(rt.LastUpdated) < 5*time.Second {
		s += 5
	}

	if s > 15 {
		s = 15
	}
	return s
}

// contractImbalanceScore (0–8) from buy vs sell contract counts.
func contractImbalanceScore(rt store.RealtimeData) float64 {
	total := rt.BuyContracts + rt.SellContracts
	if total == 0 {
		return 0
	}
	buyShare := float64(rt.BuyContracts) / float64(total)
	switch {
	case buyShare >= 0.7:
		return 8
	case buyShare >= 0.6:
		return 5
	case buyShare >= 0.55:
		return 2
	default:
		return 0
	}
}

// volumeQualityScore (0–7) from turnover and the same-time-yesterday rate.
func volumeQualityScore(rt store.RealtimeData) float64 {
	var s float64
	switch {
	case rt.VolumeTurnoverRate >= 2:
		s += 4
	case rt.VolumeTurnoverRate >= 1:
		s += 2
	}
	if rt.PrevSameTimeRate >= 50 {
		s += 3
	} else if rt.PrevSameTimeRate >= 0 {
		s += 1
	}
	if s > 7 {
		s = 7
	}
	return s
}

// buyRatioBonus (0–10).
func buyRatioBonus(buyRatio float64) float64 {
	switch {
	case buyRatio >= 70:
		return 10
	case buyRatio >= 60:
		return 6
	case buyRatio >= 55:
		return 3
	default:
		return 0
	}
}

// patternBonus (0–10) carries a slice of the pre-open pattern evidence
// into the intraday decision.
func patternBonus(patternScore float64) float64 {
	b := patternScore * 0.5
	if b > 10 {
		b = 10
	}
	return b
}
