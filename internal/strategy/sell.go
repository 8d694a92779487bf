// sell.go walks the exit priority ladder for a held position and returns
// the first matching reason, or "" to keep holding. Higher rungs are
// unconditional; lower rungs respect the minimum-holding cooldown.
package strategy

import (
	"time"

	"kis-daytrader/internal/config"
	"kis-daytrader/internal/store"
	"kis-daytrader/pkg/types"
)

// Sell reasons, in ladder order.
const (
	SellTradingHalt      = "trading_halt"
	SellMarketClose      = "market_close"
	SellLimitUp          = "limit_up_take"
	SellEmergency        = "emergency_stop"
	SellStopLoss         = "stop_loss"
	SellDynamicStop      = "dynamic_stop"
	SellRapidDecline     = "rapid_decline"
	SellTrailingStop     = "trailing_stop"
	SellTakeProfit       = "take_profit"
	SellPreCloseTake     = "pre_close_take"
	SellTimeDecayTake    = "time_decay_take"
	SellWeakStrength     = "weak_strength"
	SellLowBuyRatio      = "low_buy_ratio"
	SellHostilePressure  = "hostile_pressure"
	SellAskPressure      = "ask_pressure"
	SellBidVanish        = "bid_vanish"
	SellSpreadWidening   = "spread_widening"
	SellVolumeDryUp      = "volume_dry_up"
	SellLowTurnover      = "low_turnover"
	SellVolumeDeviation  = "volume_deviation"
	SellDominance        = "sell_dominance"
	SellVeryWeakStrength = "very_weak_strength"
	SellVolatilityPull   = "volatility_pullback"
	SellMaxHoldingDays   = "max_holding_days"
	SellOpportunityCost  = "opportunity_cost"
	SellExitTime         = "exit_time"
)

// SellContext is the non-snapshot state a sell decision needs.
type SellContext struct {
	Phase    types.MarketPhase
	Now      time.Time
	Flow     *FlowTracker // nil disables the flow-window rungs
	ExitTime string       // HH:MM day-trading flatten cutoff; "" disables
}

// AnalyzeSell evaluates the ladder for a BOUGHT symbol. Returns "" when
// no exit condition holds.
func AnalyzeSell(snap *store.Snapshot, sc SellContext, risk config.RiskConfig, perf config.PerfConfig) string {
	if snap == nil || !snap.Status.Held() {
		return ""
	}
	rt := snap.RT
	trade := snap.Trade
	price := rt.CurrentPrice
	if price <= 0 {
		return ""
	}
	pnlRate := trade.UnrealizedPnLRate
	holding := trade.HoldingMinutes(sc.Now)

	// 1. Immediate exits.
	if rt.TradingHalt {
		return SellTradingHalt
	}
	if sc.Phase == types.PhaseClosing {
		return SellMarketClose
	}
	if risk.LimitUpProfitRate > 0 && rt.PriceChangeRate >= risk.LimitUpProfitRate {
		return SellLimitUp
	}
	if pnlRate <= risk.EmergencyStopLossRate && rt.Volatility >= risk.EmergencyVolatilityThreshold {
		return SellEmergency
	}

	// 2. Stop-loss family.
	if trade.StopLossPrice > 0 && price <= trade.StopLossPrice {
		return SellStopLoss
	}
	if pnlRate <= DynamicStopRate(risk.StopLossRate, holding) {
		return SellDynamicStop
	}
	if trade.BuyPrice > 0 {
		decline := (trade.BuyPrice - price) / trade.BuyPrice * 100
		if decline >= risk.RapidDeclineFromBuyThreshold {
			return SellRapidDecline
		}
	}

	// 3. Take-profit family.
	if trade.DynamicTargetPrice > 0 && price <= trade.DynamicTargetPrice && pnlRate > 0 {
		return SellTrailingStop
	}
	if trade.TargetPrice > 0 && price >= trade.TargetPrice {
		return SellTakeProfit
	}
	if sc.Phase == types.PhasePreClose && pnlRate >= risk.TakeProfitRate*0.6 {
		return SellPreCloseTake
	}
	if risk.LongHoldMinutes > 0 && holding >= float64(risk.LongHoldMinutes) && pnlRate >= risk.TakeProfitRate*0.5 {
		return SellTimeDecayTake
	}

	// Day-trading flatten cutoff sits above the cooldown-gated rungs.
	if sc.ExitTime != "" {
		if cutoff, err := config.ParseHHMM(sc.ExitTime); err == nil {
			kst := sc.Now.In(KST)
			if kst.Hour()*60+kst.Minute() >= cutoff {
				return SellExitTime
			}
		}
	}

	// Below this point the position must have seasoned.
	if holding < float64(risk.MinHoldingMinutesBeforeSell) {
		return ""
	}

	// 4. Technical deterioration.
	if rt.ContractStrength > 0 && rt.ContractStrength < perf.WeakContractStrengthThreshold && pnlRate <= 0.3 {
		return SellWeakStrength
	}
	if rt.BuyRatio > 0 && rt.BuyRatio < perf.LowBuyRatioThreshold {
		return SellLowBuyRatio
	}
	if rt.MarketPressure == types.PressureSell && pnlRate <= 0 {
		return SellHostilePressure
	}

	// 5. Orderbook deterioration.
	if ratio := askBidRatio(rt); ratio >= perf.AskPressureRatio && pnlRate <= perf.AskPressureMaxProfit {
		return SellAskPressure
	}
	if rt.BidAskRatio() > 0 && rt.BidAskRatio() < perf.LowBidInterestRatio && pnlRate < 0 {
		return SellBidVanish
	}
	if spread := rt.SpreadRatio(); spread >= perf.SpreadWideningRatio && spread > 0 {
		return SellSpreadWidening
	}

	// 6. Volume decay.
	if rt.VolumeSpikeRatio > 0 && rt.VolumeSpikeRatio < perf.VolumeDryUpRatio {
		return SellVolumeDryUp
	}
	if rt.VolumeTurnoverRate > 0 && rt.VolumeTurnoverRate < perf.LowTurnoverThreshold && pnlRate <= 0 {
		return SellLowTurnover
	}
	if rt.PrevSameTimeRate <= perf.SameTimeVolumeDeviation && pnlRate <= 0 {
		return SellVolumeDeviation
	}

	// 7. Contract-flow window.
	if sc.Flow != nil {
		window := time.Duration(perf.SellDominanceMinutes) * time.Minute
		if dom, ok := sc.Flow.SellDominance(snap.Code, window); ok && dom >= perf.SellDominanceThreshold {
			return SellDominance
		}
		weakFor := sc.Flow.WeakStrengthFor(snap.Code)
		if rt.ContractStrength > 0 &&
			rt.ContractStrength < perf.VeryWeakContractStrengthThreshold &&
			weakFor >= time.Duration(perf.WeakStrengthMinutes)*time.Minute {
			return SellVeryWeakStrength
		}
	}

	// 8. Volatility pullback: gave back too much of the move with the
	// remaining profit thinning out.
	if pull := rt.PullbackFromHigh(); pull >= perf.VolatilityPullbackThreshold && pnlRate < risk.TakeProfitRate*0.3 {
		return SellVolatilityPull
	}

	// 9. Time-based: the calendar limit, then capital parked in a long
	// drifting loss that the stop never catches.
	if risk.MaxHoldingDays > 0 && holding >= float64(risk.MaxHoldingDays)*24*60 {
		return SellMaxHoldingDays
	}
	if risk.LongHoldMinutes > 0 && holding >= float64(risk.LongHoldMinutes)*2 &&
		pnlRate < 0 && pnlRate > risk.StopLossRate {
		return SellOpportunityCost
	}

	return ""
}

// askBidRatio is ask depth over bid depth (sell-side wall detection).
func askBidRatio(rt store.RealtimeData) float64 {
	bid := rt.BidAskRatio()
	if bid <= 0 {
		return 0
	}
	return 1 / bid
}
