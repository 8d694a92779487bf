// sizing.go converts cash and risk settings into an order quantity.
package strategy

import (
	"math"

	"kis-daytrader/internal/config"
	"kis-daytrader/pkg/types"
)

// PositionSize returns the buy quantity for a price given the account
// state. Zero means no affordable position.
//
// The investment base is either the fixed base_investment_amount or, with
// use_account_ratio, position_size_ratio of total account value, capped by
// max_position_size. The base is then scaled down for riskier entries:
// halved in the opening auction chop, cut to 30% near the close, cut by
// high_volatility_position_ratio when the symbol is running hot, and by
// conservative_ratio once 80% of the max_positions slots are filled.
// Available cash bounds the result last.
func PositionSize(price, availableCash, totalValue float64, phase types.MarketPhase,
	highVolatility bool, openPositions int, risk config.RiskConfig, perf config.PerfConfig) int64 {

	if price <= 0 || availableCash <= 0 {
		return 0
	}

	amount := risk.BaseInvestmentAmount
	if risk.UseAccountRatio && totalValue > 0 && risk.PositionSizeRatio > 0 {
		amount = totalValue * risk.PositionSizeRatio
	}
	if risk.MaxPositionSize > 0 && amount > risk.MaxPositionSize {
		amount = risk.MaxPositionSize
	}
	switch phase {
	case types.PhaseOpening:
		amount *= 0.5
	case types.PhasePreClose:
		amount *= 0.3
	}
	if highVolatility && perf.HighVolatilityPositionRatio > 0 {
		amount *= perf.HighVolatilityPositionRatio
	}
	if risk.ConservativeRatio > 0 && risk.MaxPositions > 0 &&
		float64(openPositions) >= 0.8*float64(risk.MaxPositions) {
		amount *= risk.ConservativeRatio
	}
	if amount > availableCash {
		amount = availableCash
	}

	qty := int64(math.Floor(amount / price))
	if qty < 0 {
		qty = 0
	}
	return qty
}

// ReduceQtyForCash shrinks an intended quantity until it fits the cash on
// hand. Used when the broker rejects for insufficient funds.
func ReduceQtyForCash(qty int64, price, availableCash float64) int64 {
	if price <= 0 {
		return 0
	}
	max := int64(math.Floor(availableCash / price))
	if qty > max {
		qty = max
	}
	if qty < 0 {
		qty = 0
	}
	return qty
}
