// Package strategy holds the pure decision functions of the trading day:
// market-phase derivation, the buy composite, the sell priority ladder,
// position sizing and dynamic stop/target placement. Analyzers take a
// snapshot plus config and return a verdict; they never touch the network
// or mutate shared state.
package strategy

import (
	"time"

	"kis-daytrader/internal/config"
	"kis-daytrader/pkg/types"
)

// KST is the exchange clock; phase boundaries are meaningless elsewhere.
var KST = time.FixedZone("KST", 9*60*60)

// PhaseAt derives the intraday regime from the wall clock and the
// configured schedule. Weekend days are always closed.
func PhaseAt(now time.Time, sched config.ScheduleConfig) types.MarketPhase {
	now = now.In(KST)
	if wd := now.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return types.PhaseClosed
	}

	open, err := config.ParseHHMM(sched.MarketOpenTime)
	if err != nil {
		open = 9 * 60
	}
	close, err := config.ParseHHMM(sched.MarketCloseTime)
	if err != nil {
		close = 15*60 + 30
	}

	minute := now.Hour()*60 + now.Minute()
	switch {
	case minute < open || minute >= close:
		return types.PhaseClosed
	case minute < open+30:
		return types.PhaseOpening
	case minute >= close-10:
		return types.PhaseClosing
	case minute >= close-40:
		return types.PhasePreClose
	case minute >= 11*60+30 && minute < 13*60:
		return types.PhaseLunch
	default:
		return types.PhaseActive
	}
}

// phaseMomentumMultiplier nudges the momentum component by regime: the
// open rewards early strength, lunch discounts thin moves.
func phaseMomentumMultiplier(phase types.MarketPhase) float64 {
	switch phase {
	case types.PhaseOpening:
		return 1.1
	case types.PhaseLunch:
		return 0.9
	case types.PhasePreClose:
		return 0.85
	default:
		return 1.0
	}
}
