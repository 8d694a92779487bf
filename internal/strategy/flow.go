// flow.go tracks per-symbol contract flow in a rolling time window. The
// sell analyzer consults it for sustained sell dominance and for how long
// contract strength has stayed weak, signals a single tick cannot carry.
package strategy

import (
	"sync"
	"time"

	"kis-daytrader/pkg/types"
)

// flowSample is one observed contract tick, reduced to the flow signals.
type flowSample struct {
	at            time.Time
	sellContracts int64
	buyContracts  int64
	strength      float64
}

// FlowTracker keeps rolling windows of contract samples per symbol.
type FlowTracker struct {
	mu     sync.RWMutex
	window time.Duration
	flows  map[string][]flowSample

	// weakSince marks when strength first dropped below the weak
	// threshold; zero time means currently healthy.
	weakSince map[string]time.Time
	weakBelow float64

	now func() time.Time
}

// NewFlowTracker keeps window minutes of history per symbol. weakBelow is
// the contract-strength level considered weak (e.g. 85).
func NewFlowTracker(window time.Duration, weakBelow float64) *FlowTracker {
	return &FlowTracker{
		window:    window,
		flows:     make(map[string][]flowSample),
		weakSince: make(map[string]time.Time),
		weakBelow: weakBelow,
		now:       time.Now,
	}
}

// Observe records one contract tick and evicts samples outside the window.
func (ft *FlowTracker) Observe(t types.ContractTick) {
	ft.mu.Lock()
	defer ft.mu.Unlock()

	now := ft.now()
	samples := append(ft.flows[t.Code], flowSample{
		at:            now,
		sellContracts: t.SellContracts,
		buyContracts:  t.BuyContracts,
		strength:      t.ContractStrength,
	})
	ft.flows[t.Code] = evictStale(samples, now.Add(-ft.window))

	if t.ContractStrength > 0 && t.ContractStrength < ft.weakBelow {
		if ft.weakSince[t.Code].IsZero() {
			ft.weakSince[t.Code] = now
		}
	} else {
		delete(ft.weakSince, t.Code)
	}
}

func evictStale(samples []flowSample, cutoff time.Time) []flowSample {
	valid := -1
	for i, s := range samples {
		if s.at.After(cutoff) {
			valid = i
			break
		}
	}
	if valid == -1 {
		return samples[:0]
	}
	return samples[valid:]
}

// SellDominance returns the sell share of contract counts over the last
// dur, and whether enough samples back it (≥ 3).
func (ft *FlowTracker) SellDominance(code string, dur time.Duration) (float64, bool) {
	ft.mu.RLock()
	defer ft.mu.RUnlock()

	cutoff := ft.now().Add(-dur)
	var sells, buys int64
	n := 0
	for _, s := range ft.flows[code] {
		if s.at.Before(cutoff) {
			continue
		}
		sells += s.sellContracts
		buys += s.buyContracts
		n++
	}
	total := sells + buys
	if n < 3 || total == 0 {
		return 0, false
	}
	return float64(sells) / float64(total), true
}

// WeakStrengthFor reports how long contract strength has stayed below the
// weak threshold; zero when currently healthy or unknown.
func (ft *FlowTracker) WeakStrengthFor(code string) time.Duration {
	ft.mu.RLock()
	defer ft.mu.RUnlock()

	since, ok := ft.weakSince[code]
	if !ok || since.IsZero() {
		return 0
	}
	return ft.now().Sub(since)
}

// Forget drops all history for a symbol (on removal or SOLD).
func (ft *FlowTracker) Forget(code string) {
	ft.mu.Lock()
	delete(ft.flows, code)
	delete(ft.weakSince, code)
	ft.mu.Unlock()
}

// Pressure classifies the current window's dominant side.
func (ft *FlowTracker) Pressure(code string) types.MarketPressure {
	dom, ok := ft.SellDominance(code, ft.window)
	if !ok {
		return types.PressureNeutral
	}
	switch {
	case dom >= 0.6:
		return types.PressureSell
	case dom <= 0.4:
		return types.PressureBuy
	default:
		return types.PressureNeutral
	}
}
