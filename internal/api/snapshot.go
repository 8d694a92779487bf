package api

import (
	"sort"
	"time"

	"kis-daytrader/internal/config"
	"kis-daytrader/internal/risk"
	"kis-daytrader/internal/store"
)

// StateProvider supplies the live state behind the API. The engine
// implements it; tests use a fake.
type StateProvider interface {
	StockSnapshots() []store.Snapshot
	RiskStats() risk.Stats
	GatewayStatus() GatewayStatus
	MarketPhase() string
}

// BuildSnapshot assembles the full dashboard state, positions first,
// then watchers, each group sorted by score.
func BuildSnapshot(p StateProvider, cfg *config.Config) TradingSnapshot {
	snaps := p.StockSnapshots()
	stocks := make([]StockStatus, 0, len(snaps))
	for _, s := range snaps {
		stocks = append(stocks, newStockStatus(s))
	}
	sort.Slice(stocks, func(i, j int) bool {
		hi, hj := stocks[i].Quantity > 0, stocks[j].Quantity > 0
		if hi != hj {
			return hi
		}
		return stocks[i].Score > stocks[j].Score
	})

	return TradingSnapshot{
		Timestamp: time.Now(),
		Phase:     p.MarketPhase(),
		Stocks:    stocks,
		Risk:      newRiskStatus(p.RiskStats()),
		Gateway:   p.GatewayStatus(),
		Config:    NewConfigSummary(cfg),
	}
}
