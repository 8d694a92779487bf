// Package store holds the per-symbol trading state shared between the
// websocket gateway (writer), the monitor loop (reader), and the order
// executor (status writer).
//
// State is split into three sub-stores, each guarded by its own mutex:
//
//   - reference: membership + immutable daily reference data (scanner writes once)
//   - realtime:  tick-driven prices, depth, and derived metrics
//   - status:    trading status + trade info, mutated only through ChangeStatus
//
// Code that needs more than one lock acquires them in the fixed order
// reference → realtime → status. The snapshot cache has its own lock which is
// never held while acquiring any of the three.
package store

import (
	"log/slog"
	"sync"
	"time"

	"kis-daytrader/pkg/types"
)

// ReferenceData is computed once per symbol per day by the scanner and never
// mutated afterwards.
type ReferenceData struct {
	YesterdayClose  float64
	YesterdayVolume int64
	YesterdayHigh   float64
	YesterdayLow    float64
	SMA20           float64
	RSI             float64
	MACD            float64
	MACDSignal      float64
	BBUpper         float64
	BBMiddle        float64
	BBLower         float64
	PatternScore    float64
	PatternNames    []string
	AvgDailyVolume  float64
	AvgTradingValue float64
}

// RealtimeData is mutated only by gateway-driven writes under the realtime
// lock. Depth arrays hold the top 5 levels, best first.
type RealtimeData struct {
	CurrentPrice float64

	BidPrices [5]float64
	BidQtys   [5]int64
	AskPrices [5]float64
	AskQtys   [5]int64

	TotalBidQty int64
	TotalAskQty int64

	TodayVolume int64
	TodayHigh   float64
	TodayLow    float64

	ContractVolume   int64
	ContractStrength float64
	SellContracts    int64
	BuyContracts     int64
	BuyRatio         float64
	MarketPressure   types.MarketPressure

	VolumeTurnoverRate float64
	PrevSameTimeRate   float64

	VIStandardPrice float64
	VIActive        bool
	TradingHalt     bool
	HourClsCode     string

	// Derived on every price update.
	PriceChangeRate  float64
	VolumeSpikeRatio float64
	Volatility       float64

	LastUpdated time.Time
}

// TradeInfo tracks the order lifecycle for a symbol. The ordered/filled/
// remaining counters describe the currently open order leg: a new buy or
// sell order resets them for that leg.
type TradeInfo struct {
	BuyPrice    float64 // weighted-average fill of the buy leg
	BuyQuantity int64   // filled buy quantity

	TargetPrice   float64
	StopLossPrice float64

	BuyOrderNo   string
	BuyOrgNo     string
	BuyOrderAt   time.Time
	SellOrderNo  string
	SellOrgNo    string
	SellOrderAt  time.Time

	OrderedQty   int64
	FilledQty    int64
	RemainingQty int64
	AvgExecPrice float64
	ExecutionAt  time.Time

	RealizedPnL       float64
	RealizedPnLRate   float64
	UnrealizedPnL     float64
	UnrealizedPnLRate float64

	SellReason string
	BoughtAt   time.Time

	DynamicPeakPrice   float64
	DynamicTargetPrice float64
}

// HoldingMinutes is the elapsed time since the first full or partial buy fill.
func (t TradeInfo) HoldingMinutes(now time.Time) float64 {
	if t.BoughtAt.IsZero() {
		return 0
	}
	return now.Sub(t.BoughtAt).Minutes()
}

// Snapshot is an atomic, immutable cross-section of one symbol taken under
// the triple lock. Consumers never see partially-updated state.
type Snapshot struct {
	Code       string
	Name       string
	Score      float64
	IsIntraday bool

	Ref    ReferenceData
	RT     RealtimeData
	Status types.TradingStatus
	Trade  TradeInfo

	TakenAt time.Time
}

type meta struct {
	code       string
	name       string
	score      float64
	reasons    string
	isIntraday bool
	addedAt    time.Time
}

type cachedSnap struct {
	snap Snapshot
	at   time.Time
}

// Store is the concurrent per-symbol state container.
type Store struct {
	logger       *slog.Logger
	maxPremarket int
	maxIntraday  int
	cacheTTL     time.Duration

	refMu sync.Mutex // guards metas + refs (membership authority)
	metas map[string]*meta
	refs  map[string]*ReferenceData

	rtMu sync.Mutex // guards rts
	rts  map[string]*RealtimeData

	stMu     sync.Mutex // guards statuses + trades + soldAt
	statuses map[string]types.TradingStatus
	trades   map[string]*TradeInfo
	soldAt   map[string]time.Time

	cacheMu sync.Mutex
	cache   map[string]cachedSnap

	// updateCh gets a non-blocking signal on every realtime write so the
	// monitor can wake early instead of sleeping a full tick.
	updateCh chan struct{}
}

// New creates an empty store with the given capacity pools and cache TTL.
func New(maxPremarket, maxIntraday int, cacheTTL time.Duration, logger *slog.Logger) *Store {
	if cacheTTL <= 0 {
		cacheTTL = 2 * time.Second
	}
	return &Store{
		logger:       logger.With("component", "store"),
		maxPremarket: maxPremarket,
		maxIntraday:  maxIntraday,
		cacheTTL:     cacheTTL,
		metas:        make(map[string]*meta),
		refs:         make(map[string]*ReferenceData),
		rts:          make(map[string]*RealtimeData),
		statuses:     make(map[string]types.TradingStatus),
		trades:       make(map[string]*TradeInfo),
		soldAt:       make(map[string]time.Time),
		cache:        make(map[string]cachedSnap),
		updateCh:     make(chan struct{}, 1),
	}
}

// Updates signals after realtime writes. The channel has capacity 1; missed
// signals are fine because the consumer polls anyway.
func (s *Store) Updates() <-chan struct{} { return s.updateCh }

func (s *Store) notify() {
	select {
	case s.updateCh <- struct{}{}:
	default:
	}
}

// AddSelectedStock registers a pre-market selection. Returns false on a
// duplicate code or when the pre-market pool is full.
func (s *Store) AddSelectedStock(code, name string, day0 types.OHLCV, score float64, ref *ReferenceData) bool {
	s.refMu.Lock()
	if _, dup := s.metas[code]; dup {
		s.refMu.Unlock()
		return false
	}
	if s.countLocked(false) >= s.maxPremarket {
		s.refMu.Unlock()
		s.logger.Warn("pre-market pool full, rejecting", "code", code, "max", s.maxPremarket)
		return false
	}
	s.metas[code] = &meta{code: code, name: name, score: score, addedAt: time.Now()}
	if ref != nil {
		r := *ref
		s.refs[code] = &r
	} else {
		s.refs[code] = &ReferenceData{}
	}
	s.refMu.Unlock()

	s.rtMu.Lock()
	s.rts[code] = &RealtimeData{
		CurrentPrice: day0.Close,
		TodayHigh:    day0.High,
		TodayLow:     day0.Low,
		TodayVolume:  day0.Volume,
	}
	s.rtMu.Unlock()

	s.stMu.Lock()
	s.statuses[code] = types.Watching
	s.trades[code] = &TradeInfo{}
	s.stMu.Unlock()

	s.logger.Info("stock selected", "code", code, "name", name, "score", score)
	return true
}

// AddIntradayStock registers an intraday addition against the separate
// intraday capacity pool.
func (s *Store) AddIntradayStock(code, name string, price, score float64, reasons string, seed *RealtimeData) bool {
	s.refMu.Lock()
	if _, dup := s.metas[code]; dup {
		s.refMu.Unlock()
		return false
	}
	if s.countLocked(true) >= s.maxIntraday {
		s.refMu.Unlock()
		s.logger.Warn("intraday pool full, rejecting", "code", code, "max", s.maxIntraday)
		return false
	}
	s.metas[code] = &meta{code: code, name: name, score: score, reasons: reasons, isIntraday: true, addedAt: time.Now()}
	s.refs[code] = &ReferenceData{}
	s.refMu.Unlock()

	s.rtMu.Lock()
	if seed != nil {
		rt := *seed
		rt.CurrentPrice = price
		rt.LastUpdated = time.Now()
		s.rts[code] = &rt
	} else {
		s.rts[code] = &RealtimeData{CurrentPrice: price, LastUpdated: time.Now()}
	}
	s.rtMu.Unlock()

	s.stMu.Lock()
	s.statuses[code] = types.Watching
	s.trades[code] = &TradeInfo{}
	s.stMu.Unlock()

	s.logger.Info("intraday stock added", "code", code, "name", name, "score", score, "reasons", reasons)
	return true
}

// countLocked counts entries in one pool. Caller holds refMu.
func (s *Store) countLocked(intraday bool) int {
	n := 0
	for _, m := range s.metas {
		if m.isIntraday == intraday {
			n++
		}
	}
	return n
}

// RemoveSelectedStock clears every trace of a symbol, including its cached
// snapshot. Returns false for an unknown code.
func (s *Store) RemoveSelectedStock(code string) bool {
	s.refMu.Lock()
	if _, ok := s.metas[code]; !ok {
		s.refMu.Unlock()
		return false
	}
	delete(s.metas, code)
	delete(s.refs, code)
	s.refMu.Unlock()

	s.rtMu.Lock()
	delete(s.rts, code)
	s.rtMu.Unlock()

	s.stMu.Lock()
	delete(s.statuses, code)
	delete(s.trades, code)
	s.stMu.Unlock()

	s.invalidate(code)
	s.logger.Info("stock removed", "code", code)
	return true
}

// ApplyContract ingests one realtime contract tick. Derived metrics and,
// for held symbols, unrealized P&L are recomputed in the same pass. Unknown
// codes and non-positive prices are dropped silently.
func (s *Store) ApplyContract(t types.ContractTick) bool {
	if t.Price <= 0 {
		return false
	}

	s.refMu.Lock()
	if _, ok := s.metas[t.Code]; !ok {
		s.refMu.Unlock()
		return false
	}
	ref := *s.refs[t.Code]
	s.refMu.Unlock()

	s.rtMu.Lock()
	rt, ok := s.rts[t.Code]
	if !ok {
		s.rtMu.Unlock()
		return false
	}
	rt.CurrentPrice = t.Price
	if t.AccVolume > 0 {
		rt.TodayVolume = t.AccVolume
	}
	if t.High > 0 {
		rt.TodayHigh = t.High
	}
	if t.Low > 0 {
		rt.TodayLow = t.Low
	}
	rt.ContractVolume = t.ContractVolume
	rt.ContractStrength = t.ContractStrength
	rt.SellContracts = t.SellContracts
	rt.BuyContracts = t.BuyContracts
	rt.BuyRatio = t.BuyRatio
	rt.MarketPressure = pressureOf(t.BuyContracts, t.SellContracts)
	rt.VolumeTurnoverRate = t.TurnoverRate
	rt.PrevSameTimeRate = t.PrevSameTimeRate
	rt.VIStandardPrice = t.VIStandardPrice
	rt.VIActive = t.VIActive
	rt.TradingHalt = t.TradingHalt
	rt.HourClsCode = t.HourClsCode
	if t.BestBid > 0 && rt.BidPrices[0] == 0 {
		rt.BidPrices[0] = t.BestBid
	}
	if t.BestAsk > 0 && rt.AskPrices[0] == 0 {
		rt.AskPrices[0] = t.BestAsk
	}
	if t.TotalBidQty > 0 {
		rt.TotalBidQty = t.TotalBidQty
	}
	if t.TotalAskQty > 0 {
		rt.TotalAskQty = t.TotalAskQty
	}

	if t.ChangeRate != 0 {
		rt.PriceChangeRate = t.ChangeRate
	} else if ref.YesterdayClose > 0 {
		rt.PriceChangeRate = (t.Price - ref.YesterdayClose) / ref.YesterdayClose * 100
	}
	if ref.AvgDailyVolume > 0 {
		rt.VolumeSpikeRatio = float64(rt.TodayVolume) / ref.AvgDailyVolume
	}
	if rt.TodayLow > 0 && rt.TodayHigh > rt.TodayLow {
		rt.Volatility = (rt.TodayHigh - rt.TodayLow) / rt.TodayLow * 100
	}
	rt.LastUpdated = monotonic(rt.LastUpdated, time.Now())
	price := rt.CurrentPrice
	s.rtMu.Unlock()

	// rt → status respects the lock order.
	s.stMu.Lock()
	if s.statuses[t.Code] == types.Bought {
		ti := s.trades[t.Code]
		if ti.BuyPrice > 0 && ti.BuyQuantity > 0 {
			ti.UnrealizedPnL = (price - ti.BuyPrice) * float64(ti.BuyQuantity)
			ti.UnrealizedPnLRate = (price - ti.BuyPrice) / ti.BuyPrice * 100
		}
		if price > ti.DynamicPeakPrice {
			ti.DynamicPeakPrice = price
		}
	}
	s.stMu.Unlock()

	s.invalidate(t.Code)
	s.notify()
	return true
}

// UpdatePrice is the thin price-only path (executor cached prices, tests).
func (s *Store) UpdatePrice(code string, price float64) bool {
	if price <= 0 {
		return false
	}
	return s.ApplyContract(types.ContractTick{Code: code, Price: price})
}

// ApplyOrderbook replaces the depth arrays atomically from a quote tick.
func (s *Store) ApplyOrderbook(code string, q types.QuoteTick) bool {
	s.refMu.Lock()
	_, ok := s.metas[code]
	s.refMu.Unlock()
	if !ok {
		return false
	}

	s.rtMu.Lock()
	rt, ok := s.rts[code]
	if !ok {
		s.rtMu.Unlock()
		return false
	}
	for i := 0; i < 5; i++ {
		rt.BidPrices[i] = q.BidPrices[i]
		rt.BidQtys[i] = q.BidQtys[i]
		rt.AskPrices[i] = q.AskPrices[i]
		rt.AskQtys[i] = q.AskQtys[i]
	}
	if q.TotalBidQty > 0 {
		rt.TotalBidQty = q.TotalBidQty
	}
	if q.TotalAskQty > 0 {
		rt.TotalAskQty = q.TotalAskQty
	}
	rt.LastUpdated = monotonic(rt.LastUpdated, time.Now())
	s.rtMu.Unlock()

	s.invalidate(code)
	s.notify()
	return true
}

// Snapshot returns a consistent copy of one symbol, or nil for unknown codes.
// A per-symbol cache answers repeated reads within the TTL without touching
// the three sub-store locks.
func (s *Store) Snapshot(code string) *Snapshot {
	s.cacheMu.Lock()
	if c, ok := s.cache[code]; ok && time.Since(c.at) < s.cacheTTL {
		snap := c.snap
		s.cacheMu.Unlock()
		return &snap
	}
	s.cacheMu.Unlock()

	snap, ok := s.buildSnapshot(code)
	if !ok {
		return nil
	}

	s.cacheMu.Lock()
	s.cache[code] = cachedSnap{snap: snap, at: time.Now()}
	s.cacheMu.Unlock()
	return &snap
}

// buildSnapshot takes the three locks in the fixed order and copies out.
func (s *Store) buildSnapshot(code string) (Snapshot, bool) {
	s.refMu.Lock()
	m, ok := s.metas[code]
	if !ok {
		s.refMu.Unlock()
		return Snapshot{}, false
	}
	snap := Snapshot{
		Code:       m.code,
		Name:       m.name,
		Score:      m.score,
		IsIntraday: m.isIntraday,
		Ref:        *s.refs[code],
		TakenAt:    time.Now(),
	}
	snap.Ref.PatternNames = append([]string(nil), snap.Ref.PatternNames...)

	s.rtMu.Lock()
	if rt, ok := s.rts[code]; ok {
		snap.RT = *rt
	}

	s.stMu.Lock()
	snap.Status = s.statuses[code]
	if ti, ok := s.trades[code]; ok {
		snap.Trade = *ti
	}
	s.stMu.Unlock()
	s.rtMu.Unlock()
	s.refMu.Unlock()

	return snap, true
}

// ChangeStatus is the single gate for status transitions. The optional
// mutate func runs on the trade info inside the same critical section, so a
// notice's fill counters and status land atomically. Illegal transitions and
// unknown codes are rejected.
func (s *Store) ChangeStatus(code string, next types.TradingStatus, reason string, mutate func(*TradeInfo)) bool {
	s.stMu.Lock()
	cur, ok := s.statuses[code]
	if !ok {
		s.stMu.Unlock()
		return false
	}
	if !cur.CanTransitionTo(next) {
		s.stMu.Unlock()
		s.logger.Warn("illegal status transition rejected",
			"code", code, "from", string(cur), "to", string(next), "reason", reason)
		return false
	}
	if mutate != nil {
		mutate(s.trades[code])
	}
	s.statuses[code] = next
	if next == types.Sold {
		s.soldAt[code] = time.Now()
	}
	s.stMu.Unlock()

	s.invalidate(code)
	if cur != next {
		s.logger.Info("status changed",
			"code", code, "from", string(cur), "to", string(next), "reason", reason)
	}
	return true
}

// Status returns the current status without building a full snapshot.
func (s *Store) Status(code string) (types.TradingStatus, bool) {
	s.stMu.Lock()
	st, ok := s.statuses[code]
	s.stMu.Unlock()
	return st, ok
}

// ByStatus returns snapshots of every symbol currently in any of the given
// statuses. Matching codes are collected under one status-lock acquisition;
// snapshots are then built per code in the usual lock order.
func (s *Store) ByStatus(statuses ...types.TradingStatus) []Snapshot {
	want := make(map[types.TradingStatus]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}

	s.stMu.Lock()
	codes := make([]string, 0, len(s.statuses))
	for code, st := range s.statuses {
		if want[st] {
			codes = append(codes, code)
		}
	}
	s.stMu.Unlock()

	out := make([]Snapshot, 0, len(codes))
	for _, code := range codes {
		if snap := s.Snapshot(code); snap != nil && want[snap.Status] {
			out = append(out, *snap)
		}
	}
	return out
}

// Codes lists every tracked symbol.
func (s *Store) Codes() []string {
	s.refMu.Lock()
	defer s.refMu.Unlock()
	out := make([]string, 0, len(s.metas))
	for code := range s.metas {
		out = append(out, code)
	}
	return out
}

// Has reports membership.
func (s *Store) Has(code string) bool {
	s.refMu.Lock()
	_, ok := s.metas[code]
	s.refMu.Unlock()
	return ok
}

// Len is the number of tracked symbols.
func (s *Store) Len() int {
	s.refMu.Lock()
	defer s.refMu.Unlock()
	return len(s.metas)
}

// SoldAt returns when the symbol last reached SOLD today (zero if never).
// Survives removal so the intraday scanner can honor the re-include cooldown.
func (s *Store) SoldAt(code string) time.Time {
	s.stMu.Lock()
	defer s.stMu.Unlock()
	return s.soldAt[code]
}

// Reset clears all state for the next trading day.
func (s *Store) Reset() {
	s.refMu.Lock()
	s.metas = make(map[string]*meta)
	s.refs = make(map[string]*ReferenceData)
	s.refMu.Unlock()

	s.rtMu.Lock()
	s.rts = make(map[string]*RealtimeData)
	s.rtMu.Unlock()

	s.stMu.Lock()
	s.statuses = make(map[string]types.TradingStatus)
	s.trades = make(map[string]*TradeInfo)
	s.soldAt = make(map[string]time.Time)
	s.stMu.Unlock()

	s.cacheMu.Lock()
	s.cache = make(map[string]cachedSnap)
	s.cacheMu.Unlock()

	s.logger.Info("store reset")
}

func (s *Store) invalidate(code string) {
	s.cacheMu.Lock()
	delete(s.cache, code)
	s.cacheMu.Unlock()
}

func pressureOf(buys, sells int64) types.MarketPressure {
	total := buys + sells
	if total == 0 {
		return types.PressureNeutral
	}
	ratio := float64(buys) / float64(total)
	switch {
	case ratio >= 0.6:
		return types.PressureBuy
	case ratio <= 0.4:
		return types.PressureSell
	default:
		return types.PressureNeutral
	}
}

// monotonic keeps LastUpdated non-decreasing even if the wall clock steps back.
func monotonic(prev, next time.Time) time.Time {
	if next.Before(prev) {
		return prev
	}
	return next
}

// Unrealized recomputes mark-to-market P&L for a hypothetical price without
// mutating state. Used by reporting.
func Unrealized(buyPrice float64, qty int64, price float64) (pnl, rate float64) {
	if buyPrice <= 0 || qty <= 0 {
		return 0, 0
	}
	pnl = (price - buyPrice) * float64(qty)
	rate = (price - buyPrice) / buyPrice * 100
	return pnl, rate
}

// WeightedAvg folds one more execution into a running volume-weighted price.
func WeightedAvg(prevAvg float64, prevQty int64, price float64, qty int64) float64 {
	total := prevQty + qty
	if total <= 0 {
		return prevAvg
	}
	return (prevAvg*float64(prevQty) + price*float64(qty)) / float64(total)
}
