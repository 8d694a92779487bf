// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the trader: trading statuses,
// order sides, market phases, parsed realtime frames, and broker order
// acknowledgments. It has no dependencies on internal packages, so it can be
// imported by any layer.
package types

import (
	"strconv"
	"time"
)

// TradingStatus is the per-symbol position in the order lifecycle.
// Transitions go through a single gate (the store's ChangeStatus) and must
// stay inside the graph encoded by allowedTransitions.
type TradingStatus string

const (
	Watching      TradingStatus = "WATCHING"       // tracked, no position, no open order
	BuyReady      TradingStatus = "BUY_READY"      // buy signal latched, order not yet sent
	BuyOrdered    TradingStatus = "BUY_ORDERED"    // buy order live at the broker
	PartialBought TradingStatus = "PARTIAL_BOUGHT" // buy order partially executed
	Bought        TradingStatus = "BOUGHT"         // full position held
	SellReady     TradingStatus = "SELL_READY"     // sell signal latched, order not yet sent
	SellOrdered   TradingStatus = "SELL_ORDERED"   // sell order live at the broker
	PartialSold   TradingStatus = "PARTIAL_SOLD"   // sell order partially executed
	Sold          TradingStatus = "SOLD"           // position fully closed
)

// allowedTransitions is the forward state graph plus the two recovery edges
// (cancel/timeout moves an open buy back to WATCHING and an open sell back
// to BOUGHT).
var allowedTransitions = map[TradingStatus][]TradingStatus{
	Watching:      {BuyOrdered},
	BuyOrdered:    {PartialBought, Bought, Watching},
	PartialBought: {Bought, Watching},
	Bought:        {SellOrdered},
	SellOrdered:   {PartialSold, Sold, Bought},
	PartialSold:   {Sold, Bought},
	Sold:          {},
}

// CanTransitionTo reports whether moving from s to next is a legal edge.
// Self-transitions are allowed so repeated notices can re-assert a status
// while updating trade fields.
func (s TradingStatus) CanTransitionTo(next TradingStatus) bool {
	if s == next {
		return true
	}
	for _, t := range allowedTransitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// Held reports whether the symbol currently holds shares.
func (s TradingStatus) Held() bool {
	return s == PartialBought || s == Bought || s == SellOrdered || s == PartialSold
}

// PendingBuy reports whether a buy order is live at the broker.
func (s TradingStatus) PendingBuy() bool {
	return s == BuyOrdered || s == PartialBought
}

// PendingSell reports whether a sell order is live at the broker.
func (s TradingStatus) PendingSell() bool {
	return s == SellOrdered || s == PartialSold
}

// Side is the direction of an order. The wire values match the broker's
// sell_buy_dvsn codes ("01" sell, "02" buy).
type Side string

const (
	SideSell Side = "01"
	SideBuy  Side = "02"
)

func (s Side) String() string {
	if s == SideBuy {
		return "buy"
	}
	return "sell"
}

// MarketPressure summarizes the dominant side of recent contracts.
type MarketPressure string

const (
	PressureBuy     MarketPressure = "BUY"
	PressureSell    MarketPressure = "SELL"
	PressureNeutral MarketPressure = "NEUTRAL"
)

// MarketPhase is the coarse intraday regime derived from the KST wall clock.
type MarketPhase string

const (
	PhaseOpening  MarketPhase = "opening"   // first 30 minutes after open
	PhaseActive   MarketPhase = "active"    // regular continuous session
	PhaseLunch    MarketPhase = "lunch"     // midday low-liquidity window
	PhasePreClose MarketPhase = "pre_close" // winding-down window before the close
	PhaseClosing  MarketPhase = "closing"   // final auction window
	PhaseClosed   MarketPhase = "closed"    // outside market hours
)

// Trading reports whether orders may be worked during this phase.
func (p MarketPhase) Trading() bool {
	return p != PhaseClosed
}

// Realtime TR ids on the broker WebSocket.
const (
	TRContract   = "H0STCNT0" // realtime contract (execution tape)
	TRQuote      = "H0STASP0" // realtime 10-depth quote
	TRNotice     = "H0STCNI0" // account execution notice (AES encrypted)
	TRNoticeDemo = "H0STCNI9" // execution notice on the paper-trading domain
	TRPingPong   = "PINGPONG" // keepalive frames, echoed verbatim
)

// ContractTick is one parsed H0STCNT0 record (46 caret-separated fields).
type ContractTick struct {
	Code             string  // stock short code, field 0
	Time             string  // contract time HHMMSS, field 1
	Price            float64 // current price, field 2
	ChangeSign       string  // field 3: 1 limit-up, 2 up, 3 flat, 4 limit-down, 5 down
	ChangeAmount     float64 // field 4
	ChangeRate       float64 // field 5, percent vs yesterday close
	WeightedAvgPrice float64 // field 6
	Open             float64 // field 7
	High             float64 // field 8
	Low              float64 // field 9
	BestAsk          float64 // field 10
	BestBid          float64 // field 11
	ContractVolume   int64   // field 12, this contract's quantity
	AccVolume        int64   // field 13, accumulated volume today
	SellContracts    int64   // field 15
	BuyContracts     int64   // field 16
	NetBuyContracts  int64   // field 17
	ContractStrength float64 // field 18, 100 = balanced
	TotalAskQty      int64   // fields 38 preferred, 19 fallback
	TotalBidQty      int64   // fields 39 preferred, 20 fallback
	BuyRatio         float64 // field 22, percent
	PrevVolumeRatio  float64 // field 23, percent vs yesterday same time
	MarketOpCode     string  // field 34, market operation class
	TradingHalt      bool    // field 35 == "Y"
	TurnoverRate     float64 // field 40, volume turnover percent
	PrevSameTimeVol  int64   // field 41
	PrevSameTimeRate float64 // field 42, percent
	HourClsCode      string  // field 43
	VIStandardPrice  float64 // field 45; zero unless VI engaged
	VIActive         bool    // derived: HourClsCode in {51,52} or MarketOpCode in {30,31}
}

// QuoteTick is one parsed H0STASP0 record: a 10-depth orderbook for a symbol.
type QuoteTick struct {
	Code        string
	Time        string
	AskPrices   [10]float64
	BidPrices   [10]float64
	AskQtys     [10]int64
	BidQtys     [10]int64
	TotalAskQty int64
	TotalBidQty int64
}

// ExecutionNotice is a decrypted, parsed H0STCNI0 record. ExecYN "2" means
// an actual execution; other values are order acceptance/rejection echoes
// and are ignored by the notice processor.
type ExecutionNotice struct {
	CustomerID string
	AccountNo  string
	OrderNo    string
	OrigOrder  string // original order number on modify/cancel echoes
	Side       Side   // sell_buy_dvsn: "01" sell, "02" buy
	StockCode  string
	ExecQty    int64
	ExecPrice  float64
	ExecTime   string // HHMMSS
	RefusedYN  string
	ExecYN     string // "2" = executed
	AcceptedYN string
	BranchNo   string
	OrdQty     int64
	OrdPrice   float64
}

// DedupKey identifies one execution event for replay suppression.
func (n ExecutionNotice) DedupKey() string {
	return n.OrderNo + "|" + n.ExecTime + "|" + strconv.FormatInt(n.ExecQty, 10)
}

// OrderAck is the normalized broker response to an order or cancel request.
// Accepted() encodes the broker's success conventions: rt_cd "0"/"00", a
// fully empty result (paper trading returns these), or a present order no.
type OrderAck struct {
	OrderNo   string // ODNO
	OrgNo     string // KRX_FWDG_ORD_ORGNO
	OrderTime string // ORD_TMD, HHMMSS
	RtCd      string
	MsgCd     string
	Msg       string
}

func (a OrderAck) Accepted() bool {
	if a.RtCd == "0" || a.RtCd == "00" {
		return true
	}
	if a.RtCd == "" && a.MsgCd == "" {
		return true
	}
	return a.OrderNo != ""
}

// OHLCV is one daily bar from the chart endpoints.
type OHLCV struct {
	Date         string // YYYYMMDD
	Open         float64
	High         float64
	Low          float64
	Close        float64
	Volume       int64
	TradingValue float64 // accumulated traded value in KRW
}

// Candidate is one scanner output row: a symbol proposed for tracking.
type Candidate struct {
	Code    string
	Name    string
	Score   float64
	Reasons string
	Price   float64
	At      time.Time
}
