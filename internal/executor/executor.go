// Package executor turns analyzer decisions into broker orders and folds
// execution notices back into the store. The monitor calls ExecuteBuy and
// ExecuteSell synchronously; the notice processor runs on the gateway's
// read goroutine and must stay quick.
package executor

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"kis-daytrader/internal/config"
	"kis-daytrader/internal/risk"
	"kis-daytrader/internal/store"
	"kis-daytrader/internal/strategy"
	"kis-daytrader/pkg/types"
)

// Broker is the order-facing slice of the REST client.
type Broker interface {
	PlaceOrder(ctx context.Context, side types.Side, code string, qty int64, price float64) (types.OrderAck, error)
	CancelOrder(ctx context.Context, orgNo, orderNo string) (types.OrderAck, error)
}

// Unsubscriber drops a symbol's realtime streams once the position closes.
type Unsubscriber interface {
	Unsubscribe(code string)
}

// BuyOrder is the persistence row for a placed buy.
type BuyOrder struct {
	Code          string
	Name          string
	OrderNo       string
	OrgNo         string
	Price         float64
	Qty           int64
	Score         float64
	TargetPrice   float64
	StopLossPrice float64
	Source        string // premarket or intraday
	Phase         string
	At            time.Time
}

// SellOrder is the persistence row for a sell; P&L fields are filled in
// at the terminal SOLD event.
type SellOrder struct {
	Code           string
	Name           string
	OrderNo        string
	OrgNo          string
	Price          float64
	Qty            int64
	Reason         string
	PnL            float64
	PnLRate        float64
	HoldingMinutes float64
	Source         string
	Phase          string
	At             time.Time
}

// Journal receives order rows. Implementations must never block trading;
// a nil Journal disables persistence.
type Journal interface {
	RecordBuyOrder(BuyOrder)
	RecordBuyExecution(orderNo string, price float64, at time.Time)
	RecordSellOrder(SellOrder)
}

// Notifier pushes human-readable trade messages. Nil disables.
type Notifier interface {
	Notify(text string)
}

// Executor owns the order lifecycle for tracked symbols.
type Executor struct {
	broker   Broker
	store    *store.Store
	risk     *risk.Manager
	gateway  Unsubscriber // nil in tests
	journal  Journal      // nil disables
	notifier Notifier     // nil disables
	riskCfg  config.RiskConfig
	perfCfg  config.PerfConfig
	sched    *config.ScheduleConfig // nil leaves journal phase stamps empty
	logger   *slog.Logger
	now      func() time.Time

	mu        sync.Mutex
	seen      map[string]bool // execution dedup keys
	recovered int64
	cancelOK  int64
	cancelErr int64
}

func New(broker Broker, st *store.Store, rm *risk.Manager, riskCfg config.RiskConfig, perfCfg config.PerfConfig, logger *slog.Logger) *Executor {
	return &Executor{
		broker:  broker,
		store:   st,
		risk:    rm,
		riskCfg: riskCfg,
		perfCfg: perfCfg,
		logger:  logger.With("component", "executor"),
		now:     time.Now,
		seen:    make(map[string]bool),
	}
}

// SetGateway wires the unsubscribe hook (optional).
func (e *Executor) SetGateway(g Unsubscriber) { e.gateway = g }

// SetJournal wires order persistence (optional).
func (e *Executor) SetJournal(j Journal) { e.journal = j }

// SetNotifier wires trade notifications (optional).
func (e *Executor) SetNotifier(n Notifier) { e.notifier = n }

// SetSchedule enables market-phase stamps on journal rows (optional).
func (e *Executor) SetSchedule(sched config.ScheduleConfig) { e.sched = &sched }

func (e *Executor) phaseAt(now time.Time) string {
	if e.sched == nil {
		return ""
	}
	return string(strategy.PhaseAt(now, *e.sched))
}

// sourceOf names the scan pass that picked the symbol.
func sourceOf(snap *store.Snapshot) string {
	if snap.IsIntraday {
		return "intraday"
	}
	return "premarket"
}

// heldStatuses are the statuses counted as open positions for the risk gate.
var heldStatuses = []types.TradingStatus{
	types.BuyOrdered, types.PartialBought, types.Bought,
	types.SellOrdered, types.PartialSold,
}

func (e *Executor) openPositions() int {
	return len(e.store.ByStatus(heldStatuses...))
}

// ExecuteBuy places a limit buy for a WATCHING symbol. The quantity is
// auto-reduced to fit max_position_size; risk limits reject before the
// broker is touched.
func (e *Executor) ExecuteBuy(ctx context.Context, code string, price float64, qty int64) bool {
	snap := e.store.Snapshot(code)
	if snap == nil {
		return false
	}
	if snap.Status != types.Watching {
		e.logger.Debug("buy rejected: not watching", "code", code, "status", string(snap.Status))
		return false
	}
	if price <= 0 || qty <= 0 {
		return false
	}

	if ok, reason := e.risk.CanBuy(e.openPositions()); !ok {
		e.logger.Warn("buy blocked by risk limit", "code", code, "reason", reason)
		return false
	}

	if e.riskCfg.MaxPositionSize > 0 && price*float64(qty) > e.riskCfg.MaxPositionSize {
		qty = int64(math.Floor(e.riskCfg.MaxPositionSize / price))
		if qty <= 0 {
			e.logger.Warn("buy rejected: price above max position size", "code", code, "price", price)
			return false
		}
	}

	ack, err := e.broker.PlaceOrder(ctx, types.SideBuy, code, qty, price)
	if err != nil {
		e.logger.Error("buy order failed", "code", code, "error", err)
		return false
	}
	if !ack.Accepted() {
		e.logger.Warn("buy order refused by broker",
			"code", code, "rt_cd", ack.RtCd, "msg", ack.Msg)
		return false
	}

	now := e.now()
	stop := strategy.StopLossPrice(price, e.riskCfg)
	target := strategy.TargetPrice(price, e.riskCfg)
	ok := e.store.ChangeStatus(code, types.BuyOrdered, "buy_order_placed", func(ti *store.TradeInfo) {
		ti.BuyOrderNo = ack.OrderNo
		ti.BuyOrgNo = ack.OrgNo
		ti.BuyOrderAt = now
		ti.OrderedQty = qty
		ti.FilledQty = 0
		ti.RemainingQty = qty
		ti.StopLossPrice = stop
		ti.TargetPrice = target
		ti.DynamicPeakPrice = price
		ti.DynamicTargetPrice = strategy.TrailingTarget(price, price, e.riskCfg)
	})
	if !ok {
		// Status raced away; the order is live and recovery will reap it.
		e.logger.Error("buy accepted but status transition failed", "code", code, "order_no", ack.OrderNo)
		return false
	}

	e.logger.Info("buy order placed",
		"code", code, "name", snap.Name, "price", price, "qty", qty, "order_no", ack.OrderNo)
	if e.journal != nil {
		e.journal.RecordBuyOrder(BuyOrder{
			Code: code, Name: snap.Name, OrderNo: ack.OrderNo, OrgNo: ack.OrgNo,
			Price: price, Qty: qty, Score: snap.Score,
			TargetPrice: target, StopLossPrice: stop,
			Source: sourceOf(snap), Phase: e.phaseAt(now), At: now,
		})
	}
	e.notify("BUY " + snap.Name + " (" + code + ")")
	return true
}

// ExecuteSell places a limit sell for a BOUGHT symbol. A zero price falls
// back to the cached last price, and the limit is floored at the current
// market price so a stale caller cannot post an inverted limit.
func (e *Executor) ExecuteSell(ctx context.Context, code string, price float64, reason string) bool {
	snap := e.store.Snapshot(code)
	if snap == nil {
		return false
	}
	if snap.Status != types.Bought {
		e.logger.Debug("sell rejected: not bought", "code", code, "status", string(snap.Status))
		return false
	}
	qty := snap.Trade.BuyQuantity
	if qty <= 0 {
		e.logger.Error("sell rejected: no quantity on record", "code", code)
		return false
	}

	if price <= 0 {
		price = snap.RT.CurrentPrice
	}
	if cur := snap.RT.CurrentPrice; cur > 0 && price < cur {
		price = cur
	}
	if price <= 0 {
		return false
	}

	ack, err := e.broker.PlaceOrder(ctx, types.SideSell, code, qty, price)
	if err != nil {
		e.logger.Error("sell order failed", "code", code, "reason", reason, "error", err)
		return false
	}
	if !ack.Accepted() {
		e.logger.Warn("sell order refused by broker",
			"code", code, "rt_cd", ack.RtCd, "msg", ack.Msg)
		return false
	}

	now := e.now()
	ok := e.store.ChangeStatus(code, types.SellOrdered, reason, func(ti *store.TradeInfo) {
		ti.SellOrderNo = ack.OrderNo
		ti.SellOrgNo = ack.OrgNo
		ti.SellOrderAt = now
		ti.OrderedQty = qty
		ti.FilledQty = 0
		ti.RemainingQty = qty
		ti.SellReason = reason
	})
	if !ok {
		e.logger.Error("sell accepted but status transition failed", "code", code, "order_no", ack.OrderNo)
		return false
	}

	e.logger.Info("sell order placed",
		"code", code, "name", snap.Name, "price", price, "qty", qty,
		"reason", reason, "order_no", ack.OrderNo)
	return true
}

// CancelOrder cancels the open order on the given side in full and
// restores the prior phase. A partially-filled buy settles as a smaller
// BOUGHT position; a partially-filled sell keeps the unsold remainder.
func (e *Executor) CancelOrder(ctx context.Context, code string, side types.Side) bool {
	snap := e.store.Snapshot(code)
	if snap == nil {
		return false
	}

	var orgNo, orderNo string
	switch side {
	case types.SideBuy:
		if !snap.Status.PendingBuy() {
			return false
		}
		orgNo, orderNo = snap.Trade.BuyOrgNo, snap.Trade.BuyOrderNo
	case types.SideSell:
		if !snap.Status.PendingSell() {
			return false
		}
		orgNo, orderNo = snap.Trade.SellOrgNo, snap.Trade.SellOrderNo
	default:
		return false
	}
	if orderNo == "" {
		return false
	}

	ack, err := e.broker.CancelOrder(ctx, orgNo, orderNo)
	switch {
	case err != nil:
		e.countCancel(false)
		e.logger.Error("cancel failed", "code", code, "order_no", orderNo, "error", err)
		return false
	case !ack.Accepted():
		e.countCancel(false)
		e.logger.Warn("cancel refused by broker", "code", code, "rt_cd", ack.RtCd, "msg", ack.Msg)
		return false
	}
	e.countCancel(true)

	e.restoreAfterCancel(code, side, "order_cancelled")
	return true
}

// restoreAfterCancel reconciles the trade info after a cancel (or a
// stale-order recovery where the cancel may have failed). A buy leg with
// fills settles to BOUGHT with ordered := filled; without fills the symbol
// returns to WATCHING. A sell leg always returns to BOUGHT with the sold
// quantity deducted.
func (e *Executor) restoreAfterCancel(code string, side types.Side, reason string) {
	if side == types.SideBuy {
		snap := e.store.Snapshot(code)
		next := types.Watching
		if snap != nil && snap.Trade.FilledQty > 0 {
			next = types.Bought
		}
		e.store.ChangeStatus(code, next, reason, func(ti *store.TradeInfo) {
			if ti.FilledQty > 0 {
				ti.OrderedQty = ti.FilledQty
				ti.RemainingQty = 0
			} else {
				ti.OrderedQty = 0
				ti.RemainingQty = 0
			}
			ti.BuyOrderNo = ""
			ti.BuyOrgNo = ""
			ti.BuyOrderAt = time.Time{}
		})
		return
	}

	e.store.ChangeStatus(code, types.Bought, reason, func(ti *store.TradeInfo) {
		if ti.FilledQty > 0 {
			ti.BuyQuantity -= ti.FilledQty
			if ti.BuyQuantity < 0 {
				ti.BuyQuantity = 0
			}
		}
		ti.OrderedQty = 0
		ti.FilledQty = 0
		ti.RemainingQty = 0
		ti.SellOrderNo = ""
		ti.SellOrgNo = ""
		ti.SellOrderAt = time.Time{}
		ti.SellReason = ""
	})
}

func (e *Executor) countCancel(ok bool) {
	e.mu.Lock()
	if ok {
		e.cancelOK++
	} else {
		e.cancelErr++
	}
	e.mu.Unlock()
}

// CancelStats reports cumulative cancel outcomes.
func (e *Executor) CancelStats() (ok, failed int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cancelOK, e.cancelErr
}

func (e *Executor) notify(text string) {
	if e.notifier != nil {
		e.notifier.Notify(text)
	}
}
