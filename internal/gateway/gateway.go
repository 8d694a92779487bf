// Package gateway maintains the broker's realtime WebSocket session.
//
// One connection carries everything: per-symbol contract (H0STCNT0) and
// orderbook (H0STASP0) streams plus the account-wide execution notice
// stream (H0STCNI0, H0STCNI9 on the paper domain). A single read loop
// parses frames and dispatches to registered callbacks; PINGPONG system
// frames are echoed back verbatim.
//
// The session auto-reconnects with exponential backoff (1s → 30s max) and
// a fresh approval key, then re-registers the notice stream and every
// tracked symbol.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"kis-daytrader/internal/broker"
	"kis-daytrader/internal/config"
	"kis-daytrader/pkg/types"
)

const (
	readTimeout      = 60 * time.Second // broker pings every ~30s; 2 misses triggers reconnect
	writeTimeout     = 10 * time.Second
	maxReconnectWait = 30 * time.Second
)

const (
	subscribe   = "1" // tr_type values of the control frame
	unsubscribe = "2"
)

// controlMsg is the outbound subscribe/unsubscribe frame.
type controlMsg struct {
	Header struct {
		ApprovalKey string `json:"approval_key"`
		CustType    string `json:"custtype"`
		TrType      string `json:"tr_type"`
		ContentType string `json:"content-type"`
	} `json:"header"`
	Body struct {
		Input struct {
			TrID  string `json:"tr_id"`
			TrKey string `json:"tr_key"`
		} `json:"input"`
	} `json:"body"`
}

func newControlMsg(approvalKey, trType, trID, trKey string) controlMsg {
	var m controlMsg
	m.Header.ApprovalKey = approvalKey
	m.Header.CustType = "P"
	m.Header.TrType = trType
	m.Header.ContentType = "utf-8"
	m.Body.Input.TrID = trID
	m.Body.Input.TrKey = trKey
	return m
}

// systemMsg is the inbound JSON envelope (PINGPONG, subscription acks).
type systemMsg struct {
	Header struct {
		TrID  string `json:"tr_id"`
		TrKey string `json:"tr_key"`
	} `json:"header"`
	Body struct {
		RtCd   string `json:"rt_cd"`
		MsgCd  string `json:"msg_cd"`
		Msg1   string `json:"msg1"`
		Output struct {
			Key string `json:"key"`
			IV  string `json:"iv"`
		} `json:"output"`
	} `json:"body"`
}

// Gateway owns the realtime session. Callbacks run on the read loop
// goroutine; keep them fast and non-blocking.
type Gateway struct {
	cfg    config.KISConfig
	perf   config.PerfConfig
	auth   *broker.Auth
	logger *slog.Logger

	conn   *websocket.Conn
	connMu sync.Mutex

	mu          sync.Mutex
	approvalKey string
	subscribed  map[string]bool // symbol codes, 2 slots each
	aesKey      []byte
	aesIV       []byte
	lastPong    time.Time
	lastRead    time.Time
	recvErrors  int
	frameErrors int64

	onContract func(types.ContractTick)
	onQuote    func(types.QuoteTick)
	onNotice   func(types.ExecutionNotice)
}

// New creates a disconnected gateway. Call the On* setters before Run.
func New(cfg config.KISConfig, perf config.PerfConfig, auth *broker.Auth, logger *slog.Logger) *Gateway {
	return &Gateway{
		cfg:        cfg,
		perf:       perf,
		auth:       auth,
		subscribed: make(map[string]bool),
		logger:     logger.With("component", "gateway"),
	}
}

// OnContract registers the H0STCNT0 callback.
func (g *Gateway) OnContract(f func(types.ContractTick)) { g.onContract = f }

// OnQuote registers the H0STASP0 callback.
func (g *Gateway) OnQuote(f func(types.QuoteTick)) { g.onQuote = f }

// OnNotice registers the execution-notice callback.
func (g *Gateway) OnNotice(f func(types.ExecutionNotice)) { g.onNotice = f }

// noticeTR picks the real or paper-domain execution notice TR.
func (g *Gateway) noticeTR() string {
	if g.cfg.Demo {
		return types.TRNoticeDemo
	}
	return types.TRNotice
}

// Run connects and maintains the session until ctx is cancelled.
func (g *Gateway) Run(ctx context.Context) error {
	backoff := time.Second

	for {
		err := g.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		g.logger.Warn("websocket disconnected, reconnecting",
			"error", err,
			"backoff", backoff,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

func (g *Gateway) connectAndRead(ctx context.Context) error {
	// Every (re)connect starts from a fresh approval key.
	key, err := g.auth.ApprovalKey(ctx)
	if err != nil {
		return fmt.Errorf("approval key: %w", err)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, g.cfg.WSURL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", g.cfg.WSURL, err)
	}

	g.connMu.Lock()
	g.conn = conn
	g.connMu.Unlock()

	g.mu.Lock()
	g.approvalKey = key
	g.recvErrors = 0
	g.lastPong = time.Now()
	g.lastRead = time.Now()
	codes := make([]string, 0, len(g.subscribed))
	for code := range g.subscribed {
		codes = append(codes, code)
	}
	g.mu.Unlock()

	defer func() {
		g.connMu.Lock()
		conn.Close()
		g.conn = nil
		g.connMu.Unlock()
	}()

	// The account notice stream always rides the session, then any
	// symbols that were subscribed before the reconnect.
	if err := g.sendControl(subscribe, g.noticeTR(), g.cfg.HtsID); err != nil {
		return fmt.Errorf("register notices: %w", err)
	}
	for _, code := range codes {
		if err := g.sendSymbol(subscribe, code); err != nil {
			return fmt.Errorf("resubscribe %s: %w", code, err)
		}
	}

	g.logger.Info("websocket connected", "url", g.cfg.WSURL, "resubscribed", len(codes))

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		g.mu.Lock()
		g.lastRead = time.Now()
		g.mu.Unlock()

		g.dispatch(msg)
	}
}

// Subscribe registers the two per-symbol streams. Returns false when the
// slot budget has no room or the symbol is already tracked.
func (g *Gateway) Subscribe(code string) bool {
	g.mu.Lock()
	if g.subscribed[code] || !g.hasCapacityLocked(1) {
		g.mu.Unlock()
		return false
	}
	g.subscribed[code] = true
	g.mu.Unlock()

	if err := g.sendSymbol(subscribe, code); err != nil {
		g.logger.Warn("subscribe failed", "code", code, "error", err)
		g.mu.Lock()
		delete(g.subscribed, code)
		g.mu.Unlock()
		return false
	}
	g.logger.Info("subscribed", "code", code, "slots_used", g.SlotsUsed())
	return true
}

// Unsubscribe drops both per-symbol streams. Safe on unknown codes.
func (g *Gateway) Unsubscribe(code string) {
	g.mu.Lock()
	known := g.subscribed[code]
	delete(g.subscribed, code)
	g.mu.Unlock()
	if !known {
		return
	}

	if err := g.sendSymbol(unsubscribe, code); err != nil {
		g.logger.Warn("unsubscribe failed", "code", code, "error", err)
		return
	}
	g.logger.Info("unsubscribed", "code", code, "slots_used", g.SlotsUsed())
}

func (g *Gateway) sendSymbol(trType, code string) error {
	if err := g.sendControl(trType, types.TRContract, code); err != nil {
		return err
	}
	return g.sendControl(trType, types.TRQuote, code)
}

func (g *Gateway) sendControl(trType, trID, trKey string) error {
	g.mu.Lock()
	key := g.approvalKey
	g.mu.Unlock()
	return g.writeJSON(newControlMsg(key, trType, trID, trKey))
}

// SlotsUsed reports symbol slots plus the reserved system slots.
func (g *Gateway) SlotsUsed() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.subscribed)*g.perf.ConnectionsPerStock + g.perf.SystemConnections
}

// HasCapacity reports whether n more symbols fit under the connection cap.
func (g *Gateway) HasCapacity(n int) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.hasCapacityLocked(n)
}

func (g *Gateway) hasCapacityLocked(n int) bool {
	used := len(g.subscribed)*g.perf.ConnectionsPerStock + g.perf.SystemConnections
	return used+n*g.perf.ConnectionsPerStock <= g.perf.WebsocketMaxConnections
}

// Subscribed returns the tracked symbol codes.
func (g *Gateway) Subscribed() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, 0, len(g.subscribed))
	for code := range g.subscribed {
		out = append(out, code)
	}
	return out
}

// IsHealthy reports whether the socket is open and traffic (or a pong)
// arrived recently.
func (g *Gateway) IsHealthy() bool {
	g.connMu.Lock()
	connected := g.conn != nil
	g.connMu.Unlock()
	if !connected {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	last := g.lastRead
	if g.lastPong.After(last) {
		last = g.lastPong
	}
	return time.Since(last) < readTimeout
}

// FrameErrors reports dropped-frame count since start.
func (g *Gateway) FrameErrors() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.frameErrors
}

// SafeCleanup closes the socket and clears the subscription registry.
func (g *Gateway) SafeCleanup() {
	g.mu.Lock()
	g.subscribed = make(map[string]bool)
	g.mu.Unlock()

	g.connMu.Lock()
	if g.conn != nil {
		g.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeTimeout))
		g.conn.Close()
		g.conn = nil
	}
	g.connMu.Unlock()
	g.logger.Info("gateway cleaned up")
}

// dispatch routes one inbound message: JSON control traffic or a
// pipe-delimited realtime frame.
func (g *Gateway) dispatch(raw []byte) {
	if len(raw) == 0 {
		return
	}
	if raw[0] == '{' {
		g.handleSystem(raw)
		return
	}

	f, err := parseFrame(string(raw))
	if err != nil {
		g.countFrameError("frame", err)
		return
	}

	payload := f.Payload
	if f.Encrypted {
		g.mu.Lock()
		key, iv := g.aesKey, g.aesIV
		g.mu.Unlock()
		if len(key) == 0 {
			g.countFrameError("decrypt", fmt.Errorf("no session key for encrypted %s frame", f.TRID))
			return
		}
		payload, err = decryptPayload(payload, key, iv)
		if err != nil {
			g.countFrameError("decrypt", err)
			return
		}
		f.Payload = payload
	}

	switch f.TRID {
	case types.TRContract:
		recs := f.records(contractFieldCount)
		if len(recs) == 0 {
			g.countFrameError(types.TRContract, fmt.Errorf("short payload: %d fields", len(splitFields(f.Payload))))
			return
		}
		for _, rec := range recs {
			tick, err := parseContract(rec)
			if err != nil {
				g.countFrameError(types.TRContract, err)
				continue
			}
			if g.onContract != nil {
				g.onContract(tick)
			}
		}

	case types.TRQuote:
		fields := splitFields(f.Payload)
		tick, err := parseQuote(fields)
		if err != nil {
			g.countFrameError(types.TRQuote, err)
			return
		}
		if g.onQuote != nil {
			g.onQuote(tick)
		}

	case types.TRNotice, types.TRNoticeDemo:
		notice, err := parseNotice(splitFields(f.Payload))
		if err != nil {
			g.countFrameError(f.TRID, err)
			return
		}
		if g.onNotice != nil {
			g.onNotice(notice)
		}

	default:
		g.logger.Debug("unknown realtime tr", "tr_id", f.TRID)
	}
}

func splitFields(payload string) []string {
	return strings.Split(payload, "^")
}

func (g *Gateway) handleSystem(raw []byte) {
	var msg systemMsg
	if err := json.Unmarshal(raw, &msg); err != nil {
		g.countFrameError("system", err)
		return
	}

	switch msg.Header.TrID {
	case types.TRPingPong:
		// Echo back byte-for-byte; the broker drops silent sessions.
		if err := g.writeRaw(raw); err != nil {
			g.logger.Warn("pingpong echo failed", "error", err)
			return
		}
		g.mu.Lock()
		g.lastPong = time.Now()
		g.mu.Unlock()

	case types.TRNotice, types.TRNoticeDemo:
		// Subscription ack carrying the AES session key material.
		if msg.Body.Output.Key != "" {
			g.setSessionKey(msg.Body.Output.Key, msg.Body.Output.IV)
		}

	default:
		if msg.Body.MsgCd != "" {
			g.logger.Debug("system message",
				"tr_id", msg.Header.TrID, "msg_cd", msg.Body.MsgCd, "msg", msg.Body.Msg1)
		}
	}
}

func (g *Gateway) setSessionKey(keyMaterial, ivMaterial string) {
	key, err := normalizeAESKey(keyMaterial)
	if err != nil {
		g.logger.Error("session key normalize", "error", err)
		return
	}
	iv, err := normalizeAESIV(ivMaterial)
	if err != nil {
		g.logger.Error("session iv normalize", "error", err)
		return
	}
	g.mu.Lock()
	g.aesKey = key
	g.aesIV = iv
	g.mu.Unlock()
	g.logger.Info("execution notice session key installed")
}

func (g *Gateway) countFrameError(kind string, err error) {
	g.mu.Lock()
	g.frameErrors++
	g.recvErrors++
	g.mu.Unlock()
	g.logger.Warn("dropped frame", "kind", kind, "error", err)
}

func (g *Gateway) writeJSON(v any) error {
	g.connMu.Lock()
	defer g.connMu.Unlock()
	if g.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	g.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return g.conn.WriteJSON(v)
}

func (g *Gateway) writeRaw(data []byte) error {
	g.connMu.Lock()
	defer g.connMu.Unlock()
	if g.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	g.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return g.conn.WriteMessage(websocket.TextMessage, data)
}
