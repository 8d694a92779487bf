package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"kis-daytrader/internal/broker"
	"kis-daytrader/internal/config"
	"kis-daytrader/pkg/types"
)

func testPerf() config.PerfConfig {
	return config.PerfConfig{
		WebsocketMaxConnections: 41,
		ConnectionsPerStock:     2,
		SystemConnections:       3,
	}
}

func newTestGateway(t *testing.T) *Gateway {
	t.Helper()
	cfg := config.KISConfig{HtsID: "tester"}
	return New(cfg, testPerf(), broker.NewAuth(cfg, slog.Default()), slog.Default())
}

func TestCapacityAccounting(t *testing.T) {
	t.Parallel()
	g := newTestGateway(t)

	// (41 - 3 system) / 2 per symbol = 19 symbols.
	if !g.HasCapacity(19) {
		t.Error("should have room for 19 symbols")
	}
	if g.HasCapacity(20) {
		t.Error("20 symbols must exceed the cap")
	}
	if g.SlotsUsed() != 3 {
		t.Errorf("SlotsUsed = %d, want 3 system slots with no symbols", g.SlotsUsed())
	}
}

func TestSubscribeRespectsCapAndDuplicates(t *testing.T) {
	t.Parallel()
	g := newTestGateway(t)
	// No live conn: sendSymbol fails, so seed the registry directly to
	// exercise the accounting paths.
	for i := 0; i < 19; i++ {
		g.subscribed[strings.Repeat("0", 5)+string(rune('a'+i))] = true
	}

	if g.HasCapacity(1) {
		t.Error("full registry should report no capacity")
	}
	if g.Subscribe("005930") {
		t.Error("Subscribe should fail at capacity")
	}

	g.mu.Lock()
	used := len(g.subscribed)*2 + 3
	g.mu.Unlock()
	if used > 41 {
		t.Errorf("slot invariant violated: %d > 41", used)
	}
}

func TestSubscribeFailsWithoutConnection(t *testing.T) {
	t.Parallel()
	g := newTestGateway(t)

	if g.Subscribe("005930") {
		t.Error("Subscribe should fail with no socket")
	}
	if len(g.Subscribed()) != 0 {
		t.Error("failed subscribe must not leave a registry entry")
	}
}

// wsEcho runs a test websocket server that records inbound messages and
// can push frames to the gateway.
type wsServer struct {
	srv  *httptest.Server
	mu   sync.Mutex
	got  []string
	conn *websocket.Conn
	up   chan struct{}
}

func newWSServer(t *testing.T) *wsServer {
	t.Helper()
	ws := &wsServer{up: make(chan struct{})}
	upgrader := websocket.Upgrader{}
	ws.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ws.mu.Lock()
		ws.conn = conn
		ws.mu.Unlock()
		close(ws.up)
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			ws.mu.Lock()
			ws.got = append(ws.got, string(msg))
			ws.mu.Unlock()
		}
	}))
	t.Cleanup(ws.srv.Close)
	return ws
}

func (ws *wsServer) url() string {
	return "ws" + strings.TrimPrefix(ws.srv.URL, "http")
}

func (ws *wsServer) push(t *testing.T, msg string) {
	t.Helper()
	select {
	case <-ws.up:
	case <-time.After(2 * time.Second):
		t.Fatal("gateway never connected")
	}
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if err := ws.conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
		t.Fatalf("push: %v", err)
	}
}

func (ws *wsServer) received(pred func(string) bool) bool {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	for _, m := range ws.got {
		if pred(m) {
			return true
		}
	}
	return false
}

func newConnectedGateway(t *testing.T, ws *wsServer) (*Gateway, func()) {
	t.Helper()
	authSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"approval_key": "appr"})
	}))
	t.Cleanup(authSrv.Close)

	cfg := config.KISConfig{BaseURL: authSrv.URL, WSURL: ws.url(), HtsID: "tester"}
	g := New(cfg, testPerf(), broker.NewAuth(cfg, slog.Default()), slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		g.Run(ctx)
		close(done)
	}()
	return g, func() {
		cancel()
		g.SafeCleanup()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("Run did not exit")
		}
	}
}

func TestConnectRegistersNoticeStream(t *testing.T) {
	t.Parallel()
	ws := newWSServer(t)
	_, stop := newConnectedGateway(t, ws)
	defer stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if ws.received(func(m string) bool {
			return strings.Contains(m, types.TRNotice) && strings.Contains(m, "tester")
		}) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Error("notice registration control frame never arrived")
}

func TestPingPongEcho(t *testing.T) {
	t.Parallel()
	ws := newWSServer(t)
	g, stop := newConnectedGateway(t, ws)
	defer stop()

	ping := `{"header":{"tr_id":"PINGPONG","datetime":"20260825093000"}}`
	ws.push(t, ping)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if ws.received(func(m string) bool { return m == ping }) {
			if !g.IsHealthy() {
				t.Error("IsHealthy should be true after pong")
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Error("PINGPONG was not echoed verbatim")
}

func TestContractFrameDispatch(t *testing.T) {
	t.Parallel()
	ws := newWSServer(t)
	g, stop := newConnectedGateway(t, ws)
	defer stop()

	ticks := make(chan types.ContractTick, 1)
	g.OnContract(func(tk types.ContractTick) { ticks <- tk })

	ws.push(t, "0|H0STCNT0|1|"+strings.Join(contractFields(map[int]string{13: "555"}), "^"))

	select {
	case tk := <-ticks:
		if tk.Code != "005930" || tk.AccVolume != 555 {
			t.Errorf("tick = %+v", tk)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("contract callback never fired")
	}
}

func TestShortFrameCountsError(t *testing.T) {
	t.Parallel()
	ws := newWSServer(t)
	g, stop := newConnectedGateway(t, ws)
	defer stop()

	ws.push(t, "0|H0STCNT0|1|too^short")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if g.FrameErrors() > 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Error("short frame should increment the error counter")
}

func TestUnhealthyWhenDisconnected(t *testing.T) {
	t.Parallel()
	g := newTestGateway(t)
	if g.IsHealthy() {
		t.Error("disconnected gateway must be unhealthy")
	}
}
