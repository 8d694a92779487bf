package broker

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"kis-daytrader/internal/config"
	"kis-daytrader/pkg/types"
)

// newTestClient wires a Client against a fake KIS server that also serves
// the oauth endpoints.
func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/oauth2/tokenP" {
			json.NewEncoder(w).Encode(map[string]any{"access_token": "tok", "expires_in": 86400})
			return
		}
		handler(w, r)
	}))
	t.Cleanup(srv.Close)

	cfg := config.KISConfig{
		BaseURL:   srv.URL,
		AppKey:    "key",
		AppSecret: "secret",
		AccountNo: "12345678-01",
	}
	return NewClient(cfg, NewAuth(cfg, slog.Default()), slog.Default()), srv
}

func TestPlaceOrderBuy(t *testing.T) {
	t.Parallel()

	var gotTR string
	var gotBody map[string]string
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/uapi/domestic-stock/v1/trading/order-cash" {
			http.NotFound(w, r)
			return
		}
		gotTR = r.Header.Get("tr_id")
		json.NewDecoder(r.Body).Decode(&gotBody)
		json.NewEncoder(w).Encode(map[string]any{
			"rt_cd": "0",
			"output": map[string]string{
				"KRX_FWDG_ORD_ORGNO": "06010",
				"ODNO":               "0000117057",
				"ORD_TMD":            "121052",
			},
		})
	})

	ack, err := c.PlaceOrder(context.Background(), types.SideBuy, "005930", 10, 71400)
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if gotTR != "TTTC0802U" {
		t.Errorf("tr_id = %q, want TTTC0802U", gotTR)
	}
	if gotBody["CANO"] != "12345678" || gotBody["ACNT_PRDT_CD"] != "01" {
		t.Errorf("account fields = %q/%q, want 12345678/01", gotBody["CANO"], gotBody["ACNT_PRDT_CD"])
	}
	if gotBody["ORD_QTY"] != "10" || gotBody["ORD_UNPR"] != "71400" || gotBody["ORD_DVSN"] != "00" {
		t.Errorf("order body = %v", gotBody)
	}
	if !ack.Accepted() || ack.OrderNo != "0000117057" {
		t.Errorf("ack = %+v, want accepted with order no", ack)
	}
}

func TestPlaceOrderSellUsesSellTR(t *testing.T) {
	t.Parallel()

	var gotTR string
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotTR = r.Header.Get("tr_id")
		json.NewEncoder(w).Encode(map[string]any{"rt_cd": "0", "output": map[string]string{"ODNO": "1"}})
	})

	if _, err := c.PlaceOrder(context.Background(), types.SideSell, "005930", 5, 70000); err != nil {
		t.Fatalf("PlaceOrder sell: %v", err)
	}
	if gotTR != "TTTC0801U" {
		t.Errorf("tr_id = %q, want TTTC0801U", gotTR)
	}
}

func TestPlaceOrderRejectsBadQty(t *testing.T) {
	t.Parallel()
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected for qty 0")
	})
	if _, err := c.PlaceOrder(context.Background(), types.SideBuy, "005930", 0, 100); err == nil {
		t.Error("qty 0 should error without hitting the network")
	}
}

func TestPlaceOrderDryRun(t *testing.T) {
	t.Parallel()

	cfg := config.KISConfig{BaseURL: "http://127.0.0.1:1", DryRun: true, AccountNo: "1-01"}
	c := NewClient(cfg, NewAuth(cfg, slog.Default()), slog.Default())

	ack, err := c.PlaceOrder(context.Background(), types.SideBuy, "005930", 10, 71400)
	if err != nil {
		t.Fatalf("dry-run PlaceOrder: %v", err)
	}
	if !ack.Accepted() || ack.OrderNo == "" {
		t.Errorf("dry-run ack = %+v, want synthetic accepted ack", ack)
	}

	cancel, err := c.CancelOrder(context.Background(), "06010", ack.OrderNo)
	if err != nil {
		t.Fatalf("dry-run CancelOrder: %v", err)
	}
	if !cancel.Accepted() {
		t.Errorf("dry-run cancel ack = %+v, want accepted", cancel)
	}
}

func TestPlaceOrderDryRunConcurrentUniqueOrderNos(t *testing.T) {
	t.Parallel()

	cfg := config.KISConfig{BaseURL: "http://127.0.0.1:1", DryRun: true, AccountNo: "1-01"}
	c := NewClient(cfg, NewAuth(cfg, slog.Default()), slog.Default())

	const n = 32
	acks := make(chan string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ack, err := c.PlaceOrder(context.Background(), types.SideBuy, "005930", 1, 70000)
			if err != nil {
				t.Errorf("dry-run PlaceOrder: %v", err)
				return
			}
			acks <- ack.OrderNo
		}()
	}
	wg.Wait()
	close(acks)

	seen := make(map[string]bool, n)
	for no := range acks {
		if seen[no] {
			t.Errorf("duplicate synthetic order no %q", no)
		}
		seen[no] = true
	}
	if len(seen) != n {
		t.Errorf("got %d distinct order nos, want %d", len(seen), n)
	}
}

func TestCancelOrderBody(t *testing.T) {
	t.Parallel()

	var gotBody map[string]string
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/uapi/domestic-stock/v1/trading/order-rvsecncl" {
			http.NotFound(w, r)
			return
		}
		json.NewDecoder(r.Body).Decode(&gotBody)
		json.NewEncoder(w).Encode(map[string]any{"rt_cd": "0", "output": map[string]string{"ODNO": "0000117057"}})
	})

	if _, err := c.CancelOrder(context.Background(), "06010", "0000117057"); err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}
	if gotBody["RVSE_CNCL_DVSN_CD"] != "02" || gotBody["QTY_ALL_ORD_YN"] != "Y" {
		t.Errorf("cancel body = %v, want full-quantity cancel fields", gotBody)
	}
	if gotBody["ORGN_ODNO"] != "0000117057" {
		t.Errorf("ORGN_ODNO = %q, want original order no", gotBody["ORGN_ODNO"])
	}
}

func TestInquirePrice(t *testing.T) {
	t.Parallel()

	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("FID_INPUT_ISCD"); got != "005930" {
			t.Errorf("FID_INPUT_ISCD = %q", got)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"rt_cd": "0",
			"output": map[string]string{
				"stck_prpr":    "71400",
				"prdy_ctrt":    "2.00",
				"stck_oprc":    "70500",
				"acml_vol":     "1234567",
				"acml_tr_pbmn": "88000000000",
				"temp_stop_yn": "N",
				"antc_cnpr":    "71500",
				"antc_cntg_prdy_ctrt": "2.14",
			},
		})
	})

	q, err := c.InquirePrice(context.Background(), "005930")
	if err != nil {
		t.Fatalf("InquirePrice: %v", err)
	}
	if q.Price != 71400 || q.ChangeRate != 2.00 || q.Volume != 1234567 {
		t.Errorf("quote = %+v", q)
	}
	if q.TradingHalt {
		t.Error("TradingHalt = true, want false")
	}
	if q.GapRate() != 2.14 {
		t.Errorf("GapRate = %v, want expected-rate 2.14 during single-price session", q.GapRate())
	}
}

func TestDailyChartsOldestFirst(t *testing.T) {
	t.Parallel()

	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		// Broker returns newest first.
		json.NewEncoder(w).Encode(map[string]any{
			"rt_cd": "0",
			"output2": []map[string]string{
				{"stck_bsop_date": "20260825", "stck_clpr": "71400", "acml_vol": "300"},
				{"stck_bsop_date": "20260824", "stck_clpr": "70000", "acml_vol": "200"},
				{"stck_bsop_date": "20260821", "stck_clpr": "69500", "acml_vol": "100"},
				{"stck_bsop_date": "", "stck_clpr": ""},
			},
		})
	})

	bars, err := c.DailyCharts(context.Background(), "005930", 30)
	if err != nil {
		t.Fatalf("DailyCharts: %v", err)
	}
	if len(bars) != 3 {
		t.Fatalf("bars = %d, want 3 (blank row dropped)", len(bars))
	}
	if bars[0].Date != "20260821" || bars[2].Date != "20260825" {
		t.Errorf("order = %s..%s, want oldest first", bars[0].Date, bars[2].Date)
	}
	if bars[2].Close != 71400 {
		t.Errorf("latest close = %v, want 71400", bars[2].Close)
	}
}

func TestVolumeRankParsesRows(t *testing.T) {
	t.Parallel()

	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"rt_cd": "0",
			"output": []map[string]string{
				{"mksc_shrn_iscd": "005930", "hts_kor_isnm": "삼성전자", "stck_prpr": "71400", "prdy_ctrt": "2.0", "acml_vol": "1000", "vol_tnrt": "3.2"},
				{"mksc_shrn_iscd": "", "hts_kor_isnm": "junk"},
			},
		})
	})

	rows, err := c.VolumeRank(context.Background())
	if err != nil {
		t.Fatalf("VolumeRank: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("rows = %d, want 1 (codeless row dropped)", len(rows))
	}
	if rows[0].Code != "005930" || rows[0].TurnoverRate != 3.2 {
		t.Errorf("row = %+v", rows[0])
	}
}

func TestBalance(t *testing.T) {
	t.Parallel()

	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"rt_cd": "0",
			"output2": []map[string]string{
				{"ord_psbl_cash": "5000000", "scts_evlu_amt": "3000000", "tot_evlu_amt": "8000000"},
			},
		})
	})

	b, err := c.Balance(context.Background())
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if b.AvailableCash != 5_000_000 || b.TotalValue != 8_000_000 {
		t.Errorf("balance = %+v", b)
	}
}

func TestServerErrorSurfaces(t *testing.T) {
	t.Parallel()

	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "forbidden", http.StatusForbidden)
	})
	if _, err := c.InquirePrice(context.Background(), "005930"); err == nil {
		t.Error("403 should surface as error")
	}
}

func TestAtofAtoi(t *testing.T) {
	t.Parallel()

	if got := atof(" 71400.5 "); got != 71400.5 {
		t.Errorf("atof = %v", got)
	}
	if got := atof(""); got != 0 {
		t.Errorf("atof empty = %v, want 0", got)
	}
	if got := atof("-"); got != 0 {
		t.Errorf("atof junk = %v, want 0", got)
	}
	if got := atoi("1234567"); got != 1234567 {
		t.Errorf("atoi = %v", got)
	}
	if got := atoi(""); got != 0 {
		t.Errorf("atoi empty = %v, want 0", got)
	}
}
