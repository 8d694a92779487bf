package broker

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"

	"kis-daytrader/internal/config"
	"kis-daytrader/pkg/types"
)

// TR ids for the cash order endpoints. The paper-trading domain uses the
// VTTC prefix for the same request shapes.
const (
	trBuyCash    = "TTTC0802U"
	trSellCash   = "TTTC0801U"
	trCancelCash = "TTTC0803U"
	trBalance    = "TTTC8434R"

	trBuyCashDemo    = "VTTC0802U"
	trSellCashDemo   = "VTTC0801U"
	trCancelCashDemo = "VTTC0803U"
	trBalanceDemo    = "VTTC8434R"

	trInquirePrice = "FHKST01010100"
	trDailyChart   = "FHKST03010100"

	trFluctuationRank = "FHPST01700000"
	trVolumeRank      = "FHPST01710000"
	trDisparityRank   = "FHPST01780000"
)

// PriceQuote is the normalized inquire-price response.
type PriceQuote struct {
	Code         string
	Price        float64
	ChangeRate   float64 // percent vs yesterday close
	Open         float64
	High         float64
	Low          float64
	Volume       int64
	TradingValue float64 // accumulated traded value, KRW
	TradingHalt  bool
	MarketCap    float64
	// Pre-open single-price session fields; zero during continuous trading.
	ExpectedPrice float64
	ExpectedRate  float64
}

// GapRate is the overnight gap implied by the expected single-price open.
func (q PriceQuote) GapRate() float64 {
	if q.ExpectedRate != 0 {
		return q.ExpectedRate
	}
	return q.ChangeRate
}

// RankRow is one entry from a ranking endpoint.
type RankRow struct {
	Code             string
	Name             string
	Price            float64
	ChangeRate       float64
	Volume           int64
	AvgVolume        int64 // trailing daily average, volume rank only
	TradingValue     float64
	Disparity        float64 // vs SMA, disparity rank only
	TurnoverRate     float64
	ContractStrength float64
}

// BalanceInfo is the cash-account valuation used for position sizing.
type BalanceInfo struct {
	AvailableCash float64 // orderable cash
	StockValue    float64 // current holdings valuation
	TotalValue    float64
}

// Client is the KIS REST client. All mutating calls honor dry-run by
// returning synthetic acknowledgments without touching the network.
type Client struct {
	http   *resty.Client
	auth   *Auth
	rl     *RateLimiter
	cfg    config.KISConfig
	logger *slog.Logger

	dryRunSeq int64 // synthetic order numbers in dry-run mode
}

// NewClient creates a REST client with rate limiting and retry.
func NewClient(cfg config.KISConfig, auth *Auth, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json; charset=utf-8")

	return &Client{
		http:   httpClient,
		auth:   auth,
		rl:     NewRateLimiter(),
		cfg:    cfg,
		logger: logger.With("component", "broker"),
	}
}

func (c *Client) trID(real, demo string) string {
	if c.cfg.Demo {
		return demo
	}
	return real
}

// headers builds the per-request auth header set the open API requires.
func (c *Client) headers(ctx context.Context, trID string) (map[string]string, error) {
	token, err := c.auth.AccessToken(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]string{
		"authorization": "Bearer " + token,
		"appkey":        c.cfg.AppKey,
		"appsecret":     c.cfg.AppSecret,
		"tr_id":         trID,
		"custtype":      "P",
	}, nil
}

type orderResponse struct {
	RtCd   string `json:"rt_cd"`
	MsgCd  string `json:"msg_cd"`
	Msg1   string `json:"msg1"`
	Output struct {
		OrgNo     string `json:"KRX_FWDG_ORD_ORGNO"`
		OrderNo   string `json:"ODNO"`
		OrderTime string `json:"ORD_TMD"`
	} `json:"output"`
}

func (r orderResponse) ack() types.OrderAck {
	return types.OrderAck{
		OrderNo:   r.Output.OrderNo,
		OrgNo:     r.Output.OrgNo,
		OrderTime: r.Output.OrderTime,
		RtCd:      r.RtCd,
		MsgCd:     r.MsgCd,
		Msg:       r.Msg1,
	}
}

// PlaceOrder submits a limit cash order. ORD_DVSN "00" is a plain limit;
// quantities and prices travel as strings per the wire format.
func (c *Client) PlaceOrder(ctx context.Context, side types.Side, code string, qty int64, price float64) (types.OrderAck, error) {
	if qty <= 0 {
		return types.OrderAck{}, fmt.Errorf("place order %s %s: invalid qty %d", side, code, qty)
	}
	if c.cfg.DryRun {
		seq := atomic.AddInt64(&c.dryRunSeq, 1)
		c.logger.Info("DRY-RUN: would place order",
			"side", side.String(), "code", code, "qty", qty, "price", price)
		return types.OrderAck{
			OrderNo:   fmt.Sprintf("DRY%07d", seq),
			OrgNo:     "00000",
			OrderTime: time.Now().Format("150405"),
			RtCd:      "0",
		}, nil
	}
	if err := c.rl.Order.Wait(ctx); err != nil {
		return types.OrderAck{}, err
	}

	trID := c.trID(trBuyCash, trBuyCashDemo)
	if side == types.SideSell {
		trID = c.trID(trSellCash, trSellCashDemo)
	}
	headers, err := c.headers(ctx, trID)
	if err != nil {
		return types.OrderAck{}, err
	}

	var result orderResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(map[string]string{
			"CANO":         c.cfg.CANO(),
			"ACNT_PRDT_CD": c.cfg.AcntPrdtCd(),
			"PDNO":         code,
			"ORD_DVSN":     "00",
			"ORD_QTY":      strconv.FormatInt(qty, 10),
			"ORD_UNPR":     strconv.FormatInt(int64(price), 10),
		}).
		SetResult(&result).
		Post("/uapi/domestic-stock/v1/trading/order-cash")
	if err != nil {
		return types.OrderAck{}, fmt.Errorf("place order %s %s: %w", side, code, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return types.OrderAck{}, fmt.Errorf("place order %s %s: status %d: %s",
			side, code, resp.StatusCode(), resp.String())
	}

	ack := result.ack()
	c.logger.Info("order placed",
		"side", side.String(), "code", code, "qty", qty, "price", price,
		"order_no", ack.OrderNo, "rt_cd", ack.RtCd, "msg", ack.Msg)
	return ack, nil
}

// CancelOrder cancels the full remaining quantity of an order.
func (c *Client) CancelOrder(ctx context.Context, orgNo, orderNo string) (types.OrderAck, error) {
	if orderNo == "" {
		return types.OrderAck{}, fmt.Errorf("cancel order: empty order number")
	}
	if c.cfg.DryRun {
		c.logger.Info("DRY-RUN: would cancel order", "order_no", orderNo)
		return types.OrderAck{OrderNo: orderNo, RtCd: "0"}, nil
	}
	if err := c.rl.Order.Wait(ctx); err != nil {
		return types.OrderAck{}, err
	}

	headers, err := c.headers(ctx, c.trID(trCancelCash, trCancelCashDemo))
	if err != nil {
		return types.OrderAck{}, err
	}

	var result orderResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(map[string]string{
			"CANO":               c.cfg.CANO(),
			"ACNT_PRDT_CD":       c.cfg.AcntPrdtCd(),
			"KRX_FWDG_ORD_ORGNO": orgNo,
			"ORGN_ODNO":          orderNo,
			"ORD_DVSN":           "00",
			"RVSE_CNCL_DVSN_CD":  "02",
			"ORD_QTY":            "0",
			"ORD_UNPR":           "0",
			"QTY_ALL_ORD_YN":     "Y",
		}).
		SetResult(&result).
		Post("/uapi/domestic-stock/v1/trading/order-rvsecncl")
	if err != nil {
		return types.OrderAck{}, fmt.Errorf("cancel order %s: %w", orderNo, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return types.OrderAck{}, fmt.Errorf("cancel order %s: status %d: %s",
			orderNo, resp.StatusCode(), resp.String())
	}

	ack := result.ack()
	c.logger.Info("cancel requested", "order_no", orderNo, "rt_cd", ack.RtCd, "msg", ack.Msg)
	return ack, nil
}

// InquirePrice fetches the current quote for one symbol.
func (c *Client) InquirePrice(ctx context.Context, code string) (*PriceQuote, error) {
	if err := c.rl.Quote.Wait(ctx); err != nil {
		return nil, err
	}
	headers, err := c.headers(ctx, trInquirePrice)
	if err != nil {
		return nil, err
	}

	var result struct {
		RtCd   string `json:"rt_cd"`
		Output struct {
			Price        string `json:"stck_prpr"`
			ChangeRate   string `json:"prdy_ctrt"`
			Open         string `json:"stck_oprc"`
			High         string `json:"stck_hgpr"`
			Low          string `json:"stck_lwpr"`
			Volume       string `json:"acml_vol"`
			TradingValue string `json:"acml_tr_pbmn"`
			Halt         string `json:"temp_stop_yn"`
			MarketCap    string `json:"hts_avls"`
			ExpPrice     string `json:"antc_cnpr"`
			ExpRate      string `json:"antc_cntg_prdy_ctrt"`
		} `json:"output"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetQueryParams(map[string]string{
			"FID_COND_MRKT_DIV_CODE": "J",
			"FID_INPUT_ISCD":         code,
		}).
		SetResult(&result).
		Get("/uapi/domestic-stock/v1/quotations/inquire-price")
	if err != nil {
		return nil, fmt.Errorf("inquire price %s: %w", code, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("inquire price %s: status %d: %s", code, resp.StatusCode(), resp.String())
	}

	o := result.Output
	return &PriceQuote{
		Code:          code,
		Price:         atof(o.Price),
		ChangeRate:    atof(o.ChangeRate),
		Open:          atof(o.Open),
		High:          atof(o.High),
		Low:           atof(o.Low),
		Volume:        atoi(o.Volume),
		TradingValue:  atof(o.TradingValue),
		TradingHalt:   o.Halt == "Y",
		MarketCap:     atof(o.MarketCap),
		ExpectedPrice: atof(o.ExpPrice),
		ExpectedRate:  atof(o.ExpRate),
	}, nil
}

// DailyCharts fetches up to 100 daily bars ending today, oldest first.
func (c *Client) DailyCharts(ctx context.Context, code string, days int) ([]types.OHLCV, error) {
	if err := c.rl.Quote.Wait(ctx); err != nil {
		return nil, err
	}
	headers, err := c.headers(ctx, trDailyChart)
	if err != nil {
		return nil, err
	}

	end := time.Now()
	start := end.AddDate(0, 0, -days*2) // weekends/holidays thin the range

	var result struct {
		RtCd    string `json:"rt_cd"`
		Output2 []struct {
			Date         string `json:"stck_bsop_date"`
			Open         string `json:"stck_oprc"`
			High         string `json:"stck_hgpr"`
			Low          string `json:"stck_lwpr"`
			Close        string `json:"stck_clpr"`
			Volume       string `json:"acml_vol"`
			TradingValue string `json:"acml_tr_pbmn"`
		} `json:"output2"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetQueryParams(map[string]string{
			"FID_COND_MRKT_DIV_CODE": "J",
			"FID_INPUT_ISCD":         code,
			"FID_INPUT_DATE_1":       start.Format("20060102"),
			"FID_INPUT_DATE_2":       end.Format("20060102"),
			"FID_PERIOD_DIV_CODE":    "D",
			"FID_ORG_ADJ_PRC":        "0",
		}).
		SetResult(&result).
		Get("/uapi/domestic-stock/v1/quotations/inquire-daily-itemchartprice")
	if err != nil {
		return nil, fmt.Errorf("daily charts %s: %w", code, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("daily charts %s: status %d: %s", code, resp.StatusCode(), resp.String())
	}

	// The API returns newest first; flip to oldest-first for indicator math.
	bars := make([]types.OHLCV, 0, len(result.Output2))
	for i := len(result.Output2) - 1; i >= 0; i-- {
		row := result.Output2[i]
		if row.Date == "" {
			continue
		}
		bars = append(bars, types.OHLCV{
			Date:         row.Date,
			Open:         atof(row.Open),
			High:         atof(row.High),
			Low:          atof(row.Low),
			Close:        atof(row.Close),
			Volume:       atoi(row.Volume),
			TradingValue: atof(row.TradingValue),
		})
	}
	if len(bars) > days {
		bars = bars[len(bars)-days:]
	}
	return bars, nil
}

type rankRowWire struct {
	Code             string `json:"mksc_shrn_iscd"`
	CodeAlt          string `json:"stck_shrn_iscd"`
	Name             string `json:"hts_kor_isnm"`
	Price            string `json:"stck_prpr"`
	ChangeRate       string `json:"prdy_ctrt"`
	Volume           string `json:"acml_vol"`
	AvgVolume        string `json:"avrg_vol"`
	TradingValue     string `json:"acml_tr_pbmn"`
	Disparity        string `json:"d20_dsrt"`
	TurnoverRate     string `json:"vol_tnrt"`
	ContractStrength string `json:"cttr"`
}

func (w rankRowWire) row() RankRow {
	code := w.Code
	if code == "" {
		code = w.CodeAlt
	}
	return RankRow{
		Code:             code,
		Name:             w.Name,
		Price:            atof(w.Price),
		ChangeRate:       atof(w.ChangeRate),
		Volume:           atoi(w.Volume),
		AvgVolume:        atoi(w.AvgVolume),
		TradingValue:     atof(w.TradingValue),
		Disparity:        atof(w.Disparity),
		TurnoverRate:     atof(w.TurnoverRate),
		ContractStrength: atof(w.ContractStrength),
	}
}

func (c *Client) fetchRank(ctx context.Context, trID, path string, params map[string]string) ([]RankRow, error) {
	if err := c.rl.Rank.Wait(ctx); err != nil {
		return nil, err
	}
	headers, err := c.headers(ctx, trID)
	if err != nil {
		return nil, err
	}

	var result struct {
		RtCd   string        `json:"rt_cd"`
		Output []rankRowWire `json:"output"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetQueryParams(params).
		SetResult(&result).
		Get(path)
	if err != nil {
		return nil, fmt.Errorf("rank %s: %w", trID, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("rank %s: status %d: %s", trID, resp.StatusCode(), resp.String())
	}

	rows := make([]RankRow, 0, len(result.Output))
	for _, w := range result.Output {
		r := w.row()
		if r.Code != "" {
			rows = append(rows, r)
		}
	}
	return rows, nil
}

// DisparityRank lists symbols trading furthest below their 20-day SMA
// (oversold candidates).
func (c *Client) DisparityRank(ctx context.Context) ([]RankRow, error) {
	return c.fetchRank(ctx, trDisparityRank,
		"/uapi/domestic-stock/v1/ranking/disparity",
		map[string]string{
			"fid_cond_mrkt_div_code": "J",
			"fid_input_iscd":         "0000",
			"fid_rank_sort_cls_code": "1", // ascending: most oversold first
			"fid_hour_cls_code":      "20",
		})
}

// FluctuationRank lists the session's strongest risers.
func (c *Client) FluctuationRank(ctx context.Context) ([]RankRow, error) {
	return c.fetchRank(ctx, trFluctuationRank,
		"/uapi/domestic-stock/v1/ranking/fluctuation",
		map[string]string{
			"fid_cond_mrkt_div_code": "J",
			"fid_input_iscd":         "0000",
			"fid_rank_sort_cls_code": "0", // rising first
		})
}

// VolumeRank lists symbols by volume turnover.
func (c *Client) VolumeRank(ctx context.Context) ([]RankRow, error) {
	return c.fetchRank(ctx, trVolumeRank,
		"/uapi/domestic-stock/v1/quotations/volume-rank",
		map[string]string{
			"FID_COND_MRKT_DIV_CODE": "J",
			"FID_INPUT_ISCD":         "0000",
			"FID_BLNG_CLS_CODE":      "3", // turnover-rate sort
		})
}

// Balance fetches cash and holdings valuation for position sizing.
func (c *Client) Balance(ctx context.Context) (*BalanceInfo, error) {
	if c.cfg.DryRun {
		return &BalanceInfo{AvailableCash: 10_000_000, TotalValue: 10_000_000}, nil
	}
	if err := c.rl.Quote.Wait(ctx); err != nil {
		return nil, err
	}
	headers, err := c.headers(ctx, c.trID(trBalance, trBalanceDemo))
	if err != nil {
		return nil, err
	}

	var result struct {
		RtCd    string `json:"rt_cd"`
		Output2 []struct {
			Cash       string `json:"ord_psbl_cash"`
			StockValue string `json:"scts_evlu_amt"`
			TotalValue string `json:"tot_evlu_amt"`
		} `json:"output2"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetQueryParams(map[string]string{
			"CANO":                  c.cfg.CANO(),
			"ACNT_PRDT_CD":          c.cfg.AcntPrdtCd(),
			"AFHR_FLPR_YN":          "N",
			"INQR_DVSN":             "02",
			"UNPR_DVSN":             "01",
			"FUND_STTL_ICLD_YN":     "N",
			"FNCG_AMT_AUTO_RDPT_YN": "N",
			"PRCS_DVSN":             "00",
			"OFL_YN":                "",
			"CTX_AREA_FK100":        "",
			"CTX_AREA_NK100":        "",
		}).
		SetResult(&result).
		Get("/uapi/domestic-stock/v1/trading/inquire-balance")
	if err != nil {
		return nil, fmt.Errorf("balance: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("balance: status %d: %s", resp.StatusCode(), resp.String())
	}
	if len(result.Output2) == 0 {
		return nil, fmt.Errorf("balance: empty output2")
	}

	o := result.Output2[0]
	return &BalanceInfo{
		AvailableCash: atof(o.Cash),
		StockValue:    atof(o.StockValue),
		TotalValue:    atof(o.TotalValue),
	}, nil
}

// atof parses the broker's numeric strings; blanks and junk become 0.
func atof(s string) float64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

func atoi(s string) int64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return v
}
