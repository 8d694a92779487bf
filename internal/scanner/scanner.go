// Package scanner selects the day's watchlist.
//
// The pre-market scan ranks the static universe on daily-bar fundamentals,
// candle patterns and the overnight single-price session, then registers
// the top names in the store. During the session the intraday scan pulls
// the broker's ranking endpoints for late movers the pre-open pass missed.
package scanner

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"kis-daytrader/internal/broker"
	"kis-daytrader/internal/config"
	"kis-daytrader/internal/store"
	"kis-daytrader/internal/symbols"
	"kis-daytrader/pkg/types"
)

const chartDays = 60 // enough history for MACD(12,26,9) plus weekends

// MarketData is the slice of the REST client the scanner consumes.
type MarketData interface {
	InquirePrice(ctx context.Context, code string) (*broker.PriceQuote, error)
	DailyCharts(ctx context.Context, code string, days int) ([]types.OHLCV, error)
	DisparityRank(ctx context.Context) ([]broker.RankRow, error)
	FluctuationRank(ctx context.Context) ([]broker.RankRow, error)
	VolumeRank(ctx context.Context) ([]broker.RankRow, error)
}

// ScanJournal receives scan results for persistence. May be nil.
type ScanJournal interface {
	RecordPreMarketScan(rec PreMarketResult)
	RecordIntradayScan(c types.Candidate, rt IntradaySignals)
}

// PreMarketResult is one qualified pre-open candidate with the inputs
// that produced its score.
type PreMarketResult struct {
	Code            string
	Name            string
	Score           float64
	Criteria        []string
	PatternScore    float64
	PatternNames    []string
	RSI             float64
	MACD            float64
	MACDSignal      float64
	SMA20           float64
	BBUpper         float64
	BBMiddle        float64
	BBLower         float64
	YesterdayBar    types.OHLCV
	AvgVolume       int64
	AvgTradingValue float64
	MarketCap       float64
	GapRate         float64
	ScannedAt       time.Time
}

// IntradaySignals carries the realtime inputs behind an intraday pick.
type IntradaySignals struct {
	Price            float64
	ChangeRate       float64
	VolumeSpikeRatio float64
	ContractStrength float64
	TurnoverRate     float64
	BuyRatio         float64
}

// Scanner runs both scan modes against one store.
type Scanner struct {
	data    MarketData
	store   *store.Store
	symbols *symbols.Directory
	journal ScanJournal
	cfg     *config.Config
	logger  *slog.Logger

	now func() time.Time // test seam for time-of-day weighting
}

func New(data MarketData, st *store.Store, dir *symbols.Directory, jrnl ScanJournal, cfg *config.Config, logger *slog.Logger) *Scanner {
	return &Scanner{
		data:    data,
		store:   st,
		symbols: dir,
		journal: jrnl,
		cfg:     cfg,
		logger:  logger.With("component", "scanner"),
		now:     time.Now,
	}
}

// RunPreMarketScan clears the store, ranks the universe, and registers the
// top names. Returns true when at least one symbol qualified.
func (s *Scanner) RunPreMarketScan(ctx context.Context) bool {
	if s.cfg.Perf.UsePullbackScanner {
		return s.runPullbackScan(ctx)
	}

	s.store.Reset()
	codes := s.symbols.Codes()
	if limit := s.cfg.Perf.ScanCandidateLimit; limit > 0 && len(codes) > limit {
		codes = codes[:limit]
	}
	s.logger.Info("pre-market scan started", "universe", len(codes))

	results := make([]PreMarketResult, 0, 32)
	for _, code := range codes {
		if ctx.Err() != nil {
			return false
		}
		res, err := s.scoreCandidate(ctx, code)
		if err != nil {
			s.logger.Debug("candidate skipped", "code", code, "reason", err)
			continue
		}
		if res != nil {
			results = append(results, *res)
		}
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if max := s.cfg.Perf.MaxPremarketSelectedStocks; len(results) > max {
		results = results[:max]
	}

	registered := 0
	for _, r := range results {
		ref := &store.ReferenceData{
			YesterdayClose:  r.YesterdayBar.Close,
			YesterdayHigh:   r.YesterdayBar.High,
			YesterdayLow:    r.YesterdayBar.Low,
			YesterdayVolume: r.YesterdayBar.Volume,
			AvgDailyVolume:  float64(r.AvgVolume),
			AvgTradingValue: r.AvgTradingValue,
			SMA20:           r.SMA20,
			RSI:             r.RSI,
			MACD:            r.MACD,
			MACDSignal:      r.MACDSignal,
			BBUpper:         r.BBUpper,
			BBMiddle:        r.BBMiddle,
			BBLower:         r.BBLower,
			PatternScore:    r.PatternScore,
			PatternNames:    r.PatternNames,
		}
		if !s.store.AddSelectedStock(r.Code, r.Name, r.YesterdayBar, r.Score, ref) {
			continue
		}
		registered++
		if s.journal != nil {
			s.journal.RecordPreMarketScan(r)
		}
		s.logger.Info("selected",
			"code", r.Code, "name", r.Name, "score", r.Score,
			"criteria", strings.Join(r.Criteria, "+"))
	}

	s.logger.Info("pre-market scan done", "qualified", len(results), "registered", registered)
	return registered > 0
}

// scoreCandidate returns nil (no error) when the symbol simply fails the
// threshold, an error for data problems and hard rejects.
func (s *Scanner) scoreCandidate(ctx context.Context, code string) (*PreMarketResult, error) {
	quote, err := s.data.InquirePrice(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("quote: %w", err)
	}
	if quote.TradingHalt {
		return nil, fmt.Errorf("trading halt")
	}
	if quote.TradingValue > 0 && quote.TradingValue < s.cfg.Perf.MinOvernightTradingValue {
		return nil, fmt.Errorf("overnight trading value %.0f below floor", quote.TradingValue)
	}

	bars, err := s.data.DailyCharts(ctx, code, chartDays)
	if err != nil {
		return nil, fmt.Errorf("charts: %w", err)
	}
	f, err := computeFundamentals(bars)
	if err != nil {
		return nil, err
	}
	if f.AvgTradingValue10 < s.cfg.Perf.MinTradingValue {
		return nil, fmt.Errorf("avg trading value %.0f below floor", f.AvgTradingValue10)
	}

	patternScore, patternNames := detectPatterns(bars)
	signal, divScore := divergenceSignal(f)
	gap := quote.GapRate()

	var criteria []string
	score := 0.0

	// Volume expansion (0–20).
	switch {
	case f.VolumeRatio >= 2.0:
		score += 20
		criteria = append(criteria, "volume_surge")
	case f.VolumeRatio >= 1.5:
		score += 14
		criteria = append(criteria, "volume_up")
	case f.VolumeRatio >= 1.1:
		score += 7
	}

	// RSI sweet spot (0–15): room to run without being washed out.
	switch {
	case f.RSI14 >= 45 && f.RSI14 <= 65:
		score += 15
		criteria = append(criteria, "rsi_neutral")
	case f.RSI14 >= 35 && f.RSI14 < 45:
		score += 10
		criteria = append(criteria, "rsi_recovering")
	case f.RSI14 > 65 && f.RSI14 <= 75:
		score += 5
	}

	// MACD turning up (0–12).
	if f.MACDHist > 0 {
		score += 8
		if f.MACD > f.MACDSignal {
			score += 4
		}
		criteria = append(criteria, "macd_up")
	}

	// Divergence stack (0–25).
	score += divScore
	if divScore > 0 {
		criteria = append(criteria, strings.ToLower(signal))
	}

	// Candle patterns (0–18).
	score += patternScore
	criteria = append(criteria, patternNames...)

	// Overnight gap (−15 to +10). Hard-reject runaway gaps.
	switch {
	case gap >= 8:
		return nil, fmt.Errorf("gap %.1f%% too hot", gap)
	case gap >= 3:
		score += 10
		criteria = append(criteria, "gap_up")
	case gap >= 1:
		score += 6
	case gap <= -5:
		return nil, fmt.Errorf("gap %.1f%% collapse", gap)
	case gap < -2:
		score -= 15
	}

	if score > 100 {
		score = 100
	}
	if score < s.cfg.Perf.OpeningPatternScoreThreshold {
		return nil, nil
	}

	last := bars[len(bars)-1]
	return &PreMarketResult{
		Code:            code,
		Name:            s.symbols.Name(code),
		Score:           score,
		Criteria:        criteria,
		PatternScore:    patternScore,
		PatternNames:    patternNames,
		RSI:             f.RSI14,
		MACD:            f.MACD,
		MACDSignal:      f.MACDSignal,
		SMA20:           f.SMA20,
		BBUpper:         f.BBUpper,
		BBMiddle:        f.BBMiddle,
		BBLower:         f.BBLower,
		YesterdayBar:    last,
		AvgVolume:       f.AvgVolume10,
		AvgTradingValue: f.AvgTradingValue10,
		MarketCap:       quote.MarketCap,
		GapRate:         gap,
		ScannedAt:       s.now(),
	}, nil
}
