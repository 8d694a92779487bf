// pullback.go is the alternative pre-market pass (use_pullback_scanner).
// Instead of momentum continuation it hunts uptrending names resting on
// support: price inside the envelope(10,10) band after a high-volume
// advance, with sellers failing to press the pullback.
package scanner

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"gonum.org/v1/gonum/stat"

	"kis-daytrader/internal/store"
	"kis-daytrader/pkg/types"
)

const pullbackChartDays = 260 // want the 200-day high in range

type pullbackAnalysis struct {
	code            string
	score           float64
	reasons         []string
	lastBar         types.OHLCV
	fundamentals    *Fundamentals
	highest200      float64
	envelopeUpper   float64
	envelopeLower   float64
	volumeBandUpper float64
}

func (s *Scanner) runPullbackScan(ctx context.Context) bool {
	s.store.Reset()
	codes := s.symbols.Codes()
	if limit := s.cfg.Perf.ScanCandidateLimit; limit > 0 && len(codes) > limit {
		codes = codes[:limit]
	}
	s.logger.Info("pullback scan started", "universe", len(codes))

	results := make([]pullbackAnalysis, 0, 16)
	for _, code := range codes {
		if ctx.Err() != nil {
			return false
		}
		pa, err := s.analyzePullback(ctx, code)
		if err != nil {
			s.logger.Debug("pullback candidate skipped", "code", code, "reason", err)
			continue
		}
		if pa != nil {
			results = append(results, *pa)
		}
	}

	sort.Slice(results, func(i, j int) bool { return results[i].score > results[j].score })
	if max := s.cfg.Perf.MaxPremarketSelectedStocks; len(results) > max {
		results = results[:max]
	}

	registered := 0
	for _, pa := range results {
		f := pa.fundamentals
		ref := &store.ReferenceData{
			YesterdayClose:  pa.lastBar.Close,
			YesterdayHigh:   pa.lastBar.High,
			YesterdayLow:    pa.lastBar.Low,
			YesterdayVolume: pa.lastBar.Volume,
			AvgDailyVolume:  float64(f.AvgVolume10),
			AvgTradingValue: f.AvgTradingValue10,
			SMA20:           f.SMA20,
			RSI:             f.RSI14,
			MACD:            f.MACD,
			MACDSignal:      f.MACDSignal,
			BBUpper:         f.BBUpper,
			BBMiddle:        f.BBMiddle,
			BBLower:         f.BBLower,
		}
		if !s.store.AddSelectedStock(pa.code, s.symbols.Name(pa.code), pa.lastBar, pa.score, ref) {
			continue
		}
		registered++
		if s.journal != nil {
			s.journal.RecordPreMarketScan(PreMarketResult{
				Code:            pa.code,
				Name:            s.symbols.Name(pa.code),
				Score:           pa.score,
				Criteria:        pa.reasons,
				RSI:             f.RSI14,
				MACD:            f.MACD,
				MACDSignal:      f.MACDSignal,
				SMA20:           f.SMA20,
				BBUpper:         f.BBUpper,
				BBMiddle:        f.BBMiddle,
				BBLower:         f.BBLower,
				YesterdayBar:    pa.lastBar,
				AvgVolume:       f.AvgVolume10,
				AvgTradingValue: f.AvgTradingValue10,
				ScannedAt:       s.now(),
			})
		}
		s.logger.Info("pullback selected",
			"code", pa.code, "score", pa.score, "criteria", strings.Join(pa.reasons, "+"))
	}

	s.logger.Info("pullback scan done", "qualified", len(results), "registered", registered)
	return registered > 0
}

// analyzePullback scores one symbol on the pullback pattern. nil result
// means below threshold; errors are data problems or hard rejects.
func (s *Scanner) analyzePullback(ctx context.Context, code string) (*pullbackAnalysis, error) {
	bars, err := s.data.DailyCharts(ctx, code, pullbackChartDays)
	if err != nil {
		return nil, fmt.Errorf("charts: %w", err)
	}
	f, err := computeFundamentals(bars)
	if err != nil {
		return nil, err
	}
	if f.AvgTradingValue10 < s.cfg.Perf.MinTradingValue {
		return nil, fmt.Errorf("avg trading value below floor")
	}

	last := bars[len(bars)-1]
	pa := &pullbackAnalysis{code: code, lastBar: last, fundamentals: f}

	// Envelope(10,10): SMA10 ± 10%.
	pa.envelopeUpper = f.SMA10 * 1.10
	pa.envelopeLower = f.SMA10 * 0.90

	for _, b := range bars {
		if b.High > pa.highest200 {
			pa.highest200 = b.High
		}
	}

	// Volume Bollinger: last bar's volume vs its 20-day band.
	volumes := make([]float64, 0, 20)
	for _, b := range bars[len(bars)-20:] {
		volumes = append(volumes, float64(b.Volume))
	}
	mean, std := stat.MeanStdDev(volumes, nil)
	pa.volumeBandUpper = mean + 2*std

	// Uptrend prerequisite: within 25% of the 200-day high and the
	// 10-day mean above the 20-day.
	if pa.highest200 <= 0 || last.Close < pa.highest200*0.75 {
		return nil, fmt.Errorf("too far off the 200-day high")
	}
	if f.SMA10 <= f.SMA20 {
		return nil, fmt.Errorf("no uptrend stack")
	}

	score := 0.0

	// Resting inside the envelope rather than extended above it (0–30).
	switch {
	case last.Close <= f.SMA10 && last.Close >= pa.envelopeLower:
		score += 30
		pa.reasons = append(pa.reasons, "envelope_support")
	case last.Close < pa.envelopeUpper:
		score += 15
		pa.reasons = append(pa.reasons, "inside_envelope")
	}

	// Midpoint support: pullback held above the advance's midpoint (0–25).
	if mid := midpointOfAdvance(bars); mid > 0 && last.Close >= mid {
		score += 25
		pa.reasons = append(pa.reasons, "midpoint_hold")
	}

	// Uptrend dominance: more up-closes than down over 10 bars (0–20).
	if up, down := upDownDays(bars, 10); up > down {
		score += 20
		pa.reasons = append(pa.reasons, "uptrend_dominant")
	}

	// Volume momentum: advance volume spiked, pullback volume dried (0–25).
	recentVolume := float64(last.Volume)
	if hadVolumeSpike(bars, pa.volumeBandUpper) && recentVolume < mean {
		score += 25
		pa.reasons = append(pa.reasons, "volume_contraction")
	} else if recentVolume < mean {
		score += 10
		pa.reasons = append(pa.reasons, "quiet_pullback")
	}

	if score > 100 {
		score = 100
	}
	if score < s.cfg.Perf.OpeningPatternScoreThreshold {
		return nil, nil
	}
	pa.score = score
	return pa, nil
}

// midpointOfAdvance finds the low→high midpoint of the last 20 bars.
func midpointOfAdvance(bars []types.OHLCV) float64 {
	window := bars
	if len(window) > 20 {
		window = window[len(window)-20:]
	}
	low, high := window[0].Low, window[0].High
	for _, b := range window {
		if b.Low < low && b.Low > 0 {
			low = b.Low
		}
		if b.High > high {
			high = b.High
		}
	}
	if high <= low {
		return 0
	}
	return (high + low) / 2
}

func upDownDays(bars []types.OHLCV, n int) (up, down int) {
	window := bars
	if len(window) > n {
		window = window[len(window)-n:]
	}
	for _, b := range window {
		switch {
		case b.Close > b.Open:
			up++
		case b.Close < b.Open:
			down++
		}
	}
	return up, down
}

// hadVolumeSpike reports whether any of the last 10 bars pierced the
// volume band, i.e. the advance came on real participation.
func hadVolumeSpike(bars []types.OHLCV, bandUpper float64) bool {
	window := bars
	if len(window) > 10 {
		window = window[len(window)-10:]
	}
	for _, b := range window {
		if float64(b.Volume) > bandUpper {
			return true
		}
	}
	return false
}
