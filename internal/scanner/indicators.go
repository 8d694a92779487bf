// indicators.go computes the daily-bar technical inputs of the pre-market
// scoring pipeline. Indicator math comes from go-talib; volume statistics
// from gonum.
package scanner

import (
	"fmt"

	"github.com/markcheno/go-talib"
	"gonum.org/v1/gonum/stat"

	"kis-daytrader/pkg/types"
)

// minBars is the floor for meaningful RSI/MACD/Bollinger values. MACD's
// slow EMA needs 26 bars plus the 9-bar signal line.
const minBars = 35

// Fundamentals holds per-symbol daily-bar analysis for one scan pass.
type Fundamentals struct {
	LastClose       float64
	PriceChangeRate float64 // last close vs previous close, percent

	RSI14      float64
	MACD       float64
	MACDSignal float64
	MACDHist   float64

	SMA5  float64
	SMA10 float64
	SMA20 float64

	BBUpper  float64
	BBMiddle float64
	BBLower  float64

	VolumeRatio       float64 // recent 5-day avg vs previous 5-day avg
	AvgVolume10       int64
	AvgTradingValue10 float64

	VolumeMean float64 // 20-day, for spike baselines
	VolumeStd  float64
}

// computeFundamentals needs at least minBars daily bars, oldest first.
func computeFundamentals(bars []types.OHLCV) (*Fundamentals, error) {
	if len(bars) < minBars {
		return nil, fmt.Errorf("fundamentals: %d bars, want ≥ %d", len(bars), minBars)
	}

	closes := make([]float64, len(bars))
	volumes := make([]float64, len(bars))
	for i, b := range bars {
		closes[i] = b.Close
		volumes[i] = float64(b.Volume)
	}
	last := len(bars) - 1

	f := &Fundamentals{LastClose: closes[last]}
	if closes[last-1] > 0 {
		f.PriceChangeRate = (closes[last] - closes[last-1]) / closes[last-1] * 100
	}

	rsi := talib.Rsi(closes, 14)
	f.RSI14 = rsi[last]

	macd, signal, hist := talib.Macd(closes, 12, 26, 9)
	f.MACD = macd[last]
	f.MACDSignal = signal[last]
	f.MACDHist = hist[last]

	f.SMA5 = talib.Sma(closes, 5)[last]
	f.SMA10 = talib.Sma(closes, 10)[last]
	f.SMA20 = talib.Sma(closes, 20)[last]

	upper, middle, lower := talib.BBands(closes, 20, 2, 2, talib.SMA)
	f.BBUpper = upper[last]
	f.BBMiddle = middle[last]
	f.BBLower = lower[last]

	// Volume behavior over the last two weeks of sessions.
	recent5 := stat.Mean(volumes[len(volumes)-5:], nil)
	prev5 := stat.Mean(volumes[len(volumes)-10:len(volumes)-5], nil)
	if prev5 > 0 {
		f.VolumeRatio = recent5 / prev5
	}
	f.AvgVolume10 = int64(stat.Mean(volumes[len(volumes)-10:], nil))

	var value10 float64
	for _, b := range bars[len(bars)-10:] {
		value10 += b.TradingValue
	}
	f.AvgTradingValue10 = value10 / 10

	mean, std := stat.MeanStdDev(volumes[len(volumes)-20:], nil)
	f.VolumeMean = mean
	f.VolumeStd = std
	return f, nil
}

// Divergence tags from the SMA(5,10,20) stack and the close's position.
const (
	SignalBuy        = "BUY"
	SignalMomentum   = "MOMENTUM"
	SignalOverheated = "OVERHEATED"
	SignalHold       = "HOLD"
)

// divergenceSignal classifies the moving-average stack. Score feeds the
// composite directly (0–25).
func divergenceSignal(f *Fundamentals) (string, float64) {
	if f.SMA5 <= 0 || f.SMA10 <= 0 || f.SMA20 <= 0 {
		return SignalHold, 0
	}

	aligned := f.SMA5 > f.SMA10 && f.SMA10 > f.SMA20
	aboveSMA20 := (f.LastClose - f.SMA20) / f.SMA20 * 100

	switch {
	case aboveSMA20 > 8:
		// Too far above the 20-day mean; chasing risk dominates.
		return SignalOverheated, 3
	case aligned && f.LastClose > f.SMA5 && f.MACDHist > 0:
		return SignalMomentum, 25
	case aligned && f.LastClose > f.SMA5:
		return SignalMomentum, 20
	case f.LastClose > f.SMA20 && f.RSI14 >= 45 && f.RSI14 <= 65:
		return SignalBuy, 15
	case f.LastClose > f.SMA20:
		return SignalBuy, 10
	default:
		return SignalHold, 0
	}
}
