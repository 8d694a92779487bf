// patterns.go detects reversal candle shapes over the last five daily bars.
// Each hit contributes its reliability weight; the composite pattern score
// is capped at 18 so patterns season the ranking without dominating it.
package scanner

import (
	"math"

	"kis-daytrader/pkg/types"
)

const maxPatternScore = 18

// patternWeights reflect how often each shape actually precedes a bounce.
var patternWeights = map[string]float64{
	"hammer":            7,
	"bullish_engulfing": 8,
	"doji":              3,
	"dragonfly_doji":    5,
	"inverted_hammer":   5,
}

// detectPatterns scans the last 5 bars and returns the capped composite
// score with the matched pattern names.
func detectPatterns(bars []types.OHLCV) (float64, []string) {
	if len(bars) < 2 {
		return 0, nil
	}
	window := bars
	if len(window) > 5 {
		window = window[len(window)-5:]
	}

	var score float64
	var names []string
	seen := make(map[string]bool)
	add := func(name string) {
		if seen[name] {
			return
		}
		seen[name] = true
		names = append(names, name)
		score += patternWeights[name]
	}

	for i := range window {
		b := window[i]
		if isHammer(b) {
			add("hammer")
		}
		if isDragonflyDoji(b) {
			add("dragonfly_doji")
		}
		if isDoji(b) {
			add("doji")
		}
		if isInvertedHammer(b) {
			add("inverted_hammer")
		}
		if i > 0 && isBullishEngulfing(window[i-1], b) {
			add("bullish_engulfing")
		}
	}

	if score > maxPatternScore {
		score = maxPatternScore
	}
	return score, names
}

func bodySize(b types.OHLCV) float64 { return math.Abs(b.Close - b.Open) }

func totalRange(b types.OHLCV) float64 { return b.High - b.Low }

func lowerShadow(b types.OHLCV) float64 { return math.Min(b.Open, b.Close) - b.Low }

func upperShadow(b types.OHLCV) float64 { return b.High - math.Max(b.Open, b.Close) }

// isHammer: small body near the top, lower shadow at least twice the body.
func isHammer(b types.OHLCV) bool {
	r := totalRange(b)
	if r <= 0 {
		return false
	}
	body := bodySize(b)
	return body > 0 &&
		body/r < 0.35 &&
		lowerShadow(b) >= 2*body &&
		upperShadow(b) <= body
}

// isInvertedHammer mirrors the hammer: long upper shadow, small low body.
func isInvertedHammer(b types.OHLCV) bool {
	r := totalRange(b)
	if r <= 0 {
		return false
	}
	body := bodySize(b)
	return body > 0 &&
		body/r < 0.35 &&
		upperShadow(b) >= 2*body &&
		lowerShadow(b) <= body
}

// isDoji: open and close within 10% of the bar's range.
func isDoji(b types.OHLCV) bool {
	r := totalRange(b)
	return r > 0 && bodySize(b)/r < 0.1
}

// isDragonflyDoji: doji whose range sits almost entirely below the body.
func isDragonflyDoji(b types.OHLCV) bool {
	r := totalRange(b)
	if r <= 0 || !isDoji(b) {
		return false
	}
	return lowerShadow(b)/r > 0.6 && upperShadow(b)/r < 0.1
}

// isBullishEngulfing: down bar followed by an up bar whose body covers it.
func isBullishEngulfing(prev, cur types.OHLCV) bool {
	return prev.Close < prev.Open &&
		cur.Close > cur.Open &&
		cur.Open <= prev.Close &&
		cur.Close >= prev.Open &&
		bodySize(cur) > bodySize(prev)
}
