// intraday.go finds mid-session movers through the broker's ranking
// endpoints. Thresholds are looser than the pre-open pass: by this point
// the realtime pre-filters in the buy analyzer do the heavy vetting.
package scanner

import (
	"context"
	"sort"
	"strings"
	"time"

	"kis-daytrader/internal/broker"
	"kis-daytrader/pkg/types"
)

// intradayHit accumulates rank-endpoint evidence for one symbol.
type intradayHit struct {
	row     broker.RankRow
	score   float64
	reasons []string
}

// IntradayScanAdditionalStocks returns up to maxStocks candidates sorted
// by score. The monitor decides inclusion; this only proposes.
func (s *Scanner) IntradayScanAdditionalStocks(ctx context.Context, maxStocks int) []types.Candidate {
	if maxStocks <= 0 {
		return nil
	}

	hits := make(map[string]*intradayHit)
	merge := func(rows []broker.RankRow, err error, score func(broker.RankRow) (float64, string)) {
		if err != nil {
			s.logger.Warn("rank endpoint failed", "error", err)
			return
		}
		for _, row := range rows {
			pts, reason := score(row)
			if pts <= 0 {
				continue
			}
			h, ok := hits[row.Code]
			if !ok {
				h = &intradayHit{row: row}
				hits[row.Code] = h
			}
			h.score += pts
			h.reasons = append(h.reasons, reason)
		}
	}

	disparity, derr := s.data.DisparityRank(ctx)
	merge(disparity, derr, func(r broker.RankRow) (float64, string) {
		// Oversold names still need today's tape turning up.
		if r.Disparity < 95 && r.ChangeRate > 0 {
			return 20, "disparity"
		}
		return 0, ""
	})

	fluctuation, ferr := s.data.FluctuationRank(ctx)
	merge(fluctuation, ferr, func(r broker.RankRow) (float64, string) {
		switch {
		case r.ChangeRate >= 2 && r.ChangeRate < s.cfg.Perf.MaxPriceChangeRateForBuy:
			return 25, "price_rising"
		case r.ChangeRate >= 1:
			return 12, "price_firming"
		}
		return 0, ""
	})

	volume, verr := s.data.VolumeRank(ctx)
	merge(volume, verr, func(r broker.RankRow) (float64, string) {
		switch {
		case r.TurnoverRate >= 3:
			return 25, "volume_surge"
		case r.TurnoverRate >= 1.5:
			return 15, "volume_active"
		}
		return 0, ""
	})

	if derr != nil && ferr != nil && verr != nil {
		return nil
	}

	weight := timeOfDayWeight(s.now())
	out := make([]types.Candidate, 0, len(hits))
	for code, h := range hits {
		if !s.eligible(code) {
			continue
		}
		score := h.score * weight

		// Buy-side contract intensity rides on top of the rank evidence.
		if h.row.ContractStrength >= 120 {
			score += 10
			h.reasons = append(h.reasons, "strong_buying")
		}
		if score < s.cfg.Perf.IntradayMinScore {
			continue
		}
		out = append(out, types.Candidate{
			Code:    code,
			Name:    h.row.Name,
			Score:   score,
			Reasons: strings.Join(dedup(h.reasons), "+"),
			Price:   h.row.Price,
			At:      s.now(),
		})
		if s.journal != nil {
			sig := IntradaySignals{
				Price:            h.row.Price,
				ChangeRate:       h.row.ChangeRate,
				ContractStrength: h.row.ContractStrength,
				TurnoverRate:     h.row.TurnoverRate,
			}
			if h.row.AvgVolume > 0 {
				sig.VolumeSpikeRatio = float64(h.row.Volume) / float64(h.row.AvgVolume)
			}
			if cs := h.row.ContractStrength; cs > 0 {
				// Strength is buy volume over sell volume ×100; fold it
				// into a buy share of total contracts.
				sig.BuyRatio = cs / (cs + 100) * 100
			}
			s.journal.RecordIntradayScan(out[len(out)-1], sig)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > maxStocks {
		out = out[:maxStocks]
	}
	s.logger.Info("intraday scan", "candidates", len(hits), "proposed", len(out))
	return out
}

// eligible filters out non-universe codes, symbols already managed, and
// recently sold names still in cooldown.
func (s *Scanner) eligible(code string) bool {
	if !s.symbols.Has(code) {
		return false
	}
	status, known := s.store.Status(code)
	if !known {
		return true
	}
	if status != types.Sold {
		return false
	}
	if !s.cfg.Perf.ReIncludeSoldStocks {
		return false
	}
	cooldown := time.Duration(s.cfg.Perf.ReincludeCooldownMinutes) * time.Minute
	soldAt := s.store.SoldAt(code)
	return !soldAt.IsZero() && s.now().Sub(soldAt) >= cooldown
}

// timeOfDayWeight discounts late-day entries: a surge at 14:30 has far
// less room than one at 10:00.
func timeOfDayWeight(now time.Time) float64 {
	hhmm := now.Hour()*100 + now.Minute()
	switch {
	case hhmm < 1000:
		return 1.1 // opening drive carries through more often
	case hhmm < 1130:
		return 1.0
	case hhmm < 1300:
		return 0.85 // lunch drift
	case hhmm < 1400:
		return 0.9
	default:
		return 0.7
	}
}

func dedup(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := in[:0]
	for _, v := range in {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}
