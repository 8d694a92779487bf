package engine

import (
	"context"
	"fmt"

	"kis-daytrader/internal/config"
)

// scheduleJobs registers the daily cron entries. All specs run in KST on
// weekdays only; KRX is closed on weekends.
func (e *Engine) scheduleJobs(ctx context.Context) {
	e.addJob("pre-market scan", e.cfg.Schedule.PreMarketScanTime, func() {
		e.runPreMarketScan(ctx)
	})

	if e.cfg.Strategy.IsDayTrading() && e.cfg.Strategy.NextDayForceSell {
		e.addJob("exit-time flatten", e.cfg.ExitTime(), func() {
			e.logger.Info("exit time reached, flattening positions")
			e.flattenAll(ctx)
		})
	}

	e.addJob("daily summary", "16:05", func() {
		e.maybeDailySummary()
	})
}

func (e *Engine) addJob(name, hhmm string, fn func()) {
	spec, err := cronSpec(hhmm)
	if err != nil {
		e.logger.Error("skipping scheduled job", "job", name, "time", hhmm, "error", err)
		return
	}
	if _, err := e.cron.AddFunc(spec, fn); err != nil {
		e.logger.Error("cron registration failed", "job", name, "spec", spec, "error", err)
		return
	}
	e.logger.Info("scheduled job", "job", name, "time", hhmm)
}

// cronSpec converts "HH:MM" into a weekday cron expression.
func cronSpec(hhmm string) (string, error) {
	mins, err := config.ParseHHMM(hhmm)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d %d * * MON-FRI", mins%60, mins/60), nil
}
