package app

import (
	"context"
	"errors"
	"time"

	"crx-points/internal/alerting"
	"crx-points/internal/ingest"
)

// SimulateAlert 模拟一次降级的摄取并走完整告警流程。
func (a *App) SimulateAlert(ctx context.Context, message string) error {
	if !a.Config.Alerting.Enabled {
		return errors.New("alerting is not enabled")
	}
	notifier := a.newNotifier()
	if notifier == nil {
		return errors.New("no alert channel configured")
	}

	now := time.Now().UTC()
	summary := ingest.PassSummary{
		Season:     a.Config.Season.ID,
		StartedAt:  now.Add(-time.Second),
		FinishedAt: now,
		Degraded:   true,
		Errors:     []string{message},
	}
	note, _ := alerting.FromPass(summary, nil, "simulate")
	return notifier.Notify(ctx, note)
}
