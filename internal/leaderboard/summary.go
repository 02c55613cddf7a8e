package leaderboard

import (
	"context"
	"fmt"
	"time"

	"crx-points/internal/scoring"
	"crx-points/internal/storage"
)

// SummaryPolicy is echoed into the season summary.
type SummaryPolicy struct {
	Scoring      scoring.Policy
	ClaimOpensAt time.Time
}

// ComputeSummary rebuilds the season summary from the rank set.
func ComputeSummary(ctx context.Context, store storage.Leaderboard, seasonID string, policy SummaryPolicy, now time.Time) (storage.Summary, error) {
	entries, err := store.Ranked(ctx, seasonID, 0, 0)
	if err != nil {
		return storage.Summary{}, fmt.Errorf("summary entries: %w", err)
	}
	updatedAt, _, err := store.UpdatedAt(ctx, seasonID)
	if err != nil {
		return storage.Summary{}, fmt.Errorf("summary updatedAt: %w", err)
	}

	sum := storage.Summary{
		WalletCount:          int64(len(entries)),
		ScoringMode:          string(policy.Scoring.Mode),
		VolumeCapUSD:         policy.Scoring.VolumeCapUSD,
		DiminishingFactor:    policy.Scoring.DiminishingFactor,
		FeeRate:              policy.Scoring.FeeRate,
		ComputedAt:           now.UnixMilli(),
		LeaderboardUpdatedAt: updatedAt,
	}
	if !policy.ClaimOpensAt.IsZero() {
		sum.ClaimOpensAt = policy.ClaimOpensAt.UnixMilli()
	}
	for _, e := range entries {
		sum.TotalPoints += e.Points
	}
	return sum, nil
}

// RefreshSummary recomputes and stores the season summary.
func RefreshSummary(ctx context.Context, store storage.Leaderboard, seasonID string, policy SummaryPolicy, now time.Time) (storage.Summary, error) {
	sum, err := ComputeSummary(ctx, store, seasonID, policy, now)
	if err != nil {
		return storage.Summary{}, err
	}
	if err := store.SaveSummary(ctx, seasonID, sum); err != nil {
		return storage.Summary{}, fmt.Errorf("save summary: %w", err)
	}
	return sum, nil
}
