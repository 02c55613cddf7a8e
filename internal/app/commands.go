package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"crx-points/internal/ingest"
	"crx-points/internal/rewards"
	"crx-points/internal/storage"
)

// Ingest runs a single pass and prints its summary.
func (a *App) Ingest(ctx context.Context, full bool, out io.Writer) error {
	comp, err := a.build(ctx)
	if err != nil {
		return err
	}
	defer comp.Close()

	passCtx, cancel := context.WithTimeout(ctx, a.Config.Ingest.PassTimeout)
	defer cancel()
	summary, err := comp.runner.RunPass(passCtx, comp.season, ingest.PassOptions{Full: full})
	printPass(out, summary)
	return err
}

func printPass(out io.Writer, s ingest.PassSummary) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "Season\t%s\n", s.Season)
	fmt.Fprintf(w, "Full\t%t\n", s.Full)
	fmt.Fprintf(w, "Duration\t%s\n", s.FinishedAt.Sub(s.StartedAt).Round(time.Millisecond))
	fmt.Fprintf(w, "Rows\t%d\n", s.RowsIngested)
	fmt.Fprintf(w, "Wallets\t%d\n", s.WalletsUpdated)
	fmt.Fprintf(w, "LP failures\t%d\n", s.LpFailures)
	sources := make([]string, 0, len(s.Cursors))
	for id := range s.Cursors {
		sources = append(sources, id)
	}
	sort.Strings(sources)
	for _, id := range sources {
		fmt.Fprintf(w, "Cursor %s\t%d\n", id, s.Cursors[id])
	}
	fmt.Fprintf(w, "Degraded\t%t\n", s.Degraded)
	for _, e := range s.Errors {
		fmt.Fprintf(w, "Error\t%s\n", sanitizeInline(e))
	}
	w.Flush()
}

// Leaderboard prints the top entries with reward previews.
func (a *App) Leaderboard(ctx context.Context, limit int, out io.Writer) error {
	comp, err := a.build(ctx)
	if err != nil {
		return err
	}
	defer comp.Close()

	board, err := comp.reader.Leaderboard(ctx, comp.season, limit)
	if err != nil {
		return err
	}
	if len(board.Rows) == 0 {
		fmt.Fprintln(out, "leaderboard is empty")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "Rank\tWallet\tPoints\tTier\tEligible\tReward CRX")
	for _, row := range board.Rows {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%t\t%s\n",
			row.Rank, row.Wallet, formatPoints(row.Points), row.Tier, row.Eligible, row.Reward.StringFixed(rewards.Precision))
	}
	w.Flush()

	fmt.Fprintf(out, "\nwallets=%d total_points=%s updated_at=%s\n",
		board.Summary.WalletCount, formatPoints(board.Summary.TotalPoints), formatMillis(board.UpdatedAt))
	fmt.Fprintf(out, "pool=%s top100=%s others=%s unassigned=%s undistributed=%s finalized=%t\n",
		board.Pools.SeasonReward, board.Pools.Top100Pool, board.Pools.OthersPool,
		board.Pools.Unassigned, board.Pools.Undistributed, board.Pools.Finalized)
	if board.SelfHeal.Triggered {
		fmt.Fprintln(out, "leaderboard was stale; re-ingestion triggered")
	}
	return nil
}

// User prints one wallet's view.
func (a *App) User(ctx context.Context, wallet string, out io.Writer) error {
	comp, err := a.build(ctx)
	if err != nil {
		return err
	}
	defer comp.Close()

	u, err := comp.reader.User(ctx, comp.season, wallet)
	if err != nil {
		return err
	}
	if !u.Found {
		fmt.Fprintf(out, "%s has no points in season %s\n", u.Wallet, comp.season.ID)
		return nil
	}

	rec := u.Record
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "Wallet\t%s\n", u.Wallet)
	fmt.Fprintf(w, "Rank\t%d\n", u.Rank)
	fmt.Fprintf(w, "Points\t%s (base %s, bonus %s)\n", formatPoints(rec.Points), formatPoints(rec.BasePoints), formatPoints(rec.BonusPoints))
	fmt.Fprintf(w, "Volume USD\t%s (effective %s, %s)\n", formatPoints(rec.VolumeUSD), formatPoints(rec.EffectiveVolumeUSD), rec.ScoringMode)
	fmt.Fprintf(w, "LP USD\t%s (stable %s, native %s, source %s)\n",
		formatPoints(rec.LpUSD), formatPoints(rec.LpUSDStablePair), formatPoints(rec.LpUSDNativePair), rec.LpSource)
	fmt.Fprintf(w, "Multiplier\t%s\n", formatPoints(rec.Multiplier))
	if rec.Snapshot24hAt > 0 {
		fmt.Fprintf(w, "24h ago\trank %d, %s points\n", rec.Snapshot24hRank, formatPoints(rec.Snapshot24hPoints))
	}
	fmt.Fprintf(w, "Reward CRX\t%s (%s)\n", u.Reward.StringFixed(rewards.Precision), eligibilityLabel(u.Eligible, u.Reason))
	fmt.Fprintf(w, "Claim\t%s, claimable now %s\n", u.Claim.State, u.Claim.ClaimableNow.StringFixed(rewards.Precision))
	w.Flush()
	return nil
}

// Claim claims a wallet's currently claimable reward.
func (a *App) Claim(ctx context.Context, wallet string, out io.Writer) error {
	comp, err := a.build(ctx)
	if err != nil {
		return err
	}
	defer comp.Close()

	receipt, err := comp.reader.Claim(ctx, comp.season, wallet)
	if err != nil {
		return err
	}
	if receipt.Amount.IsZero() {
		fmt.Fprintf(out, "nothing to claim (%s)\n", receipt.Status.State)
		return nil
	}
	fmt.Fprintf(out, "claimed %s CRX; state %s\n", receipt.Amount.StringFixed(rewards.Precision), receipt.Status.State)
	return nil
}

// Rewards prints the reward table and, with archive set, writes the final
// table to Postgres.
func (a *App) Rewards(ctx context.Context, archive bool, out io.Writer) error {
	comp, err := a.build(ctx)
	if err != nil {
		return err
	}
	defer comp.Close()

	table, err := comp.reader.Rewards(ctx, comp.season)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "Pos\tWallet\tPoints\tTier\tStatus\tReward CRX")
	for _, row := range table.Rows {
		if row.Amount.IsZero() && row.Position > rewards.TopRanks {
			continue
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n",
			row.Position, row.Wallet, formatPoints(row.Points), row.Tier, eligibilityLabel(row.Eligible, row.Reason), row.Amount.StringFixed(rewards.Precision))
	}
	w.Flush()
	fmt.Fprintf(out, "\ndistributed=%s undistributed=%s of %s\n", table.Distributed, table.Undistributed, table.SeasonReward)

	if !archive {
		return nil
	}
	if comp.archive == nil {
		return errors.New("database not configured; cannot archive rewards")
	}
	now := time.Now().UTC()
	if !comp.season.Ended(now) {
		return fmt.Errorf("season %s has not ended; rewards not archived", comp.season.ID)
	}
	rc, err := a.Config.RewardsPolicy()
	if err != nil {
		return err
	}
	if rc.RequireFinalization && !table.Finalized {
		return fmt.Errorf("season %s is inside its finalization window; rewards not archived", comp.season.ID)
	}

	rows, err := a.seasonRewards(ctx, comp.board, comp.season.ID, table, now)
	if err != nil {
		return err
	}
	if err := comp.archive.UpsertSeasonRewards(ctx, rows); err != nil {
		return err
	}
	fmt.Fprintf(out, "archived %d reward rows\n", len(rows))
	return nil
}

func (a *App) seasonRewards(ctx context.Context, board storage.Leaderboard, seasonID string, table rewards.Table, now time.Time) ([]storage.SeasonReward, error) {
	wallets := make([]string, len(table.Rows))
	for i, row := range table.Rows {
		wallets[i] = row.Wallet
	}
	attrs, err := board.Wallets(ctx, seasonID, wallets)
	if err != nil {
		return nil, err
	}

	out := make([]storage.SeasonReward, 0, len(table.Rows))
	for _, row := range table.Rows {
		volume, _ := strconv.ParseFloat(attrs[row.Wallet][storage.FieldVolumeUSD], 64)
		out = append(out, storage.SeasonReward{
			SeasonID:    seasonID,
			Wallet:      row.Wallet,
			Rank:        row.Position,
			Points:      decimal.NewFromFloat(row.Points),
			VolumeUSD:   decimal.NewFromFloat(volume),
			RewardCrx:   row.Amount,
			Tier:        row.Tier,
			Eligible:    row.Eligible,
			FinalizedAt: now,
		})
	}
	return out, nil
}

func eligibilityLabel(eligible bool, reason string) string {
	if eligible {
		return "eligible"
	}
	if reason == "" {
		return "-"
	}
	return reason
}

func formatPoints(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}

func formatMillis(ms int64) string {
	if ms <= 0 {
		return "never"
	}
	return time.UnixMilli(ms).UTC().Format(time.RFC3339)
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
