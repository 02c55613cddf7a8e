package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strconv"

	"github.com/shopspring/decimal"
	chart "github.com/wcharczuk/go-chart/v2"

	"crx-points/internal/rewards"
	"crx-points/internal/storage"
)

// exportRow is one leaderboard line as written by export.
type exportRow struct {
	Rank       int
	Wallet     string
	Points     float64
	VolumeUSD  float64
	LpUSD      float64
	Multiplier float64
	Tier       string
	Eligible   bool
	Reward     decimal.Decimal
}

// Export renders the leaderboard as CSV and/or a PNG bar chart.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}
	opts.MaxRows = a.Config.ResolveMaxRows(opts.MaxRows)
	if opts.TopN <= 0 {
		opts.TopN = 25
	}

	comp, err := a.build(ctx)
	if err != nil {
		return err
	}
	defer comp.Close()

	board, err := comp.reader.Leaderboard(ctx, comp.season, opts.MaxRows)
	if err != nil {
		return err
	}
	if len(board.Rows) == 0 {
		a.Logger.Info().Msg("leaderboard is empty; nothing to export")
		return nil
	}

	wallets := make([]string, len(board.Rows))
	for i, row := range board.Rows {
		wallets[i] = row.Wallet
	}
	attrs, err := comp.board.Wallets(ctx, comp.season.ID, wallets)
	if err != nil {
		return err
	}

	rows := make([]exportRow, 0, len(board.Rows))
	for _, row := range board.Rows {
		rec := storage.RecordFromHash(row.Wallet, attrs[row.Wallet])
		rows = append(rows, exportRow{
			Rank:       row.Rank,
			Wallet:     row.Wallet,
			Points:     row.Points,
			VolumeUSD:  rec.VolumeUSD,
			LpUSD:      rec.LpUSD,
			Multiplier: rec.Multiplier,
			Tier:       row.Tier,
			Eligible:   row.Eligible,
			Reward:     row.Reward,
		})
	}
	a.Logger.Info().Int("rows", len(rows)).Str("season", comp.season.ID).Msg("exporting leaderboard")

	if opts.CSVPath != "" {
		if err := writeLeaderboardCSV(opts.CSVPath, rows); err != nil {
			return err
		}
	}
	if opts.PNGPath != "" {
		if err := writeLeaderboardPNG(opts.PNGPath, comp.season.ID, rows, opts.TopN); err != nil {
			return err
		}
	}
	return nil
}

func writeLeaderboardCSV(path string, rows []exportRow) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	header := []string{"rank", "wallet", "points", "volume_usd", "lp_usd", "multiplier", "tier", "eligible", "reward_crx"}
	if err := writer.Write(header); err != nil {
		return err
	}
	for _, row := range rows {
		record := []string{
			strconv.Itoa(row.Rank),
			row.Wallet,
			strconv.FormatFloat(row.Points, 'f', -1, 64),
			strconv.FormatFloat(row.VolumeUSD, 'f', -1, 64),
			strconv.FormatFloat(row.LpUSD, 'f', -1, 64),
			strconv.FormatFloat(row.Multiplier, 'f', -1, 64),
			row.Tier,
			strconv.FormatBool(row.Eligible),
			row.Reward.StringFixed(rewards.Precision),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

func writeLeaderboardPNG(path, seasonID string, rows []exportRow, topN int) error {
	if topN > 0 && len(rows) > topN {
		rows = rows[:topN]
	}
	bars := make([]chart.Value, 0, len(rows))
	maxPoints := 0.0
	for _, row := range rows {
		if row.Points <= 0 {
			continue
		}
		bars = append(bars, chart.Value{Value: row.Points, Label: shortWallet(row.Wallet)})
		maxPoints = math.Max(maxPoints, row.Points)
	}
	if len(bars) == 0 {
		return errors.New("no positive points to chart")
	}
	if err := ensureDir(path); err != nil {
		return err
	}

	graph := chart.BarChart{
		Title:    "Season " + seasonID + " points",
		Width:    1280,
		Height:   720,
		BarWidth: 30,
		Background: chart.Style{
			Padding: chart.Box{Top: 40},
		},
		YAxis: chart.YAxis{
			Range:          &chart.ContinuousRange{Min: 0, Max: maxPoints * 1.1},
			ValueFormatter: func(v interface{}) string {
				return chart.FloatValueFormatterWithFormat(v, "%.0f")
			},
		},
		Bars: bars,
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func shortWallet(w string) string {
	if len(w) <= 12 {
		return w
	}
	return w[:6] + ".." + w[len(w)-4:]
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
