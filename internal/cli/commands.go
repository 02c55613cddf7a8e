package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"crx-points/internal/app"
)

var (
	ingestFull       bool
	leaderboardLimit int
	rewardsArchive   bool
	runsLimit        int
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the scheduler and the trigger server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Run(cmd.Context())
	},
}

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Run one ingestion pass",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Ingest(cmd.Context(), ingestFull, cmd.OutOrStdout())
	},
}

var leaderboardCmd = &cobra.Command{
	Use:   "leaderboard",
	Short: "Show the ranked leaderboard with reward previews",
	RunE: func(cmd *cobra.Command, args []string) error {
		if leaderboardLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}
		return getApp().Leaderboard(cmd.Context(), leaderboardLimit, cmd.OutOrStdout())
	},
}

var userCmd = &cobra.Command{
	Use:   "user <wallet>",
	Short: "Show one wallet's points, rank and reward",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().User(cmd.Context(), args[0], cmd.OutOrStdout())
	},
}

var claimCmd = &cobra.Command{
	Use:   "claim <wallet>",
	Short: "Claim a wallet's claimable reward",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Claim(cmd.Context(), args[0], cmd.OutOrStdout())
	},
}

var rewardsCmd = &cobra.Command{
	Use:   "rewards",
	Short: "Show the season reward table",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Rewards(cmd.Context(), rewardsArchive, cmd.OutOrStdout())
	},
}

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List recent ingestion passes",
	RunE: func(cmd *cobra.Command, args []string) error {
		if runsLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}
		return getApp().Runs(cmd.Context(), app.RunsOptions{Limit: runsLimit}, cmd.OutOrStdout())
	},
}

func init() {
	ingestCmd.Flags().BoolVar(&ingestFull, "full", false, "Recompute the season from scratch")
	leaderboardCmd.Flags().IntVar(&leaderboardLimit, "limit", 100, "Number of rows to display")
	rewardsCmd.Flags().BoolVar(&rewardsArchive, "archive", false, "Write the final table to Postgres")
	runsCmd.Flags().IntVar(&runsLimit, "limit", 20, "Number of runs to display")
}
