package cli

import (
	"github.com/spf13/cobra"

	"crx-points/internal/app"
)

var (
	exportPNGPath string
	exportCSVPath string
	exportMaxRows int
	exportTopN    int
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the leaderboard as CSV and/or PNG chart",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.ExportOptions{
			PNGPath: exportPNGPath,
			CSVPath: exportCSVPath,
			MaxRows: exportMaxRows,
			TopN:    exportTopN,
		}
		return getApp().Export(cmd.Context(), opts)
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportPNGPath, "png", "", "Path to write PNG chart")
	exportCmd.Flags().StringVar(&exportCSVPath, "csv", "", "Path to write CSV data")
	exportCmd.Flags().IntVar(&exportMaxRows, "max-rows", 0, "Maximum leaderboard rows to export (defaults to config)")
	exportCmd.Flags().IntVar(&exportTopN, "top", 25, "Number of wallets in the chart")
}
