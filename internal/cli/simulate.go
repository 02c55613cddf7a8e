package cli

import (
	"errors"
	"strings"

	"github.com/spf13/cobra"
)

var simulateMessage string

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "Send a synthetic degraded-pass alert",
	RunE: func(cmd *cobra.Command, args []string) error {
		if strings.TrimSpace(simulateMessage) == "" {
			return errors.New("--message must not be empty")
		}
		return getApp().SimulateAlert(cmd.Context(), simulateMessage)
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateMessage, "message", "simulated ingestion failure", "Error text carried by the alert")
}
