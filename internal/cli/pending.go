package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ChicoPanama/Vanta-Bot-sub000/internal/app"
)

var (
	pendingOlderThan time.Duration
)

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List non-terminal intents older than a threshold",
	RunE: func(cmd *cobra.Command, args []string) error {
		if pendingOlderThan < 0 {
			return fmt.Errorf("--older-than cannot be negative")
		}

		opts := app.PendingOptions{
			OlderThan: pendingOlderThan,
		}

		return getApp().Pending(cmd.Context(), opts)
	},
}

func init() {
	pendingCmd.Flags().DurationVar(&pendingOlderThan, "older-than", 10*time.Minute, "Minimum intent age to report")
}
