package cli

import (
	"github.com/spf13/cobra"
)

var modeCmd = &cobra.Command{
	Use:   "mode [dry|live]",
	Short: "Show or set the shared execution mode flag",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 {
			return getApp().ShowMode(cmd.Context())
		}
		return getApp().SetMode(cmd.Context(), args[0])
	},
}
