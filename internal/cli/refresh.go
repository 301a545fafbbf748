package cli

import (
	"github.com/spf13/cobra"
)

var refreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Re-read the coordination flags and print the effective mode",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().RefreshMode(cmd.Context())
	},
}
