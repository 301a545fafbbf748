package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var estopCmd = &cobra.Command{
	Use:   "estop on|off",
	Short: "Engage or release the emergency stop",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		switch args[0] {
		case "on":
			return getApp().SetEmergencyStop(cmd.Context(), true)
		case "off":
			return getApp().SetEmergencyStop(cmd.Context(), false)
		default:
			return fmt.Errorf("argument must be on or off, got %q", args[0])
		}
	},
}
