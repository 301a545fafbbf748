package cli

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/ChicoPanama/Vanta-Bot-sub000/internal/orchestrator"
)

var (
	executeUser   string
	executeAction string
	executeSymbol string
	executeSide   string
	executeQty    string
	executePrice  string
)

var executeCmd = &cobra.Command{
	Use:   "execute",
	Short: "Submit a single order intent",
	RunE: func(cmd *cobra.Command, args []string) error {
		qty, err := decimal.NewFromString(executeQty)
		if err != nil {
			return fmt.Errorf("invalid --qty value: %w", err)
		}
		price, err := decimal.NewFromString(executePrice)
		if err != nil {
			return fmt.Errorf("invalid --price value: %w", err)
		}

		req := orchestrator.Request{
			UserID:         executeUser,
			Action:         executeAction,
			Symbol:         executeSymbol,
			Side:           executeSide,
			Quantity:       qty,
			ReferencePrice: price,
		}

		return getApp().Execute(cmd.Context(), req)
	},
}

func init() {
	executeCmd.Flags().StringVar(&executeUser, "user", "", "User identifier owning the intent")
	executeCmd.Flags().StringVar(&executeAction, "action", "open", "Order action: open or close")
	executeCmd.Flags().StringVar(&executeSymbol, "symbol", "", "Trading pair, e.g. ETH/USD")
	executeCmd.Flags().StringVar(&executeSide, "side", "long", "Position side: long or short")
	executeCmd.Flags().StringVar(&executeQty, "qty", "", "Order quantity (collateral units)")
	executeCmd.Flags().StringVar(&executePrice, "price", "", "Reference price for the order")

	_ = executeCmd.MarkFlagRequired("user")
	_ = executeCmd.MarkFlagRequired("symbol")
	_ = executeCmd.MarkFlagRequired("qty")
	_ = executeCmd.MarkFlagRequired("price")
}
