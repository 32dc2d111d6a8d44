package cli

import (
	"github.com/spf13/cobra"

	"trade-guard/internal/app"
)

var (
	tradeToken  string
	tradeSide   string
	tradeAmount float64
	tradePrice  float64
	tradeDryRun bool
)

var tradeCmd = &cobra.Command{
	Use:   "trade",
	Short: "Submit a single trade through the guard pipeline",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Trade(cmd.Context(), app.TradeOptions{
			TokenID: tradeToken,
			Side:    tradeSide,
			Amount:  tradeAmount,
			Price:   tradePrice,
			DryRun:  tradeDryRun,
		})
	},
}

func init() {
	tradeCmd.Flags().StringVar(&tradeToken, "token", "", "Token identifier to trade")
	tradeCmd.Flags().StringVar(&tradeSide, "side", "buy", "Trade side: buy or sell")
	tradeCmd.Flags().Float64Var(&tradeAmount, "amount", 0, "Trade amount")
	tradeCmd.Flags().Float64Var(&tradePrice, "price", 0, "Limit price")
	tradeCmd.Flags().BoolVar(&tradeDryRun, "dry-run", false, "Fill locally instead of sending to venue")
}
