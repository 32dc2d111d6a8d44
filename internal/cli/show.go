package cli

import (
	"github.com/spf13/cobra"

	"trade-guard/internal/app"
)

var (
	showLimit  int
	showEvents bool
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Show recent journaled trades or breaker events",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Show(cmd.Context(), app.ShowOptions{
			Limit:  showLimit,
			Events: showEvents,
		})
	},
}

func init() {
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of records to display")
	showCmd.Flags().BoolVar(&showEvents, "events", false, "Show breaker events instead of trades")
}
