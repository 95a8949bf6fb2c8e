package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"tariffwatch/internal/app"
)

var (
	showEntry string
	showLimit int
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display recent refresh cycles",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.ShowOptions{
			EntryID: showEntry,
			Limit:   showLimit,
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

func init() {
	showCmd.Flags().StringVar(&showEntry, "entry", "", "Show only this entry (defaults to all)")
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of refresh records per entry")
}
