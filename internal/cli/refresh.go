package cli

import (
	"github.com/spf13/cobra"

	"tariffwatch/internal/app"
)

var refreshEntry string

var refreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Trigger one refresh cycle outside the daily schedule",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.RefreshOptions{
			EntryID: refreshEntry,
		}
		return getApp().RefreshOnce(cmd.Context(), opts)
	},
}

func init() {
	refreshCmd.Flags().StringVar(&refreshEntry, "entry", "", "Refresh only this entry (defaults to all)")
}
