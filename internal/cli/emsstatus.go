package cli

import (
	"github.com/spf13/cobra"

	"tariffwatch/internal/app"
)

var emsStatusEntry string

var emsStatusCmd = &cobra.Command{
	Use:   "ems-status",
	Short: "Check the EMS link state for oauth entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.EMSStatusOptions{
			EntryID: emsStatusEntry,
		}
		return getApp().EMSStatus(cmd.Context(), opts)
	},
}

func init() {
	emsStatusCmd.Flags().StringVar(&emsStatusEntry, "entry", "", "Check only this entry (defaults to all oauth entries)")
}
