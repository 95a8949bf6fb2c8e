package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"tariffwatch/internal/app"
)

var (
	exportEntry     string
	exportDay       string
	exportPNGPath   string
	exportCSVPath   string
	exportMaxPoints int
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export a day's price curve as CSV and/or PNG chart",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.ExportOptions{
			EntryID:   exportEntry,
			PNGPath:   exportPNGPath,
			CSVPath:   exportCSVPath,
			MaxPoints: exportMaxPoints,
		}

		if exportDay != "" {
			day, err := time.Parse("2006-01-02", exportDay)
			if err != nil {
				return fmt.Errorf("invalid --day value: %w", err)
			}
			opts.Day = day
		}

		return getApp().Export(cmd.Context(), opts)
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportEntry, "entry", "", "Entry whose slots to export")
	exportCmd.Flags().StringVar(&exportDay, "day", "", "Day to export (YYYY-MM-DD, defaults to today)")
	exportCmd.Flags().StringVar(&exportPNGPath, "png", "", "Path to write PNG chart")
	exportCmd.Flags().StringVar(&exportCSVPath, "csv", "", "Path to write CSV data")
	exportCmd.Flags().IntVar(&exportMaxPoints, "max-points", 0, "Maximum data points to export (defaults to config)")
}
