package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"c4e-agent/internal/app"
)

var (
	exportHour      int
	exportLookAhead int
	exportFrom      string
	exportTo        string
	exportPNGPath   string
	exportCSVPath   string
	exportMaxPoints int
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export tariff forecasts or decision history as CSV and/or PNG",
}

var exportForecastCmd = &cobra.Command{
	Use:   "forecast",
	Short: "Export the tariff table with spike analysis",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.ExportOptions{
			Hour:      exportHour,
			LookAhead: exportLookAhead,
			PNGPath:   exportPNGPath,
			CSVPath:   exportCSVPath,
		}

		return getApp().Export(cmd.Context(), opts)
	},
}

var exportHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "Export audited decisions from the database",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.HistoryExportOptions{
			PNGPath:   exportPNGPath,
			CSVPath:   exportCSVPath,
			MaxPoints: exportMaxPoints,
		}

		if exportFrom != "" {
			from, err := time.Parse(time.RFC3339, exportFrom)
			if err != nil {
				return fmt.Errorf("invalid --from value: %w", err)
			}
			opts.From = &from
		}

		if exportTo != "" {
			to, err := time.Parse(time.RFC3339, exportTo)
			if err != nil {
				return fmt.Errorf("invalid --to value: %w", err)
			}
			opts.To = &to
		}

		return getApp().ExportHistory(cmd.Context(), opts)
	},
}

func init() {
	exportCmd.PersistentFlags().StringVar(&exportPNGPath, "png", "", "Path to write PNG chart")
	exportCmd.PersistentFlags().StringVar(&exportCSVPath, "csv", "", "Path to write CSV data")

	exportForecastCmd.Flags().IntVar(&exportHour, "hour", 0, "Decision hour the forecast is anchored at")
	exportForecastCmd.Flags().IntVar(&exportLookAhead, "look-ahead", 0, "Forecast window in hours (defaults to config)")

	exportHistoryCmd.Flags().StringVar(&exportFrom, "from", "", "Start timestamp (RFC3339, inclusive)")
	exportHistoryCmd.Flags().StringVar(&exportTo, "to", "", "End timestamp (RFC3339, exclusive)")
	exportHistoryCmd.Flags().IntVar(&exportMaxPoints, "max-points", 0, "Maximum data points to export (defaults to config)")

	exportCmd.AddCommand(exportForecastCmd)
	exportCmd.AddCommand(exportHistoryCmd)
}
