package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"c4e-agent/internal/app"
)

var (
	decideHour        int
	decideProduction  float64
	decideConsumption float64
	decideLevel       float64
	decideCapacity    float64
	decideP2P         float64
	decideLookAhead   int
	decideJSON        bool
)

var decideCmd = &cobra.Command{
	Use:   "decide",
	Short: "Compute a single allocation decision and print it",
	RunE: func(cmd *cobra.Command, args []string) error {
		if decideProduction < 0 || decideConsumption < 0 {
			return fmt.Errorf("--production and --consumption must not be negative")
		}
		if decideCapacity < 0 || decideLevel < 0 {
			return fmt.Errorf("--capacity and --level must not be negative")
		}

		opts := app.DecideOptions{
			Hour:        decideHour,
			Production:  decideProduction,
			Consumption: decideConsumption,
			Level:       decideLevel,
			Capacity:    decideCapacity,
			LookAhead:   decideLookAhead,
			JSON:        decideJSON,
		}
		if cmd.Flags().Changed("p2p") {
			p2p := decideP2P
			opts.P2PPrice = &p2p
		}

		return getApp().Decide(cmd.Context(), opts)
	},
}

func init() {
	decideCmd.Flags().IntVar(&decideHour, "hour", 0, "Hour of day (0-23)")
	decideCmd.Flags().Float64Var(&decideProduction, "production", 0, "Produced energy in kWh")
	decideCmd.Flags().Float64Var(&decideConsumption, "consumption", 0, "Consumed energy in kWh")
	decideCmd.Flags().Float64Var(&decideLevel, "level", 0, "Current storage level in kWh")
	decideCmd.Flags().Float64Var(&decideCapacity, "capacity", 0, "Storage capacity in kWh")
	decideCmd.Flags().Float64Var(&decideP2P, "p2p", 0, "P2P price per kWh (overrides the configured quote source)")
	decideCmd.Flags().IntVar(&decideLookAhead, "look-ahead", 0, "Forecast window in hours (defaults to config)")
	decideCmd.Flags().BoolVar(&decideJSON, "json", false, "Print the decision as JSON")
}
