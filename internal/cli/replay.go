package cli

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"c4e-agent/internal/app"
)

var (
	replayStartHour   int
	replayHours       int
	replayProduction  string
	replayConsumption string
	replayLevel       float64
	replayCapacity    float64
	replayP2P         float64
)

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Simulate a day of hourly decisions against the tariff table",
	RunE: func(cmd *cobra.Command, args []string) error {
		production, err := parseProfile(replayProduction)
		if err != nil {
			return fmt.Errorf("invalid --production value: %w", err)
		}
		consumption, err := parseProfile(replayConsumption)
		if err != nil {
			return fmt.Errorf("invalid --consumption value: %w", err)
		}

		opts := app.ReplayOptions{
			StartHour:   replayStartHour,
			Hours:       replayHours,
			Production:  production,
			Consumption: consumption,
			Level:       replayLevel,
			Capacity:    replayCapacity,
			P2PPrice:    replayP2P,
		}

		return getApp().Replay(cmd.Context(), opts)
	},
}

// parseProfile reads a comma-separated list of non-negative kWh values.
func parseProfile(raw string) ([]float64, error) {
	parts := strings.Split(raw, ",")
	values := make([]float64, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		value, err := strconv.ParseFloat(part, 64)
		if err != nil {
			return nil, err
		}
		if value < 0 {
			return nil, fmt.Errorf("value %s is negative", part)
		}
		values = append(values, value)
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("profile is empty")
	}
	return values, nil
}

func init() {
	replayCmd.Flags().IntVar(&replayStartHour, "start-hour", 0, "Hour of day the replay starts at")
	replayCmd.Flags().IntVar(&replayHours, "hours", 24, "Number of hours to simulate")
	replayCmd.Flags().StringVar(&replayProduction, "production", "", "Comma-separated hourly production profile in kWh (cycled)")
	replayCmd.Flags().StringVar(&replayConsumption, "consumption", "", "Comma-separated hourly consumption profile in kWh (cycled)")
	replayCmd.Flags().Float64Var(&replayLevel, "level", 0, "Initial storage level in kWh")
	replayCmd.Flags().Float64Var(&replayCapacity, "capacity", 0, "Storage capacity in kWh")
	replayCmd.Flags().Float64Var(&replayP2P, "p2p", 0, "P2P price per kWh used for every hour")
}
