package app

import (
	"context"
	"fmt"
	"math"
	"os"
	"text/tabwriter"

	"c4e-agent/internal/decision"
	"c4e-agent/internal/prices"
)

// Replay simulates a sequence of hourly decisions against the configured
// tariff table, carrying the storage level from hour to hour. Production and
// consumption profiles shorter than the run are cycled.
func (a *App) Replay(ctx context.Context, opts ReplayOptions) error {
	if opts.Hours <= 0 {
		return fmt.Errorf("hours must be positive, got %d", opts.Hours)
	}
	if len(opts.Production) == 0 || len(opts.Consumption) == 0 {
		return fmt.Errorf("production and consumption profiles must not be empty")
	}

	provider := a.newProvider()
	if err := provider.Refresh(ctx); err != nil {
		return fmt.Errorf("load tariff table: %w", err)
	}
	table, err := provider.Snapshot()
	if err != nil {
		return err
	}

	engine := a.newEngine()
	level := clampLevel(opts.Level, opts.Capacity)

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "HOUR\tPURCHASE\tSALE\tPROD\tCONS\tSTORE\tSELL\tBUY\tTAKE\tLEVEL\tCOST")

	var totalCost float64
	for i := 0; i < opts.Hours; i++ {
		hour := prices.NormalizeHour(opts.StartHour + i)
		production := opts.Production[i%len(opts.Production)]
		consumption := opts.Consumption[i%len(opts.Consumption)]

		alloc, _ := engine.Decide(table, decision.Request{
			Production:     production,
			Consumption:    consumption,
			CurrentStorage: level,
			MaxStorage:     opts.Capacity,
			Hour:           hour,
			P2PPrice:       opts.P2PPrice,
		})
		cost := decision.Cost(table, decision.CostInput{
			Hour:        hour,
			BuyFromGrid: alloc.BuyFromGrid,
			SellToGrid:  alloc.SellToGrid,
		})
		totalCost += cost
		level = clampLevel(level+alloc.ToStorage-alloc.FromStorage, opts.Capacity)

		entry, _ := table.At(hour)
		fmt.Fprintf(w, "%s\t%.3f\t%.3f\t%.1f\t%.1f\t%.1f\t%.1f\t%.1f\t%.1f\t%.1f\t%.3f\n",
			prices.HourLabel(hour), entry.Purchase, entry.Sale,
			production, consumption,
			alloc.ToStorage, alloc.SellToGrid, alloc.BuyFromGrid, alloc.FromStorage,
			level, cost)
	}

	fmt.Fprintf(w, "TOTAL\t\t\t\t\t\t\t\t\t\t%.3f\n", totalCost)
	return w.Flush()
}

func clampLevel(level, capacity float64) float64 {
	return math.Min(math.Max(0, level), capacity)
}
