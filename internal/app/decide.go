package app

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"c4e-agent/internal/prices"
	"c4e-agent/internal/service"
)

// Decide runs a single allocation decision against the configured tariff
// source and prints the result, without touching the database.
func (a *App) Decide(ctx context.Context, opts DecideOptions) error {
	provider := a.newProvider()
	if err := provider.Refresh(ctx); err != nil {
		return fmt.Errorf("load tariff table: %w", err)
	}

	svc := service.New(a.Config, nil, a.newEngine(), provider, nil, nil, a.newOracle(), nil, nil, a.Logger)

	req := service.Request{
		Hour:        opts.Hour,
		Production:  opts.Production,
		Consumption: opts.Consumption,
		Storages: map[string]service.StorageUnit{
			"storage": {Capacity: opts.Capacity, CurrentLevel: opts.Level},
		},
		P2PPrice:       opts.P2PPrice,
		LookAheadHours: opts.LookAhead,
	}

	res, err := svc.Handle(ctx, req)
	if err != nil {
		return err
	}

	if opts.JSON {
		return printDecisionJSON(&res)
	}
	printDecisionTable(&res)
	return nil
}

func printDecisionJSON(res *service.Result) error {
	payload := struct {
		RequestID              string   `json:"request_id"`
		Hour                   int      `json:"hour"`
		EnergyAddedToStorage   float64  `json:"energy_added_to_storage"`
		EnergySoldToGrid       float64  `json:"energy_sold_to_grid"`
		EnergyBoughtFromStores float64  `json:"energy_bought_from_storages"`
		EnergyBoughtFromGrid   float64  `json:"energy_bought_from_grid"`
		NetCost                float64  `json:"net_cost"`
		Status                 string   `json:"status"`
		Warnings               []string `json:"warnings,omitempty"`
	}{
		RequestID:              res.RequestID.String(),
		Hour:                   res.Hour,
		EnergyAddedToStorage:   res.Allocation.ToStorage,
		EnergySoldToGrid:       res.Allocation.SellToGrid,
		EnergyBoughtFromStores: res.Allocation.FromStorage,
		EnergyBoughtFromGrid:   res.Allocation.BuyFromGrid,
		NetCost:                res.NetCost,
		Status:                 res.Status,
		Warnings:               res.Warnings,
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(payload)
}

func printDecisionTable(res *service.Result) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "Hour\t%s\n", prices.HourLabel(res.Hour))
	fmt.Fprintf(w, "Store\t%.2f kWh\n", res.Allocation.ToStorage)
	fmt.Fprintf(w, "Sell to grid\t%.2f kWh\n", res.Allocation.SellToGrid)
	fmt.Fprintf(w, "Buy from grid\t%.2f kWh\n", res.Allocation.BuyFromGrid)
	fmt.Fprintf(w, "Use storage\t%.2f kWh\n", res.Allocation.FromStorage)
	fmt.Fprintf(w, "Net cost\t%.3f\n", res.NetCost)
	fmt.Fprintf(w, "Status\t%s\n", res.Status)
	_ = w.Flush()
	for _, warning := range res.Warnings {
		fmt.Printf("warning: %s\n", warning)
	}
}
