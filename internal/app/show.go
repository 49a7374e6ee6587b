package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/shopspring/decimal"

	"c4e-agent/internal/prices"
	"c4e-agent/internal/storage"
)

// Show lists the most recent audited decisions from the database.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show decisions")
	}
	defer closeStore()

	records, err := store.ListRecentDecisions(ctx, opts.Limit)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Println("no decisions recorded yet")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tHOUR\tPROD\tCONS\tLEVEL\tSTORE\tSELL\tBUY\tTAKE\tNET\tSTATUS\tERROR")
	for _, rec := range records {
		errText := ""
		if rec.Error != nil {
			errText = sanitizeInline(*rec.Error)
		}
		fmt.Fprintf(w, "%s\t%s\t%.1f\t%.1f\t%.1f/%.1f\t%.1f\t%.1f\t%.1f\t%.1f\t%s\t%s\t%s\n",
			rec.DecidedAt.UTC().Format("2006-01-02 15:04"),
			prices.HourLabel(rec.Hour),
			rec.Production, rec.Consumption,
			rec.StorageLevel, rec.StorageMax,
			rec.ToStorage, rec.SellToGrid, rec.BuyFromGrid, rec.FromStorage,
			formatDecimal(rec.NetCost, 3),
			rec.Status,
			errText)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	total, err := store.CountDecisions(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("\n%d of %d audited decisions shown\n", len(records), total)

	return showSpikeAlerts(ctx, store, opts.Limit)
}

func showSpikeAlerts(ctx context.Context, store *storage.Store, limit int) error {
	alerts, err := store.ListRecentSpikeAlerts(ctx, limit)
	if err != nil {
		return err
	}
	if len(alerts) == 0 {
		return nil
	}

	fmt.Println("\nrecent spike alerts:")
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tSPIKE\tPRICE\tAWAY\tTHRESHOLD\tCHANNELS")
	for _, alert := range alerts {
		fmt.Fprintf(w, "%s\t%s\t%s\t%dh\t%s\t%s\n",
			alert.CreatedAt.UTC().Format("2006-01-02 15:04"),
			prices.HourLabel(alert.SpikeHour),
			formatDecimal(alert.SpikePrice, 3),
			alert.HoursAway,
			formatDecimal(alert.Threshold, 3),
			strings.Join(alert.Channels, ","))
	}
	return w.Flush()
}

func sanitizeInline(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\t", " ")
	return s
}

func formatDecimal(d decimal.Decimal, places int32) string {
	return d.StringFixed(places)
}
