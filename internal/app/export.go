package app

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"c4e-agent/internal/decision"
	"c4e-agent/internal/prices"
	"c4e-agent/internal/storage"
)

// Export renders the current tariff table and its spike forecast as CSV
// and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	provider := a.newProvider()
	if err := provider.Refresh(ctx); err != nil {
		return fmt.Errorf("load tariff table: %w", err)
	}
	table, err := provider.Snapshot()
	if err != nil {
		return err
	}

	lookAhead := opts.LookAhead
	if lookAhead <= 0 {
		lookAhead = a.Config.Decision.LookAheadHours
	}
	analysis := decision.Analyze(table, opts.Hour, lookAhead)

	if opts.CSVPath != "" {
		if err := writeForecastCSV(opts.CSVPath, table, analysis); err != nil {
			return err
		}
		a.Logger.Info().Str("path", opts.CSVPath).Msg("forecast CSV written")
	}

	if opts.PNGPath != "" {
		if err := a.writeForecastPNG(opts.PNGPath, table, analysis); err != nil {
			return err
		}
		a.Logger.Info().Str("path", opts.PNGPath).Msg("forecast chart written")
	}

	return nil
}

// ExportHistory renders a window of audited decisions as CSV and/or PNG.
func (a *App) ExportHistory(ctx context.Context, opts HistoryExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	maxPoints := a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot export history")
	}
	defer closeStore()

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}
	from := to.Add(-time.Duration(maxPoints) * a.Config.Scheduler.Interval)
	if opts.From != nil {
		from = opts.From.UTC()
	}
	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	records, err := store.ListDecisionsBetween(ctx, from, to)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		a.Logger.Info().Msg("no decisions found for export window")
		return nil
	}

	downsampled := downsampleDecisions(records, maxPoints)
	a.Logger.Info().Int("total", len(records)).Int("exported", len(downsampled)).Msg("exporting decisions")

	if opts.CSVPath != "" {
		if err := writeDecisionsCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := a.writeDecisionsPNG(opts.PNGPath, downsampled); err != nil {
			return err
		}
	}

	return nil
}

func downsampleDecisions(records []storage.DecisionRecord, max int) []storage.DecisionRecord {
	if max <= 0 || len(records) <= max {
		return records
	}

	result := make([]storage.DecisionRecord, 0, max)
	step := float64(len(records)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(records) {
			idx = len(records) - 1
		}
		result = append(result, records[idx])
	}
	return result
}

func writeForecastCSV(path string, table decision.PriceSource, analysis *decision.Analysis) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	spikeHours := make(map[int]bool, len(analysis.Spikes))
	for _, spike := range analysis.Spikes {
		spikeHours[spike.Hour] = true
	}
	sellHours := make(map[int]bool, len(analysis.GoodSellHours))
	for _, hour := range analysis.GoodSellHours {
		sellHours[hour] = true
	}

	header := []string{"hour", "label", "purchase", "sale", "spike_threshold", "is_spike", "good_sell_hour"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for hour := 0; hour < prices.HoursPerDay; hour++ {
		entry, _ := table.At(hour)
		record := []string{
			strconv.Itoa(hour),
			prices.HourLabel(hour),
			strconv.FormatFloat(entry.Purchase, 'f', -1, 64),
			strconv.FormatFloat(entry.Sale, 'f', -1, 64),
			strconv.FormatFloat(analysis.SpikeThreshold, 'f', -1, 64),
			strconv.FormatBool(spikeHours[hour]),
			strconv.FormatBool(sellHours[hour]),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	return writer.Error()
}

func (a *App) writeForecastPNG(path string, table decision.PriceSource, analysis *decision.Analysis) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	hours := make([]float64, prices.HoursPerDay)
	purchase := make([]float64, prices.HoursPerDay)
	sale := make([]float64, prices.HoursPerDay)
	threshold := make([]float64, prices.HoursPerDay)
	for hour := 0; hour < prices.HoursPerDay; hour++ {
		entry, _ := table.At(hour)
		hours[hour] = float64(hour)
		purchase[hour] = entry.Purchase
		sale[hour] = entry.Sale
		threshold[hour] = analysis.SpikeThreshold
	}

	annotations := make([]chart.Value2, 0, len(analysis.Spikes))
	for _, spike := range analysis.Spikes {
		annotations = append(annotations, chart.Value2{
			XValue: float64(spike.Hour),
			YValue: spike.Price,
			Label:  fmt.Sprintf("spike %02d:00", spike.Hour),
		})
	}

	priceFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.3f")
	}
	hourFormatter := func(v interface{}) string {
		if f, ok := v.(float64); ok {
			return fmt.Sprintf("%02d:00", int(f))
		}
		return ""
	}
	graph := chart.Chart{
		Width:  a.Config.Export.ChartWidth,
		Height: a.Config.Export.ChartHeight,
		XAxis: chart.XAxis{
			Name:           "Hour of day",
			ValueFormatter: hourFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Price per kWh",
			ValueFormatter: priceFormatter,
		},
		Series: []chart.Series{
			chart.ContinuousSeries{
				Name:    "Purchase",
				XValues: hours,
				YValues: purchase,
			},
			chart.ContinuousSeries{
				Name:    "Sale",
				XValues: hours,
				YValues: sale,
			},
			chart.ContinuousSeries{
				Name:    "Spike threshold",
				XValues: hours,
				YValues: threshold,
				Style: chart.Style{
					StrokeDashArray: []float64{5.0, 5.0},
				},
			},
			chart.AnnotationSeries{
				Annotations: annotations,
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func writeDecisionsCSV(path string, records []storage.DecisionRecord) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"decided_at", "hour", "production_kwh", "consumption_kwh", "storage_kwh", "storage_max_kwh", "p2p_price", "to_storage_kwh", "sell_grid_kwh", "buy_grid_kwh", "from_storage_kwh", "net_cost", "status", "error"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, rec := range records {
		errMsg := ""
		if rec.Error != nil {
			errMsg = *rec.Error
		}
		record := []string{
			rec.DecidedAt.UTC().Format(time.RFC3339),
			strconv.Itoa(rec.Hour),
			strconv.FormatFloat(rec.Production, 'f', -1, 64),
			strconv.FormatFloat(rec.Consumption, 'f', -1, 64),
			strconv.FormatFloat(rec.StorageLevel, 'f', -1, 64),
			strconv.FormatFloat(rec.StorageMax, 'f', -1, 64),
			rec.P2PPrice.String(),
			strconv.FormatFloat(rec.ToStorage, 'f', -1, 64),
			strconv.FormatFloat(rec.SellToGrid, 'f', -1, 64),
			strconv.FormatFloat(rec.BuyFromGrid, 'f', -1, 64),
			strconv.FormatFloat(rec.FromStorage, 'f', -1, 64),
			rec.NetCost.String(),
			rec.Status,
			errMsg,
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	return writer.Error()
}

func (a *App) writeDecisionsPNG(path string, records []storage.DecisionRecord) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(records))
	level := make([]float64, len(records))
	netCost := make([]float64, len(records))
	for i, rec := range records {
		x[i] = rec.DecidedAt
		level[i] = rec.StorageLevel
		netCost[i] = rec.NetCost.InexactFloat64()
	}

	valueFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.2f")
	}
	graph := chart.Chart{
		Width:  a.Config.Export.ChartWidth,
		Height: a.Config.Export.ChartHeight,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Storage level (kWh)",
			ValueFormatter: valueFormatter,
		},
		YAxisSecondary: chart.YAxis{
			Name:           "Net cost",
			ValueFormatter: valueFormatter,
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Storage level",
				XValues: x,
				YValues: level,
			},
			chart.TimeSeries{
				Name:    "Net cost",
				XValues: x,
				YValues: netCost,
				YAxis:   chart.YAxisSecondary,
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
