package app

import (
	"context"
	"errors"
	"time"

	"c4e-agent/internal/decision"
	"c4e-agent/internal/prices"
	"c4e-agent/internal/service"
)

// AlertTest 构造一张带尖峰的电价表并驱动一次完整的巡检告警流程。
func (a *App) AlertTest(ctx context.Context, opts AlertTestOptions) error {
	if !a.Config.Alerting.Enabled {
		return errors.New("alerting 未启用")
	}

	notifiers := a.newNotifiers()
	if len(notifiers) == 0 {
		return errors.New("未配置任何告警通道")
	}

	now := time.Now().UTC()
	spikeHour := opts.SpikeHour
	if spikeHour < 0 {
		spikeHour = prices.NormalizeHour(now.Hour() + 2)
	}
	spikePrice := opts.Price
	if spikePrice <= 0 {
		spikePrice = 1.5
	}

	// A widened look-ahead and zeroed cooldown guarantee the fabricated
	// spike fires regardless of wall-clock hour or alert history.
	cfg := *a.Config
	cfg.Decision.LookAheadHours = prices.HoursPerDay
	cfg.Alerting.Cooldown = 0

	source := &staticTableSource{spikeHour: spikeHour, spikePrice: spikePrice}
	provider := prices.NewProvider(source, a.Logger)
	engine := decision.NewEngine(cfg.Decision.ToParams())

	svc := service.New(&cfg, nil, engine, provider, nil, nil, nil, notifiers, nil, a.Logger)

	bucket := now.Truncate(a.Config.Scheduler.Interval)
	return svc.WatchTick(ctx, bucket)
}

// staticTableSource serves a flat tariff with one injected spike hour.
type staticTableSource struct {
	spikeHour  int
	spikePrice float64
}

func (s *staticTableSource) Fetch(ctx context.Context) (*prices.Table, error) {
	entries := make(map[int]prices.Entry, prices.HoursPerDay)
	for hour := 0; hour < prices.HoursPerDay; hour++ {
		entries[hour] = prices.Entry{Purchase: 0.2, Sale: 0.1}
	}
	entries[prices.NormalizeHour(s.spikeHour)] = prices.Entry{Purchase: s.spikePrice, Sale: 0.1}
	return prices.NewTable(entries), nil
}

var _ prices.Source = (*staticTableSource)(nil)
