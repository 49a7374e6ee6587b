package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"c4e-agent/internal/alerting"
	"c4e-agent/internal/config"
	"c4e-agent/internal/decision"
	"c4e-agent/internal/metrics"
	"c4e-agent/internal/oracle"
	"c4e-agent/internal/prices"
	"c4e-agent/internal/storage"
)

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

type stubSource struct {
	table *prices.Table
	err   error
}

func (s *stubSource) Fetch(context.Context) (*prices.Table, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.table, nil
}

type memStore struct {
	mu      sync.Mutex
	records []storage.DecisionRecord
	pruned  []time.Time
	failErr error
}

func (m *memStore) InsertDecision(_ context.Context, rec storage.DecisionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return m.failErr
	}
	m.records = append(m.records, rec)
	return nil
}

func (m *memStore) ListRecentDecisions(context.Context, int) ([]storage.DecisionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]storage.DecisionRecord(nil), m.records...), nil
}

func (m *memStore) ListDecisionsBetween(context.Context, time.Time, time.Time) ([]storage.DecisionRecord, error) {
	return nil, nil
}

func (m *memStore) CountDecisions(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.records)), nil
}

func (m *memStore) DeleteDecisionsBefore(_ context.Context, olderThan time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruned = append(m.pruned, olderThan)
	return nil
}

func (m *memStore) last(t *testing.T) storage.DecisionRecord {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.records) == 0 {
		t.Fatal("期望至少持久化一条决策记录")
	}
	return m.records[len(m.records)-1]
}

type lockerStore struct {
	memStore
	acquired bool
	unlocks  int
}

func (l *lockerStore) TryAdvisoryLock(context.Context, int64) (func(), bool, error) {
	if !l.acquired {
		return nil, false, nil
	}
	return func() { l.unlocks++ }, true, nil
}

type memAlertStore struct {
	mu     sync.Mutex
	alerts []storage.SpikeAlertRecord
	pruned []time.Time
}

func (m *memAlertStore) InsertSpikeAlert(_ context.Context, alert storage.SpikeAlertRecord) (storage.SpikeAlertRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	alert.ID = int64(len(m.alerts) + 1)
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = alert.ForecastAt
	}
	m.alerts = append(m.alerts, alert)
	return alert, nil
}

func (m *memAlertStore) ListRecentSpikeAlerts(context.Context, int) ([]storage.SpikeAlertRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]storage.SpikeAlertRecord(nil), m.alerts...), nil
}

func (m *memAlertStore) LastSpikeAlert(_ context.Context, spikeHour int) (storage.SpikeAlertRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.alerts) - 1; i >= 0; i-- {
		if m.alerts[i].SpikeHour == spikeHour {
			return m.alerts[i], true, nil
		}
	}
	return storage.SpikeAlertRecord{}, false, nil
}

func (m *memAlertStore) DeleteSpikeAlertsBefore(_ context.Context, olderThan time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruned = append(m.pruned, olderThan)
	return nil
}

func (m *memAlertStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.alerts)
}

type fakeNotifier struct {
	mu    sync.Mutex
	notes []alerting.Notification
}

func (f *fakeNotifier) Notify(_ context.Context, note alerting.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notes = append(f.notes, note)
	return nil
}

func (f *fakeNotifier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.notes)
}

func uniformProvider(t *testing.T) *prices.Provider {
	t.Helper()
	return providerFor(t, prices.Uniform(prices.Entry{Purchase: 0.5, Sale: 0.25}))
}

func spikyProvider(t *testing.T, spikeHour int, spikePrice float64) *prices.Provider {
	t.Helper()
	entries := make(map[int]prices.Entry, prices.HoursPerDay)
	for h := 0; h < prices.HoursPerDay; h++ {
		entries[h] = prices.Entry{Purchase: 0.5, Sale: 0.25}
	}
	entries[spikeHour] = prices.Entry{Purchase: spikePrice, Sale: 0.25}
	return providerFor(t, prices.NewTable(entries))
}

func providerFor(t *testing.T, table *prices.Table) *prices.Provider {
	t.Helper()
	provider := prices.NewProvider(&stubSource{table: table}, testLogger())
	if err := provider.Refresh(context.Background()); err != nil {
		t.Fatalf("预热价格表失败: %v", err)
	}
	return provider
}

func testConfig() *config.Config {
	return &config.Config{
		Alerting: config.AlertingConfig{
			Enabled:  true,
			Channels: []string{"log"},
			Cooldown: time.Hour,
		},
	}
}

func newServiceFor(cfg *config.Config, provider *prices.Provider, store storage.DecisionStore, alertStore storage.SpikeAlertStore, quote oracle.QuoteFetcher, notifiers ...alerting.Notifier) *Service {
	engine := decision.NewEngine(decision.DefaultParams())
	mset, _ := metrics.NewSet(prometheus.NewRegistry())
	return New(cfg, nil, engine, provider, store, alertStore, quote, notifiers, mset, testLogger())
}

func floatPtr(v float64) *float64 { return &v }

func TestHandleSurplusSellsOnUniformTable(t *testing.T) {
	store := &memStore{}
	svc := newServiceFor(testConfig(), uniformProvider(t), store, nil, nil)

	res, err := svc.Handle(context.Background(), Request{
		Hour:        10,
		Production:  50,
		Consumption: 20,
		Storages:    map[string]StorageUnit{"battery": {Capacity: 100, CurrentLevel: 0}},
		P2PPrice:    floatPtr(1.0),
	})
	if err != nil {
		t.Fatalf("Handle 不应报错: %v", err)
	}

	if res.Status != StatusOK {
		t.Fatalf("期望状态 ok, 实际 %s", res.Status)
	}
	if res.Allocation.SellToGrid != 30 {
		t.Fatalf("期望卖电 30, 实际 %v", res.Allocation.SellToGrid)
	}
	if res.Allocation.ToStorage != 0 || res.Allocation.BuyFromGrid != 0 || res.Allocation.FromStorage != 0 {
		t.Fatalf("其他量应为 0: %+v", res.Allocation)
	}
	if res.NetCost != -7.5 {
		t.Fatalf("期望净成本 -7.5, 实际 %v", res.NetCost)
	}
	if len(res.Warnings) != 0 {
		t.Fatalf("不应有警告: %v", res.Warnings)
	}

	rec := store.last(t)
	if rec.Status != StatusOK {
		t.Fatalf("持久化状态应为 ok, 实际 %s", rec.Status)
	}
	if rec.SellToGrid != 30 {
		t.Fatalf("持久化卖电量应为 30, 实际 %v", rec.SellToGrid)
	}
	if rec.RequestID != res.RequestID {
		t.Fatal("持久化的 request_id 应与结果一致")
	}
}

func TestHandleRejectsInvalidInput(t *testing.T) {
	svc := newServiceFor(testConfig(), uniformProvider(t), nil, nil, nil)

	cases := map[string]Request{
		"negative production":  {Production: -1, Consumption: 10},
		"negative consumption": {Production: 1, Consumption: -10},
		"negative capacity": {
			Production: 1, Consumption: 1,
			Storages: map[string]StorageUnit{"b": {Capacity: -5}},
		},
		"negative level": {
			Production: 1, Consumption: 1,
			Storages: map[string]StorageUnit{"b": {Capacity: 5, CurrentLevel: -1}},
		},
		"negative p2p": {Production: 1, Consumption: 1, P2PPrice: floatPtr(-0.1)},
	}

	for name, req := range cases {
		if _, err := svc.Handle(context.Background(), req); !errors.Is(err, ErrInvalidRequest) {
			t.Fatalf("%s: 期望 ErrInvalidRequest, 实际 %v", name, err)
		}
	}
}

func TestHandleClampsStorageLevel(t *testing.T) {
	store := &memStore{}
	svc := newServiceFor(testConfig(), uniformProvider(t), store, nil, nil)

	res, err := svc.Handle(context.Background(), Request{
		Hour:        3,
		Production:  0,
		Consumption: 10,
		Storages:    map[string]StorageUnit{"battery": {Capacity: 100, CurrentLevel: 120}},
		P2PPrice:    floatPtr(1.0),
	})
	if err != nil {
		t.Fatalf("Handle 不应报错: %v", err)
	}

	if len(res.Warnings) == 0 {
		t.Fatal("超限电量应产生警告")
	}
	// Uniform table has no spikes, so storage may cover the deficit at the
	// conservative half-draw cap.
	if res.Allocation.FromStorage != 10 {
		t.Fatalf("期望取电 10, 实际 %v", res.Allocation.FromStorage)
	}
	if rec := store.last(t); rec.StorageLevel != 100 {
		t.Fatalf("持久化电量应被钳制为 100, 实际 %v", rec.StorageLevel)
	}
}

func TestHandleFallbackWhenTableUnavailable(t *testing.T) {
	store := &memStore{}
	provider := prices.NewProvider(&stubSource{err: errors.New("boom")}, testLogger())
	svc := newServiceFor(testConfig(), provider, store, nil, nil)

	res, err := svc.Handle(context.Background(), Request{
		Hour:        7,
		Production:  5,
		Consumption: 20,
		Storages:    map[string]StorageUnit{"battery": {Capacity: 50, CurrentLevel: 25}},
	})
	if err != nil {
		t.Fatalf("回退决策不应报错: %v", err)
	}

	if res.Status != StatusFallback {
		t.Fatalf("期望状态 fallback, 实际 %s", res.Status)
	}
	if res.Allocation.BuyFromGrid != 15 {
		t.Fatalf("回退应购买缺口 15, 实际 %v", res.Allocation.BuyFromGrid)
	}
	if res.Allocation.ToStorage != 0 || res.Allocation.SellToGrid != 0 || res.Allocation.FromStorage != 0 {
		t.Fatalf("回退的其他量应为 0: %+v", res.Allocation)
	}
	if len(res.Warnings) == 0 {
		t.Fatal("回退应说明原因")
	}

	rec := store.last(t)
	if rec.Status != StatusFallback {
		t.Fatalf("持久化状态应为 fallback, 实际 %s", rec.Status)
	}
	if rec.Error == nil {
		t.Fatal("回退记录应带错误原因")
	}
}

func TestHandleUsesCachedQuoteWhenRequestOmitsP2P(t *testing.T) {
	store := &memStore{}
	quote := oracle.NewStatic(decimal.NewFromInt(1))
	svc := newServiceFor(testConfig(), uniformProvider(t), store, nil, quote)

	// The watch tick caches the oracle quote.
	if err := svc.WatchTick(context.Background(), time.Now().UTC()); err != nil {
		t.Fatalf("WatchTick 不应报错: %v", err)
	}

	res, err := svc.Handle(context.Background(), Request{
		Hour:        10,
		Production:  50,
		Consumption: 20,
		Storages:    map[string]StorageUnit{"battery": {Capacity: 100, CurrentLevel: 0}},
	})
	if err != nil {
		t.Fatalf("Handle 不应报错: %v", err)
	}

	// A 1.0 p2p quote is not competitive against sale 0.25, so the surplus
	// is sold instead of stored.
	if res.Allocation.SellToGrid != 30 {
		t.Fatalf("期望卖电 30, 实际 %v", res.Allocation.SellToGrid)
	}
	if rec := store.last(t); !rec.P2PPrice.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("审计记录应带缓存报价 1, 实际 %s", rec.P2PPrice)
	}
}

func TestHandleWithoutQuoteTreatsP2PAsZero(t *testing.T) {
	svc := newServiceFor(testConfig(), uniformProvider(t), nil, nil, nil)

	res, err := svc.Handle(context.Background(), Request{
		Hour:        10,
		Production:  50,
		Consumption: 20,
		Storages:    map[string]StorageUnit{"battery": {Capacity: 100, CurrentLevel: 0}},
	})
	if err != nil {
		t.Fatalf("Handle 不应报错: %v", err)
	}

	// Zero p2p undercuts the grid sale price, which prioritises storage.
	if res.Allocation.ToStorage != 30 {
		t.Fatalf("期望入储 30, 实际 %v", res.Allocation.ToStorage)
	}
}

func TestHandlePersistsBestEffort(t *testing.T) {
	store := &memStore{failErr: errors.New("db down")}
	svc := newServiceFor(testConfig(), uniformProvider(t), store, nil, nil)

	res, err := svc.Handle(context.Background(), Request{
		Hour:        10,
		Production:  50,
		Consumption: 20,
		Storages:    map[string]StorageUnit{"battery": {Capacity: 100, CurrentLevel: 0}},
		P2PPrice:    floatPtr(1.0),
	})
	if err != nil {
		t.Fatalf("持久化失败不应影响决策: %v", err)
	}
	if res.Status != StatusOK {
		t.Fatalf("期望状态 ok, 实际 %s", res.Status)
	}
}

func TestWatchTickAlertsOnceWithinCooldown(t *testing.T) {
	notifier := &fakeNotifier{}
	alertStore := &memAlertStore{}
	svc := newServiceFor(testConfig(), spikyProvider(t, 20, 1.5), nil, alertStore, nil, notifier)

	bucket := time.Date(2025, 6, 1, 18, 0, 0, 0, time.UTC)

	if err := svc.WatchTick(context.Background(), bucket); err != nil {
		t.Fatalf("首次巡检不应报错: %v", err)
	}
	if notifier.count() != 1 {
		t.Fatalf("期望发送 1 条告警, 实际 %d", notifier.count())
	}
	if alertStore.count() != 1 {
		t.Fatalf("期望落库 1 条告警, 实际 %d", alertStore.count())
	}

	note := notifier.notes[0]
	if note.SpikeHour != 20 {
		t.Fatalf("期望尖峰时刻 20, 实际 %d", note.SpikeHour)
	}
	if note.HoursAway != 2 {
		t.Fatalf("期望提前 2 小时, 实际 %d", note.HoursAway)
	}

	// Within the cooldown the same spike hour stays silent.
	if err := svc.WatchTick(context.Background(), bucket.Add(30*time.Minute)); err != nil {
		t.Fatalf("二次巡检不应报错: %v", err)
	}
	if notifier.count() != 1 {
		t.Fatalf("冷却期内不应重复告警, 实际 %d 条", notifier.count())
	}
}

func TestWatchTickPrimesCooldownFromAuditStore(t *testing.T) {
	notifier := &fakeNotifier{}
	alertStore := &memAlertStore{}
	bucket := time.Date(2025, 6, 1, 18, 0, 0, 0, time.UTC)

	// A previous process emitted the alert minutes ago.
	if _, err := alertStore.InsertSpikeAlert(context.Background(), storage.SpikeAlertRecord{
		ForecastAt: bucket.Add(-10 * time.Minute),
		SpikeHour:  20,
		SpikePrice: decimal.NewFromFloat(1.5),
		HoursAway:  2,
		Threshold:  decimal.NewFromFloat(0.74),
		Channels:   []string{"log"},
	}); err != nil {
		t.Fatalf("预置告警失败: %v", err)
	}

	svc := newServiceFor(testConfig(), spikyProvider(t, 20, 1.5), nil, alertStore, nil, notifier)

	if err := svc.WatchTick(context.Background(), bucket); err != nil {
		t.Fatalf("巡检不应报错: %v", err)
	}
	if notifier.count() != 0 {
		t.Fatalf("重启后冷却期内不应告警, 实际 %d 条", notifier.count())
	}
}

func TestWatchTickSkipsWhenLockHeldElsewhere(t *testing.T) {
	notifier := &fakeNotifier{}
	store := &lockerStore{acquired: false}
	cfg := testConfig()
	cfg.Scheduler.AdvisoryLockKey = 42

	svc := newServiceFor(cfg, spikyProvider(t, 20, 1.5), store, nil, nil, notifier)

	if err := svc.WatchTick(context.Background(), time.Date(2025, 6, 1, 18, 0, 0, 0, time.UTC)); err != nil {
		t.Fatalf("锁被占用时应静默跳过: %v", err)
	}
	if notifier.count() != 0 {
		t.Fatalf("锁被占用时不应告警, 实际 %d 条", notifier.count())
	}
}

func TestWatchTickReleasesAdvisoryLock(t *testing.T) {
	store := &lockerStore{acquired: true}
	cfg := testConfig()
	cfg.Scheduler.AdvisoryLockKey = 42

	svc := newServiceFor(cfg, uniformProvider(t), store, nil, nil)

	if err := svc.WatchTick(context.Background(), time.Now().UTC()); err != nil {
		t.Fatalf("巡检不应报错: %v", err)
	}
	if store.unlocks != 1 {
		t.Fatalf("期望释放锁 1 次, 实际 %d", store.unlocks)
	}
}

func TestWatchTickPrunesAuditRows(t *testing.T) {
	store := &memStore{}
	alerts := &memAlertStore{}
	cfg := testConfig()
	cfg.Database.Retention = 24 * time.Hour

	svc := newServiceFor(cfg, uniformProvider(t), store, alerts, nil)

	bucket := time.Date(2025, 6, 10, 9, 0, 0, 0, time.UTC)
	if err := svc.WatchTick(context.Background(), bucket); err != nil {
		t.Fatalf("巡检不应报错: %v", err)
	}

	want := bucket.Add(-24 * time.Hour)
	if len(store.pruned) != 1 || !store.pruned[0].Equal(want) {
		t.Fatalf("期望按 %v 清理决策记录, 实际 %v", want, store.pruned)
	}
	if len(alerts.pruned) != 1 || !alerts.pruned[0].Equal(want) {
		t.Fatalf("期望按 %v 清理告警记录, 实际 %v", want, alerts.pruned)
	}
}

func TestWatchTickSkipsPruneWithoutRetention(t *testing.T) {
	store := &memStore{}
	svc := newServiceFor(testConfig(), uniformProvider(t), store, nil, nil)

	if err := svc.WatchTick(context.Background(), time.Now().UTC()); err != nil {
		t.Fatalf("巡检不应报错: %v", err)
	}
	if len(store.pruned) != 0 {
		t.Fatalf("未配置保留期时不应清理, 实际 %v", store.pruned)
	}
}

func TestForecastRequiresSnapshot(t *testing.T) {
	provider := prices.NewProvider(&stubSource{err: errors.New("boom")}, testLogger())
	svc := newServiceFor(testConfig(), provider, nil, nil, nil)

	if _, err := svc.Forecast(10, 12); !errors.Is(err, prices.ErrUnavailable) {
		t.Fatalf("无快照时应返回 ErrUnavailable, 实际 %v", err)
	}

	svc = newServiceFor(testConfig(), spikyProvider(t, 20, 1.5), nil, nil, nil)
	an, err := svc.Forecast(18, 12)
	if err != nil {
		t.Fatalf("Forecast 不应报错: %v", err)
	}
	spike, ok := an.NextSpike()
	if !ok || spike.Hour != 20 {
		t.Fatalf("期望预测到 20 点尖峰, 实际 %+v", an.Spikes)
	}
}
