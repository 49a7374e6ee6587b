package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"c4e-agent/internal/alerting"
	"c4e-agent/internal/config"
	"c4e-agent/internal/decision"
	"c4e-agent/internal/metrics"
	"c4e-agent/internal/oracle"
	"c4e-agent/internal/prices"
	"c4e-agent/internal/scheduler"
	"c4e-agent/internal/storage"
)

// ErrInvalidRequest marks client input the decision boundary must reject.
var ErrInvalidRequest = errors.New("invalid decision request")

// Result statuses.
const (
	StatusOK       = "ok"
	StatusFallback = "fallback"
)

// StorageUnit is one named storage as reported by the site.
type StorageUnit struct {
	Capacity     float64
	CurrentLevel float64
}

// Request is one decision tick as received from the transport.
type Request struct {
	RequestID   uuid.UUID
	Hour        int
	Production  float64
	Consumption float64
	Storages    map[string]StorageUnit

	// GridPurchase, GridSale and TokenBalance arrive on the wire and are
	// logged, but the tariff table stays authoritative for prices.
	GridPurchase float64
	GridSale     float64
	TokenBalance float64

	// P2PPrice, when nil, is resolved from the cached oracle quote.
	P2PPrice *float64

	// LookAheadHours overrides the configured forecast window when positive.
	LookAheadHours int
}

// Result is the structured outcome of a decision tick. Status is "fallback"
// when the pipeline degraded to the safe allocation.
type Result struct {
	RequestID  uuid.UUID
	Hour       int
	Allocation decision.Allocation
	NetCost    float64
	Status     string
	Warnings   []string
}

// Service orchestrates decisions, the spike watch, persistence, and alerting.
type Service struct {
	scheduler  *scheduler.Scheduler
	engine     *decision.Engine
	provider   *prices.Provider
	store      storage.DecisionStore
	alertStore storage.SpikeAlertStore
	quote      oracle.QuoteFetcher
	notifiers  []alerting.Notifier
	metrics    *metrics.Set
	logger     zerolog.Logger

	alertsOn  bool
	channels  []string
	cooldown  time.Duration
	lookAhead int
	retention time.Duration
	locker    storage.AdvisoryLocker
	lockKey   int64

	quoteMux sync.Mutex
	p2pQuote float64
	hasQuote bool

	alertMux    sync.Mutex
	lastAlerted map[int]time.Time
}

// New constructs the decision service.
func New(cfg *config.Config, sched *scheduler.Scheduler, engine *decision.Engine, provider *prices.Provider, store storage.DecisionStore, alertStore storage.SpikeAlertStore, quote oracle.QuoteFetcher, notifiers []alerting.Notifier, mset *metrics.Set, logger zerolog.Logger) *Service {
	var locker storage.AdvisoryLocker
	if l, ok := store.(storage.AdvisoryLocker); ok {
		locker = l
	}

	return &Service{
		scheduler:   sched,
		engine:      engine,
		provider:    provider,
		store:       store,
		alertStore:  alertStore,
		quote:       quote,
		notifiers:   notifiers,
		metrics:     mset,
		logger:      logger.With().Str("component", "service").Logger(),
		alertsOn:    cfg.Alerting.Enabled,
		channels:    cfg.Alerting.Channels,
		cooldown:    cfg.Alerting.Cooldown,
		lookAhead:   engine.Params().LookAheadHours,
		retention:   cfg.Database.Retention,
		locker:      locker,
		lockKey:     cfg.Scheduler.AdvisoryLockKey,
		lastAlerted: make(map[int]time.Time),
	}
}

// Run begins the aligned spike watch loop.
func (s *Service) Run(ctx context.Context) error {
	if s.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return s.scheduler.Run(ctx, s.WatchTick)
}

// Handle 处理单次调度决策请求。
// It always returns a structured result: invalid input is the only error, any
// internal failure degrades to the fallback allocation with status "fallback".
func (s *Service) Handle(ctx context.Context, req Request) (res Result, err error) {
	started := time.Now()

	if err := validate(req); err != nil {
		s.metrics.ObserveDecision("invalid", time.Since(started))
		return Result{}, err
	}

	capacity, level := aggregateStorages(req.Storages)

	var warnings []string
	if level > capacity {
		warnings = append(warnings, fmt.Sprintf("storage level %.2f kWh above capacity %.2f kWh, clamped", level, capacity))
		s.logger.Warn().Float64("level", level).Float64("capacity", capacity).Msg("storage level above capacity, clamping")
		level = capacity
	}

	p2p := 0.0
	if req.P2PPrice != nil {
		p2p = *req.P2PPrice
	} else if cached, ok := s.cachedQuote(); ok {
		p2p = cached
	}

	requestID := req.RequestID
	if requestID == uuid.Nil {
		requestID = uuid.New()
	}
	hour := prices.NormalizeHour(req.Hour)

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Interface("panic", r).Str("request_id", requestID.String()).Msg("decision pipeline panicked")
			res = s.fallback(ctx, req, requestID, hour, p2p, fmt.Sprintf("internal failure: %v", r), started)
			err = nil
		}
	}()

	table, snapErr := s.provider.Snapshot()
	if snapErr != nil {
		s.logger.Error().Err(snapErr).Str("request_id", requestID.String()).Msg("no tariff snapshot, degrading to fallback decision")
		return s.fallback(ctx, req, requestID, hour, p2p, snapErr.Error(), started), nil
	}

	alloc, an := s.engine.Decide(table, decision.Request{
		Production:     req.Production,
		Consumption:    req.Consumption,
		CurrentStorage: level,
		MaxStorage:     capacity,
		Hour:           req.Hour,
		P2PPrice:       p2p,
		LookAheadHours: req.LookAheadHours,
	})

	if len(an.MissingHours) > 0 {
		warnings = append(warnings, fmt.Sprintf("tariff table missing %d hours, fallback prices applied", len(an.MissingHours)))
		s.logger.Warn().Ints("hours", an.MissingHours).Msg("tariff lookup misses during decision")
	}

	netCost := decision.Cost(table, decision.CostInput{
		Hour:        req.Hour,
		BuyFromGrid: alloc.BuyFromGrid,
		SellToGrid:  alloc.SellToGrid,
		SellToP2P:   0,
		P2PPrice:    p2p,
	})

	s.recordDecision(ctx, storage.DecisionRecord{
		RequestID:    requestID,
		DecidedAt:    time.Now().UTC(),
		Hour:         hour,
		Production:   req.Production,
		Consumption:  req.Consumption,
		StorageLevel: level,
		StorageMax:   capacity,
		P2PPrice:     decimal.NewFromFloat(p2p),
		ToStorage:    alloc.ToStorage,
		SellToGrid:   alloc.SellToGrid,
		BuyFromGrid:  alloc.BuyFromGrid,
		FromStorage:  alloc.FromStorage,
		NetCost:      decimal.NewFromFloat(netCost),
		Status:       StatusOK,
	})

	s.metrics.ObserveDecision(StatusOK, time.Since(started))

	s.logger.Info().
		Str("request_id", requestID.String()).
		Int("hour", hour).
		Float64("store", alloc.ToStorage).
		Float64("sell_grid", alloc.SellToGrid).
		Float64("buy_grid", alloc.BuyFromGrid).
		Float64("use_storage", alloc.FromStorage).
		Float64("net_cost", netCost).
		Msg("decision made")

	return Result{
		RequestID:  requestID,
		Hour:       hour,
		Allocation: alloc,
		NetCost:    netCost,
		Status:     StatusOK,
		Warnings:   warnings,
	}, nil
}

// fallback builds, audits, and counts the safe allocation. Net cost is zero:
// without a trusted tariff there is nothing honest to report.
func (s *Service) fallback(ctx context.Context, req Request, requestID uuid.UUID, hour int, p2p float64, reason string, started time.Time) Result {
	alloc := decision.Fallback(req.Production, req.Consumption)
	capacity, level := aggregateStorages(req.Storages)
	if level > capacity {
		level = capacity
	}

	s.recordDecision(ctx, storage.DecisionRecord{
		RequestID:    requestID,
		DecidedAt:    time.Now().UTC(),
		Hour:         hour,
		Production:   req.Production,
		Consumption:  req.Consumption,
		StorageLevel: level,
		StorageMax:   capacity,
		P2PPrice:     decimal.NewFromFloat(p2p),
		ToStorage:    alloc.ToStorage,
		SellToGrid:   alloc.SellToGrid,
		BuyFromGrid:  alloc.BuyFromGrid,
		FromStorage:  alloc.FromStorage,
		NetCost:      decimal.Zero,
		Status:       StatusFallback,
		Error:        &reason,
	})

	s.metrics.ObserveDecision(StatusFallback, time.Since(started))

	return Result{
		RequestID:  requestID,
		Hour:       hour,
		Allocation: alloc,
		Status:     StatusFallback,
		Warnings:   []string{reason},
	}
}

// Forecast runs the spike detector for the given hour on the current tariff
// snapshot.
func (s *Service) Forecast(hour, lookAhead int) (*decision.Analysis, error) {
	table, err := s.provider.Snapshot()
	if err != nil {
		return nil, err
	}
	if lookAhead <= 0 {
		lookAhead = s.lookAhead
	}
	return decision.Analyze(table, hour, lookAhead), nil
}

// TableStatus reports whether a tariff snapshot is loaded and how many hours
// it covers.
func (s *Service) TableStatus() (loaded bool, hours int) {
	table, err := s.provider.Snapshot()
	if err != nil {
		return false, 0
	}
	return true, table.Len()
}

// WatchTick 执行单个时间桶的尖峰巡检。
func (s *Service) WatchTick(ctx context.Context, bucket time.Time) error {
	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !proceed {
		s.logger.Debug().Time("bucket", bucket).Msg("skip bucket because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	return s.executeTick(ctx, bucket)
}

func (s *Service) executeTick(ctx context.Context, bucket time.Time) error {
	if err := s.provider.Refresh(ctx); err != nil {
		s.metrics.PriceRefresh("error")
		s.logger.Error().Err(err).Msg("tariff refresh failed, keeping previous snapshot")
	} else {
		s.metrics.PriceRefresh("ok")
	}

	s.refreshQuote(ctx)
	s.pruneAudit(ctx, bucket)

	table, err := s.provider.Snapshot()
	if err != nil {
		s.logger.Warn().Err(err).Msg("no tariff snapshot yet, skipping spike watch")
		return nil
	}

	hour := bucket.UTC().Hour()
	an := decision.Analyze(table, hour, s.lookAhead)

	spike, ok := an.NextSpike()
	if !ok {
		s.logger.Debug().Int("hour", hour).Msg("no spike in the look-ahead window")
		return nil
	}

	s.logger.Info().
		Int("hour", hour).
		Int("spike_hour", spike.Hour).
		Int("hours_away", spike.HoursAway).
		Float64("price", spike.Price).
		Float64("threshold", an.SpikeThreshold).
		Msg("price spike ahead")

	if !s.alertsOn || len(s.notifiers) == 0 {
		return nil
	}
	if !s.shouldAlert(ctx, spike.Hour, bucket) {
		s.logger.Debug().Int("spike_hour", spike.Hour).Msg("alert suppressed by cooldown")
		return nil
	}

	note := alerting.Notification{
		ForecastAt:   bucket,
		SpikeHour:    spike.Hour,
		SpikePrice:   decimal.NewFromFloat(spike.Price),
		HoursAway:    spike.HoursAway,
		Threshold:    decimal.NewFromFloat(an.SpikeThreshold),
		MeanPurchase: decimal.NewFromFloat(an.MeanPurchase),
		Channels:     s.channels,
	}

	if s.alertStore != nil {
		record := storage.SpikeAlertRecord{
			ForecastAt: bucket,
			SpikeHour:  spike.Hour,
			SpikePrice: note.SpikePrice,
			HoursAway:  spike.HoursAway,
			Threshold:  note.Threshold,
			Channels:   s.channels,
		}
		if _, err := s.alertStore.InsertSpikeAlert(ctx, record); err != nil {
			s.logger.Error().Err(err).Msg("failed to persist spike alert")
		}
	}

	for _, notifier := range s.notifiers {
		if err := notifier.Notify(ctx, note); err != nil {
			s.logger.Error().Err(err).Time("bucket", bucket).Msg("failed to dispatch spike alert")
			continue
		}
		s.metrics.SpikeAlertSent()
	}

	s.markAlerted(spike.Hour, bucket)
	return nil
}

// pruneAudit drops audit rows older than the configured retention window.
func (s *Service) pruneAudit(ctx context.Context, now time.Time) {
	if s.retention <= 0 {
		return
	}
	cutoff := now.Add(-s.retention)

	if s.store != nil {
		if err := s.store.DeleteDecisionsBefore(ctx, cutoff); err != nil {
			s.logger.Error().Err(err).Msg("failed to prune old decisions")
		}
	}
	if s.alertStore != nil {
		if err := s.alertStore.DeleteSpikeAlertsBefore(ctx, cutoff); err != nil {
			s.logger.Error().Err(err).Msg("failed to prune old spike alerts")
		}
	}
}

func (s *Service) refreshQuote(ctx context.Context) {
	if s.quote == nil {
		return
	}

	price, block, err := s.quote.FetchQuote(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("p2p quote refresh failed")
		return
	}
	value := price.InexactFloat64()
	if value < 0 {
		s.logger.Warn().Str("quote", price.String()).Msg("negative p2p quote ignored")
		return
	}

	s.quoteMux.Lock()
	s.p2pQuote = value
	s.hasQuote = true
	s.quoteMux.Unlock()

	s.logger.Debug().Str("quote", price.String()).Uint64("block", block).Msg("p2p quote refreshed")
}

func (s *Service) cachedQuote() (float64, bool) {
	s.quoteMux.Lock()
	defer s.quoteMux.Unlock()
	return s.p2pQuote, s.hasQuote
}

// shouldAlert enforces the per-spike-hour cooldown. The audit store primes
// the in-memory state after a restart.
func (s *Service) shouldAlert(ctx context.Context, spikeHour int, now time.Time) bool {
	if s.cooldown <= 0 {
		return true
	}

	s.alertMux.Lock()
	last, seen := s.lastAlerted[spikeHour]
	s.alertMux.Unlock()
	if seen {
		return now.Sub(last) >= s.cooldown
	}

	if s.alertStore != nil {
		rec, found, err := s.alertStore.LastSpikeAlert(ctx, spikeHour)
		if err != nil {
			s.logger.Warn().Err(err).Int("spike_hour", spikeHour).Msg("failed to load last spike alert")
			return true
		}
		if found {
			s.markAlerted(spikeHour, rec.CreatedAt)
			return now.Sub(rec.CreatedAt) >= s.cooldown
		}
	}
	return true
}

func (s *Service) markAlerted(spikeHour int, at time.Time) {
	s.alertMux.Lock()
	s.lastAlerted[spikeHour] = at
	s.alertMux.Unlock()
}

func (s *Service) recordDecision(ctx context.Context, rec storage.DecisionRecord) {
	if s.store == nil {
		return
	}
	if err := s.store.InsertDecision(ctx, rec); err != nil {
		s.metrics.StorageWrite("error")
		s.logger.Error().Err(err).Str("request_id", rec.RequestID.String()).Msg("failed to persist decision")
		return
	}
	s.metrics.StorageWrite("ok")
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.lockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.lockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}

func validate(req Request) error {
	if !finite(req.Production) || req.Production < 0 {
		return fmt.Errorf("%w: production must be a non-negative number", ErrInvalidRequest)
	}
	if !finite(req.Consumption) || req.Consumption < 0 {
		return fmt.Errorf("%w: consumption must be a non-negative number", ErrInvalidRequest)
	}
	for name, unit := range req.Storages {
		if !finite(unit.Capacity) || unit.Capacity < 0 {
			return fmt.Errorf("%w: storage %q capacity must be a non-negative number", ErrInvalidRequest, name)
		}
		if !finite(unit.CurrentLevel) || unit.CurrentLevel < 0 {
			return fmt.Errorf("%w: storage %q level must be a non-negative number", ErrInvalidRequest, name)
		}
	}
	if req.P2PPrice != nil && (!finite(*req.P2PPrice) || *req.P2PPrice < 0) {
		return fmt.Errorf("%w: p2p_base_price must be a non-negative number", ErrInvalidRequest)
	}
	return nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func aggregateStorages(units map[string]StorageUnit) (capacity, level float64) {
	for _, unit := range units {
		capacity += unit.Capacity
		level += unit.CurrentLevel
	}
	return capacity, level
}
