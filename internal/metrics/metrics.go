package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Set records the agent's operational metrics. A nil *Set is valid and
// records nothing, so wiring stays optional in one-shot commands and tests.
type Set struct {
	decisions     *prometheus.CounterVec
	decisionTime  prometheus.Histogram
	spikeAlerts   prometheus.Counter
	priceRefresh  *prometheus.CounterVec
	storageWrites *prometheus.CounterVec
}

// NewSet registers the agent metrics on the provided registerer. If reg is
// nil, the default registerer is used. Collectors already registered are
// reused, so repeated construction is safe.
func NewSet(reg prometheus.Registerer) (*Set, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	decisions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "c4e_decisions_total",
		Help: "Decision requests served, by outcome status",
	}, []string{"status"})
	decisionTime := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "c4e_decision_duration_seconds",
		Help:    "Time spent computing one decision",
		Buckets: prometheus.DefBuckets,
	})
	spikeAlerts := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "c4e_spike_alerts_total",
		Help: "Price spike notifications delivered",
	})
	priceRefresh := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "c4e_price_refresh_total",
		Help: "Tariff table refresh attempts, by result",
	}, []string{"status"})
	storageWrites := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "c4e_decision_store_writes_total",
		Help: "Decision audit rows written, by result",
	}, []string{"status"})

	set := &Set{}
	var err error
	if set.decisions, err = registerCounterVec(reg, decisions); err != nil {
		return nil, err
	}
	if set.decisionTime, err = registerHistogram(reg, decisionTime); err != nil {
		return nil, err
	}
	if set.spikeAlerts, err = registerCounter(reg, spikeAlerts); err != nil {
		return nil, err
	}
	if set.priceRefresh, err = registerCounterVec(reg, priceRefresh); err != nil {
		return nil, err
	}
	if set.storageWrites, err = registerCounterVec(reg, storageWrites); err != nil {
		return nil, err
	}
	return set, nil
}

// ObserveDecision records one served decision and its latency.
func (s *Set) ObserveDecision(status string, elapsed time.Duration) {
	if s == nil {
		return
	}
	s.decisions.WithLabelValues(status).Inc()
	s.decisionTime.Observe(elapsed.Seconds())
}

// SpikeAlertSent counts one delivered spike notification.
func (s *Set) SpikeAlertSent() {
	if s == nil {
		return
	}
	s.spikeAlerts.Inc()
}

// PriceRefresh counts one tariff refresh attempt.
func (s *Set) PriceRefresh(status string) {
	if s == nil {
		return
	}
	s.priceRefresh.WithLabelValues(status).Inc()
}

// StorageWrite counts one audit insert attempt.
func (s *Set) StorageWrite(status string) {
	if s == nil {
		return
	}
	s.storageWrites.WithLabelValues(status).Inc()
}

func registerCounterVec(reg prometheus.Registerer, c *prometheus.CounterVec) (*prometheus.CounterVec, error) {
	if err := reg.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector.(*prometheus.CounterVec), nil
		}
		return nil, err
	}
	return c, nil
}

func registerCounter(reg prometheus.Registerer, c prometheus.Counter) (prometheus.Counter, error) {
	if err := reg.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector.(prometheus.Counter), nil
		}
		return nil, err
	}
	return c, nil
}

func registerHistogram(reg prometheus.Registerer, h prometheus.Histogram) (prometheus.Histogram, error) {
	if err := reg.Register(h); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector.(prometheus.Histogram), nil
		}
		return nil, err
	}
	return h, nil
}
