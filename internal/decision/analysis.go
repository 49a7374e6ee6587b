package decision

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"c4e-agent/internal/prices"
)

// PriceSource yields the tariff pair for an hour of day. The boolean reports
// whether the hour was actually present; fallback prices are substituted
// either way, so analysis works on sparse tables without failing.
type PriceSource interface {
	At(hour int) (prices.Entry, bool)
}

// SpikeEvent flags an upcoming hour whose purchase price exceeds the spike
// threshold.
type SpikeEvent struct {
	Hour      int     // hour of day the spike lands on
	Price     float64 // forecast purchase price at that hour
	HoursAway int     // offset from the decision hour, starting at 1
}

// Analysis summarises the tariff distribution around one decision hour.
type Analysis struct {
	Hour           int
	LookAheadHours int

	MeanPurchase      float64
	StdPurchase       float64 // population standard deviation
	MeanSale          float64
	SpikeThreshold    float64 // MeanPurchase + StdPurchase
	HighSaleThreshold float64 // 75th percentile of the sale prices

	// Spikes lists forecast spikes inside the look-ahead window, nearest
	// first. HoursToNextSpike is +Inf when the list is empty.
	Spikes           []SpikeEvent
	HoursToNextSpike float64

	// GoodSellHours are the window hours whose sale price beats the high
	// sale threshold.
	GoodSellHours []int

	// MissingHours are the hours the table quoted fallback prices for.
	MissingHours []int
}

// NextSpike returns the nearest forecast spike.
func (a *Analysis) NextSpike() (SpikeEvent, bool) {
	if len(a.Spikes) == 0 {
		return SpikeEvent{}, false
	}
	return a.Spikes[0], true
}

// Analyze builds the forecast context for a decision at the given hour. The
// look-ahead window starts at the following hour and wraps around midnight;
// windows outside 1..24 are clamped.
func Analyze(src PriceSource, hour, lookAhead int) *Analysis {
	hour = prices.NormalizeHour(hour)
	if lookAhead < 1 {
		lookAhead = 1
	}
	if lookAhead > prices.HoursPerDay {
		lookAhead = prices.HoursPerDay
	}

	var (
		purchase [prices.HoursPerDay]float64
		sale     [prices.HoursPerDay]float64
		missing  []int
	)
	for h := 0; h < prices.HoursPerDay; h++ {
		entry, ok := src.At(h)
		if !ok {
			missing = append(missing, h)
		}
		purchase[h] = entry.Purchase
		sale[h] = entry.Sale
	}

	a := &Analysis{
		Hour:             hour,
		LookAheadHours:   lookAhead,
		MeanPurchase:     stat.Mean(purchase[:], nil),
		StdPurchase:      stat.PopStdDev(purchase[:], nil),
		MeanSale:         stat.Mean(sale[:], nil),
		HoursToNextSpike: math.Inf(1),
		MissingHours:     missing,
	}
	a.SpikeThreshold = a.MeanPurchase + a.StdPurchase
	a.HighSaleThreshold = percentile(sale[:], 0.75)

	for i := 1; i <= lookAhead; i++ {
		h := (hour + i) % prices.HoursPerDay
		if purchase[h] > a.SpikeThreshold {
			a.Spikes = append(a.Spikes, SpikeEvent{Hour: h, Price: purchase[h], HoursAway: i})
		}
		if sale[h] > a.HighSaleThreshold {
			a.GoodSellHours = append(a.GoodSellHours, h)
		}
	}
	if len(a.Spikes) > 0 {
		a.HoursToNextSpike = float64(a.Spikes[0].HoursAway)
	}
	return a
}

// percentile computes the q-quantile (0..1) by linear interpolation between
// closest ranks. gonum's Quantile estimators interpolate the empirical CDF
// differently, so the exact variant is implemented here.
func percentile(values []float64, q float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	if q <= 0 {
		return sorted[0]
	}
	if q >= 1 {
		return sorted[len(sorted)-1]
	}
	pos := q * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}
