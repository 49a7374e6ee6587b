package decision

import "math"

// Boundaries of the proactive pre-spike purchase.
const (
	// proactiveMinFreeKWh is the least free storage worth topping up.
	proactiveMinFreeKWh = 1.0
	// proactiveMinAdvantage is the least price advantage over the daily
	// mean, as a ratio, that justifies buying ahead.
	proactiveMinAdvantage = 0.05
	// The buying window peaks proactivePeakHours before the spike and is
	// damped to proactiveTimeFloor outside 2..12 hours.
	proactiveWindowNear  = 2.0
	proactiveWindowFar   = 12.0
	proactivePeakHours   = 7.0
	proactiveWindowSlope = 5.0
	proactiveTimeFloor   = 0.3
	// proactiveCapacityKWh normalises the free-space scaling.
	proactiveCapacityKWh = 20.0
	// proactiveMaxFreeShare caps a single top-up at half the free space.
	proactiveMaxFreeShare = 0.5
)

// proactiveTopUp sizes the extra grid purchase made ahead of a forecast
// spike. The caller routes the same amount into storage; the strategy only
// ever buys to store.
func (e *Engine) proactiveTopUp(req Request, currentPrice float64, an *Analysis, committedToStorage float64) float64 {
	next, ok := an.NextSpike()
	if !ok {
		return 0
	}

	free := req.MaxStorage - req.CurrentStorage - committedToStorage
	if free < proactiveMinFreeKWh {
		return 0
	}

	if an.MeanPurchase <= 0 || currentPrice <= 0 {
		// Price ratios below are undefined; skip the top-up.
		return 0
	}
	advantage := (an.MeanPurchase - currentPrice) / an.MeanPurchase
	if advantage <= proactiveMinAdvantage {
		return 0
	}

	hoursToSpike := float64(next.HoursAway)
	spikeRatio := next.Price / currentPrice

	timeFactor := proactiveTimeFloor
	if hoursToSpike >= proactiveWindowNear && hoursToSpike <= proactiveWindowFar {
		timeFactor = 1 - math.Abs(hoursToSpike-proactivePeakHours)/proactiveWindowSlope
	}
	priceFactor := math.Min(1, spikeRatio/2)
	buyingFactor := timeFactor * priceFactor * advantage

	scaled := e.params.ProactiveBaseKWh * buyingFactor * spikeRatio
	capacityFactor := math.Min(1, free/proactiveCapacityKWh)

	extra := math.Min(scaled*capacityFactor, free)
	return math.Min(extra, free*proactiveMaxFreeShare)
}
