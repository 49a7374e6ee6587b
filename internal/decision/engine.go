package decision

import (
	"math"

	"c4e-agent/internal/prices"
)

// Structural thresholds of the policy. These define branch boundaries rather
// than tuning weights, so they stay fixed.
const (
	// spikeSoonHorizon is the distance, in hours, under which an upcoming
	// spike makes the policy prioritise filling storage.
	spikeSoonHorizon = 12.0
	// storageDrawHorizon is the spike distance beyond which stored energy
	// may be spent on a deficit.
	storageDrawHorizon = 6.0
	// storageFullRatio marks storage relatively full; a deficit may then be
	// served from storage regardless of the forecast.
	storageFullRatio = 0.8
	// conservativeDrawRatio limits the draw to half the stored energy when
	// the current hour is not a spike.
	conservativeDrawRatio = 0.5
)

// Request carries one tick's site measurements into the allocator. Quantities
// are kWh for the hour; the hour wraps modulo 24.
type Request struct {
	Production     float64
	Consumption    float64
	CurrentStorage float64
	MaxStorage     float64
	Hour           int
	P2PPrice       float64
	// LookAheadHours overrides the engine's forecast window when positive.
	LookAheadHours int
}

// Allocation is the per-tick dispatch among the four sinks and sources. All
// quantities are non-negative kWh.
type Allocation struct {
	ToStorage   float64
	SellToGrid  float64
	BuyFromGrid float64
	FromStorage float64
}

func (a *Allocation) clampNonNegative() {
	a.ToStorage = math.Max(0, a.ToStorage)
	a.SellToGrid = math.Max(0, a.SellToGrid)
	a.BuyFromGrid = math.Max(0, a.BuyFromGrid)
	a.FromStorage = math.Max(0, a.FromStorage)
}

// Fallback returns the conservative allocation used when no informed decision
// can be made: cover the reported deficit from the grid and leave storage
// untouched.
func Fallback(production, consumption float64) Allocation {
	return Allocation{BuyFromGrid: math.Max(0, consumption-production)}
}

// Engine applies the allocation policy. Engines are stateless and safe for
// concurrent use.
type Engine struct {
	params Params
}

// NewEngine constructs an engine with the given parameters. Call
// Params.Validate first when the parameters come from configuration.
func NewEngine(params Params) *Engine {
	return &Engine{params: params}
}

// Params returns the engine's tuning.
func (e *Engine) Params() Params {
	return e.params
}

// Decide computes the tick's allocation together with the forecast context
// it was based on. It never fails: missing tariff hours are served fallback
// prices and reported through Analysis.MissingHours.
func (e *Engine) Decide(src PriceSource, req Request) (Allocation, *Analysis) {
	now, _ := src.At(req.Hour)

	lookAhead := req.LookAheadHours
	if lookAhead <= 0 {
		lookAhead = e.params.LookAheadHours
	}
	an := Analyze(src, req.Hour, lookAhead)

	var alloc Allocation
	balance := req.Production - req.Consumption
	if balance > 0 {
		e.allocateSurplus(&alloc, req, now, an, balance)
	} else {
		e.allocateDeficit(&alloc, req, now, an, -balance)
	}

	if e.params.ProactiveBuying {
		extra := e.proactiveTopUp(req, now.Purchase, an, alloc.ToStorage)
		alloc.BuyFromGrid += extra
		alloc.ToStorage += extra
	}

	alloc.clampNonNegative()
	return alloc, an
}

// allocateSurplus splits surplus energy between storage and the grid. Storage
// takes priority when a spike is near, a good sell hour is coming while the
// fill target is unmet, or the peer-to-peer price undercuts the grid.
func (e *Engine) allocateSurplus(alloc *Allocation, req Request, now prices.Entry, an *Analysis, surplus float64) {
	capacityLeft := req.MaxStorage - req.CurrentStorage

	urgency := e.params.BaseUrgency
	if !math.IsInf(an.HoursToNextSpike, 1) {
		urgency = math.Exp(-e.params.UrgencyDecay * an.HoursToNextSpike)
	}

	targetPct := math.Min(e.params.TargetCapPct, e.params.TargetFloorPct+urgency)
	storageDeficit := math.Max(0, req.MaxStorage*targetPct-req.CurrentStorage)

	p2pCompetitive := req.P2PPrice < now.Sale*e.params.P2PDiscount

	prioritizeStorage := (storageDeficit > 0 && an.HoursToNextSpike < spikeSoonHorizon) ||
		p2pCompetitive ||
		(len(an.GoodSellHours) > 0 && storageDeficit > 0)

	if prioritizeStorage && capacityLeft > 0 {
		alloc.ToStorage = math.Min(surplus, capacityLeft)
		surplus -= alloc.ToStorage
	}
	if surplus > 0 {
		alloc.SellToGrid = surplus
	}
}

// allocateDeficit covers a shortfall from storage and the grid. Storage is
// spent during a spike, when no spike is close, or when it is nearly full;
// outside a spike only half of it may be drawn. Whatever still misses is
// bought, topped up opportunistically while the price is very cheap ahead of
// a spike.
func (e *Engine) allocateDeficit(alloc *Allocation, req Request, now prices.Entry, an *Analysis, needed float64) {
	spikeNow := now.Purchase > an.SpikeThreshold

	useStorage := spikeNow ||
		an.HoursToNextSpike > storageDrawHorizon ||
		req.CurrentStorage > storageFullRatio*req.MaxStorage

	if useStorage && req.CurrentStorage > 0 {
		drawCap := req.CurrentStorage
		if !spikeNow {
			drawCap *= conservativeDrawRatio
		}
		alloc.FromStorage = math.Min(drawCap, needed)
		needed -= alloc.FromStorage
	}

	if needed > 0 {
		alloc.BuyFromGrid = needed

		veryCheap := now.Purchase < an.MeanPurchase*e.params.CheapRatio
		spaceLeft := req.MaxStorage - req.CurrentStorage
		if veryCheap && an.HoursToNextSpike < spikeSoonHorizon && spaceLeft > 0 {
			advantage := (an.MeanPurchase - now.Purchase) / an.MeanPurchase
			extra := math.Min(spaceLeft, advantage*e.params.CheapFillKWh)
			alloc.ToStorage += extra
			alloc.BuyFromGrid += extra
		}
	}
}
