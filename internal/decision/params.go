package decision

import (
	"fmt"

	"c4e-agent/internal/prices"
)

// Params are the tunable weights of the allocation policy.
type Params struct {
	// LookAheadHours is the forecast window scanned for price spikes and
	// sell opportunities. Requests may override it per call.
	LookAheadHours int
	// ProactiveBuying enables the pre-spike top-up purchase.
	ProactiveBuying bool
	// BaseUrgency is the storage urgency applied when no spike is forecast.
	BaseUrgency float64
	// UrgencyDecay is the exponential decay rate of urgency per hour of
	// distance to the next spike.
	UrgencyDecay float64
	// TargetFloorPct is the storage fill target, as a share of capacity,
	// at zero urgency.
	TargetFloorPct float64
	// TargetCapPct bounds the storage fill target from above.
	TargetCapPct float64
	// P2PDiscount marks the peer-to-peer price competitive when it is below
	// the grid sale price times this factor.
	P2PDiscount float64
	// CheapRatio marks the purchase price very cheap when it is below the
	// daily mean times this factor.
	CheapRatio float64
	// CheapFillKWh scales the opportunistic storage fill made while buying
	// at a very cheap price.
	CheapFillKWh float64
	// ProactiveBaseKWh is the base unit of a proactive pre-spike purchase.
	ProactiveBaseKWh float64
}

// DefaultParams returns the production tuning of the allocation policy.
func DefaultParams() Params {
	return Params{
		LookAheadHours:   12,
		ProactiveBuying:  true,
		BaseUrgency:      0.1,
		UrgencyDecay:     0.1,
		TargetFloorPct:   0.5,
		TargetCapPct:     0.9,
		P2PDiscount:      0.9,
		CheapRatio:       0.8,
		CheapFillKWh:     10,
		ProactiveBaseKWh: 5,
	}
}

// Validate rejects parameter combinations the policy cannot work with.
func (p Params) Validate() error {
	if p.LookAheadHours < 1 || p.LookAheadHours > prices.HoursPerDay {
		return fmt.Errorf("look_ahead_hours must be within 1..%d, got %d", prices.HoursPerDay, p.LookAheadHours)
	}
	if p.BaseUrgency < 0 || p.UrgencyDecay < 0 {
		return fmt.Errorf("urgency parameters must not be negative")
	}
	if p.TargetFloorPct < 0 || p.TargetCapPct > 1 || p.TargetFloorPct > p.TargetCapPct {
		return fmt.Errorf("storage targets must satisfy 0 <= floor <= cap <= 1")
	}
	if p.P2PDiscount <= 0 || p.CheapRatio <= 0 {
		return fmt.Errorf("price ratio parameters must be positive")
	}
	if p.CheapFillKWh < 0 || p.ProactiveBaseKWh < 0 {
		return fmt.Errorf("purchase scale parameters must not be negative")
	}
	return nil
}
