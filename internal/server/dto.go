package server

import (
	"fmt"
	"math"

	"github.com/google/uuid"

	"c4e-agent/internal/decision"
	"c4e-agent/internal/prices"
	"c4e-agent/internal/service"
)

// storageLevelDTO is one named storage unit on the wire.
type storageLevelDTO struct {
	Capacity     *float64 `json:"capacity"`
	CurrentLevel *float64 `json:"current_level"`
}

// decisionRequestDTO mirrors the energy platform's decision call. Reported
// grid prices and the token balance are accepted for logging; the tariff
// table stays authoritative.
type decisionRequestDTO struct {
	Hour              *int                       `json:"hour"`
	Production        *float64                   `json:"production"`
	Consumption       *float64                   `json:"consumption"`
	StorageLevels     map[string]storageLevelDTO `json:"storage_levels"`
	GridPurchasePrice float64                    `json:"grid_purchase_price"`
	GridSalePrice     float64                    `json:"grid_sale_price"`
	P2PBasePrice      *float64                   `json:"p2p_base_price"`
	TokenBalance      float64                    `json:"token_balance"`
	LookAheadHours    int                        `json:"look_ahead_hours"`
	RequestID         string                     `json:"request_id"`
}

func (d *decisionRequestDTO) toRequest() (service.Request, error) {
	if d.Hour == nil {
		return service.Request{}, fmt.Errorf("hour is required")
	}
	if d.Production == nil {
		return service.Request{}, fmt.Errorf("production is required")
	}
	if d.Consumption == nil {
		return service.Request{}, fmt.Errorf("consumption is required")
	}

	req := service.Request{
		Hour:           *d.Hour,
		Production:     *d.Production,
		Consumption:    *d.Consumption,
		GridPurchase:   d.GridPurchasePrice,
		GridSale:       d.GridSalePrice,
		TokenBalance:   d.TokenBalance,
		P2PPrice:       d.P2PBasePrice,
		LookAheadHours: d.LookAheadHours,
	}

	if d.RequestID != "" {
		id, err := uuid.Parse(d.RequestID)
		if err != nil {
			return service.Request{}, fmt.Errorf("request_id must be a UUID")
		}
		req.RequestID = id
	}

	if len(d.StorageLevels) > 0 {
		req.Storages = make(map[string]service.StorageUnit, len(d.StorageLevels))
		for name, unit := range d.StorageLevels {
			if unit.Capacity == nil {
				return service.Request{}, fmt.Errorf("storage %q is missing capacity", name)
			}
			if unit.CurrentLevel == nil {
				return service.Request{}, fmt.Errorf("storage %q is missing current_level", name)
			}
			req.Storages[name] = service.StorageUnit{
				Capacity:     *unit.Capacity,
				CurrentLevel: *unit.CurrentLevel,
			}
		}
	}

	return req, nil
}

// decisionResponseDTO keeps the original agent's four quantities and adds
// traceability fields.
type decisionResponseDTO struct {
	EnergyAddedToStorage     float64  `json:"energy_added_to_storage"`
	EnergySoldToGrid         float64  `json:"energy_sold_to_grid"`
	EnergyBoughtFromStorages float64  `json:"energy_bought_from_storages"`
	EnergyBoughtFromGrid     float64  `json:"energy_bought_from_grid"`
	NetCost                  float64  `json:"net_cost"`
	RequestID                string   `json:"request_id"`
	Status                   string   `json:"status"`
	Warnings                 []string `json:"warnings,omitempty"`
}

func toDecisionResponse(res service.Result) decisionResponseDTO {
	return decisionResponseDTO{
		EnergyAddedToStorage:     res.Allocation.ToStorage,
		EnergySoldToGrid:         res.Allocation.SellToGrid,
		EnergyBoughtFromStorages: res.Allocation.FromStorage,
		EnergyBoughtFromGrid:     res.Allocation.BuyFromGrid,
		NetCost:                  res.NetCost,
		RequestID:                res.RequestID.String(),
		Status:                   res.Status,
		Warnings:                 res.Warnings,
	}
}

type spikeDTO struct {
	Hour      int     `json:"hour"`
	Label     string  `json:"label"`
	Price     float64 `json:"price"`
	HoursAway int     `json:"hours_away"`
}

type forecastResponseDTO struct {
	Hour             int        `json:"hour"`
	LookAheadHours   int        `json:"look_ahead_hours"`
	MeanPurchase     float64    `json:"mean_purchase"`
	StdPurchase      float64    `json:"std_purchase"`
	MeanSale         float64    `json:"mean_sale"`
	SpikeThreshold   float64    `json:"spike_threshold"`
	HighSaleLevel    float64    `json:"high_sale_level"`
	Spikes           []spikeDTO `json:"spikes"`
	NextSpikeInHours *int       `json:"next_spike_in_hours,omitempty"`
	GoodSellHours    []int      `json:"good_sell_hours"`
	MissingHours     []int      `json:"missing_hours,omitempty"`
}

func toForecastResponse(an *decision.Analysis) forecastResponseDTO {
	dto := forecastResponseDTO{
		Hour:           an.Hour,
		LookAheadHours: an.LookAheadHours,
		MeanPurchase:   an.MeanPurchase,
		StdPurchase:    an.StdPurchase,
		MeanSale:       an.MeanSale,
		SpikeThreshold: an.SpikeThreshold,
		HighSaleLevel:  an.HighSaleThreshold,
		Spikes:         make([]spikeDTO, 0, len(an.Spikes)),
		GoodSellHours:  an.GoodSellHours,
		MissingHours:   an.MissingHours,
	}
	if dto.GoodSellHours == nil {
		dto.GoodSellHours = []int{}
	}

	for _, spike := range an.Spikes {
		dto.Spikes = append(dto.Spikes, spikeDTO{
			Hour:      spike.Hour,
			Label:     prices.HourLabel(spike.Hour),
			Price:     spike.Price,
			HoursAway: spike.HoursAway,
		})
	}

	// +Inf cannot ride JSON; absence of the field means no spike ahead.
	if !math.IsInf(an.HoursToNextSpike, 1) {
		hours := int(an.HoursToNextSpike)
		dto.NextSpikeInHours = &hours
	}
	return dto
}
