package storage

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// DecisionRecord is one audited allocation decision. Energy quantities are
// kWh measurements and stay floats; money fields are stored as NUMERIC and
// carried as decimals.
type DecisionRecord struct {
	ID           int64
	RequestID    uuid.UUID
	DecidedAt    time.Time
	Hour         int
	Production   float64
	Consumption  float64
	StorageLevel float64
	StorageMax   float64
	P2PPrice     decimal.Decimal
	ToStorage    float64
	SellToGrid   float64
	BuyFromGrid  float64
	FromStorage  float64
	NetCost      decimal.Decimal
	Status       string
	Error        *string
	CreatedAt    time.Time
}

// SpikeAlertRecord captures an emitted spike notification for auditing and
// restart-safe cooldown checks.
type SpikeAlertRecord struct {
	ID         int64
	ForecastAt time.Time
	SpikeHour  int
	SpikePrice decimal.Decimal
	HoursAway  int
	Threshold  decimal.Decimal
	Channels   []string
	CreatedAt  time.Time
}
