package prices

import (
	"fmt"
	"sort"
)

// HoursPerDay is the size of the tariff cycle.
const HoursPerDay = 24

// Fallback prices quoted for hours the table has no entry for. Lookups never
// fail; a miss is reported through the second return of At so callers can log
// it.
const (
	FallbackPurchase = 0.5
	FallbackSale     = 0.25
)

// Entry is the grid tariff pair for one hour of day, in currency per kWh.
type Entry struct {
	Purchase float64
	Sale     float64
}

// Fallback returns the entry substituted for hours absent from a table.
func Fallback() Entry {
	return Entry{Purchase: FallbackPurchase, Sale: FallbackSale}
}

// NormalizeHour maps any hour onto 0..23, wrapping negative values so that
// -1 becomes 23.
func NormalizeHour(hour int) int {
	h := hour % HoursPerDay
	if h < 0 {
		h += HoursPerDay
	}
	return h
}

// HourLabel renders the hour-range label used by the tariff CSV,
// e.g. "07:00 - 08:00".
func HourLabel(hour int) string {
	h := NormalizeHour(hour)
	return fmt.Sprintf("%02d:00 - %02d:00", h, (h+1)%HoursPerDay)
}

// Table is an immutable hour-of-day tariff lookup. The zero value has no
// entries, so every lookup reports a miss and quotes fallback prices.
type Table struct {
	entries [HoursPerDay]Entry
	present [HoursPerDay]bool
}

// NewTable builds a table from per-hour entries. Keys are normalized modulo
// 24, so duplicates after wrapping overwrite earlier values.
func NewTable(entries map[int]Entry) *Table {
	t := &Table{}
	for hour, entry := range entries {
		h := NormalizeHour(hour)
		t.entries[h] = entry
		t.present[h] = true
	}
	return t
}

// Uniform returns a table quoting the same prices for all 24 hours.
func Uniform(entry Entry) *Table {
	t := &Table{}
	for h := 0; h < HoursPerDay; h++ {
		t.entries[h] = entry
		t.present[h] = true
	}
	return t
}

// At returns the tariff pair for the hour, normalized modulo 24. The second
// return is false when the hour is absent and fallback prices were
// substituted.
func (t *Table) At(hour int) (Entry, bool) {
	h := NormalizeHour(hour)
	if !t.present[h] {
		return Fallback(), false
	}
	return t.entries[h], true
}

// Complete reports whether all 24 hours carry an entry.
func (t *Table) Complete() bool {
	for _, ok := range t.present {
		if !ok {
			return false
		}
	}
	return true
}

// Len returns the number of hours present.
func (t *Table) Len() int {
	n := 0
	for _, ok := range t.present {
		if ok {
			n++
		}
	}
	return n
}

// MissingHours lists the absent hours in ascending order.
func (t *Table) MissingHours() []int {
	var missing []int
	for h, ok := range t.present {
		if !ok {
			missing = append(missing, h)
		}
	}
	sort.Ints(missing)
	return missing
}

// PurchasePrices returns the 24 per-hour purchase prices, with fallback
// values substituted for absent hours.
func (t *Table) PurchasePrices() []float64 {
	out := make([]float64, HoursPerDay)
	for h := 0; h < HoursPerDay; h++ {
		entry, _ := t.At(h)
		out[h] = entry.Purchase
	}
	return out
}

// SalePrices returns the 24 per-hour sale prices, with fallback values
// substituted for absent hours.
func (t *Table) SalePrices() []float64 {
	out := make([]float64, HoursPerDay)
	for h := 0; h < HoursPerDay; h++ {
		entry, _ := t.At(h)
		out[h] = entry.Sale
	}
	return out
}
