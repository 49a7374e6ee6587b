package oracle

import (
	"context"

	"github.com/shopspring/decimal"
)

// Static returns a fixed quote. It backs deployments without a marketplace
// contract configured.
type Static struct {
	price decimal.Decimal
}

// NewStatic builds a fixed-quote fetcher.
func NewStatic(price decimal.Decimal) *Static {
	return &Static{price: price}
}

// FetchQuote returns the configured price. The block number is always zero.
func (s *Static) FetchQuote(_ context.Context) (decimal.Decimal, uint64, error) {
	return s.price, 0, nil
}

var _ QuoteFetcher = (*Static)(nil)
