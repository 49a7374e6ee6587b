package oracle

import (
	"context"

	"github.com/shopspring/decimal"
)

// QuoteFetcher retrieves the current peer-to-peer energy price quote.
// The uint64 carries the block number the quote was observed at; sources
// without a chain report zero.
type QuoteFetcher interface {
	FetchQuote(ctx context.Context) (decimal.Decimal, uint64, error)
}
