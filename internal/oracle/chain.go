package oracle

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const (
	marketplaceABIJSON = `[{"inputs":[],"name":"currentPrice","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"}]`
)

var (
	marketplaceABI abi.ABI
)

func init() {
	parsed, err := abi.JSON(strings.NewReader(marketplaceABIJSON))
	if err != nil {
		panic("failed to parse marketplace ABI: " + err.Error())
	}
	marketplaceABI = parsed
}

// ChainOptions parameterise the on-chain quote fetcher.
type ChainOptions struct {
	RPCURL          string
	ContractAddress string
	Timeout         time.Duration
}

// Chain reads the marketplace quote via Ethereum RPC. The contract publishes
// its price as a fixed-point uint256 with 18 decimals.
type Chain struct {
	opts      ChainOptions
	logger    zerolog.Logger
	client    *ethclient.Client
	clientMux sync.Mutex
}

// NewChain builds a new on-chain quote fetcher.
func NewChain(opts ChainOptions, logger zerolog.Logger) *Chain {
	return &Chain{opts: opts, logger: logger.With().Str("component", "p2p_oracle").Logger()}
}

// FetchQuote retrieves the current marketplace price and the block it was read at.
func (c *Chain) FetchQuote(ctx context.Context) (decimal.Decimal, uint64, error) {
	if c.opts.RPCURL == "" {
		return decimal.Decimal{}, 0, errors.New("ethereum rpc url not configured")
	}
	if c.opts.ContractAddress == "" {
		return decimal.Decimal{}, 0, errors.New("marketplace contract address not configured")
	}

	timeout := c.opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	var cancel context.CancelFunc
	ctx, cancel = context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := c.getClient(ctx)
	if err != nil {
		return decimal.Decimal{}, 0, err
	}

	addr := common.HexToAddress(c.opts.ContractAddress)

	payload, err := marketplaceABI.Pack("currentPrice")
	if err != nil {
		return decimal.Decimal{}, 0, err
	}

	res, err := client.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: payload}, nil)
	if err != nil {
		return decimal.Decimal{}, 0, err
	}

	outputs, err := marketplaceABI.Unpack("currentPrice", res)
	if err != nil {
		return decimal.Decimal{}, 0, err
	}

	if len(outputs) != 1 {
		return decimal.Decimal{}, 0, errors.New("unexpected currentPrice response")
	}

	raw, ok := outputs[0].(*big.Int)
	if !ok {
		return decimal.Decimal{}, 0, errors.New("failed to decode currentPrice output")
	}

	quote := decimal.NewFromBigInt(raw, -18)

	blockNumber, err := client.BlockNumber(ctx)
	if err != nil {
		return decimal.Decimal{}, 0, err
	}

	return quote, blockNumber, nil
}

func (c *Chain) getClient(ctx context.Context) (*ethclient.Client, error) {
	c.clientMux.Lock()
	defer c.clientMux.Unlock()

	if c.client != nil {
		return c.client, nil
	}

	client, err := ethclient.DialContext(ctx, c.opts.RPCURL)
	if err != nil {
		return nil, err
	}
	c.client = client
	return client, nil
}

var _ QuoteFetcher = (*Chain)(nil)
