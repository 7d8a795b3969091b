package oracle

import (
	"context"
	"errors"
	"fmt"
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

const aggregatorV3ABIJSON = `[
{"inputs":[],"name":"decimals","outputs":[{"internalType":"uint8","name":"","type":"uint8"}],"stateMutability":"view","type":"function"},
{"inputs":[],"name":"latestRoundData","outputs":[{"internalType":"uint80","name":"roundId","type":"uint80"},{"internalType":"int256","name":"answer","type":"int256"},{"internalType":"uint256","name":"startedAt","type":"uint256"},{"internalType":"uint256","name":"updatedAt","type":"uint256"},{"internalType":"uint80","name":"answeredInRound","type":"uint80"}],"stateMutability":"view","type":"function"}
]`

var aggregatorABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(aggregatorV3ABIJSON))
	if err != nil {
		panic("failed to parse aggregator ABI: " + err.Error())
	}
	aggregatorABI = parsed
}

// Feed binds an asset to an on-chain AggregatorV3 contract.
type Feed struct {
	Asset   string
	Address string
	// UnitDivisor converts the feed unit into one asset unit, e.g. 31.1034768
	// for a per-troy-ounce feed backing a one-gram token.
	UnitDivisor decimal.Decimal
	// HalfSpreadBps widens the single answer into a bid/ask pair.
	HalfSpreadBps int64
}

// ChainlinkOptions parameterise the on-chain adapter.
type ChainlinkOptions struct {
	RPCURL  string
	Feeds   []Feed
	Timeout time.Duration
	MaxAge  time.Duration
}

// Chainlink reads reference prices from AggregatorV3 feeds over Ethereum RPC.
type Chainlink struct {
	opts      ChainlinkOptions
	feeds     map[string]Feed
	logger    zerolog.Logger
	client    *ethclient.Client
	clientMux sync.Mutex
	decimals  sync.Map
	clock     func() time.Time
}

// NewChainlink builds an on-chain oracle.
func NewChainlink(opts ChainlinkOptions, logger zerolog.Logger) *Chainlink {
	feeds := make(map[string]Feed, len(opts.Feeds))
	for _, f := range opts.Feeds {
		feeds[strings.ToUpper(strings.TrimSpace(f.Asset))] = f
	}
	return &Chainlink{
		opts:   opts,
		feeds:  feeds,
		logger: logger.With().Str("component", "oracle_chainlink").Logger(),
		clock:  time.Now,
	}
}

// ReferencePrice reads latestRoundData for the asset's feed.
func (c *Chainlink) ReferencePrice(ctx context.Context, asset string) (Price, error) {
	if c.opts.RPCURL == "" {
		return Price{}, fmt.Errorf("%w: ethereum rpc url not configured", ErrUnavailable)
	}
	code := strings.ToUpper(strings.TrimSpace(asset))
	feed, ok := c.feeds[code]
	if !ok || feed.Address == "" {
		return Price{}, fmt.Errorf("%w: no feed for %s", ErrUnavailable, code)
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
		return Price{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	addr := common.HexToAddress(feed.Address)

	places, err := c.feedDecimals(ctx, client, addr)
	if err != nil {
		return Price{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	answer, updatedAt, err := c.latestRound(ctx, client, addr)
	if err != nil {
		return Price{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if answer.Sign() <= 0 {
		return Price{}, fmt.Errorf("%w: non-positive answer from %s", ErrUnavailable, feed.Address)
	}
	if c.opts.MaxAge > 0 && c.clock().Sub(updatedAt) > c.opts.MaxAge {
		c.logger.Warn().Str("asset", code).Time("updated_at", updatedAt).Msg("stale feed rejected")
		return Price{}, fmt.Errorf("%w: stale feed for %s", ErrUnavailable, code)
	}

	mid := decimal.NewFromBigInt(answer, -int32(places))
	if feed.UnitDivisor.IsPositive() {
		mid = mid.DivRound(feed.UnitDivisor, 12)
	}
	half := mid.Mul(decimal.NewFromInt(feed.HalfSpreadBps)).Div(decimal.NewFromInt(10_000))

	return Price{
		Asset:      code,
		Bid:        mid.Sub(half),
		Ask:        mid.Add(half),
		Source:     "chainlink",
		ObservedAt: updatedAt,
	}, nil
}

func (c *Chainlink) feedDecimals(ctx context.Context, client *ethclient.Client, addr common.Address) (uint8, error) {
	if cached, ok := c.decimals.Load(addr); ok {
		return cached.(uint8), nil
	}
	out, err := c.call(ctx, client, addr, "decimals")
	if err != nil {
		return 0, err
	}
	if len(out) != 1 {
		return 0, errors.New("unexpected decimals response")
	}
	places, ok := out[0].(uint8)
	if !ok {
		return 0, errors.New("failed to decode decimals output")
	}
	c.decimals.Store(addr, places)
	return places, nil
}

func (c *Chainlink) latestRound(ctx context.Context, client *ethclient.Client, addr common.Address) (*big.Int, time.Time, error) {
	out, err := c.call(ctx, client, addr, "latestRoundData")
	if err != nil {
		return nil, time.Time{}, err
	}
	if len(out) != 5 {
		return nil, time.Time{}, errors.New("unexpected latestRoundData response")
	}
	answer, ok := out[1].(*big.Int)
	if !ok {
		return nil, time.Time{}, errors.New("failed to decode answer")
	}
	updated, ok := out[3].(*big.Int)
	if !ok {
		return nil, time.Time{}, errors.New("failed to decode updatedAt")
	}
	return answer, time.Unix(updated.Int64(), 0).UTC(), nil
}

func (c *Chainlink) call(ctx context.Context, client *ethclient.Client, addr common.Address, method string) ([]interface{}, error) {
	payload, err := aggregatorABI.Pack(method)
	if err != nil {
		return nil, err
	}
	res, err := client.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: payload}, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	return aggregatorABI.Unpack(method, res)
}

func (c *Chainlink) getClient(ctx context.Context) (*ethclient.Client, error) {
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

var _ PriceOracle = (*Chainlink)(nil)
