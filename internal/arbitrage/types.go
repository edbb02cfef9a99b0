package arbitrage

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

type TokenStatus string

const (
	TokenVerified    TokenStatus = "VERIFIED"
	TokenUnverified  TokenStatus = "UNVERIFIED"
	TokenBlacklisted TokenStatus = "BLACKLISTED"
	TokenUnknown     TokenStatus = "UNKNOWN"
)

// a Token is identified by chain + lowercase address
type Token struct {
	ChainID  uint64         `json:"chain_id"`
	Address  common.Address `json:"address"`
	Symbol   string         `json:"symbol"`
	Decimals int32          `json:"decimals"`
	IsCore   bool           `json:"is_core"`
	Status   TokenStatus    `json:"status"`
}

func (t Token) Key() string {
	return fmt.Sprintf("%d:%s", t.ChainID, strings.ToLower(t.Address.Hex()))
}

type PoolStatus string

const (
	PoolActive      PoolStatus = "ACTIVE"
	PoolDisabled    PoolStatus = "DISABLED"
	PoolQuarantined PoolStatus = "QUARANTINED"
	PoolStale       PoolStatus = "STALE"
)

// a Pool is one fee tier of one pair on one dex
type Pool struct {
	ChainID uint64         `json:"chain_id"`
	DexID   string         `json:"dex_id"`
	DexType string         `json:"dex_type"`
	Address common.Address `json:"pool_address"`
	Quoter  common.Address `json:"-"`
	Base    Token          `json:"base"`
	Counter Token          `json:"counter"`
	Fee     uint32         `json:"fee"`
	Status  PoolStatus     `json:"status"`

	// dex level facts carried on the pool so the gates never look them up
	Verified    bool   `json:"verified"`
	GasEstimate uint64 `json:"gas_estimate"` // used when the quoter does not report gas
}

// PairKey sorts the two symbols alphabetically so both orders map to one key.
func (p Pool) PairKey() string {
	return PairKey(p.Base.Symbol, p.Counter.Symbol)
}

// Pair is the base/quote display form, e.g. WETH/USDC.
func (p Pool) Pair() string {
	return p.Base.Symbol + "/" + p.Counter.Symbol
}

// FitnessKey identifies a pool for adaptive thresholds and quarantine.
func (p Pool) FitnessKey() string {
	return fmt.Sprintf("%s_%s_%d", p.PairKey(), p.DexID, p.Fee)
}

func PairKey(a, b string) string {
	s := []string{a, b}
	sort.Strings(s)
	return s[0] + "/" + s[1]
}

type Direction string

const (
	// BUY spends the quote token to receive base
	Buy Direction = "BUY"
	// SELL spends base to receive the quote token
	Sell Direction = "SELL"
)

// Quote is one directional pricing result at a pinned block. never mutated after the adapter returns it.
type Quote struct {
	Pool         Pool      `json:"pool"`
	Direction    Direction `json:"direction"`
	TokenIn      Token     `json:"token_in"`
	TokenOut     Token     `json:"token_out"`
	Size         *big.Int  `json:"size"` // ladder rung in base units
	AmountIn     *big.Int  `json:"amount_in"`
	AmountOut    *big.Int  `json:"amount_out"`
	BlockNumber  uint64    `json:"block_number"`
	TimestampMs  int64     `json:"timestamp_ms"`
	GasEstimate  uint64    `json:"gas_estimate"`
	TicksCrossed *uint32   `json:"ticks_crossed"` // nil when the protocol does not expose it
	LatencyMs    int64     `json:"latency_ms"`
	Endpoint     string    `json:"endpoint"`
}

// ImpliedPrice is quote tokens per base token, whichever way the quote went.
func (q Quote) ImpliedPrice() (decimal.Decimal, error) {
	if q.AmountIn == nil || q.AmountOut == nil || q.AmountIn.Sign() <= 0 || q.AmountOut.Sign() <= 0 {
		return decimal.Zero, fmt.Errorf("implied price needs positive amounts")
	}
	in := ToUnits(q.AmountIn, q.TokenIn.Decimals)
	out := ToUnits(q.AmountOut, q.TokenOut.Decimals)
	if q.Direction == Buy {
		return in.DivRound(out, priceScale), nil
	}
	return out.DivRound(in, priceScale), nil
}

// Key identifies the fetch: pool + direction + size.
func (q Quote) Key() string {
	return fmt.Sprintf("%s_%s_%s", q.Pool.FitnessKey(), q.Direction, q.Size.String())
}

// Spread pairs a BUY leg on one pool with a SELL leg on another for the same pair and size.
type Spread struct {
	ID            string `json:"spread_id"`
	OpportunityID string `json:"opportunity_id"`
	Pair          string `json:"pair"`
	BlockNumber   uint64 `json:"block_number"`
	BuyLeg        Quote  `json:"buy_leg"`
	SellLeg       Quote  `json:"sell_leg"`

	BuyPrice          decimal.Decimal `json:"buy_price"`
	SellPrice         decimal.Decimal `json:"sell_price"`
	SpreadBps         decimal.Decimal `json:"spread_bps"`
	GasCostWei        *big.Int        `json:"gas_cost_wei"`
	GasCostBps        decimal.Decimal `json:"gas_cost_bps"`
	NetPnlBps         decimal.Decimal `json:"net_pnl_bps"`
	AmountInNumeraire decimal.Decimal `json:"amount_in_numeraire"`
	NetPnlNumeraire   decimal.Decimal `json:"net_pnl_numeraire"`

	Profitable bool `json:"profitable"`
	Plausible  bool `json:"plausible"`

	Confidence          decimal.Decimal            `json:"confidence"`
	ConfidenceBreakdown map[string]decimal.Decimal `json:"confidence_breakdown"`

	// the only two executability flags; BlockedReason is set whenever they differ
	EconomicExecutable bool   `json:"economic_executable"`
	ExecutionReady     bool   `json:"execution_ready"`
	BlockedReason      string `json:"blocked_reason"`
}

// Quoter is the on-chain pricing adapter boundary.
type Quoter interface {
	GetQuote(ctx context.Context, req QuoteRequest) (Quote, error)
}

type QuoteRequest struct {
	Pool      Pool
	Direction Direction
	Size      *big.Int
	AmountIn  *big.Int
	Block     uint64
}
