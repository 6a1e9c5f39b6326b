package uniswap

import (
	"math"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Token represents an ERC20 token
type Token struct {
	Address  common.Address `json:"address"`
	Symbol   string         `json:"symbol"`
	Decimals uint8          `json:"decimals"`
}

// UnknownToken is the metadata used when symbol() or decimals() cannot be
// read from a token contract. The position is still returned with it.
var UnknownToken = Token{Symbol: "UNKNOWN", Decimals: 18}

// Position represents an open position NFT of the position manager
type Position struct {
	TokenID *big.Int       `json:"tokenId"`
	Owner   common.Address `json:"owner"`
	Token0  Token          `json:"token0"`
	Token1  Token          `json:"token1"`
	FeeTier uint32         `json:"feeTier"`

	TickLower int      `json:"tickLower"`
	TickUpper int      `json:"tickUpper"`
	Liquidity *big.Int `json:"liquidity"`

	// Uncollected amounts as stored by the position manager
	TokensOwed0 *big.Int `json:"tokensOwed0"`
	TokensOwed1 *big.Int `json:"tokensOwed1"`

	// Price range, decimal adjusted when HasTokenInfo is set
	PriceLower float64 `json:"priceLower"`
	PriceUpper float64 `json:"priceUpper"`

	// Pool is nil when pool info was not requested or the pool does not exist
	Pool         *common.Address `json:"pool,omitempty"`
	HasTokenInfo bool            `json:"hasTokenInfo"`
}

// PoolState is a snapshot of a pool's slot0
type PoolState struct {
	Address      common.Address `json:"address"`
	SqrtPriceX96 *big.Int       `json:"sqrtPriceX96"`
	Tick         int            `json:"tick"`
}

// SqrtPrice returns sqrtPriceX96 / 2^96.
func (s PoolState) SqrtPrice() float64 {
	return math.Ldexp(bigToFloat(s.SqrtPriceX96), -96)
}

// Price returns the raw token1/token0 price, without decimal adjustment.
func (s PoolState) Price() float64 {
	p := s.SqrtPrice()
	return p * p
}

// PositionSummary provides a human-readable summary of a position
type PositionSummary struct {
	ID            string `json:"id"`
	TokenPair     string `json:"tokenPair"`
	FeeTier       string `json:"feeTier"`
	Amounts       string `json:"amounts"`
	Composition   string `json:"composition"`
	PriceRange    string `json:"priceRange"`
	TickRange     string `json:"tickRange"`
	CurrentPrice  string `json:"currentPrice"`
	UnclaimedFees string `json:"unclaimedFees"`
	Status        string `json:"status"`
	InRange       bool   `json:"inRange"`
}

// PositionRequest represents a request to fetch positions for a wallet
type PositionRequest struct {
	WalletAddress common.Address
	// PositionManager overrides the registry entry for the configured chain
	PositionManager *common.Address
	IncludePoolInfo bool
}

// PositionReport pairs a position with the live state of its pool.
// Pool and Valuation are nil when the pool is unknown or Err is set.
type PositionReport struct {
	Position  Position
	Pool      *PoolState
	Valuation *Valuation
	Err       error
}
