package uniswap

import (
	"errors"
	"fmt"
	"math"
	"math/big"
)

var (
	// ErrInvalidTickRange is returned when tickLower is not below tickUpper.
	ErrInvalidTickRange = errors.New("tick lower must be below tick upper")
	// ErrPoolNotInitialized is returned for a pool without a price.
	ErrPoolNotInitialized = errors.New("pool price is not initialized")
)

// RangeSide tells where the current tick sits relative to a position range.
type RangeSide int

const (
	// Inside means tickLower <= tick < tickUpper.
	Inside RangeSide = iota
	// Below means the price is under the range, the position is all token0.
	Below
	// Above means the price is at or over the upper tick, the position is all token1.
	Above
)

func (s RangeSide) String() string {
	switch s {
	case Below:
		return "below"
	case Above:
		return "above"
	default:
		return "inside"
	}
}

// Amounts is the token composition of a position at a given pool price.
// Amounts are in human units, values are expressed in token1.
type Amounts struct {
	Amount0        float64 `json:"amount0"`
	Amount1        float64 `json:"amount1"`
	Percentage0    float64 `json:"percentage0"`
	Percentage1    float64 `json:"percentage1"`
	Value0InToken1 float64 `json:"value0InToken1"`
	Value1InToken1 float64 `json:"value1InToken1"`
	Price          float64 `json:"price"`
}

// Valuation is a position evaluated against a pool snapshot.
type Valuation struct {
	Side    RangeSide `json:"side"`
	InRange bool      `json:"inRange"`
	Amounts Amounts   `json:"amounts"`
}

// TickToPrice converts a tick into a token1/token0 price in human units.
func TickToPrice(tick int, decimals0, decimals1 uint8) float64 {
	return math.Pow(1.0001, float64(tick)) * math.Pow10(int(decimals0)-int(decimals1))
}

// Side classifies currentTick against the half-open range [tickLower, tickUpper).
func Side(tickLower, tickUpper, currentTick int) RangeSide {
	switch {
	case currentTick < tickLower:
		return Below
	case currentTick >= tickUpper:
		return Above
	default:
		return Inside
	}
}

// InRange reports whether currentTick lies in [tickLower, tickUpper).
func InRange(tickLower, tickUpper, currentTick int) bool {
	return Side(tickLower, tickUpper, currentTick) == Inside
}

// CalculateTokenAmounts returns the composition of a position holding
// liquidity between tickLower and tickUpper when the pool sits at
// sqrtPriceX96 / currentTick.
func CalculateTokenAmounts(liquidity, sqrtPriceX96 *big.Int, tickLower, tickUpper, currentTick int, decimals0, decimals1 uint8) (Amounts, error) {
	if tickLower >= tickUpper {
		return Amounts{}, fmt.Errorf("%w: %d >= %d", ErrInvalidTickRange, tickLower, tickUpper)
	}

	liq := bigToFloat(liquidity)
	sqrtA := math.Sqrt(math.Pow(1.0001, float64(tickLower)))
	sqrtB := math.Sqrt(math.Pow(1.0001, float64(tickUpper)))
	sqrtP := math.Ldexp(bigToFloat(sqrtPriceX96), -96)
	if sqrtP <= 0 || math.IsInf(sqrtP, 1) {
		return Amounts{}, ErrPoolNotInitialized
	}

	var amount0, amount1 float64
	switch Side(tickLower, tickUpper, currentTick) {
	case Below:
		amount0 = liq * (1/sqrtA - 1/sqrtB)
	case Above:
		amount1 = liq * (sqrtB - sqrtA)
	default:
		amount0 = liq * (1/sqrtP - 1/sqrtB)
		amount1 = liq * (sqrtP - sqrtA)
	}

	amount0 /= math.Pow10(int(decimals0))
	amount1 /= math.Pow10(int(decimals1))

	price := sqrtP * sqrtP * math.Pow10(int(decimals0)-int(decimals1))

	value0 := amount0 * price
	value1 := amount1
	total := value0 + value1

	var pct0, pct1 float64
	if total > 0 {
		pct0 = value0 / total * 100
		pct1 = value1 / total * 100
	}

	return Amounts{
		Amount0:        amount0,
		Amount1:        amount1,
		Percentage0:    pct0,
		Percentage1:    pct1,
		Value0InToken1: value0,
		Value1InToken1: value1,
		Price:          price,
	}, nil
}

// Evaluate values a position against a pool snapshot.
func Evaluate(position Position, pool PoolState) (Valuation, error) {
	amounts, err := CalculateTokenAmounts(
		position.Liquidity,
		pool.SqrtPriceX96,
		position.TickLower,
		position.TickUpper,
		pool.Tick,
		position.Token0.Decimals,
		position.Token1.Decimals,
	)
	if err != nil {
		return Valuation{}, err
	}

	side := Side(position.TickLower, position.TickUpper, pool.Tick)
	return Valuation{
		Side:    side,
		InRange: side == Inside,
		Amounts: amounts,
	}, nil
}

func bigToFloat(n *big.Int) float64 {
	if n == nil {
		return 0
	}
	f, _ := new(big.Float).SetInt(n).Float64()
	return f
}
