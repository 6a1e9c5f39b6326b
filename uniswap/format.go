package uniswap

import (
	"fmt"
	"math"
	"math/big"

	"github.com/shopspring/decimal"
)

// FormatPositionSummary formats a position report into a human-readable summary
func FormatPositionSummary(report PositionReport) PositionSummary {
	pos := report.Position
	sym0, sym1 := pos.Token0.Symbol, pos.Token1.Symbol
	if sym0 == "" {
		sym0 = "Token0"
	}
	if sym1 == "" {
		sym1 = "Token1"
	}

	summary := PositionSummary{
		ID:            pos.TokenID.String(),
		TokenPair:     fmt.Sprintf("%s/%s", sym0, sym1),
		FeeTier:       FormatFeeTier(pos.FeeTier),
		PriceRange:    fmt.Sprintf("%s - %s", FormatFloat(pos.PriceLower), FormatFloat(pos.PriceUpper)),
		TickRange:     fmt.Sprintf("%d - %d", pos.TickLower, pos.TickUpper),
		UnclaimedFees: fmt.Sprintf("%s %s, %s %s", FormatTokenAmount(pos.TokensOwed0, pos.Token0.Decimals), sym0, FormatTokenAmount(pos.TokensOwed1, pos.Token1.Decimals), sym1),
	}

	switch {
	case report.Err != nil:
		summary.Status = "unavailable"
	case pos.Pool == nil:
		summary.Status = "pool not found"
	case report.Valuation == nil:
		summary.Status = "unknown"
	default:
		v := report.Valuation
		summary.InRange = v.InRange
		summary.CurrentPrice = fmt.Sprintf("%s (tick %d)", FormatFloat(v.Amounts.Price), report.Pool.Tick)
		summary.Amounts = fmt.Sprintf("%s %s, %s %s", FormatFloat(v.Amounts.Amount0), sym0, FormatFloat(v.Amounts.Amount1), sym1)
		summary.Composition = fmt.Sprintf("%s%% %s / %s%% %s", formatPercent(v.Amounts.Percentage0), sym0, formatPercent(v.Amounts.Percentage1), sym1)

		switch v.Side {
		case Below:
			summary.Status = fmt.Sprintf("out of range, price below range (100%% %s)", sym0)
		case Above:
			summary.Status = fmt.Sprintf("out of range, price above range (100%% %s)", sym1)
		default:
			summary.Status = "in range"
		}
	}

	return summary
}

// FormatFeeTier renders a fee in hundredths of a basis point as a percentage (3000 -> 0.3%).
func FormatFeeTier(fee uint32) string {
	return decimal.New(int64(fee), -4).String() + "%"
}

// FormatTokenAmount renders a raw token amount in human units.
func FormatTokenAmount(n *big.Int, decimals uint8) string {
	if n == nil {
		return "0"
	}
	return decimal.NewFromBigInt(n, -int32(decimals)).String()
}

// FormatFloat renders a price or amount with six decimals, falling back to
// scientific notation for values too small or too large to read that way.
func FormatFloat(f float64) string {
	switch {
	case math.IsNaN(f) || math.IsInf(f, 0):
		return fmt.Sprintf("%g", f)
	case f == 0:
		return "0"
	case math.Abs(f) < 1e-6 || math.Abs(f) >= 1e15:
		return fmt.Sprintf("%.6e", f)
	}
	return decimal.NewFromFloat(f).StringFixed(6)
}

func formatPercent(f float64) string {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return "?"
	}
	return decimal.NewFromFloat(f).StringFixed(1)
}
