// Package quant 将原始价格与数量量化为交易所合法值。
// 全部向下取整: 宁可少买少卖，也不越过交易所限制或调用方的风险预算。
package quant

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"perp-gateway/internal/venue"
)

// ErrInvalidQuantity 表示量化结果不构成合法委托。
var ErrInvalidQuantity = errors.New("quant: invalid quantity")

var hundred = decimal.NewFromInt(100)

// RoundDown 将 v 向下取整到 step 的整数倍。
func RoundDown(v, step decimal.Decimal) decimal.Decimal {
	if step.Sign() <= 0 {
		return v
	}
	return v.Div(step).Floor().Mul(step)
}

// LimitPrice 按挂单偏移计算限价目标价:
// BUY 挂在标记价下方, SELL 挂在上方，偏向被动成交。
func LimitPrice(mark decimal.Decimal, side venue.Side, offsetPct decimal.Decimal) decimal.Decimal {
	offset := offsetPct.Div(hundred)
	if side == venue.SideBuy {
		return mark.Mul(decimal.NewFromInt(1).Sub(offset))
	}
	return mark.Mul(decimal.NewFromInt(1).Add(offset))
}

// BandPrice 按滑点上限计算市价保护价:
// BUY 允许向上穿越价差, SELL 允许向下。
func BandPrice(mark decimal.Decimal, side venue.Side, slippagePct decimal.Decimal) decimal.Decimal {
	slippage := slippagePct.Div(hundred)
	if side == venue.SideBuy {
		return mark.Mul(decimal.NewFromInt(1).Add(slippage))
	}
	return mark.Mul(decimal.NewFromInt(1).Sub(slippage))
}

// Order 将目标价与数量量化到市场精度，并校验最小委托约束。
// 任何校验失败都发生在触达交易所之前。
func Order(price, size decimal.Decimal, p venue.Precision) (decimal.Decimal, decimal.Decimal, error) {
	if size.LessThan(p.MinSize) {
		return decimal.Zero, decimal.Zero,
			fmt.Errorf("%w: size %s 小于最小委托量 %s", ErrInvalidQuantity, size, p.MinSize)
	}

	qPrice := RoundDown(price, p.Tick)
	qSize := RoundDown(size, p.Step)

	if qSize.Sign() <= 0 {
		return decimal.Zero, decimal.Zero,
			fmt.Errorf("%w: 量化后数量为零 size=%s step=%s", ErrInvalidQuantity, size, p.Step)
	}
	if qPrice.Sign() <= 0 {
		return decimal.Zero, decimal.Zero,
			fmt.Errorf("%w: 量化后价格为零 price=%s tick=%s", ErrInvalidQuantity, price, p.Tick)
	}

	return qPrice, qSize, nil
}
