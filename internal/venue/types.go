package venue

import (
	"github.com/shopspring/decimal"
)

// Side 表示下单方向。
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// PositionSide 表示持仓方向。
type PositionSide string

const (
	PositionLong  PositionSide = "LONG"
	PositionShort PositionSide = "SHORT"
)

// Opposite 返回平掉该持仓所需的下单方向。
func (s PositionSide) Opposite() Side {
	if s == PositionLong {
		return SideSell
	}
	return SideBuy
}

// Precision 描述单个市场的量化参数。
type Precision struct {
	Tick           decimal.Decimal
	Step           decimal.Decimal
	MinSize        decimal.Decimal
	AssetPrecision int
}

// MarketInfo 为市场元数据及参考价。
type MarketInfo struct {
	Name      string
	MarkPrice decimal.Decimal
	Precision Precision
}

// Order 为交易所侧的订单视图。
type Order struct {
	ID         string
	ExternalID string
	Market     string
	Side       Side
	Status     string
	Price      decimal.Decimal
	Size       decimal.Decimal
}

// Position 为交易所侧的持仓视图。
type Position struct {
	Market        string
	Side          PositionSide
	Size          decimal.Decimal
	OpenPrice     decimal.Decimal
	Value         decimal.Decimal
	UnrealizedPnl decimal.Decimal
	Leverage      decimal.Decimal
}

// Balance 为账户资金概览。
type Balance struct {
	Total     decimal.Decimal
	Available decimal.Decimal
	Margin    decimal.Decimal
	Equity    decimal.Decimal
}

// PlaceRequest 描述一次委托提交。
type PlaceRequest struct {
	Market     string
	Side       Side
	Size       decimal.Decimal
	Price      decimal.Decimal
	PostOnly   bool
	ExternalID string
}

// OrderFilter 约束订单查询范围。
type OrderFilter struct {
	Market     string
	ExternalID string
}

// PositionFilter 约束持仓查询范围。
type PositionFilter struct {
	Market string
	Side   PositionSide
}
