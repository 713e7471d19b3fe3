// Package order 实现订单生命周期编排:
// 同步入口接收意图并立即返回幂等标识，后台任务负责
// 精度解析、量化、带重试的提交、歧义对账与平仓确认。
package order

import (
	"context"

	"github.com/shopspring/decimal"

	"perp-gateway/internal/task"
	"perp-gateway/internal/venue"
)

// Gateway 为编排器依赖的交易所能力子集。
// venue.Client 与 venue.CCXTGateway 均满足该接口。
type Gateway interface {
	PlaceOrder(ctx context.Context, req venue.PlaceRequest) (string, error)
	GetOpenOrders(ctx context.Context, filter venue.OrderFilter) ([]venue.Order, error)
	GetOrderHistory(ctx context.Context, filter venue.OrderFilter) ([]venue.Order, error)
	GetPositions(ctx context.Context, filter venue.PositionFilter) ([]venue.Position, error)
}

// MarketSource 提供市场精度与标记价，由 market.Resolver 实现。
type MarketSource interface {
	Info(ctx context.Context, market string) (venue.MarketInfo, error)
}

// Auditor 接收终态任务记录做持久化留痕。写入失败不影响任务结果。
type Auditor interface {
	Save(ctx context.Context, rec task.Record) error
}

// LimitIntent 为限价下单意图。接受后不可变。
type LimitIntent struct {
	Market    string
	Side      venue.Side
	Size      decimal.Decimal
	OffsetPct decimal.Decimal
	PostOnly  bool
	Token     string
}

// MarketIntent 为市价下单意图。
type MarketIntent struct {
	Market      string
	Side        venue.Side
	Size        decimal.Decimal
	SlippagePct decimal.Decimal
	Token       string
}

// CloseIntent 为平仓意图。Size 为零时按当前持仓全量平掉。
type CloseIntent struct {
	Market string
	Side   venue.PositionSide
	Size   decimal.Decimal
	Token  string
}
