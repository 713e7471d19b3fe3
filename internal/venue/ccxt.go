package venue

import (
	"context"
	"fmt"
	"strings"
	"sync"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"perp-gateway/internal/config"
)

// CCXTGateway 通过 ccxt 统一接口接入标准交易所。
// REST Client 面向自建撮合 API，本网关覆盖 ccxt 支持的场所。
type CCXTGateway struct {
	cfg      config.VenueConfig
	logger   *zap.Logger
	exchange *ccxt.Binanceusdm

	marketsMu     sync.Mutex
	markets       map[string]ccxt.MarketInterface
	marketsLoaded bool
}

// NewCCXTGateway 构造 ccxt 网关。
func NewCCXTGateway(cfg config.VenueConfig, logger *zap.Logger) (*CCXTGateway, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	userConfig := map[string]interface{}{
		"enableRateLimit": true,
		"options": map[string]interface{}{
			"adjustForTimeDifference": true,
			"defaultType":             "future",
		},
	}

	if cfg.APIKey != "" {
		userConfig["apiKey"] = cfg.APIKey
	}
	if cfg.APISecret != "" {
		userConfig["secret"] = cfg.APISecret
	}
	if cfg.APIPass != "" {
		userConfig["password"] = cfg.APIPass
	}

	ex := ccxt.NewBinanceusdm(userConfig)
	if cfg.UseSandbox {
		ex.SetSandboxMode(true)
	}

	return &CCXTGateway{
		cfg:      cfg,
		logger:   logger,
		exchange: ex,
	}, nil
}

// GetMarket 返回 ccxt 市场元数据与最新成交价。
func (g *CCXTGateway) GetMarket(ctx context.Context, market string) (MarketInfo, error) {
	if err := g.ensureMarketsLoaded(ctx); err != nil {
		return MarketInfo{}, err
	}

	m, ok := g.markets[market]
	if !ok {
		return MarketInfo{}, fmt.Errorf("venue: 市场 %s 不存在", market)
	}

	ticker, err := g.exchange.FetchTicker(market)
	if err != nil {
		return MarketInfo{}, fmt.Errorf("venue: 获取 %s 行情失败: %w", market, err)
	}

	info := MarketInfo{
		Name:      market,
		MarkPrice: decimal.NewFromFloat(derefFloat(ticker.Last)),
	}

	// ccxt 的 TICK_SIZE 精度模式下 precision 即为最小增量。
	info.Precision = Precision{
		Tick:    decimal.NewFromFloat(derefFloat(m.Precision.Price)),
		Step:    decimal.NewFromFloat(derefFloat(m.Precision.Amount)),
		MinSize: decimal.NewFromFloat(derefFloat(m.Limits.Amount.Min)),
	}
	return info, nil
}

// PlaceOrder 以限价单提交委托，幂等标识写入 clientOrderId。
func (g *CCXTGateway) PlaceOrder(ctx context.Context, req PlaceRequest) (string, error) {
	if err := g.ensureMarketsLoaded(ctx); err != nil {
		return "", err
	}

	price, _ := req.Price.Float64()
	size, _ := req.Size.Float64()

	params := map[string]interface{}{
		"clientOrderId": req.ExternalID,
	}
	if req.PostOnly {
		params["postOnly"] = true
	}

	placed, err := g.exchange.CreateLimitOrder(
		req.Market,
		strings.ToLower(string(req.Side)),
		size,
		price,
		ccxt.WithCreateLimitOrderParams(params),
	)
	if err != nil {
		return "", err
	}

	return derefString(placed.Id), nil
}

// GetOpenOrders 查询未完结订单。
func (g *CCXTGateway) GetOpenOrders(ctx context.Context, filter OrderFilter) ([]Order, error) {
	if err := g.ensureMarketsLoaded(ctx); err != nil {
		return nil, err
	}

	var opts []ccxt.FetchOpenOrdersOptions
	if filter.Market != "" {
		opts = append(opts, ccxt.WithFetchOpenOrdersSymbol(filter.Market))
	}

	raw, err := g.exchange.FetchOpenOrders(opts...)
	if err != nil {
		return nil, fmt.Errorf("venue: 查询挂单失败: %w", err)
	}
	return g.convertOrders(raw, filter.ExternalID), nil
}

// GetOrderHistory 查询已完结订单。
func (g *CCXTGateway) GetOrderHistory(ctx context.Context, filter OrderFilter) ([]Order, error) {
	if err := g.ensureMarketsLoaded(ctx); err != nil {
		return nil, err
	}

	var opts []ccxt.FetchClosedOrdersOptions
	if filter.Market != "" {
		opts = append(opts, ccxt.WithFetchClosedOrdersSymbol(filter.Market))
	}

	raw, err := g.exchange.FetchClosedOrders(opts...)
	if err != nil {
		return nil, fmt.Errorf("venue: 查询历史订单失败: %w", err)
	}
	return g.convertOrders(raw, filter.ExternalID), nil
}

// GetPositions 查询持仓。
func (g *CCXTGateway) GetPositions(ctx context.Context, filter PositionFilter) ([]Position, error) {
	if err := g.ensureMarketsLoaded(ctx); err != nil {
		return nil, err
	}

	raw, err := g.exchange.FetchPositions()
	if err != nil {
		return nil, fmt.Errorf("venue: 查询持仓失败: %w", err)
	}

	positions := make([]Position, 0, len(raw))
	for _, p := range raw {
		symbol := derefString(p.Symbol)
		size := derefFloat(p.Contracts)
		if symbol == "" || size == 0 {
			continue
		}

		side := PositionLong
		if strings.EqualFold(derefString(p.Side), "short") {
			side = PositionShort
		}

		if filter.Market != "" && !strings.EqualFold(symbol, filter.Market) {
			continue
		}
		if filter.Side != "" && filter.Side != side {
			continue
		}

		positions = append(positions, Position{
			Market:        symbol,
			Side:          side,
			Size:          decimal.NewFromFloat(size).Abs(),
			OpenPrice:     decimal.NewFromFloat(derefFloat(p.EntryPrice)),
			Value:         decimal.NewFromFloat(derefFloat(p.Notional)),
			UnrealizedPnl: decimal.NewFromFloat(derefFloat(p.UnrealizedPnl)),
			Leverage:      decimal.NewFromFloat(derefFloat(p.Leverage)),
		})
	}
	return positions, nil
}

// GetBalance 查询账户资金。
func (g *CCXTGateway) GetBalance(ctx context.Context) (Balance, error) {
	raw, err := g.exchange.FetchBalance()
	if err != nil {
		return Balance{}, fmt.Errorf("venue: 查询余额失败: %w", err)
	}

	var balance Balance
	if raw.Total != nil {
		for _, code := range []string{"USDC", "USD", "USDT"} {
			if total, ok := raw.Total[code]; ok && total != nil {
				balance.Total = decimal.NewFromFloat(*total)
				balance.Equity = balance.Total
				break
			}
		}
	}
	if raw.Free != nil {
		for _, code := range []string{"USDC", "USD", "USDT"} {
			if free, ok := raw.Free[code]; ok && free != nil {
				balance.Available = decimal.NewFromFloat(*free)
				break
			}
		}
	}
	balance.Margin = balance.Total.Sub(balance.Available)
	if balance.Margin.IsNegative() {
		balance.Margin = decimal.Zero
	}
	return balance, nil
}

// CancelOrder 按幂等标识撤单。
func (g *CCXTGateway) CancelOrder(ctx context.Context, externalID string) error {
	return fmt.Errorf("venue: ccxt 网关暂不支持按幂等标识撤单")
}

// SetLeverage 调整杠杆。
func (g *CCXTGateway) SetLeverage(ctx context.Context, market string, leverage decimal.Decimal) error {
	return fmt.Errorf("venue: ccxt 网关暂不支持调整杠杆")
}

func (g *CCXTGateway) convertOrders(raw []ccxt.Order, externalID string) []Order {
	orders := make([]Order, 0, len(raw))
	for _, o := range raw {
		clientID := derefString(o.ClientOrderId)
		if externalID != "" && clientID != externalID {
			continue
		}
		orders = append(orders, Order{
			ID:         derefString(o.Id),
			ExternalID: clientID,
			Market:     derefString(o.Symbol),
			Side:       Side(strings.ToUpper(derefString(o.Side))),
			Status:     normalizeStatus(derefString(o.Status)),
			Price:      decimal.NewFromFloat(derefFloat(o.Price)),
			Size:       decimal.NewFromFloat(derefFloat(o.Amount)),
		})
	}
	return orders
}

func (g *CCXTGateway) ensureMarketsLoaded(ctx context.Context) error {
	g.marketsMu.Lock()
	defer g.marketsMu.Unlock()

	if g.marketsLoaded {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	markets, err := g.exchange.LoadMarkets()
	if err != nil {
		return fmt.Errorf("venue: 加载市场元数据失败: %w", err)
	}

	g.markets = markets
	g.marketsLoaded = true
	g.logger.Info("已完成市场元数据加载", zap.Int("count", len(markets)))
	return nil
}

// ccxt 的统一订单状态为小写，REST 网关为大写，这里统一为大写语义。
func normalizeStatus(status string) string {
	switch strings.ToLower(status) {
	case "open":
		return "OPEN"
	case "closed":
		return "FILLED"
	case "canceled", "cancelled":
		return "CANCELLED"
	default:
		return strings.ToUpper(status)
	}
}

func derefString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

func derefFloat(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}
