package venue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"perp-gateway/internal/config"
	"perp-gateway/internal/metrics"
)

// Client 通过 REST API 与交易所交互。
// 响应格式的嗅探与兼容全部收敛在本文件，不向上层泄漏。
type Client struct {
	cfg     config.VenueConfig
	http    *http.Client
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewClient 构造 REST 网关客户端。
func NewClient(cfg config.VenueConfig, m *metrics.Metrics, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
		metrics: m,
	}
}

// envelope 为交易所统一的响应信封。
type envelope struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// stringish 兼容数字与字符串两种编码的标识字段。
type stringish string

func (s *stringish) UnmarshalJSON(b []byte) error {
	if len(b) == 0 || string(b) == "null" {
		*s = ""
		return nil
	}
	if b[0] == '"' {
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		*s = stringish(v)
		return nil
	}
	*s = stringish(string(b))
	return nil
}

type restOrder struct {
	ID         stringish       `json:"id"`
	ExternalID string          `json:"externalId"`
	Market     string          `json:"market"`
	Side       string          `json:"side"`
	Status     string          `json:"status"`
	Price      decimal.Decimal `json:"price"`
	Qty        decimal.Decimal `json:"qty"`
}

func (o restOrder) toOrder() Order {
	return Order{
		ID:         string(o.ID),
		ExternalID: o.ExternalID,
		Market:     o.Market,
		Side:       Side(strings.ToUpper(o.Side)),
		Status:     strings.ToUpper(o.Status),
		Price:      o.Price,
		Size:       o.Qty,
	}
}

type restPosition struct {
	Market        string          `json:"market"`
	Side          string          `json:"side"`
	Size          decimal.Decimal `json:"size"`
	OpenPrice     decimal.Decimal `json:"openPrice"`
	Value         decimal.Decimal `json:"value"`
	UnrealisedPnl decimal.Decimal `json:"unrealisedPnl"`
	Leverage      decimal.Decimal `json:"leverage"`
}

type restMarket struct {
	Name           string `json:"name"`
	AssetPrecision int    `json:"assetPrecision"`
	MarketStats    struct {
		MarkPrice decimal.Decimal `json:"markPrice"`
	} `json:"marketStats"`
	TradingConfig struct {
		MinPriceChange     decimal.Decimal `json:"minPriceChange"`
		MinOrderSize       decimal.Decimal `json:"minOrderSize"`
		MinOrderSizeChange decimal.Decimal `json:"minOrderSizeChange"`
	} `json:"tradingConfig"`
}

// GetMarket 拉取单个市场的元数据与标记价。
func (c *Client) GetMarket(ctx context.Context, market string) (MarketInfo, error) {
	params := url.Values{}
	params.Set("market", market)

	var markets []restMarket
	if err := c.do(ctx, http.MethodGet, "/api/v1/info/markets", params, nil, &markets, "get_market"); err != nil {
		return MarketInfo{}, err
	}
	if len(markets) == 0 {
		return MarketInfo{}, &APIError{Status: http.StatusNotFound, Message: fmt.Sprintf("market %s not found", market)}
	}

	m := markets[0]
	return MarketInfo{
		Name:      market,
		MarkPrice: m.MarketStats.MarkPrice,
		Precision: Precision{
			Tick:           m.TradingConfig.MinPriceChange,
			Step:           m.TradingConfig.MinOrderSizeChange,
			MinSize:        m.TradingConfig.MinOrderSize,
			AssetPrecision: m.AssetPrecision,
		},
	}, nil
}

// PlaceOrder 提交委托并返回交易所订单号。
func (c *Client) PlaceOrder(ctx context.Context, req PlaceRequest) (string, error) {
	body := map[string]interface{}{
		"id":       req.ExternalID,
		"market":   req.Market,
		"side":     string(req.Side),
		"qty":      req.Size.String(),
		"price":    req.Price.String(),
		"postOnly": req.PostOnly,
	}

	var placed restOrder
	if err := c.do(ctx, http.MethodPost, "/api/v1/user/order", nil, body, &placed, "place_order"); err != nil {
		return "", err
	}
	return string(placed.ID), nil
}

// GetOpenOrders 查询未完结订单。
func (c *Client) GetOpenOrders(ctx context.Context, filter OrderFilter) ([]Order, error) {
	return c.queryOrders(ctx, "/api/v1/user/orders/open", filter, "get_open_orders")
}

// GetOrderHistory 查询历史订单。
func (c *Client) GetOrderHistory(ctx context.Context, filter OrderFilter) ([]Order, error) {
	return c.queryOrders(ctx, "/api/v1/user/orders/history", filter, "get_order_history")
}

func (c *Client) queryOrders(ctx context.Context, path string, filter OrderFilter, op string) ([]Order, error) {
	params := url.Values{}
	if filter.Market != "" {
		params.Set("market", filter.Market)
	}
	if filter.ExternalID != "" {
		params.Set("externalId", filter.ExternalID)
	}

	var raw []restOrder
	if err := c.do(ctx, http.MethodGet, path, params, nil, &raw, op); err != nil {
		return nil, err
	}

	orders := make([]Order, 0, len(raw))
	for _, o := range raw {
		orders = append(orders, o.toOrder())
	}
	return orders, nil
}

// GetPositions 查询持仓。
func (c *Client) GetPositions(ctx context.Context, filter PositionFilter) ([]Position, error) {
	params := url.Values{}
	if filter.Market != "" {
		params.Set("market", filter.Market)
	}
	if filter.Side != "" {
		params.Set("side", string(filter.Side))
	}

	var raw []restPosition
	if err := c.do(ctx, http.MethodGet, "/api/v1/user/positions", params, nil, &raw, "get_positions"); err != nil {
		return nil, err
	}

	positions := make([]Position, 0, len(raw))
	for _, p := range raw {
		positions = append(positions, Position{
			Market:        p.Market,
			Side:          PositionSide(strings.ToUpper(p.Side)),
			Size:          p.Size,
			OpenPrice:     p.OpenPrice,
			Value:         p.Value,
			UnrealizedPnl: p.UnrealisedPnl,
			Leverage:      p.Leverage,
		})
	}
	return positions, nil
}

// GetBalance 查询账户资金。
func (c *Client) GetBalance(ctx context.Context) (Balance, error) {
	var raw struct {
		Balance           decimal.Decimal `json:"balance"`
		Equity            decimal.Decimal `json:"equity"`
		AvailableForTrade decimal.Decimal `json:"availableForTrade"`
		InitialMargin     decimal.Decimal `json:"initialMargin"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/user/balance", nil, nil, &raw, "get_balance"); err != nil {
		return Balance{}, err
	}
	return Balance{
		Total:     raw.Balance,
		Available: raw.AvailableForTrade,
		Margin:    raw.InitialMargin,
		Equity:    raw.Equity,
	}, nil
}

// CancelOrder 按幂等标识撤单。
func (c *Client) CancelOrder(ctx context.Context, externalID string) error {
	params := url.Values{}
	params.Set("externalId", externalID)
	return c.do(ctx, http.MethodDelete, "/api/v1/user/order", params, nil, nil, "cancel_order")
}

// SetLeverage 调整某市场杠杆。
func (c *Client) SetLeverage(ctx context.Context, market string, leverage decimal.Decimal) error {
	body := map[string]interface{}{
		"market":   market,
		"leverage": leverage.String(),
	}
	return c.do(ctx, http.MethodPatch, "/api/v1/user/leverage", nil, body, nil, "set_leverage")
}

func (c *Client) do(ctx context.Context, method, path string, params url.Values, body, out interface{}, op string) error {
	endpoint := c.cfg.BaseURL + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("venue: 序列化请求体失败: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("venue: 构造请求失败: %w", err)
	}
	req.Header.Set("X-Api-Key", c.cfg.APIKey)
	req.Header.Set("User-Agent", "perp-gateway/1.0")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		c.metrics.VenueRequest(op, "transport_error", elapsed.Seconds())
		c.logger.Warn("交易所请求失败",
			zap.String("op", op),
			zap.String("method", method),
			zap.String("path", path),
			zap.Duration("elapsed", elapsed),
			zap.Error(err),
		)
		return fmt.Errorf("venue: %s 请求失败: %w", op, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	text, err := io.ReadAll(resp.Body)
	if err != nil {
		c.metrics.VenueRequest(op, "transport_error", elapsed.Seconds())
		return fmt.Errorf("venue: 读取响应失败: %w", err)
	}

	c.logger.Debug("交易所请求完成",
		zap.String("op", op),
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Int("body_len", len(text)),
		zap.Duration("elapsed", elapsed),
	)

	env, err := decodeEnvelope(text)
	if err != nil {
		c.metrics.VenueRequest(op, "bad_response", elapsed.Seconds())
		return err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 || strings.EqualFold(env.Status, "ERROR") {
		apiErr := &APIError{Status: resp.StatusCode}
		if env.Error != nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		} else {
			apiErr.Message = truncate(string(text), 300)
		}
		c.metrics.VenueRequest(op, "api_error", elapsed.Seconds())
		return apiErr
	}

	c.metrics.VenueRequest(op, "ok", elapsed.Seconds())

	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("venue: 解析 %s 响应失败: %w", op, err)
	}
	return nil
}

// decodeEnvelope 容忍空响应体与裸 JSON。
func decodeEnvelope(text []byte) (envelope, error) {
	var env envelope
	trimmed := bytes.TrimSpace(text)
	if len(trimmed) == 0 {
		return env, nil
	}
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return env, fmt.Errorf("venue: 响应不是合法 JSON: %s", truncate(string(trimmed), 300))
	}
	return env, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
