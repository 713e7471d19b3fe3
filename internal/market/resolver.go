// Package market 提供市场元数据的读穿缓存。
package market

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"perp-gateway/internal/venue"
)

// ErrBadPrecision 表示交易所返回了非法的精度参数。
// 属于配置级错误，不可重试。
var ErrBadPrecision = errors.New("market: bad precision values")

type infoSource interface {
	GetMarket(ctx context.Context, market string) (venue.MarketInfo, error)
}

type cacheEntry struct {
	info      venue.MarketInfo
	fetchedAt time.Time
}

// Resolver 按市场缓存精度参数与标记价，超过 TTL 后按需刷新。
// 并发刷新同一市场时由 singleflight 合并为一次请求。
type Resolver struct {
	source infoSource
	ttl    time.Duration
	logger *zap.Logger
	now    func() time.Time

	mu    sync.RWMutex
	cache map[string]cacheEntry
	group singleflight.Group
}

// NewResolver 创建市场元数据解析器。
func NewResolver(source infoSource, ttl time.Duration, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Resolver{
		source: source,
		ttl:    ttl,
		logger: logger,
		now:    time.Now,
		cache:  make(map[string]cacheEntry),
	}
}

// Info 返回市场元数据，必要时从交易所刷新。
func (r *Resolver) Info(ctx context.Context, market string) (venue.MarketInfo, error) {
	now := r.now()

	r.mu.RLock()
	entry, ok := r.cache[market]
	r.mu.RUnlock()

	if ok && now.Sub(entry.fetchedAt) < r.ttl {
		return entry.info, nil
	}

	result, err, _ := r.group.Do(market, func() (interface{}, error) {
		info, err := r.source.GetMarket(ctx, market)
		if err != nil {
			return venue.MarketInfo{}, err
		}

		if info.Precision.Tick.Sign() <= 0 || info.Precision.Step.Sign() <= 0 {
			return venue.MarketInfo{}, fmt.Errorf("%w: tick=%s step=%s market=%s",
				ErrBadPrecision, info.Precision.Tick, info.Precision.Step, market)
		}

		r.mu.Lock()
		r.cache[market] = cacheEntry{info: info, fetchedAt: r.now()}
		r.mu.Unlock()

		r.logger.Debug("市场元数据已刷新",
			zap.String("market", market),
			zap.String("tick", info.Precision.Tick.String()),
			zap.String("step", info.Precision.Step.String()),
			zap.String("min_size", info.Precision.MinSize.String()),
			zap.String("mark_price", info.MarkPrice.String()),
		)
		return info, nil
	})
	if err != nil {
		return venue.MarketInfo{}, err
	}

	return result.(venue.MarketInfo), nil
}

// Precision 返回市场的量化参数。
func (r *Resolver) Precision(ctx context.Context, market string) (venue.Precision, error) {
	info, err := r.Info(ctx, market)
	if err != nil {
		return venue.Precision{}, err
	}
	return info.Precision, nil
}

// MarkPrice 返回市场标记价。
func (r *Resolver) MarkPrice(ctx context.Context, market string) (decimal.Decimal, error) {
	info, err := r.Info(ctx, market)
	if err != nil {
		return decimal.Decimal{}, err
	}
	return info.MarkPrice, nil
}
