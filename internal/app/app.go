// Package app 组装网关的全部依赖并驱动生命周期。
package app

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"perp-gateway/internal/audit"
	"perp-gateway/internal/config"
	"perp-gateway/internal/market"
	"perp-gateway/internal/metrics"
	"perp-gateway/internal/order"
	"perp-gateway/internal/server"
	"perp-gateway/internal/store"
	"perp-gateway/internal/task"
	"perp-gateway/internal/venue"
)

// venueGateway 聚合编排器与 HTTP 层各自需要的交易所能力。
type venueGateway interface {
	order.Gateway
	server.VenueAPI
	GetMarket(ctx context.Context, market string) (venue.MarketInfo, error)
}

// App 聚合核心依赖并驱动系统生命周期。
type App struct {
	cfg    *config.Config
	logger *zap.Logger
	store  *store.Store

	orders *order.Service
	server *server.Server
}

// New 按配置装配网关: 交易所接入、元数据缓存、任务注册表、
// 审计、编排器与 HTTP 层。
func New(cfg *config.Config, logger *zap.Logger, sqliteStore *store.Store) (*App, error) {
	m := metrics.New()

	gateway, err := buildGateway(cfg.Venue, m, logger)
	if err != nil {
		return nil, err
	}

	resolver := market.NewResolver(gateway, cfg.Market.CacheTTL, logger)
	registry := task.NewRegistry()

	trail, err := audit.NewTrail(sqliteStore.DB(), logger)
	if err != nil {
		return nil, err
	}

	orders, err := order.NewService(gateway, resolver, registry, cfg.Orders, trail, m, logger)
	if err != nil {
		return nil, err
	}

	srv := server.New(cfg.Server, orders, registry, gateway, resolver, trail, m.Handler(), logger)

	return &App{
		cfg:    cfg,
		logger: logger,
		store:  sqliteStore,
		orders: orders,
		server: srv,
	}, nil
}

func buildGateway(cfg config.VenueConfig, m *metrics.Metrics, logger *zap.Logger) (venueGateway, error) {
	switch strings.ToLower(cfg.Gateway) {
	case "rest":
		return venue.NewClient(cfg, m, logger), nil
	case "ccxt":
		return venue.NewCCXTGateway(cfg, logger)
	default:
		return nil, fmt.Errorf("不支持的交易所网关类型: %q", cfg.Gateway)
	}
}

// Run 运行 HTTP 服务直至上下文取消, 随后优雅关停并等待在途任务。
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("网关已初始化",
		zap.String("environment", a.cfg.App.Environment),
		zap.String("venue", a.cfg.Venue.Name),
		zap.String("gateway", a.cfg.Venue.Gateway),
		zap.Int("port", a.cfg.Server.Port),
	)

	g, runCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.server.Run()
	})

	g.Go(func() error {
		<-runCtx.Done()
		a.logger.Info("收到退出信号, 正在停止")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("HTTP 关停失败", zap.Error(err))
		}

		a.orders.Shutdown()
		return nil
	})

	return g.Wait()
}
