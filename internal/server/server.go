// Package server 暴露网关的对外 HTTP 接口。
// 提交类端点只做受理, 立即返回幂等标识; 流程全部在编排器后台执行。
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"perp-gateway/internal/audit"
	"perp-gateway/internal/config"
	"perp-gateway/internal/market"
	"perp-gateway/internal/order"
	"perp-gateway/internal/task"
	"perp-gateway/internal/venue"
)

// VenueAPI 为只读/管理类端点需要的交易所能力。
type VenueAPI interface {
	GetOpenOrders(ctx context.Context, filter venue.OrderFilter) ([]venue.Order, error)
	GetOrderHistory(ctx context.Context, filter venue.OrderFilter) ([]venue.Order, error)
	GetPositions(ctx context.Context, filter venue.PositionFilter) ([]venue.Position, error)
	GetBalance(ctx context.Context) (venue.Balance, error)
	CancelOrder(ctx context.Context, externalID string) error
	SetLeverage(ctx context.Context, market string, leverage decimal.Decimal) error
}

// Server 组装路由并托管 http.Server。
type Server struct {
	cfg      config.ServerConfig
	orders   *order.Service
	registry *task.Registry
	venue    VenueAPI
	markets  *market.Resolver
	trail    *audit.Trail
	metrics  http.Handler
	logger   *zap.Logger

	http *http.Server
}

// New 创建 HTTP 服务。trail 与 metricsHandler 允许为 nil。
func New(
	cfg config.ServerConfig,
	orders *order.Service,
	registry *task.Registry,
	venueAPI VenueAPI,
	markets *market.Resolver,
	trail *audit.Trail,
	metricsHandler http.Handler,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		cfg:      cfg,
		orders:   orders,
		registry: registry,
		venue:    venueAPI,
		markets:  markets,
		trail:    trail,
		metrics:  metricsHandler,
		logger:   logger,
	}

	router := mux.NewRouter()
	router.HandleFunc("/order", s.handlePlaceLimit).Methods(http.MethodPost)
	router.HandleFunc("/order/market", s.handlePlaceMarket).Methods(http.MethodPost)
	router.HandleFunc("/positions/close", s.handleClosePosition).Methods(http.MethodPost)
	router.HandleFunc("/order/status/{token}", s.handleTaskStatus).Methods(http.MethodGet)
	router.HandleFunc("/order/kill/{token}", s.handleKillTask).Methods(http.MethodPost)
	router.HandleFunc("/order/cancel", s.handleCancelOrder).Methods(http.MethodPost)
	router.HandleFunc("/orders/open", s.handleOpenOrders).Methods(http.MethodGet)
	router.HandleFunc("/orders/history", s.handleOrderHistory).Methods(http.MethodGet)
	router.HandleFunc("/positions", s.handlePositions).Methods(http.MethodGet)
	router.HandleFunc("/balance", s.handleBalance).Methods(http.MethodGet)
	router.HandleFunc("/market/info/{market}", s.handleMarketInfo).Methods(http.MethodGet)
	router.HandleFunc("/market/price/{market}", s.handleMarketPrice).Methods(http.MethodGet)
	router.HandleFunc("/user/leverage", s.handleSetLeverage).Methods(http.MethodPatch)
	router.HandleFunc("/tasks/recent", s.handleRecentTasks).Methods(http.MethodGet)
	router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	if s.metrics != nil {
		router.Handle("/metrics", s.metrics).Methods(http.MethodGet)
	}

	handler := cors.New(cors.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	}).Handler(router)

	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler 暴露完整处理链, 供测试直接调用。
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Run 阻塞运行 HTTP 服务直至 Shutdown。
func (s *Server) Run() error {
	s.logger.Info("HTTP 服务启动", zap.String("addr", s.http.Addr))
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("HTTP 服务异常退出: %w", err)
	}
	return nil
}

// Shutdown 优雅关停。
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
