package order

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"perp-gateway/internal/config"
	"perp-gateway/internal/metrics"
	"perp-gateway/internal/quant"
	"perp-gateway/internal/task"
	"perp-gateway/internal/venue"
)

// ErrBadIntent 表示意图在受理阶段即不合法。
var ErrBadIntent = errors.New("order: bad intent")

// Service 为订单编排器。每个幂等标识对应一个后台任务,
// 任务间无顺序保证, 任务内步骤严格串行。
type Service struct {
	gateway  Gateway
	markets  MarketSource
	registry *task.Registry
	opts     config.OrdersConfig
	audit    Auditor
	metrics  *metrics.Metrics
	logger   *zap.Logger

	closeSlippage decimal.Decimal
	dust          decimal.Decimal

	rootCtx    context.Context
	rootCancel context.CancelFunc
	wg         sync.WaitGroup
}

// NewService 创建编排器。audit 与 m 允许为 nil。
func NewService(
	gateway Gateway,
	markets MarketSource,
	registry *task.Registry,
	opts config.OrdersConfig,
	audit Auditor,
	m *metrics.Metrics,
	logger *zap.Logger,
) (*Service, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	closeSlippage, err := decimal.NewFromString(opts.CloseSlippagePct)
	if err != nil {
		return nil, fmt.Errorf("解析 close_slippage_pct 失败: %w", err)
	}
	dust, err := decimal.NewFromString(opts.DustSize)
	if err != nil {
		return nil, fmt.Errorf("解析 dust_size 失败: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		gateway:       gateway,
		markets:       markets,
		registry:      registry,
		opts:          opts,
		audit:         audit,
		metrics:       m,
		logger:        logger,
		closeSlippage: closeSlippage,
		dust:          dust,
		rootCtx:       ctx,
		rootCancel:    cancel,
	}, nil
}

// Registry 暴露任务存储给状态/取消端点。
func (s *Service) Registry() *task.Registry {
	return s.registry
}

// Shutdown 取消全部在途任务并等待其落入终态。
func (s *Service) Shutdown() {
	s.rootCancel()
	s.wg.Wait()
}

// PlaceLimit 受理限价下单意图, 立即返回幂等标识。
func (s *Service) PlaceLimit(intent LimitIntent) (string, error) {
	if err := checkIntent(intent.Market, string(intent.Side), intent.Size); err != nil {
		return "", err
	}
	token := s.spawn(intent.Token, task.TypeLimit, func(ctx context.Context, token string) {
		s.runLimit(ctx, token, intent)
	})
	return token, nil
}

// PlaceMarket 受理市价下单意图。
func (s *Service) PlaceMarket(intent MarketIntent) (string, error) {
	if err := checkIntent(intent.Market, string(intent.Side), intent.Size); err != nil {
		return "", err
	}
	token := s.spawn(intent.Token, task.TypeMarket, func(ctx context.Context, token string) {
		s.runMarket(ctx, token, intent)
	})
	return token, nil
}

// ClosePosition 受理平仓意图。Size 为零时按持仓全量平掉。
func (s *Service) ClosePosition(intent CloseIntent) (string, error) {
	if intent.Market == "" {
		return "", fmt.Errorf("%w: market 不能为空", ErrBadIntent)
	}
	if intent.Side != venue.PositionLong && intent.Side != venue.PositionShort {
		return "", fmt.Errorf("%w: side 必须为 LONG/SHORT", ErrBadIntent)
	}
	token := s.spawn(intent.Token, task.TypeClose, func(ctx context.Context, token string) {
		s.runClose(ctx, token, intent)
	})
	return token, nil
}

func checkIntent(market, side string, size decimal.Decimal) error {
	if market == "" {
		return fmt.Errorf("%w: market 不能为空", ErrBadIntent)
	}
	if side != string(venue.SideBuy) && side != string(venue.SideSell) {
		return fmt.Errorf("%w: side 必须为 BUY/SELL", ErrBadIntent)
	}
	if size.Sign() <= 0 {
		return fmt.Errorf("%w: size 必须大于0", ErrBadIntent)
	}
	return nil
}

// spawn 登记 queued 记录并拉起后台任务。
// 最外层兜底保证无论发生什么, 该标识最终都能观察到终态。
func (s *Service) spawn(token string, typ task.Type, run func(ctx context.Context, token string)) string {
	if token == "" {
		token = uuid.NewString()
	}

	s.registry.Put(task.Record{
		Token:     token,
		Type:      typ,
		Status:    task.StatusQueued,
		StartedAt: time.Now().UTC(),
	})
	s.metrics.TaskStarted()

	ctx, cancel := context.WithCancel(s.rootCtx)
	s.registry.Bind(token, cancel)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("任务异常退出", zap.String("external_id", token), zap.Any("panic", r))
				s.fail(token, fmt.Errorf("panic: %v", r))
			}
		}()
		run(ctx, token)
	}()

	return token
}

func (s *Service) runLimit(ctx context.Context, token string, intent LimitIntent) {
	s.transition(token, task.StatusRunning)

	info, err := s.markets.Info(ctx, intent.Market)
	if err != nil {
		s.fail(token, err)
		return
	}

	target := quant.LimitPrice(info.MarkPrice, intent.Side, intent.OffsetPct)
	price, size, err := quant.Order(target, intent.Size, info.Precision)
	if err != nil {
		s.fail(token, err)
		return
	}
	s.update(token, func(rec *task.Record) {
		rec.Price = price
		rec.Size = size
	})

	req := venue.PlaceRequest{
		Market:     intent.Market,
		Side:       intent.Side,
		Size:       size,
		Price:      price,
		PostOnly:   intent.PostOnly,
		ExternalID: token,
	}

	placeCtx, cancel := context.WithTimeout(ctx, s.opts.PlaceTimeout)
	orderID, out, err := s.placeWithRetry(placeCtx, req)
	cancel()
	if err != nil {
		s.fail(token, err)
		return
	}

	// 去重文案等同于此前已成功受理, 直接终态, 不做对账。
	if out == outcomeConfirmed || out == outcomeDuplicate {
		s.finish(token, task.StatusPlaced, orderID, "")
		return
	}

	s.transition(token, task.StatusChecking)
	orderID, status, err := s.reconcile(ctx, token, intent.Market, false)
	if err != nil {
		s.fail(token, err)
		return
	}
	s.finish(token, status, orderID, "")
}

func (s *Service) runMarket(ctx context.Context, token string, intent MarketIntent) {
	s.transition(token, task.StatusRunning)

	info, err := s.markets.Info(ctx, intent.Market)
	if err != nil {
		s.fail(token, err)
		return
	}

	target := quant.BandPrice(info.MarkPrice, intent.Side, intent.SlippagePct)
	price, size, err := quant.Order(target, intent.Size, info.Precision)
	if err != nil {
		s.fail(token, err)
		return
	}
	s.update(token, func(rec *task.Record) {
		rec.Price = price
		rec.Size = size
	})

	req := venue.PlaceRequest{
		Market:     intent.Market,
		Side:       intent.Side,
		Size:       size,
		Price:      price,
		ExternalID: token,
	}

	placeCtx, cancel := context.WithTimeout(ctx, s.opts.PlaceTimeout)
	orderID, out, err := s.placeWithRetry(placeCtx, req)
	cancel()
	if err != nil {
		s.fail(token, err)
		return
	}

	if out == outcomeConfirmed || out == outcomeDuplicate {
		s.finish(token, task.StatusFilled, orderID, "")
		return
	}

	s.transition(token, task.StatusChecking)
	orderID, status, err := s.reconcile(ctx, token, intent.Market, true)
	if err != nil {
		s.fail(token, err)
		return
	}
	s.finish(token, status, orderID, "")
}

func (s *Service) runClose(ctx context.Context, token string, intent CloseIntent) {
	s.transition(token, task.StatusRunning)

	size := intent.Size
	if size.Sign() <= 0 {
		positions, err := s.gateway.GetPositions(ctx, venue.PositionFilter{
			Market: intent.Market,
			Side:   intent.Side,
		})
		if err != nil {
			s.fail(token, err)
			return
		}
		for _, p := range positions {
			size = size.Add(p.Size.Abs())
		}
		if size.LessThan(s.dust) {
			// 仓位本就是平的, 无需下单。
			s.finish(token, task.StatusClosedConfirmed, "", "")
			return
		}
	}

	info, err := s.markets.Info(ctx, intent.Market)
	if err != nil {
		s.fail(token, err)
		return
	}

	side := intent.Side.Opposite()
	target := quant.BandPrice(info.MarkPrice, side, s.closeSlippage)
	price, qSize, err := quant.Order(target, size, info.Precision)
	if err != nil {
		s.fail(token, err)
		return
	}
	s.update(token, func(rec *task.Record) {
		rec.Price = price
		rec.Size = qSize
	})

	req := venue.PlaceRequest{
		Market:     intent.Market,
		Side:       side,
		Size:       qSize,
		Price:      price,
		ExternalID: token,
	}

	// 平仓单次提交不重试: 求快, 重复平仓由持仓确认自我纠正。
	placeCtx, cancel := context.WithTimeout(ctx, s.opts.CloseTimeout)
	orderID, out, err := s.placeOnce(placeCtx, req)
	cancel()
	if err != nil {
		// 平仓提交没有致命路径: 拒单也可能来自重复平仓,
		// 一律交给持仓状态裁决。
		s.logger.Warn("平仓提交被拒, 转持仓确认",
			zap.String("external_id", token),
			zap.Error(err),
		)
		out = outcomeAmbiguous
	}

	if out == outcomeAmbiguous {
		// 尽力补齐订单号, 对账失败不影响结果: 持仓状态才是裁决依据。
		if id, _, rerr := s.reconcile(ctx, token, intent.Market, true); rerr == nil {
			orderID = id
		} else {
			s.logger.Warn("平仓对账失败, 以持仓确认为准", zap.String("external_id", token), zap.Error(rerr))
		}
	}

	if s.waitClosed(ctx, intent.Market, intent.Side) {
		s.finish(token, task.StatusClosedConfirmed, orderID, "")
		return
	}
	s.finish(token, task.StatusClosedTimeout, orderID, "")
}

func (s *Service) transition(token string, status task.Status) {
	s.update(token, func(rec *task.Record) {
		rec.Status = status
	})
}

func (s *Service) update(token string, mutate func(*task.Record)) {
	rec, ok := s.registry.Get(token)
	if !ok {
		return
	}
	mutate(&rec)
	s.registry.Put(rec)
}

// finish 写入终态记录并落审计。
func (s *Service) finish(token string, status task.Status, orderID, errMsg string) {
	rec, ok := s.registry.Get(token)
	if !ok || rec.Status.Terminal() {
		return
	}
	rec.Status = status
	rec.OrderID = orderID
	rec.Error = errMsg
	rec.FinishedAt = time.Now().UTC()
	s.registry.Put(rec)

	s.metrics.TaskFinished(string(rec.Type), string(rec.Status))

	fields := []zap.Field{
		zap.String("external_id", token),
		zap.String("type", string(rec.Type)),
		zap.String("status", string(rec.Status)),
	}
	if rec.OrderID != "" {
		fields = append(fields, zap.String("order_id", rec.OrderID))
	}
	if rec.Error != "" {
		fields = append(fields, zap.String("error", rec.Error))
	}
	s.logger.Info("任务到达终态", fields...)

	if s.audit != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.audit.Save(ctx, rec); err != nil {
			s.logger.Warn("审计写入失败", zap.String("external_id", token), zap.Error(err))
		}
	}
}

func (s *Service) fail(token string, err error) {
	s.logger.Error("任务失败", zap.String("external_id", token), zap.Error(err))
	s.finish(token, task.StatusError, "", err.Error())
}
