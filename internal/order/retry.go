package order

import (
	"context"
	"time"

	"go.uber.org/zap"

	"perp-gateway/internal/venue"
)

// outcome 为单次提交的三分类结果。
type outcome int

const (
	// outcomeConfirmed 交易所返回了订单号。
	outcomeConfirmed outcome = iota
	// outcomeDuplicate 错误文案表明同一订单此前已被接受。
	outcomeDuplicate
	// outcomeAmbiguous 超时或不可识别的失败，需要对账裁决。
	outcomeAmbiguous
)

// classify 将单次提交的返回值归入三分类。
// 业务层拒单不在三类之内，原样作为致命错误返回。
func classify(orderID string, err error) (outcome, error) {
	switch {
	case err == nil && orderID != "":
		return outcomeConfirmed, nil
	case err == nil:
		// 成功应答但没有订单号，按歧义处理。
		return outcomeAmbiguous, nil
	case venue.IsDuplicate(err):
		return outcomeDuplicate, nil
	case venue.IsRetryable(err):
		return outcomeAmbiguous, nil
	default:
		return 0, err
	}
}

// placeWithRetry 带固定间隔重试提交委托。
// 仅传输层错误触发重试; 幂等去重文案立即视为成功;
// 重试耗尽或整体超时落入歧义, 交由对账裁决。
func (s *Service) placeWithRetry(ctx context.Context, req venue.PlaceRequest) (string, outcome, error) {
	var lastErr error

	for attempt := 1; attempt <= s.opts.RetryAttempts; attempt++ {
		orderID, err := s.gateway.PlaceOrder(ctx, req)
		out, fatal := classify(orderID, err)
		if fatal != nil {
			return "", 0, fatal
		}
		if out == outcomeConfirmed || out == outcomeDuplicate {
			return orderID, out, nil
		}

		lastErr = err
		if err == nil || ctx.Err() != nil || attempt == s.opts.RetryAttempts {
			break
		}

		s.logger.Warn("下单失败, 等待重试",
			zap.String("external_id", req.ExternalID),
			zap.Int("attempt", attempt),
			zap.Duration("delay", s.opts.RetryDelay),
			zap.Error(err),
		)
		if err := sleepCtx(ctx, s.opts.RetryDelay); err != nil {
			break
		}
	}

	if lastErr != nil {
		s.logger.Warn("重试耗尽, 提交结果不确定", zap.String("external_id", req.ExternalID), zap.Error(lastErr))
	}
	return "", outcomeAmbiguous, nil
}

// placeOnce 单次提交, 无重试。平仓路径使用: 求快不求稳,
// 重复平仓会被后续持仓确认自我纠正。
func (s *Service) placeOnce(ctx context.Context, req venue.PlaceRequest) (string, outcome, error) {
	orderID, err := s.gateway.PlaceOrder(ctx, req)
	out, fatal := classify(orderID, err)
	if fatal != nil {
		return "", 0, fatal
	}
	return orderID, out, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
