package order

import (
	"context"
	"time"

	"go.uber.org/zap"

	"perp-gateway/internal/venue"
)

// waitClosed 轮询持仓直到 (market, side) 的仓位消失或降到尘埃
// 阈值以下, 返回是否在截止时间内确认平掉。单次查询失败只记录
// 日志并等待下一拍, 轮询是尽力而为, 不因一次坏读中断等待。
func (s *Service) waitClosed(ctx context.Context, market string, side venue.PositionSide) bool {
	waitCtx, cancel := context.WithTimeout(ctx, s.opts.CloseConfirmTimeout)
	defer cancel()

	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	filter := venue.PositionFilter{Market: market, Side: side}
	for {
		select {
		case <-waitCtx.Done():
			return false
		case <-ticker.C:
		}

		positions, err := s.gateway.GetPositions(waitCtx, filter)
		if err != nil {
			s.logger.Debug("持仓查询失败, 下一拍重试", zap.String("market", market), zap.Error(err))
			continue
		}

		closed := true
		for _, p := range positions {
			if p.Size.Abs().GreaterThanOrEqual(s.dust) {
				closed = false
				break
			}
		}
		if closed {
			return true
		}
	}
}
