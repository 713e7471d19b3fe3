package order

import (
	"context"

	"go.uber.org/zap"

	"perp-gateway/internal/task"
	"perp-gateway/internal/venue"
)

// openAsPlaced 列出的挂单状态视同提交成功。
func openAsPlaced(status string) bool {
	switch status {
	case "OPEN", "NEW", "ACCEPTED":
		return true
	default:
		return false
	}
}

// reconcile 在提交结果歧义时向交易所做一次权威读来裁决终态。
// 先等待固定的沉降延迟让交易所内部状态追平, 再按幂等标识
// 查询挂单; 市价/平仓路径额外回查历史单。查询自身失败则向上
// 传播, 由外层兜底为 error 终态。
func (s *Service) reconcile(ctx context.Context, token, market string, checkHistory bool) (string, task.Status, error) {
	if err := sleepCtx(ctx, s.opts.SettleDelay); err != nil {
		return "", "", err
	}

	filter := venue.OrderFilter{Market: market, ExternalID: token}

	open, err := s.gateway.GetOpenOrders(ctx, filter)
	if err != nil {
		return "", "", err
	}
	if len(open) > 0 {
		ord := open[0]
		if openAsPlaced(ord.Status) {
			return ord.ID, task.StatusPlaced, nil
		}
		// 非常规挂单状态原样透传, 不视为失败。
		return ord.ID, task.OpenStatus(ord.Status), nil
	}

	if checkHistory {
		history, err := s.gateway.GetOrderHistory(ctx, filter)
		if err != nil {
			return "", "", err
		}
		if len(history) > 0 {
			return history[0].ID, task.StatusFilled, nil
		}
	}

	// 哪里都查不到: 请求已发出但结果未知, 交由调用方后续核对。
	s.logger.Info("对账未找到订单, 记为 accepted",
		zap.String("external_id", token),
		zap.String("market", market),
	)
	return "", task.StatusAccepted, nil
}
