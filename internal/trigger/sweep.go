package trigger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"autotrader/internal/audit"
	"autotrader/internal/domain"
)

// Sweep 扫描全部 WAITING_TRIGGER 订单，释放父订单已到达触发状态的依赖单。
// 单条订单的失败只记录不中断，其余订单继续处理。
func (e *Engine) Sweep(ctx context.Context) error {
	waiting, err := e.orders.ListWaitingTrigger(ctx)
	if err != nil {
		return fmt.Errorf("扫描等待触发订单失败: %w", err)
	}
	if len(waiting) == 0 {
		return nil
	}

	var released, failed int
	for _, order := range waiting {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		err := e.locks.WithTransaction(ctx, order.TransactionID, func() error {
			return e.releaseOrder(ctx, order.ID)
		})
		switch {
		case err == nil:
			released++
		case errors.Is(err, errNotTriggered):
			// 父订单还没到触发状态，留到下一轮。
		default:
			failed++
			e.logger.Error("依赖单触发失败",
				zap.String("order_id", order.ID),
				zap.Error(err),
			)
		}
	}

	if released > 0 || failed > 0 {
		e.recorder.Info(audit.EventTriggerSweep,
			fmt.Sprintf("触发扫描完成: 释放 %d, 失败 %d, 等待 %d", released, failed, len(waiting)-released-failed),
			map[string]interface{}{
				"released": released,
				"failed":   failed,
				"waiting":  len(waiting) - released - failed,
			})
	}
	return nil
}

// errNotTriggered 表示依赖单的父订单尚未到达触发状态。
var errNotTriggered = fmt.Errorf("父订单尚未到达触发状态")

// releaseOrder 释放一条依赖单：校验触发条件，按父订单实际成交价
// 重算绝对价格，然后恰好提交一次。调用方必须持有事务锁。
func (e *Engine) releaseOrder(ctx context.Context, orderID string) error {
	// 持锁后重读，其他协程可能已经处理过这条订单。
	order, err := e.orders.Get(ctx, orderID)
	if err != nil {
		return err
	}
	if order.Status != domain.OrderWaitingTrigger {
		return nil
	}
	// 已带券商订单号的订单绝不再次提交。
	if order.BrokerOrderID != nil {
		return nil
	}

	if order.DependsOnOrder != nil {
		parent, err := e.orders.Get(ctx, *order.DependsOnOrder)
		if err != nil {
			return fmt.Errorf("读取父订单失败: %w", err)
		}
		if parent.Status != order.DependsStatusTrigger {
			return errNotTriggered
		}
		if err := e.recomputePrices(ctx, &order, parent); err != nil {
			return err
		}
	}

	return e.SubmitTracked(ctx, &order)
}

// recomputePrices 按父订单的实际成交价重算依赖单的绝对价格。
// 创建依赖单时假定的价格一律作废，以真实成交价为准。
func (e *Engine) recomputePrices(ctx context.Context, order *domain.TradingOrder, parent domain.TradingOrder) error {
	meta, err := order.Metadata.TPSL()
	if err != nil {
		return err
	}
	if meta == nil || (meta.TakeProfitPercent == nil && meta.StopLossPercent == nil) {
		return nil
	}

	txn, err := e.txns.Get(ctx, order.TransactionID)
	if err != nil {
		return err
	}

	fill, err := e.resolveParentFill(ctx, parent, txn)
	if err != nil {
		return err
	}

	if meta.TakeProfitPercent != nil {
		tp := domain.ComputeProtectionPrice(fill, *meta.TakeProfitPercent, txn.Side, true)
		order.LimitPrice = tp
		txn.TakeProfit = &tp
	}
	if meta.StopLossPercent != nil {
		sl := domain.ComputeProtectionPrice(fill, *meta.StopLossPercent, txn.Side, false)
		order.StopPrice = sl
		txn.StopLoss = &sl
	}

	meta.ParentFilledPrice = &fill
	meta.RecalculatedAtTrigger = true
	if err := order.Metadata.SetTPSL(*meta); err != nil {
		return err
	}

	txn.UpdatedAt = time.Now().UTC()
	if err := e.txns.Update(ctx, txn); err != nil {
		return err
	}

	e.logger.Info("依赖单价格已按父订单成交价重算",
		zap.String("order_id", order.ID),
		zap.String("parent_order_id", parent.ID),
		zap.Float64("parent_fill_price", fill),
		zap.Float64("limit_price", order.LimitPrice),
		zap.Float64("stop_price", order.StopPrice),
	)
	return nil
}

// resolveParentFill 解析父订单的实际成交价。
// 父订单成交时以券商快照为准，取消链（形态变更）退回持仓开仓价。
func (e *Engine) resolveParentFill(ctx context.Context, parent domain.TradingOrder, txn domain.Transaction) (float64, error) {
	if parent.Status == domain.OrderFilled && parent.BrokerOrderID != nil {
		snapshot, err := e.gateway.GetOrder(ctx, *parent.BrokerOrderID, txn.Symbol)
		if err == nil && snapshot.AvgFillPrice > 0 {
			return snapshot.AvgFillPrice, nil
		}
		if err != nil {
			e.logger.Warn("回读父订单成交价失败, 退回持仓开仓价",
				zap.String("parent_order_id", parent.ID),
				zap.Error(err),
			)
		}
	}
	if txn.OpenPrice <= 0 {
		return 0, fmt.Errorf("无法解析父订单 %s 的成交价, 持仓开仓价也无效", parent.ID)
	}
	return txn.OpenPrice, nil
}
