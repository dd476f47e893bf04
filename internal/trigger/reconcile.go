package trigger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"autotrader/internal/audit"
	"autotrader/internal/broker"
	"autotrader/internal/domain"
)

// Reconcile 将券商侧订单状态拉回本地状态机。
// 券商回报与本地合法迁移矛盾时只告警，绝不自动吞掉冲突。
func (e *Engine) Reconcile(ctx context.Context) error {
	submitted, err := e.orders.ListSubmitted(ctx)
	if err != nil {
		return fmt.Errorf("读取已提交订单失败: %w", err)
	}

	for _, order := range submitted {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		err := e.locks.WithTransaction(ctx, order.TransactionID, func() error {
			return e.reconcileOrder(ctx, order.ID)
		})
		if err != nil {
			e.logger.Error("订单对账失败",
				zap.String("order_id", order.ID),
				zap.Error(err),
			)
		}
	}
	return nil
}

func (e *Engine) reconcileOrder(ctx context.Context, orderID string) error {
	order, err := e.orders.Get(ctx, orderID)
	if err != nil {
		return err
	}
	if order.BrokerOrderID == nil || order.Status.IsTerminal() {
		return nil
	}

	txn, err := e.txns.Get(ctx, order.TransactionID)
	if err != nil {
		return err
	}

	snapshot, err := e.gateway.GetOrder(ctx, *order.BrokerOrderID, txn.Symbol)
	if err != nil {
		if errors.Is(err, broker.ErrOrderNotFound) {
			return e.resolveMissingOrder(ctx, &order)
		}
		return err
	}

	remote := snapshot.Status
	if remote == order.Status {
		return nil
	}

	// PENDING_CANCEL 的唯一合法后继是 CANCELED。券商回报成交
	// 说明撤单竞争输给了成交，必须上报冲突，绝不自动采纳。
	if order.Status == domain.OrderPendingCancel && remote == domain.OrderFilled {
		e.recorder.Critical(audit.EventReconcileConflict,
			fmt.Sprintf("订单 %s 本地为 PENDING_CANCEL, 券商回报 FILLED", order.ID),
			map[string]interface{}{
				"order_id":        order.ID,
				"broker_order_id": *order.BrokerOrderID,
				"local_status":    string(order.Status),
				"remote_status":   string(remote),
				"filled_quantity": snapshot.FilledQuantity,
				"avg_fill_price":  snapshot.AvgFillPrice,
			})
		return nil
	}

	if !domain.CanTransition(order.Status, remote) {
		e.recorder.Warn(audit.EventReconcileConflict,
			fmt.Sprintf("订单 %s 券商状态 %s 与本地 %s 不构成合法迁移", order.ID, remote, order.Status),
			map[string]interface{}{
				"order_id":      order.ID,
				"local_status":  string(order.Status),
				"remote_status": string(remote),
			})
		return nil
	}

	if err := order.Transition(remote); err != nil {
		return err
	}
	order.UpdatedAt = time.Now().UTC()
	if err := e.orders.Update(ctx, order); err != nil {
		return err
	}
	e.recorder.Info(audit.EventOrderTransition,
		fmt.Sprintf("订单 %s 状态推进为 %s", order.ID, remote),
		map[string]interface{}{
			"order_id":      order.ID,
			"remote_status": string(remote),
		})

	if remote == domain.OrderFilled {
		return e.applyFill(ctx, order, snapshot, txn)
	}
	return nil
}

// resolveMissingOrder 处理券商查不到的订单。
// 撤单中的订单视为撤单已生效，其余置为 ERROR 留痕。
func (e *Engine) resolveMissingOrder(ctx context.Context, order *domain.TradingOrder) error {
	next := domain.OrderError
	if order.Status == domain.OrderPendingCancel {
		next = domain.OrderCanceled
	}
	if err := order.Transition(next); err != nil {
		return err
	}
	order.UpdatedAt = time.Now().UTC()
	if err := e.orders.Update(ctx, *order); err != nil {
		return err
	}
	if next == domain.OrderError {
		e.recorder.Warn(audit.EventReconcileConflict,
			fmt.Sprintf("订单 %s 在券商侧不存在, 已置为 ERROR", order.ID),
			map[string]interface{}{"order_id": order.ID})
	}
	return nil
}

// applyFill 将成交结果落到逻辑持仓上。
func (e *Engine) applyFill(ctx context.Context, order domain.TradingOrder, snapshot broker.OrderSnapshot, txn domain.Transaction) error {
	now := time.Now().UTC()

	if order.IsClosingOrder {
		if snapshot.AvgFillPrice > 0 {
			txn.ClosePrice = snapshot.AvgFillPrice
		}
		if txn.Status != domain.TransactionClosed {
			if err := txn.TransitionStatus(domain.TransactionClosed); err != nil {
				return err
			}
		}
		txn.UpdatedAt = now
		if err := e.txns.Update(ctx, txn); err != nil {
			return err
		}
		// 持仓已关闭，清掉残留的依赖单与保护单。
		return e.retireSiblings(ctx, txn, order.ID)
	}

	if order.IsResizeOrder {
		// 调仓成交：按方向把成交量落回持仓数量，扩仓时开仓价按加权均价重算。
		filled := snapshot.FilledQuantity
		if filled <= 0 {
			filled = order.Quantity
		}
		if err := txn.ApplyResizeFill(order.Side, filled, snapshot.AvgFillPrice); err != nil {
			return err
		}
	} else if snapshot.AvgFillPrice > 0 && order.Quantity >= txn.Quantity {
		// 开仓成交：覆盖整个持仓数量的成交价即权威开仓价。
		txn.OpenPrice = snapshot.AvgFillPrice
	}
	txn.UpdatedAt = now
	if err := e.txns.Update(ctx, txn); err != nil {
		return err
	}

	// 入场成交后立刻把保护目标落成券商侧订单。
	if txn.TakeProfit != nil || txn.StopLoss != nil {
		return e.SyncProtection(ctx, &txn)
	}
	return nil
}

// retireSiblings 撤掉同持仓下其余仍活跃的订单。
func (e *Engine) retireSiblings(ctx context.Context, txn domain.Transaction, exceptOrderID string) error {
	active, err := e.orders.ListActiveByTransaction(ctx, txn.ID)
	if err != nil {
		return err
	}
	for i := range active {
		if active[i].ID == exceptOrderID {
			continue
		}
		if err := e.retireProtection(ctx, &active[i], txn.Symbol); err != nil {
			return err
		}
	}
	return nil
}
