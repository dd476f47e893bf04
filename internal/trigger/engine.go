// Package trigger 实现订单触发引擎：依赖单的触发提交、
// 保护单（止盈止损）的形态管理，以及与券商侧状态的对账。
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
	"autotrader/internal/locks"
	"autotrader/internal/store"
)

// Engine 驱动订单状态机在本地与券商之间推进。
type Engine struct {
	gateway  broker.Gateway
	txns     *store.TransactionRepo
	orders   *store.OrderRepo
	locks    *locks.Manager
	recorder *audit.Recorder
	logger   *zap.Logger
}

// NewEngine 构造订单触发引擎。
func NewEngine(
	gateway broker.Gateway,
	txns *store.TransactionRepo,
	orders *store.OrderRepo,
	lockManager *locks.Manager,
	recorder *audit.Recorder,
	logger *zap.Logger,
) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		gateway:  gateway,
		txns:     txns,
		orders:   orders,
		locks:    lockManager,
		recorder: recorder,
		logger:   logger,
	}
}

// SubmitTracked 幂等提交一条订单。
// 已带 broker_order_id 的订单绝不再次下发券商，重复提交是
// "insufficient quantity" 类拒单的根因。提交超时按结果未知处理，
// 先用客户端订单号回读券商再定结论，绝不盲目重试。
func (e *Engine) SubmitTracked(ctx context.Context, order *domain.TradingOrder) error {
	if order.BrokerOrderID != nil {
		return fmt.Errorf("order %s 已带券商订单号 %s, 拒绝重复提交", order.ID, *order.BrokerOrderID)
	}

	txn, err := e.txns.Get(ctx, order.TransactionID)
	if err != nil {
		return err
	}

	if order.Status == domain.OrderWaitingTrigger {
		if err := order.Transition(domain.OrderPending); err != nil {
			return err
		}
	}
	if order.Status != domain.OrderPending {
		return fmt.Errorf("order %s 状态 %s 不允许提交", order.ID, order.Status)
	}

	req := broker.SubmitRequest{
		Symbol:        txn.Symbol,
		Side:          order.Side,
		Type:          order.Type,
		Quantity:      order.Quantity,
		LimitPrice:    order.LimitPrice,
		StopPrice:     order.StopPrice,
		ClientOrderID: order.ID,
	}
	if order.Type == domain.OrderTypeOCO {
		req.TakeProfitPrice = order.LimitPrice
		req.StopLossPrice = order.StopPrice
	}

	brokerID, submitErr := e.gateway.SubmitOrder(ctx, req)
	if submitErr != nil {
		if broker.IsUnknownOutcome(submitErr) {
			return e.resolveUnknownSubmit(ctx, order, txn.Symbol, submitErr)
		}
		return e.failSubmit(ctx, order, submitErr)
	}

	if err := order.SetBrokerOrderID(brokerID); err != nil {
		return err
	}
	if err := order.Transition(domain.OrderAccepted); err != nil {
		return err
	}
	order.UpdatedAt = time.Now().UTC()
	if err := e.orders.Update(ctx, *order); err != nil {
		return err
	}

	e.recorder.Info(audit.EventOrderSubmitted,
		fmt.Sprintf("订单 %s 已提交券商 (%s %s %.4f)", order.ID, order.Side, txn.Symbol, order.Quantity),
		map[string]interface{}{
			"order_id":        order.ID,
			"broker_order_id": brokerID,
			"transaction_id":  order.TransactionID,
			"type":            string(order.Type),
		})
	e.logger.Info("订单提交成功",
		zap.String("order_id", order.ID),
		zap.String("broker_order_id", brokerID),
		zap.String("symbol", txn.Symbol),
	)
	return nil
}

// resolveUnknownSubmit 处理结果未知的提交：回读券商确认是否已受理。
func (e *Engine) resolveUnknownSubmit(ctx context.Context, order *domain.TradingOrder, symbol string, submitErr error) error {
	e.logger.Warn("订单提交结果未知, 回读券商确认",
		zap.String("order_id", order.ID),
		zap.Error(submitErr),
	)

	snapshot, err := e.gateway.GetOrderByClientID(ctx, order.ID, symbol)
	if err != nil {
		if errors.Is(err, broker.ErrOrderNotFound) {
			// 券商侧确认不存在，提交未生效。
			return e.failSubmit(ctx, order, submitErr)
		}
		// 回读也失败，标记 ERROR 留待人工或下轮对账，绝不静默吞掉。
		return e.failSubmit(ctx, order, fmt.Errorf("提交结果未知且回读失败: %w", err))
	}

	if err := order.SetBrokerOrderID(snapshot.BrokerOrderID); err != nil {
		return err
	}
	if err := order.Transition(domain.OrderAccepted); err != nil {
		return err
	}
	order.UpdatedAt = time.Now().UTC()
	if err := e.orders.Update(ctx, *order); err != nil {
		return err
	}

	e.recorder.Warn(audit.EventOrderSubmitted,
		fmt.Sprintf("订单 %s 提交超时但券商已受理, 已通过回读恢复", order.ID),
		map[string]interface{}{
			"order_id":        order.ID,
			"broker_order_id": snapshot.BrokerOrderID,
		})
	return nil
}

// failSubmit 将提交失败的订单置为 ERROR 并留痕，供重试或告警。
func (e *Engine) failSubmit(ctx context.Context, order *domain.TradingOrder, cause error) error {
	if err := order.Transition(domain.OrderError); err != nil {
		return errors.Join(cause, err)
	}
	order.UpdatedAt = time.Now().UTC()
	if err := e.orders.Update(ctx, *order); err != nil {
		return errors.Join(cause, err)
	}

	e.recorder.Error(audit.EventOrderSubmitted,
		fmt.Sprintf("订单 %s 提交失败, 已置为 ERROR", order.ID), cause,
		map[string]interface{}{
			"order_id":       order.ID,
			"transaction_id": order.TransactionID,
		})
	return fmt.Errorf("订单 %s 提交失败: %w", order.ID, cause)
}
