package trigger

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"autotrader/internal/broker"
	"autotrader/internal/domain"
)

// SyncProtection 将持仓上权威的止盈/止损目标同步为券商侧保护单。
// 每个持仓最多一条活跃保护单：同时有止盈与止损时必须合并为一条 OCO，
// 绝不挂两条独立的反向单。调用方必须持有该持仓的事务锁。
func (e *Engine) SyncProtection(ctx context.Context, txn *domain.Transaction) error {
	active, err := e.orders.ListActiveByTransaction(ctx, txn.ID)
	if err != nil {
		return err
	}
	var existing []domain.TradingOrder
	for _, order := range active {
		if order.CarriesTakeProfit() || order.CarriesStopLoss() {
			existing = append(existing, order)
		}
	}

	desiredType, ok := desiredProtectionType(*txn)
	if !ok {
		// 持仓已无保护目标，撤掉全部保护单。
		for i := range existing {
			if err := e.retireProtection(ctx, &existing[i], txn.Symbol); err != nil {
				return err
			}
		}
		return nil
	}

	limitPrice, stopPrice, meta, err := buildProtectionPlan(*txn)
	if err != nil {
		return err
	}

	// 多余的保护单违反单保护单不变式，先清理再继续。
	for len(existing) > 1 {
		last := &existing[len(existing)-1]
		e.logger.Warn("发现多余保护单, 撤销",
			zap.String("transaction_id", txn.ID),
			zap.String("order_id", last.ID),
		)
		if err := e.retireProtection(ctx, last, txn.Symbol); err != nil {
			return err
		}
		existing = existing[:len(existing)-1]
	}

	if len(existing) == 0 {
		return e.createProtection(ctx, *txn, desiredType, limitPrice, stopPrice, meta)
	}

	primary := existing[0]
	if primary.Type != desiredType {
		// 形态变更（单腿与 OCO 互转）不允许原地改单，必须先撤后建。
		return e.cancelAndRecreate(ctx, *txn, &primary, desiredType, limitPrice, stopPrice, meta)
	}
	return e.updateProtection(ctx, *txn, &primary, limitPrice, stopPrice, meta)
}

// desiredProtectionType 由持仓目标推导保护单形态。
func desiredProtectionType(txn domain.Transaction) (domain.OrderType, bool) {
	switch {
	case txn.TakeProfit != nil && txn.StopLoss != nil:
		return domain.OrderTypeOCO, true
	case txn.TakeProfit != nil:
		return domain.OrderTypeLimit, true
	case txn.StopLoss != nil:
		return domain.OrderTypeStop, true
	default:
		return "", false
	}
}

// buildProtectionPlan 计算保护单价格与重算依据。
// 百分比相对开仓价存储，供触发释放时按真实成交价重算。
func buildProtectionPlan(txn domain.Transaction) (limitPrice, stopPrice float64, meta domain.TPSLMetadata, err error) {
	if txn.OpenPrice <= 0 {
		return 0, 0, meta, fmt.Errorf("持仓 %s 缺少有效开仓价, 无法计算保护单", txn.ID)
	}
	meta = domain.TPSLMetadata{SchemaVersion: domain.TPSLSchemaVersion}

	if txn.TakeProfit != nil {
		if *txn.TakeProfit <= 0 {
			return 0, 0, meta, fmt.Errorf("持仓 %s 止盈目标非法: %.4f", txn.ID, *txn.TakeProfit)
		}
		limitPrice = domain.Round2(*txn.TakeProfit)
		pct := math.Abs(*txn.TakeProfit/txn.OpenPrice-1) * 100
		meta.TakeProfitPercent = &pct
	}
	if txn.StopLoss != nil {
		if *txn.StopLoss <= 0 {
			return 0, 0, meta, fmt.Errorf("持仓 %s 止损目标非法: %.4f", txn.ID, *txn.StopLoss)
		}
		stopPrice = domain.Round2(*txn.StopLoss)
		pct := math.Abs(*txn.StopLoss/txn.OpenPrice-1) * 100
		meta.StopLossPercent = &pct
	}
	return limitPrice, stopPrice, meta, nil
}

// createProtection 新建保护单并立即提交。
func (e *Engine) createProtection(ctx context.Context, txn domain.Transaction, orderType domain.OrderType, limitPrice, stopPrice float64, meta domain.TPSLMetadata) error {
	order := newProtectionOrder(txn, orderType, limitPrice, stopPrice)
	if err := order.Metadata.SetTPSL(meta); err != nil {
		return err
	}
	if err := e.orders.Create(ctx, order); err != nil {
		return err
	}
	return e.SubmitTracked(ctx, &order)
}

func newProtectionOrder(txn domain.Transaction, orderType domain.OrderType, limitPrice, stopPrice float64) domain.TradingOrder {
	side := domain.OrderSell
	if txn.Side == domain.SideShort {
		side = domain.OrderBuy
	}
	now := time.Now().UTC()
	return domain.TradingOrder{
		ID:             uuid.NewString(),
		TransactionID:  txn.ID,
		Side:           side,
		Quantity:       txn.Quantity,
		Type:           orderType,
		LimitPrice:     limitPrice,
		StopPrice:      stopPrice,
		Status:         domain.OrderPending,
		IsClosingOrder: true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// updateProtection 同形态改价或改量：未提交的订单本地改，已提交的走券商改单，
// 券商拒绝改单时退回撤销重建路径。调仓成交后保护单数量必须跟上持仓数量。
func (e *Engine) updateProtection(ctx context.Context, txn domain.Transaction, order *domain.TradingOrder, limitPrice, stopPrice float64, meta domain.TPSLMetadata) error {
	if priceEqual(order.LimitPrice, limitPrice) && priceEqual(order.StopPrice, stopPrice) &&
		priceEqual(order.Quantity, txn.Quantity) {
		return nil
	}

	if order.BrokerOrderID == nil {
		order.Quantity = txn.Quantity
		order.LimitPrice = limitPrice
		order.StopPrice = stopPrice
		if err := order.Metadata.SetTPSL(meta); err != nil {
			return err
		}
		order.UpdatedAt = time.Now().UTC()
		return e.orders.Update(ctx, *order)
	}

	newID, err := e.gateway.ReplaceOrder(ctx, *order.BrokerOrderID, txn.Symbol, broker.ReplaceRequest{
		Quantity:   txn.Quantity,
		LimitPrice: limitPrice,
		StopPrice:  stopPrice,
	})
	if err != nil {
		if errors.Is(err, broker.ErrReplaceRejected) {
			e.logger.Warn("券商拒绝改单, 退回撤销重建",
				zap.String("order_id", order.ID),
				zap.Error(err),
			)
			return e.cancelAndRecreate(ctx, txn, order, order.Type, limitPrice, stopPrice, meta)
		}
		return fmt.Errorf("改单失败: %w", err)
	}

	if newID == *order.BrokerOrderID {
		order.Quantity = txn.Quantity
		order.LimitPrice = limitPrice
		order.StopPrice = stopPrice
		if err := order.Metadata.SetTPSL(meta); err != nil {
			return err
		}
		order.UpdatedAt = time.Now().UTC()
		return e.orders.Update(ctx, *order)
	}

	// 券商改单产生了新订单号：旧单显式标记 REPLACED，新记录承接新订单号。
	if err := order.Transition(domain.OrderReplaced); err != nil {
		return err
	}
	order.UpdatedAt = time.Now().UTC()
	if err := e.orders.Update(ctx, *order); err != nil {
		return err
	}

	replacement := newProtectionOrder(txn, order.Type, limitPrice, stopPrice)
	replacement.Status = domain.OrderAccepted
	replacement.BrokerOrderID = &newID
	if err := replacement.Metadata.SetTPSL(meta); err != nil {
		return err
	}
	if err := e.orders.Create(ctx, replacement); err != nil {
		return err
	}

	e.logger.Info("保护单已改单",
		zap.String("old_order_id", order.ID),
		zap.String("new_order_id", replacement.ID),
		zap.String("broker_order_id", newID),
	)
	return nil
}

// cancelAndRecreate 撤销旧保护单并创建依赖其取消的替换单。
// 替换单以 WAITING_TRIGGER 入库、链在旧单的 CANCELED 上，
// 旧单确认取消后立即尝试释放。
func (e *Engine) cancelAndRecreate(ctx context.Context, txn domain.Transaction, old *domain.TradingOrder, orderType domain.OrderType, limitPrice, stopPrice float64, meta domain.TPSLMetadata) error {
	replacement := newProtectionOrder(txn, orderType, limitPrice, stopPrice)
	replacement.Status = domain.OrderWaitingTrigger
	replacement.DependsOnOrder = &old.ID
	replacement.DependsStatusTrigger = domain.OrderCanceled
	if err := replacement.Metadata.SetTPSL(meta); err != nil {
		return err
	}
	if err := e.orders.Create(ctx, replacement); err != nil {
		return err
	}

	if old.BrokerOrderID == nil {
		// 旧单尚未提交，本地取消即可。
		if err := old.Transition(domain.OrderCanceled); err != nil {
			return err
		}
		old.UpdatedAt = time.Now().UTC()
		if err := e.orders.Update(ctx, *old); err != nil {
			return err
		}
		return e.releaseOrder(ctx, replacement.ID)
	}

	if err := old.Transition(domain.OrderPendingCancel); err != nil {
		return err
	}
	old.UpdatedAt = time.Now().UTC()
	if err := e.orders.Update(ctx, *old); err != nil {
		return err
	}

	err := e.gateway.CancelOrder(ctx, *old.BrokerOrderID, txn.Symbol)
	if err != nil && !errors.Is(err, broker.ErrOrderNotFound) {
		// 撤单请求失败时旧单停留在 PENDING_CANCEL，
		// 替换单留在触发队列，由对账与扫描接力推进。
		e.logger.Warn("保护单撤销请求失败, 留待对账",
			zap.String("order_id", old.ID),
			zap.Error(err),
		)
		return nil
	}

	if err := old.Transition(domain.OrderCanceled); err != nil {
		return err
	}
	old.UpdatedAt = time.Now().UTC()
	if err := e.orders.Update(ctx, *old); err != nil {
		return err
	}
	return e.releaseOrder(ctx, replacement.ID)
}

// retireProtection 撤掉一条保护单。
func (e *Engine) retireProtection(ctx context.Context, order *domain.TradingOrder, symbol string) error {
	if order.BrokerOrderID == nil {
		if err := order.Transition(domain.OrderCanceled); err != nil {
			return err
		}
		order.UpdatedAt = time.Now().UTC()
		return e.orders.Update(ctx, *order)
	}

	if err := order.Transition(domain.OrderPendingCancel); err != nil {
		return err
	}
	order.UpdatedAt = time.Now().UTC()
	if err := e.orders.Update(ctx, *order); err != nil {
		return err
	}

	err := e.gateway.CancelOrder(ctx, *order.BrokerOrderID, symbol)
	if err != nil && !errors.Is(err, broker.ErrOrderNotFound) {
		e.logger.Warn("保护单撤销请求失败, 留待对账",
			zap.String("order_id", order.ID),
			zap.Error(err),
		)
		return nil
	}

	if err := order.Transition(domain.OrderCanceled); err != nil {
		return err
	}
	order.UpdatedAt = time.Now().UTC()
	return e.orders.Update(ctx, *order)
}

func priceEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}
