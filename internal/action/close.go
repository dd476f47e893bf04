package action

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"autotrader/internal/broker"
	"autotrader/internal/domain"
)

// closePosition 平仓：先撤掉未成交的依赖单与保护单，再提交全量平仓单。
// 持仓只有在平仓单确认成交后才会走到 CLOSED，这里只推进到 CLOSING。
func (e *Executor) closePosition(ctx context.Context, in Input) (Result, error) {
	if in.Transaction == nil || !in.Transaction.IsActive() {
		return Result{}, fmt.Errorf("专家 %s 在 %s 上没有可平的持仓",
			in.Recommendation.ExpertID, in.Recommendation.Symbol)
	}
	txn := *in.Transaction

	var result Result
	err := e.locks.WithTransaction(ctx, txn.ID, func() error {
		active, err := e.orders.ListActiveByTransaction(ctx, txn.ID)
		if err != nil {
			return err
		}
		for i := range active {
			if err := e.retireOrder(ctx, &active[i], txn.Symbol); err != nil {
				return err
			}
		}

		now := time.Now().UTC()
		closeSide := domain.OrderSell
		if txn.Side == domain.SideShort {
			closeSide = domain.OrderBuy
		}
		closing := domain.TradingOrder{
			ID:               uuid.NewString(),
			TransactionID:    txn.ID,
			Side:             closeSide,
			Quantity:         txn.Quantity,
			Type:             domain.OrderTypeMarket,
			Status:           domain.OrderPending,
			IsClosingOrder:   true,
			RecommendationID: in.Recommendation.ID,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		if err := e.orders.Create(ctx, closing); err != nil {
			return err
		}
		if err := e.pipeline.SubmitTracked(ctx, &closing); err != nil {
			return err
		}

		if err := txn.TransitionStatus(domain.TransactionClosing); err != nil {
			return err
		}
		txn.UpdatedAt = now
		if err := e.txns.Update(ctx, txn); err != nil {
			return err
		}

		result = Result{
			Success:  true,
			Message:  fmt.Sprintf("已提交 %s 平仓单, 数量 %.4f", txn.Symbol, txn.Quantity),
			OrderIDs: []string{closing.ID},
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	e.logger.Info("平仓流程完成",
		zap.String("transaction_id", txn.ID),
		zap.String("symbol", txn.Symbol),
		zap.Float64("quantity", txn.Quantity),
	)
	return result, nil
}

// retireOrder 按订单当前状态撤掉一条活跃订单。
// 未提交的依赖单本地直接取消，已提交的走 PENDING_CANCEL 再请求券商撤单。
func (e *Executor) retireOrder(ctx context.Context, order *domain.TradingOrder, symbol string) error {
	switch {
	case order.Status == domain.OrderWaitingTrigger:
		if err := order.Transition(domain.OrderCanceled); err != nil {
			return err
		}
		order.UpdatedAt = time.Now().UTC()
		return e.orders.Update(ctx, *order)

	case order.BrokerOrderID != nil:
		if err := order.Transition(domain.OrderPendingCancel); err != nil {
			return err
		}
		order.UpdatedAt = time.Now().UTC()
		if err := e.orders.Update(ctx, *order); err != nil {
			return err
		}

		err := e.gateway.CancelOrder(ctx, *order.BrokerOrderID, symbol)
		if err != nil && !errors.Is(err, broker.ErrOrderNotFound) {
			// 撤单请求失败时订单停留在 PENDING_CANCEL，交由对账推进。
			e.logger.Warn("撤单请求失败, 留待对账",
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

	default:
		// 既没提交也不在等待触发，按本地取消处理。
		if err := order.Transition(domain.OrderCanceled); err != nil {
			return err
		}
		order.UpdatedAt = time.Now().UTC()
		return e.orders.Update(ctx, *order)
	}
}
