package action

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"autotrader/internal/domain"
	"autotrader/internal/rules"
)

type openParams struct {
	// Quantity 与 Percent 二选一，两者都缺省时拒绝执行。
	Quantity float64 `mapstructure:"quantity"`
	Percent  float64 `mapstructure:"percent"`
}

// openPosition 开仓：创建逻辑持仓与初始市价单。
func (e *Executor) openPosition(ctx context.Context, spec rules.ActionSpec, in Input, side domain.Side) (Result, error) {
	var params openParams
	if err := decodeParams(spec.Params, &params); err != nil {
		return Result{}, err
	}

	if in.Transaction != nil && in.Transaction.IsActive() {
		return Result{}, fmt.Errorf("专家 %s 在 %s 上已有活跃持仓 %s，拒绝重复开仓",
			in.Recommendation.ExpertID, in.Recommendation.Symbol, in.Transaction.ID)
	}

	price, err := e.resolvePrice(ctx, in.Recommendation.Symbol, in.CurrentPrice)
	if err != nil {
		return Result{}, err
	}

	quantity, err := resolveOpenQuantity(params, price, in.VirtualEquity)
	if err != nil {
		return Result{}, err
	}

	account, err := e.gateway.GetAccount(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("获取账户资金失败: %w", err)
	}
	cost := quantity * price
	if cost > account.Available {
		return Result{}, fmt.Errorf("余额不足: 需要 %.2f, 可用 %.2f", cost, account.Available)
	}

	now := time.Now().UTC()
	txn := domain.Transaction{
		ID:        uuid.NewString(),
		ExpertID:  in.Recommendation.ExpertID,
		Symbol:    in.Recommendation.Symbol,
		Side:      side,
		Status:    domain.TransactionOpened,
		OpenPrice: price,
		Quantity:  quantity,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.txns.Create(ctx, txn); err != nil {
		return Result{}, err
	}

	orderSide := domain.OrderBuy
	if side == domain.SideShort {
		orderSide = domain.OrderSell
	}
	order := domain.TradingOrder{
		ID:               uuid.NewString(),
		TransactionID:    txn.ID,
		Side:             orderSide,
		Quantity:         quantity,
		Type:             domain.OrderTypeMarket,
		Status:           domain.OrderPending,
		RecommendationID: in.Recommendation.ID,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := order.Metadata.Set(domain.MetadataKeyRecommendation, domain.RecommendationMetadata{
		SchemaVersion: 1,
		ExpertID:      in.Recommendation.ExpertID,
		UseCase:       in.UseCase,
		RuleName:      in.RuleName,
	}); err != nil {
		return Result{}, err
	}
	if err := e.orders.Create(ctx, order); err != nil {
		return Result{}, err
	}

	if err := e.pipeline.SubmitTracked(ctx, &order); err != nil {
		return Result{}, err
	}

	e.logger.Info("开仓订单已提交",
		zap.String("transaction_id", txn.ID),
		zap.String("order_id", order.ID),
		zap.String("symbol", txn.Symbol),
		zap.String("side", string(side)),
		zap.Float64("quantity", quantity),
		zap.Float64("price", price),
	)
	return Result{
		Success:  true,
		Message:  fmt.Sprintf("已开仓 %s %s %.4f 股", side, txn.Symbol, quantity),
		OrderIDs: []string{order.ID},
	}, nil
}

func resolveOpenQuantity(params openParams, price, virtualEquity float64) (float64, error) {
	if params.Quantity > 0 {
		return params.Quantity, nil
	}
	if params.Percent > 0 {
		if virtualEquity <= 0 {
			return 0, fmt.Errorf("按比例开仓需要正的虚拟资金, 实际 %.2f", virtualEquity)
		}
		quantity := math.Floor(virtualEquity * params.Percent / 100 / price)
		if quantity < 1 {
			return 0, fmt.Errorf("按比例 %.2f%% 计算的数量不足 1 股", params.Percent)
		}
		return quantity, nil
	}
	return 0, fmt.Errorf("开仓动作必须指定 quantity 或 percent，绝不默认")
}
