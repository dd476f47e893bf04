package action

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"autotrader/internal/audit"
	"autotrader/internal/domain"
	"autotrader/internal/rules"
)

type shareParams struct {
	TargetPercent float64 `mapstructure:"target_percent"`
}

// adjustShare 将持仓市值调整到虚拟资金的目标百分比。
// 已在目标附近（epsilon 以内）时判定为无操作，不创建任何订单。
func (e *Executor) adjustShare(ctx context.Context, spec rules.ActionSpec, in Input, increase bool) (Result, error) {
	if in.Transaction == nil || !in.Transaction.IsActive() {
		return Result{}, fmt.Errorf("专家 %s 在 %s 上没有可调整的持仓, 开仓请使用 BUY/SELL",
			in.Recommendation.ExpertID, in.Recommendation.Symbol)
	}

	var params shareParams
	if err := decodeParams(spec.Params, &params); err != nil {
		return Result{}, err
	}
	if params.TargetPercent < 0 {
		return Result{}, fmt.Errorf("target_percent 不能为负: %.2f", params.TargetPercent)
	}
	if in.VirtualEquity <= 0 {
		return Result{}, fmt.Errorf("虚拟资金必须为正, 实际 %.2f", in.VirtualEquity)
	}

	txn := *in.Transaction
	price, err := e.resolvePrice(ctx, txn.Symbol, in.CurrentPrice)
	if err != nil {
		return Result{}, err
	}

	currentValue := math.Abs(txn.Quantity) * price
	currentPct := currentValue / in.VirtualEquity * 100
	targetPct := params.TargetPercent

	// 目标为零即全平，小仓位不允许被 epsilon 判定吞掉。
	if targetPct > 0 && math.Abs(currentPct-targetPct) <= e.trading.ShareEpsilonPct {
		return Result{
			Success: false,
			Message: fmt.Sprintf("%s 仓位已在目标 %.2f%% 附近 (当前 %.2f%%), 无操作", txn.Symbol, targetPct, currentPct),
		}, nil
	}

	if increase {
		return e.increaseShare(ctx, in, txn, price, currentValue, targetPct)
	}
	return e.decreaseShare(ctx, in, txn, price, currentValue, targetPct)
}

func (e *Executor) increaseShare(ctx context.Context, in Input, txn domain.Transaction, price, currentValue, targetPct float64) (Result, error) {
	applied := targetPct
	if maxPct := e.trading.MaxEquityPerInstrumentPct; maxPct > 0 && applied > maxPct {
		applied = maxPct
		e.logger.Warn("目标仓位超过单标的上限, 已收敛",
			zap.String("symbol", txn.Symbol),
			zap.Float64("requested_pct", targetPct),
			zap.Float64("applied_pct", applied),
		)
		e.recorder.Warn(audit.EventClampWarning,
			fmt.Sprintf("%s 目标仓位 %.2f%% 超过上限, 收敛到 %.2f%%", txn.Symbol, targetPct, applied),
			map[string]interface{}{
				"symbol":        txn.Symbol,
				"requested_pct": targetPct,
				"applied_pct":   applied,
			})
	}

	deltaValue := in.VirtualEquity*applied/100 - currentValue
	if deltaValue <= 0 {
		return Result{
			Success: false,
			Message: fmt.Sprintf("%s 收敛后的目标不高于当前仓位, 无操作", txn.Symbol),
		}, nil
	}

	account, err := e.gateway.GetAccount(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("获取账户资金失败: %w", err)
	}
	if deltaValue > account.Available {
		e.logger.Warn("加仓金额超过可用余额, 已收敛",
			zap.String("symbol", txn.Symbol),
			zap.Float64("wanted", deltaValue),
			zap.Float64("available", account.Available),
		)
		e.recorder.Warn(audit.EventClampWarning,
			fmt.Sprintf("%s 加仓金额收敛到可用余额 %.2f", txn.Symbol, account.Available),
			map[string]interface{}{"symbol": txn.Symbol, "available": account.Available})
		deltaValue = account.Available
	}

	quantity := math.Floor(deltaValue / price)
	if quantity < 1 {
		return Result{
			Success: false,
			Message: fmt.Sprintf("%s 加仓数量不足 1 股, 无操作", txn.Symbol),
		}, nil
	}

	side := domain.OrderBuy
	if txn.Side == domain.SideShort {
		side = domain.OrderSell
	}
	return e.submitShareOrder(ctx, in, txn, side, quantity, false)
}

func (e *Executor) decreaseShare(ctx context.Context, in Input, txn domain.Transaction, price, currentValue, targetPct float64) (Result, error) {
	var quantity float64
	fullClose := targetPct == 0
	if fullClose {
		// 目标为零即全平，绕过最少保留 1 股的限制。
		quantity = math.Abs(txn.Quantity)
	} else {
		deltaValue := currentValue - in.VirtualEquity*targetPct/100
		if deltaValue <= 0 {
			return Result{
				Success: false,
				Message: fmt.Sprintf("%s 目标不低于当前仓位, 无操作", txn.Symbol),
			}, nil
		}
		quantity = math.Floor(deltaValue / price)
		if remaining := math.Abs(txn.Quantity) - quantity; remaining < 1 {
			quantity = math.Abs(txn.Quantity) - 1
		}
		if quantity < 1 {
			return Result{
				Success: false,
				Message: fmt.Sprintf("%s 减仓数量不足 1 股, 无操作", txn.Symbol),
			}, nil
		}
	}

	side := domain.OrderSell
	if txn.Side == domain.SideShort {
		side = domain.OrderBuy
	}
	return e.submitShareOrder(ctx, in, txn, side, quantity, fullClose)
}

func (e *Executor) submitShareOrder(ctx context.Context, in Input, txn domain.Transaction, side domain.OrderSide, quantity float64, closing bool) (Result, error) {
	var result Result
	err := e.locks.WithTransaction(ctx, txn.ID, func() error {
		if closing {
			// 全平之前必须先撤掉活跃的保护单与依赖单，
			// 否则平仓单和保护单会在券商侧同时争夺同一份持仓。
			active, err := e.orders.ListActiveByTransaction(ctx, txn.ID)
			if err != nil {
				return err
			}
			for i := range active {
				if err := e.retireOrder(ctx, &active[i], txn.Symbol); err != nil {
					return err
				}
			}
		}

		now := time.Now().UTC()
		order := domain.TradingOrder{
			ID:               uuid.NewString(),
			TransactionID:    txn.ID,
			Side:             side,
			Quantity:         quantity,
			Type:             domain.OrderTypeMarket,
			Status:           domain.OrderPending,
			IsClosingOrder:   closing,
			IsResizeOrder:    !closing,
			RecommendationID: in.Recommendation.ID,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		if err := e.orders.Create(ctx, order); err != nil {
			return err
		}
		if err := e.pipeline.SubmitTracked(ctx, &order); err != nil {
			return err
		}

		if closing {
			current, err := e.txns.Get(ctx, txn.ID)
			if err != nil {
				return err
			}
			if err := current.TransitionStatus(domain.TransactionClosing); err != nil {
				return err
			}
			current.UpdatedAt = now
			if err := e.txns.Update(ctx, current); err != nil {
				return err
			}
		}

		result = Result{
			Success:  true,
			Message:  fmt.Sprintf("%s 仓位调整订单已提交: %s %.0f 股", txn.Symbol, side, quantity),
			OrderIDs: []string{order.ID},
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	return result, nil
}
