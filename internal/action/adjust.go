package action

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"autotrader/internal/domain"
	"autotrader/internal/rules"
)

// Reference 指定调整动作的基准价来源。
type Reference string

const (
	RefOrderOpenPrice Reference = "ORDER_OPEN_PRICE"
	RefCurrentPrice   Reference = "CURRENT_PRICE"
	RefExpertTarget   Reference = "EXPERT_TARGET_PRICE"
)

type protectionKind int

const (
	protectTakeProfit protectionKind = iota
	protectStopLoss
)

func (k protectionKind) String() string {
	if k == protectTakeProfit {
		return "take_profit"
	}
	return "stop_loss"
}

type adjustParams struct {
	Reference Reference `mapstructure:"reference"`
	Percent   float64   `mapstructure:"percent"`
}

// adjustProtection 调整持仓的权威止盈/止损目标价并同步券商侧保护单。
func (e *Executor) adjustProtection(ctx context.Context, spec rules.ActionSpec, in Input, kind protectionKind) (Result, error) {
	if in.Transaction == nil || !in.Transaction.IsActive() {
		return Result{}, fmt.Errorf("专家 %s 在 %s 上没有可调整的持仓",
			in.Recommendation.ExpertID, in.Recommendation.Symbol)
	}

	var params adjustParams
	if err := decodeParams(spec.Params, &params); err != nil {
		return Result{}, err
	}
	if params.Reference == "" {
		return Result{}, fmt.Errorf("调整动作必须指定 reference，绝不默认")
	}

	txn := *in.Transaction
	reference, err := e.resolveReference(ctx, params.Reference, in, txn)
	if err != nil {
		return Result{}, err
	}

	target := domain.ComputeProtectionPrice(reference, params.Percent, txn.Side, kind == protectTakeProfit)
	if target <= 0 {
		return Result{}, fmt.Errorf("计算出的%s目标价非法: %.4f (基准 %.4f, 百分比 %.2f)",
			kind, target, reference, params.Percent)
	}

	var result Result
	err = e.locks.WithTransaction(ctx, txn.ID, func() error {
		current, err := e.txns.Get(ctx, txn.ID)
		if err != nil {
			return err
		}
		if kind == protectTakeProfit {
			current.TakeProfit = &target
		} else {
			current.StopLoss = &target
		}
		current.UpdatedAt = time.Now().UTC()
		if err := e.txns.Update(ctx, current); err != nil {
			return err
		}
		if err := e.pipeline.SyncProtection(ctx, &current); err != nil {
			return err
		}
		result = Result{
			Success: true,
			Message: fmt.Sprintf("%s %s 目标价调整为 %.2f", txn.Symbol, kind, target),
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	e.logger.Info("保护目标价已调整",
		zap.String("transaction_id", txn.ID),
		zap.String("kind", kind.String()),
		zap.String("reference", string(params.Reference)),
		zap.Float64("target", target),
	)
	return result, nil
}

// resolveReference 解析基准价。解析不出正数价格一律硬失败。
func (e *Executor) resolveReference(ctx context.Context, ref Reference, in Input, txn domain.Transaction) (float64, error) {
	switch ref {
	case RefOrderOpenPrice:
		if txn.OpenPrice <= 0 {
			return 0, fmt.Errorf("持仓 %s 没有有效的成交开仓价", txn.ID)
		}
		return txn.OpenPrice, nil

	case RefCurrentPrice:
		return e.resolvePrice(ctx, txn.Symbol, in.CurrentPrice)

	case RefExpertTarget:
		return domain.ExpertTargetPrice(in.Recommendation, txn.Side)

	default:
		return 0, fmt.Errorf("未知基准价类型: %q", ref)
	}
}
