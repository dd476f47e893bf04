// Package action 实现规则动作库：开平仓、止盈止损调整与仓位比例调整。
// 每个动作先校验输入，算不出有效价格一律硬失败，绝不用默认值顶替。
package action

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-viper/mapstructure/v2"
	"go.uber.org/zap"

	"autotrader/internal/audit"
	"autotrader/internal/broker"
	"autotrader/internal/config"
	"autotrader/internal/domain"
	"autotrader/internal/locks"
	"autotrader/internal/rules"
	"autotrader/internal/store"
)

// OrderPipeline 是订单提交与保护单同步的下游管道。
type OrderPipeline interface {
	// SubmitTracked 幂等提交订单：已带 broker_order_id 的订单绝不重复提交。
	SubmitTracked(ctx context.Context, order *domain.TradingOrder) error
	// SyncProtection 将持仓上权威的止盈止损目标同步为券商侧订单。
	SyncProtection(ctx context.Context, txn *domain.Transaction) error
}

// Input 汇集一次动作执行需要的运行时事实。
type Input struct {
	Recommendation domain.Recommendation
	// Transaction 是该专家在该标的上的活跃持仓，没有则为 nil。
	Transaction   *domain.Transaction
	CurrentPrice  float64
	VirtualEquity float64
	UseCase       string
	RuleName      string
}

// Result 是单个动作的执行结果。
// Success 为假且无 error 表示动作判定为无操作（例如仓位已在目标附近）。
type Result struct {
	Action   rules.ActionType
	Success  bool
	Message  string
	OrderIDs []string
}

// Executor 执行规则命中后的动作集合。
type Executor struct {
	gateway  broker.Gateway
	txns     *store.TransactionRepo
	orders   *store.OrderRepo
	pipeline OrderPipeline
	locks    *locks.Manager
	recorder *audit.Recorder
	trading  config.TradingConfig
	logger   *zap.Logger
}

// NewExecutor 构造动作执行器。
func NewExecutor(
	gateway broker.Gateway,
	txns *store.TransactionRepo,
	orders *store.OrderRepo,
	pipeline OrderPipeline,
	lockManager *locks.Manager,
	recorder *audit.Recorder,
	trading config.TradingConfig,
	logger *zap.Logger,
) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		gateway:  gateway,
		txns:     txns,
		orders:   orders,
		pipeline: pipeline,
		locks:    lockManager,
		recorder: recorder,
		trading:  trading,
		logger:   logger,
	}
}

// Execute 执行单个动作并记录审计事件。
func (e *Executor) Execute(ctx context.Context, spec rules.ActionSpec, in Input) (Result, error) {
	var (
		result Result
		err    error
	)

	switch spec.Type {
	case rules.ActionBuy:
		result, err = e.openPosition(ctx, spec, in, domain.SideLong)
	case rules.ActionSell:
		result, err = e.openPosition(ctx, spec, in, domain.SideShort)
	case rules.ActionClose:
		result, err = e.closePosition(ctx, in)
	case rules.ActionAdjustTakeProfit:
		result, err = e.adjustProtection(ctx, spec, in, protectTakeProfit)
	case rules.ActionAdjustStopLoss:
		result, err = e.adjustProtection(ctx, spec, in, protectStopLoss)
	case rules.ActionIncreaseShare:
		result, err = e.adjustShare(ctx, spec, in, true)
	case rules.ActionDecreaseShare:
		result, err = e.adjustShare(ctx, spec, in, false)
	default:
		return Result{}, fmt.Errorf("未知动作类型: %q", spec.Type)
	}

	result.Action = spec.Type
	e.recordResult(spec, in, result, err)
	return result, err
}

func (e *Executor) recordResult(spec rules.ActionSpec, in Input, result Result, err error) {
	data := map[string]interface{}{
		"action":    string(spec.Type),
		"symbol":    in.Recommendation.Symbol,
		"expert_id": in.Recommendation.ExpertID,
		"rule":      in.RuleName,
		"success":   result.Success,
	}
	if len(result.OrderIDs) > 0 {
		data["order_ids"] = result.OrderIDs
	}
	if err != nil {
		e.recorder.Error(audit.EventActionResult, fmt.Sprintf("动作 %s 执行失败", spec.Type), err, data)
		return
	}
	e.recorder.Info(audit.EventActionResult, result.Message, data)
}

// decodeParams 将动作的原始 JSON 参数解码为类型化结构。
func decodeParams(raw json.RawMessage, out interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	var generic map[string]interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return fmt.Errorf("动作参数不是合法 JSON 对象: %w", err)
	}
	if err := mapstructure.Decode(generic, out); err != nil {
		return fmt.Errorf("动作参数解码失败: %w", err)
	}
	return nil
}

// resolvePrice 返回可用的市场价，拿不到有效价格属于硬失败。
func (e *Executor) resolvePrice(ctx context.Context, symbol string, hint float64) (float64, error) {
	if hint > 0 {
		return hint, nil
	}
	price, err := e.gateway.GetCurrentPrice(ctx, symbol)
	if err != nil {
		return 0, fmt.Errorf("获取 %s 市场价失败: %w", symbol, err)
	}
	if price <= 0 {
		return 0, fmt.Errorf("%s 市场价非法: %.4f", symbol, price)
	}
	return price, nil
}
