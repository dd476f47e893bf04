// Package rules 实现有序规则集的建模、加载与两阶段求值。
// 条件求值是纯读操作，动作执行由 action 包在第二阶段完成。
package rules

import (
	"encoding/json"
	"fmt"

	"go.uber.org/multierr"
)

// ConditionType 枚举全部支持的条件。
type ConditionType string

const (
	// 布尔条件
	CondBullish       ConditionType = "BULLISH"
	CondBearish       ConditionType = "BEARISH"
	CondHasPosition   ConditionType = "HAS_POSITION"
	CondHasNoPosition ConditionType = "HAS_NO_POSITION"
	CondRatingChanged ConditionType = "RATING_CHANGED"
	CondRiskLevelIs   ConditionType = "RISK_LEVEL_IS"
	CondTimeHorizonIs ConditionType = "TIME_HORIZON_IS"

	// 数值比较条件
	CondConfidence      ConditionType = "CONFIDENCE"
	CondExpectedProfit  ConditionType = "EXPECTED_PROFIT"
	CondDaysOpened      ConditionType = "DAYS_OPENED"
	CondProfitLossPct   ConditionType = "PROFIT_LOSS_PERCENT"
	CondInstrumentShare ConditionType = "INSTRUMENT_ACCOUNT_SHARE"
	CondRSI             ConditionType = "RSI"
	CondPriceVsSMA      ConditionType = "PRICE_VS_SMA"
)

// ActionType 枚举全部支持的动作。
type ActionType string

const (
	ActionBuy              ActionType = "BUY"
	ActionSell             ActionType = "SELL"
	ActionClose            ActionType = "CLOSE"
	ActionAdjustTakeProfit ActionType = "ADJUST_TAKE_PROFIT"
	ActionAdjustStopLoss   ActionType = "ADJUST_STOP_LOSS"
	ActionIncreaseShare    ActionType = "INCREASE_INSTRUMENT_SHARE"
	ActionDecreaseShare    ActionType = "DECREASE_INSTRUMENT_SHARE"
)

// PositionScope 区分条件看到的持仓范围。
// EXPERT 只看本专家自己的逻辑持仓，ACCOUNT 看券商账户全部持仓，
// 两者刻意分离，保证多个专家可以互不干扰地交易同一标的。
type PositionScope string

const (
	ScopeExpert  PositionScope = "EXPERT"
	ScopeAccount PositionScope = "ACCOUNT"
)

// ConditionSpec 是规则文件中一条条件的原样配置。
// Params 保留原始 JSON，保证导出导入后逐字节往返。
type ConditionSpec struct {
	Type   ConditionType   `json:"type"`
	Params json.RawMessage `json:"params,omitempty"`
}

// ActionSpec 是规则文件中一条动作的原样配置。
type ActionSpec struct {
	Type   ActionType      `json:"type"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Rule 是一条有序规则。条件之间恒为 AND 关系。
// ContinueProcessing 省略时按 false 处理，即命中后停止后续规则。
type Rule struct {
	Name               string          `json:"name"`
	Conditions         []ConditionSpec `json:"conditions"`
	Actions            []ActionSpec    `json:"actions"`
	ContinueProcessing *bool           `json:"continue_processing,omitempty"`
}

// ShouldContinue 返回命中该规则后是否继续处理后续规则。
func (r Rule) ShouldContinue() bool {
	return r.ContinueProcessing != nil && *r.ContinueProcessing
}

// Ruleset 是一个按序求值的规则集合。
type Ruleset struct {
	Name  string `json:"name"`
	Rules []Rule `json:"rules"`
}

var knownConditions = map[ConditionType]bool{
	CondBullish:         true,
	CondBearish:         true,
	CondHasPosition:     true,
	CondHasNoPosition:   true,
	CondRatingChanged:   true,
	CondRiskLevelIs:     true,
	CondTimeHorizonIs:   true,
	CondConfidence:      true,
	CondExpectedProfit:  true,
	CondDaysOpened:      true,
	CondProfitLossPct:   true,
	CondInstrumentShare: true,
	CondRSI:             true,
	CondPriceVsSMA:      true,
}

var knownActions = map[ActionType]bool{
	ActionBuy:              true,
	ActionSell:             true,
	ActionClose:            true,
	ActionAdjustTakeProfit: true,
	ActionAdjustStopLoss:   true,
	ActionIncreaseShare:    true,
	ActionDecreaseShare:    true,
}

// Validate 校验规则集结构合法性。
func (rs Ruleset) Validate() error {
	var err error
	if rs.Name == "" {
		err = multierr.Append(err, fmt.Errorf("规则集缺少名称"))
	}
	for i, rule := range rs.Rules {
		if rule.Name == "" {
			err = multierr.Append(err, fmt.Errorf("规则[%d]缺少名称", i))
		}
		if len(rule.Actions) == 0 {
			err = multierr.Append(err, fmt.Errorf("规则 %q 没有任何动作", rule.Name))
		}
		for _, cond := range rule.Conditions {
			if !knownConditions[cond.Type] {
				err = multierr.Append(err, fmt.Errorf("规则 %q 引用未知条件类型 %q", rule.Name, cond.Type))
			}
		}
		for _, act := range rule.Actions {
			if !knownActions[act.Type] {
				err = multierr.Append(err, fmt.Errorf("规则 %q 引用未知动作类型 %q", rule.Name, act.Type))
			}
		}
	}
	return err
}
