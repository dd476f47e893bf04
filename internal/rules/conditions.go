package rules

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/go-viper/mapstructure/v2"

	"autotrader/internal/domain"
	"autotrader/internal/indicator"
)

// scopeParams 是持仓类条件的参数。
type scopeParams struct {
	Scope PositionScope `mapstructure:"scope"`
}

// numericParams 是数值比较条件的通用参数。
type numericParams struct {
	Operator string  `mapstructure:"operator"`
	Value    float64 `mapstructure:"value"`
}

type riskLevelParams struct {
	Level domain.RiskLevel `mapstructure:"level"`
}

type timeHorizonParams struct {
	Horizon domain.TimeHorizon `mapstructure:"horizon"`
}

type rsiParams struct {
	Period   int     `mapstructure:"period"`
	Operator string  `mapstructure:"operator"`
	Value    float64 `mapstructure:"value"`
}

type smaParams struct {
	Period   int    `mapstructure:"period"`
	Operator string `mapstructure:"operator"`
}

// decodeParams 将规则文件里的原始参数解码到类型化结构。
func decodeParams(raw json.RawMessage, out interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	var generic map[string]interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return fmt.Errorf("条件参数不是合法 JSON 对象: %w", err)
	}
	if err := mapstructure.Decode(generic, out); err != nil {
		return fmt.Errorf("条件参数解码失败: %w", err)
	}
	return nil
}

// EvaluateCondition 求值单个条件。纯读操作，不产生任何副作用。
func EvaluateCondition(spec ConditionSpec, ctx EvalContext) (bool, error) {
	switch spec.Type {
	case CondBullish:
		return ctx.Recommendation.Action == domain.ActionBuy, nil
	case CondBearish:
		return ctx.Recommendation.Action == domain.ActionSell, nil

	case CondHasPosition, CondHasNoPosition:
		var params scopeParams
		if err := decodeParams(spec.Params, &params); err != nil {
			return false, err
		}
		if params.Scope == "" {
			params.Scope = ScopeExpert
		}
		var has bool
		switch params.Scope {
		case ScopeExpert:
			has = ctx.hasExpertPosition()
		case ScopeAccount:
			has = ctx.hasAccountPosition()
		default:
			return false, fmt.Errorf("未知持仓范围: %q", params.Scope)
		}
		if spec.Type == CondHasNoPosition {
			return !has, nil
		}
		return has, nil

	case CondRatingChanged:
		if ctx.Previous == nil {
			return false, nil
		}
		return ctx.Previous.Action != ctx.Recommendation.Action, nil

	case CondRiskLevelIs:
		var params riskLevelParams
		if err := decodeParams(spec.Params, &params); err != nil {
			return false, err
		}
		return ctx.Recommendation.RiskLevel == params.Level, nil

	case CondTimeHorizonIs:
		var params timeHorizonParams
		if err := decodeParams(spec.Params, &params); err != nil {
			return false, err
		}
		return ctx.Recommendation.TimeHorizon == params.Horizon, nil

	case CondConfidence:
		return compareNumeric(spec, ctx.Recommendation.Confidence)
	case CondExpectedProfit:
		return compareNumeric(spec, ctx.Recommendation.ExpectedProfitPercent)

	case CondDaysOpened:
		if ctx.Transaction == nil {
			return false, fmt.Errorf("条件 %s 需要活跃持仓", spec.Type)
		}
		days := ctx.Now.Sub(ctx.Transaction.CreatedAt).Hours() / 24
		return compareNumeric(spec, days)

	case CondProfitLossPct:
		pl, err := profitLossPercent(ctx)
		if err != nil {
			return false, err
		}
		return compareNumeric(spec, pl)

	case CondInstrumentShare:
		return compareNumeric(spec, InstrumentAccountShare(ctx))

	case CondRSI:
		var params rsiParams
		if err := decodeParams(spec.Params, &params); err != nil {
			return false, err
		}
		if params.Period <= 0 {
			params.Period = 14
		}
		value, err := indicator.RSI(ctx.Closes, params.Period)
		if err != nil {
			return false, err
		}
		return compare(params.Operator, value, params.Value)

	case CondPriceVsSMA:
		var params smaParams
		if err := decodeParams(spec.Params, &params); err != nil {
			return false, err
		}
		if params.Period <= 0 {
			params.Period = 20
		}
		if ctx.CurrentPrice <= 0 {
			return false, fmt.Errorf("条件 %s 需要有效的市场价", spec.Type)
		}
		sma, err := indicator.SMA(ctx.Closes, params.Period)
		if err != nil {
			return false, err
		}
		return compare(params.Operator, ctx.CurrentPrice, sma)

	default:
		return false, fmt.Errorf("未知条件类型: %q", spec.Type)
	}
}

// InstrumentAccountShare 计算该标的占虚拟资金的百分比，没有持仓时为 0。
func InstrumentAccountShare(ctx EvalContext) float64 {
	if !ctx.hasExpertPosition() || ctx.VirtualEquity <= 0 {
		return 0
	}
	return math.Abs(ctx.Transaction.Quantity) * ctx.CurrentPrice / ctx.VirtualEquity * 100
}

func profitLossPercent(ctx EvalContext) (float64, error) {
	if ctx.Transaction == nil {
		return 0, fmt.Errorf("条件 %s 需要活跃持仓", CondProfitLossPct)
	}
	if ctx.CurrentPrice <= 0 || ctx.Transaction.OpenPrice <= 0 {
		return 0, fmt.Errorf("条件 %s 需要有效的市场价与成交价", CondProfitLossPct)
	}
	pl := (ctx.CurrentPrice - ctx.Transaction.OpenPrice) / ctx.Transaction.OpenPrice * 100
	if ctx.Transaction.Side == domain.SideShort {
		pl = -pl
	}
	return pl, nil
}

func compareNumeric(spec ConditionSpec, actual float64) (bool, error) {
	var params numericParams
	if err := decodeParams(spec.Params, &params); err != nil {
		return false, err
	}
	return compare(params.Operator, actual, params.Value)
}

func compare(operator string, actual, target float64) (bool, error) {
	switch operator {
	case ">":
		return actual > target, nil
	case ">=":
		return actual >= target, nil
	case "<":
		return actual < target, nil
	case "<=":
		return actual <= target, nil
	case "==":
		return math.Abs(actual-target) < 1e-9, nil
	default:
		return false, fmt.Errorf("未知比较运算符: %q", operator)
	}
}
