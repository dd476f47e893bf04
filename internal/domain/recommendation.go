package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/multierr"
)

// RecommendedAction 表示专家建议的操作方向。
type RecommendedAction string

const (
	ActionBuy   RecommendedAction = "BUY"
	ActionSell  RecommendedAction = "SELL"
	ActionHold  RecommendedAction = "HOLD"
	ActionClose RecommendedAction = "CLOSE"
	ActionError RecommendedAction = "ERROR"
)

// RiskLevel 表示建议的风险等级。
type RiskLevel string

const (
	RiskLow    RiskLevel = "LOW"
	RiskMedium RiskLevel = "MEDIUM"
	RiskHigh   RiskLevel = "HIGH"
)

// TimeHorizon 表示建议的持仓周期。
type TimeHorizon string

const (
	HorizonShort  TimeHorizon = "SHORT"
	HorizonMedium TimeHorizon = "MEDIUM"
	HorizonLong   TimeHorizon = "LONG"
)

// Recommendation 是专家策略产出的不可变建议。
// PriceAtDate 必须为正值，缺失价格属于硬错误，绝不允许用默认值代替。
type Recommendation struct {
	ID                    string
	ExpertID              string
	UseCase               string
	Symbol                string
	Action                RecommendedAction
	Confidence            float64
	ExpectedProfitPercent float64
	RiskLevel             RiskLevel
	TimeHorizon           TimeHorizon
	PriceAtDate           float64
	CreatedAt             time.Time
}

// Validate 校验建议字段合法性。
func (r Recommendation) Validate() error {
	var err error

	if strings.TrimSpace(r.ExpertID) == "" {
		err = multierr.Append(err, errors.New("expert_id 不能为空"))
	}
	if strings.TrimSpace(r.Symbol) == "" {
		err = multierr.Append(err, errors.New("symbol 不能为空"))
	}
	switch r.Action {
	case ActionBuy, ActionSell, ActionHold, ActionClose, ActionError:
	default:
		err = multierr.Append(err, fmt.Errorf("recommended_action 取值非法: %s", r.Action))
	}
	if r.Confidence < 0 || r.Confidence > 100 {
		err = multierr.Append(err, fmt.Errorf("confidence 必须位于 [0,100]，当前为 %.2f", r.Confidence))
	}
	switch r.RiskLevel {
	case RiskLow, RiskMedium, RiskHigh:
	default:
		err = multierr.Append(err, fmt.Errorf("risk_level 取值非法: %s", r.RiskLevel))
	}
	switch r.TimeHorizon {
	case HorizonShort, HorizonMedium, HorizonLong:
	default:
		err = multierr.Append(err, fmt.Errorf("time_horizon 取值非法: %s", r.TimeHorizon))
	}
	if r.PriceAtDate <= 0 {
		err = multierr.Append(err, fmt.Errorf("price_at_date 必须为正值，当前为 %.4f", r.PriceAtDate))
	}

	if err != nil {
		return fmt.Errorf("recommendation 校验失败: %w", err)
	}
	return nil
}

// IsDirectional 判断建议是否带有多空方向。
func (r Recommendation) IsDirectional() bool {
	return r.Action == ActionBuy || r.Action == ActionSell
}
