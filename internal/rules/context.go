package rules

import (
	"time"

	"autotrader/internal/broker"
	"autotrader/internal/domain"
)

// EvalContext 汇集条件求值需要的全部只读事实。
// 条件绝不回写其中任何字段。
type EvalContext struct {
	Recommendation domain.Recommendation
	// Previous 是同一 (专家, 用例, 标的) 范围内上一条建议，没有则为 nil。
	Previous *domain.Recommendation
	// Transaction 是该专家在该标的上的活跃逻辑持仓，没有则为 nil。
	Transaction *domain.Transaction
	// AccountPositions 是券商账户侧持仓，供 ACCOUNT 范围条件使用。
	AccountPositions []broker.Position
	CurrentPrice     float64
	VirtualEquity    float64
	// Closes 是日线收盘价序列，技术指标条件使用。
	Closes []float64
	Now    time.Time
}

func (c EvalContext) hasExpertPosition() bool {
	return c.Transaction != nil && c.Transaction.IsActive()
}

func (c EvalContext) hasAccountPosition() bool {
	for _, p := range c.AccountPositions {
		if p.Symbol == c.Recommendation.Symbol && p.Quantity != 0 {
			return true
		}
	}
	return false
}
