package domain

import (
	"fmt"
	"math"
)

// Round2 四舍五入到两位小数（分）。所有下发券商的价格都经过它。
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// ComputeProtectionPrice 按持仓方向计算保护目标价，结果四舍五入到分。
// 止盈沿盈利方向外推，止损沿亏损方向外推；相同输入恒得相同输出。
func ComputeProtectionPrice(reference, percent float64, side Side, takeProfit bool) float64 {
	direction := 1.0
	if side == SideShort {
		direction = -1.0
	}
	if !takeProfit {
		direction = -direction
	}
	return Round2(reference * (1 + direction*percent/100))
}

// ExpertTargetPrice 从建议推导专家目标价:
// 以建议时点价格为基数，按预期收益率向盈利方向推算。
func ExpertTargetPrice(rec Recommendation, side Side) (float64, error) {
	if rec.PriceAtDate <= 0 {
		return 0, fmt.Errorf("建议 %s 缺少有效的 price_at_date", rec.ID)
	}
	factor := 1 + rec.ExpectedProfitPercent/100
	if side == SideShort {
		factor = 1 - rec.ExpectedProfitPercent/100
	}
	target := rec.PriceAtDate * factor
	if target <= 0 {
		return 0, fmt.Errorf("专家目标价推导结果非法: %.4f", target)
	}
	return target, nil
}
