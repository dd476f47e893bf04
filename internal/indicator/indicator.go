// Package indicator 基于 talib 计算规则条件需要的技术指标。
package indicator

import (
	"fmt"
	"math"

	talib "github.com/markcheno/go-talib"
)

// RSI 返回收盘价序列最新一根的 RSI 值。
// 序列长度必须大于 period，talib 前 period 根输出为空。
func RSI(closes []float64, period int) (float64, error) {
	if period <= 0 {
		return 0, fmt.Errorf("rsi 周期必须为正: %d", period)
	}
	if len(closes) <= period {
		return 0, fmt.Errorf("rsi 需要至少 %d 根收盘价, 实际 %d 根", period+1, len(closes))
	}
	values := talib.Rsi(closes, period)
	last := values[len(values)-1]
	if math.IsNaN(last) {
		return 0, fmt.Errorf("rsi 计算结果无效")
	}
	return last, nil
}

// SMA 返回收盘价序列最新一根的简单均线值。
func SMA(closes []float64, period int) (float64, error) {
	if period <= 0 {
		return 0, fmt.Errorf("sma 周期必须为正: %d", period)
	}
	if len(closes) < period {
		return 0, fmt.Errorf("sma 需要至少 %d 根收盘价, 实际 %d 根", period, len(closes))
	}
	values := talib.Sma(closes, period)
	last := values[len(values)-1]
	if math.IsNaN(last) {
		return 0, fmt.Errorf("sma 计算结果无效")
	}
	return last, nil
}
