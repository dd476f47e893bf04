package domain

import (
	"fmt"
	"math"
	"time"
)

// Side 表示逻辑持仓方向。
type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// Opposite 返回相反方向。
func (s Side) Opposite() Side {
	if s == SideLong {
		return SideShort
	}
	return SideLong
}

// TransactionStatus 表示逻辑持仓状态。
type TransactionStatus string

const (
	TransactionOpened  TransactionStatus = "OPENED"
	TransactionClosing TransactionStatus = "CLOSING"
	TransactionClosed  TransactionStatus = "CLOSED"
)

// Transaction 是权威的逻辑持仓记录，take_profit/stop_loss 目标价以此为准。
// 平仓订单确认成交前状态只能停留在 CLOSING。
type Transaction struct {
	ID         string
	ExpertID   string
	Symbol     string
	Side       Side
	Status     TransactionStatus
	OpenPrice  float64
	ClosePrice float64
	Quantity   float64
	TakeProfit *float64
	StopLoss   *float64
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// IsActive 判断持仓是否仍持有（未完全关闭）。
func (t Transaction) IsActive() bool {
	return t.Status != TransactionClosed
}

// ApplyResizeFill 把一笔调仓成交落到持仓数量上。
// BUY 增加数量、SELL 减少数量，空头数量为负值所以方向自洽；
// 敞口扩大时开仓价按加权均价重算，减仓保持原开仓价不变。
func (t *Transaction) ApplyResizeFill(side OrderSide, quantity, fillPrice float64) error {
	if quantity <= 0 {
		return fmt.Errorf("transaction %s 调仓成交数量必须为正: %.4f", t.ID, quantity)
	}
	prevAbs := math.Abs(t.Quantity)
	delta := quantity
	if side == OrderSell {
		delta = -quantity
	}
	next := t.Quantity + delta
	if nextAbs := math.Abs(next); nextAbs > prevAbs && fillPrice > 0 {
		t.OpenPrice = Round2((prevAbs*t.OpenPrice + quantity*fillPrice) / nextAbs)
	}
	t.Quantity = next
	return nil
}

// TransitionStatus 校验并执行持仓状态迁移。
func (t *Transaction) TransitionStatus(next TransactionStatus) error {
	legal := false
	switch t.Status {
	case TransactionOpened:
		legal = next == TransactionClosing || next == TransactionClosed
	case TransactionClosing:
		legal = next == TransactionClosed
	case TransactionClosed:
		legal = false
	}
	if !legal {
		return fmt.Errorf("transaction %s 非法状态迁移: %s -> %s", t.ID, t.Status, next)
	}
	t.Status = next
	return nil
}
