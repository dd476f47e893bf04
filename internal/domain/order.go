package domain

import (
	"errors"
	"fmt"
	"time"
)

// OrderType 表示券商侧订单类型。
type OrderType string

const (
	OrderTypeMarket    OrderType = "MARKET"
	OrderTypeLimit     OrderType = "LIMIT"
	OrderTypeStop      OrderType = "STOP"
	OrderTypeStopLimit OrderType = "STOP_LIMIT"
	OrderTypeOCO       OrderType = "OCO"
)

// OrderSide 表示委托买卖方向。
type OrderSide string

const (
	OrderBuy  OrderSide = "BUY"
	OrderSell OrderSide = "SELL"
)

// OrderStatus 表示本地订单状态机的状态。
// WAITING_TRIGGER 订单尚未提交券商，broker_order_id 必须为空。
type OrderStatus string

const (
	OrderWaitingTrigger  OrderStatus = "WAITING_TRIGGER"
	OrderPending         OrderStatus = "PENDING"
	OrderAccepted        OrderStatus = "ACCEPTED"
	OrderOpen            OrderStatus = "OPEN"
	OrderPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderFilled          OrderStatus = "FILLED"
	OrderPendingCancel   OrderStatus = "PENDING_CANCEL"
	OrderCanceled        OrderStatus = "CANCELED"
	OrderReplaced        OrderStatus = "REPLACED"
	OrderError           OrderStatus = "ERROR"
)

// IsTerminal 判断状态是否为终态。
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderFilled, OrderCanceled, OrderReplaced, OrderError:
		return true
	}
	return false
}

var legalTransitions = map[OrderStatus][]OrderStatus{
	OrderWaitingTrigger:  {OrderPending, OrderCanceled, OrderError},
	OrderPending:         {OrderAccepted, OrderOpen, OrderPartiallyFilled, OrderFilled, OrderPendingCancel, OrderCanceled, OrderReplaced, OrderError},
	OrderAccepted:        {OrderOpen, OrderPartiallyFilled, OrderFilled, OrderPendingCancel, OrderCanceled, OrderReplaced, OrderError},
	OrderOpen:            {OrderPartiallyFilled, OrderFilled, OrderPendingCancel, OrderCanceled, OrderReplaced, OrderError},
	OrderPartiallyFilled: {OrderFilled, OrderPendingCancel, OrderCanceled, OrderReplaced, OrderError},
	// PENDING_CANCEL 的唯一合法后继是 CANCELED；券商回报 FILLED 属于对账冲突。
	OrderPendingCancel: {OrderCanceled},
}

// CanTransition 判断状态迁移是否合法。
func CanTransition(from, to OrderStatus) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TransitionError 表示非法的订单状态迁移。
type TransitionError struct {
	OrderID string
	From    OrderStatus
	To      OrderStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("order %s 非法状态迁移: %s -> %s", e.OrderID, e.From, e.To)
}

// ErrBrokerOrderIDConflict 表示尝试用不同的非空值覆盖已有 broker_order_id。
var ErrBrokerOrderIDConflict = errors.New("broker_order_id 已设置，禁止覆盖")

// TradingOrder 对应一条券商侧（或待提交）委托记录。
// DependsOnOrder 非空时，只有父订单到达 DependsStatusTrigger 才允许提交，
// 且提交时价格必须基于父订单的实际成交价重新计算。
// IsResizeOrder 标记调仓单：成交后其数量必须按方向落回持仓数量上，
// 而不是像开仓单那样只校准开仓价。
type TradingOrder struct {
	ID                   string
	TransactionID        string
	Side                 OrderSide
	Quantity             float64
	Type                 OrderType
	LimitPrice           float64
	StopPrice            float64
	Status               OrderStatus
	BrokerOrderID        *string
	DependsOnOrder       *string
	DependsStatusTrigger OrderStatus
	IsClosingOrder       bool
	IsResizeOrder        bool
	RecommendationID     string
	Metadata             Metadata
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// SetBrokerOrderID 设置券商订单号。同一提交谱系内只允许设置一次；
// 更换订单号必须走显式的 REPLACE 迁移，旧单标记为 REPLACED。
func (o *TradingOrder) SetBrokerOrderID(id string) error {
	if id == "" {
		return errors.New("broker_order_id 不能为空字符串")
	}
	if o.BrokerOrderID != nil && *o.BrokerOrderID != id {
		return fmt.Errorf("order %s: %w (当前=%s 新值=%s)", o.ID, ErrBrokerOrderIDConflict, *o.BrokerOrderID, id)
	}
	o.BrokerOrderID = &id
	return nil
}

// Transition 校验并执行订单状态迁移。
func (o *TradingOrder) Transition(next OrderStatus) error {
	if !CanTransition(o.Status, next) {
		return &TransitionError{OrderID: o.ID, From: o.Status, To: next}
	}
	o.Status = next
	return nil
}

// IsActive 判断订单是否仍处于非终态。
func (o TradingOrder) IsActive() bool {
	return !o.Status.IsTerminal()
}

// CarriesTakeProfit 判断订单是否承载止盈目标。
func (o TradingOrder) CarriesTakeProfit() bool {
	if o.Type == OrderTypeOCO {
		return true
	}
	meta, err := o.Metadata.TPSL()
	if err != nil || meta == nil {
		return false
	}
	return meta.TakeProfitPercent != nil
}

// CarriesStopLoss 判断订单是否承载止损目标。
func (o TradingOrder) CarriesStopLoss() bool {
	if o.Type == OrderTypeOCO {
		return true
	}
	meta, err := o.Metadata.TPSL()
	if err != nil || meta == nil {
		return false
	}
	return meta.StopLossPercent != nil
}
