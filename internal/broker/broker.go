// Package broker 定义券商网关抽象。本地订单状态机以远端券商为权威，
// 网关负责提交、改单、撤单与状态回读。
package broker

import (
	"context"
	"time"

	"autotrader/internal/domain"
)

// SubmitRequest 描述一次订单提交。
// ClientOrderID 用于提交超时后的"结果未知"对账：先按客户端订单号
// 查询券商侧是否已受理，再决定是否重试，避免重复提交。
type SubmitRequest struct {
	Symbol          string
	Side            domain.OrderSide
	Type            domain.OrderType
	Quantity        float64
	LimitPrice      float64
	StopPrice       float64
	TakeProfitPrice float64
	StopLossPrice   float64
	ClientOrderID   string
}

// ReplaceRequest 描述对已提交订单的参数变更。改单不改变订单类型；
// 需要改变形态（单腿与OCO互转）时必须撤旧建新。
type ReplaceRequest struct {
	Quantity   float64
	LimitPrice float64
	StopPrice  float64
}

// OrderSnapshot 是券商侧订单状态的只读快照。
type OrderSnapshot struct {
	BrokerOrderID  string
	ClientOrderID  string
	Symbol         string
	Status         domain.OrderStatus
	FilledQuantity float64
	AvgFillPrice   float64
	UpdatedAt      time.Time
}

// Position 是券商侧实际持仓。
type Position struct {
	Symbol     string
	Side       domain.Side
	Quantity   float64
	EntryPrice float64
	MarkPrice  float64
}

// Account 描述账户资金状况。
type Account struct {
	Equity    float64
	Balance   float64
	Available float64
}

// Gateway 是外部券商系统的抽象。所有调用必须受 ctx 时限约束。
type Gateway interface {
	// SubmitOrder 提交订单并返回券商订单号。
	SubmitOrder(ctx context.Context, req SubmitRequest) (string, error)

	// ReplaceOrder 改单。券商拒绝改单时返回 ErrReplaceRejected，
	// 调用方应回退到撤旧建新路径。
	ReplaceOrder(ctx context.Context, brokerOrderID string, symbol string, req ReplaceRequest) (string, error)

	// CancelOrder 请求撤单。
	CancelOrder(ctx context.Context, brokerOrderID string, symbol string) error

	// GetOrder 回读券商侧订单状态。
	GetOrder(ctx context.Context, brokerOrderID string, symbol string) (OrderSnapshot, error)

	// GetOrderByClientID 按客户端订单号回读，用于提交超时后的对账。
	GetOrderByClientID(ctx context.Context, clientOrderID string, symbol string) (OrderSnapshot, error)

	// GetPositions 返回券商侧全部持仓。
	GetPositions(ctx context.Context) ([]Position, error)

	// GetAccount 返回账户资金快照。
	GetAccount(ctx context.Context) (Account, error)

	// GetCurrentPrice 返回标的最新价格。
	GetCurrentPrice(ctx context.Context, symbol string) (float64, error)

	// GetHistoricalCloses 返回最近若干根日线收盘价，按时间升序。
	GetHistoricalCloses(ctx context.Context, symbol string, days int) ([]float64, error)
}
