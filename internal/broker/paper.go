package broker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"autotrader/internal/domain"
)

var _ Gateway = (*PaperGateway)(nil)

// PaperGateway 是内存纸面券商，用于模拟盘与测试。
// 价格由外部喂入，市价单立即成交，限价与触发单等待 MarkPrice 推动。
type PaperGateway struct {
	logger *zap.Logger

	mu        sync.Mutex
	prices    map[string]float64
	closes    map[string][]float64
	orders    map[string]*paperOrder
	positions map[string]*Position
	account   Account

	// failNext 按操作名注入一次性错误，仅测试使用。
	failNext map[string]error
}

type paperOrder struct {
	snapshot OrderSnapshot
	req      SubmitRequest
}

// NewPaperGateway 构造纸面券商，equity 为初始资金。
func NewPaperGateway(equity float64, logger *zap.Logger) *PaperGateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PaperGateway{
		logger:    logger,
		prices:    make(map[string]float64),
		closes:    make(map[string][]float64),
		orders:    make(map[string]*paperOrder),
		positions: make(map[string]*Position),
		account: Account{
			Equity:    equity,
			Balance:   equity,
			Available: equity,
		},
		failNext: make(map[string]error),
	}
}

// SetPrice 设置合约最新价，并推动挂单撮合。
func (g *PaperGateway) SetPrice(symbol string, price float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.prices[symbol] = price
	g.matchLocked(symbol, price)
}

// SetHistoricalCloses 设置历史日线收盘价序列。
func (g *PaperGateway) SetHistoricalCloses(symbol string, closes []float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closes[symbol] = append([]float64(nil), closes...)
}

// SetPosition 直接写入持仓，测试准备现场时使用。
func (g *PaperGateway) SetPosition(symbol string, side domain.Side, quantity, entryPrice float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if quantity == 0 {
		delete(g.positions, symbol)
		return
	}
	g.positions[symbol] = &Position{
		Symbol:     symbol,
		Side:       side,
		Quantity:   quantity,
		EntryPrice: entryPrice,
		MarkPrice:  g.prices[symbol],
	}
}

// FailNext 给下一次指定操作注入错误。
func (g *PaperGateway) FailNext(operation string, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failNext[operation] = err
}

func (g *PaperGateway) takeInjectedLocked(operation string) error {
	if err, ok := g.failNext[operation]; ok {
		delete(g.failNext, operation)
		return err
	}
	return nil
}

// SubmitOrder 接受订单。市价单按当前价立即成交，其余挂入撮合队列。
func (g *PaperGateway) SubmitOrder(ctx context.Context, req SubmitRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.takeInjectedLocked("submit_order"); err != nil {
		return "", err
	}
	if req.Quantity <= 0 {
		return "", fmt.Errorf("纸面券商拒绝非正数量: %.4f", req.Quantity)
	}

	brokerID := "paper-" + uuid.NewString()
	order := &paperOrder{
		req: req,
		snapshot: OrderSnapshot{
			BrokerOrderID: brokerID,
			ClientOrderID: req.ClientOrderID,
			Symbol:        req.Symbol,
			Status:        domain.OrderOpen,
			UpdatedAt:     time.Now().UTC(),
		},
	}
	g.orders[brokerID] = order

	if req.Type == domain.OrderTypeMarket {
		price, ok := g.prices[req.Symbol]
		if !ok || price <= 0 {
			order.snapshot.Status = domain.OrderError
			return "", fmt.Errorf("纸面券商没有 %s 的行情价格", req.Symbol)
		}
		g.fillLocked(order, price)
	}
	return brokerID, nil
}

// ReplaceOrder 修改挂单数量与价格。已终态的订单拒绝改单。
func (g *PaperGateway) ReplaceOrder(ctx context.Context, brokerOrderID string, symbol string, req ReplaceRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.takeInjectedLocked("replace_order"); err != nil {
		return "", err
	}

	order, ok := g.orders[brokerOrderID]
	if !ok {
		return "", fmt.Errorf("replace_order %s: %w", brokerOrderID, ErrOrderNotFound)
	}
	if order.snapshot.Status.IsTerminal() {
		return "", fmt.Errorf("%w: 订单 %s 已处于 %s", ErrReplaceRejected, brokerOrderID, order.snapshot.Status)
	}

	if req.Quantity > 0 {
		order.req.Quantity = req.Quantity
	}
	if req.LimitPrice > 0 {
		order.req.LimitPrice = req.LimitPrice
	}
	if req.StopPrice > 0 {
		order.req.StopPrice = req.StopPrice
	}
	order.snapshot.UpdatedAt = time.Now().UTC()
	return brokerOrderID, nil
}

// CancelOrder 撤销挂单。
func (g *PaperGateway) CancelOrder(ctx context.Context, brokerOrderID string, symbol string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.takeInjectedLocked("cancel_order"); err != nil {
		return err
	}

	order, ok := g.orders[brokerOrderID]
	if !ok {
		return fmt.Errorf("cancel_order %s: %w", brokerOrderID, ErrOrderNotFound)
	}
	if order.snapshot.Status.IsTerminal() {
		return fmt.Errorf("cancel_order %s: 订单已处于 %s", brokerOrderID, order.snapshot.Status)
	}
	order.snapshot.Status = domain.OrderCanceled
	order.snapshot.UpdatedAt = time.Now().UTC()
	return nil
}

// GetOrder 查询订单快照。
func (g *PaperGateway) GetOrder(ctx context.Context, brokerOrderID string, symbol string) (OrderSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return OrderSnapshot{}, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.takeInjectedLocked("fetch_order"); err != nil {
		return OrderSnapshot{}, err
	}

	order, ok := g.orders[brokerOrderID]
	if !ok {
		return OrderSnapshot{}, fmt.Errorf("fetch_order %s: %w", brokerOrderID, ErrOrderNotFound)
	}
	return order.snapshot, nil
}

// GetOrderByClientID 按客户端订单号查询。
func (g *PaperGateway) GetOrderByClientID(ctx context.Context, clientOrderID string, symbol string) (OrderSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return OrderSnapshot{}, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	for _, order := range g.orders {
		if order.snapshot.ClientOrderID == clientOrderID {
			return order.snapshot, nil
		}
	}
	return OrderSnapshot{}, fmt.Errorf("client order %s: %w", clientOrderID, ErrOrderNotFound)
}

// GetPositions 返回当前持仓。
func (g *PaperGateway) GetPositions(ctx context.Context) ([]Position, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]Position, 0, len(g.positions))
	for _, p := range g.positions {
		snapshot := *p
		if mark, ok := g.prices[p.Symbol]; ok {
			snapshot.MarkPrice = mark
		}
		out = append(out, snapshot)
	}
	return out, nil
}

// GetAccount 返回账户快照。
func (g *PaperGateway) GetAccount(ctx context.Context) (Account, error) {
	if err := ctx.Err(); err != nil {
		return Account{}, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	return g.account, nil
}

// GetCurrentPrice 返回最新价。
func (g *PaperGateway) GetCurrentPrice(ctx context.Context, symbol string) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.takeInjectedLocked("fetch_ticker"); err != nil {
		return 0, err
	}

	price, ok := g.prices[symbol]
	if !ok || price <= 0 {
		return 0, fmt.Errorf("纸面券商没有 %s 的行情价格", symbol)
	}
	return price, nil
}

// GetHistoricalCloses 返回预置的收盘价序列尾部 days 根。
func (g *PaperGateway) GetHistoricalCloses(ctx context.Context, symbol string, days int) ([]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	closes := g.closes[symbol]
	if len(closes) == 0 {
		return nil, fmt.Errorf("纸面券商没有 %s 的历史收盘价", symbol)
	}
	if days > 0 && len(closes) > days {
		closes = closes[len(closes)-days:]
	}
	return append([]float64(nil), closes...), nil
}

// matchLocked 按最新价推动挂单撮合。调用方必须持锁。
func (g *PaperGateway) matchLocked(symbol string, price float64) {
	for _, order := range g.orders {
		if order.snapshot.Symbol != symbol || order.snapshot.Status.IsTerminal() {
			continue
		}
		if order.snapshot.Status != domain.OrderOpen && order.snapshot.Status != domain.OrderPartiallyFilled {
			continue
		}
		if g.crossedLocked(order.req, price) {
			g.fillLocked(order, price)
		}
	}
}

func (g *PaperGateway) crossedLocked(req SubmitRequest, price float64) bool {
	isBuy := strings.EqualFold(string(req.Side), string(domain.OrderBuy))
	switch req.Type {
	case domain.OrderTypeLimit:
		if isBuy {
			return price <= req.LimitPrice
		}
		return price >= req.LimitPrice
	case domain.OrderTypeStop, domain.OrderTypeStopLimit:
		if isBuy {
			return price >= req.StopPrice
		}
		return price <= req.StopPrice
	case domain.OrderTypeOCO:
		if isBuy {
			return price <= req.TakeProfitPrice || price >= req.StopLossPrice
		}
		return price >= req.TakeProfitPrice || price <= req.StopLossPrice
	default:
		return false
	}
}

// fillLocked 全量成交订单并更新持仓。调用方必须持锁。
func (g *PaperGateway) fillLocked(order *paperOrder, price float64) {
	order.snapshot.Status = domain.OrderFilled
	order.snapshot.FilledQuantity = order.req.Quantity
	order.snapshot.AvgFillPrice = price
	order.snapshot.UpdatedAt = time.Now().UTC()

	g.applyFillLocked(order.req, price)
	g.logger.Debug("纸面券商订单成交",
		zap.String("broker_order_id", order.snapshot.BrokerOrderID),
		zap.String("symbol", order.snapshot.Symbol),
		zap.Float64("price", price),
		zap.Float64("quantity", order.req.Quantity),
	)
}

func (g *PaperGateway) applyFillLocked(req SubmitRequest, price float64) {
	isBuy := strings.EqualFold(string(req.Side), string(domain.OrderBuy))
	delta := req.Quantity
	if !isBuy {
		delta = -delta
	}

	current, ok := g.positions[req.Symbol]
	if !ok {
		side := domain.SideLong
		if !isBuy {
			side = domain.SideShort
		}
		g.positions[req.Symbol] = &Position{
			Symbol:     req.Symbol,
			Side:       side,
			Quantity:   req.Quantity,
			EntryPrice: price,
			MarkPrice:  price,
		}
		return
	}

	signed := current.Quantity
	if current.Side == domain.SideShort {
		signed = -signed
	}
	signed += delta

	switch {
	case signed == 0:
		realized := (price - current.EntryPrice) * current.Quantity
		if current.Side == domain.SideShort {
			realized = -realized
		}
		g.account.Balance += realized
		g.account.Equity = g.account.Balance
		g.account.Available = g.account.Balance
		delete(g.positions, req.Symbol)
	case signed > 0:
		current.Side = domain.SideLong
		current.Quantity = signed
		current.MarkPrice = price
	default:
		current.Side = domain.SideShort
		current.Quantity = -signed
		current.MarkPrice = price
	}
}
