package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"go.uber.org/zap"

	"autotrader/internal/config"
	"autotrader/internal/domain"
)

var _ Gateway = (*CCXTGateway)(nil)

// CCXTGateway 将券商网关落到 ccxt 统一接口上。
// 所有调用带 ctx 时限；提交超时的结果统一标记为未知，交由上层对账。
type CCXTGateway struct {
	cfg      config.BrokerConfig
	logger   *zap.Logger
	exchange *ccxt.Binance

	marketsMu     sync.Mutex
	marketsLoaded bool
}

// NewCCXTGateway 构造 ccxt 券商网关。
func NewCCXTGateway(cfg config.BrokerConfig, logger *zap.Logger) (*CCXTGateway, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	userConfig := map[string]interface{}{
		"enableRateLimit": true,
	}
	if cfg.APIKey != "" {
		userConfig["apiKey"] = cfg.APIKey
	}
	if cfg.APISecret != "" {
		userConfig["secret"] = cfg.APISecret
	}
	if cfg.APIPass != "" {
		userConfig["password"] = cfg.APIPass
	}

	ex := ccxt.NewBinance(userConfig)
	if cfg.UseSandbox {
		ex.SetSandboxMode(true)
	}

	return &CCXTGateway{
		cfg:      cfg,
		logger:   logger,
		exchange: ex,
	}, nil
}

// SubmitOrder 提交订单。调用超时返回包装了 ErrUnknownOutcome 的错误。
func (g *CCXTGateway) SubmitOrder(ctx context.Context, req SubmitRequest) (string, error) {
	orderType, side, opts, err := buildOrderArgs(req)
	if err != nil {
		return "", err
	}

	var raw ccxt.Order
	err = g.callWithRetry(ctx, "submit_order", func() error {
		if err := g.ensureMarketsLoaded(ctx); err != nil {
			return err
		}
		order, err := g.exchange.CreateOrder(req.Symbol, orderType, side, req.Quantity, opts...)
		if err != nil {
			return err
		}
		raw = order
		return nil
	})
	if err != nil {
		if IsUnknownOutcome(err) {
			return "", fmt.Errorf("submit_order %s: %w: %w", req.Symbol, ErrUnknownOutcome, err)
		}
		return "", err
	}

	brokerID := derefString(raw.Id)
	if brokerID == "" {
		return "", fmt.Errorf("submit_order %s: 券商未返回订单号", req.Symbol)
	}
	return brokerID, nil
}

func buildOrderArgs(req SubmitRequest) (orderType, side string, opts []ccxt.CreateOrderOptions, err error) {
	side = strings.ToLower(string(req.Side))
	params := map[string]interface{}{}
	if req.ClientOrderID != "" {
		params["clientOrderId"] = req.ClientOrderID
	}

	switch req.Type {
	case domain.OrderTypeMarket:
		orderType = "market"
	case domain.OrderTypeLimit:
		orderType = "limit"
		if req.LimitPrice <= 0 {
			return "", "", nil, fmt.Errorf("limit 订单价格必须为正: %.4f", req.LimitPrice)
		}
		opts = append(opts, ccxt.WithCreateOrderPrice(req.LimitPrice))
	case domain.OrderTypeStop:
		orderType = "market"
		if req.StopPrice <= 0 {
			return "", "", nil, fmt.Errorf("stop 订单触发价必须为正: %.4f", req.StopPrice)
		}
		params["triggerPrice"] = req.StopPrice
	case domain.OrderTypeStopLimit:
		orderType = "limit"
		if req.StopPrice <= 0 || req.LimitPrice <= 0 {
			return "", "", nil, fmt.Errorf("stop_limit 订单价格必须为正: stop=%.4f limit=%.4f", req.StopPrice, req.LimitPrice)
		}
		params["triggerPrice"] = req.StopPrice
		opts = append(opts, ccxt.WithCreateOrderPrice(req.LimitPrice))
	case domain.OrderTypeOCO:
		// OCO 单腿参数走统一的保护价格参数，由交易所侧配对。
		orderType = "limit"
		if req.TakeProfitPrice <= 0 || req.StopLossPrice <= 0 {
			return "", "", nil, fmt.Errorf("oco 订单必须同时携带止盈与止损价: tp=%.4f sl=%.4f", req.TakeProfitPrice, req.StopLossPrice)
		}
		opts = append(opts, ccxt.WithCreateOrderPrice(req.TakeProfitPrice))
		params["stopLossPrice"] = req.StopLossPrice
		params["takeProfitPrice"] = req.TakeProfitPrice
	default:
		return "", "", nil, fmt.Errorf("不支持的订单类型: %s", req.Type)
	}

	if len(params) > 0 {
		opts = append(opts, ccxt.WithCreateOrderParams(params))
	}
	return orderType, side, opts, nil
}

// ReplaceOrder 改单。券商侧以"拒绝"收场时返回 ErrReplaceRejected。
func (g *CCXTGateway) ReplaceOrder(ctx context.Context, brokerOrderID string, symbol string, req ReplaceRequest) (string, error) {
	var raw ccxt.Order
	err := g.callWithRetry(ctx, "replace_order", func() error {
		opts := []ccxt.EditOrderOptions{
			ccxt.WithEditOrderAmount(req.Quantity),
		}
		if req.LimitPrice > 0 {
			opts = append(opts, ccxt.WithEditOrderPrice(req.LimitPrice))
		}
		if req.StopPrice > 0 {
			opts = append(opts, ccxt.WithEditOrderParams(map[string]interface{}{
				"triggerPrice": req.StopPrice,
			}))
		}

		order, err := g.exchange.EditOrder(brokerOrderID, symbol, "limit", "", opts...)
		if err != nil {
			return err
		}
		raw = order
		return nil
	})
	if err != nil {
		var ccxtErr *ccxt.Error
		if errors.As(err, &ccxtErr) && ccxtErr.Type == ccxt.InvalidOrderErrType {
			return "", fmt.Errorf("%w: %w", ErrReplaceRejected, err)
		}
		return "", err
	}

	newID := derefString(raw.Id)
	if newID == "" {
		newID = brokerOrderID
	}
	return newID, nil
}

// CancelOrder 请求撤单。订单已不存在视为撤单成功的等价结果。
func (g *CCXTGateway) CancelOrder(ctx context.Context, brokerOrderID string, symbol string) error {
	err := g.callWithRetry(ctx, "cancel_order", func() error {
		_, err := g.exchange.CancelOrder(brokerOrderID, ccxt.WithCancelOrderSymbol(symbol))
		return err
	})
	if err != nil {
		var ccxtErr *ccxt.Error
		if errors.As(err, &ccxtErr) && ccxtErr.Type == ccxt.OrderNotFoundErrType {
			return fmt.Errorf("cancel_order %s: %w", brokerOrderID, ErrOrderNotFound)
		}
		return err
	}
	return nil
}

// GetOrder 回读券商侧订单状态。
func (g *CCXTGateway) GetOrder(ctx context.Context, brokerOrderID string, symbol string) (OrderSnapshot, error) {
	var raw ccxt.Order
	err := g.callWithRetry(ctx, "fetch_order", func() error {
		order, err := g.exchange.FetchOrder(brokerOrderID, ccxt.WithFetchOrderSymbol(symbol))
		if err != nil {
			return err
		}
		raw = order
		return nil
	})
	if err != nil {
		var ccxtErr *ccxt.Error
		if errors.As(err, &ccxtErr) && ccxtErr.Type == ccxt.OrderNotFoundErrType {
			return OrderSnapshot{}, fmt.Errorf("fetch_order %s: %w", brokerOrderID, ErrOrderNotFound)
		}
		return OrderSnapshot{}, err
	}
	return convertOrder(raw), nil
}

// GetOrderByClientID 按客户端订单号回读。
func (g *CCXTGateway) GetOrderByClientID(ctx context.Context, clientOrderID string, symbol string) (OrderSnapshot, error) {
	var raw ccxt.Order
	err := g.callWithRetry(ctx, "fetch_order_by_client_id", func() error {
		order, err := g.exchange.FetchOrder("", ccxt.WithFetchOrderSymbol(symbol),
			ccxt.WithFetchOrderParams(map[string]interface{}{"clientOrderId": clientOrderID}))
		if err != nil {
			return err
		}
		raw = order
		return nil
	})
	if err != nil {
		var ccxtErr *ccxt.Error
		if errors.As(err, &ccxtErr) && ccxtErr.Type == ccxt.OrderNotFoundErrType {
			return OrderSnapshot{}, fmt.Errorf("client order %s: %w", clientOrderID, ErrOrderNotFound)
		}
		return OrderSnapshot{}, err
	}
	return convertOrder(raw), nil
}

// GetPositions 返回券商侧全部持仓。
func (g *CCXTGateway) GetPositions(ctx context.Context) ([]Position, error) {
	var raw []ccxt.Position
	err := g.callWithRetry(ctx, "fetch_positions", func() error {
		positions, err := g.exchange.FetchPositions()
		if err != nil {
			return err
		}
		raw = positions
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]Position, 0, len(raw))
	for _, p := range raw {
		qty := derefFloat(p.Contracts)
		if qty == 0 {
			continue
		}
		side := domain.SideLong
		if strings.EqualFold(derefString(p.Side), "short") {
			side = domain.SideShort
		}
		out = append(out, Position{
			Symbol:     derefString(p.Symbol),
			Side:       side,
			Quantity:   qty,
			EntryPrice: derefFloat(p.EntryPrice),
			MarkPrice:  derefFloat(p.MarkPrice),
		})
	}
	return out, nil
}

// GetAccount 返回账户资金快照。
func (g *CCXTGateway) GetAccount(ctx context.Context) (Account, error) {
	var balances ccxt.Balances
	err := g.callWithRetry(ctx, "fetch_balance", func() error {
		b, err := g.exchange.FetchBalance()
		if err != nil {
			return err
		}
		balances = b
		return nil
	})
	if err != nil {
		return Account{}, err
	}

	var account Account
	if balances.Total != nil {
		for _, code := range []string{"USD", "USDT", "USDC"} {
			if total, ok := balances.Total[code]; ok && total != nil && *total > 0 {
				account.Balance = *total
				account.Equity = *total
				break
			}
		}
	}
	if balances.Free != nil {
		for _, code := range []string{"USD", "USDT", "USDC"} {
			if free, ok := balances.Free[code]; ok && free != nil {
				account.Available = *free
				break
			}
		}
	}
	return account, nil
}

// GetCurrentPrice 返回最新成交价。拿不到有效价格属于硬错误。
func (g *CCXTGateway) GetCurrentPrice(ctx context.Context, symbol string) (float64, error) {
	var ticker ccxt.Ticker
	err := g.callWithRetry(ctx, "fetch_ticker", func() error {
		t, err := g.exchange.FetchTicker(symbol)
		if err != nil {
			return err
		}
		ticker = t
		return nil
	})
	if err != nil {
		return 0, err
	}

	price := derefFloat(ticker.Last)
	if price <= 0 {
		price = derefFloat(ticker.Close)
	}
	if price <= 0 {
		return 0, fmt.Errorf("fetch_ticker %s: 未返回有效价格", symbol)
	}
	return price, nil
}

// GetHistoricalCloses 返回最近 days 根日线收盘价。
func (g *CCXTGateway) GetHistoricalCloses(ctx context.Context, symbol string, days int) ([]float64, error) {
	if days <= 0 {
		days = 30
	}

	var raw []ccxt.OHLCV
	err := g.callWithRetry(ctx, "fetch_ohlcv_1d", func() error {
		if err := g.ensureMarketsLoaded(ctx); err != nil {
			return err
		}
		result, err := g.exchange.FetchOHLCV(symbol,
			ccxt.WithFetchOHLCVTimeframe("1d"),
			ccxt.WithFetchOHLCVLimit(int64(days)),
		)
		if err != nil {
			return err
		}
		raw = result
		return nil
	})
	if err != nil {
		return nil, err
	}

	closes := make([]float64, 0, len(raw))
	for _, item := range raw {
		closes = append(closes, item.Close)
	}
	return closes, nil
}

func (g *CCXTGateway) ensureMarketsLoaded(ctx context.Context) error {
	// 标记只在锁内读写，首次并发调用由后续调用者在锁上排队。
	g.marketsMu.Lock()
	defer g.marketsMu.Unlock()

	if g.marketsLoaded {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if _, err := g.exchange.LoadMarkets(); err != nil {
		return fmt.Errorf("加载市场元数据失败: %w", err)
	}
	g.marketsLoaded = true
	g.logger.Info("已完成市场元数据加载")
	return nil
}

// callWithRetry 对可重试错误做有界退避重试，并给每次调用套上时限。
func (g *CCXTGateway) callWithRetry(ctx context.Context, operation string, fn func() error) error {
	attempt := 0
	delay := g.cfg.Retry.MinDelay
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	maxDelay := g.cfg.Retry.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 5 * time.Second
	}
	timeout := g.cfg.CallTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	for {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		attempt++
		start := time.Now()
		err := g.callBounded(ctx, timeout, fn)
		duration := time.Since(start)
		if err == nil {
			if attempt > 1 {
				g.logger.Info("券商调用重试后成功",
					zap.String("operation", operation),
					zap.Int("attempts", attempt),
					zap.Duration("latency", duration),
				)
			}
			return nil
		}

		// 结果未知的错误不允许盲目重试，必须交由上层先对账。
		if IsUnknownOutcome(err) {
			return err
		}

		if !IsRetryable(err) || attempt >= g.cfg.Retry.MaxAttempts {
			g.logger.Error("券商调用失败",
				zap.String("operation", operation),
				zap.Int("attempts", attempt),
				zap.Duration("latency", duration),
				zap.Error(err),
			)
			return err
		}

		wait := delay
		if wait > maxDelay {
			wait = maxDelay
		}

		g.logger.Warn("券商调用失败，等待重试",
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}

// callBounded 在独立协程中执行 ccxt 调用并施加时限。
// ccxt 的同步接口不感知 ctx，超时后调用结果按未知处理。
func (g *CCXTGateway) callBounded(ctx context.Context, timeout time.Duration, fn func() error) error {
	boundedCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- fn()
	}()

	select {
	case err := <-done:
		return err
	case <-boundedCtx.Done():
		if errors.Is(boundedCtx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: %w", ErrUnknownOutcome, boundedCtx.Err())
		}
		return boundedCtx.Err()
	}
}

func convertOrder(raw ccxt.Order) OrderSnapshot {
	snapshot := OrderSnapshot{
		BrokerOrderID:  derefString(raw.Id),
		ClientOrderID:  derefString(raw.ClientOrderId),
		Symbol:         derefString(raw.Symbol),
		FilledQuantity: derefFloat(raw.Filled),
		AvgFillPrice:   derefFloat(raw.Average),
		UpdatedAt:      time.Now().UTC(),
	}
	snapshot.Status = mapBrokerStatus(derefString(raw.Status), snapshot.FilledQuantity, derefFloat(raw.Remaining))
	return snapshot
}

// mapBrokerStatus 将 ccxt 统一状态映射到本地状态机。
func mapBrokerStatus(status string, filled, remaining float64) domain.OrderStatus {
	switch strings.ToLower(status) {
	case "closed":
		return domain.OrderFilled
	case "canceled", "cancelled":
		return domain.OrderCanceled
	case "rejected", "expired":
		return domain.OrderError
	case "open":
		if filled > 0 && remaining > 0 {
			return domain.OrderPartiallyFilled
		}
		return domain.OrderOpen
	default:
		return domain.OrderAccepted
	}
}

func derefString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

func derefFloat(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}
