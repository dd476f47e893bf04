package trigger

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"

	"autotrader/internal/audit"
	"autotrader/internal/broker"
	"autotrader/internal/config"
	"autotrader/internal/domain"
	"autotrader/internal/locks"
	"autotrader/internal/store"
)

type testEnv struct {
	ctx      context.Context
	engine   *Engine
	gateway  *broker.PaperGateway
	txns     *store.TransactionRepo
	orders   *store.OrderRepo
	recorder *audit.Recorder
	locks    *locks.Manager
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	st, err := store.NewSQLite(config.DatabaseConfig{InMemory: true})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	retry := store.NewRetryer(config.RetryConfig{}, nil)
	txns := store.NewTransactionRepo(st, retry)
	orders := store.NewOrderRepo(st, retry)
	recorder, err := audit.NewRecorder(st, 256, nil)
	if err != nil {
		t.Fatalf("audit recorder: %v", err)
	}
	gateway := broker.NewPaperGateway(100000, nil)
	lockManager := locks.NewManager()

	return &testEnv{
		ctx:      context.Background(),
		engine:   NewEngine(gateway, txns, orders, lockManager, recorder, nil),
		gateway:  gateway,
		txns:     txns,
		orders:   orders,
		recorder: recorder,
		locks:    lockManager,
	}
}

// drainAudit persists everything still sitting in the audit queue.
func (env *testEnv) drainAudit(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := env.recorder.Run(ctx); err != nil {
		t.Fatalf("drain audit: %v", err)
	}
}

func (env *testEnv) createTransaction(t *testing.T, side domain.Side, openPrice, quantity float64) domain.Transaction {
	t.Helper()
	now := time.Now().UTC()
	txn := domain.Transaction{
		ID:        uuid.NewString(),
		ExpertID:  "expert-1",
		Symbol:    "AAPL",
		Side:      side,
		Status:    domain.TransactionOpened,
		OpenPrice: openPrice,
		Quantity:  quantity,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := env.txns.Create(env.ctx, txn); err != nil {
		t.Fatalf("create transaction: %v", err)
	}
	return txn
}

func (env *testEnv) createOrder(t *testing.T, order domain.TradingOrder) domain.TradingOrder {
	t.Helper()
	if order.ID == "" {
		order.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	order.CreatedAt = now
	order.UpdatedAt = now
	if err := env.orders.Create(env.ctx, order); err != nil {
		t.Fatalf("create order: %v", err)
	}
	return order
}

func (env *testEnv) getOrder(t *testing.T, id string) domain.TradingOrder {
	t.Helper()
	order, err := env.orders.Get(env.ctx, id)
	if err != nil {
		t.Fatalf("get order %s: %v", id, err)
	}
	return order
}

// fillOnGateway places a market order on the paper gateway so a broker-side
// FILLED snapshot exists at the given price.
func (env *testEnv) fillOnGateway(t *testing.T, side domain.OrderSide, quantity, price float64) string {
	t.Helper()
	env.gateway.SetPrice("AAPL", price)
	brokerID, err := env.gateway.SubmitOrder(env.ctx, broker.SubmitRequest{
		Symbol:   "AAPL",
		Side:     side,
		Type:     domain.OrderTypeMarket,
		Quantity: quantity,
	})
	if err != nil {
		t.Fatalf("gateway submit: %v", err)
	}
	return brokerID
}

func TestSubmitTracked_RejectsResubmission(t *testing.T) {
	env := newTestEnv(t)
	txn := env.createTransaction(t, domain.SideLong, 100, 10)

	brokerID := "paper-existing"
	order := env.createOrder(t, domain.TradingOrder{
		TransactionID: txn.ID,
		Side:          domain.OrderBuy,
		Quantity:      10,
		Type:          domain.OrderTypeMarket,
		Status:        domain.OrderAccepted,
		BrokerOrderID: &brokerID,
	})

	if err := env.engine.SubmitTracked(env.ctx, &order); err == nil {
		t.Fatalf("order with broker_order_id must never be resubmitted")
	}
}

func TestSubmitTracked_SuccessAcceptsOrder(t *testing.T) {
	env := newTestEnv(t)
	env.gateway.SetPrice("AAPL", 100)
	txn := env.createTransaction(t, domain.SideLong, 100, 10)

	order := env.createOrder(t, domain.TradingOrder{
		TransactionID:  txn.ID,
		Side:           domain.OrderSell,
		Quantity:       10,
		Type:           domain.OrderTypeLimit,
		LimitPrice:     120,
		Status:         domain.OrderPending,
		IsClosingOrder: true,
	})

	if err := env.engine.SubmitTracked(env.ctx, &order); err != nil {
		t.Fatalf("SubmitTracked: %v", err)
	}

	stored := env.getOrder(t, order.ID)
	if stored.Status != domain.OrderAccepted {
		t.Errorf("status = %s, want ACCEPTED", stored.Status)
	}
	if stored.BrokerOrderID == nil {
		t.Fatalf("broker_order_id not persisted")
	}
	if _, err := env.gateway.GetOrder(env.ctx, *stored.BrokerOrderID, "AAPL"); err != nil {
		t.Errorf("order missing on gateway: %v", err)
	}
}

func TestSubmitTracked_FailureMarksError(t *testing.T) {
	env := newTestEnv(t)
	txn := env.createTransaction(t, domain.SideLong, 100, 10)

	order := env.createOrder(t, domain.TradingOrder{
		TransactionID: txn.ID,
		Side:          domain.OrderBuy,
		Quantity:      10,
		Type:          domain.OrderTypeLimit,
		LimitPrice:    95,
		Status:        domain.OrderPending,
	})

	env.gateway.FailNext("submit_order", errors.New("insufficient quantity"))
	if err := env.engine.SubmitTracked(env.ctx, &order); err == nil {
		t.Fatalf("expected submit failure")
	}

	stored := env.getOrder(t, order.ID)
	if stored.Status != domain.OrderError {
		t.Errorf("status = %s, want ERROR", stored.Status)
	}
	if stored.BrokerOrderID != nil {
		t.Errorf("failed submit must not record a broker_order_id")
	}
}

// timeoutGateway submits to the real gateway but reports an unknown outcome,
// simulating a request that succeeded broker-side after the deadline.
type timeoutGateway struct {
	broker.Gateway
	armed bool
}

func (g *timeoutGateway) SubmitOrder(ctx context.Context, req broker.SubmitRequest) (string, error) {
	id, err := g.Gateway.SubmitOrder(ctx, req)
	if err != nil {
		return "", err
	}
	if g.armed {
		g.armed = false
		_ = id
		return "", fmt.Errorf("%w: 提交超时", broker.ErrUnknownOutcome)
	}
	return id, nil
}

func TestSubmitTracked_UnknownOutcomeRecoveredByClientID(t *testing.T) {
	env := newTestEnv(t)
	env.gateway.SetPrice("AAPL", 100)
	txn := env.createTransaction(t, domain.SideLong, 100, 10)

	wrapped := &timeoutGateway{Gateway: env.gateway, armed: true}
	engine := NewEngine(wrapped, env.txns, env.orders, env.locks, env.recorder, nil)

	order := env.createOrder(t, domain.TradingOrder{
		TransactionID:  txn.ID,
		Side:           domain.OrderSell,
		Quantity:       10,
		Type:           domain.OrderTypeLimit,
		LimitPrice:     120,
		Status:         domain.OrderPending,
		IsClosingOrder: true,
	})

	if err := engine.SubmitTracked(env.ctx, &order); err != nil {
		t.Fatalf("SubmitTracked should recover via client order id: %v", err)
	}

	stored := env.getOrder(t, order.ID)
	if stored.Status != domain.OrderAccepted {
		t.Errorf("status = %s, want ACCEPTED", stored.Status)
	}
	if stored.BrokerOrderID == nil {
		t.Fatalf("recovered submit must adopt the broker order id")
	}
	snapshot, err := env.gateway.GetOrderByClientID(env.ctx, order.ID, "AAPL")
	if err != nil {
		t.Fatalf("gateway lookup: %v", err)
	}
	if *stored.BrokerOrderID != snapshot.BrokerOrderID {
		t.Errorf("adopted id %s does not match gateway %s", *stored.BrokerOrderID, snapshot.BrokerOrderID)
	}
}

// vanishingGateway reports an unknown outcome without placing anything,
// simulating a request that never reached the broker.
type vanishingGateway struct {
	broker.Gateway
}

func (g *vanishingGateway) SubmitOrder(ctx context.Context, req broker.SubmitRequest) (string, error) {
	return "", fmt.Errorf("%w: 连接中断", broker.ErrUnknownOutcome)
}

func TestSubmitTracked_UnknownOutcomeNotFoundFails(t *testing.T) {
	env := newTestEnv(t)
	txn := env.createTransaction(t, domain.SideLong, 100, 10)

	engine := NewEngine(&vanishingGateway{Gateway: env.gateway}, env.txns, env.orders, env.locks, env.recorder, nil)

	order := env.createOrder(t, domain.TradingOrder{
		TransactionID: txn.ID,
		Side:          domain.OrderBuy,
		Quantity:      10,
		Type:          domain.OrderTypeLimit,
		LimitPrice:    95,
		Status:        domain.OrderPending,
	})

	if err := engine.SubmitTracked(env.ctx, &order); err == nil {
		t.Fatalf("expected failure when broker confirms the order does not exist")
	}
	stored := env.getOrder(t, order.ID)
	if stored.Status != domain.OrderError {
		t.Errorf("status = %s, want ERROR", stored.Status)
	}
}
