package trigger

import (
	"math"
	"testing"

	"autotrader/internal/audit"
	"autotrader/internal/domain"
)

func TestReconcile_AppliesFillAndCreatesProtection(t *testing.T) {
	env := newTestEnv(t)
	txn := env.createTransaction(t, domain.SideLong, 100, 10)
	env.setTargets(t, txn.ID, floatPtr(120), nil)

	// Broker filled the entry at 101, local record still ACCEPTED.
	brokerID := env.fillOnGateway(t, domain.OrderBuy, 10, 101)
	entry := env.createOrder(t, domain.TradingOrder{
		TransactionID: txn.ID,
		Side:          domain.OrderBuy,
		Quantity:      10,
		Type:          domain.OrderTypeMarket,
		Status:        domain.OrderAccepted,
		BrokerOrderID: &brokerID,
	})

	if err := env.engine.Reconcile(env.ctx); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	stored := env.getOrder(t, entry.ID)
	if stored.Status != domain.OrderFilled {
		t.Errorf("entry status = %s, want FILLED", stored.Status)
	}

	reloaded, err := env.txns.Get(env.ctx, txn.ID)
	if err != nil {
		t.Fatalf("get transaction: %v", err)
	}
	if math.Abs(reloaded.OpenPrice-101) > 1e-9 {
		t.Errorf("open price = %v, want the broker fill price 101", reloaded.OpenPrice)
	}

	protection := env.activeProtection(t, txn.ID)
	if len(protection) != 1 {
		t.Fatalf("fill must materialize the protection order, got %d", len(protection))
	}
	if protection[0].Type != domain.OrderTypeLimit {
		t.Errorf("protection type = %s, want LIMIT", protection[0].Type)
	}
}

func TestReconcile_ClosingFillClosesTransactionAndRetiresSiblings(t *testing.T) {
	env := newTestEnv(t)
	txn := env.createTransaction(t, domain.SideLong, 100, 10)

	// Live protection order on the broker.
	env.gateway.SetPrice("AAPL", 100)
	env.setTargets(t, txn.ID, floatPtr(120), nil)
	env.syncProtection(t, txn.ID)
	protection := env.activeProtection(t, txn.ID)[0]

	// Manual close filled broker-side at 108.
	closeBrokerID := env.fillOnGateway(t, domain.OrderSell, 10, 108)
	closing := env.createOrder(t, domain.TradingOrder{
		TransactionID:  txn.ID,
		Side:           domain.OrderSell,
		Quantity:       10,
		Type:           domain.OrderTypeMarket,
		Status:         domain.OrderAccepted,
		BrokerOrderID:  &closeBrokerID,
		IsClosingOrder: true,
	})

	if err := env.engine.Reconcile(env.ctx); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	stored := env.getOrder(t, closing.ID)
	if stored.Status != domain.OrderFilled {
		t.Errorf("closing status = %s, want FILLED", stored.Status)
	}

	reloaded, err := env.txns.Get(env.ctx, txn.ID)
	if err != nil {
		t.Fatalf("get transaction: %v", err)
	}
	if reloaded.Status != domain.TransactionClosed {
		t.Errorf("transaction status = %s, want CLOSED", reloaded.Status)
	}
	if math.Abs(reloaded.ClosePrice-108) > 1e-9 {
		t.Errorf("close price = %v, want 108", reloaded.ClosePrice)
	}

	leftover := env.getOrder(t, protection.ID)
	if leftover.Status != domain.OrderCanceled {
		t.Errorf("sibling protection status = %s, want CANCELED", leftover.Status)
	}
}

func TestReconcile_PendingCancelFilledIsConflictNotApplied(t *testing.T) {
	env := newTestEnv(t)
	txn := env.createTransaction(t, domain.SideLong, 100, 10)

	// The cancel race lost: broker filled while we were canceling.
	brokerID := env.fillOnGateway(t, domain.OrderSell, 10, 120)
	order := env.createOrder(t, domain.TradingOrder{
		TransactionID:  txn.ID,
		Side:           domain.OrderSell,
		Quantity:       10,
		Type:           domain.OrderTypeMarket,
		Status:         domain.OrderPendingCancel,
		BrokerOrderID:  &brokerID,
		IsClosingOrder: true,
	})

	if err := env.engine.Reconcile(env.ctx); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	stored := env.getOrder(t, order.ID)
	if stored.Status != domain.OrderPendingCancel {
		t.Fatalf("conflicting broker fill must never be applied, status = %s", stored.Status)
	}

	reloaded, err := env.txns.Get(env.ctx, txn.ID)
	if err != nil {
		t.Fatalf("get transaction: %v", err)
	}
	if reloaded.Status != domain.TransactionOpened {
		t.Errorf("transaction must stay OPENED under a reconcile conflict, got %s", reloaded.Status)
	}

	env.drainAudit(t)
	events, err := env.recorder.ListEvents(env.ctx, audit.EventReconcileConflict, 10)
	if err != nil {
		t.Fatalf("list audit events: %v", err)
	}
	var critical bool
	for _, ev := range events {
		if ev.Severity == audit.SeverityCritical {
			critical = true
		}
	}
	if !critical {
		t.Errorf("expected a critical reconcile_conflict audit event")
	}
}

func TestReconcile_MissingOrderResolution(t *testing.T) {
	env := newTestEnv(t)
	txn := env.createTransaction(t, domain.SideLong, 100, 10)

	ghostID := "paper-ghost-1"
	pendingCancel := env.createOrder(t, domain.TradingOrder{
		TransactionID: txn.ID,
		Side:          domain.OrderSell,
		Quantity:      10,
		Type:          domain.OrderTypeLimit,
		LimitPrice:    120,
		Status:        domain.OrderPendingCancel,
		BrokerOrderID: &ghostID,
	})
	ghostID2 := "paper-ghost-2"
	accepted := env.createOrder(t, domain.TradingOrder{
		TransactionID: txn.ID,
		Side:          domain.OrderSell,
		Quantity:      10,
		Type:          domain.OrderTypeLimit,
		LimitPrice:    125,
		Status:        domain.OrderAccepted,
		BrokerOrderID: &ghostID2,
	})

	if err := env.engine.Reconcile(env.ctx); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	if got := env.getOrder(t, pendingCancel.ID).Status; got != domain.OrderCanceled {
		t.Errorf("missing order in PENDING_CANCEL should become CANCELED, got %s", got)
	}
	if got := env.getOrder(t, accepted.ID).Status; got != domain.OrderError {
		t.Errorf("missing ACCEPTED order should become ERROR, got %s", got)
	}
}

func TestReconcile_OpenStatusAdvancesLocally(t *testing.T) {
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

	if err := env.engine.Reconcile(env.ctx); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	if got := env.getOrder(t, order.ID).Status; got != domain.OrderOpen {
		t.Errorf("status = %s, want OPEN after reconcile", got)
	}
}
