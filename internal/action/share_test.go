package action

import (
	"testing"
	"time"

	"autotrader/internal/audit"
	"autotrader/internal/domain"
	"autotrader/internal/rules"
)

func TestIncreaseShare_BuysUpToTarget(t *testing.T) {
	env := newTestEnv(t)
	env.gateway.SetPrice("AAPL", 100)
	txn := env.createTransaction(t, domain.SideLong, 100, 10)

	// Current share: 10 * 100 / 10000 = 10%. Target 30%.
	in := Input{
		Recommendation: testRecommendation(domain.ActionBuy),
		Transaction:    &txn,
		CurrentPrice:   100,
		VirtualEquity:  10000,
	}
	spec := actionSpec(t, rules.ActionIncreaseShare, map[string]interface{}{"target_percent": 30})
	result, err := env.executor.Execute(env.ctx, spec, in)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !result.Success {
		t.Fatalf("increase not successful: %s", result.Message)
	}

	order, err := env.orders.Get(env.ctx, result.OrderIDs[0])
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	// (10000*30% - 1000) / 100 = 20 shares to add.
	if order.Side != domain.OrderBuy || order.Quantity != 20 {
		t.Errorf("order = %s %.0f, want BUY 20", order.Side, order.Quantity)
	}
	if order.IsClosingOrder {
		t.Errorf("add-on order must not be a closing order")
	}
}

func TestIncreaseShare_ClampsToInstrumentCap(t *testing.T) {
	env := newTestEnv(t)
	env.gateway.SetPrice("AAPL", 100)
	txn := env.createTransaction(t, domain.SideLong, 100, 10)

	in := Input{
		Recommendation: testRecommendation(domain.ActionBuy),
		Transaction:    &txn,
		CurrentPrice:   100,
		VirtualEquity:  10000,
	}
	// Cap configured at 50%: asking for 80% applies 50%.
	spec := actionSpec(t, rules.ActionIncreaseShare, map[string]interface{}{"target_percent": 80})
	result, err := env.executor.Execute(env.ctx, spec, in)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	order, err := env.orders.Get(env.ctx, result.OrderIDs[0])
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	// (10000*50% - 1000) / 100 = 40 shares, not the 70 the raw target implies.
	if order.Quantity != 40 {
		t.Errorf("quantity = %v, want 40 after clamping", order.Quantity)
	}

	env.drainAudit(t)
	events, err := env.recorder.ListEvents(env.ctx, audit.EventClampWarning, 10)
	if err != nil {
		t.Fatalf("list audit events: %v", err)
	}
	if len(events) == 0 {
		t.Errorf("clamping must leave a clamp_warning audit event")
	}
}

func TestAdjustShare_EpsilonNoOp(t *testing.T) {
	env := newTestEnv(t)
	env.gateway.SetPrice("AAPL", 100)
	txn := env.createTransaction(t, domain.SideLong, 100, 10)

	// Current 10%, target 10.3%, epsilon 0.5%: no order.
	in := Input{
		Recommendation: testRecommendation(domain.ActionBuy),
		Transaction:    &txn,
		CurrentPrice:   100,
		VirtualEquity:  10000,
	}
	spec := actionSpec(t, rules.ActionIncreaseShare, map[string]interface{}{"target_percent": 10.3})
	result, err := env.executor.Execute(env.ctx, spec, in)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Success {
		t.Errorf("within-epsilon adjustment must be a no-op")
	}
	if len(result.OrderIDs) != 0 {
		t.Errorf("no-op must not create orders, got %v", result.OrderIDs)
	}

	orders, err := env.orders.ListByTransaction(env.ctx, txn.ID)
	if err != nil {
		t.Fatalf("list orders: %v", err)
	}
	if len(orders) != 0 {
		t.Errorf("expected no orders, got %d", len(orders))
	}
}

func TestDecreaseShare_PartialKeepsMinimumOneShare(t *testing.T) {
	env := newTestEnv(t)
	env.gateway.SetPrice("AAPL", 100)
	txn := env.createTransaction(t, domain.SideLong, 100, 10)

	// Current 10%, target 0.5%: raw delta floor((1000-50)/100)=9 leaves 1 share.
	in := Input{
		Recommendation: testRecommendation(domain.ActionSell),
		Transaction:    &txn,
		CurrentPrice:   100,
		VirtualEquity:  10000,
	}
	spec := actionSpec(t, rules.ActionDecreaseShare, map[string]interface{}{"target_percent": 0.5})
	result, err := env.executor.Execute(env.ctx, spec, in)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	order, err := env.orders.Get(env.ctx, result.OrderIDs[0])
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if order.Side != domain.OrderSell || order.Quantity != 9 {
		t.Errorf("order = %s %.0f, want SELL 9", order.Side, order.Quantity)
	}
	if order.IsClosingOrder {
		t.Errorf("partial reduction must not be a closing order")
	}
	if got := env.getTransaction(t, txn.ID).Status; got != domain.TransactionOpened {
		t.Errorf("transaction status = %s, partial reduction must stay OPENED", got)
	}
}

func TestDecreaseShare_TargetZeroClosesWholePosition(t *testing.T) {
	env := newTestEnv(t)
	// 0.29 * 7 = 2.03: fractional math must not strand a residual share.
	env.gateway.SetPrice("PENNY", 0.29)
	now := time.Now().UTC()
	txn := domain.Transaction{
		ID:        "txn-penny",
		ExpertID:  "expert-1",
		Symbol:    "PENNY",
		Side:      domain.SideLong,
		Status:    domain.TransactionOpened,
		OpenPrice: 0.29,
		Quantity:  7,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := env.txns.Create(env.ctx, txn); err != nil {
		t.Fatalf("create transaction: %v", err)
	}

	rec := testRecommendation(domain.ActionSell)
	rec.Symbol = "PENNY"
	in := Input{
		Recommendation: rec,
		Transaction:    &txn,
		CurrentPrice:   0.29,
		VirtualEquity:  10000,
	}
	spec := actionSpec(t, rules.ActionDecreaseShare, map[string]interface{}{"target_percent": 0})
	result, err := env.executor.Execute(env.ctx, spec, in)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	order, err := env.orders.Get(env.ctx, result.OrderIDs[0])
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if order.Quantity != 7 {
		t.Errorf("quantity = %v, target zero must close all 7 shares", order.Quantity)
	}
	if !order.IsClosingOrder {
		t.Errorf("full close must be marked as a closing order")
	}
	if got := env.getTransaction(t, txn.ID).Status; got != domain.TransactionClosing {
		t.Errorf("transaction status = %s, want CLOSING", got)
	}
}

func activeProtection(t *testing.T, env *testEnv, txnID string) domain.TradingOrder {
	t.Helper()
	orders, err := env.orders.ListByTransaction(env.ctx, txnID)
	if err != nil {
		t.Fatalf("list orders: %v", err)
	}
	for _, order := range orders {
		if order.IsActive() && (order.CarriesTakeProfit() || order.CarriesStopLoss()) {
			return order
		}
	}
	t.Fatalf("no active protection order for transaction %s", txnID)
	return domain.TradingOrder{}
}

func TestIncreaseShare_FillUpdatesQuantityAndAveragesOpenPrice(t *testing.T) {
	env := newTestEnv(t)
	env.gateway.SetPrice("AAPL", 100)
	txn := env.createTransaction(t, domain.SideLong, 90, 10)

	tp := 120.0
	stored := env.getTransaction(t, txn.ID)
	stored.TakeProfit = &tp
	if err := env.txns.Update(env.ctx, stored); err != nil {
		t.Fatalf("update transaction: %v", err)
	}

	// Current share: 10 * 100 / 10000 = 10%. Target 30% adds BUY 20.
	in := Input{
		Recommendation: testRecommendation(domain.ActionBuy),
		Transaction:    &stored,
		CurrentPrice:   100,
		VirtualEquity:  10000,
	}
	spec := actionSpec(t, rules.ActionIncreaseShare, map[string]interface{}{"target_percent": 30})
	result, err := env.executor.Execute(env.ctx, spec, in)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	order, err := env.orders.Get(env.ctx, result.OrderIDs[0])
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if !order.IsResizeOrder || order.IsClosingOrder {
		t.Errorf("add-on order flags = resize:%v closing:%v, want resize only", order.IsResizeOrder, order.IsClosingOrder)
	}

	// The paper market order fills immediately; reconciliation lands it.
	if err := env.engine.Reconcile(env.ctx); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	got := env.getTransaction(t, txn.ID)
	if got.Quantity != 30 {
		t.Fatalf("quantity = %.0f, want 30 after the add-on fill", got.Quantity)
	}
	// Weighted average: (10*90 + 20*100) / 30 = 96.67.
	if got.OpenPrice != 96.67 {
		t.Errorf("open price = %.4f, want 96.67 weighted average", got.OpenPrice)
	}

	protection := activeProtection(t, env, txn.ID)
	if protection.Quantity != 30 {
		t.Errorf("protection quantity = %.0f, must cover the grown position", protection.Quantity)
	}
}

func TestDecreaseShare_FillShrinksQuantityAndResizesProtection(t *testing.T) {
	env := newTestEnv(t)
	env.gateway.SetPrice("AAPL", 100)
	txn := env.createTransaction(t, domain.SideLong, 100, 20)

	in := Input{
		Recommendation: testRecommendation(domain.ActionSell),
		Transaction:    &txn,
		CurrentPrice:   100,
		VirtualEquity:  10000,
	}
	tpSpec := actionSpec(t, rules.ActionAdjustTakeProfit, map[string]interface{}{
		"reference": "ORDER_OPEN_PRICE", "percent": 20,
	})
	if _, err := env.executor.Execute(env.ctx, tpSpec, in); err != nil {
		t.Fatalf("Execute adjust: %v", err)
	}
	before := activeProtection(t, env, txn.ID)
	if before.Quantity != 20 || before.BrokerOrderID == nil {
		t.Fatalf("protection = %.0f shares, broker id %v; want submitted 20-share order", before.Quantity, before.BrokerOrderID)
	}

	// Current share 20%, target 10%: SELL 10.
	stored := env.getTransaction(t, txn.ID)
	in.Transaction = &stored
	spec := actionSpec(t, rules.ActionDecreaseShare, map[string]interface{}{"target_percent": 10})
	if _, err := env.executor.Execute(env.ctx, spec, in); err != nil {
		t.Fatalf("Execute decrease: %v", err)
	}
	if err := env.engine.Reconcile(env.ctx); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	got := env.getTransaction(t, txn.ID)
	if got.Quantity != 10 {
		t.Fatalf("quantity = %.0f, want 10 after the reduction fill", got.Quantity)
	}
	if got.OpenPrice != 100 {
		t.Errorf("open price = %.4f, reductions must not move the open price", got.OpenPrice)
	}

	after := activeProtection(t, env, txn.ID)
	if after.Quantity != 10 {
		t.Errorf("protection quantity = %.0f, must shrink with the position", after.Quantity)
	}
	if after.BrokerOrderID == nil || *after.BrokerOrderID != *before.BrokerOrderID {
		t.Errorf("in-place resize must keep the broker order id")
	}
}

func TestDecreaseShare_TargetZeroRetiresProtectionBeforeClosing(t *testing.T) {
	env := newTestEnv(t)
	env.gateway.SetPrice("AAPL", 100)
	txn := env.createTransaction(t, domain.SideLong, 100, 10)

	in := Input{
		Recommendation: testRecommendation(domain.ActionSell),
		Transaction:    &txn,
		CurrentPrice:   100,
		VirtualEquity:  10000,
	}
	tpSpec := actionSpec(t, rules.ActionAdjustTakeProfit, map[string]interface{}{
		"reference": "ORDER_OPEN_PRICE", "percent": 20,
	})
	if _, err := env.executor.Execute(env.ctx, tpSpec, in); err != nil {
		t.Fatalf("Execute adjust: %v", err)
	}
	protection := activeProtection(t, env, txn.ID)

	stored := env.getTransaction(t, txn.ID)
	in.Transaction = &stored
	spec := actionSpec(t, rules.ActionDecreaseShare, map[string]interface{}{"target_percent": 0})
	result, err := env.executor.Execute(env.ctx, spec, in)
	if err != nil {
		t.Fatalf("Execute decrease: %v", err)
	}

	// A live protection order must never stay working next to the close.
	retired, err := env.orders.Get(env.ctx, protection.ID)
	if err != nil {
		t.Fatalf("get protection: %v", err)
	}
	if retired.Status != domain.OrderCanceled && retired.Status != domain.OrderPendingCancel {
		t.Errorf("protection status = %s, want CANCELED or PENDING_CANCEL", retired.Status)
	}

	active, err := env.orders.ListActiveByTransaction(env.ctx, txn.ID)
	if err != nil {
		t.Fatalf("list active orders: %v", err)
	}
	if len(active) != 1 || active[0].ID != result.OrderIDs[0] {
		t.Errorf("active orders = %+v, only the closing order may stay live", active)
	}
	if got := env.getTransaction(t, txn.ID).Status; got != domain.TransactionClosing {
		t.Errorf("transaction status = %s, want CLOSING", got)
	}
}

func TestAdjustShare_RequiresActivePosition(t *testing.T) {
	env := newTestEnv(t)
	in := Input{
		Recommendation: testRecommendation(domain.ActionBuy),
		CurrentPrice:   100,
		VirtualEquity:  10000,
	}
	spec := actionSpec(t, rules.ActionIncreaseShare, map[string]interface{}{"target_percent": 20})
	if _, err := env.executor.Execute(env.ctx, spec, in); err == nil {
		t.Fatalf("share adjustment without a position must fail")
	}
}
