package action

import (
	"math"
	"testing"

	"autotrader/internal/domain"
	"autotrader/internal/rules"
)

func TestAdjustTakeProfit_FromOrderOpenPrice(t *testing.T) {
	env := newTestEnv(t)
	env.gateway.SetPrice("AAPL", 245)
	txn := env.createTransaction(t, domain.SideLong, 239.69, 10)

	in := Input{
		Recommendation: testRecommendation(domain.ActionBuy),
		Transaction:    &txn,
		CurrentPrice:   245,
	}
	spec := actionSpec(t, rules.ActionAdjustTakeProfit, map[string]interface{}{
		"reference": "ORDER_OPEN_PRICE",
		"percent":   12,
	})
	result, err := env.executor.Execute(env.ctx, spec, in)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !result.Success {
		t.Fatalf("adjust not successful: %s", result.Message)
	}

	stored := env.getTransaction(t, txn.ID)
	// 239.69 * 1.12 = 268.4528, rounded to the cent.
	if stored.TakeProfit == nil || math.Abs(*stored.TakeProfit-268.45) > 1e-9 {
		t.Errorf("take_profit = %v, want 268.45", stored.TakeProfit)
	}

	active, err := env.orders.ListActiveByTransaction(env.ctx, txn.ID)
	if err != nil {
		t.Fatalf("list orders: %v", err)
	}
	if len(active) != 1 {
		t.Fatalf("expected 1 protection order, got %d", len(active))
	}
	order := active[0]
	if order.Type != domain.OrderTypeLimit || math.Abs(order.LimitPrice-268.45) > 1e-9 {
		t.Errorf("protection = %s @ %v, want LIMIT @ 268.45", order.Type, order.LimitPrice)
	}
	if order.BrokerOrderID == nil {
		t.Errorf("protection order was not submitted")
	}
}

func TestAdjustTakeProfit_ExpertTargetOnShort(t *testing.T) {
	env := newTestEnv(t)
	env.gateway.SetPrice("AAPL", 95)
	txn := env.createTransaction(t, domain.SideShort, 100, 10)

	// PriceAtDate 100, expected profit 20% on a short: target 80,
	// then 2% further in the profit direction: 78.40.
	in := Input{
		Recommendation: testRecommendation(domain.ActionSell),
		Transaction:    &txn,
		CurrentPrice:   95,
	}
	spec := actionSpec(t, rules.ActionAdjustTakeProfit, map[string]interface{}{
		"reference": "EXPERT_TARGET_PRICE",
		"percent":   2,
	})
	if _, err := env.executor.Execute(env.ctx, spec, in); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	stored := env.getTransaction(t, txn.ID)
	if stored.TakeProfit == nil || math.Abs(*stored.TakeProfit-78.40) > 1e-9 {
		t.Errorf("take_profit = %v, want 78.40", stored.TakeProfit)
	}
}

func TestAdjustStopLoss_FromCurrentPrice(t *testing.T) {
	env := newTestEnv(t)
	env.gateway.SetPrice("AAPL", 110)
	txn := env.createTransaction(t, domain.SideLong, 100, 10)

	in := Input{
		Recommendation: testRecommendation(domain.ActionBuy),
		Transaction:    &txn,
		CurrentPrice:   110,
	}
	spec := actionSpec(t, rules.ActionAdjustStopLoss, map[string]interface{}{
		"reference": "CURRENT_PRICE",
		"percent":   5,
	})
	if _, err := env.executor.Execute(env.ctx, spec, in); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	stored := env.getTransaction(t, txn.ID)
	// Stop-loss extends in the losing direction: 110 * 0.95.
	if stored.StopLoss == nil || math.Abs(*stored.StopLoss-104.50) > 1e-9 {
		t.Errorf("stop_loss = %v, want 104.50", stored.StopLoss)
	}

	active, err := env.orders.ListActiveByTransaction(env.ctx, txn.ID)
	if err != nil {
		t.Fatalf("list orders: %v", err)
	}
	if len(active) != 1 || active[0].Type != domain.OrderTypeStop {
		t.Fatalf("expected a single STOP protection order, got %+v", active)
	}
}

func TestAdjustBothTargets_CollapseToOCO(t *testing.T) {
	env := newTestEnv(t)
	env.gateway.SetPrice("AAPL", 100)
	txn := env.createTransaction(t, domain.SideLong, 100, 10)

	in := Input{
		Recommendation: testRecommendation(domain.ActionBuy),
		Transaction:    &txn,
		CurrentPrice:   100,
	}
	tpSpec := actionSpec(t, rules.ActionAdjustTakeProfit, map[string]interface{}{
		"reference": "ORDER_OPEN_PRICE",
		"percent":   10,
	})
	if _, err := env.executor.Execute(env.ctx, tpSpec, in); err != nil {
		t.Fatalf("adjust take-profit: %v", err)
	}

	refreshed := env.getTransaction(t, txn.ID)
	in.Transaction = &refreshed
	slSpec := actionSpec(t, rules.ActionAdjustStopLoss, map[string]interface{}{
		"reference": "ORDER_OPEN_PRICE",
		"percent":   5,
	})
	if _, err := env.executor.Execute(env.ctx, slSpec, in); err != nil {
		t.Fatalf("adjust stop-loss: %v", err)
	}

	active, err := env.orders.ListActiveByTransaction(env.ctx, txn.ID)
	if err != nil {
		t.Fatalf("list orders: %v", err)
	}
	var protection []domain.TradingOrder
	for _, order := range active {
		if order.CarriesTakeProfit() || order.CarriesStopLoss() {
			protection = append(protection, order)
		}
	}
	if len(protection) != 1 {
		t.Fatalf("both targets must live on one order, got %d", len(protection))
	}
	if protection[0].Type != domain.OrderTypeOCO {
		t.Errorf("protection type = %s, want OCO", protection[0].Type)
	}
	if math.Abs(protection[0].LimitPrice-110) > 1e-9 || math.Abs(protection[0].StopPrice-95) > 1e-9 {
		t.Errorf("prices = (%v, %v), want (110, 95)", protection[0].LimitPrice, protection[0].StopPrice)
	}
}

func TestAdjust_RequiresReference(t *testing.T) {
	env := newTestEnv(t)
	txn := env.createTransaction(t, domain.SideLong, 100, 10)
	in := Input{
		Recommendation: testRecommendation(domain.ActionBuy),
		Transaction:    &txn,
		CurrentPrice:   100,
	}
	spec := actionSpec(t, rules.ActionAdjustTakeProfit, map[string]interface{}{"percent": 10})
	if _, err := env.executor.Execute(env.ctx, spec, in); err == nil {
		t.Fatalf("missing reference must be a hard failure")
	}
}

func TestAdjust_RequiresActivePosition(t *testing.T) {
	env := newTestEnv(t)
	in := Input{
		Recommendation: testRecommendation(domain.ActionBuy),
		CurrentPrice:   100,
	}
	spec := actionSpec(t, rules.ActionAdjustTakeProfit, map[string]interface{}{
		"reference": "CURRENT_PRICE",
		"percent":   10,
	})
	if _, err := env.executor.Execute(env.ctx, spec, in); err == nil {
		t.Fatalf("adjusting without a position must fail")
	}
}
