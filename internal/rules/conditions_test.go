package rules

import (
	"encoding/json"
	"testing"
	"time"

	"autotrader/internal/broker"
	"autotrader/internal/domain"
)

func rawParams(t *testing.T, params map[string]interface{}) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(params)
	if err != nil {
		t.Fatalf("marshal params: %v", err)
	}
	return raw
}

func openedTransaction(side domain.Side, openPrice, quantity float64) *domain.Transaction {
	return &domain.Transaction{
		ID:        "txn-1",
		ExpertID:  "expert-9",
		Symbol:    "AAPL",
		Side:      side,
		Status:    domain.TransactionOpened,
		OpenPrice: openPrice,
		Quantity:  quantity,
		CreatedAt: time.Now().Add(-72 * time.Hour),
	}
}

func TestCondition_PositionScopes(t *testing.T) {
	ctx := bullishContext()
	ctx.AccountPositions = []broker.Position{{Symbol: "AAPL", Quantity: 5}}

	// Expert scope is the default and ignores account-side holdings.
	passed, err := EvaluateCondition(ConditionSpec{Type: CondHasPosition}, ctx)
	if err != nil {
		t.Fatalf("EvaluateCondition: %v", err)
	}
	if passed {
		t.Errorf("EXPERT scope must not see account positions")
	}

	passed, err = EvaluateCondition(ConditionSpec{
		Type:   CondHasPosition,
		Params: rawParams(t, map[string]interface{}{"scope": "ACCOUNT"}),
	}, ctx)
	if err != nil {
		t.Fatalf("EvaluateCondition: %v", err)
	}
	if !passed {
		t.Errorf("ACCOUNT scope should see broker positions for the symbol")
	}

	ctx.Transaction = openedTransaction(domain.SideLong, 200, 10)
	passed, err = EvaluateCondition(ConditionSpec{Type: CondHasNoPosition}, ctx)
	if err != nil {
		t.Fatalf("EvaluateCondition: %v", err)
	}
	if passed {
		t.Errorf("HAS_NO_POSITION should fail with an active transaction")
	}
}

func TestCondition_InstrumentAccountShare(t *testing.T) {
	ctx := bullishContext()
	if got := InstrumentAccountShare(ctx); got != 0 {
		t.Errorf("share without position = %v, want 0", got)
	}

	ctx.Transaction = openedTransaction(domain.SideShort, 200, -10)
	ctx.CurrentPrice = 200
	ctx.VirtualEquity = 10000
	// |−10| * 200 / 10000 * 100 = 20%
	if got := InstrumentAccountShare(ctx); got != 20 {
		t.Errorf("share = %v, want 20", got)
	}

	passed, err := EvaluateCondition(ConditionSpec{
		Type:   CondInstrumentShare,
		Params: rawParams(t, map[string]interface{}{"operator": ">=", "value": 20.0}),
	}, ctx)
	if err != nil {
		t.Fatalf("EvaluateCondition: %v", err)
	}
	if !passed {
		t.Errorf("share condition should pass at exactly the threshold")
	}
}

func TestCondition_ProfitLossSignFlipsForShort(t *testing.T) {
	ctx := bullishContext()
	ctx.Transaction = openedTransaction(domain.SideShort, 100, -10)
	ctx.CurrentPrice = 90

	// Short position gains 10% when price drops 10%.
	passed, err := EvaluateCondition(ConditionSpec{
		Type:   CondProfitLossPct,
		Params: rawParams(t, map[string]interface{}{"operator": ">=", "value": 9.9}),
	}, ctx)
	if err != nil {
		t.Fatalf("EvaluateCondition: %v", err)
	}
	if !passed {
		t.Errorf("short position should show positive P&L on a price drop")
	}
}

func TestCondition_ProfitLossRequiresPosition(t *testing.T) {
	ctx := bullishContext()
	_, err := EvaluateCondition(ConditionSpec{
		Type:   CondProfitLossPct,
		Params: rawParams(t, map[string]interface{}{"operator": ">", "value": 0.0}),
	}, ctx)
	if err == nil {
		t.Fatalf("expected error evaluating P&L without a position")
	}
}

func TestCondition_DaysOpened(t *testing.T) {
	ctx := bullishContext()
	ctx.Transaction = openedTransaction(domain.SideLong, 200, 10)
	ctx.Now = ctx.Transaction.CreatedAt.Add(72 * time.Hour)

	passed, err := EvaluateCondition(ConditionSpec{
		Type:   CondDaysOpened,
		Params: rawParams(t, map[string]interface{}{"operator": ">=", "value": 3.0}),
	}, ctx)
	if err != nil {
		t.Fatalf("EvaluateCondition: %v", err)
	}
	if !passed {
		t.Errorf("72h open should count as 3 days")
	}
}

func TestCondition_RatingChanged(t *testing.T) {
	ctx := bullishContext()

	passed, err := EvaluateCondition(ConditionSpec{Type: CondRatingChanged}, ctx)
	if err != nil {
		t.Fatalf("EvaluateCondition: %v", err)
	}
	if passed {
		t.Errorf("RATING_CHANGED must be false without a previous recommendation")
	}

	prev := ctx.Recommendation
	prev.Action = domain.ActionSell
	ctx.Previous = &prev
	passed, err = EvaluateCondition(ConditionSpec{Type: CondRatingChanged}, ctx)
	if err != nil {
		t.Fatalf("EvaluateCondition: %v", err)
	}
	if !passed {
		t.Errorf("SELL -> BUY should count as a rating change")
	}
}

func TestCondition_RiskAndHorizon(t *testing.T) {
	ctx := bullishContext()

	passed, err := EvaluateCondition(ConditionSpec{
		Type:   CondRiskLevelIs,
		Params: rawParams(t, map[string]interface{}{"level": "MEDIUM"}),
	}, ctx)
	if err != nil {
		t.Fatalf("EvaluateCondition: %v", err)
	}
	if !passed {
		t.Errorf("risk level MEDIUM should match")
	}

	passed, err = EvaluateCondition(ConditionSpec{
		Type:   CondTimeHorizonIs,
		Params: rawParams(t, map[string]interface{}{"horizon": "LONG"}),
	}, ctx)
	if err != nil {
		t.Fatalf("EvaluateCondition: %v", err)
	}
	if passed {
		t.Errorf("time horizon LONG should not match a SHORT recommendation")
	}
}

func TestCondition_Indicators(t *testing.T) {
	ctx := bullishContext()
	// 10 根收盘价单调上涨, RSI(5) 接近 100, 收盘价序列均值低于现价。
	ctx.Closes = []float64{100, 101, 102, 103, 104, 105, 106, 107, 108, 109}
	ctx.CurrentPrice = 110

	passed, err := EvaluateCondition(ConditionSpec{
		Type:   CondRSI,
		Params: rawParams(t, map[string]interface{}{"period": 5, "operator": ">", "value": 70.0}),
	}, ctx)
	if err != nil {
		t.Fatalf("EvaluateCondition RSI: %v", err)
	}
	if !passed {
		t.Errorf("monotonic rally should put RSI above 70")
	}

	passed, err = EvaluateCondition(ConditionSpec{
		Type:   CondPriceVsSMA,
		Params: rawParams(t, map[string]interface{}{"period": 5, "operator": ">"}),
	}, ctx)
	if err != nil {
		t.Fatalf("EvaluateCondition PRICE_VS_SMA: %v", err)
	}
	if !passed {
		t.Errorf("price 110 should sit above SMA(5) of a rally topping at 109")
	}

	ctx.Closes = []float64{100, 101}
	if _, err := EvaluateCondition(ConditionSpec{
		Type:   CondPriceVsSMA,
		Params: rawParams(t, map[string]interface{}{"period": 5, "operator": ">"}),
	}, ctx); err == nil {
		t.Errorf("expected error when the close series is shorter than the period")
	}
}

func TestCondition_UnknownTypeFails(t *testing.T) {
	if _, err := EvaluateCondition(ConditionSpec{Type: "MOON_PHASE"}, bullishContext()); err == nil {
		t.Fatalf("expected error for unknown condition type")
	}
}
