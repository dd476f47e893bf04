package expert

import (
	"strings"
	"testing"

	"autotrader/internal/domain"
)

func TestParsePayload_PlainJSON(t *testing.T) {
	content := `{
  "recommended_action": "BUY",
  "confidence": 82,
  "expected_profit_percent": 15.5,
  "risk_level": "MEDIUM",
  "time_horizon": "SHORT",
  "reasoning": "momentum breakout"
}`
	p, err := parsePayload(content)
	if err != nil {
		t.Fatalf("parsePayload: %v", err)
	}
	if p.RecommendedAction != "BUY" || p.Confidence != 82 {
		t.Errorf("payload = %+v", p)
	}
	if p.ExpectedProfitPercent != 15.5 || p.RiskLevel != "MEDIUM" {
		t.Errorf("payload = %+v", p)
	}
}

func TestParsePayload_SurroundingProse(t *testing.T) {
	content := "根据分析，建议如下：\n```json\n" +
		`{"recommended_action": "sell", "confidence": 60, "expected_profit_percent": 8, "risk_level": "high", "time_horizon": "medium", "reasoning": "..."}` +
		"\n```\n以上仅供参考。"
	p, err := parsePayload(content)
	if err != nil {
		t.Fatalf("parsePayload: %v", err)
	}
	if p.RecommendedAction != "sell" || p.Confidence != 60 {
		t.Errorf("payload = %+v", p)
	}
}

func TestParsePayload_NoJSON(t *testing.T) {
	if _, err := parsePayload("抱歉，我无法给出建议。"); err == nil {
		t.Fatalf("prose without JSON must fail")
	}
}

func TestBuildPrompt_WithAndWithoutPosition(t *testing.T) {
	req := Request{
		ExpertID:     "expert-1",
		UseCase:      "OPEN_POSITIONS",
		Symbol:       "AAPL",
		CurrentPrice: 187.5,
		Closes:       []float64{180, 182.25, 185},
	}
	prompt, err := BuildPrompt(req)
	if err != nil {
		t.Fatalf("BuildPrompt: %v", err)
	}
	if !strings.Contains(prompt, "AAPL") || !strings.Contains(prompt, "187.50") {
		t.Errorf("prompt missing symbol or price:\n%s", prompt)
	}
	if !strings.Contains(prompt, "180.00, 182.25, 185.00") {
		t.Errorf("prompt missing closes line:\n%s", prompt)
	}
	if !strings.Contains(prompt, "当前没有该标的持仓") {
		t.Errorf("flat prompt must state there is no position")
	}

	req.Position = &domain.Transaction{
		Side:      domain.SideLong,
		Quantity:  10,
		OpenPrice: 175,
		Status:    domain.TransactionOpened,
	}
	prompt, err = BuildPrompt(req)
	if err != nil {
		t.Fatalf("BuildPrompt with position: %v", err)
	}
	if !strings.Contains(prompt, "LONG") || !strings.Contains(prompt, "175.00") {
		t.Errorf("prompt missing position block:\n%s", prompt)
	}
	if strings.Contains(prompt, "当前没有该标的持仓") {
		t.Errorf("position prompt must not claim a flat book")
	}
}
