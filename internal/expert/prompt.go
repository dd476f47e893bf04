package expert

import (
	"bytes"
	"fmt"
	"text/template"
)

const recommendationTemplate = `
你是一位专业的证券投资顾问。请根据提供的市场数据，对标的给出一条明确的投资建议。

标的: {{ .Symbol }}
当前价格: {{ printf "%.2f" .CurrentPrice }}
最近 {{ len .Closes }} 个交易日收盘价（从旧到新）:
{{ .ClosesLine }}

{{ if .HasPosition -}}
当前持仓状况：
- 持仓方向: {{ .Position.Side }}
- 持仓数量: {{ printf "%.2f" .Position.Quantity }}
- 开仓价格: {{ printf "%.2f" .Position.OpenPrice }}
{{- else -}}
当前没有该标的持仓。
{{- end }}

给出建议时请遵循：
1. 先判断趋势与动量，确认是否存在高胜率方向；
2. 结合风险水平给出建议动作与预期收益率；
3. 不确定时给出 HOLD，不要勉强给方向。

请严格输出唯一的 JSON 对象，格式如下：
{
  "recommended_action": "BUY|SELL|HOLD|CLOSE",   // 建议动作
  "confidence": 0-100,                            // 信心度百分制
  "expected_profit_percent": 0.0,                 // 预期收益率百分比
  "risk_level": "LOW|MEDIUM|HIGH",               // 风险等级
  "time_horizon": "SHORT|MEDIUM|LONG",           // 建议持仓周期
  "reasoning": "..."                             // 支撑结论的关键理由
}

注意事项：
- 所有字段均需填写，confidence 请勿超过 100。
- expected_profit_percent 是相对当前价格的预期幅度，CLOSE/HOLD 可填 0。
`

var tmpl = template.Must(template.New("recommendation").Parse(recommendationTemplate))

type promptContext struct {
	Request
	ClosesLine  string
	HasPosition bool
}

// BuildPrompt 将市场与持仓信息渲染成提示词字符串。
func BuildPrompt(req Request) (string, error) {
	var line bytes.Buffer
	for i, c := range req.Closes {
		if i > 0 {
			line.WriteString(", ")
		}
		fmt.Fprintf(&line, "%.2f", c)
	}

	ctx := promptContext{
		Request:     req,
		ClosesLine:  line.String(),
		HasPosition: req.Position != nil,
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, ctx); err != nil {
		return "", fmt.Errorf("渲染提示词失败: %w", err)
	}
	return buf.String(), nil
}
