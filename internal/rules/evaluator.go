package rules

import (
	"fmt"

	"go.uber.org/zap"
)

// RuleMatch 是一条命中的规则及其待执行动作。
// 求值阶段只收集动作，真正执行由调用方在第二阶段完成。
type RuleMatch struct {
	Rule    Rule
	Actions []ActionSpec
}

// ConditionResult 记录调试模式下单个条件的求值结果。
type ConditionResult struct {
	Condition ConditionSpec
	Passed    bool
	Err       error
}

// RuleReport 是调试模式下一条规则的完整求值报告。
type RuleReport struct {
	RuleName   string
	Matched    bool
	Conditions []ConditionResult
}

// Evaluator 按序求值规则集。
type Evaluator struct {
	logger *zap.Logger
}

// NewEvaluator 构造规则求值器。
func NewEvaluator(logger *zap.Logger) *Evaluator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Evaluator{logger: logger}
}

// Evaluate 对规则集做实盘求值：条件短路，规则按序,
// 命中且 continue_processing 为假时停止处理后续规则。
// 返回全部命中规则的动作集合，不执行任何动作。
func (e *Evaluator) Evaluate(rs Ruleset, ctx EvalContext) ([]RuleMatch, error) {
	var matches []RuleMatch
	for _, rule := range rs.Rules {
		matched := true
		for _, cond := range rule.Conditions {
			passed, err := EvaluateCondition(cond, ctx)
			if err != nil {
				return nil, fmt.Errorf("规则 %q 条件 %s 求值失败: %w", rule.Name, cond.Type, err)
			}
			if !passed {
				matched = false
				break
			}
		}
		if !matched {
			continue
		}

		e.logger.Debug("规则命中",
			zap.String("ruleset", rs.Name),
			zap.String("rule", rule.Name),
			zap.Int("actions", len(rule.Actions)),
		)
		matches = append(matches, RuleMatch{Rule: rule, Actions: rule.Actions})
		if !rule.ShouldContinue() {
			break
		}
	}
	return matches, nil
}

// EvaluateDebug 对每条规则的全部条件逐一求值，失败也不短路。
// 仅用于诊断输出，绝不能驱动实盘执行。
func (e *Evaluator) EvaluateDebug(rs Ruleset, ctx EvalContext) []RuleReport {
	reports := make([]RuleReport, 0, len(rs.Rules))
	for _, rule := range rs.Rules {
		report := RuleReport{RuleName: rule.Name, Matched: true}
		for _, cond := range rule.Conditions {
			passed, err := EvaluateCondition(cond, ctx)
			report.Conditions = append(report.Conditions, ConditionResult{
				Condition: cond,
				Passed:    passed,
				Err:       err,
			})
			if err != nil || !passed {
				report.Matched = false
			}
		}
		reports = append(reports, report)
	}
	return reports
}
