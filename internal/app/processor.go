package app

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"autotrader/internal/action"
	"autotrader/internal/audit"
	"autotrader/internal/broker"
	"autotrader/internal/config"
	"autotrader/internal/domain"
	"autotrader/internal/locks"
	"autotrader/internal/rules"
	"autotrader/internal/store"
)

// Processor 消费"分析完成"事件：求值规则集并执行命中的动作。
// 同一 (专家, 用例) 范围内的并发触发恰好执行一次，其余共享结果。
type Processor struct {
	gateway   broker.Gateway
	evaluator *rules.Evaluator
	executor  *action.Executor
	rulesets  *rules.FileStore
	recs      *store.RecommendationRepo
	txns      *store.TransactionRepo
	locks     *locks.Manager
	recorder  *audit.Recorder
	metrics   *metrics
	logger    *zap.Logger
}

// NewProcessor 构造建议处理器。
func NewProcessor(
	gateway broker.Gateway,
	evaluator *rules.Evaluator,
	executor *action.Executor,
	rulesets *rules.FileStore,
	recs *store.RecommendationRepo,
	txns *store.TransactionRepo,
	lockManager *locks.Manager,
	recorder *audit.Recorder,
	m *metrics,
	logger *zap.Logger,
) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{
		gateway:   gateway,
		evaluator: evaluator,
		executor:  executor,
		rulesets:  rulesets,
		recs:      recs,
		txns:      txns,
		locks:     lockManager,
		recorder:  recorder,
		metrics:   m,
		logger:    logger,
	}
}

// OnAnalysisCompleted 处理一条新建议。
// 并发的同范围调用会合并到同一次处理上，不会产生重复订单。
func (p *Processor) OnAnalysisCompleted(ctx context.Context, rec domain.Recommendation, expertCfg config.ExpertConfig) error {
	key := locks.ScopeKey(rec.ExpertID, rec.UseCase)
	shared, err := p.locks.DoScoped(key, func() error {
		return p.process(ctx, rec, expertCfg)
	})
	if shared {
		p.logger.Info("同范围并发触发已合并, 本次不重复处理",
			zap.String("scope", key),
			zap.String("recommendation_id", rec.ID),
		)
	}
	return err
}

func (p *Processor) process(ctx context.Context, rec domain.Recommendation, expertCfg config.ExpertConfig) error {
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("建议校验失败: %w", err)
	}

	previous, err := p.recs.Previous(ctx, rec)
	var prevPtr *domain.Recommendation
	switch {
	case err == nil:
		prevPtr = &previous
	case errors.Is(err, store.ErrNotFound):
	default:
		return err
	}

	if err := p.recs.Save(ctx, rec); err != nil {
		return err
	}
	p.metrics.recommendationsProcessed.Inc()
	p.recorder.Info(audit.EventRecommendation,
		fmt.Sprintf("收到建议: %s %s (信心 %.0f)", rec.Symbol, rec.Action, rec.Confidence),
		map[string]interface{}{
			"recommendation_id": rec.ID,
			"expert_id":         rec.ExpertID,
			"use_case":          rec.UseCase,
			"symbol":            rec.Symbol,
			"action":            string(rec.Action),
		})

	ruleset, err := p.rulesets.Load(expertCfg.Ruleset)
	if err != nil {
		return err
	}

	evalCtx, err := p.buildEvalContext(ctx, rec, prevPtr, expertCfg)
	if err != nil {
		return err
	}

	if p.logger.Core().Enabled(zap.DebugLevel) {
		p.logDebugReports(ruleset, evalCtx, rec.ID)
	}

	matches, err := p.evaluator.Evaluate(ruleset, evalCtx)
	if err != nil {
		return err
	}
	if len(matches) == 0 {
		p.logger.Debug("没有规则命中",
			zap.String("ruleset", ruleset.Name),
			zap.String("recommendation_id", rec.ID),
		)
		return nil
	}

	var execErr error
	for _, match := range matches {
		p.recorder.Info(audit.EventRuleMatch,
			fmt.Sprintf("规则 %q 命中", match.Rule.Name),
			map[string]interface{}{
				"ruleset":           ruleset.Name,
				"rule":              match.Rule.Name,
				"recommendation_id": rec.ID,
			})

		for _, spec := range match.Actions {
			in := action.Input{
				Recommendation: rec,
				Transaction:    evalCtx.Transaction,
				CurrentPrice:   evalCtx.CurrentPrice,
				VirtualEquity:  expertCfg.VirtualEquity,
				UseCase:        rec.UseCase,
				RuleName:       match.Rule.Name,
			}
			result, err := p.executor.Execute(ctx, spec, in)
			if err != nil {
				execErr = multierr.Append(execErr, fmt.Errorf("规则 %q 动作 %s: %w", match.Rule.Name, spec.Type, err))
				continue
			}
			if result.Success {
				p.metrics.actionsExecuted.Inc()
			}
			// 动作执行改变了持仓现场，刷新后续动作看到的事实。
			evalCtx.Transaction, err = p.activeTransaction(ctx, rec)
			if err != nil {
				execErr = multierr.Append(execErr, err)
			}
		}
	}
	return execErr
}

// logDebugReports 逐条件诊断求值并输出日志，只做报告，不驱动执行。
func (p *Processor) logDebugReports(rs rules.Ruleset, evalCtx rules.EvalContext, recID string) {
	for _, report := range p.evaluator.EvaluateDebug(rs, evalCtx) {
		for _, cr := range report.Conditions {
			p.logger.Debug("规则条件诊断",
				zap.String("ruleset", rs.Name),
				zap.String("rule", report.RuleName),
				zap.String("condition", string(cr.Condition.Type)),
				zap.Bool("passed", cr.Passed),
				zap.Error(cr.Err),
			)
		}
	}
}

func (p *Processor) buildEvalContext(ctx context.Context, rec domain.Recommendation, previous *domain.Recommendation, expertCfg config.ExpertConfig) (rules.EvalContext, error) {
	txn, err := p.activeTransaction(ctx, rec)
	if err != nil {
		return rules.EvalContext{}, err
	}

	price, err := p.gateway.GetCurrentPrice(ctx, rec.Symbol)
	if err != nil {
		return rules.EvalContext{}, err
	}

	positions, err := p.gateway.GetPositions(ctx)
	if err != nil {
		return rules.EvalContext{}, err
	}

	closes, err := p.gateway.GetHistoricalCloses(ctx, rec.Symbol, 50)
	if err != nil {
		// 历史行情拿不到只影响依赖它的条件，不阻塞整体处理。
		p.logger.Warn("获取历史收盘价失败",
			zap.String("symbol", rec.Symbol),
			zap.Error(err),
		)
		closes = nil
	}

	return rules.EvalContext{
		Recommendation:   rec,
		Previous:         previous,
		Transaction:      txn,
		AccountPositions: positions,
		CurrentPrice:     price,
		VirtualEquity:    expertCfg.VirtualEquity,
		Closes:           closes,
		Now:              rec.CreatedAt,
	}, nil
}

func (p *Processor) activeTransaction(ctx context.Context, rec domain.Recommendation) (*domain.Transaction, error) {
	active, err := p.txns.ListActiveByExpertSymbol(ctx, rec.ExpertID, rec.Symbol)
	if err != nil {
		return nil, err
	}
	if len(active) == 0 {
		return nil, nil
	}
	txn := active[0]
	return &txn, nil
}
