// Package app 组装全部组件并驱动系统生命周期：
// 分析循环产出建议，触发扫描释放依赖单，对账循环拉回券商状态。
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"autotrader/internal/action"
	"autotrader/internal/audit"
	"autotrader/internal/broker"
	"autotrader/internal/config"
	"autotrader/internal/expert"
	"autotrader/internal/locks"
	"autotrader/internal/rules"
	"autotrader/internal/store"
	"autotrader/internal/trigger"
)

// App 聚合核心依赖并驱动系统生命周期。
type App struct {
	cfg    *config.Config
	logger *zap.Logger
	store  *store.Store
}

// New 创建 App 实例。
func New(cfg *config.Config, logger *zap.Logger, st *store.Store) *App {
	return &App{
		cfg:    cfg,
		logger: logger,
		store:  st,
	}
}

// Run 启动全部后台循环并阻塞到退出信号。
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("交易系统已初始化",
		zap.String("environment", a.cfg.App.Environment),
		zap.String("broker", a.cfg.Broker.Name),
		zap.Bool("paper", a.cfg.Broker.Paper),
		zap.Int("experts", len(a.cfg.Experts)),
	)

	registry := prometheus.NewRegistry()
	m := newMetrics(registry)

	retryer := store.NewRetryer(a.cfg.Database.Retry, a.logger)
	retryer.OnRetry = m.storageRetries.Inc
	txns := store.NewTransactionRepo(a.store, retryer)
	orders := store.NewOrderRepo(a.store, retryer)
	recs := store.NewRecommendationRepo(a.store, retryer)

	recorder, err := audit.NewRecorder(a.store, a.cfg.Audit.QueueSize, a.logger)
	if err != nil {
		return err
	}
	recorder.OnDrop = m.auditDropped.Inc

	gateway, err := a.buildGateway()
	if err != nil {
		return err
	}

	lockManager := locks.NewManager()
	engine := trigger.NewEngine(gateway, txns, orders, lockManager, recorder, a.logger)
	executor := action.NewExecutor(gateway, txns, orders, engine, lockManager, recorder, a.cfg.Trading, a.logger)
	evaluator := rules.NewEvaluator(a.logger)
	rulesets := rules.NewFileStore(a.cfg.Rules.Dir)
	processor := NewProcessor(gateway, evaluator, executor, rulesets, recs, txns, lockManager, recorder, m, a.logger)

	var expertClient *expert.Client
	if a.cfg.OpenAI.APIKey != "" {
		expertClient, err = expert.NewClient(a.cfg.OpenAI, a.logger)
		if err != nil {
			return err
		}
	} else {
		a.logger.Warn("未配置 openai.api_key, 分析循环不会生成建议")
	}

	if a.cfg.Monitor.Enabled {
		startMonitorServer(ctx, recorder, registry, a.cfg.Monitor.Port, a.logger)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return recorder.Run(gctx)
	})
	g.Go(func() error {
		return a.runLoop(gctx, "触发扫描", a.cfg.Scheduler.TriggerSweepInterval, func() error {
			m.sweepRuns.Inc()
			return engine.Sweep(gctx)
		})
	})
	g.Go(func() error {
		return a.runLoop(gctx, "券商对账", a.cfg.Scheduler.ReconcileInterval, func() error {
			m.reconcileRuns.Inc()
			return engine.Reconcile(gctx)
		})
	})
	if expertClient != nil {
		g.Go(func() error {
			return a.runLoop(gctx, "建议分析", a.cfg.Scheduler.AnalysisInterval, func() error {
				a.runAnalysis(gctx, expertClient, gateway, txns, processor, m)
				return nil
			})
		})
	}

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("系统异常退出: %w", err)
	}
	a.logger.Info("系统收到退出信号, 正在停止")
	return nil
}

func (a *App) buildGateway() (broker.Gateway, error) {
	if a.cfg.Broker.Paper {
		equity := 0.0
		for _, exp := range a.cfg.Experts {
			equity += exp.VirtualEquity
		}
		if equity <= 0 {
			equity = 100000
		}
		a.logger.Info("使用纸面券商", zap.Float64("equity", equity))
		return broker.NewPaperGateway(equity, a.logger), nil
	}
	return broker.NewCCXTGateway(a.cfg.Broker, a.logger)
}

// runLoop 先立即执行一次，之后按固定间隔循环；单次失败只记录不退出。
func (a *App) runLoop(ctx context.Context, name string, interval time.Duration, fn func() error) error {
	if err := fn(); err != nil {
		a.logger.Error(name+"执行失败", zap.Error(err))
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := fn(); err != nil {
				a.logger.Error(name+"执行失败", zap.Error(err))
			}
		}
	}
}

// runAnalysis 跑一轮专家分析：每个专家实例的每个标的生成一条建议并处理。
// 不同专家并行，单个标的失败只计数不中断整轮。
func (a *App) runAnalysis(
	ctx context.Context,
	client *expert.Client,
	gateway broker.Gateway,
	txns *store.TransactionRepo,
	processor *Processor,
	m *metrics,
) {
	g, gctx := errgroup.WithContext(ctx)
	for _, expertCfg := range a.cfg.Experts {
		g.Go(func() error {
			for _, symbol := range expertCfg.Symbols {
				if err := a.analyzeSymbol(gctx, client, gateway, txns, processor, expertCfg, symbol); err != nil {
					m.analysisErrors.Inc()
					a.logger.Error("标的分析失败",
						zap.String("expert_id", expertCfg.ID),
						zap.String("symbol", symbol),
						zap.Error(err),
					)
				}
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (a *App) analyzeSymbol(
	ctx context.Context,
	client *expert.Client,
	gateway broker.Gateway,
	txns *store.TransactionRepo,
	processor *Processor,
	expertCfg config.ExpertConfig,
	symbol string,
) error {
	price, err := gateway.GetCurrentPrice(ctx, symbol)
	if err != nil {
		return err
	}
	closes, err := gateway.GetHistoricalCloses(ctx, symbol, 30)
	if err != nil {
		a.logger.Warn("获取历史收盘价失败", zap.String("symbol", symbol), zap.Error(err))
		closes = nil
	}

	active, err := txns.ListActiveByExpertSymbol(ctx, expertCfg.ID, symbol)
	if err != nil {
		return err
	}
	req := expert.Request{
		ExpertID:     expertCfg.ID,
		UseCase:      expertCfg.UseCase,
		Symbol:       symbol,
		CurrentPrice: price,
		Closes:       closes,
	}
	if len(active) > 0 {
		req.Position = &active[0]
	}

	rec, err := client.Generate(ctx, req)
	if err != nil {
		return err
	}
	return processor.OnAnalysisCompleted(ctx, rec, expertCfg)
}
